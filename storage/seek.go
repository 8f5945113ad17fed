package storage

import (
	"context"
	"fmt"

	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
)

// Seek repositions the reader cursor.
func (q *Queue) Seek(_ context.Context, pos interfaces.Position) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("seek"); err != nil {
		return q.recordErr(err)
	}
	if !pos.Valid() {
		return q.recordErr(fmqerrors.NewInvalidArgument("seek", fmt.Sprintf("invalid position %d", pos)))
	}
	h, err := q.refreshHeader()
	if err != nil {
		return q.recordErr(err)
	}
	q.seekLocked(&h, pos)
	return nil
}

func (q *Queue) seekLocked(h *header, pos interfaces.Position) {
	switch pos {
	case interfaces.PositionStart:
		q.nextID = h.oldestID
	case interfaces.PositionEnd:
		q.nextID = h.lastID + 1
	case interfaces.PositionLast:
		if h.empty() {
			q.nextID = h.lastID + 1
		} else {
			q.nextID = h.lastID
		}
	case interfaces.PositionBack:
		q.nextID--
		if q.nextID < h.oldestID {
			q.nextID = h.oldestID
		}
	}
}

// SeekToID positions the cursor so the next read returns the first message
// with an id greater than id.
func (q *Queue) SeekToID(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("seek to id"); err != nil {
		return q.recordErr(err)
	}
	if id < 0 {
		return q.recordErr(fmqerrors.NewInvalidArgument("seek to id", fmt.Sprintf("negative id %d", id)))
	}
	h, err := q.refreshHeader()
	if err != nil {
		return q.recordErr(err)
	}
	q.nextID = id + 1
	if q.nextID < h.oldestID {
		q.nextID = h.oldestID
	}
	return nil
}

// NextID returns the id the next read will inspect first.
func (q *Queue) NextID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextID
}
