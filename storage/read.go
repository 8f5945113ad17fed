package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/internal/poll"
)

// maxChecksumRetries bounds re-reads of a slot whose payload keeps failing
// verification while the header still claims it is live.
const maxChecksumRetries = 3

// ReadMsg returns the next message matching filter. With a positive timeout it
// waits that long for one to arrive. Every message inspected advances the
// cursor, matching or not. gotOne is false when nothing matched in time.
func (q *Queue) ReadMsg(ctx context.Context, filter interfaces.TypeFilter, timeout time.Duration) (interfaces.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("read"); err != nil {
		return interfaces.Message{}, false, q.recordErr(err)
	}

	if timeout <= 0 {
		msg, ok, err := q.nextMatch(filter, true)
		return msg, ok, q.recordErr(err)
	}

	var msg interfaces.Message
	var ok bool
	err := poll.Until(ctx, q.opts.PollInterval, timeout, nil, "", func(context.Context) (bool, error) {
		var err error
		msg, ok, err = q.nextMatch(filter, true)
		return ok, err
	})
	if fmqerrors.IsTimeout(err) {
		return interfaces.Message{}, false, nil
	}
	if err != nil {
		return interfaces.Message{}, false, q.recordErr(err)
	}
	return msg, ok, nil
}

// ReadMsgBlocking waits for the next matching message, beating the heartbeat
// every poll. It fails with errors.ErrTimeout once the configured blocking
// read timeout elapses.
func (q *Queue) ReadMsgBlocking(ctx context.Context, filter interfaces.TypeFilter) (interfaces.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("read blocking"); err != nil {
		return interfaces.Message{}, q.recordErr(err)
	}

	var msg interfaces.Message
	err := poll.Until(ctx, q.opts.PollInterval, q.opts.BlockingReadTimeout, q.opts.Heartbeat,
		"reading "+q.path,
		func(context.Context) (bool, error) {
			var ok bool
			var err error
			msg, ok, err = q.nextMatch(filter, true)
			return ok, err
		})
	if err != nil {
		return interfaces.Message{}, q.recordErr(fmt.Errorf("read blocking: %w", err))
	}
	return msg, nil
}

// ReadRaw collects up to max messages of any type with their payloads as
// stored, so a server can ship compressed bytes without recompressing. It
// waits up to timeout until at least one message matching filter has been
// collected or max is reached; whatever was collected is returned.
func (q *Queue) ReadRaw(ctx context.Context, filter interfaces.TypeFilter, timeout time.Duration, max int) ([]interfaces.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("read raw"); err != nil {
		return nil, q.recordErr(err)
	}
	if max <= 0 {
		max = 1
	}

	var out []interfaces.Message
	matched := false
	attempt := func(context.Context) (bool, error) {
		for len(out) < max {
			msg, ok, err := q.nextMatch(interfaces.AnyType(), false)
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			out = append(out, msg)
			if filter.Match(msg.Type) {
				matched = true
			}
		}
		return matched || len(out) >= max, nil
	}

	if timeout <= 0 {
		_, err := attempt(ctx)
		return out, q.recordErr(err)
	}
	err := poll.Until(ctx, q.opts.PollInterval, timeout, nil, "", attempt)
	if err != nil && !fmqerrors.IsTimeout(err) {
		return out, q.recordErr(err)
	}
	return out, nil
}

// nextMatch advances the cursor to the next message accepted by filter and
// returns it. decode controls whether compressed payloads are expanded.
func (q *Queue) nextMatch(filter interfaces.TypeFilter, decode bool) (interfaces.Message, bool, error) {
	h, err := q.readHeader()
	if err != nil {
		return interfaces.Message{}, false, fmqerrors.NewQueueCorrupt(q.path, err.Error())
	}
	q.checkGeneration(&h)
	startID := q.nextID

	defer func() {
		if q.nextID > startID {
			q.publishRead(&h, q.nextID-1)
		}
	}()

	retries := 0
	for {
		q.resync(&h)
		if q.nextID > h.lastID {
			return interfaces.Message{}, false, nil
		}

		id := q.nextID
		slot, err := q.readSlot(&h, id)
		if err != nil {
			return interfaces.Message{}, false, fmt.Errorf("failed to read slot %d: %w", id, err)
		}
		if !slot.active || slot.id != id {
			if slot.id > id {
				// recycled under us; the header will show it
				if h, err = q.refreshHeader(); err != nil {
					return interfaces.Message{}, false, err
				}
				continue
			}
			// header committed ahead of a slot we cannot see yet
			return interfaces.Message{}, false, nil
		}

		if !filter.Match(slot.msgType) {
			q.nextID++
			continue
		}

		stored := make([]byte, slot.storedLen)
		if slot.storedLen > 0 {
			if err := readFull(q.buf, stored, slot.offset); err != nil {
				return interfaces.Message{}, false, fmt.Errorf("failed to read payload %d: %w", id, err)
			}
		}

		again, err := q.readSlot(&h, id)
		if err != nil {
			return interfaces.Message{}, false, fmt.Errorf("failed to read slot %d: %w", id, err)
		}
		if again.id != id || checksum(stored) != slot.checksum {
			if h, err = q.refreshHeader(); err != nil {
				return interfaces.Message{}, false, err
			}
			if q.nextID >= h.oldestID && again.id == id {
				retries++
				if retries > maxChecksumRetries {
					return interfaces.Message{}, false, fmqerrors.NewQueueCorrupt(q.path,
						fmt.Sprintf("checksum mismatch on live message %d", id))
				}
			}
			continue
		}

		q.nextID++
		msg := interfaces.Message{
			ID:              id,
			Type:            slot.msgType,
			Subtype:         slot.subtype,
			Time:            time.Unix(0, slot.time),
			Payload:         stored,
			Compression:     slot.compression,
			UncompressedLen: slot.uncompressedLen,
		}
		if decode && msg.Compressed() {
			plain, err := compress.DecompressSized(msg.Compression, stored, slot.uncompressedLen)
			if err != nil {
				return interfaces.Message{}, false, fmqerrors.NewDecompressionError(id, slot.uncompressedLen, len(plain), err)
			}
			msg.Payload = plain
			msg.Compression = compress.MethodNone
		}
		return msg, true, nil
	}
}

func (q *Queue) refreshHeader() (header, error) {
	h, err := q.readHeader()
	if err != nil {
		return header{}, fmqerrors.NewQueueCorrupt(q.path, err.Error())
	}
	q.checkGeneration(&h)
	return h, nil
}

// checkGeneration moves the cursor to the start of a re-created queue.
func (q *Queue) checkGeneration(h *header) {
	if h.generation == q.generation {
		return
	}
	q.logger.Info("Queue was re-created, repositioning reader to start",
		zap.Int64("old_generation", q.generation),
		zap.Int64("generation", h.generation))
	q.generation = h.generation
	q.nextID = h.oldestID
}

// resync moves a cursor that fell behind the oldest live message forward and
// counts what was lost.
func (q *Queue) resync(h *header) {
	if q.nextID >= h.oldestID {
		return
	}
	lost := h.oldestID - q.nextID
	q.overruns += lost
	q.logger.Warn("Reader overrun, messages were recycled before being read",
		zap.Int64("next_id", q.nextID),
		zap.Int64("oldest_id", h.oldestID),
		zap.Int64("lost", lost))
	q.nextID = h.oldestID
}

// publishRead records how far this reader got when writers are waiting on
// readers. The field is reader owned, so a plain store is enough.
func (q *Queue) publishRead(h *header, id int64) {
	if !h.blockingWrite() || q.readOnly || id <= h.lastIDRead {
		return
	}
	b := make([]byte, 8)
	putLeUint64(b, uint64(id))
	if _, err := q.stat.WriteAt(b, offLastIDRead); err != nil {
		q.logger.Warn("Failed to publish read position", zap.Error(err))
		return
	}
	h.lastIDRead = id
}
