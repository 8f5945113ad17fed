// Package fmq is the public face of the file message queue. A Queue is
// opened from a URL and behaves the same whether the queue files are opened
// directly or reached through a queue server.
package fmq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
)

// Queue is a handle on one queue. Methods are safe for concurrent use, but
// the read cursor and write cache are shared by every caller of the handle.
type Queue struct {
	url     string
	loc     Location
	backend interfaces.QueueBackend
	logger  *zap.Logger

	mu     sync.Mutex
	batch  *WriteBatcher
	errs   []string
	closed bool
}

// Open resolves url once and opens the queue through the matching backend.
func Open(ctx context.Context, url string, opts ...Option) (*Queue, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	if !s.mode.Valid() {
		return nil, fmqerrors.NewInvalidArgument("open", fmt.Sprintf("invalid open mode %d", s.mode))
	}
	loc, err := parseURL(url, s.defaultPort)
	if err != nil {
		return nil, fmqerrors.NewOpenError(url, "bad queue url", err)
	}
	if s.forceServer && loc.Host != "" {
		loc.Local = false
	}
	s.logger = s.logger.With(zap.String("url", url))

	var backend interfaces.QueueBackend
	if loc.Local {
		backend, err = openLocal(ctx, loc.Path, s)
	} else {
		backend, err = openRemote(ctx, loc, s)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Opened queue",
		zap.Bool("served", !loc.Local),
		zap.String("mode", s.mode.String()))

	return &Queue{
		url:     url,
		loc:     loc,
		backend: backend,
		logger:  s.logger,
		batch:   NewWriteBatcher(s.msgsPerWrite),
	}, nil
}

// URL returns the URL the queue was opened with.
func (q *Queue) URL() string {
	return q.url
}

// IsServed reports whether calls go through a queue server.
func (q *Queue) IsServed() bool {
	return !q.loc.Local
}

// Backend returns the backend the handle delegates to.
func (q *Queue) Backend() interfaces.QueueBackend {
	return q.backend
}

// ErrStr returns every error this handle has returned, one per line.
func (q *Queue) ErrStr() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return strings.Join(q.errs, "\n")
}

func (q *Queue) record(err error) error {
	if err != nil {
		q.errs = append(q.errs, err.Error())
	}
	return err
}

func (q *Queue) checkOpen(op string) error {
	if q.closed {
		return fmt.Errorf("%s: %w", op, fmqerrors.ErrClosed)
	}
	return nil
}

// ReadMsg returns the next message whose type matches filter, waiting up to
// timeout. ok is false when none arrived in time.
func (q *Queue) ReadMsg(ctx context.Context, filter interfaces.TypeFilter, timeout time.Duration) (interfaces.Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("read"); err != nil {
		return interfaces.Message{}, false, q.record(err)
	}
	msg, ok, err := q.backend.ReadMsg(ctx, filter, timeout)
	return msg, ok, q.record(err)
}

// ReadMsgBlocking waits for the next message matching filter.
func (q *Queue) ReadMsgBlocking(ctx context.Context, filter interfaces.TypeFilter) (interfaces.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("read blocking"); err != nil {
		return interfaces.Message{}, q.record(err)
	}
	msg, err := q.backend.ReadMsgBlocking(ctx, filter)
	return msg, q.record(err)
}

// WriteMsg writes one message. With a batch size above one the message is
// cached and the cache is written once it holds a full batch.
func (q *Queue) WriteMsg(ctx context.Context, msgType, subtype int32, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("write"); err != nil {
		return q.record(err)
	}
	if q.batch.Len() == 0 && q.batch.Threshold() <= 1 {
		msg := interfaces.Message{Type: msgType, Subtype: subtype, Payload: payload}
		_, err := q.backend.WriteMsgs(ctx, []interfaces.Message{msg})
		return q.record(err)
	}
	if q.batch.Add(msgType, subtype, payload) {
		return q.record(q.batch.Flush(ctx, q.backend.WriteMsgs))
	}
	return nil
}

// AddToWriteCache caches a message without writing anything.
func (q *Queue) AddToWriteCache(msgType, subtype int32, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("add to write cache"); err != nil {
		return q.record(err)
	}
	q.batch.Add(msgType, subtype, payload)
	return nil
}

// WriteTheCache writes every cached message as one batch. If the write
// fails, the messages that did not reach the queue stay cached.
func (q *Queue) WriteTheCache(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("write cache"); err != nil {
		return q.record(err)
	}
	return q.record(q.batch.Flush(ctx, q.backend.WriteMsgs))
}

// ClearWriteCache discards cached messages.
func (q *Queue) ClearWriteCache() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch.Clear()
}

// CachedWrites returns how many messages wait in the write cache.
func (q *Queue) CachedWrites() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.batch.Len()
}

// SetMsgsPerWrite sets the write batch size. 1 writes every message at once.
func (q *Queue) SetMsgsPerWrite(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch.SetThreshold(n)
}

// Seek moves the reader to pos and discards anything read ahead.
func (q *Queue) Seek(ctx context.Context, pos interfaces.Position) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("seek"); err != nil {
		return q.record(err)
	}
	if !pos.Valid() {
		return q.record(fmqerrors.NewInvalidArgument("seek", fmt.Sprintf("invalid position %d", pos)))
	}
	return q.record(q.backend.Seek(ctx, pos))
}

// SeekToID positions the reader so the next read returns the first message
// after id.
func (q *Queue) SeekToID(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("seek to id"); err != nil {
		return q.record(err)
	}
	return q.record(q.backend.SeekToID(ctx, id))
}

// SetCompressionMethod changes the compression of later writes from this
// handle. Messages already stored keep theirs.
func (q *Queue) SetCompressionMethod(ctx context.Context, method compress.Method) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set compression"); err != nil {
		return q.record(err)
	}
	return q.record(q.backend.SetCompressionMethod(ctx, method))
}

// SetBlockingWrite makes writers wait for readers instead of evicting
// unread messages.
func (q *Queue) SetBlockingWrite(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set blocking write"); err != nil {
		return q.record(err)
	}
	return q.record(q.backend.SetBlockingWrite(ctx))
}

// SetSingleWriter declares this the only writer, so writes skip locking.
func (q *Queue) SetSingleWriter(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set single writer"); err != nil {
		return q.record(err)
	}
	return q.record(q.backend.SetSingleWriter(ctx))
}

// SetRegisterWithDmap turns registrar notifications after writes on or off.
// At most one notification is sent per interval.
func (q *Queue) SetRegisterWithDmap(ctx context.Context, enable bool, interval time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkOpen("set register with dmap"); err != nil {
		return q.record(err)
	}
	return q.record(q.backend.SetRegisterWithDmap(ctx, enable, interval))
}

// Close writes any cached messages and releases the backend. Closing twice
// is a no-op.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	var flushErr error
	if q.batch.Len() > 0 {
		flushErr = q.batch.Flush(ctx, q.backend.WriteMsgs)
		if flushErr != nil {
			q.logger.Warn("Dropping cached writes on close",
				zap.Int("count", q.batch.Len()), zap.Error(flushErr))
			q.batch.Clear()
		}
	}
	if err := q.backend.Close(ctx); err != nil {
		return q.record(err)
	}
	return q.record(flushErr)
}
