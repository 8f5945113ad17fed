package fmq

import (
	"context"
	"time"

	"github.com/maxpert/fmq/compress"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/storage"
)

// LocalBackend runs every call directly against the queue files.
type LocalBackend struct {
	q *storage.Queue
}

var _ interfaces.QueueBackend = (*LocalBackend)(nil)

// openLocal opens the queue files at path.
func openLocal(ctx context.Context, path string, s settings) (*LocalBackend, error) {
	q, err := storage.Open(ctx, path, storage.Options{
		Mode:                s.mode,
		Position:            s.position,
		Compression:         s.compression,
		NumSlots:            s.numSlots,
		BufSize:             s.bufSize,
		PollInterval:        s.pollInterval,
		BlockingReadTimeout: s.blockingReadTimeout,
		OpenTimeout:         s.openTimeout,
		Sync:                s.sync,
		ProgName:            s.progName,
		Heartbeat:           s.heartbeat,
		Registrar:           s.registrar,
		Logger:              s.logger,
	})
	if err != nil {
		return nil, err
	}
	return &LocalBackend{q: q}, nil
}

// Queue exposes the underlying handle, for stats.
func (l *LocalBackend) Queue() *storage.Queue {
	return l.q
}

func (l *LocalBackend) ReadMsg(ctx context.Context, filter interfaces.TypeFilter, timeout time.Duration) (interfaces.Message, bool, error) {
	return l.q.ReadMsg(ctx, filter, timeout)
}

func (l *LocalBackend) ReadMsgBlocking(ctx context.Context, filter interfaces.TypeFilter) (interfaces.Message, error) {
	return l.q.ReadMsgBlocking(ctx, filter)
}

func (l *LocalBackend) WriteMsgs(ctx context.Context, msgs []interfaces.Message) (int, error) {
	return l.q.WriteMsgs(ctx, msgs)
}

func (l *LocalBackend) Seek(ctx context.Context, pos interfaces.Position) error {
	return l.q.Seek(ctx, pos)
}

func (l *LocalBackend) SeekToID(ctx context.Context, id int64) error {
	return l.q.SeekToID(ctx, id)
}

func (l *LocalBackend) SetCompressionMethod(ctx context.Context, method compress.Method) error {
	return l.q.SetCompressionMethod(ctx, method)
}

func (l *LocalBackend) SetBlockingWrite(ctx context.Context) error {
	return l.q.SetBlockingWrite(ctx)
}

func (l *LocalBackend) SetSingleWriter(ctx context.Context) error {
	return l.q.SetSingleWriter(ctx)
}

func (l *LocalBackend) SetRegisterWithDmap(ctx context.Context, enable bool, interval time.Duration) error {
	return l.q.SetRegisterWithDmap(ctx, enable, interval)
}

func (l *LocalBackend) Close(context.Context) error {
	return l.q.Close()
}
