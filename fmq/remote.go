package fmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/internal/poll"
	"github.com/maxpert/fmq/protocol"
	"github.com/maxpert/fmq/transport"
)

// RemoteBackend forwards every call to a queue server, one request and one
// reply per call. Messages returned by a READ beyond the first match wait in
// a ReadDrain until the caller asks for them.
//
// cursor is where the server placed the reader at the last INIT or seek.
// Together with what the drain handed out since, it tells a reconnect where
// to put the reader of the new session.
type RemoteBackend struct {
	loc    Location
	s      settings
	logger *zap.Logger

	client *transport.Client
	init   protocol.Request
	drain  ReadDrain
	cursor int64

	compression   compress.Method
	register      bool
	registerEvery time.Duration
	reconnects    int64
	closed        bool
}

var _ interfaces.QueueBackend = (*RemoteBackend)(nil)

func openRemote(ctx context.Context, loc Location, s settings) (*RemoteBackend, error) {
	locator := s.locator
	if locator == nil {
		locator = &transport.PingLocator{Timeout: s.dialTimeout, Logger: s.logger}
	}
	addr, err := locator.Locate(ctx, loc.Host, loc.Port)
	if err != nil {
		return nil, fmqerrors.NewOpenError(loc.String(), "queue server unreachable", err)
	}

	client, err := transport.Dial(ctx, addr, transport.Options{
		DialTimeout: s.dialTimeout,
		CallTimeout: s.callTimeout,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmqerrors.NewOpenError(loc.String(), "cannot connect to queue server", err)
	}

	r := &RemoteBackend{
		loc:         loc,
		s:           s,
		logger:      s.logger,
		client:      client,
		compression: s.compression,
		init: *protocol.NewInitRequest(loc.Path, s.progName, s.debug, s.mode, s.position,
			s.compression, int32(s.numSlots), s.bufSize),
	}
	if err := r.handshake(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

// handshake sends INIT. For blocking modes the wait happens here, one
// bounded server-side wait at a time so the heartbeat keeps beating; once
// the queue had to be waited for, the cursor goes to the start so the first
// message is not missed.
//
// After a successful handshake the stored INIT is rewritten so a reconnect
// reopens the same queue: never recreating it, never waiting for it.
func (r *RemoteBackend) handshake(ctx context.Context) error {
	if !r.init.Mode.Blocking() {
		reply, err := r.send(ctx, r.init)
		if err != nil {
			return err
		}
		r.cursor = reply.Cursor
		r.init.Mode = reopenMode(r.init.Mode)
		return nil
	}

	waited := false
	err := poll.Until(ctx, r.pollInterval(), r.s.openTimeout, r.s.heartbeat,
		"waiting for "+r.loc.String(),
		func(ctx context.Context) (bool, error) {
			req := r.init
			req.Timeout = DefaultRemoteReadWait
			if waited {
				req.Position = interfaces.PositionStart
			}
			reply, err := r.send(ctx, req)
			if fmqerrors.IsTimeout(err) {
				waited = true
				return false, nil
			}
			if err != nil {
				return false, err
			}
			r.cursor = reply.Cursor
			return true, nil
		})
	if err != nil {
		return fmqerrors.NewOpenError(r.loc.String(), "blocking open failed", err)
	}
	if waited {
		r.init.Position = interfaces.PositionStart
	}
	r.init.Mode = reopenMode(r.init.Mode)
	return nil
}

// reopenMode is the mode used to reattach to a queue that is known to exist.
func reopenMode(mode interfaces.OpenMode) interfaces.OpenMode {
	switch mode {
	case interfaces.ModeCreate, interfaces.ModeBlockingReadWrite:
		return interfaces.ModeReadWrite
	case interfaces.ModeBlockingReadOnly:
		return interfaces.ModeReadOnly
	default:
		return mode
	}
}

func (r *RemoteBackend) send(ctx context.Context, req protocol.Request) (*protocol.Reply, error) {
	reply, err := r.client.Call(ctx, &req)
	if err != nil {
		return nil, err
	}
	return reply, reply.Err()
}

// pollInterval is the pause between bounded server-side waits.
func (r *RemoteBackend) pollInterval() time.Duration {
	if r.s.pollInterval > 0 {
		return r.s.pollInterval
	}
	return DefaultRemotePollInterval
}

// call runs one request. A broken connection is repaired by reconnecting
// and repeating INIT, and the request is retried once.
func (r *RemoteBackend) call(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	if r.closed {
		return nil, fmt.Errorf("%s: %w", req.Opcode, fmqerrors.ErrClosed)
	}
	if r.client.Err() != nil {
		if err := r.reconnect(ctx); err != nil {
			return nil, err
		}
	}

	reply, err := r.client.Call(ctx, req)
	if err != nil && r.client.Err() != nil && ctx.Err() == nil {
		r.logger.Warn("Queue server call failed, reconnecting",
			zap.String("op", req.Opcode.String()), zap.Error(err))
		if rerr := r.reconnect(ctx); rerr != nil {
			return nil, errors.Join(err, rerr)
		}
		reply, err = r.client.Call(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return reply, reply.Err()
}

// reconnect dials again and restores the session: INIT, then the reader
// position, then registration. The position is the id the caller consumed up
// to when anything was read since the last seek, otherwise the cursor that
// seek (or the first INIT) left behind.
func (r *RemoteBackend) reconnect(ctx context.Context) error {
	r.reconnects++
	if err := r.client.Reopen(ctx); err != nil {
		return err
	}

	init := r.init
	init.Timeout = 0
	if _, err := r.send(ctx, init); err != nil {
		return fmt.Errorf("re-init after reconnect: %w", err)
	}

	resume, ok := r.drain.Resume()
	if !ok {
		resume = max(r.cursor-1, 0)
	}
	r.drain.Reset()
	reply, err := r.send(ctx, *protocol.NewSeekToIDRequest(resume))
	if err != nil {
		return fmt.Errorf("restore position after reconnect: %w", err)
	}
	r.cursor = reply.Cursor

	if r.register {
		if _, err := r.send(ctx, *protocol.NewSetRegisterWithDmapRequest(true, r.registerEvery)); err != nil {
			return fmt.Errorf("restore registration after reconnect: %w", err)
		}
	}

	r.logger.Info("Reconnected to queue server",
		zap.String("addr", r.client.Addr()), zap.Int64("resume_after", resume))
	return nil
}

// Reconnects returns how many times the connection was re-established.
func (r *RemoteBackend) Reconnects() int64 {
	return r.reconnects
}

func (r *RemoteBackend) batchSize() int32 {
	if r.s.readBatchSize <= 0 {
		return DefaultReadBatchSize
	}
	return int32(r.s.readBatchSize)
}

// ReadMsg serves from the drain first. When it holds no match, READ is
// reissued with whatever is left of timeout until a match arrives or the
// server returns a short batch.
func (r *RemoteBackend) ReadMsg(ctx context.Context, filter interfaces.TypeFilter, timeout time.Duration) (interfaces.Message, bool, error) {
	if m, ok := r.drain.Next(filter); ok {
		return m, true, nil
	}

	limit := r.batchSize()
	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}
		reply, err := r.call(ctx, protocol.NewReadRequest(filter, wait, limit))
		if err != nil {
			return interfaces.Message{}, false, err
		}
		r.drain.Push(reply.Messages...)
		if m, ok := r.drain.Next(filter); ok {
			return m, true, nil
		}
		if len(reply.Messages) < int(limit) {
			return interfaces.Message{}, false, nil
		}
	}
}

// ReadMsgBlocking repeats bounded server-side waits, beating the heartbeat
// in between, until a match arrives or the blocking read timeout elapses.
func (r *RemoteBackend) ReadMsgBlocking(ctx context.Context, filter interfaces.TypeFilter) (interfaces.Message, error) {
	var deadline time.Time
	if r.s.blockingReadTimeout > 0 {
		deadline = time.Now().Add(r.s.blockingReadTimeout)
	}

	var msg interfaces.Message
	err := poll.Until(ctx, r.pollInterval(), r.s.blockingReadTimeout, r.s.heartbeat,
		"reading "+r.loc.String(),
		func(ctx context.Context) (bool, error) {
			wait := DefaultRemoteReadWait
			if !deadline.IsZero() {
				if left := time.Until(deadline); left < wait {
					wait = max(left, 0)
				}
			}
			m, ok, err := r.ReadMsg(ctx, filter, wait)
			if ok {
				msg = m
			}
			return ok, err
		})
	if err != nil {
		return interfaces.Message{}, fmt.Errorf("read blocking: %w", err)
	}
	return msg, nil
}

// WriteMsgs sends msgs as one WRITE. With compression set on the handle,
// payloads travel compressed whenever that makes them smaller. The count
// comes from the server's reply; when no reply arrived it is 0.
func (r *RemoteBackend) WriteMsgs(ctx context.Context, msgs []interfaces.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	out := make([]interfaces.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if r.compression == compress.MethodNone || len(m.Payload) == 0 || m.Compressed() {
			continue
		}
		packed, err := compress.Compress(r.compression, m.Payload)
		if err != nil || len(packed) >= len(m.Payload) {
			continue
		}
		out[i].Payload = packed
		out[i].Compression = r.compression
		out[i].UncompressedLen = len(m.Payload)
	}
	reply, err := r.call(ctx, protocol.NewWriteRequest(out))
	if reply == nil {
		return 0, err
	}
	return min(int(reply.Written), len(msgs)), err
}

// Seek discards the drain. The server cursor is ahead of what the caller has
// consumed by whatever the drain holds, so BACK first realigns it.
func (r *RemoteBackend) Seek(ctx context.Context, pos interfaces.Position) error {
	if pos == interfaces.PositionBack {
		if id, ok := r.drain.Peek(); ok {
			if _, err := r.call(ctx, protocol.NewSeekToIDRequest(id-1)); err != nil {
				return err
			}
		}
	}
	r.drain.Reset()
	return r.reposition(ctx, protocol.NewSeekRequest(pos))
}

// SeekToID discards the drain and moves the server cursor past id.
func (r *RemoteBackend) SeekToID(ctx context.Context, id int64) error {
	r.drain.Reset()
	return r.reposition(ctx, protocol.NewSeekToIDRequest(id))
}

func (r *RemoteBackend) reposition(ctx context.Context, req *protocol.Request) error {
	reply, err := r.call(ctx, req)
	if err != nil {
		return err
	}
	r.cursor = reply.Cursor
	r.drain.Reset()
	return nil
}

func (r *RemoteBackend) SetCompressionMethod(ctx context.Context, method compress.Method) error {
	if !method.Valid() {
		return fmqerrors.NewInvalidArgument("set compression", fmt.Sprintf("unknown method %d", method))
	}
	if _, err := r.call(ctx, protocol.NewSetCompressionRequest(method)); err != nil {
		return err
	}
	r.compression = method
	r.init.Compression = method
	return nil
}

func (r *RemoteBackend) SetBlockingWrite(ctx context.Context) error {
	_, err := r.call(ctx, protocol.NewRequest(protocol.OpSetBlockingWrite))
	return err
}

func (r *RemoteBackend) SetSingleWriter(ctx context.Context) error {
	_, err := r.call(ctx, protocol.NewRequest(protocol.OpSetSingleWriter))
	return err
}

func (r *RemoteBackend) SetRegisterWithDmap(ctx context.Context, enable bool, interval time.Duration) error {
	if _, err := r.call(ctx, protocol.NewSetRegisterWithDmapRequest(enable, interval)); err != nil {
		return err
	}
	r.register = enable
	r.registerEvery = interval
	return nil
}

// Close sends CLOSE when the connection is healthy and drops it. Closing
// twice is a no-op.
func (r *RemoteBackend) Close(ctx context.Context) error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.drain.Reset()

	var callErr error
	if r.client.Err() == nil {
		reply, err := r.client.Call(ctx, protocol.NewRequest(protocol.OpClose))
		if err == nil {
			err = reply.Err()
		}
		callErr = err
	}
	return errors.Join(callErr, r.client.Close())
}
