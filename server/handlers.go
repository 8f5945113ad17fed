package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/compress"
	fmqerrors "github.com/maxpert/fmq/errors"
	"github.com/maxpert/fmq/protocol"
	"github.com/maxpert/fmq/storage"
)

// minOpenWait is used for blocking opens whose INIT carries no timeout, so a
// missing queue produces a timeout reply instead of holding the session.
const minOpenWait = time.Millisecond

func errorCode(err error) int {
	return fmqerrors.GetErrorCode(err)
}

// dispatch routes a request to its handler
func (s *Session) dispatch(ctx context.Context, req *protocol.Request) *protocol.Reply {
	if req.Opcode == protocol.OpInit {
		q, err := s.handleInit(ctx, req)
		if err != nil {
			return protocol.NewErrorReply(req.Opcode, err)
		}
		reply := protocol.NewReply(req.Opcode)
		reply.Cursor = q.NextID()
		return reply
	}
	if req.Opcode == protocol.OpClose {
		s.closeQueue()
		return protocol.NewReply(req.Opcode)
	}

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return protocol.NewErrorReply(req.Opcode,
			fmt.Errorf("%s: no queue opened on this session: %w", req.Opcode, fmqerrors.ErrClosed))
	}

	var err error
	switch req.Opcode {
	case protocol.OpRead:
		return s.handleRead(ctx, q, req)
	case protocol.OpWrite:
		return s.handleWrite(ctx, q, req)
	case protocol.OpSeek, protocol.OpSeekToID:
		return s.handleSeek(ctx, q, req)
	case protocol.OpSetCompression:
		err = q.SetCompressionMethod(ctx, req.Compression)
	case protocol.OpSetBlockingWrite:
		err = q.SetBlockingWrite(ctx)
	case protocol.OpSetSingleWriter:
		err = q.SetSingleWriter(ctx)
	case protocol.OpSetRegisterWithDmap:
		err = q.SetRegisterWithDmap(ctx, req.Enable, req.Interval)
	default:
		err = fmqerrors.NewMalformed("unknown opcode", byte(req.Opcode))
	}
	if err != nil {
		return protocol.NewErrorReply(req.Opcode, err)
	}
	return protocol.NewReply(req.Opcode)
}

// handleInit opens the queue named by the request, replacing any queue the
// session already holds once the new one is open.
func (s *Session) handleInit(ctx context.Context, req *protocol.Request) (*storage.Queue, error) {
	cfg := s.server.Config.Storage
	path := s.server.resolvePath(req.URL)

	logger := s.log.With(zap.String("prog", req.ProgName))
	if !req.Debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zap.InfoLevel))
	}

	opts := storage.Options{
		Mode:         req.Mode,
		Position:     req.Position,
		Compression:  req.Compression,
		NumSlots:     int(req.NumSlots),
		BufSize:      req.BufSize,
		PollInterval: cfg.PollInterval,
		Sync:         cfg.SyncWrites,
		ProgName:     req.ProgName,
		Registrar:    s.server.Registrar,
		Logger:       logger,
	}
	if opts.Compression == compress.MethodNone {
		opts.Compression = cfg.Compression
	}
	if opts.NumSlots <= 0 {
		opts.NumSlots = cfg.DefaultNumSlots
	}
	if opts.BufSize <= 0 {
		opts.BufSize = cfg.DefaultBufSize
	}
	if req.Mode.Blocking() {
		opts.OpenTimeout = req.Timeout
		if opts.OpenTimeout <= 0 {
			opts.OpenTimeout = minOpenWait
		}
		if limit := cfg.OpenTimeout; limit > 0 && opts.OpenTimeout > limit {
			opts.OpenTimeout = limit
		}
	}

	q, err := storage.Open(ctx, path, opts)
	if err != nil {
		if !fmqerrors.IsTimeout(err) {
			s.log.Info("Failed to open queue", zap.String("queue", path), zap.Error(err))
		}
		return nil, err
	}

	s.closeQueue()

	s.mu.Lock()
	s.queue = q
	s.queuePath = path
	s.progName = req.ProgName
	s.mode = req.Mode
	s.evictions, s.overruns = 0, 0
	s.mu.Unlock()

	s.server.counters.openQueues.Add(1)
	s.server.MetricsCollector.RecordQueueOpened()
	s.log.Info("Queue opened",
		zap.String("queue", path),
		zap.String("prog", req.ProgName),
		zap.String("mode", req.Mode.String()),
		zap.String("position", req.Position.String()))
	return q, nil
}

// handleSeek moves the cursor and reports where the next read starts.
func (s *Session) handleSeek(ctx context.Context, q *storage.Queue, req *protocol.Request) *protocol.Reply {
	var err error
	if req.Opcode == protocol.OpSeekToID {
		err = q.SeekToID(ctx, req.ID)
	} else {
		err = q.Seek(ctx, req.Position)
	}
	if err != nil {
		return protocol.NewErrorReply(req.Opcode, err)
	}
	reply := protocol.NewReply(req.Opcode)
	reply.Cursor = q.NextID()
	return reply
}

// handleRead returns up to MaxMessages messages as stored. Compressed
// payloads travel compressed and are expanded by the client.
func (s *Session) handleRead(ctx context.Context, q *storage.Queue, req *protocol.Request) *protocol.Reply {
	msgs, err := q.ReadRaw(ctx, req.Filter, req.Timeout, int(req.MaxMessages))
	if err != nil && len(msgs) == 0 {
		return protocol.NewErrorReply(req.Opcode, err)
	}
	if err != nil {
		s.log.Debug("Read stopped early", zap.Int("messages", len(msgs)), zap.Error(err))
	}

	if len(msgs) > 0 {
		size := 0
		for i := range msgs {
			size += len(msgs[i].Payload)
		}
		s.server.counters.messagesRead.Add(int64(len(msgs)))
		s.server.MetricsCollector.RecordMessagesRead(len(msgs), size)
	}
	return protocol.NewReply(req.Opcode, msgs...)
}

// handleWrite stores the request's messages. The reply reports how many were
// committed so a client retrying a failed batch resends only the rest.
func (s *Session) handleWrite(ctx context.Context, q *storage.Queue, req *protocol.Request) *protocol.Reply {
	n, err := q.WriteMsgs(ctx, req.Messages)

	if n > 0 {
		size := 0
		for i := range req.Messages[:n] {
			size += len(req.Messages[i].Payload)
		}
		s.server.counters.messagesWritten.Add(int64(n))
		s.server.MetricsCollector.RecordMessagesWritten(n, size)
		s.recordQueueStats(q)
	}

	reply := protocol.NewReply(req.Opcode)
	if err != nil {
		reply = protocol.NewErrorReply(req.Opcode, err)
	}
	reply.Written = uint32(n)
	return reply
}
