package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/maxpert/fmq/interfaces"
	"github.com/maxpert/fmq/protocol"
	"github.com/maxpert/fmq/storage"
)

var sessionSeq atomic.Uint64

// Session is one client connection. It owns at most one queue handle, opened
// by INIT and released by CLOSE, a later INIT or disconnect.
type Session struct {
	ID          string
	Conn        net.Conn
	ConnectedAt time.Time

	server *Server
	log    *zap.Logger
	rd     *bufio.Reader

	lastActivity atomic.Int64

	// guarded by mu; requests run one at a time but Info may be called
	// from another goroutine
	mu        sync.Mutex
	queue     *storage.Queue
	queuePath string
	progName  string
	mode      interfaces.OpenMode
	evictions int64
	overruns  int64
}

func newSession(s *Server, conn net.Conn) *Session {
	remote := conn.RemoteAddr().String()
	id := fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s/%d/%d",
		remote, time.Now().UnixNano(), sessionSeq.Add(1))))

	session := &Session{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		server:      s,
		log:         s.Log.With(zap.String("session", id), zap.String("remote", remote)),
		rd:          bufio.NewReaderSize(conn, 64*1024),
	}
	session.touch()
	return session
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Info describes the session for monitoring.
func (s *Session) Info() interfaces.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return interfaces.SessionInfo{
		ID:            s.ID,
		RemoteAddress: s.Conn.RemoteAddr().String(),
		ProgName:      s.progName,
		QueuePath:     s.queuePath,
		Mode:          s.mode,
		ConnectedAt:   s.ConnectedAt,
		LastActivity:  time.Unix(0, s.lastActivity.Load()),
	}
}

// serve reads frames until the client disconnects, a frame cannot be
// parsed, or ctx is cancelled. The first frame must arrive within the
// connection timeout; after that only the idle timeout applies.
func (s *Session) serve(ctx context.Context) {
	defer s.Conn.Close()
	defer s.closeQueue()

	maxFrame := s.server.Config.Server.MaxFrameSize
	idle := s.server.Config.Network.IdleTimeout

	first := s.server.Config.Network.ConnectionTimeout
	if idle > 0 && (first <= 0 || idle < first) {
		first = idle
	}
	if first > 0 {
		_ = s.Conn.SetReadDeadline(time.Now().Add(first))
	}

	for n := 0; ; n++ {
		if n > 0 {
			var deadline time.Time
			if idle > 0 {
				deadline = time.Now().Add(idle)
			}
			_ = s.Conn.SetReadDeadline(deadline)
		}
		frame, err := protocol.ReadFrameLimit(s.rd, maxFrame)
		if err != nil {
			s.logReadError(err, n == 0)
			return
		}
		s.touch()
		s.server.counters.bytesReceived.Add(int64(protocol.FrameHeaderSize + len(frame.Payload) + 1))

		var out *protocol.Frame
		switch frame.Type {
		case protocol.FramePing:
			out = &protocol.Frame{Type: protocol.FramePong, Seq: frame.Seq, Payload: []byte(s.server.Identity())}
		case protocol.FrameRequest:
			payload, err := s.handle(ctx, frame.Payload).MarshalBinary()
			if err != nil {
				s.log.Error("Failed to encode reply", zap.Error(err))
				return
			}
			out = &protocol.Frame{Type: protocol.FrameReply, Seq: frame.Seq, Payload: payload}
		default:
			s.log.Warn("Unexpected frame type, closing session", zap.Uint8("type", frame.Type))
			return
		}

		if err := protocol.WriteFrame(s.Conn, out); err != nil {
			s.log.Debug("Failed to send reply", zap.Error(err))
			return
		}
		s.server.counters.bytesSent.Add(int64(protocol.FrameHeaderSize + len(out.Payload) + 1))
	}
}

func (s *Session) logReadError(err error, first bool) {
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug("Session closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout() && first:
		s.log.Info("Session sent nothing before connection timeout",
			zap.Duration("connection_timeout", s.server.Config.Network.ConnectionTimeout))
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Info("Session idle timeout", zap.Duration("idle_timeout", s.server.Config.Network.IdleTimeout))
	default:
		s.log.Warn("Error reading frame", zap.Error(err))
	}
}

// handle decodes and runs one request, always producing a reply.
func (s *Session) handle(ctx context.Context, payload []byte) *protocol.Reply {
	var req protocol.Request
	if err := req.UnmarshalBinary(payload); err != nil {
		var op protocol.Opcode
		if len(payload) > 0 {
			op = protocol.Opcode(payload[0])
		}
		s.log.Warn("Malformed request", zap.Error(err))
		s.server.MetricsCollector.RecordError(op.String(), fmt.Sprint(errorCode(err)))
		return protocol.NewErrorReply(op, err)
	}

	started := time.Now()
	s.server.counters.requests.Add(1)
	reply := s.dispatch(ctx, &req)
	s.server.MetricsCollector.RecordRequest(req.Opcode.String(), time.Since(started).Seconds())
	if !reply.OK {
		s.server.MetricsCollector.RecordError(req.Opcode.String(), fmt.Sprint(reply.Code))
		s.log.Debug("Request failed",
			zap.String("op", req.Opcode.String()),
			zap.String("error", reply.Error))
	}
	return reply
}

// closeQueue releases the session's queue handle, if any.
func (s *Session) closeQueue() {
	s.mu.Lock()
	q, path := s.queue, s.queuePath
	s.queue = nil
	s.mu.Unlock()
	if q == nil {
		return
	}

	s.recordQueueStats(q)
	if err := q.Close(); err != nil {
		s.log.Warn("Error closing queue", zap.String("queue", path), zap.Error(err))
	}
	s.server.counters.openQueues.Add(-1)
	s.server.MetricsCollector.RecordQueueClosed()
	s.log.Debug("Queue closed", zap.String("queue", path))
}

// recordQueueStats publishes counters that grew since the last call.
func (s *Session) recordQueueStats(q *storage.Queue) {
	st, err := q.Stats()
	if err != nil {
		return
	}
	m := s.server.MetricsCollector
	m.UpdateQueueDepth(st.Path, st.Live, st.LiveBytes)

	s.mu.Lock()
	evicted, overrun := st.Evictions-s.evictions, st.Overruns-s.overruns
	s.evictions, s.overruns = st.Evictions, st.Overruns
	s.mu.Unlock()

	m.RecordEvictions(evicted)
	m.RecordOverruns(overrun)
}
