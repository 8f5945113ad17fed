package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/interfaces"
)

const (
	ServerProduct = "fmq-server"
	ServerVersion = "1.0.0"
)

// Server accepts client sessions and serves queue requests against local
// queue files on their behalf.
type Server struct {
	Addr             string
	Listener         net.Listener
	Sessions         map[string]*Session
	Mutex            sync.RWMutex
	Shutdown         bool
	Log              *zap.Logger
	Config           *config.FMQConfig
	Lifecycle        *LifecycleManager
	MetricsCollector MetricsCollector
	Registrar        interfaces.Registrar
	StartTime        time.Time

	slots     *semaphore.Weighted
	ctx       context.Context
	cancel    context.CancelFunc
	sessions  sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
	counters  counters
}

// counters are server-wide totals since start.
type counters struct {
	requests        atomic.Int64
	messagesWritten atomic.Int64
	messagesRead    atomic.Int64
	bytesReceived   atomic.Int64
	bytesSent       atomic.Int64
	openQueues      atomic.Int64
}

// NewServer creates a server on addr with the default configuration
func NewServer(addr string) *Server {
	logger, _ := zap.NewProduction()
	cfg := config.DefaultConfig()
	return newServer(addr, cfg, logger)
}

func newServer(addr string, cfg *config.FMQConfig, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	maxConns := cfg.Network.MaxConnections
	if maxConns <= 0 {
		maxConns = config.DefaultMaxConnections
	}
	return &Server{
		Addr:             addr,
		Sessions:         make(map[string]*Session),
		Log:              logger,
		Config:           cfg,
		MetricsCollector: &NoOpMetricsCollector{},
		StartTime:        time.Now(),
		slots:            semaphore.NewWeighted(int64(maxConns)),
		ctx:              ctx,
		cancel:           cancel,
		ready:            make(chan struct{}),
	}
}

// Start listens on Addr and serves until Stop is called
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts sessions on listener until Stop is called
func (s *Server) Serve(listener net.Listener) error {
	s.Mutex.Lock()
	if s.Shutdown {
		s.readyOnce.Do(func() { close(s.ready) })
		s.Mutex.Unlock()
		listener.Close()
		return nil
	}
	s.Listener = listener
	s.StartTime = time.Now()
	s.readyOnce.Do(func() { close(s.ready) })
	s.Mutex.Unlock()

	s.Log.Info("Queue server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("data_dir", s.Config.Storage.DataDir))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Log.Error("Error accepting connection", zap.Error(err))
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.Log.Warn("Session limit reached, refusing connection",
				zap.String("remote", conn.RemoteAddr().String()),
				zap.Int("max_connections", s.Config.Network.MaxConnections))
			s.MetricsCollector.RecordConnectionRefused()
			conn.Close()
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			defer s.slots.Release(1)
			s.handleConnection(conn)
		}()
	}
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// ListenAddr returns the bound address, or nil before Serve.
func (s *Server) ListenAddr() net.Addr {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	if s.Listener == nil {
		return nil
	}
	return s.Listener.Addr()
}

// handleConnection runs one client session to completion
func (s *Server) handleConnection(conn net.Conn) {
	s.configureConn(conn)

	session := newSession(s, conn)
	s.Mutex.Lock()
	if s.Shutdown {
		s.Mutex.Unlock()
		conn.Close()
		return
	}
	s.Sessions[session.ID] = session
	s.Mutex.Unlock()

	s.MetricsCollector.RecordConnectionCreated()
	session.log.Debug("Session started")

	session.serve(s.ctx)

	s.Mutex.Lock()
	delete(s.Sessions, session.ID)
	s.Mutex.Unlock()

	s.MetricsCollector.RecordConnectionClosed()
}

func (s *Server) configureConn(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcp.SetNoDelay(true)
	if s.Config.Network.TCPKeepAlive {
		_ = tcp.SetKeepAlive(true)
		if s.Config.Network.TCPKeepAliveInterval > 0 {
			_ = tcp.SetKeepAlivePeriod(s.Config.Network.TCPKeepAliveInterval)
		}
	}
}

// resolvePath maps a queue path sent by a client to a file path. Relative
// paths live under the data directory.
func (s *Server) resolvePath(path string) string {
	if filepath.IsAbs(path) || s.Config.Storage.DataDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(s.Config.Storage.DataDir, path)
}

// Identity is the payload of a PONG frame.
func (s *Server) Identity() string {
	return s.Config.Server.Name + "/" + s.Config.Server.Version
}

func (s *Server) sessionCount() int {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return len(s.Sessions)
}

func (s *Server) isShutdown() bool {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()
	return s.Shutdown
}

// Stop closes the listener and every session. Requests blocked in a read or
// a blocking open are cancelled.
func (s *Server) Stop() error {
	s.Mutex.Lock()
	if s.Shutdown {
		s.Mutex.Unlock()
		return nil
	}
	s.Shutdown = true
	s.cancel()

	var err error
	if s.Listener != nil {
		err = s.Listener.Close()
	}
	for _, session := range s.Sessions {
		session.Conn.Close()
	}
	s.Mutex.Unlock()
	return err
}

// Wait blocks until every session goroutine has returned or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartWithQuitChannel serves until quit is closed
func (s *Server) StartWithQuitChannel(quit <-chan struct{}) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	go func() {
		select {
		case <-quit:
			s.Log.Info("Server shutdown requested")
			s.Stop()
		case <-s.ctx.Done():
		}
	}()
	return s.Serve(listener)
}

// Stats returns server-wide totals.
func (s *Server) Stats() *interfaces.ServerStats {
	s.Mutex.RLock()
	sessions := len(s.Sessions)
	started := s.StartTime
	s.Mutex.RUnlock()

	return &interfaces.ServerStats{
		Uptime:          time.Since(started),
		Sessions:        sessions,
		OpenQueues:      int(s.counters.openQueues.Load()),
		Requests:        s.counters.requests.Load(),
		MessagesWritten: s.counters.messagesWritten.Load(),
		MessagesRead:    s.counters.messagesRead.Load(),
		BytesReceived:   s.counters.bytesReceived.Load(),
		BytesSent:       s.counters.bytesSent.Load(),
	}
}

// SessionInfos describes every active session.
func (s *Server) SessionInfos() []interfaces.SessionInfo {
	s.Mutex.RLock()
	defer s.Mutex.RUnlock()

	infos := make([]interfaces.SessionInfo, 0, len(s.Sessions))
	for _, session := range s.Sessions {
		infos = append(infos, session.Info())
	}
	return infos
}
