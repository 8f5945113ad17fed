package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/protocol"
)

func buildLifecycleServer(t *testing.T, dataDir string) *Server {
	t.Helper()
	server, err := NewServerBuilder().
		WithAddress("127.0.0.1").
		WithPort(0).
		WithDataDir(dataDir).
		WithLogger(zap.NewNop()).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { server.Lifecycle.Shutdown() })
	return server
}

func TestNewLifecycleManager(t *testing.T) {
	server := &Server{}
	cfg := config.DefaultConfig()

	lm := NewLifecycleManager(server, cfg)

	assert.Equal(t, server, lm.server)
	assert.Equal(t, cfg, lm.config)
	assert.NotNil(t, lm.log)
	assert.Equal(t, StateStopped, lm.GetState())
	assert.Empty(t, lm.hooks)
}

func TestLifecycleStateString(t *testing.T) {
	tests := []struct {
		state LifecycleState
		want  string
	}{
		{StateStopped, "stopped"},
		{StateStarting, "starting"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateError, "error"},
		{LifecycleState(999), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestRegisterHookOrder(t *testing.T) {
	lm := NewLifecycleManager(&Server{}, config.DefaultConfig())

	lm.RegisterHook(LifecycleHook{Name: "metrics", Priority: 10})
	lm.RegisterHook(LifecycleHook{Name: "registry", Priority: 5})
	lm.RegisterHook(LifecycleHook{Name: "audit", Priority: 10})
	lm.RegisterHook(LifecycleHook{Name: "janitor", Priority: 15})

	var names []string
	for _, h := range lm.hooks {
		names = append(names, h.Name)
	}
	assert.Equal(t, []string{"registry", "metrics", "audit", "janitor"}, names)
}

func TestCanTransitionTo(t *testing.T) {
	lm := NewLifecycleManager(&Server{}, config.DefaultConfig())

	tests := []struct {
		from LifecycleState
		to   LifecycleState
		want bool
	}{
		{StateStopped, StateStarting, true},
		{StateStopped, StateRunning, false},
		{StateStopped, StateStopping, false},
		{StateStarting, StateRunning, true},
		{StateStarting, StateStopping, true},
		{StateRunning, StateStopping, true},
		{StateRunning, StateStarting, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateRunning, false},
		{StateError, StateStopping, true},
		{StateError, StateRunning, false},
		{StateRunning, StateError, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			lm.setState(tt.from)
			assert.Equal(t, tt.want, lm.canTransitionTo(tt.to))
		})
	}
}

func TestGetUptime(t *testing.T) {
	lm := NewLifecycleManager(&Server{}, config.DefaultConfig())
	assert.Equal(t, time.Duration(0), lm.GetUptime())

	lm.startTime = time.Now().Add(-5 * time.Minute)
	lm.setState(StateRunning)
	uptime := lm.GetUptime()
	assert.True(t, uptime >= 4*time.Minute && uptime <= 6*time.Minute)

	lm.stopTime = lm.startTime.Add(3 * time.Minute)
	lm.setState(StateStopped)
	assert.Equal(t, 3*time.Minute, lm.GetUptime())
}

func TestHealthByState(t *testing.T) {
	tests := []struct {
		state      LifecycleState
		err        error
		wantStatus string
		wantErrors int
	}{
		{StateRunning, nil, "healthy", 0},
		{StateStarting, nil, "starting", 0},
		{StateStopping, nil, "stopping", 0},
		{StateStopped, nil, "stopped", 0},
		{StateError, errors.New("bind: address in use"), "unhealthy", 1},
	}

	for _, tt := range tests {
		t.Run(tt.wantStatus, func(t *testing.T) {
			lm := NewLifecycleManager(&Server{}, config.DefaultConfig())
			lm.setState(tt.state)
			if tt.err != nil {
				lm.setError(tt.err)
			}

			health := lm.Health()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Errors, tt.wantErrors)
			assert.Empty(t, health.Warnings)
			assert.NotZero(t, health.Timestamp)
		})
	}
}

func TestHealthWarnsNearSessionCap(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Network.MaxConnections = 10
	server := &Server{Sessions: map[string]*Session{}}
	lm := NewLifecycleManager(server, cfg)
	lm.setState(StateRunning)

	for i := 0; i < 8; i++ {
		server.Sessions[fmt.Sprint(i)] = &Session{}
	}
	assert.Empty(t, lm.Health().Warnings)

	server.Sessions["9"] = &Session{}
	health := lm.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, []string{"9 of 10 session slots in use"}, health.Warnings)
}

func TestGetStats(t *testing.T) {
	server := &Server{}
	lm := NewLifecycleManager(server, config.DefaultConfig())

	lm.startTime = time.Now().Add(-10 * time.Minute)
	lm.setState(StateRunning)

	server.counters.requests.Add(3)
	server.counters.messagesWritten.Add(2)
	server.counters.openQueues.Add(1)

	stats := lm.GetStats()
	assert.True(t, stats.Uptime >= 9*time.Minute)
	assert.Equal(t, 0, stats.Sessions)
	assert.Equal(t, 1, stats.OpenQueues)
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(2), stats.MessagesWritten)
	assert.Empty(t, lm.GetSessions())
}

func TestSetErrorNotifiesHooks(t *testing.T) {
	lm := NewLifecycleManager(&Server{}, config.DefaultConfig())

	var captured []error
	lm.RegisterHook(LifecycleHook{
		Name:    "collect",
		OnError: func(err error) { captured = append(captured, err) },
	})

	lm.setError(assert.AnError)

	assert.Equal(t, StateError, lm.GetState())
	assert.Equal(t, assert.AnError, lm.GetLastError())
	assert.Equal(t, []error{assert.AnError}, captured)
}

func TestShutdownTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.ShutdownTimeout = 5 * time.Second

	lm := NewLifecycleManager(&Server{}, cfg)
	assert.Equal(t, 5*time.Second, lm.shutdownTimeout())

	lm.config.Server.ShutdownTimeout = 0
	assert.Equal(t, defaultShutdownTimeout, lm.shutdownTimeout())
}

func TestStartRefusedWhileRunning(t *testing.T) {
	lm := NewLifecycleManager(&Server{}, config.DefaultConfig())
	lm.setState(StateRunning)

	err := lm.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start server in state: running")
}

func TestLifecycleServesSessions(t *testing.T) {
	server := buildLifecycleServer(t, t.TempDir())

	assert.Equal(t, StateStopped, server.Lifecycle.GetState())
	assert.Equal(t, "stopped", server.Lifecycle.Health().Status)
	assert.Equal(t, time.Duration(0), server.Lifecycle.GetStats().Uptime)

	var mu sync.Mutex
	var calls []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			calls = append(calls, name)
			return nil
		}
	}
	server.Lifecycle.RegisterHook(LifecycleHook{Name: "first", Priority: 1,
		OnStart: record("start first"), OnStop: record("stop first")})
	server.Lifecycle.RegisterHook(LifecycleHook{Name: "second", Priority: 2,
		OnStart: record("start second"), OnStop: record("stop second")})

	require.NoError(t, server.Lifecycle.Start(context.Background()))
	assert.Equal(t, StateRunning, server.Lifecycle.GetState())
	assert.Equal(t, "healthy", server.Lifecycle.Health().Status)

	conn, err := net.Dial("tcp", server.ListenAddr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.FramePing, Seq: 1}))
	rd := bufio.NewReader(conn)
	pong, err := protocol.ReadFrame(rd)
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.FramePong), pong.Type)
	assert.Len(t, server.Lifecycle.GetSessions(), 1)

	require.NoError(t, server.Lifecycle.Stop(context.Background()))
	assert.Equal(t, StateStopped, server.Lifecycle.GetState())
	assert.Empty(t, server.Lifecycle.GetSessions())
	assert.Equal(t, []string{"start first", "start second", "stop second", "stop first"}, calls)

	// the session was closed by the server
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = protocol.ReadFrame(rd)
	assert.Error(t, err)

	assert.NoError(t, server.Lifecycle.Stop(context.Background()))
	assert.Error(t, server.Lifecycle.Start(context.Background()))
}

func TestLifecycleStopsWithContext(t *testing.T) {
	server := buildLifecycleServer(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, server.Lifecycle.Start(ctx))
	addr := server.ListenAddr().String()

	cancel()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
		}
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, server.Lifecycle.Stop(context.Background()))
	assert.Equal(t, StateStopped, server.Lifecycle.GetState())
}

func TestStartCreatesDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "var", "fmq")
	server := buildLifecycleServer(t, dir)

	require.NoError(t, server.Lifecycle.Start(context.Background()))
	defer server.Lifecycle.Stop(context.Background())

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStartFailsOnUnusableDataDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	server := buildLifecycleServer(t, filepath.Join(blocker, "queues"))

	err := server.Lifecycle.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data directory unusable")
	assert.Equal(t, StateError, server.Lifecycle.GetState())

	health := server.Lifecycle.Health()
	assert.Equal(t, "unhealthy", health.Status)
	require.Len(t, health.Errors, 1)

	require.NoError(t, server.Lifecycle.Stop(context.Background()))
	assert.Equal(t, StateStopped, server.Lifecycle.GetState())
}

func TestStartHookFailure(t *testing.T) {
	server := buildLifecycleServer(t, t.TempDir())

	var listened bool
	server.Lifecycle.RegisterHook(LifecycleHook{
		Name:    "registry",
		OnStart: func(context.Context) error { return errors.New("registry offline") },
	})
	server.Lifecycle.RegisterHook(LifecycleHook{
		Name:     "later",
		Priority: 1,
		OnStart:  func(context.Context) error { listened = true; return nil },
	})

	err := server.Lifecycle.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start hook 'registry' failed")
	assert.False(t, listened)
	assert.Nil(t, server.ListenAddr())
}

func TestLifecycleStartFailsOnBusyPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	server := NewServerBuilder().WithLogger(zap.NewNop()).WithDataDir(t.TempDir()).BuildUnsafe()
	server.Addr = ln.Addr().String()

	err = server.Lifecycle.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, server.Lifecycle.GetState())
	assert.Equal(t, "unhealthy", server.Lifecycle.Health().Status)
}
