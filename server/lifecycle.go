package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/fmq/config"
	"github.com/maxpert/fmq/interfaces"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	// forceShutdownWait bounds how long a forced shutdown waits for sessions.
	forceShutdownWait = 5 * time.Second
)

// LifecycleState represents the current state of the server
type LifecycleState int

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

var stateNames = map[LifecycleState]string{
	StateStopped:  "stopped",
	StateStarting: "starting",
	StateRunning:  "running",
	StateStopping: "stopping",
	StateError:    "error",
}

func (s LifecycleState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// transitions lists the states reachable from each state. Any state may
// move to StateError.
var transitions = map[LifecycleState][]LifecycleState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateStopping},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
	StateError:    {StateStopping},
}

// healthNames maps a lifecycle state to the status reported on /health.
var healthNames = map[LifecycleState]string{
	StateRunning:  "healthy",
	StateStarting: "starting",
	StateStopping: "stopping",
	StateStopped:  "stopped",
	StateError:    "unhealthy",
}

// LifecycleHook runs alongside server start and stop. Start hooks run in
// ascending Priority, stop hooks in the reverse order.
type LifecycleHook struct {
	Name     string
	OnStart  func(ctx context.Context) error
	OnStop   func(ctx context.Context) error
	OnError  func(err error)
	Priority int
}

// LifecycleManager drives one Server from stopped to running and back. A
// Server is started at most once; a stopped server cannot be restarted.
type LifecycleManager struct {
	server *Server
	config *config.FMQConfig
	log    *zap.Logger

	mu        sync.RWMutex
	state     LifecycleState
	startTime time.Time
	stopTime  time.Time
	lastError error
	hooks     []LifecycleHook

	cancel  context.CancelFunc
	serving sync.WaitGroup
}

var _ interfaces.Server = (*LifecycleManager)(nil)

// NewLifecycleManager creates a new lifecycle manager for the server
func NewLifecycleManager(server *Server, config *config.FMQConfig) *LifecycleManager {
	log := server.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &LifecycleManager{
		server: server,
		config: config,
		log:    log,
		state:  StateStopped,
	}
}

// RegisterHook adds a hook; hooks of equal priority keep registration order.
func (lm *LifecycleManager) RegisterHook(hook LifecycleHook) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.hooks = append(lm.hooks, hook)
	slices.SortStableFunc(lm.hooks, func(a, b LifecycleHook) int {
		return a.Priority - b.Priority
	})
}

func (lm *LifecycleManager) hooksSnapshot() []LifecycleHook {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return slices.Clone(lm.hooks)
}

// GetState returns the current lifecycle state
func (lm *LifecycleManager) GetState() LifecycleState {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.state
}

func (lm *LifecycleManager) setState(state LifecycleState) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.state = state
}

// GetUptime returns how long the server has been (or was) running
func (lm *LifecycleManager) GetUptime() time.Duration {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	switch {
	case lm.state == StateRunning:
		return time.Since(lm.startTime)
	case !lm.stopTime.IsZero():
		return lm.stopTime.Sub(lm.startTime)
	default:
		return 0
	}
}

// GetLastError returns the error that moved the server to StateError
func (lm *LifecycleManager) GetLastError() error {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.lastError
}

// Start prepares the data directory, runs start hooks, binds the listener
// and returns once the server accepts sessions. Cancelling ctx later stops
// the server.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	if !lm.canTransitionTo(StateStarting) {
		return fmt.Errorf("cannot start server in state: %s", lm.GetState())
	}
	if lm.server.isShutdown() {
		return fmt.Errorf("server was stopped and cannot be restarted")
	}

	lm.mu.Lock()
	lm.state = StateStarting
	lm.startTime = time.Now()
	lm.stopTime = time.Time{}
	lm.lastError = nil
	lm.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	lm.cancel = cancel
	abort := func(err error) error {
		cancel()
		lm.setError(err)
		return err
	}

	if err := lm.prepareDataDir(); err != nil {
		return abort(fmt.Errorf("data directory unusable: %w", err))
	}

	for _, hook := range lm.hooksSnapshot() {
		if hook.OnStart == nil {
			continue
		}
		if err := hook.OnStart(runCtx); err != nil {
			return abort(fmt.Errorf("start hook '%s' failed: %w", hook.Name, err))
		}
	}

	listener, err := net.Listen("tcp", lm.server.Addr)
	if err != nil {
		return abort(fmt.Errorf("server start failed: %w", err))
	}

	lm.serving.Add(1)
	go func() {
		defer lm.serving.Done()
		if err := lm.server.Serve(listener); err != nil {
			lm.setError(fmt.Errorf("server stopped: %w", err))
		}
	}()
	context.AfterFunc(runCtx, func() { lm.server.Stop() })

	<-lm.server.Ready()
	if !lm.canTransitionTo(StateRunning) {
		return lm.GetLastError()
	}
	lm.setState(StateRunning)
	lm.log.Info("Queue server running",
		zap.String("addr", listener.Addr().String()),
		zap.String("data_dir", lm.dataDir()))
	return nil
}

// prepareDataDir creates the data directory and checks that queue files can
// be created in it.
func (lm *LifecycleManager) prepareDataDir() error {
	dir := lm.dataDir()
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	probe, err := os.CreateTemp(dir, ".fmq-probe-*")
	if err != nil {
		return err
	}
	probe.Close()
	return os.Remove(probe.Name())
}

func (lm *LifecycleManager) dataDir() string {
	if lm.config == nil {
		return ""
	}
	return lm.config.Storage.DataDir
}

// Stop closes the listener and every session, which closes their queues,
// then waits for the sessions to finish up to the configured shutdown
// timeout. Past it the shutdown is forced.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	current := lm.GetState()
	if current == StateStopped {
		return nil
	}
	if !lm.canTransitionTo(StateStopping) {
		return fmt.Errorf("cannot stop server in state: %s", current)
	}

	lm.mu.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	lm.mu.Unlock()

	lm.log.Info("Stopping queue server", zap.Int("sessions", lm.server.sessionCount()))
	if lm.cancel != nil {
		lm.cancel()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, lm.shutdownTimeout())
	defer cancel()

	hooks := lm.hooksSnapshot()
	for i := len(hooks) - 1; i >= 0; i-- {
		hook := hooks[i]
		if hook.OnStop == nil {
			continue
		}
		if err := hook.OnStop(shutdownCtx); err != nil && hook.OnError != nil {
			hook.OnError(fmt.Errorf("stop hook '%s' failed: %w", hook.Name, err))
		}
	}

	if err := lm.drain(shutdownCtx); err != nil {
		lm.log.Warn("Graceful shutdown timed out", zap.Error(err))
		return lm.forceShutdown()
	}
	lm.setState(StateStopped)
	lm.log.Info("Queue server stopped")
	return nil
}

// Shutdown stops the server without waiting for the graceful timeout
func (lm *LifecycleManager) Shutdown() error {
	if lm.GetState() == StateStopped {
		return nil
	}

	lm.mu.Lock()
	lm.state = StateStopping
	lm.stopTime = time.Now()
	lm.mu.Unlock()

	if lm.cancel != nil {
		lm.cancel()
	}
	return lm.forceShutdown()
}

// drain waits for the accept loop and then every session to return.
func (lm *LifecycleManager) drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		lm.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return lm.server.Wait(ctx)
}

func (lm *LifecycleManager) forceShutdown() error {
	if !lm.server.isShutdown() {
		if err := lm.server.Stop(); err != nil {
			lm.setError(fmt.Errorf("failed to close server listener: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), forceShutdownWait)
	defer cancel()
	if err := lm.drain(ctx); err != nil {
		lm.setError(fmt.Errorf("force shutdown timed out with %d sessions open", lm.server.sessionCount()))
	}
	lm.setState(StateStopped)
	return lm.GetLastError()
}

// Health reports the lifecycle state, plus a warning while the session cap
// is nearly reached.
func (lm *LifecycleManager) Health() interfaces.HealthStatus {
	lm.mu.RLock()
	state, lastError := lm.state, lm.lastError
	lm.mu.RUnlock()

	status := interfaces.HealthStatus{
		Status:    "unknown",
		Uptime:    lm.GetUptime(),
		Timestamp: time.Now(),
	}
	if name, ok := healthNames[state]; ok {
		status.Status = name
	} else {
		status.Warnings = append(status.Warnings, "unknown server state")
	}

	if state == StateError && lastError != nil {
		status.Errors = append(status.Errors, lastError.Error())
	}
	if state == StateRunning {
		if warning := lm.capacityWarning(); warning != "" {
			status.Warnings = append(status.Warnings, warning)
		}
	}
	return status
}

// capacityWarning is set once nine tenths of the session slots are taken.
func (lm *LifecycleManager) capacityWarning() string {
	if lm.config == nil || lm.config.Network.MaxConnections <= 0 {
		return ""
	}
	limit := lm.config.Network.MaxConnections
	if n := lm.server.sessionCount(); n*10 >= limit*9 {
		return fmt.Sprintf("%d of %d session slots in use", n, limit)
	}
	return ""
}

// GetStats returns server totals with the lifecycle uptime
func (lm *LifecycleManager) GetStats() *interfaces.ServerStats {
	stats := lm.server.Stats()
	stats.Uptime = lm.GetUptime()
	return stats
}

// GetSessions returns information about active client sessions
func (lm *LifecycleManager) GetSessions() []interfaces.SessionInfo {
	return lm.server.SessionInfos()
}

func (lm *LifecycleManager) canTransitionTo(target LifecycleState) bool {
	if target == StateError {
		return true
	}
	return slices.Contains(transitions[lm.GetState()], target)
}

// setError records err, moves to StateError and notifies error hooks.
func (lm *LifecycleManager) setError(err error) {
	lm.mu.Lock()
	lm.state = StateError
	lm.lastError = err
	hooks := slices.Clone(lm.hooks)
	lm.mu.Unlock()

	lm.log.Error("Queue server error", zap.Error(err))
	for _, hook := range hooks {
		if hook.OnError != nil {
			hook.OnError(err)
		}
	}
}

func (lm *LifecycleManager) shutdownTimeout() time.Duration {
	if lm.config != nil && lm.config.Server.ShutdownTimeout > 0 {
		return lm.config.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}
