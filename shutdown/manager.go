package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"thumbgen/core"
	"thumbgen/logging"
)

// Stage priorities. Lower runs first: the HTTP server stops taking
// requests, then queued quota writes drain, then events flush, then
// spans flush, and the database closes last.
const (
	PriorityHTTP     = 10
	PriorityQuota    = 20
	PriorityEvents   = 30
	PriorityTracing  = 40
	PriorityDatabase = 50
)

// DefaultTimeout bounds the whole shutdown sequence.
const DefaultTimeout = 60 * time.Second

// Manager coordinates graceful shutdown: it cancels its context on the
// first SIGINT/SIGTERM, exits on the second, waits for in-flight batches
// and then runs the registered cleanup stages in priority order.
//
//	manager := shutdown.NewManager(logger)
//	manager.Register("database", shutdown.PriorityDatabase, shutdown.Closer(database))
//	manager.Start()
//	dispatcher, _ := dispatch.New(gen, c, ledger, logger, dispatch.WithTracker(manager.Tracker()))
//	<-manager.Context().Done()
//	manager.Shutdown()
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration

	mu       sync.Mutex
	started  bool
	shutdown bool
	received os.Signal

	ctx    context.Context
	cancel context.CancelFunc

	tracker  *OperationTracker
	registry *ShutdownRegistry
	signals  *SignalCounter
	sigChan  chan os.Signal
	exit     func(code int)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTimeout sets the shutdown timeout. Default is DefaultTimeout.
func WithTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.timeout = timeout
	}
}

// WithExit replaces os.Exit for the forced exit on a second signal.
func WithExit(exit func(code int)) ManagerOption {
	return func(m *Manager) {
		m.exit = exit
	}
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(logger *logging.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:   logger.Named("shutdown"),
		timeout:  DefaultTimeout,
		ctx:      ctx,
		cancel:   cancel,
		tracker:  NewOperationTracker(),
		registry: NewShutdownRegistry(),
		sigChan:  make(chan os.Signal, 1),
		exit:     os.Exit,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("received second signal, forcing exit")
		m.exit(m.ExitCode())
	})
	return m
}

// Context is cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Tracker returns the in-flight batch tracker. The dispatcher takes it via
// dispatch.WithTracker and is refused new batches once shutdown begins.
func (m *Manager) Tracker() *OperationTracker {
	return m.tracker
}

// Register adds a cleanup stage. See the Priority constants.
func (m *Manager) Register(name string, priority int, fn core.ShutdownFunc) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown stage",
		zap.String("name", name),
		zap.Int("priority", priority))
}

// Start installs the signal handler. Calling it again is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigChan {
			m.onSignal(sig)
		}
	}()
	m.logger.Info("listening for shutdown signals")
}

func (m *Manager) onSignal(sig os.Signal) {
	m.mu.Lock()
	if m.received == nil {
		m.received = sig
	}
	m.mu.Unlock()
	if m.signals.Increment() == 1 {
		m.logger.Info("received shutdown signal, draining",
			zap.String("signal", sig.String()))
		m.cancel()
	}
}

// ExitCode is the process exit code for the way shutdown began: 128 plus
// the signal number after SIGINT or SIGTERM, success otherwise.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.received {
	case os.Interrupt:
		return core.ExitCodeSIGINT
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeSuccess
	}
}

// Trigger begins shutdown as if a signal had been received.
func (m *Manager) Trigger() {
	m.cancel()
}

// Shutdown closes the tracker, waits for in-flight batches within the
// timeout and runs every stage with the time left. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	started := m.started
	m.mu.Unlock()

	m.cancel()
	begin := time.Now()
	m.tracker.Close()
	if n := m.tracker.ActiveCount(); n > 0 {
		m.logger.Info("waiting for in-flight batches", zap.Int64("active", n))
	}
	if err := m.tracker.Wait(m.timeout); err != nil {
		m.logger.Warn("in-flight batches did not settle in time",
			zap.Duration("waited", time.Since(begin)),
			zap.Int64("remaining", m.tracker.ActiveCount()))
	}

	remaining := m.timeout - time.Since(begin)
	if remaining < time.Second {
		remaining = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), remaining)
	defer cancel()

	m.logger.Info("running shutdown stages", zap.Strings("stages", m.registry.Names()))
	errs := m.registry.Shutdown(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown stage failed", zap.Error(err))
	}

	if started {
		signal.Stop(m.sigChan)
		close(m.sigChan)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown: %d stages failed: %w", len(errs), errs[0])
	}
	m.logger.Info("shutdown complete", zap.Duration("duration", time.Since(begin)))
	return nil
}

// Wait blocks until shutdown begins.
func (m *Manager) Wait() {
	<-m.ctx.Done()
}

// ActiveOperations returns the number of in-flight batches.
func (m *Manager) ActiveOperations() int64 {
	return m.tracker.ActiveCount()
}

// IsShuttingDown reports whether shutdown has begun.
func (m *Manager) IsShuttingDown() bool {
	return m.ctx.Err() != nil || m.tracker.IsClosed()
}

// Stages returns the registered stage names in run order.
func (m *Manager) Stages() []string {
	return m.registry.Names()
}
