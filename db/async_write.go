package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultChannelCapacity = 256
	DefaultDrainTimeout    = 10 * time.Second
)

// WriteOperation is one queued write.
type WriteOperation struct {
	Data     interface{}
	QueuedAt time.Time
}

// WriteHandler applies a queued write. Returned errors go to the writer's
// OnError hook; they are never retried.
type WriteHandler func(ctx context.Context, op WriteOperation) error

// AsyncWriterConfig holds configuration for the async writer.
type AsyncWriterConfig struct {
	ChannelCapacity int
	DrainTimeout    time.Duration
	// OnError is called from the writer goroutine for every failed write.
	OnError func(op WriteOperation, err error)
}

func DefaultAsyncWriterConfig() AsyncWriterConfig {
	return AsyncWriterConfig{
		ChannelCapacity: DefaultChannelCapacity,
		DrainTimeout:    DefaultDrainTimeout,
	}
}

// AsyncWriter serializes fire-and-forget writes onto one background
// goroutine. Quota decrements and generation run rows go through it so the
// request path never waits on SQLite.
//
//	w := NewAsyncWriter(handler, DefaultAsyncWriterConfig())
//	w.Start()
//	defer w.Stop()
//	if !w.Write(op) {
//	    // buffer full: caller decides whether to write synchronously
//	}
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	config    AsyncWriterConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool

	// queued counts operations accepted but not yet applied.
	queued    atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewAsyncWriter creates a writer. Call Start before queueing.
func NewAsyncWriter(handler WriteHandler, config AsyncWriterConfig) *AsyncWriter {
	if config.ChannelCapacity <= 0 {
		config.ChannelCapacity = DefaultChannelCapacity
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, config.ChannelCapacity),
		handler:   handler,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start launches the background goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started || w.stopped {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.run()
}

func (w *AsyncWriter) run() {
	defer w.wg.Done()
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			return
		case op := <-w.writeChan:
			w.apply(op)
		}
	}
}

// drain applies whatever is still buffered after Stop.
func (w *AsyncWriter) drain() {
	for {
		select {
		case op := <-w.writeChan:
			w.apply(op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(op WriteOperation) {
	defer w.queued.Add(-1)
	// Writes already dequeued finish even when shutdown has begun.
	if err := w.handler(context.WithoutCancel(w.ctx), op); err != nil {
		w.failed.Add(1)
		if w.config.OnError != nil {
			w.config.OnError(op, err)
		}
		return
	}
	w.processed.Add(1)
}

// Write queues data without blocking. It returns false when the writer is
// not running or the buffer is full.
func (w *AsyncWriter) Write(data interface{}) bool {
	if !w.IsStarted() {
		return false
	}
	w.queued.Add(1)
	select {
	case w.writeChan <- WriteOperation{Data: data, QueuedAt: time.Now()}:
		return true
	default:
		w.queued.Add(-1)
		return false
	}
}

// WriteWait queues data, blocking while the buffer is full. It returns
// false when the writer is not running or ctx ends first. An operation
// queued while Stop is draining may never be applied; callers waiting on a
// result should also watch Done.
func (w *AsyncWriter) WriteWait(ctx context.Context, data interface{}) bool {
	if !w.IsStarted() {
		return false
	}
	w.queued.Add(1)
	select {
	case w.writeChan <- WriteOperation{Data: data, QueuedAt: time.Now()}:
		return true
	case <-ctx.Done():
	case <-w.ctx.Done():
	}
	w.queued.Add(-1)
	return false
}

// Done is closed when the background goroutine has exited.
func (w *AsyncWriter) Done() <-chan struct{} {
	return w.done
}

// Pending returns the number of operations queued or being applied.
func (w *AsyncWriter) Pending() int {
	return int(w.queued.Load())
}

// Processed and Failed count completed writes since Start.
func (w *AsyncWriter) Processed() int64 { return w.processed.Load() }
func (w *AsyncWriter) Failed() int64    { return w.failed.Load() }

// Stop drains pending writes using the configured drain timeout. It returns
// false if the drain did not finish in time.
func (w *AsyncWriter) Stop() bool {
	return w.StopWithTimeout(w.config.DrainTimeout)
}

// StopWithTimeout stops accepting writes and waits up to timeout for the
// buffer to drain.
func (w *AsyncWriter) StopWithTimeout(timeout time.Duration) bool {
	w.mu.Lock()
	w.started = false
	w.stopped = true
	w.mu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// IsStarted reports whether the writer accepts writes.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}
