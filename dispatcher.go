package bufmem

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the task queue depth of a DeviceContext.
const DefaultQueueSize = 64

// DeviceContext owns one device API surface and the single goroutine,
// locked to its OS thread, that is allowed to touch it.
//
// Submit marshals a task onto that thread and blocks until it has run.
// Tasks run one at a time in submission order.
//
// Thread safety: DeviceContext is safe for concurrent use.
type DeviceContext struct {
	name string

	// queue carries tasks to the context thread in FIFO order.
	queue chan *task

	// mu guards closed against concurrent enqueues.
	mu     sync.RWMutex
	closed bool

	// stopped is closed when the context thread exits.
	stopped chan struct{}

	// running indicates whether the context is accepting work.
	running atomic.Bool

	// tid is the OS thread id of the context thread (0 where unknown).
	tid atomic.Int64
}

// task is one unit of work plus its completion signal.
type task struct {
	fn   func(context.Context)
	done chan struct{}

	// panicked holds a recovered panic value, re-raised by the submitter.
	panicked any
}

// ContextOption configures a DeviceContext.
type ContextOption func(*contextOptions)

type contextOptions struct {
	queueSize int
}

// WithQueueSize sets the task queue depth. Values below 1 are ignored.
func WithQueueSize(n int) ContextOption {
	return func(o *contextOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// contextKey marks a context.Context as running on a DeviceContext thread.
type contextKey struct{}

// NewDeviceContext starts a device context and its thread.
func NewDeviceContext(name string, opts ...ContextOption) *DeviceContext {
	o := contextOptions{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&o)
	}

	dc := &DeviceContext{
		name:    name,
		queue:   make(chan *task, o.queueSize),
		stopped: make(chan struct{}),
	}
	dc.running.Store(true)

	started := make(chan struct{})
	go dc.loop(started)
	<-started

	Logger().Info("bufmem: device context started",
		slog.String("context", name),
		slog.Int64("thread", dc.tid.Load()))
	return dc
}

// loop is the context thread. It owns the OS thread for its whole life.
func (dc *DeviceContext) loop(started chan<- struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(dc.stopped)

	dc.tid.Store(CurrentThreadID())
	threadCtx := context.WithValue(context.Background(), contextKey{}, dc)
	close(started)

	for t := range dc.queue {
		dc.run(threadCtx, t)
	}
}

// run executes one task, capturing a panic so the thread keeps serving.
func (dc *DeviceContext) run(threadCtx context.Context, t *task) {
	defer close(t.done)
	defer func() {
		if r := recover(); r != nil {
			t.panicked = r
		}
	}()
	t.fn(threadCtx)
}

// Name returns the context name.
func (dc *DeviceContext) Name() string { return dc.name }

// ThreadID returns the OS thread id of the context thread, or 0 on
// platforms where thread ids are not available.
func (dc *DeviceContext) ThreadID() int64 { return dc.tid.Load() }

// IsRunning reports whether the context accepts tasks.
func (dc *DeviceContext) IsRunning() bool { return dc.running.Load() }

// OnThread reports whether ctx was handed out by this context's thread,
// i.e. whether the caller is a task currently running on it.
func (dc *DeviceContext) OnThread(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(contextKey{}).(*DeviceContext)
	return owner == dc
}

// Submit runs fn on the context thread and blocks until it returns.
//
// fn receives a context.Context bound to this DeviceContext; passing it to
// further Submit calls (directly or through the Allocator) runs those
// calls inline. Calling Submit with that context from fn therefore never
// deadlocks.
//
// ctx is only observed before the task is queued: once queued, the task
// always runs to completion. Submit fails only if ctx is already done or
// the context has been closed. A panic in fn is re-raised in the caller.
func (dc *DeviceContext) Submit(ctx context.Context, fn func(context.Context)) error {
	if fn == nil {
		return fmt.Errorf("bufmem: nil task submitted to %q", dc.name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if dc.OnThread(ctx) {
		fn(ctx)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t := &task{fn: fn, done: make(chan struct{})}

	dc.mu.RLock()
	if dc.closed {
		dc.mu.RUnlock()
		return fmt.Errorf("%w: %q", ErrContextClosed, dc.name)
	}
	select {
	case dc.queue <- t:
	case <-ctx.Done():
		dc.mu.RUnlock()
		return ctx.Err()
	}
	dc.mu.RUnlock()

	<-t.done
	if t.panicked != nil {
		panic(t.panicked)
	}
	return nil
}

// Close stops accepting tasks, lets queued tasks finish and waits for the
// context thread to exit. Close is idempotent. It must not be called from
// a task running on this context.
func (dc *DeviceContext) Close() {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		<-dc.stopped
		return
	}
	dc.closed = true
	dc.running.Store(false)
	close(dc.queue)
	dc.mu.Unlock()

	<-dc.stopped
	Logger().Info("bufmem: device context stopped", slog.String("context", dc.name))
}
