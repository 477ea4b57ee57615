package assistant

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nugget/occam-assistant/internal/channel"
)

// Dispatcher defaults.
const (
	DefaultWorkers       = 4
	DefaultHandleTimeout = 5 * time.Minute
)

// DispatcherConfig holds the dependencies for a Dispatcher.
type DispatcherConfig struct {
	Handler channel.Handler
	Logger  *slog.Logger

	// Workers bounds concurrent exchanges across all threads.
	Workers int

	// HandleTimeout bounds the model and tool work of one exchange; the
	// handler persists and replies on its own deadline afterwards.
	HandleTimeout time.Duration
}

// Dispatcher runs exchanges in the background. Messages on one thread
// are handled one at a time in arrival order; different threads run
// concurrently up to the worker limit. Exchanges run on a context
// detached from the caller, so shutdown never cancels one midway.
type Dispatcher struct {
	handler channel.Handler
	logger  *slog.Logger
	timeout time.Duration
	sem     *semaphore.Weighted

	mu sync.Mutex
	// queues holds pending messages per thread. A key is present while
	// a drain goroutine owns that thread.
	queues map[string][]*channel.Message

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := cfg.HandleTimeout
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Dispatcher{
		handler: cfg.Handler,
		logger:  logger.With("component", "dispatcher"),
		timeout: timeout,
		sem:     semaphore.NewWeighted(int64(workers)),
		queues:  make(map[string][]*channel.Message),
	}
}

// Dispatch implements [channel.Dispatcher]. It never blocks on the
// exchange.
func (d *Dispatcher) Dispatch(msg *channel.Message) {
	d.mu.Lock()
	q, active := d.queues[msg.ThreadID]
	d.queues[msg.ThreadID] = append(q, msg)
	if !active {
		d.wg.Add(1)
	}
	d.mu.Unlock()

	if !active {
		go d.drain(msg.ThreadID)
	}
}

// drain handles queued messages for one thread until none remain.
func (d *Dispatcher) drain(threadID string) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[threadID]
		if len(q) == 0 {
			delete(d.queues, threadID)
			d.mu.Unlock()
			return
		}
		msg := q[0]
		q[0] = nil
		d.queues[threadID] = q[1:]
		d.mu.Unlock()

		d.run(msg)
	}
}

func (d *Dispatcher) run(msg *channel.Message) {
	// Acquire on a background context cannot fail.
	_ = d.sem.Acquire(context.Background(), 1)
	defer d.sem.Release(1)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in exchange",
				"thread_id", msg.ThreadID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	d.handler.Handle(ctx, msg)
}

// Wait blocks until every dispatched exchange has finished or ctx is
// done, returning ctx's error in the latter case.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of queued messages not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.queues {
		n += len(q)
	}
	return n
}
