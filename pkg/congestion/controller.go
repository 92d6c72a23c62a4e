// Package congestion paces synthesis requests against a congestion-sensitive
// backend.
//
// A [Controller] accepts labelled units of work ([Task]) and decides when each
// may run according to its [Policy]. Callers feed it a single success signal,
// [Controller.AudioReceived], whenever the first real audio payload of an
// in-flight task was observed. The controller paces invocation only: it never
// retries, cancels or inspects the outcome of a task.
//
// Under [Off] a task runs synchronously inside [Controller.Enqueue]. Under
// every other policy tasks run one at a time on the controller's dispatch
// goroutine in submission order, so tasks must not block; they are expected to
// start asynchronous work and return.
//
// A Controller is scoped to one streaming session. It is safe for concurrent
// use.
package congestion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/MrWong99/playht/internal/observe"
)

// Task is a deferred unit of work.
type Task func()

// queuedTask is a task waiting for admission.
type queuedTask struct {
	run      Task
	label    string
	enqueued time.Time
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger used for admission diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Controller gates task execution according to a [Policy].
type Controller struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observe.Metrics
	limiter *rate.Limiter

	mu       sync.Mutex
	queue    []queuedTask
	inflight int
	window   int // 0 means unbounded
	closed   bool
	stall    *time.Timer

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Controller for cfg. Gated policies start a dispatch goroutine
// that lives until [Controller.Close] is called.
func New(cfg Config, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		metrics: observe.DefaultMetrics(),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "congestion", "policy", c.cfg.Policy.String())

	switch c.cfg.Policy {
	case StaticMar2023:
		c.window = c.cfg.Window
	case Adaptive:
		c.window = c.cfg.InitialWindow
	case TokenBucket:
		c.limiter = rate.NewLimiter(rate.Limit(c.cfg.Rate), c.cfg.Burst)
	}

	if c.cfg.Policy != Off {
		go c.run()
	}
	return c
}

// Policy returns the controller's admission policy.
func (c *Controller) Policy() Policy {
	return c.cfg.Policy
}

// Window returns the current admission window. Zero means unbounded.
func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Enqueue schedules task for execution. label identifies the task in logs.
//
// Under [Off] the task is invoked before Enqueue returns. Otherwise it runs
// once the admission window permits, after every task enqueued before it.
// Tasks enqueued after [Controller.Close] are dropped.
func (c *Controller) Enqueue(task Task, label string) {
	if c.cfg.Policy == Off {
		c.logger.Debug("task started", "label", label)
		task()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug("controller closed, dropping task", "label", label)
		return
	}
	c.queue = append(c.queue, queuedTask{run: task, label: label, enqueued: time.Now()})
	c.mu.Unlock()

	c.metrics.QueuedTasks.Add(c.ctx, 1)
	c.signal()
}

// AudioReceived reports that the first audio payload of one in-flight task
// was observed. The admitted task stops counting against the window.
func (c *Controller) AudioReceived() {
	if c.cfg.Policy == Off {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.inflight > 0 {
		c.inflight--
		c.metrics.InflightTasks.Add(c.ctx, -1)
	}
	if c.cfg.Policy == Adaptive {
		if c.window < c.cfg.MaxWindow {
			c.window++
			c.logger.Debug("window grown", "window", c.window)
		}
		c.resetStallLocked()
	}
	c.mu.Unlock()

	if c.cfg.Policy == StaticMar2023 {
		time.AfterFunc(c.cfg.PostChunkBackoff, c.signal)
		return
	}
	c.signal()
}

// Close ends the session. Queued tasks are discarded and timers stopped.
// Close is idempotent and may be called from within a task.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	dropped := len(c.queue)
	c.queue = nil
	if c.stall != nil {
		c.stall.Stop()
	}
	c.mu.Unlock()

	if dropped > 0 {
		c.metrics.QueuedTasks.Add(context.Background(), int64(-dropped))
		c.logger.Debug("controller closed with queued tasks", "dropped", dropped)
	}
	c.cancel()
}

// signal wakes the dispatch goroutine without blocking.
func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the dispatch goroutine for gated policies.
func (c *Controller) run() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.dispatch()
		}
	}
}

// dispatch admits queued tasks in FIFO order while the window permits.
func (c *Controller) dispatch() {
	for {
		c.mu.Lock()
		if c.closed || len(c.queue) == 0 || (c.window > 0 && c.inflight >= c.window) {
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue[0] = queuedTask{}
		c.queue = c.queue[1:]
		c.inflight++
		if c.cfg.Policy == Adaptive && c.inflight == 1 {
			c.resetStallLocked()
		}
		c.mu.Unlock()

		if c.limiter != nil {
			if err := c.limiter.Wait(c.ctx); err != nil {
				// Closed while waiting for a token.
				return
			}
		}

		wait := time.Since(next.enqueued)
		c.metrics.QueuedTasks.Add(c.ctx, -1)
		c.metrics.InflightTasks.Add(c.ctx, 1)
		c.metrics.AdmissionWait.Record(c.ctx, wait.Seconds(),
			metric.WithAttributes(observe.Attr("policy", c.cfg.Policy.String())))
		c.logger.Debug("task started", "label", next.label, "waited", wait)
		next.run()
	}
}

// resetStallLocked (re)arms the adaptive stall timer. Must be called with
// c.mu held.
func (c *Controller) resetStallLocked() {
	if c.stall == nil {
		c.stall = time.AfterFunc(c.cfg.StallTimeout, c.onStall)
		return
	}
	c.stall.Reset(c.cfg.StallTimeout)
}

// onStall halves the adaptive window when in-flight tasks stopped producing
// audio.
func (c *Controller) onStall() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.inflight == 0 {
		return
	}
	if c.window > 1 {
		c.window = max(1, c.window/2)
		c.logger.Debug("window shrunk after stall", "window", c.window, "inflight", c.inflight)
	}
	c.stall.Reset(c.cfg.StallTimeout)
}
