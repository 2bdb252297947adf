package pdworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultTaskTimeout bounds a single authority call.
const DefaultTaskTimeout = 5 * time.Second

// ErrStopped is returned by Schedule once the worker is stopped.
var ErrStopped = errors.New("pdworker: worker stopped")

// Scheduler accepts tasks without blocking the caller.
type Scheduler interface {
	Schedule(Task) error
}

// Handler executes one task.
type Handler interface {
	Run(ctx context.Context, t Task) error
}

// Options configures a Worker.
type Options struct {
	Name        string
	TaskTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
	Tracer      trace.Tracer
}

func (o *Options) normalize() {
	if o.Name == "" {
		o.Name = "pd-worker"
	}
	if o.TaskTimeout <= 0 {
		o.TaskTimeout = DefaultTaskTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil, "")
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("nyxstore/pdworker")
	}
}

// Worker executes tasks one at a time in submission order on a single
// goroutine. Failures are logged and dropped.
type Worker struct {
	handler Handler
	opts    Options
	logger  *zap.Logger

	mu      sync.Mutex
	queue   []Task
	started bool
	stopped bool
	notify  chan struct{}
	done    chan struct{}
}

func NewWorker(handler Handler, opts Options) *Worker {
	opts.normalize()
	return &Worker{
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With(zap.String("worker", opts.Name)),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the worker goroutine. Tasks scheduled before Start wait in
// the queue.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.loop()
}

// Schedule enqueues t and returns immediately.
func (w *Worker) Schedule(t Task) error {
	if t == nil {
		return fmt.Errorf("pdworker: nil task")
	}
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.queue = append(w.queue, t)
	pending := len(w.queue)
	w.mu.Unlock()

	w.opts.Metrics.setPending(w.opts.Name, pending)
	w.wake()
	return nil
}

// Pending reports the number of queued tasks.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Stop rejects new tasks, runs the ones already queued and waits for the
// worker goroutine to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		go w.loop()
	}
	w.wake()
	<-w.done
}

func (w *Worker) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			stopped := w.stopped
			w.mu.Unlock()
			if stopped {
				return
			}
			<-w.notify
			continue
		}
		t := w.queue[0]
		w.queue[0] = nil
		w.queue = w.queue[1:]
		pending := len(w.queue)
		w.mu.Unlock()

		w.opts.Metrics.setPending(w.opts.Name, pending)
		w.execute(t)
	}
}

func (w *Worker) execute(t Task) {
	kind := t.Kind()
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.TaskTimeout)
	defer cancel()
	ctx, span := w.opts.Tracer.Start(ctx, "pdworker."+kind, trace.WithAttributes(
		attribute.String("task", t.String()),
		attribute.String("worker", w.opts.Name),
	))
	defer span.End()

	start := time.Now()
	result := resultOK
	defer func() {
		if r := recover(); r != nil {
			result = resultPanic
			span.SetStatus(codes.Error, "panic")
			w.logger.Error("task panicked", zap.Stringer("task", t), zap.Any("panic", r))
		}
		w.opts.Metrics.observe(kind, result, time.Since(start).Seconds())
	}()

	if err := w.handler.Run(ctx, t); err != nil {
		result = resultError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.logger.Error("task failed", zap.Stringer("task", t), zap.Error(err))
		return
	}
	w.logger.Debug("task done", zap.Stringer("task", t), zap.Duration("took", time.Since(start)))
}
