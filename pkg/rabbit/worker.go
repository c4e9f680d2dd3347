package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nutriplan/mqkit/pkg/observability"
)

// Handler processes one decoded message. Returning nil acks the message.
// Wrap the error with Requeue or Discard to pick the disposition; any other
// error requeues the message and stops the worker.
type Handler[T any] func(ctx context.Context, msg T) error

// Consumer delivers messages of a topology to a callback, sequentially.
// *TopologyManager implements it.
type Consumer interface {
	Consume(ctx context.Context, topo *Topology, callback func(context.Context, amqp.Delivery)) error
}

type requeueError struct{ err error }

func (e *requeueError) Error() string { return "requeue: " + e.err.Error() }
func (e *requeueError) Unwrap() error { return e.err }

type discardError struct{ err error }

func (e *discardError) Error() string { return "discard: " + e.err.Error() }
func (e *discardError) Unwrap() error { return e.err }

// Requeue marks err as recoverable: the message is nacked with requeue and
// the worker keeps running.
func Requeue(err error) error {
	if err == nil {
		return nil
	}
	return &requeueError{err: err}
}

// Discard marks err as permanent: the message is rejected without requeue,
// so it goes to the dead-letter queue if one is configured.
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return &discardError{err: err}
}

// Outcome is the terminal action taken for a message.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeAck
	OutcomeRequeue
	OutcomeReject
)

// OutcomeOf returns the action a worker takes for a handler result: ack for
// nil, reject for Discard and nack with requeue for anything else.
func OutcomeOf(err error) Outcome {
	var discard *discardError
	switch {
	case err == nil:
		return OutcomeAck
	case errors.As(err, &discard):
		return OutcomeReject
	default:
		return OutcomeRequeue
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeAck:
		return "ack"
	case OutcomeRequeue:
		return "nack"
	case OutcomeReject:
		return "reject"
	default:
		return "none"
	}
}

type cleanupKey struct{}

type cleanupStack struct {
	mu  sync.Mutex
	fns []func(context.Context) error
}

// OnCleanup registers fn to run when the handler owning ctx exceeds its work
// timeout, e.g. to close a half-open downstream connection. fn gets a fresh
// context bounded by the cleanup timeout. Cleanups run in reverse order of
// registration and only on timeout. It reports false when ctx does not come
// from a Worker.
func OnCleanup(ctx context.Context, fn func(context.Context) error) bool {
	stack, ok := ctx.Value(cleanupKey{}).(*cleanupStack)
	if !ok {
		return false
	}
	stack.mu.Lock()
	stack.fns = append(stack.fns, fn)
	stack.mu.Unlock()
	return true
}

func (s *cleanupStack) snapshot() []func(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fns := make([]func(context.Context) error, len(s.fns))
	copy(fns, s.fns)
	return fns
}

// Worker consumes a topology and dispatches decoded messages to a handler
// with bounded concurrency and a per-message deadline. Each message gets
// exactly one of ack, nack with requeue or reject.
type Worker[T any] struct {
	consumer Consumer
	topo     *Topology
	codec    Codec
	handler  Handler[T]
	cfg      WorkerConfig
	sem      *semaphore.Weighted

	logger   Logger
	observer observability.Observer
	tracer   trace.Tracer
}

// NewWorker builds a worker. Zero fields of cfg take their defaults.
func NewWorker[T any](consumer Consumer, topo *Topology, codec Codec, handler Handler[T], cfg WorkerConfig, opts ...Option) *Worker[T] {
	o := newOptions(opts)
	cfg = cfg.withDefaults()
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Worker[T]{
		consumer: consumer,
		topo:     topo,
		codec:    codec,
		handler:  handler,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrency),
		logger:   o.logger,
		observer: o.observer,
		tracer:   otel.Tracer(tracerName),
	}
}

// Config returns the effective configuration.
func (w *Worker[T]) Config() WorkerConfig { return w.cfg }

// Run consumes until ctx is done or a handler fails with an error that is
// neither Requeue nor Discard. Intake stops as soon as ctx is cancelled;
// messages already dispatched keep running to their terminal action and Run
// waits for them before returning.
func (w *Worker[T]) Run(ctx context.Context) error {
	if qos := w.topo.QoS(); qos != nil && int64(qos.PrefetchCount) > w.cfg.MaxConcurrency {
		w.logger.WarnWithContext(ctx, "prefetch count exceeds worker concurrency, messages will wait unacked", nil, map[string]interface{}{
			"queue_name":      w.topo.UniqueID(),
			"prefetch_count":  qos.PrefetchCount,
			"max_concurrency": w.cfg.MaxConcurrency,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.consumer.Consume(gctx, w.topo, func(cctx context.Context, d amqp.Delivery) {
			w.receive(cctx, g, d)
		})
	})
	return g.Wait()
}

func (w *Worker[T]) receive(ctx context.Context, g *errgroup.Group, d amqp.Delivery) {
	s := &settlement{d: d, queue: w.topo.UniqueID(), received: time.Now(), logger: w.logger, observer: w.observer}
	dctx := extractTrace(ctx, d.Headers)

	msg, err := decode[T](w.codec, d.ContentType, d.Body)
	if err != nil {
		w.logger.WarnWithContext(dctx, "rejecting malformed message", err, map[string]interface{}{
			"queue_name": s.queue,
			"message_id": d.MessageId,
		})
		s.settle(dctx, OutcomeReject)
		return
	}

	if err := w.sem.Acquire(ctx, 1); err != nil {
		s.settle(dctx, OutcomeRequeue)
		return
	}

	g.Go(func() error {
		return w.dispatch(dctx, s, msg)
	})
}

// dispatch runs the handler on a context detached from shutdown, bounded by
// WorkTimeout, and settles the message. It owns the permit acquired by
// receive.
func (w *Worker[T]) dispatch(ctx context.Context, s *settlement, msg T) error {
	base := context.WithoutCancel(ctx)
	base, span := w.tracer.Start(base, "rabbit.process", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", s.queue),
			attribute.String("messaging.message.id", s.d.MessageId),
		))
	defer span.End()

	stack := &cleanupStack{}
	workCtx, cancel := context.WithTimeout(context.WithValue(base, cleanupKey{}, stack), w.cfg.WorkTimeout)
	defer cancel()

	// The permit taken in receive is released when the handler returns, not
	// when the message settles: a handler that ignores its deadline still
	// counts against MaxConcurrency until it finishes.
	done := make(chan error, 1)
	go func() {
		defer w.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			}
		}()
		done <- w.handler(workCtx, msg)
	}()

	var err error
	select {
	case err = <-done:
	case <-workCtx.Done():
		err = workCtx.Err()
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) && workCtx.Err() != nil {
		w.logger.WarnWithContext(base, "handler exceeded work timeout, running cleanup", err, map[string]interface{}{
			"queue_name":   s.queue,
			"message_id":   s.d.MessageId,
			"work_timeout": w.cfg.WorkTimeout.String(),
		})
		span.SetStatus(codes.Error, "work timeout")
		w.cleanup(base, s, stack)
		s.settle(base, OutcomeRequeue)
		return nil
	}

	var requeue *requeueError
	switch outcome := OutcomeOf(err); {
	case outcome == OutcomeAck:
		s.settle(base, OutcomeAck)
		return nil

	case outcome == OutcomeReject:
		w.logger.WarnWithContext(base, "discarding message", err, map[string]interface{}{
			"queue_name": s.queue,
			"message_id": s.d.MessageId,
		})
		span.RecordError(err)
		s.settle(base, OutcomeReject)
		return nil

	case errors.As(err, &requeue):
		w.logger.WarnWithContext(base, "requeueing message", err, map[string]interface{}{
			"queue_name": s.queue,
			"message_id": s.d.MessageId,
		})
		span.RecordError(err)
		s.settle(base, OutcomeRequeue)
		return nil

	default:
		w.logger.ErrorWithContext(base, "handler failed, stopping worker", err, map[string]interface{}{
			"queue_name": s.queue,
			"message_id": s.d.MessageId,
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.settle(base, OutcomeRequeue)
		return fmt.Errorf("handle message %s from %s: %w", s.d.MessageId, s.queue, err)
	}
}

// cleanup runs the registered cleanups under CleanupTimeout on a context
// that no outer cancellation reaches. Overruns are abandoned.
func (w *Worker[T]) cleanup(ctx context.Context, s *settlement, stack *cleanupStack) {
	fns := stack.snapshot()
	if len(fns) == 0 {
		return
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := len(fns) - 1; i >= 0; i-- {
			if err := runCleanup(cctx, fns[i]); err != nil {
				w.logger.WarnWithContext(cctx, "cleanup failed", err, map[string]interface{}{
					"queue_name": s.queue,
					"message_id": s.d.MessageId,
				})
			}
		}
	}()

	select {
	case <-finished:
	case <-cctx.Done():
		w.logger.WarnWithContext(ctx, "cleanup exceeded its timeout, abandoning", cctx.Err(), map[string]interface{}{
			"queue_name":      s.queue,
			"message_id":      s.d.MessageId,
			"cleanup_timeout": w.cfg.CleanupTimeout.String(),
		})
	}
}

func runCleanup(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panicked: %v", r)
		}
	}()
	return fn(ctx)
}

//go:generate mockgen -destination=mock_acknowledger_test.go -package=rabbit github.com/rabbitmq/amqp091-go Acknowledger

// settlement issues the terminal action of one delivery, at most once.
type settlement struct {
	once     sync.Once
	d        amqp.Delivery
	queue    string
	received time.Time
	outcome  Outcome

	logger   Logger
	observer observability.Observer
}

func (s *settlement) settle(ctx context.Context, outcome Outcome) {
	s.once.Do(func() {
		s.outcome = outcome

		var err error
		switch outcome {
		case OutcomeAck:
			err = s.d.Ack(false)
		case OutcomeRequeue:
			err = s.d.Nack(false, true)
		case OutcomeReject:
			err = s.d.Reject(false)
		}
		if err != nil {
			err = TranslateError(err)
			s.logger.ErrorWithContext(ctx, "failed to settle message", err, map[string]interface{}{
				"queue_name": s.queue,
				"message_id": s.d.MessageId,
				"outcome":    outcome.String(),
			})
		}
		observeOperation(s.observer, outcome.String(), s.queue, s.d.RoutingKey, s.received, err, int64(len(s.d.Body)))
	})
}
