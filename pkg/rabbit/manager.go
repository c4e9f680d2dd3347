package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nutriplan/mqkit/pkg/observability"
)

const tracerName = "github.com/nutriplan/mqkit/pkg/rabbit"

// TopologyManager declares topologies and publishes and consumes through
// them. Declarations are remembered per topology and redone on first use
// after a connection loss. It is safe for concurrent use.
type TopologyManager struct {
	// conns supplies the shared connection and reconnects it on loss
	conns *ConnectionManager

	// channels caches one channel per topology, reopened after a close
	channels *channelCache

	// logger is used for declaration, publish and consume events
	logger Logger

	// observer records publish and consume metrics
	observer observability.Observer

	// tracer creates the publish and consume spans
	tracer trace.Tracer

	// mu protects declared
	mu sync.Mutex

	// declared maps a topology's unique id to its actual queue name
	declared map[string]string
}

// NewTopologyManager returns a manager that opens its channels on conns.
func NewTopologyManager(conns *ConnectionManager, opts ...Option) *TopologyManager {
	o := newOptions(opts)
	m := &TopologyManager{
		conns:    conns,
		channels: newChannelCache(conns),
		logger:   o.logger,
		observer: o.observer,
		tracer:   otel.Tracer(tracerName),
		declared: make(map[string]string),
	}
	conns.OnConnectionLost(func() {
		m.channels.invalidate()
		m.mu.Lock()
		clear(m.declared)
		m.mu.Unlock()
	})
	return m
}

// DeclareOption adjusts DeclareResources.
type DeclareOption func(*declareOptions)

type declareOptions struct {
	deadLetter bool
}

// WithoutDeadLetter skips the dead-letter exchange, queue and binding.
func WithoutDeadLetter() DeclareOption {
	return func(o *declareOptions) { o.deadLetter = false }
}

// DeclareResources declares the exchange, the queue and their binding, then
// the dead-letter exchange, queue and binding on a separate channel. It is
// idempotent: declaring an existing object with the same parameters is a
// no-op on the broker, different parameters fail with ErrPreconditionFailed.
func (m *TopologyManager) DeclareResources(ctx context.Context, topo *Topology, opts ...DeclareOption) (err error) {
	o := declareOptions{deadLetter: true}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	defer func() {
		observeOperation(m.observer, "declare", topo.Exchange().Name, topo.UniqueID(), start, err, 0)
	}()

	ch, err := m.channels.get(ctx, topo.UniqueID(), topo.QoS())
	if err != nil {
		return err
	}

	queueName, err := declarePath(ch, topo.Exchange(), topo.Queue(), topo.Binding())
	if err != nil {
		m.logger.ErrorWithContext(ctx, "failed to declare topology", err, map[string]interface{}{
			"topology": topo.String(),
		})
		return err
	}

	m.mu.Lock()
	m.declared[topo.UniqueID()] = queueName
	m.mu.Unlock()

	dl := topo.DeadLetter()
	if !o.deadLetter || dl == nil {
		return nil
	}

	dch, err := m.channels.get(ctx, deadLetterKey(dl), nil)
	if err != nil {
		return err
	}
	if _, err := declarePath(dch, dl.Exchange, dl.Queue, dl.Binding); err != nil {
		m.logger.ErrorWithContext(ctx, "failed to declare dead letter topology", err, map[string]interface{}{
			"exchange": dl.Exchange.Name,
			"queue":    dl.Queue.Name,
		})
		return err
	}
	return nil
}

func deadLetterKey(dl *DeadLetter) string {
	return "dead-letter@" + dl.Queue.Name
}

// DeclareAll declares every topology of reg in registration order and stops
// at the first failure.
func (m *TopologyManager) DeclareAll(ctx context.Context, reg *Registry) error {
	for _, topo := range reg.All() {
		if err := m.DeclareResources(ctx, topo); err != nil {
			return fmt.Errorf("declare %s: %w", topo.UniqueID(), err)
		}
		m.logger.InfoWithContext(ctx, "declared topology", nil, map[string]interface{}{
			"topology": topo.String(),
		})
	}
	return nil
}

// queueName returns the declared queue name of topo, declaring it first if
// this manager has not done so since the last connection loss.
func (m *TopologyManager) queueName(ctx context.Context, topo *Topology) (string, error) {
	m.mu.Lock()
	name, ok := m.declared[topo.UniqueID()]
	m.mu.Unlock()
	if ok {
		return name, nil
	}

	if err := m.DeclareResources(ctx, topo); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.declared[topo.UniqueID()], nil
}

// PublishOption adjusts Publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	mandatory bool
}

// WithMandatory controls the mandatory flag; it is on by default.
func WithMandatory(mandatory bool) PublishOption {
	return func(o *publishOptions) { o.mandatory = mandatory }
}

// Publish sends msg to the exchange of topo with routingKey and waits for the
// broker confirm. The topology is declared on first use. With mandatory set
// (the default) a message that matches no queue fails with ErrUnroutable.
// Empty MessageId and Timestamp are filled in and the trace context of ctx
// is written to the headers.
func (m *TopologyManager) Publish(ctx context.Context, topo *Topology, routingKey string, msg amqp.Publishing, opts ...PublishOption) (err error) {
	o := publishOptions{mandatory: true}
	for _, opt := range opts {
		opt(&o)
	}

	exchange := topo.Exchange().Name
	start := time.Now()

	ctx, span := m.tracer.Start(ctx, "rabbit.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		observeOperation(m.observer, "publish", exchange, routingKey, start, err, int64(len(msg.Body)))
	}()

	if _, err := m.queueName(ctx, topo); err != nil {
		return err
	}

	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Headers = injectTrace(ctx, copyTable(msg.Headers))
	span.SetAttributes(attribute.String("messaging.message.id", msg.MessageId))

	ch, err := m.channels.get(ctx, topo.UniqueID(), topo.QoS())
	if err != nil {
		return err
	}

	if err := ch.publish(ctx, exchange, routingKey, o.mandatory, msg); err != nil {
		m.logger.ErrorWithContext(ctx, "error in publishing msg into rabbit", err, map[string]interface{}{
			"exchange":    exchange,
			"routing_key": routingKey,
			"message_id":  msg.MessageId,
		})
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, MessageID: msg.MessageId, Err: err}
	}
	return nil
}

// PublishJSON encodes v as JSON and publishes it as a persistent message.
func (m *TopologyManager) PublishJSON(ctx context.Context, topo *Topology, routingKey string, v any, opts ...PublishOption) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return m.Publish(ctx, topo, routingKey, amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}, opts...)
}

// Consume attaches a manual-ack consumer to the queue of topo and calls
// callback for each delivery, one at a time and in broker order. The
// callback owns the acknowledgement. When the delivery stream closes the
// consumer is re-established. Consume returns nil once ctx is done, and an
// error when the consumer cannot be attached for a permanent reason.
func (m *TopologyManager) Consume(ctx context.Context, topo *Topology, callback func(context.Context, amqp.Delivery)) error {
	for ctx.Err() == nil {
		stopped, err := m.consumeOnce(ctx, topo, callback)
		if stopped || ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}
		if IsPermanentError(err) {
			return fmt.Errorf("consume %s: %w", topo.UniqueID(), err)
		}

		m.logger.ErrorWithContext(ctx, "error in establishing consumer for rabbit", err, map[string]interface{}{
			"queue_name": topo.UniqueID(),
		})
		if !m.conns.sleep(ctx, m.conns.cfg.ReconnectDelay) {
			return nil
		}
	}
	return nil
}

// consumeOnce runs one consumer until ctx is done (stopped) or the delivery
// stream closes (nil error).
func (m *TopologyManager) consumeOnce(ctx context.Context, topo *Topology, callback func(context.Context, amqp.Delivery)) (stopped bool, err error) {
	queue, err := m.queueName(ctx, topo)
	if err != nil {
		return false, err
	}
	ch, err := m.channels.get(ctx, topo.UniqueID(), topo.QoS())
	if err != nil {
		return false, err
	}

	tag := "mqkit-" + uuid.NewString()
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return false, TranslateError(err)
	}
	m.logger.InfoWithContext(ctx, "consumer attached", nil, map[string]interface{}{
		"queue_name": queue,
		"consumer":   tag,
	})

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoWithContext(ctx, "consumer is shutting down due to context cancellation", ctx.Err(), map[string]interface{}{
				"queue_name": queue,
			})
			if !ch.IsClosed() {
				_ = ch.Cancel(tag, false)
			}
			return true, nil

		case d, ok := <-deliveries:
			if !ok {
				m.logger.WarnWithContext(ctx, "delivery stream closed, re-establishing consumer", nil, map[string]interface{}{
					"queue_name": queue,
				})
				return false, nil
			}
			observeOperation(m.observer, "consume", queue, d.RoutingKey, time.Now(), nil, int64(len(d.Body)))
			callback(ctx, d)
		}
	}
}

// Close closes every cached channel and the connection.
func (m *TopologyManager) Close() error {
	return errors.Join(m.channels.closeAll(), m.conns.Close())
}
