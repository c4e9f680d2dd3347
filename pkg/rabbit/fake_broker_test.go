package rabbit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for RabbitMQ. It keeps exchanges,
// queues and bindings, routes direct, fanout and topic publishes, emits
// basic.return for unroutable mandatory publishes, confirms every publish
// and dead-letters rejected messages according to the queue arguments.
type fakeBroker struct {
	mu sync.Mutex

	exchanges map[string]fakeExchange
	queues    map[string]*fakeQueue
	bindings  map[fakeBinding]struct{}

	dialErr       error
	dialDelay     time.Duration
	nackPublishes bool

	dials          int
	channelsOpened int
	qosCalls       int
	generated      int
	deliveryTag    uint64

	conns    []*fakeConnection
	pending  map[uint64]*pendingDelivery
	outcomes []Outcome
}

type fakeExchange struct {
	kind    string
	durable bool
}

type fakeQueue struct {
	name      string
	durable   bool
	args      amqp.Table
	backlog   []amqp.Delivery
	consumers []*fakeConsumer
	next      int
}

type fakeBinding struct {
	queue, exchange, key string
}

type fakeConsumer struct {
	tag string
	ch  *fakeChannel
	out chan amqp.Delivery
}

type pendingDelivery struct {
	queue string
	d     amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]fakeExchange),
		queues:    make(map[string]*fakeQueue),
		bindings:  make(map[fakeBinding]struct{}),
		pending:   make(map[uint64]*pendingDelivery),
	}
}

func (b *fakeBroker) dial(string, amqp.Config) (Connection, error) {
	b.mu.Lock()
	b.dials++
	delay, err := b.dialDelay, b.dialErr
	b.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	conn := &fakeConnection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) openedChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channelsOpened
}

func (b *fakeBroker) counts() (exchanges, queues, bindings int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.exchanges), len(b.queues), len(b.bindings)
}

func (b *fakeBroker) hasBinding(queue, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.bindings[fakeBinding{queue, exchange, key}]
	return ok
}

func (b *fakeBroker) queueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

func (b *fakeBroker) backlog(queue string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]amqp.Delivery, len(q.backlog))
	copy(out, q.backlog)
	return out
}

func (b *fakeBroker) settled() []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Outcome, len(b.outcomes))
	copy(out, b.outcomes)
	return out
}

// dropConnections simulates a network failure on every open connection.
func (b *fakeBroker) dropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "connection reset by test", Server: true})
	}
}

// route must be called with b.mu held.
func (b *fakeBroker) route(exchange, key string, msg amqp.Publishing) int {
	ex, ok := b.exchanges[exchange]
	if !ok {
		return 0
	}
	routed := 0
	for bnd := range b.bindings {
		if bnd.exchange != exchange || !matches(ex.kind, bnd.key, key) {
			continue
		}
		b.enqueue(bnd.queue, amqp.Delivery{
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			Exchange:      exchange,
			RoutingKey:    key,
			Body:          msg.Body,
		})
		routed++
	}
	return routed
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	case amqp.ExchangeDirect:
		return bindingKey == routingKey
	default:
		return false
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// enqueue must be called with b.mu held.
func (b *fakeBroker) enqueue(queue string, d amqp.Delivery) {
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	q.backlog = append(q.backlog, d)
	b.flush(q)
}

// flush hands backlog to consumers; must be called with b.mu held.
func (b *fakeBroker) flush(q *fakeQueue) {
	for len(q.backlog) > 0 && len(q.consumers) > 0 {
		c := q.consumers[q.next%len(q.consumers)]
		q.next++

		d := q.backlog[0]
		b.deliveryTag++
		d.DeliveryTag = b.deliveryTag
		d.ConsumerTag = c.tag
		d.Acknowledger = c.ch

		select {
		case c.out <- d:
			q.backlog = q.backlog[1:]
			b.pending[d.DeliveryTag] = &pendingDelivery{queue: q.name, d: d}
		default:
			return
		}
	}
}

// settle must be called with b.mu held.
func (b *fakeBroker) settle(tag uint64, outcome Outcome) error {
	p, ok := b.pending[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("unknown delivery tag %d", tag)}
	}
	delete(b.pending, tag)
	b.outcomes = append(b.outcomes, outcome)

	switch outcome {
	case OutcomeRequeue:
		d := p.d
		d.Redelivered = true
		d.Acknowledger = nil
		b.enqueue(p.queue, d)
	case OutcomeReject:
		q := b.queues[p.queue]
		if q == nil {
			return nil
		}
		dlx, _ := q.args[ArgDeadLetterExchange].(string)
		if dlx == "" {
			return nil
		}
		key, _ := q.args[ArgDeadLetterRoutingKey].(string)
		if key == "" {
			key = p.d.RoutingKey
		}
		b.route(dlx, key, amqp.Publishing{
			Headers:     p.d.Headers,
			ContentType: p.d.ContentType,
			MessageId:   p.d.MessageId,
			Body:        p.d.Body,
		})
	}
	return nil
}

type fakeConnection struct {
	broker   *fakeBroker
	closed   bool
	closers  []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	b.channelsOpened++
	ch := &fakeChannel{broker: b, conn: c, consumers: make(map[string]*fakeConsumer)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

func (c *fakeConnection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked(reason)
	}
	for _, l := range c.closers {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.closers = nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConnection

	closed     bool
	confirming bool
	published  uint64
	confirms   []chan amqp.Confirmation
	returns    []chan amqp.Return
	closers    []chan *amqp.Error
	consumers  map[string]*fakeConsumer
}

var (
	_ Channel           = (*fakeChannel)(nil)
	_ amqp.Acknowledger = (*fakeChannel)(nil)
)

// fail closes the channel the way a channel exception does. Must be called
// with the broker lock held.
func (ch *fakeChannel) fail(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked(err)
	return err
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.broker.qosCalls++
	return nil
}

func (ch *fakeChannel) Confirm(bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg for exchange '"+name+"'")
		}
		return nil
	}
	b.exchanges[name] = fakeExchange{kind: kind, durable: durable}
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '"+name+"'")
	}
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'durable' for queue '"+name+"'")
		}
		return amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = &fakeQueue{name: name, durable: durable, args: copyTable(args)}
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no queue '"+name+"'")
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '"+exchange+"'")
	}
	b.bindings[fakeBinding{name, exchange, key}] = struct{}{}
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '"+exchange+"'")
	}

	routed := b.route(exchange, key, msg)
	if routed == 0 && mandatory {
		for _, l := range ch.returns {
			select {
			case l <- amqp.Return{
				ReplyCode:   amqp.NoRoute,
				ReplyText:   "NO_ROUTE",
				Exchange:    exchange,
				RoutingKey:  key,
				MessageId:   msg.MessageId,
				ContentType: msg.ContentType,
				Body:        msg.Body,
			}:
			default:
			}
		}
	}

	if ch.confirming {
		ch.published++
		for _, l := range ch.confirms {
			select {
			case l <- amqp.Confirmation{DeliveryTag: ch.published, Ack: !b.nackPublishes}:
			default:
			}
		}
	}
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '"+queue+"'")
	}
	c := &fakeConsumer{tag: consumer, ch: ch, out: make(chan amqp.Delivery, 256)}
	ch.consumers[consumer] = c
	q.consumers = append(q.consumers, c)
	b.flush(q)
	return c.out, nil
}

func (ch *fakeChannel) Cancel(consumer string, _ bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.removeConsumerLocked(consumer)
	return nil
}

func (ch *fakeChannel) removeConsumerLocked(tag string) {
	c, ok := ch.consumers[tag]
	if !ok {
		return
	}
	delete(ch.consumers, tag)
	for _, q := range ch.broker.queues {
		for i, qc := range q.consumers {
			if qc == c {
				q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
				break
			}
		}
	}
	close(c.out)
}

func (ch *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

func (ch *fakeChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.returns = append(ch.returns, c)
	return c
}

func (ch *fakeChannel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.closers = append(ch.closers, c)
	return c
}

func (ch *fakeChannel) IsClosed() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// closeLocked releases unacked deliveries back to their queues, like the
// broker does when a channel goes away.
func (ch *fakeChannel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	for tag := range ch.consumers {
		ch.removeConsumerLocked(tag)
	}
	for tag, p := range ch.broker.pending {
		if p.d.Acknowledger == amqp.Acknowledger(ch) {
			delete(ch.broker.pending, tag)
			d := p.d
			d.Redelivered = true
			ch.broker.enqueue(p.queue, d)
		}
	}
	for _, l := range ch.confirms {
		close(l)
	}
	for _, l := range ch.returns {
		close(l)
	}
	for _, l := range ch.closers {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	ch.confirms, ch.returns, ch.closers = nil, nil, nil
}

func (ch *fakeChannel) Ack(tag uint64, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.broker.settle(tag, OutcomeAck)
}

func (ch *fakeChannel) Nack(tag uint64, _ bool, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if requeue {
		return ch.broker.settle(tag, OutcomeRequeue)
	}
	return ch.broker.settle(tag, OutcomeReject)
}

func (ch *fakeChannel) Reject(tag uint64, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if requeue {
		return ch.broker.settle(tag, OutcomeRequeue)
	}
	return ch.broker.settle(tag, OutcomeReject)
}
