package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// notifyBuffer is the capacity of the confirm and return listeners. The
// client library blocks its frame reader on full listeners.
const notifyBuffer = 16

// managedChannel is a cached channel in confirm mode. Publishes on it are
// serialized so each confirm can be matched to its delivery tag.
type managedChannel struct {
	Channel

	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	published uint64
}

func newManagedChannel(ch Channel) (*managedChannel, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", TranslateError(err))
	}
	return &managedChannel{
		Channel:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, notifyBuffer)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, notifyBuffer)),
	}, nil
}

// publish sends msg and waits for the broker confirm. A basic.return for the
// same MessageId yields ErrUnroutable; the client delivers returns before the
// confirm of the same publish.
func (mc *managedChannel) publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if err := mc.PublishWithContext(ctx, exchange, key, mandatory, false, msg); err != nil {
		return TranslateError(err)
	}
	mc.published++
	tag := mc.published

	returned := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case r, ok := <-mc.returns:
			if !ok {
				return ErrChannelClosed
			}
			if r.MessageId == msg.MessageId {
				returned = true
			}

		case c, ok := <-mc.confirms:
			if !ok {
				return ErrChannelClosed
			}
			if c.DeliveryTag < tag {
				// confirm of an earlier publish whose caller gave up
				continue
			}
			if !c.Ack {
				return ErrMessageNacked
			}
			if !returned {
				returned = mc.drainReturns(msg.MessageId)
			}
			if returned {
				return ErrUnroutable
			}
			return nil
		}
	}
}

func (mc *managedChannel) drainReturns(messageID string) bool {
	found := false
	for {
		select {
		case r, ok := <-mc.returns:
			if !ok {
				return found
			}
			if r.MessageId == messageID {
				found = true
			}
		default:
			return found
		}
	}
}

// channelCache keeps at most one live channel per key. QoS is applied once,
// when the channel is created.
type channelCache struct {
	conns *ConnectionManager

	mu       sync.Mutex
	channels map[string]*managedChannel
}

func newChannelCache(conns *ConnectionManager) *channelCache {
	return &channelCache{conns: conns, channels: make(map[string]*managedChannel)}
}

// get returns the cached channel for key, replacing it when closed.
func (c *channelCache) get(ctx context.Context, key string, qos *QoS) (*managedChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if mc, ok := c.channels[key]; ok {
		if !mc.IsClosed() {
			return mc, nil
		}
		delete(c.channels, key)
	}

	conn, err := c.conns.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", TranslateError(err))
	}

	if qos != nil && (qos.PrefetchCount > 0 || qos.PrefetchSize > 0) {
		if err := ch.Qos(qos.PrefetchCount, qos.PrefetchSize, qos.Global); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to set QoS: %w", TranslateError(err))
		}
	}

	mc, err := newManagedChannel(ch)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	c.channels[key] = mc
	return mc, nil
}

// invalidate forgets every channel; used after the connection was lost.
func (c *channelCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, mc := range c.channels {
		_ = mc.Close()
		delete(c.channels, key)
	}
}

func (c *channelCache) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, mc := range c.channels {
		if !mc.IsClosed() {
			if err := mc.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close channel %s: %w", key, err))
			}
		}
		delete(c.channels, key)
	}
	return errors.Join(errs...)
}

func (c *channelCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}
