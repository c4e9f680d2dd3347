package rabbit

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// declarePath declares exchange, then queue, then the binding between them,
// and returns the queue name the broker reports.
func declarePath(ch Channel, ex Exchange, q Queue, b Binding) (string, error) {
	if err := declareExchange(ch, ex); err != nil {
		return "", err
	}
	name, err := declareQueue(ch, q)
	if err != nil {
		return "", err
	}
	if err := bindQueue(ch, name, b); err != nil {
		return "", err
	}
	return name, nil
}

func declareExchange(ch Channel, ex Exchange) error {
	declare := ch.ExchangeDeclare
	op := "declare_exchange"
	if ex.Passive {
		declare = ch.ExchangeDeclarePassive
		op = "declare_exchange_passive"
	}
	err := declare(
		ex.Name,
		string(ex.Kind),
		ex.Durable,
		ex.AutoDelete,
		ex.Internal,
		false, // NoWait
		ex.Arguments,
	)
	if err != nil {
		return &TopologyError{Op: op, Resource: ex.Name, Err: TranslateError(err)}
	}
	return nil
}

func declareQueue(ch Channel, q Queue) (string, error) {
	declared, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // NoWait
		q.Arguments,
	)
	if err != nil {
		return "", &TopologyError{Op: "declare_queue", Resource: q.Name, Err: TranslateError(err)}
	}
	if declared.Name == "" {
		return q.Name, nil
	}
	return declared.Name, nil
}

func bindQueue(ch Channel, queue string, b Binding) error {
	err := ch.QueueBind(
		queue,
		b.RoutingKey,
		b.Exchange,
		false, // NoWait
		b.Arguments,
	)
	if err != nil {
		return &TopologyError{Op: "bind_queue", Resource: queue + "->" + b.Exchange, Err: TranslateError(err)}
	}
	return nil
}

// Ensure *amqp.Channel keeps satisfying Channel.
var _ Channel = (*amqp.Channel)(nil)
