package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Passive    bool
	Arguments  amqp.Table
}

// BindingDeclaration routes messages from Source to Destination.
// ToExchange selects exchange-to-exchange binding.
type BindingDeclaration struct {
	Source      string
	Destination string
	ToExchange  bool
	RoutingKey  string
	Arguments   amqp.Table
}

// DeclareExchange asserts an exchange on the given channel
func DeclareExchange(ch Channel, exchange ExchangeDeclaration) error {
	declare := ch.ExchangeDeclare
	if exchange.Passive {
		declare = ch.ExchangeDeclarePassive
	}
	err := declare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		exchange.Internal,
		false, // no-wait
		exchange.Arguments,
	)
	if err != nil {
		return channelError("assert exchange", exchange.Name, err)
	}
	return nil
}

// DeclareQueue asserts a queue on the given channel
func DeclareQueue(ch Channel, queue QueueDeclaration) (amqp.Queue, error) {
	declare := ch.QueueDeclare
	if queue.Passive {
		declare = ch.QueueDeclarePassive
	}
	q, err := declare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, channelError("assert queue", queue.Name, err)
	}
	return q, nil
}

// Bind creates the binding on the destination's channel
func Bind(ch Channel, binding BindingDeclaration) error {
	var err error
	if binding.ToExchange {
		err = ch.ExchangeBind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments)
	} else {
		err = ch.QueueBind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments)
	}
	if err != nil {
		return channelError("bind", binding.Source+"->"+binding.Destination, err)
	}
	return nil
}

// Unbind removes the binding on the destination's channel
func Unbind(ch Channel, binding BindingDeclaration) error {
	var err error
	if binding.ToExchange {
		err = ch.ExchangeUnbind(binding.Destination, binding.RoutingKey, binding.Source, false, binding.Arguments)
	} else {
		err = ch.QueueUnbind(binding.Destination, binding.RoutingKey, binding.Source, binding.Arguments)
	}
	if err != nil {
		return channelError("unbind", binding.Source+"->"+binding.Destination, err)
	}
	return nil
}

// DeleteExchange deletes an exchange
func DeleteExchange(ch Channel, name string, ifUnused bool) error {
	if err := ch.ExchangeDelete(name, ifUnused, false); err != nil {
		return channelError("delete exchange", name, err)
	}
	return nil
}

// DeleteQueue deletes a queue and returns the number of purged messages
func DeleteQueue(ch Channel, name string, ifUnused, ifEmpty bool) (int, error) {
	n, err := ch.QueueDelete(name, ifUnused, ifEmpty, false)
	if err != nil {
		return n, channelError("delete queue", name, err)
	}
	return n, nil
}

func channelError(op, target string, err error) error {
	return &ChannelError{
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
	}
}
