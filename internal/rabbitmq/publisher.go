package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PublishMessage represents a message to be published
type PublishMessage struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
	Message    amqp.Publishing
}

// Publish sends msg on ch without waiting for a broker confirmation.
// A closed channel is reported as ErrChannelClosed so callers can tell a dead
// session from a rejected publish.
func Publish(ctx context.Context, ch Channel, msg PublishMessage) error {
	if ch == nil || ch.IsClosed() {
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Err:        ErrChannelClosed,
			Timestamp:  time.Now(),
		}
	}

	if err := ch.PublishWithContext(
		ctx,
		msg.Exchange,
		msg.RoutingKey,
		msg.Mandatory,
		msg.Immediate,
		msg.Message,
	); err != nil {
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}
