package topology

import (
	"errors"
	"fmt"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
)

var (
	// ErrRetryExhausted marks a publish that failed again after the one retry
	// that follows a topology rebuild
	ErrRetryExhausted = errors.New("topology: publish retry exhausted")

	// ErrInvalidated is returned by every operation on a deleted or closed handle
	ErrInvalidated = errors.New("topology: handle invalidated")

	// ErrClosed is returned once the Connection has been closed
	ErrClosed = errors.New("topology: connection closed")

	// ErrNotDelivered is returned when acknowledging a message that did not
	// come from a consumer
	ErrNotDelivered = errors.New("topology: message was not delivered by a consumer")
)

// ConnectError is a transport connect failure after the reconnect policy gave up
type ConnectError = rabbitmq.ConnectionError

// ChannelError is a broker rejection of an assert, bind, unbind or delete
type ChannelError = rabbitmq.ChannelError

// PublishError is a publish that could not be delivered to the broker
type PublishError = rabbitmq.PublishError

// ConsumerConflictError is returned when a consumer is started on a queue or
// exchange that already has one
type ConsumerConflictError struct {
	Kind string // "queue" or "exchange"
	Name string
}

func (e *ConsumerConflictError) Error() string {
	return fmt.Sprintf("topology: %s %q already has a consumer", e.Kind, e.Name)
}

// ConsumerAbsentError is returned when stopping a consumer that was never started
type ConsumerAbsentError struct {
	Kind string
	Name string
}

func (e *ConsumerAbsentError) Error() string {
	return fmt.Sprintf("topology: %s %q has no consumer", e.Kind, e.Name)
}
