package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrMaxRetriesExceeded = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a broker rejection of a channel operation
type ChannelError struct {
	Op        string    // Operation that failed, e.g. "assert exchange"
	Target    string    // Exchange, queue or binding the operation addressed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// IsConnectionLost reports whether err means the channel or its connection
// is gone, as opposed to the broker rejecting one request.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrConnectionClosed) {
		return true
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ChannelError, amqp.ConnectionForced, amqp.FrameError,
			amqp.UnexpectedFrame, amqp.InternalError:
			return true
		}
	}
	return false
}

// SanitizeURL removes the password from a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
