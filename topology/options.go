package topology

import (
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
	"github.com/glimte/mmate-topology/internal/reliability"
	"github.com/glimte/mmate-topology/metrics"
)

// ReconnectPolicy bounds connect-with-retry. Retries counts the attempts
// after the first one, so Retries of 2 dials at most three times; 0 retries
// forever. When MaxInterval is larger than Interval the delay doubles after every
// failed attempt up to MaxInterval; otherwise it stays at Interval.
type ReconnectPolicy struct {
	Retries     int
	Interval    time.Duration
	MaxInterval time.Duration
}

func (p ReconnectPolicy) retryPolicy() reliability.RetryPolicy {
	attempts := 0
	if p.Retries > 0 {
		attempts = p.Retries + 1
	}
	if p.MaxInterval > p.Interval {
		return reliability.NewExponentialBackoff(p.Interval, p.MaxInterval, 2, attempts)
	}
	return reliability.NewFixedDelay(p.Interval, attempts)
}

// DefaultReconnectPolicy retries forever every five seconds
var DefaultReconnectPolicy = ReconnectPolicy{Retries: 0, Interval: 5 * time.Second}

// Option configures a Connection
type Option func(*Connection)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithReconnectPolicy sets how often and how long connecting is retried
func WithReconnectPolicy(policy ReconnectPolicy) Option {
	return func(c *Connection) {
		c.policy = policy
	}
}

// WithDialer replaces the amqp091 dialer, mostly for tests
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(c *Connection) {
		c.dialer = dialer
	}
}

// WithDialTimeout bounds a single dial attempt of the default dialer
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		c.dialTimeout = timeout
	}
}

// WithConfig sets socket and transport options passed to every dial
func WithConfig(config amqp.Config) Option {
	return func(c *Connection) {
		c.config = config
	}
}

// WithApplicationName sets the identity used in exchange consumer queue names
func WithApplicationName(name string) Option {
	return func(c *Connection) {
		c.appName = name
	}
}

// WithMetrics records connection and message metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Connection) {
		c.metrics = m
	}
}

// WithoutInterruptHandler disables closing the transport on SIGINT/SIGTERM
func WithoutInterruptHandler() Option {
	return func(c *Connection) {
		c.hook = nil
	}
}

// WithStateListener registers a listener before connecting starts
func WithStateListener(listener StateListener) Option {
	return func(c *Connection) {
		c.listeners = append(c.listeners, listener)
	}
}

type exchangeOptions struct {
	durable    bool
	autoDelete bool
	internal   bool
	passive    bool
	arguments  amqp.Table
}

// ExchangeOption configures an exchange declaration
type ExchangeOption func(*exchangeOptions)

// ExchangeDurable makes the exchange survive broker restarts
func ExchangeDurable() ExchangeOption {
	return func(o *exchangeOptions) { o.durable = true }
}

// ExchangeAutoDelete deletes the exchange once its last binding is removed
func ExchangeAutoDelete() ExchangeOption {
	return func(o *exchangeOptions) { o.autoDelete = true }
}

// ExchangeInternal rejects direct publishes from clients
func ExchangeInternal() ExchangeOption {
	return func(o *exchangeOptions) { o.internal = true }
}

// ExchangePassive only checks that the exchange exists
func ExchangePassive() ExchangeOption {
	return func(o *exchangeOptions) { o.passive = true }
}

// ExchangeArguments sets broker specific declaration arguments
func ExchangeArguments(args amqp.Table) ExchangeOption {
	return func(o *exchangeOptions) { o.arguments = args }
}

type queueOptions struct {
	durable    bool
	autoDelete bool
	exclusive  bool
	passive    bool
	arguments  amqp.Table
}

// QueueOption configures a queue declaration
type QueueOption func(*queueOptions)

// QueueDurable makes the queue survive broker restarts
func QueueDurable() QueueOption {
	return func(o *queueOptions) { o.durable = true }
}

// QueueAutoDelete deletes the queue once its last consumer is cancelled
func QueueAutoDelete() QueueOption {
	return func(o *queueOptions) { o.autoDelete = true }
}

// QueueExclusive restricts the queue to this transport session
func QueueExclusive() QueueOption {
	return func(o *queueOptions) { o.exclusive = true }
}

// QueuePassive only checks that the queue exists
func QueuePassive() QueueOption {
	return func(o *queueOptions) { o.passive = true }
}

// QueueArguments sets broker specific declaration arguments, e.g. x-message-ttl
func QueueArguments(args amqp.Table) QueueOption {
	return func(o *queueOptions) { o.arguments = args }
}

type consumerOptions struct {
	noAck     bool
	manualAck bool
	exclusive bool
	arguments amqp.Table
}

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerOptions)

// WithNoAck lets the broker consider deliveries acknowledged on send
func WithNoAck() ConsumerOption {
	return func(o *consumerOptions) { o.noAck = true }
}

// WithManualAck leaves acknowledgement to the handler through Message.Ack,
// Message.Nack or Message.Reject
func WithManualAck() ConsumerOption {
	return func(o *consumerOptions) { o.manualAck = true }
}

// WithExclusiveConsumer asks the broker for sole access to the queue
func WithExclusiveConsumer() ConsumerOption {
	return func(o *consumerOptions) { o.exclusive = true }
}

// WithConsumerArguments sets broker specific consume arguments
func WithConsumerArguments(args amqp.Table) ConsumerOption {
	return func(o *consumerOptions) { o.arguments = args }
}

// PublishOption adjusts the publishing properties of one message
type PublishOption func(*amqp.Publishing)

// WithPersistent marks the message for disk persistence
func WithPersistent() PublishOption {
	return func(p *amqp.Publishing) { p.DeliveryMode = amqp.Persistent }
}

// WithHeaders sets application headers
func WithHeaders(headers amqp.Table) PublishOption {
	return func(p *amqp.Publishing) { p.Headers = headers }
}

// WithMessageID sets the message id
func WithMessageID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.MessageId = id }
}

// WithCorrelationID sets the correlation id
func WithCorrelationID(id string) PublishOption {
	return func(p *amqp.Publishing) { p.CorrelationId = id }
}

// WithReplyTo sets the reply-to address
func WithReplyTo(replyTo string) PublishOption {
	return func(p *amqp.Publishing) { p.ReplyTo = replyTo }
}

// WithExpiration sets the per-message TTL
func WithExpiration(ttl time.Duration) PublishOption {
	return func(p *amqp.Publishing) { p.Expiration = formatMillis(ttl) }
}

// WithPriority sets the message priority
func WithPriority(priority uint8) PublishOption {
	return func(p *amqp.Publishing) { p.Priority = priority }
}

// WithType sets the message type property
func WithType(messageType string) PublishOption {
	return func(p *amqp.Publishing) { p.Type = messageType }
}
