package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the topology layer drives.
// *amqp.Channel satisfies it without adaptation.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error

	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error

	IsClosed() bool
	Close() error
}

// Conn is one transport session with the broker
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens transport sessions
type Dialer interface {
	Dial(ctx context.Context, url string, config amqp.Config) (Conn, error)
}

// DialerFunc adapts a function to Dialer
type DialerFunc func(ctx context.Context, url string, config amqp.Config) (Conn, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string, config amqp.Config) (Conn, error) {
	return f(ctx, url, config)
}

// amqpConn adapts *amqp.Connection to Conn
type amqpConn struct {
	*amqp.Connection
}

// Channel implements Conn
func (c *amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// AMQPDialer dials real brokers through amqp091-go
type AMQPDialer struct {
	// Timeout bounds a single dial attempt; zero means 30 seconds
	Timeout time.Duration
}

// Dial implements Dialer. amqp.DialConfig does not take a context, so the
// dial runs in its own goroutine and a late connection is closed.
func (d AMQPDialer) Dial(ctx context.Context, url string, config amqp.Config) (Conn, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	resCh := make(chan result, 1)

	go func() {
		conn, err := amqp.DialConfig(url, config)
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		return &amqpConn{Connection: res.conn}, nil

	case <-connCtx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}
