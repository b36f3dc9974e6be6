package topology

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
	"github.com/glimte/mmate-topology/metrics"
	"github.com/glimte/mmate-topology/readiness"
)

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
})

// ConsumerQueueName derives the private queue used to consume from an
// exchange. It is stable within one process and unique per process instance.
func ConsumerQueueName(exchange, application string) string {
	return exchange + "." + application + "." + hostname() + "." + strconv.Itoa(os.Getpid())
}

// exchangeState is the per-session part of an Exchange
type exchangeState struct {
	session *session
	ready   *readiness.Token[struct{}]
	ch      rabbitmq.Channel
}

// Exchange is a handle to a declared exchange. It stays valid across
// rebuilds until Delete or Close.
type Exchange struct {
	conn    *Connection
	name    string
	kind    string
	options exchangeOptions

	state   atomic.Pointer[exchangeState]
	invalid atomic.Bool
}

// Name returns the exchange name
func (e *Exchange) Name() string {
	return e.name
}

// Kind returns the exchange type, e.g. "topic"
func (e *Exchange) Kind() string {
	return e.kind
}

func (e *Exchange) setup(st *exchangeState) {
	ch, err := openChannel(st.session, e.name)
	if err == nil {
		err = rabbitmq.DeclareExchange(ch, rabbitmq.ExchangeDeclaration{
			Name:       e.name,
			Type:       e.kind,
			Durable:    e.options.durable,
			AutoDelete: e.options.autoDelete,
			Internal:   e.options.internal,
			Passive:    e.options.passive,
			Arguments:  e.options.arguments,
		})
		if err != nil {
			_ = ch.Close()
		}
	}
	if err != nil {
		e.conn.setupFailed(metrics.KindExchange, e.name, err)
		if !rabbitmq.IsConnectionLost(err) {
			e.conn.forgetExchange(e)
		}
		st.ready.Fail(err)
		return
	}

	st.ch = ch
	st.ready.Resolve(struct{}{})
}

// reset moves the exchange onto a new session
func (e *Exchange) reset(sess *session) {
	if e.invalid.Load() || e.state.Load().session == sess {
		return
	}
	st := &exchangeState{session: sess, ready: readiness.New[struct{}]()}
	e.state.Store(st)
	go e.setup(st)
}

func (e *Exchange) channel(ctx context.Context) (rabbitmq.Channel, *session, error) {
	if e.invalid.Load() {
		return nil, nil, ErrInvalidated
	}
	st := e.state.Load()
	if _, err := st.ready.Wait(ctx); err != nil {
		return nil, st.session, err
	}
	return st.ch, st.session, nil
}

// Initialized waits until the exchange has been asserted on the current session
func (e *Exchange) Initialized(ctx context.Context) error {
	_, _, err := e.channel(ctx)
	return err
}

// Publish encodes content and publishes it with routingKey.
// A publish that hits a dead channel is retried once after the topology has
// been rebuilt.
func (e *Exchange) Publish(ctx context.Context, content any, routingKey string, opts ...PublishOption) error {
	msg, err := NewMessage(content)
	if err != nil {
		return err
	}
	return e.Send(ctx, msg, routingKey, opts...)
}

// Send publishes a prepared message with routingKey
func (e *Exchange) Send(ctx context.Context, msg *Message, routingKey string, opts ...PublishOption) error {
	pub := msg.publishing()
	for _, opt := range opts {
		opt(&pub)
	}

	return e.conn.publish(ctx, e, rabbitmq.PublishMessage{
		Exchange:   e.name,
		RoutingKey: routingKey,
		Message:    pub,
	}, func() channelSource {
		if current := e.conn.Exchange(e.name); current != nil {
			return current
		}
		return nil
	})
}

// Bind routes messages from source into this exchange
func (e *Exchange) Bind(source *Exchange, pattern string, args amqp.Table) *Binding {
	return e.conn.bind(source, ExchangeDestination(e), pattern, args)
}

// Unbind removes the binding from source into this exchange
func (e *Exchange) Unbind(ctx context.Context, source *Exchange, pattern string, args amqp.Table) error {
	return e.conn.unbind(ctx, source, ExchangeDestination(e), pattern, args)
}

// StartConsumer consumes the exchange through a private queue bound to it.
// Topic exchanges are bound with "#", every other kind with the empty pattern.
func (e *Exchange) StartConsumer(ctx context.Context, handler MessageHandler, opts ...ConsumerOption) error {
	if e.invalid.Load() {
		return ErrInvalidated
	}

	name := ConsumerQueueName(e.name, e.conn.appName)
	q, created := e.conn.declareQueue(name, []QueueOption{QueueExclusive()})
	if !created {
		return &ConsumerConflictError{Kind: "exchange", Name: e.name}
	}

	pattern := ""
	if e.kind == amqp.ExchangeTopic {
		pattern = "#"
	}
	b := q.Bind(e, pattern, nil)

	err := b.Initialized(ctx)
	if rabbitmq.IsConnectionLost(err) {
		if _, err = e.conn.triggerRebuild(q.state.Load().session, err).Wait(ctx); err == nil {
			err = b.Initialized(ctx)
		}
	}
	if err == nil {
		err = q.StartConsumer(ctx, handler, opts...)
	}
	if err != nil && ctx.Err() == nil {
		e.conn.logger.Error("failed to start exchange consumer", "exchange", e.name, "queue", name, "error", err)
		e.conn.forgetBinding(b)
		e.conn.forgetQueue(q)
		go func() {
			_ = q.Delete(context.Background())
		}()
	}
	return err
}

// StopConsumer stops the exchange consumer and removes its private queue
func (e *Exchange) StopConsumer(ctx context.Context) error {
	name := ConsumerQueueName(e.name, e.conn.appName)
	q := e.conn.Queue(name)
	if q == nil {
		return &ConsumerAbsentError{Kind: "exchange", Name: e.name}
	}

	var errs []error
	if err := q.StopConsumer(ctx); err != nil {
		errs = append(errs, err)
	}
	if b := e.conn.Binding(BindingKey(e.name, DestinationQueue, name)); b != nil {
		if err := b.Delete(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := q.Delete(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Delete removes the exchange from the broker and invalidates the handle
func (e *Exchange) Delete(ctx context.Context) error {
	ch, _, err := e.channel(ctx)
	if err != nil {
		return err
	}
	if err := rabbitmq.DeleteExchange(ch, e.name, false); err != nil {
		return err
	}
	e.invalidate(ch)
	e.conn.logger.Info("exchange deleted", "exchange", e.name)
	return nil
}

// Close releases the exchange's channel and registry entry without deleting
// the exchange from the broker
func (e *Exchange) Close(ctx context.Context) error {
	ch, _, err := e.channel(ctx)
	if errors.Is(err, ErrInvalidated) {
		return err
	}
	e.invalidate(ch)
	return nil
}

func (e *Exchange) invalidate(ch rabbitmq.Channel) {
	e.invalid.Store(true)
	e.conn.forgetExchange(e)
	e.conn.forgetBindingsTouching(DestinationExchange, e.name)
	if ch != nil {
		_ = ch.Close()
	}
}
