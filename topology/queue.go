package topology

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
	"github.com/glimte/mmate-topology/metrics"
	"github.com/glimte/mmate-topology/readiness"
)

// MessageHandler handles one consumed message. Unless the consumer uses
// WithNoAck or WithManualAck, a nil return acknowledges the message and an
// error rejects it without requeueing.
type MessageHandler func(ctx context.Context, msg *Message) error

type consumer struct {
	handler MessageHandler
	options consumerOptions
	active  *readiness.Token[string]

	// origin is the consumer registered by StartConsumer when this one
	// was carried over by a rebuild
	origin *consumer

	sub *rabbitmq.Subscription // guarded by Queue.mu
}

// queueState is the per-session part of a Queue
type queueState struct {
	session  *session
	ready    *readiness.Token[struct{}]
	ch       rabbitmq.Channel
	consumer *consumer // guarded by Queue.mu
}

// Queue is a handle to a declared queue. It stays valid across rebuilds
// until Delete or Close.
type Queue struct {
	conn     *Connection
	name     string
	options  queueOptions
	prefetch atomic.Int32

	mu      sync.Mutex
	state   atomic.Pointer[queueState]
	invalid atomic.Bool
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) setup(st *queueState) {
	ch, err := openChannel(st.session, q.name)
	if err == nil {
		_, err = rabbitmq.DeclareQueue(ch, rabbitmq.QueueDeclaration{
			Name:       q.name,
			Durable:    q.options.durable,
			AutoDelete: q.options.autoDelete,
			Exclusive:  q.options.exclusive,
			Passive:    q.options.passive,
			Arguments:  q.options.arguments,
		})
		if err == nil {
			err = applyPrefetch(ch, q.name, int(q.prefetch.Load()))
		}
		if err != nil {
			_ = ch.Close()
		}
	}
	if err != nil {
		q.conn.setupFailed(metrics.KindQueue, q.name, err)
		if !rabbitmq.IsConnectionLost(err) {
			q.conn.forgetQueue(q)
		}
		st.ready.Fail(err)
		return
	}

	st.ch = ch
	st.ready.Resolve(struct{}{})
}

func applyPrefetch(ch rabbitmq.Channel, queue string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := ch.Qos(count, 0, false); err != nil {
		return &ChannelError{Op: "qos", Target: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// reset moves the queue onto a new session and restarts its consumer there
func (q *Queue) reset(sess *session) {
	q.mu.Lock()
	old := q.state.Load()
	if q.invalid.Load() || old.session == sess {
		q.mu.Unlock()
		return
	}
	next := &queueState{session: sess, ready: readiness.New[struct{}]()}
	if old.consumer != nil {
		origin := old.consumer.origin
		if origin == nil {
			origin = old.consumer
		}
		next.consumer = &consumer{
			handler: old.consumer.handler,
			options: old.consumer.options,
			active:  readiness.New[string](),
			origin:  origin,
		}
	}
	q.state.Store(next)
	q.mu.Unlock()

	go q.setup(next)
	if next.consumer != nil {
		go q.consume(next, next.consumer)
	}
}

func (q *Queue) channel(ctx context.Context) (rabbitmq.Channel, *session, error) {
	if q.invalid.Load() {
		return nil, nil, ErrInvalidated
	}
	st := q.state.Load()
	if _, err := st.ready.Wait(ctx); err != nil {
		return nil, st.session, err
	}
	return st.ch, st.session, nil
}

// Initialized waits until the queue has been asserted on the current session
func (q *Queue) Initialized(ctx context.Context) error {
	_, _, err := q.channel(ctx)
	return err
}

// Publish encodes content and sends it straight to the queue through the
// default exchange
func (q *Queue) Publish(ctx context.Context, content any, opts ...PublishOption) error {
	msg, err := NewMessage(content)
	if err != nil {
		return err
	}
	return q.Send(ctx, msg, opts...)
}

// Send sends a prepared message straight to the queue
func (q *Queue) Send(ctx context.Context, msg *Message, opts ...PublishOption) error {
	pub := msg.publishing()
	for _, opt := range opts {
		opt(&pub)
	}

	return q.conn.publish(ctx, q, rabbitmq.PublishMessage{
		RoutingKey: q.name,
		Message:    pub,
	}, func() channelSource {
		if current := q.conn.Queue(q.name); current != nil {
			return current
		}
		return nil
	})
}

// StartConsumer registers handler and starts consuming. Registration happens
// before returning; the call then waits until the broker accepted the
// consumer or ctx is done. A consumer that hits a lost connection stays
// registered and the call waits for the rebuild to start it again.
func (q *Queue) StartConsumer(ctx context.Context, handler MessageHandler, opts ...ConsumerOption) error {
	if q.invalid.Load() {
		return ErrInvalidated
	}
	var options consumerOptions
	for _, opt := range opts {
		opt(&options)
	}

	q.mu.Lock()
	st := q.state.Load()
	if st.consumer != nil {
		q.mu.Unlock()
		return &ConsumerConflictError{Kind: "queue", Name: q.name}
	}
	cons := &consumer{handler: handler, options: options, active: readiness.New[string]()}
	st.consumer = cons
	q.mu.Unlock()

	go q.consume(st, cons)

	_, err := cons.active.Wait(ctx)
	if err == nil || !rabbitmq.IsConnectionLost(err) {
		return err
	}

	q.conn.logger.Warn("consumer hit a lost connection, waiting for rebuild", "queue", q.name, "error", err)
	_, rebuildErr := q.conn.triggerRebuild(st.session, err).Wait(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	q.mu.Lock()
	current := q.state.Load()
	next := current.consumer
	if next == nil || next.origin != cons {
		// not carried over: the rebuild failed before reaching the queue,
		// or the consumer was stopped meanwhile
		if next == cons {
			current.consumer = nil
		}
		q.mu.Unlock()
		if rebuildErr != nil {
			return rebuildErr
		}
		return err
	}
	q.mu.Unlock()

	_, err = next.active.Wait(ctx)
	return err
}

func (q *Queue) consume(st *queueState, cons *consumer) {
	if _, err := st.ready.Wait(context.Background()); err != nil {
		q.consumerFailed(st, cons, err)
		return
	}

	sub, err := rabbitmq.Subscribe(context.Background(), st.ch, q.name, rabbitmq.SubscribeOptions{
		AutoAck:   cons.options.noAck,
		Exclusive: cons.options.exclusive,
		Arguments: cons.options.arguments,
	}, q.dispatch(cons), q.conn.logger)
	if err != nil {
		q.consumerFailed(st, cons, err)
		return
	}

	q.mu.Lock()
	cons.sub = sub
	q.mu.Unlock()

	q.conn.metrics.IncConsumers()
	go func() {
		<-sub.Done()
		q.conn.metrics.DecConsumers()
		if errors.Is(sub.Err(), rabbitmq.ErrConsumerCancelled) {
			q.conn.logger.Warn("consumer stream ended without cancel", "queue", q.name, "consumerTag", sub.ConsumerTag)
		}
	}()

	cons.active.Resolve(sub.ConsumerTag)
}

func (q *Queue) consumerFailed(st *queueState, cons *consumer, err error) {
	q.conn.setupFailed(metrics.KindConsumer, q.name, err)
	q.mu.Lock()
	if st.consumer == cons && !rabbitmq.IsConnectionLost(err) {
		st.consumer = nil
	}
	q.mu.Unlock()
	cons.active.Fail(err)
}

func (q *Queue) dispatch(cons *consumer) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) {
		autoAck := !cons.options.noAck && !cons.options.manualAck

		msg, err := messageFromDelivery(d)
		if err != nil {
			q.conn.logger.Warn("rejecting undecodable message", "queue", q.name, "error", err)
			if autoAck {
				_ = d.Reject(false)
				q.conn.metrics.RecordDelivery(q.name, metrics.OutcomeRejected)
			}
			return
		}

		if err := cons.handler(ctx, msg); err != nil {
			q.conn.logger.Error("message handler failed",
				"queue", q.name,
				"messageId", msg.MessageID,
				"error", err)
			if autoAck {
				_ = d.Nack(false, false)
				q.conn.metrics.RecordDelivery(q.name, metrics.OutcomeRejected)
			}
			return
		}

		if !autoAck {
			q.conn.metrics.RecordDelivery(q.name, metrics.OutcomeUnacked)
			return
		}
		if err := d.Ack(false); err != nil {
			q.conn.logger.Warn("failed to ack message", "queue", q.name, "error", err)
			return
		}
		q.conn.metrics.RecordDelivery(q.name, metrics.OutcomeAcked)
	}
}

// StopConsumer cancels the consumer. The cancel is issued even if ctx ends
// before the consumer finished starting.
func (q *Queue) StopConsumer(ctx context.Context) error {
	q.mu.Lock()
	st := q.state.Load()
	cons := st.consumer
	if cons == nil {
		q.mu.Unlock()
		return &ConsumerAbsentError{Kind: "queue", Name: q.name}
	}
	st.consumer = nil
	q.mu.Unlock()

	result := make(chan error, 1)
	cons.active.Then(func(tag string, err error) {
		if err != nil {
			// never started, nothing to cancel
			result <- nil
			return
		}
		q.mu.Lock()
		sub := cons.sub
		q.mu.Unlock()
		if err := sub.Cancel(); err != nil {
			result <- err
			return
		}
		q.conn.logger.Info("consumer stopped", "queue", q.name, "consumerTag", tag)
		result <- nil
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasConsumer reports whether a consumer is registered on the queue
func (q *Queue) HasConsumer() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Load().consumer != nil
}

// ConsumerReady waits for the consumer to be active and returns its tag
func (q *Queue) ConsumerReady(ctx context.Context) (string, error) {
	q.mu.Lock()
	cons := q.state.Load().consumer
	q.mu.Unlock()
	if cons == nil {
		return "", &ConsumerAbsentError{Kind: "queue", Name: q.name}
	}
	return cons.active.Wait(ctx)
}

// Prefetch limits unacknowledged deliveries per consumer. The limit is kept
// and applied again after a rebuild.
func (q *Queue) Prefetch(ctx context.Context, count int) error {
	q.prefetch.Store(int32(count))
	ch, _, err := q.channel(ctx)
	if err != nil {
		return err
	}
	return applyPrefetch(ch, q.name, count)
}

// Bind routes messages from source into this queue
func (q *Queue) Bind(source *Exchange, pattern string, args amqp.Table) *Binding {
	return q.conn.bind(source, QueueDestination(q), pattern, args)
}

// Unbind removes the binding from source into this queue
func (q *Queue) Unbind(ctx context.Context, source *Exchange, pattern string, args amqp.Table) error {
	return q.conn.unbind(ctx, source, QueueDestination(q), pattern, args)
}

// Delete stops an active consumer, removes the queue from the broker and
// invalidates the handle
func (q *Queue) Delete(ctx context.Context) error {
	if err := q.stopIfConsuming(ctx); err != nil {
		return err
	}
	ch, _, err := q.channel(ctx)
	if err != nil {
		return err
	}
	purged, err := rabbitmq.DeleteQueue(ch, q.name, false, false)
	if err != nil {
		return err
	}
	q.invalidate(ch)
	q.conn.logger.Info("queue deleted", "queue", q.name, "purged", purged)
	return nil
}

// Close stops an active consumer and releases the queue's channel and
// registry entry without deleting the queue from the broker
func (q *Queue) Close(ctx context.Context) error {
	if err := q.stopIfConsuming(ctx); err != nil {
		return err
	}
	ch, _, err := q.channel(ctx)
	if errors.Is(err, ErrInvalidated) {
		return err
	}
	q.invalidate(ch)
	return nil
}

func (q *Queue) stopIfConsuming(ctx context.Context) error {
	if q.invalid.Load() {
		return ErrInvalidated
	}
	var absent *ConsumerAbsentError
	if err := q.StopConsumer(ctx); err != nil && !errors.As(err, &absent) {
		return err
	}
	return nil
}

func (q *Queue) invalidate(ch rabbitmq.Channel) {
	q.invalid.Store(true)
	q.conn.forgetQueue(q)
	q.conn.forgetBindingsTouching(DestinationQueue, q.name)
	if ch != nil {
		_ = ch.Close()
	}
}
