package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. Acknowledgement is the handler's job.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// SubscribeOptions configures a consume stream
type SubscribeOptions struct {
	ConsumerTag string
	AutoAck     bool
	Exclusive   bool
	NoLocal     bool
	Arguments   amqp.Table
}

// Subscription is one active consume stream on a channel
type Subscription struct {
	Queue       string
	ConsumerTag string

	ch         Channel
	cancel     context.CancelFunc
	done       chan struct{}
	cancelOnce sync.Once
	cancelErr  error
	err        error // set before done is closed
	logger     *slog.Logger
}

// NewConsumerTag returns a unique consumer tag for queue
func NewConsumerTag(queue string) string {
	return queue + "-" + uuid.NewString()
}

// Subscribe starts consuming queue on ch and dispatches every delivery to
// handler from a dedicated goroutine until the stream ends or Cancel is called.
func Subscribe(ctx context.Context, ch Channel, queue string, opts SubscribeOptions, handler DeliveryHandler, logger *slog.Logger) (*Subscription, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tag := opts.ConsumerTag
	if tag == "" {
		tag = NewConsumerTag(queue)
	}

	deliveries, err := ch.Consume(
		queue,
		tag,
		opts.AutoAck,
		opts.Exclusive,
		opts.NoLocal,
		false, // no-wait
		opts.Arguments,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Queue:       queue,
		ConsumerTag: tag,
		ch:          ch,
		cancel:      cancel,
		done:        make(chan struct{}),
		logger:      logger,
	}

	go sub.processMessages(consumerCtx, deliveries, handler)

	logger.Info("subscribed to queue", "queue", queue, "consumerTag", tag)
	return sub, nil
}

// processMessages handles incoming deliveries
func (s *Subscription) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		close(s.done)
		s.logger.Info("consumer stopped", "queue", s.Queue, "consumerTag", s.ConsumerTag)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("delivery channel closed", "queue", s.Queue)
					s.err = ErrConsumerCancelled
				}
				return
			}
			handler(ctx, delivery)
		}
	}
}

// Cancel asks the broker to stop the consumer and ends the dispatch loop.
// Deliveries already handed to the handler finish normally.
func (s *Subscription) Cancel() error {
	s.cancelOnce.Do(func() {
		if err := s.ch.Cancel(s.ConsumerTag, false); err != nil {
			s.cancelErr = &ConsumerError{
				Queue:       s.Queue,
				ConsumerTag: s.ConsumerTag,
				Op:          "cancel",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
		s.cancel()
	})
	return s.cancelErr
}

// Done is closed once the dispatch loop has exited
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the dispatch loop exited: ErrConsumerCancelled when the
// delivery stream was closed without Cancel, nil otherwise. It is only
// meaningful after Done is closed.
func (s *Subscription) Err() error {
	return s.err
}
