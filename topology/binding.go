package topology

import (
	"context"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
	"github.com/glimte/mmate-topology/metrics"
	"github.com/glimte/mmate-topology/readiness"
)

// DestinationKind tells whether a binding routes into a queue or an exchange
type DestinationKind int

const (
	DestinationQueue DestinationKind = iota
	DestinationExchange
)

func (k DestinationKind) String() string {
	switch k {
	case DestinationQueue:
		return "Queue"
	case DestinationExchange:
		return "Exchange"
	default:
		return "Unknown"
	}
}

// Destination is the receiving end of a binding: exactly one of a queue or
// an exchange
type Destination struct {
	kind     DestinationKind
	queue    *Queue
	exchange *Exchange
}

// QueueDestination routes into q
func QueueDestination(q *Queue) Destination {
	return Destination{kind: DestinationQueue, queue: q}
}

// ExchangeDestination routes into e
func ExchangeDestination(e *Exchange) Destination {
	return Destination{kind: DestinationExchange, exchange: e}
}

func (d Destination) Kind() DestinationKind {
	return d.kind
}

// Queue returns the destination queue, or nil for exchange destinations
func (d Destination) Queue() *Queue {
	return d.queue
}

// Exchange returns the destination exchange, or nil for queue destinations
func (d Destination) Exchange() *Exchange {
	return d.exchange
}

func (d Destination) Name() string {
	switch d.kind {
	case DestinationExchange:
		return d.exchange.Name()
	default:
		return d.queue.Name()
	}
}

func (d Destination) channel(ctx context.Context) (rabbitmq.Channel, *session, error) {
	switch d.kind {
	case DestinationExchange:
		return d.exchange.channel(ctx)
	default:
		return d.queue.channel(ctx)
	}
}

// BindingKey identifies a binding in the registry. The routing pattern is not
// part of the key, so a second binding between the same endpoints replaces
// the first.
func BindingKey(source string, kind DestinationKind, destination string) string {
	return "[" + source + "]to" + kind.String() + "[" + destination + "]"
}

// bindingState is the per-session part of a Binding
type bindingState struct {
	source      *Exchange
	destination Destination
	ready       *readiness.Token[struct{}]
}

// Binding is a handle to a routing rule from a source exchange into a queue
// or exchange
type Binding struct {
	conn       *Connection
	key        string
	sourceName string
	destKind   DestinationKind
	destName   string
	pattern    string
	args       amqp.Table

	state   atomic.Pointer[bindingState]
	invalid atomic.Bool
}

// Key returns the registry key
func (b *Binding) Key() string {
	return b.key
}

// Source returns the source exchange
func (b *Binding) Source() *Exchange {
	return b.state.Load().source
}

// Destination returns the receiving queue or exchange
func (b *Binding) Destination() Destination {
	return b.state.Load().destination
}

// Pattern returns the routing pattern
func (b *Binding) Pattern() string {
	return b.pattern
}

// Arguments returns the binding arguments
func (b *Binding) Arguments() amqp.Table {
	return b.args
}

func (b *Binding) declaration() rabbitmq.BindingDeclaration {
	return rabbitmq.BindingDeclaration{
		Source:      b.sourceName,
		Destination: b.destName,
		ToExchange:  b.destKind == DestinationExchange,
		RoutingKey:  b.pattern,
		Arguments:   b.args,
	}
}

// setup binds once both endpoints are ready. The bind is issued on the
// destination's channel.
func (b *Binding) setup(st *bindingState) {
	ctx := context.Background()

	err := st.source.Initialized(ctx)
	var ch rabbitmq.Channel
	if err == nil {
		ch, _, err = st.destination.channel(ctx)
	}
	if err == nil {
		err = rabbitmq.Bind(ch, b.declaration())
	}
	if err != nil {
		b.conn.setupFailed(metrics.KindBinding, b.key, err)
		if !rabbitmq.IsConnectionLost(err) {
			b.conn.forgetBinding(b)
		}
		st.ready.Fail(err)
		return
	}

	st.ready.Resolve(struct{}{})
}

// reset binds again between endpoints resolved on the rebuilt registries
func (b *Binding) reset(source *Exchange, destination Destination) {
	if b.invalid.Load() {
		return
	}
	st := &bindingState{source: source, destination: destination, ready: readiness.New[struct{}]()}
	b.state.Store(st)
	go b.setup(st)
}

// Initialized waits until the binding exists on the current session
func (b *Binding) Initialized(ctx context.Context) error {
	if b.invalid.Load() {
		return ErrInvalidated
	}
	_, err := b.state.Load().ready.Wait(ctx)
	return err
}

// Delete unbinds on the broker and removes the binding from the registry
func (b *Binding) Delete(ctx context.Context) error {
	if b.invalid.Load() {
		return ErrInvalidated
	}
	ch, _, err := b.state.Load().destination.channel(ctx)
	if err != nil {
		return err
	}
	if err := rabbitmq.Unbind(ch, b.declaration()); err != nil {
		return err
	}
	b.invalid.Store(true)
	b.conn.forgetBinding(b)
	b.conn.logger.Info("binding deleted", "binding", b.key, "pattern", b.pattern)
	return nil
}
