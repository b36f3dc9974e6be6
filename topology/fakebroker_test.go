package topology

import (
	"context"
	"errors"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
)

// fakeBroker is an in-memory broker implementing the wire interfaces.
// Routing follows AMQP semantics closely enough for topology tests.
type fakeBroker struct {
	mu sync.Mutex

	exchanges map[string]string // name -> kind
	queues    map[string]*fakeQueue
	bindings  map[fakeBindingKey]bool
	conns     []*fakeConn

	dials        int
	dialFailures int   // fail this many dials before succeeding
	dialErr      error // fail every dial while set

	declareErrs map[string]error // fail declarations of these names
	deleteErrs  map[string]error // fail deletions of these names
	publishErr  error            // fail every publish while set

	nextTag uint64
	acks    map[uint64]string // delivery tag -> "ack", "nack" or "reject"
}

type fakeBindingKey struct {
	source      string
	destination string
	toExchange  bool
	key         string
}

type fakeQueue struct {
	name      string
	owner     *fakeConn // exclusive owner
	backlog   []amqp.Delivery
	consumers []*fakeConsumer
	next      int
}

type fakeConsumer struct {
	tag        string
	queue      string
	ch         *fakeChannel
	deliveries chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:   map[string]string{"": amqp.ExchangeDirect},
		queues:      make(map[string]*fakeQueue),
		bindings:    make(map[fakeBindingKey]bool),
		declareErrs: make(map[string]error),
		deleteErrs:  make(map[string]error),
		acks:        make(map[uint64]string),
	}
}

var _ rabbitmq.Dialer = (*fakeBroker)(nil)

func (b *fakeBroker) Dial(ctx context.Context, url string, config amqp.Config) (rabbitmq.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	if b.dialFailures > 0 {
		b.dialFailures--
		return nil, errors.New("connection refused")
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// drop kills every open connection with a connection-level error
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conns := append([]*fakeConn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

// killChannels closes every open channel without closing its connection
func (b *fakeBroker) killChannels() {
	b.mu.Lock()
	conns := append([]*fakeConn(nil), b.conns...)
	b.mu.Unlock()

	var channels []*fakeChannel
	for _, c := range conns {
		c.mu.Lock()
		channels = append(channels, c.channels...)
		c.mu.Unlock()
	}

	for _, ch := range channels {
		ch.shutdown()
	}
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) hasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

func (b *fakeBroker) hasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

func (b *fakeBroker) hasBinding(source, destination string, toExchange bool, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[fakeBindingKey{source, destination, toExchange, key}]
}

func (b *fakeBroker) consumerCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queue]; ok {
		return len(q.consumers)
	}
	return 0
}

func (b *fakeBroker) ackState(tag uint64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks[tag]
}

func (b *fakeBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func (b *fakeBroker) failDeclare(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareErrs[name] = err
}

func (b *fakeBroker) failDelete(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteErrs[name] = err
}

// Ack implements amqp.Acknowledger
func (b *fakeBroker) Ack(tag uint64, multiple bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag] = "ack"
	return nil
}

// Nack implements amqp.Acknowledger
func (b *fakeBroker) Nack(tag uint64, multiple, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag] = "nack"
	return nil
}

// Reject implements amqp.Acknowledger
func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[tag] = "reject"
	return nil
}

// route delivers a publishing; callers hold b.mu
func (b *fakeBroker) routeLocked(exchange, key string, msg amqp.Publishing) {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, exchange, key, msg)
		}
		return
	}

	seen := map[string]bool{}
	queues := map[string]bool{}
	b.collectLocked(exchange, key, seen, queues)
	for name := range queues {
		b.enqueueLocked(b.queues[name], exchange, key, msg)
	}
}

func (b *fakeBroker) collectLocked(exchange, key string, seen, queues map[string]bool) {
	if seen[exchange] {
		return
	}
	seen[exchange] = true
	kind := b.exchanges[exchange]

	for binding := range b.bindings {
		if binding.source != exchange || !routes(kind, binding.key, key) {
			continue
		}
		if binding.toExchange {
			b.collectLocked(binding.destination, key, seen, queues)
		} else if _, ok := b.queues[binding.destination]; ok {
			queues[binding.destination] = true
		}
	}
}

func (b *fakeBroker) enqueueLocked(q *fakeQueue, exchange, key string, msg amqp.Publishing) {
	b.nextTag++
	d := amqp.Delivery{
		Acknowledger:    b,
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		AppId:           msg.AppId,
		DeliveryTag:     b.nextTag,
		Exchange:        exchange,
		RoutingKey:      key,
		Body:            append([]byte(nil), msg.Body...),
	}

	if len(q.consumers) == 0 {
		q.backlog = append(q.backlog, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	d.ConsumerTag = c.tag
	c.deliveries <- d
}

func routes(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout, amqp.ExchangeHeaders:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}

// removeConsumerLocked detaches c and closes its delivery stream
func (b *fakeBroker) removeConsumerLocked(c *fakeConsumer) {
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			close(c.deliveries)
			return
		}
	}
}

func (b *fakeBroker) deleteQueueLocked(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	for _, c := range append([]*fakeConsumer(nil), q.consumers...) {
		b.removeConsumerLocked(c)
	}
	delete(b.queues, name)
	for binding := range b.bindings {
		if !binding.toExchange && binding.destination == name {
			delete(b.bindings, binding)
		}
	}
	return len(q.backlog)
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

var _ rabbitmq.Conn = (*fakeConn)(nil)

func (c *fakeConn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *fakeConn) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}

	b := c.broker
	b.mu.Lock()
	for i, conn := range b.conns {
		if conn == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	for name, q := range b.queues {
		if q.owner == c {
			b.deleteQueueLocked(name)
		}
	}
	b.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

type fakeChannel struct {
	conn   *fakeConn
	broker *fakeBroker

	mu     sync.Mutex
	closed bool
}

var _ rabbitmq.Channel = (*fakeChannel)(nil)

func (ch *fakeChannel) shutdown() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.mu.Unlock()

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		for _, c := range append([]*fakeConsumer(nil), q.consumers...) {
			if c.ch == ch {
				b.removeConsumerLocked(c)
			}
		}
	}
}

// fail mimics the broker closing a channel on a soft error
func (ch *fakeChannel) fail(code int, reason string) error {
	ch.shutdown()
	return &amqp.Error{Code: code, Reason: reason, Server: true}
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown()
	return nil
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	if err, ok := b.declareErrs[name]; ok {
		b.mu.Unlock()
		return err
	}
	existing, ok := b.exchanges[name]
	if ok && existing != kind {
		b.mu.Unlock()
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '"+name+"'")
	}
	b.exchanges[name] = kind
	b.mu.Unlock()
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	_, ok := b.exchanges[name]
	b.mu.Unlock()
	if !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '"+name+"'")
	}
	return nil
}

func (ch *fakeChannel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.deleteErrs[name]; ok {
		return err
	}
	delete(b.exchanges, name)
	for binding := range b.bindings {
		if binding.source == name || (binding.toExchange && binding.destination == name) {
			delete(b.bindings, binding)
		}
	}
	return nil
}

func (ch *fakeChannel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	return ch.bind(source, destination, true, key)
}

func (ch *fakeChannel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	return ch.unbind(source, destination, true, key)
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	if err, ok := b.declareErrs[name]; ok {
		b.mu.Unlock()
		return amqp.Queue{}, err
	}
	q, ok := b.queues[name]
	if ok && q.owner != nil && q.owner != ch.conn {
		b.mu.Unlock()
		return amqp.Queue{}, ch.fail(amqp.ResourceLocked, "RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '"+name+"'")
	}
	if !ok {
		q = &fakeQueue{name: name}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	result := amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return result, nil
}

func (ch *fakeChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[name]
	var result amqp.Queue
	if ok {
		result = amqp.Queue{Name: name, Messages: len(q.backlog), Consumers: len(q.consumers)}
	}
	b.mu.Unlock()
	if !ok {
		return amqp.Queue{}, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '"+name+"'")
	}
	return result, nil
}

func (ch *fakeChannel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if ch.IsClosed() {
		return 0, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.deleteErrs[name]; ok {
		return 0, err
	}
	return b.deleteQueueLocked(name), nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.bind(exchange, name, false, key)
}

func (ch *fakeChannel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	return ch.unbind(exchange, name, false, key)
}

func (ch *fakeChannel) bind(source, destination string, toExchange bool, key string) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	_, sourceOK := b.exchanges[source]
	var destOK bool
	if toExchange {
		_, destOK = b.exchanges[destination]
	} else {
		_, destOK = b.queues[destination]
	}
	if sourceOK && destOK {
		b.bindings[fakeBindingKey{source, destination, toExchange, key}] = true
	}
	b.mu.Unlock()

	if !sourceOK || !destOK {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange or queue for binding")
	}
	return nil
}

func (ch *fakeChannel) unbind(source, destination string, toExchange bool, key string) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.deleteErrs[source+"->"+destination]; ok {
		return err
	}
	delete(b.bindings, fakeBindingKey{source, destination, toExchange, key})
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.routeLocked(exchange, key, msg)
	return nil
}

func (ch *fakeChannel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '"+queue+"'")
	}
	c := &fakeConsumer{
		tag:        consumerTag,
		queue:      queue,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, 1024),
	}
	q.consumers = append(q.consumers, c)
	for _, d := range q.backlog {
		d.ConsumerTag = consumerTag
		c.deliveries <- d
	}
	q.backlog = nil
	b.mu.Unlock()
	return c.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumerTag string, noWait bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		for _, c := range append([]*fakeConsumer(nil), q.consumers...) {
			if c.tag == consumerTag && c.ch == ch {
				b.removeConsumerLocked(c)
			}
		}
	}
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}
