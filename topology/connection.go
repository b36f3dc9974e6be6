package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-topology/internal/rabbitmq"
	"github.com/glimte/mmate-topology/internal/reliability"
	"github.com/glimte/mmate-topology/metrics"
	"github.com/glimte/mmate-topology/readiness"
)

// StateListener receives connection state change notifications.
// Methods are called from their own goroutines.
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// session is one transport session. conn is written under Connection.mu
// before ready resolves and never changes afterwards.
type session struct {
	generation int64
	ready      *readiness.Token[struct{}]
	conn       rabbitmq.Conn
}

// Connection owns the broker transport and the registries of every declared
// exchange, queue and binding. When the transport fails it reconnects and
// replays the registered topology, including consumers, behind the handles
// callers already hold.
type Connection struct {
	url         string
	config      amqp.Config
	policy      ReconnectPolicy
	dialer      rabbitmq.Dialer
	dialTimeout time.Duration
	appName     string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	hook        *rabbitmq.InterruptHook

	// ctx is cancelled by Close and aborts pending connect attempts
	ctx    context.Context
	cancel context.CancelFunc

	session atomic.Pointer[session]

	mu        sync.Mutex
	exchanges map[string]*Exchange
	queues    map[string]*Queue
	bindings  map[string]*Binding
	rebuild   *readiness.Token[struct{}]
	closing   bool

	listenersMu sync.RWMutex
	listeners   []StateListener
}

// Connect starts connecting to url in the background and returns at once.
// Use Ready or WaitReady to learn the outcome.
func Connect(url string, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		url:       url,
		policy:    DefaultReconnectPolicy,
		appName:   filepath.Base(os.Args[0]),
		logger:    slog.Default(),
		hook:      rabbitmq.NewInterruptHook(),
		ctx:       ctx,
		cancel:    cancel,
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
		bindings:  make(map[string]*Binding),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.dialer == nil {
		c.dialer = rabbitmq.AMQPDialer{Timeout: c.dialTimeout}
	}

	sess := &session{generation: 1, ready: readiness.New[struct{}]()}
	c.session.Store(sess)
	go c.connect(sess)

	return c
}

// connect runs connect-with-retry for sess and settles sess.ready
func (c *Connection) connect(sess *session) {
	url := rabbitmq.SanitizeURL(c.url)
	policy := c.policy.retryPolicy()

	var conn rabbitmq.Conn
	attempts, err := reliability.Retry(c.ctx, policy, func(attempt int) error {
		if attempt > 1 || sess.generation > 1 {
			c.notifyReconnecting(attempt)
		}
		var dialErr error
		conn, dialErr = c.dialer.Dial(c.ctx, c.url, c.config)
		c.metrics.RecordConnectAttempt(dialErr)
		return dialErr
	}, func(attempt int, err error, retrying bool, delay time.Duration) {
		c.logger.Warn("connect attempt failed",
			"url", url,
			"attempt", attempt,
			"retrying", retrying,
			"nextRetryIn", delay,
			"error", err)
	})
	if err != nil {
		if c.ctx.Err() != nil {
			sess.ready.Fail(ErrClosed)
			return
		}
		connErr := &ConnectError{
			Op:        "connect",
			URL:       url,
			Err:       fmt.Errorf("%w: %w", rabbitmq.ErrMaxRetriesExceeded, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
		c.logger.Error("giving up connecting", "url", url, "attempts", attempts, "error", err)
		sess.ready.Fail(connErr)
		c.notifyDisconnected(connErr)
		return
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		sess.ready.Fail(ErrClosed)
		return
	}
	sess.conn = conn
	c.mu.Unlock()

	if c.hook != nil {
		c.hook.Install(func() {
			c.logger.Info("interrupt received, closing connection", "url", url)
			if err := c.Close(context.Background()); err != nil {
				c.logger.Error("failed to close connection on interrupt", "error", err)
			}
		})
	}

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(sess, notify)

	c.metrics.SetConnected(true)
	c.logger.Info("connected to broker",
		"url", url,
		"attempts", attempts,
		"generation", sess.generation)
	sess.ready.Resolve(struct{}{})
	c.notifyConnected()
}

// watch waits for the session's transport to close. A close carrying an
// error starts a rebuild; a graceful close does not.
func (c *Connection) watch(sess *session, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if c.session.Load() == sess {
		c.metrics.SetConnected(false)
	}

	if !ok || amqpErr == nil {
		c.logger.Info("connection closed", "generation", sess.generation)
		c.notifyDisconnected(nil)
		return
	}

	c.logger.Error("connection lost", "generation", sess.generation, "error", amqpErr)
	c.notifyDisconnected(amqpErr)
	c.triggerRebuild(sess, amqpErr)
}

// triggerRebuild replaces the failed session and replays the topology on a
// new one. Triggers for a session that was already replaced share the result
// of the rebuild in progress instead of starting another.
func (c *Connection) triggerRebuild(failed *session, cause error) *readiness.Token[struct{}] {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return readiness.Failed[struct{}](ErrClosed)
	}

	current := c.session.Load()
	if current != failed {
		// a session that never came up is replaced on the next trigger
		if !current.ready.Settled() || current.ready.Err() == nil {
			rebuild := c.rebuild
			c.mu.Unlock()
			if rebuild == nil {
				return current.ready
			}
			return rebuild
		}
		failed = current
	}

	next := &session{generation: failed.generation + 1, ready: readiness.New[struct{}]()}
	rebuild := readiness.New[struct{}]()
	c.session.Store(next)
	c.rebuild = rebuild
	c.mu.Unlock()

	go c.runRebuild(failed, next, rebuild, cause)
	return rebuild
}

func (c *Connection) runRebuild(old, next *session, done *readiness.Token[struct{}], cause error) {
	started := time.Now()
	c.logger.Warn("rebuilding topology", "generation", next.generation, "cause", cause)

	c.mu.Lock()
	oldConn := old.conn
	c.mu.Unlock()
	if oldConn != nil && !oldConn.IsClosed() {
		_ = oldConn.Close()
	}

	c.connect(next)
	if err := next.ready.Err(); err != nil {
		c.finishRebuild(done, next, err, started)
		return
	}

	exchanges, queues, bindings := c.snapshot()
	for _, e := range exchanges {
		e.reset(next)
	}
	for _, q := range queues {
		q.reset(next)
	}
	for _, b := range bindings {
		source, destination, ok := c.resolveBinding(b)
		if !ok {
			c.logger.Warn("dropping binding whose endpoints are gone", "binding", b.Key())
			c.forgetBinding(b)
			continue
		}
		b.reset(source, destination)
	}

	c.finishRebuild(done, next, c.CompleteConfiguration(context.Background()), started)
}

func (c *Connection) finishRebuild(done *readiness.Token[struct{}], next *session, err error, started time.Time) {
	elapsed := time.Since(started)
	c.metrics.RecordRebuild(err, elapsed.Seconds())
	if err != nil {
		c.logger.Error("topology rebuild failed",
			"generation", next.generation,
			"duration", elapsed,
			"error", err)
		done.Fail(fmt.Errorf("rebuild topology: %w", err))
		return
	}
	c.logger.Info("topology rebuilt", "generation", next.generation, "duration", elapsed)
	done.Resolve(struct{}{})
}

// publish sends msg on target's channel. When the channel turns out to be
// dead it rebuilds the topology, resolves the target again by name and
// retries exactly once.
func (c *Connection) publish(ctx context.Context, target channelSource, msg rabbitmq.PublishMessage, resolve func() channelSource) error {
	ch, sess, err := target.channel(ctx)
	if err != nil {
		return err
	}

	err = rabbitmq.Publish(ctx, ch, msg)
	if err == nil || !rabbitmq.IsConnectionLost(err) {
		c.metrics.RecordPublish(msg.Exchange, err)
		return err
	}

	c.logger.Warn("publish hit a dead channel, rebuilding",
		"exchange", msg.Exchange,
		"routingKey", msg.RoutingKey,
		"error", err)
	if _, rebuildErr := c.triggerRebuild(sess, err).Wait(ctx); rebuildErr != nil {
		c.metrics.RecordPublish(msg.Exchange, rebuildErr)
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Err:        rebuildErr,
			Timestamp:  time.Now(),
		}
	}

	c.metrics.IncPublishRetry()
	current := resolve()
	if current == nil {
		err = ErrInvalidated
	} else if ch, _, err = current.channel(ctx); err == nil {
		err = rabbitmq.Publish(ctx, ch, msg)
	}
	c.metrics.RecordPublish(msg.Exchange, err)
	if err != nil {
		return &PublishError{
			Exchange:   msg.Exchange,
			RoutingKey: msg.RoutingKey,
			Err:        fmt.Errorf("%w: %w", ErrRetryExhausted, err),
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Ready returns the readiness token of the current transport session
func (c *Connection) Ready() *readiness.Token[struct{}] {
	return c.session.Load().ready
}

// WaitReady blocks until the current transport session is up or has failed
// permanently. ctx only bounds the wait.
func (c *Connection) WaitReady(ctx context.Context) error {
	_, err := c.Ready().Wait(ctx)
	return err
}

// IsConnected reports whether a transport session is currently open
func (c *Connection) IsConnected() bool {
	sess := c.session.Load()
	c.mu.Lock()
	conn, closing := sess.conn, c.closing
	c.mu.Unlock()
	return !closing && conn != nil && !conn.IsClosed()
}

// Generation counts transport sessions; it increments on every rebuild
func (c *Connection) Generation() int64 {
	return c.session.Load().generation
}

// InterruptHandlerInstalled reports whether an interrupt or SIGTERM
// currently closes the connection
func (c *Connection) InterruptHandlerInstalled() bool {
	return c.hook != nil && c.hook.Installed()
}

// ApplicationName is the identity used in exchange consumer queue names
func (c *Connection) ApplicationName() string {
	return c.appName
}

// Close stops reconnecting, waits for the current session to settle and
// closes the transport. Closing twice is a no-op.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()
	c.cancel()

	sess := c.session.Load()
	if _, err := sess.ready.Wait(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if c.hook != nil {
		c.hook.Uninstall()
	}

	c.mu.Lock()
	conn := sess.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.metrics.SetConnected(false)
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectError{
			Op:        "close",
			URL:       rabbitmq.SanitizeURL(c.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	c.logger.Info("connection closed by caller", "url", rabbitmq.SanitizeURL(c.url))
	return nil
}

// DeclareExchange registers an exchange and asserts it asynchronously.
// Declaring a name that is already registered returns the existing handle.
func (c *Connection) DeclareExchange(name, kind string, opts ...ExchangeOption) *Exchange {
	var options exchangeOptions
	for _, opt := range opts {
		opt(&options)
	}

	c.mu.Lock()
	if e, ok := c.exchanges[name]; ok {
		c.mu.Unlock()
		return e
	}
	e := &Exchange{conn: c, name: name, kind: kind, options: options}
	st := &exchangeState{session: c.session.Load(), ready: readiness.New[struct{}]()}
	e.state.Store(st)
	if c.closing {
		c.mu.Unlock()
		e.invalid.Store(true)
		st.ready.Fail(ErrClosed)
		return e
	}
	c.exchanges[name] = e
	c.mu.Unlock()

	c.recordDeclared()
	go e.setup(st)
	return e
}

// DeclareQueue registers a queue and asserts it asynchronously.
// Declaring a name that is already registered returns the existing handle.
func (c *Connection) DeclareQueue(name string, opts ...QueueOption) *Queue {
	q, _ := c.declareQueue(name, opts)
	return q
}

// declareQueue reports whether a new queue was registered
func (c *Connection) declareQueue(name string, opts []QueueOption) (*Queue, bool) {
	var options queueOptions
	for _, opt := range opts {
		opt(&options)
	}

	c.mu.Lock()
	if q, ok := c.queues[name]; ok {
		c.mu.Unlock()
		return q, false
	}
	q := &Queue{conn: c, name: name, options: options}
	st := &queueState{session: c.session.Load(), ready: readiness.New[struct{}]()}
	q.state.Store(st)
	if c.closing {
		c.mu.Unlock()
		q.invalid.Store(true)
		st.ready.Fail(ErrClosed)
		return q, false
	}
	c.queues[name] = q
	c.mu.Unlock()

	c.recordDeclared()
	go q.setup(st)
	return q, true
}

// bind registers a binding under its key, replacing any earlier binding
// with the same key, and binds asynchronously
func (c *Connection) bind(source *Exchange, destination Destination, pattern string, args amqp.Table) *Binding {
	b := &Binding{
		conn:       c,
		key:        BindingKey(source.Name(), destination.Kind(), destination.Name()),
		sourceName: source.Name(),
		destKind:   destination.Kind(),
		destName:   destination.Name(),
		pattern:    pattern,
		args:       args,
	}
	st := &bindingState{source: source, destination: destination, ready: readiness.New[struct{}]()}
	b.state.Store(st)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		b.invalid.Store(true)
		st.ready.Fail(ErrClosed)
		return b
	}
	if prev, ok := c.bindings[b.key]; ok {
		c.logger.Debug("replacing binding", "binding", b.key, "previousPattern", prev.pattern, "pattern", pattern)
	}
	c.bindings[b.key] = b
	c.mu.Unlock()

	c.recordDeclared()
	go b.setup(st)
	return b
}

// unbind deletes the registered binding between source and destination.
// Without a registered binding it asks the broker to remove pattern directly.
func (c *Connection) unbind(ctx context.Context, source *Exchange, destination Destination, pattern string, args amqp.Table) error {
	if b := c.Binding(BindingKey(source.Name(), destination.Kind(), destination.Name())); b != nil {
		return b.Delete(ctx)
	}

	ch, _, err := destination.channel(ctx)
	if err != nil {
		return err
	}
	return rabbitmq.Unbind(ch, rabbitmq.BindingDeclaration{
		Source:      source.Name(),
		Destination: destination.Name(),
		ToExchange:  destination.Kind() == DestinationExchange,
		RoutingKey:  pattern,
		Arguments:   args,
	})
}

func (c *Connection) snapshot() ([]*Exchange, []*Queue, []*Binding) {
	c.mu.Lock()
	defer c.mu.Unlock()

	exchanges := make([]*Exchange, 0, len(c.exchanges))
	for _, e := range c.exchanges {
		exchanges = append(exchanges, e)
	}
	queues := make([]*Queue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	bindings := make([]*Binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		bindings = append(bindings, b)
	}
	return exchanges, queues, bindings
}

// resolveBinding looks up a binding's endpoints by name in the rebuilt registries
func (c *Connection) resolveBinding(b *Binding) (*Exchange, Destination, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	source, ok := c.exchanges[b.sourceName]
	if !ok {
		return nil, Destination{}, false
	}
	switch b.destKind {
	case DestinationQueue:
		if q, ok := c.queues[b.destName]; ok {
			return source, QueueDestination(q), true
		}
	case DestinationExchange:
		if e, ok := c.exchanges[b.destName]; ok {
			return source, ExchangeDestination(e), true
		}
	}
	return nil, Destination{}, false
}

func (c *Connection) forgetExchange(e *Exchange) {
	c.mu.Lock()
	if c.exchanges[e.name] == e {
		delete(c.exchanges, e.name)
	}
	c.mu.Unlock()
	c.recordDeclared()
}

func (c *Connection) forgetQueue(q *Queue) {
	c.mu.Lock()
	if c.queues[q.name] == q {
		delete(c.queues, q.name)
	}
	c.mu.Unlock()
	c.recordDeclared()
}

func (c *Connection) forgetBinding(b *Binding) {
	c.mu.Lock()
	if c.bindings[b.key] == b {
		delete(c.bindings, b.key)
	}
	c.mu.Unlock()
	c.recordDeclared()
}

// forgetBindingsTouching drops every binding the broker removed along with a
// deleted queue or exchange
func (c *Connection) forgetBindingsTouching(kind DestinationKind, name string) {
	c.mu.Lock()
	var dropped []*Binding
	for key, b := range c.bindings {
		if (b.destKind == kind && b.destName == name) ||
			(kind == DestinationExchange && b.sourceName == name) {
			delete(c.bindings, key)
			dropped = append(dropped, b)
		}
	}
	c.mu.Unlock()

	for _, b := range dropped {
		b.invalid.Store(true)
	}
	c.recordDeclared()
}

func (c *Connection) recordDeclared() {
	if c.metrics == nil {
		return
	}
	c.mu.Lock()
	exchanges, queues, bindings := len(c.exchanges), len(c.queues), len(c.bindings)
	c.mu.Unlock()
	c.metrics.SetDeclared(metrics.KindExchange, exchanges)
	c.metrics.SetDeclared(metrics.KindQueue, queues)
	c.metrics.SetDeclared(metrics.KindBinding, bindings)
}

// Exchange returns the registered exchange, or nil
func (c *Connection) Exchange(name string) *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exchanges[name]
}

// Queue returns the registered queue, or nil
func (c *Connection) Queue(name string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues[name]
}

// Binding returns the binding registered under key, or nil
func (c *Connection) Binding(key string) *Binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindings[key]
}

// Exchanges returns the registered exchanges ordered by name
func (c *Connection) Exchanges() []*Exchange {
	exchanges, _, _ := c.snapshot()
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i].name < exchanges[j].name })
	return exchanges
}

// Queues returns the registered queues ordered by name
func (c *Connection) Queues() []*Queue {
	_, queues, _ := c.snapshot()
	sort.Slice(queues, func(i, j int) bool { return queues[i].name < queues[j].name })
	return queues
}

// Bindings returns the registered bindings ordered by key
func (c *Connection) Bindings() []*Binding {
	_, _, bindings := c.snapshot()
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].key < bindings[j].key })
	return bindings
}

// AddStateListener adds a connection state listener
func (c *Connection) AddStateListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (c *Connection) RemoveStateListener(listener StateListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	for i, l := range c.listeners {
		if l == listener {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
}

func (c *Connection) notifyConnected() {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		go listener.OnConnected()
	}
}

func (c *Connection) notifyDisconnected(err error) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		go listener.OnDisconnected(err)
	}
}

func (c *Connection) notifyReconnecting(attempt int) {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()

	for _, listener := range c.listeners {
		go listener.OnReconnecting(attempt)
	}
}

// setupFailed records a failed setup step
func (c *Connection) setupFailed(kind, name string, err error) {
	c.metrics.IncSetupFailure(kind)
	c.logger.Error("setup failed", "kind", kind, "name", name, "error", err)
}

// openChannel waits for sess and opens a channel on it
func openChannel(sess *session, target string) (rabbitmq.Channel, error) {
	if _, err := sess.ready.Wait(context.Background()); err != nil {
		return nil, err
	}
	if sess.conn.IsClosed() {
		return nil, &ChannelError{
			Op:        "open channel",
			Target:    target,
			Err:       rabbitmq.ErrConnectionClosed,
			Timestamp: time.Now(),
		}
	}
	ch, err := sess.conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			Target:    target,
			Err:       fmt.Errorf("%w: %w", rabbitmq.ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// channelSource is a topology object whose channel can carry publishes
type channelSource interface {
	channel(ctx context.Context) (rabbitmq.Channel, *session, error)
}
