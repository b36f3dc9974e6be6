package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/mmate-topology/readiness"
)

// ConnectionState is the part of a topology connection the ConnectionChecker reads
type ConnectionState interface {
	IsConnected() bool
	Generation() int64
	Ready() *readiness.Token[struct{}]
}

// ConnectionChecker checks the broker connection. It also implements the
// topology state listener interface to count disconnects between checks.
type ConnectionChecker struct {
	conn   ConnectionState
	logger *slog.Logger

	mu          sync.Mutex
	disconnects int
	lastError   error
	lastChange  time.Time
}

// NewConnectionChecker creates a connection checker
func NewConnectionChecker(conn ConnectionState, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{conn: conn, logger: logger}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	c.mu.Lock()
	result.Details["disconnects"] = c.disconnects
	if c.lastError != nil {
		result.Details["last_error"] = c.lastError.Error()
	}
	if !c.lastChange.IsZero() {
		result.Details["last_change"] = c.lastChange
	}
	c.mu.Unlock()
	result.Details["generation"] = c.conn.Generation()

	ready := c.conn.Ready()
	switch {
	case c.conn.IsConnected():
		result.Status = StatusHealthy
		result.Message = "connected"
	case !ready.Settled():
		result.Status = StatusDegraded
		result.Message = "connecting"
	case ready.Err() != nil:
		result.Status = StatusUnhealthy
		result.Message = "connection failed"
		result.Error = ready.Err().Error()
	default:
		result.Status = StatusUnhealthy
		result.Message = "connection closed"
	}

	result.Duration = time.Since(start)
	return result
}

func (c *ConnectionChecker) OnConnected() {
	c.mu.Lock()
	c.lastChange = time.Now()
	c.mu.Unlock()
}

func (c *ConnectionChecker) OnDisconnected(err error) {
	c.mu.Lock()
	c.disconnects++
	c.lastError = err
	c.lastChange = time.Now()
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("health: connection lost", "error", err)
	}
}

func (c *ConnectionChecker) OnReconnecting(attempt int) {}

// Configurator completes a declared topology
type Configurator interface {
	CompleteConfiguration(ctx context.Context) error
}

// TopologyChecker reports whether every declared object is ready
type TopologyChecker struct {
	topology Configurator
}

func NewTopologyChecker(topology Configurator) *TopologyChecker {
	return &TopologyChecker{topology: topology}
}

func (c *TopologyChecker) Name() string {
	return "topology"
}

func (c *TopologyChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.Name(), Timestamp: start}

	if err := c.topology.CompleteConfiguration(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Message = "topology incomplete"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "topology ready"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerState is the part of a queue the ConsumerChecker reads
type ConsumerState interface {
	Name() string
	HasConsumer() bool
	ConsumerReady(ctx context.Context) (string, error)
}

// ConsumerChecker checks that a queue has an active consumer
type ConsumerChecker struct {
	queue ConsumerState
}

func NewConsumerChecker(queue ConsumerState) *ConsumerChecker {
	return &ConsumerChecker{queue: queue}
}

func (c *ConsumerChecker) Name() string {
	return fmt.Sprintf("consumer_%s", c.queue.Name())
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"queue": c.queue.Name()},
	}

	if !c.queue.HasConsumer() {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("queue %s has no consumer", c.queue.Name())
		result.Duration = time.Since(start)
		return result
	}

	tag, err := c.queue.ConsumerReady(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("consumer on %s is not running", c.queue.Name())
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "consuming"
		result.Details["consumer_tag"] = tag
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker wraps a custom check function
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{name: name, checker: checker}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)
	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
