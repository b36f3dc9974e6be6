// Package health runs health checks against a topology connection and the
// objects declared on it.
package health

import (
	"context"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// OverallHealth combines every check of a Registry
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	checkers map[string]Checker
	metadata map[string]any
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]any),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata attaches a value to every OverallHealth
func (r *Registry) SetMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

// Check runs every registered checker concurrently. Checks still running
// when ctx ends are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	r.mu.RUnlock()

	type namedResult struct {
		name   string
		result CheckResult
	}
	results := make(chan namedResult, len(checkers))
	for name, checker := range checkers {
		go func() {
			results <- namedResult{name: name, result: checker.Check(ctx)}
		}()
	}

	checks := make(map[string]CheckResult, len(checkers))
	overall := StatusHealthy

collect:
	for range len(checkers) {
		select {
		case r := <-results:
			checks[r.name] = r.result
			overall = worst(overall, r.result.Status)
		case <-ctx.Done():
			for name := range checkers {
				if _, ok := checks[name]; !ok {
					checks[name] = CheckResult{
						Name:      name,
						Status:    StatusUnhealthy,
						Message:   "check timed out",
						Duration:  time.Since(start),
						Timestamp: time.Now(),
						Error:     ctx.Err().Error(),
					}
				}
			}
			overall = StatusUnhealthy
			break collect
		}
	}

	return OverallHealth{
		Status:    overall,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  metadata,
	}
}

func worst(a, b Status) Status {
	switch {
	case a == StatusUnhealthy || b == StatusUnhealthy:
		return StatusUnhealthy
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
