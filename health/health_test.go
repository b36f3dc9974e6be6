package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-topology/readiness"
)

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(ctx context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegistry(t *testing.T) {
	t.Run("empty registry is healthy", func(t *testing.T) {
		health := NewRegistry().Check(context.Background())
		assert.Equal(t, StatusHealthy, health.Status)
		assert.Empty(t, health.Checks)
	})

	t.Run("worst status wins", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("a", StatusHealthy))
		r.Register(staticChecker("b", StatusDegraded))
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)

		r.Register(staticChecker("c", StatusUnhealthy))
		health := r.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Len(t, health.Checks, 3)

		r.Unregister("c")
		assert.Equal(t, StatusDegraded, r.Check(context.Background()).Status)
	})

	t.Run("metadata is copied into results", func(t *testing.T) {
		r := NewRegistry()
		r.SetMetadata("application", "billing")
		assert.Equal(t, "billing", r.Check(context.Background()).Metadata["application"])
	})

	t.Run("slow checks time out as unhealthy", func(t *testing.T) {
		r := NewRegistry()
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			time.Sleep(200 * time.Millisecond)
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		health := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, health.Status)
		assert.Equal(t, "check timed out", health.Checks["slow"].Message)
	})
}

type mockConnection struct {
	mock.Mock
}

func (m *mockConnection) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *mockConnection) Generation() int64 {
	return m.Called().Get(0).(int64)
}

func (m *mockConnection) Ready() *readiness.Token[struct{}] {
	return m.Called().Get(0).(*readiness.Token[struct{}])
}

func TestConnectionChecker(t *testing.T) {
	t.Run("healthy while connected", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("IsConnected").Return(true)
		conn.On("Generation").Return(int64(3))
		conn.On("Ready").Return(readiness.Resolved(struct{}{}))

		checker := NewConnectionChecker(conn, discardLogger())
		checker.OnDisconnected(errors.New("connection reset"))
		checker.OnDisconnected(errors.New("connection reset"))
		checker.OnConnected()

		result := checker.Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "connection", result.Name)
		assert.Equal(t, int64(3), result.Details["generation"])
		assert.Equal(t, 2, result.Details["disconnects"])
		assert.Equal(t, "connection reset", result.Details["last_error"])
		conn.AssertExpectations(t)
	})

	t.Run("degraded while connecting", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("IsConnected").Return(false)
		conn.On("Generation").Return(int64(2))
		conn.On("Ready").Return(readiness.New[struct{}]())

		result := NewConnectionChecker(conn, discardLogger()).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		assert.Equal(t, "connecting", result.Message)
	})

	t.Run("unhealthy once connecting failed", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("IsConnected").Return(false)
		conn.On("Generation").Return(int64(1))
		conn.On("Ready").Return(readiness.Failed[struct{}](errors.New("gave up")))

		result := NewConnectionChecker(conn, discardLogger()).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "gave up", result.Error)
	})

	t.Run("unhealthy after close", func(t *testing.T) {
		conn := &mockConnection{}
		conn.On("IsConnected").Return(false)
		conn.On("Generation").Return(int64(1))
		conn.On("Ready").Return(readiness.Resolved(struct{}{}))

		result := NewConnectionChecker(conn, discardLogger()).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "connection closed", result.Message)
	})
}

type mockConfigurator struct {
	mock.Mock
}

func (m *mockConfigurator) CompleteConfiguration(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestTopologyChecker(t *testing.T) {
	t.Run("healthy when complete", func(t *testing.T) {
		cfg := &mockConfigurator{}
		cfg.On("CompleteConfiguration", mock.Anything).Return(nil).Once()

		result := NewTopologyChecker(cfg).Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		cfg.AssertExpectations(t)
	})

	t.Run("unhealthy when a declaration failed", func(t *testing.T) {
		cfg := &mockConfigurator{}
		cfg.On("CompleteConfiguration", mock.Anything).Return(errors.New("queue jobs: access refused")).Once()

		result := NewTopologyChecker(cfg).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "access refused")
	})
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Name() string {
	return m.Called().String(0)
}

func (m *mockQueue) HasConsumer() bool {
	return m.Called().Bool(0)
}

func (m *mockQueue) ConsumerReady(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func TestConsumerChecker(t *testing.T) {
	t.Run("healthy with an active consumer", func(t *testing.T) {
		q := &mockQueue{}
		q.On("Name").Return("jobs")
		q.On("HasConsumer").Return(true)
		q.On("ConsumerReady", mock.Anything).Return("ctag-1", nil)

		checker := NewConsumerChecker(q)
		result := checker.Check(context.Background())
		assert.Equal(t, "consumer_jobs", checker.Name())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, "ctag-1", result.Details["consumer_tag"])
	})

	t.Run("degraded without a consumer", func(t *testing.T) {
		q := &mockQueue{}
		q.On("Name").Return("jobs")
		q.On("HasConsumer").Return(false)

		result := NewConsumerChecker(q).Check(context.Background())
		assert.Equal(t, StatusDegraded, result.Status)
		q.AssertNotCalled(t, "ConsumerReady", mock.Anything)
	})

	t.Run("unhealthy when the consumer failed", func(t *testing.T) {
		q := &mockQueue{}
		q.On("Name").Return("jobs")
		q.On("HasConsumer").Return(true)
		q.On("ConsumerReady", mock.Anything).Return("", errors.New("NOT_FOUND"))

		result := NewConsumerChecker(q).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, "NOT_FOUND", result.Error)
	})
}

func TestComponentChecker(t *testing.T) {
	checker := NewComponentChecker("disk", func(ctx context.Context) (Status, string, map[string]any, error) {
		return StatusDegraded, "almost full", map[string]any{"free": 3}, errors.New("low space")
	})

	result := checker.Check(context.Background())
	assert.Equal(t, "disk", result.Name)
	assert.Equal(t, StatusDegraded, result.Status)
	assert.Equal(t, 3, result.Details["free"])
	assert.Equal(t, "low space", result.Error)
}

func TestScheduler(t *testing.T) {
	t.Run("run stores the latest result", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("a", StatusDegraded))
		s := NewScheduler(r, time.Second, discardLogger())

		_, ok := s.Last()
		assert.False(t, ok)

		s.Run()
		last, ok := s.Last()
		require.True(t, ok)
		assert.Equal(t, StatusDegraded, last.Status)
	})

	t.Run("start runs immediately and on schedule", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("a", StatusHealthy))
		s := NewScheduler(r, time.Second, discardLogger())

		require.NoError(t, s.Start("@every 1h"))
		defer s.Stop()

		assert.Eventually(t, func() bool {
			_, ok := s.Last()
			return ok
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects a bad spec", func(t *testing.T) {
		s := NewScheduler(NewRegistry(), time.Second, discardLogger())
		assert.Error(t, s.Start("not a schedule"))
	})
}
