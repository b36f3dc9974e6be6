package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-topology/health"
	"github.com/glimte/mmate-topology/internal/admin"
	"github.com/glimte/mmate-topology/topology"
)

func newApplyCommand(flags *globalFlags) *cobra.Command {
	var (
		serve   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Declare the configured topology and optionally keep it alive",
		Long: `Declare every exchange, queue and binding from the environment and wait until the
broker confirmed them. With --serve the process stays connected, rebuilds the topology after
connection loss and serves /health, /topology and /metrics on MMATE_ADMIN_ADDR.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags, serve)
			if err != nil {
				return err
			}
			defer closeSession(s)

			if s.cfg.Topology.Empty() {
				s.logger.Warn("no topology configured, set MMATE_EXCHANGES, MMATE_QUEUES or MMATE_BINDINGS")
			}
			declareTopology(s.conn, s.cfg.Topology)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := s.conn.CompleteConfiguration(ctx); err != nil {
				return fmt.Errorf("apply topology: %w", err)
			}
			d := s.conn.Describe()
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d exchanges, %d queues, %d bindings\n",
				len(d.Exchanges), len(d.Queues), len(d.Bindings))

			if !serve {
				return nil
			}
			return serveAdmin(cmd.Context(), s)
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "keep running and serve the admin endpoints")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the topology to be declared")
	return cmd
}

// serveAdmin runs the health scheduler and admin server until a signal
// arrives or ctx is done. extra checkers are registered next to the
// connection, topology and bindings checks.
func serveAdmin(ctx context.Context, s *session, extra ...health.Checker) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := health.NewRegistry()
	registry.SetMetadata("application", s.conn.ApplicationName())
	registry.SetMetadata("version", version)

	connChecker := health.NewConnectionChecker(s.conn, s.logger)
	s.conn.AddStateListener(connChecker)
	registry.Register(connChecker)
	registry.Register(health.NewTopologyChecker(s.conn))
	registry.Register(health.NewComponentChecker("bindings", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		return bindingStatus(s.conn.Describe())
	}))
	for _, checker := range extra {
		registry.Register(checker)
	}

	scheduler := health.NewScheduler(registry, 10*time.Second, s.logger)
	if err := scheduler.Start(s.cfg.HealthSchedule); err != nil {
		return fmt.Errorf("invalid MMATE_HEALTH_SCHEDULE: %w", err)
	}
	defer scheduler.Stop()

	server := admin.New(s.cfg.AdminAddr, registry, s.conn, s.registry, s.logger)
	errCh := server.Start()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok && err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// bindingStatus is degraded while any binding is still pending or failed
func bindingStatus(d topology.Description) (health.Status, string, map[string]any, error) {
	var pending []string
	for _, b := range d.Bindings {
		if !b.Ready {
			pending = append(pending, b.Key)
		}
	}
	details := map[string]any{
		"total":   len(d.Bindings),
		"pending": len(pending),
	}
	if len(pending) > 0 {
		details["keys"] = pending
		return health.StatusDegraded, fmt.Sprintf("%d of %d bindings not ready", len(pending), len(d.Bindings)), details, nil
	}
	return health.StatusHealthy, "all bindings ready", details, nil
}

func closeSession(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.conn.Close(ctx); err != nil {
		s.logger.Error("failed to close connection", "error", err)
	}
}
