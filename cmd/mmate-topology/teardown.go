package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTeardownCommand(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Delete the configured topology from the broker",
		Long: `Declare the configured topology, then delete every binding, queue and exchange.
Every deletion is attempted; the command fails if any of them failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags, false)
			if err != nil {
				return err
			}
			defer closeSession(s)

			declareTopology(s.conn, s.cfg.Topology)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := s.conn.CompleteConfiguration(ctx); err != nil {
				s.logger.Warn("topology was not fully declared before teardown", "error", err)
			}
			if err := s.conn.DeleteConfiguration(ctx); err != nil {
				return fmt.Errorf("teardown: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "topology deleted")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the broker")
	return cmd
}
