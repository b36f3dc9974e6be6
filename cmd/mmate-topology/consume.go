package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-topology/health"
	"github.com/glimte/mmate-topology/topology"
)

func newConsumeCommand(flags *globalFlags) *cobra.Command {
	var (
		fromExchange bool
		kind         string
		prefetch     int
		limit        int
		serve        bool
	)

	cmd := &cobra.Command{
		Use:   "consume <queue|exchange>",
		Short: "Print consumed messages until interrupted",
		Long: `Consume from a queue, or with --exchange from an exchange through a private queue
that is removed again on exit. The consumer is restarted automatically after connection loss.
With --serve the admin endpoints are served too and /health includes the consumer.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags, serve)
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			done := make(chan struct{})
			handler := printHandler(cmd.OutOrStdout(), limit, func() { close(done) })

			var (
				stopConsumer func(context.Context) error
				consumed     *topology.Queue
			)
			if fromExchange {
				e := s.conn.DeclareExchange(args[0], kind, topology.ExchangePassive())
				if err := e.StartConsumer(ctx, handler); err != nil {
					return fmt.Errorf("consume from exchange %s: %w", args[0], err)
				}
				stopConsumer = e.StopConsumer
				consumed = s.conn.Queue(topology.ConsumerQueueName(args[0], s.conn.ApplicationName()))
			} else {
				q := s.conn.DeclareQueue(args[0], topology.QueuePassive())
				if prefetch > 0 {
					if err := q.Prefetch(ctx, prefetch); err != nil {
						return err
					}
				}
				if err := q.StartConsumer(ctx, handler); err != nil {
					return fmt.Errorf("consume from queue %s: %w", args[0], err)
				}
				stopConsumer = q.StopConsumer
				consumed = q
			}
			s.logger.Info("consuming, press Ctrl+C to stop", "source", args[0])

			served := make(chan error, 1)
			serveCtx, cancelServe := context.WithCancel(ctx)
			defer cancelServe()
			if serve && consumed != nil {
				go func() {
					served <- serveAdmin(serveCtx, s, health.NewConsumerChecker(consumed))
				}()
			}

			select {
			case <-ctx.Done():
			case <-done:
			case err := <-served:
				if err != nil {
					s.logger.Error("admin server stopped", "error", err)
				}
			}
			cancelServe()

			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return stopConsumer(stopCtx)
		},
	}
	cmd.Flags().BoolVar(&fromExchange, "exchange", false, "consume from an exchange instead of a queue")
	cmd.Flags().StringVar(&kind, "kind", "topic", "exchange kind used for the passive declaration")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "maximum unacknowledged messages")
	cmd.Flags().IntVarP(&limit, "count", "n", 0, "stop after this many messages, 0 for no limit")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the admin endpoints while consuming")
	return cmd
}

// printHandler writes each message to w. After limit messages (when
// positive) it calls finished once.
func printHandler(w io.Writer, limit int, finished func()) topology.MessageHandler {
	var (
		mu    sync.Mutex
		count int
		once  sync.Once
	)
	return func(ctx context.Context, msg *topology.Message) error {
		mu.Lock()
		defer mu.Unlock()

		count++
		fmt.Fprintf(w, "[%d] exchange=%q routingKey=%q contentType=%q\n%s\n",
			count, msg.Exchange, msg.RoutingKey, msg.ContentType, msg.Body)
		if limit > 0 && count >= limit {
			once.Do(finished)
		}
		return nil
	}
}
