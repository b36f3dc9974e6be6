package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-topology/topology"
)

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var (
		toQueue    bool
		kind       string
		asJSON     bool
		persistent bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange|queue> <routing-key> <body>",
		Short: "Publish one message",
		Long: `Publish one message to an exchange, or straight to a queue with --queue (the
routing key is then ignored). With --json the body is parsed and sent as application/json.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, routingKey := args[0], args[1]
			content, err := parseBody(args[2], asJSON)
			if err != nil {
				return err
			}

			s, err := openSession(flags, false)
			if err != nil {
				return err
			}
			defer closeSession(s)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			messageID := uuid.NewString()
			opts := []topology.PublishOption{topology.WithMessageID(messageID)}
			if persistent {
				opts = append(opts, topology.WithPersistent())
			}

			if toQueue {
				q := s.conn.DeclareQueue(target, topology.QueuePassive())
				err = q.Publish(ctx, content, opts...)
			} else {
				e := s.conn.DeclareExchange(target, kind, topology.ExchangePassive())
				err = e.Publish(ctx, content, routingKey, opts...)
			}
			if err != nil {
				return fmt.Errorf("publish to %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", messageID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&toQueue, "queue", false, "publish straight to the named queue")
	cmd.Flags().StringVar(&kind, "kind", "topic", "exchange kind used for the passive declaration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "send the body as JSON")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "mark the message persistent")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "publish timeout")
	return cmd
}

// parseBody returns the content to publish: the raw string, or the decoded
// JSON value so it is published as application/json
func parseBody(body string, asJSON bool) (any, error) {
	if !asJSON {
		return body, nil
	}
	var content any
	if err := json.Unmarshal([]byte(body), &content); err != nil {
		return nil, fmt.Errorf("body is not valid JSON: %w", err)
	}
	return content, nil
}
