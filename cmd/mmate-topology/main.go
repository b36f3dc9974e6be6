package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/glimte/mmate-topology/internal/config"
	"github.com/glimte/mmate-topology/metrics"
	"github.com/glimte/mmate-topology/topology"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags override values loaded from the environment
type globalFlags struct {
	envFile  string
	url      string
	appName  string
	logLevel string
	retries  int
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "mmate-topology",
		Short: "Declare and operate a RabbitMQ topology that survives reconnects",
		Long: `mmate-topology declares exchanges, queues and bindings from the environment,
keeps them in place across connection loss and offers publish and consume helpers.

Topology variables:
  MMATE_EXCHANGES=name:kind,...
  MMATE_QUEUES=q1,q2
  MMATE_BINDINGS=queue:exchange:key,...
  MMATE_EXCHANGE_BINDINGS=destination:source:key,...`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides MMATE_AMQP_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.appName, "app-name", "", "application name used in consumer queue names")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().IntVar(&flags.retries, "retries", -1, "connect retries after the first attempt, 0 for unlimited")

	rootCmd.AddCommand(
		newApplyCommand(&flags),
		newPublishCommand(&flags),
		newConsumeCommand(&flags),
		newTeardownCommand(&flags),
	)
	return rootCmd
}

// loadConfig reads the dotenv file and environment, then applies flags
func loadConfig(flags *globalFlags, lookup config.LookupFunc) (config.Config, error) {
	if err := config.LoadDotEnv(flags.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(lookup)
	if err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}

	if flags.url != "" {
		cfg.AMQPURL = flags.url
	}
	if flags.appName != "" {
		cfg.ApplicationName = flags.appName
	}
	if flags.logLevel != "" {
		if _, err := config.ParseLevel(flags.logLevel); err != nil {
			return config.Config{}, err
		}
		cfg.LogLevel = flags.logLevel
	}
	if flags.retries >= 0 {
		cfg.ReconnectRetries = flags.retries
	}
	return cfg, nil
}

// connectionOptions translates the configuration into connection options.
// Commands handle SIGINT and SIGTERM themselves so they can stop consumers
// before the connection goes away.
func connectionOptions(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) []topology.Option {
	opts := []topology.Option{
		topology.WithoutInterruptHandler(),
		topology.WithLogger(logger),
		topology.WithReconnectPolicy(topology.ReconnectPolicy{
			Retries:     cfg.ReconnectRetries,
			Interval:    cfg.ReconnectInterval,
			MaxInterval: cfg.ReconnectMaxInterval,
		}),
		topology.WithDialTimeout(cfg.DialTimeout),
	}
	if cfg.ApplicationName != "" {
		opts = append(opts, topology.WithApplicationName(cfg.ApplicationName))
	}
	if m != nil {
		opts = append(opts, topology.WithMetrics(m))
	}
	return opts
}

// session bundles what every command needs
type session struct {
	cfg      config.Config
	logger   *slog.Logger
	conn     *topology.Connection
	registry *prometheus.Registry
}

func openSession(flags *globalFlags, withMetrics bool) (*session, error) {
	cfg, err := loadConfig(flags, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stderr)

	var m *metrics.Metrics
	var registry *prometheus.Registry
	if withMetrics {
		registry = prometheus.NewRegistry()
		if m, err = metrics.New(registry); err != nil {
			return nil, err
		}
	}

	conn := topology.Connect(cfg.AMQPURL, connectionOptions(cfg, logger, m)...)
	return &session{cfg: cfg, logger: logger, conn: conn, registry: registry}, nil
}
