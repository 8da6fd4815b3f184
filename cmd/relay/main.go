package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	relay "github.com/flashfusion/collab-relay"
	"github.com/flashfusion/collab-relay/internal"
	"github.com/flashfusion/collab-relay/state"
)

var logger = internal.NewLogger()

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "FlashFusion presence and collaboration relay",
		Version:      relay.Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to YAML configuration file. RELAY_* environment variables override it.")
	root.AddCommand(buildServeCmd(), buildMigrateCmd(), buildVersionCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*internal.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := internal.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Debug = true
	}
	return cfg, nil
}

func buildServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay: accept collaboration websockets on /collab, serve presence and event
history over HTTP and, when nats_url is set, exchange broadcasts with the other nodes.

SIGINT or SIGTERM closes every connection with 1001 and exits.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolP("debug", "d", false, "Enable trace logging")
	return cmd
}

func configureLogging(cfg *internal.Config) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
		// makes internal.Assert panic
		os.Setenv(internal.EnvDebug, "1")
	}
	internal.SetLogJSON(cfg.LogJSON)
}

func runServe(ctx context.Context, cfg *internal.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	configureLogging(cfg)

	if err := internal.ConfigureSentry(cfg.SentryDSN, relay.Version); err != nil {
		return fmt.Errorf("failed to configure sentry: %w", err)
	}
	if cfg.OTLPURL != "" {
		if err := internal.ConfigureOTLP(cfg.OTLPURL, cfg.OTLPUsername, cfg.OTLPPassword, relay.Version); err != nil {
			return fmt.Errorf("failed to configure OTLP: %w", err)
		}
		logger.Info().Str("url", cfg.OTLPURL).Msg("sending traces")
	}

	if cfg.DB != "" {
		// bring the schema up to date before the tables are touched
		db, err := sqlx.Open("postgres", cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		err = state.Migrate(db, "up")
		db.Close()
		if err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	r, err := relay.Setup(cfg, relay.Opts{})
	if err != nil {
		return err
	}
	r.Start()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if cfg.PrometheusAddr != "" {
		go relay.RunMetricsServer(ctx, cfg.PrometheusAddr)
	}

	logger.Info().Str("version", relay.Version).Str("node", cfg.NodeID).Msg("relay starting")
	err = relay.RunRelayServer(ctx, r.Router(), cfg.BindAddr)
	logger.Info().Msg("shutting down")
	r.Teardown()
	internal.FlushSentry(2 * time.Second)
	return err
}

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the event store schema",
	}
	for _, sub := range []struct {
		use   string
		short string
	}{
		{"up", "Apply all pending migrations"},
		{"down", "Roll back the most recent migration"},
		{"status", "Show which migrations have been applied"},
	} {
		command := sub.use
		cmd.AddCommand(&cobra.Command{
			Use:   command,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				return runMigrate(cfg, command)
			},
		})
	}
	return cmd
}

func runMigrate(cfg *internal.Config, command string) error {
	if cfg.DB == "" {
		return fmt.Errorf("db must be set to run migrations")
	}
	db, err := sqlx.Open("postgres", cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return state.Migrate(db, command)
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), relay.Version)
		},
	}
}
