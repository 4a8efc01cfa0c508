package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	daemonrun "github.com/rzbill/weft/internal/cmd/run"
	cfgpkg "github.com/rzbill/weft/internal/config"
	logpkg "github.com/rzbill/weft/pkg/log"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	// Load a local .env first so WEFT_* values are visible to the config
	// layering below. Missing files are fine.
	_ = godotenv.Load()

	// initialize logger for CLI output
	// Respect WEFT_LOG_LEVEL for both CLI and daemon start output
	level := os.Getenv("WEFT_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
	)

	// Redirect standard library logs (used by Pebble) to our logger
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "weft",
		Short: "Weft lattice worker CLI",
		Long:  "Weft is a lattice control-plane worker. It consumes host events and control commands from a durable work queue and keeps the observed lattice state.",
	}

	// run
	runCmd := &cobra.Command{
		Use:     "run",
		Short:   "Run the weft worker daemon",
		Aliases: []string{"start"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := daemonrun.Run(ctx, daemonrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("daemon error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	addConfigFlags(runCmd)
	rootCmd.AddCommand(runCmd)

	// config: print the resolved configuration after file and env layering
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
	addConfigFlags(configCmd)
	rootCmd.AddCommand(configCmd)

	// version
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the weft version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("weft", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addConfigFlags registers the shared configuration flags. Flag values beat
// environment variables, which beat the config file.
func addConfigFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Config file (JSON or YAML; optional)")
	cmd.Flags().String("data-dir", "", "Data directory (default: OS-specific application data directory)")
	cmd.Flags().String("host-id", "", "Identity of this instance (default: a fresh UUID)")
	cmd.Flags().String("broker", "", "Broker kind: nats|redis|mem")
	cmd.Flags().String("nats-url", "", "NATS server URL")
	cmd.Flags().String("nats-domain", "", "JetStream domain (optional)")
	cmd.Flags().String("redis-addr", "", "Redis address (host:port)")
	cmd.Flags().Int("redis-db", 0, "Redis database number")
	cmd.Flags().String("event-stream", "", "Durable stream for lattice events")
	cmd.Flags().String("command-stream", "", "Durable stream for lattice commands")
	cmd.Flags().StringArray("lattice", nil, "Lattice to watch (repeatable)")
	cmd.Flags().Int("max-jobs", 0, "Max in-flight messages across all lattices")
	cmd.Flags().Int("ack-wait", 0, "Seconds the broker waits for an ack before redelivery")
	cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	cmd.Flags().String("log-format", "", "Log format: text|json")
}

// resolveConfig layers the configuration: file, then WEFT_* environment
// variables, then any flags the caller set.
func resolveConfig(cmd *cobra.Command) (cfgpkg.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, fmt.Errorf("load config: %w", err)
	}
	cfgpkg.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("host-id") {
		cfg.HostID, _ = flags.GetString("host-id")
	}
	if flags.Changed("broker") {
		cfg.Broker.Kind, _ = flags.GetString("broker")
	}
	if flags.Changed("nats-url") {
		cfg.Broker.NATSURL, _ = flags.GetString("nats-url")
	}
	if flags.Changed("nats-domain") {
		cfg.Broker.NATSDomain, _ = flags.GetString("nats-domain")
	}
	if flags.Changed("redis-addr") {
		cfg.Broker.RedisAddr, _ = flags.GetString("redis-addr")
	}
	if flags.Changed("redis-db") {
		cfg.Broker.RedisDB, _ = flags.GetInt("redis-db")
	}
	if flags.Changed("event-stream") {
		cfg.EventStream, _ = flags.GetString("event-stream")
	}
	if flags.Changed("command-stream") {
		cfg.CommandStream, _ = flags.GetString("command-stream")
	}
	if flags.Changed("lattice") {
		cfg.Lattices, _ = flags.GetStringArray("lattice")
	}
	if flags.Changed("max-jobs") {
		cfg.MaxJobs, _ = flags.GetInt("max-jobs")
	}
	if flags.Changed("ack-wait") {
		cfg.AckWaitSeconds, _ = flags.GetInt("ack-wait")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	return cfg, nil
}
