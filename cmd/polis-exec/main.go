// Package main is the entry point for the polis-exec binary.
// It serves the operator-configured command pipelines and the ZFS unlock
// surface over HTTP.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/polis-exec/internal/governance"
	polistls "github.com/polisai/polis-exec/internal/tls"
	"github.com/polisai/polis-exec/pkg/capability"
	"github.com/polisai/polis-exec/pkg/config"
	"github.com/polisai/polis-exec/pkg/logging"
	"github.com/polisai/polis-exec/pkg/pipeline"
	"github.com/polisai/polis-exec/pkg/server"
	"github.com/polisai/polis-exec/pkg/telemetry"
	"github.com/polisai/polis-exec/pkg/zfs"
)

const defaultConfigPath = "api-config.toml"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// CLIConfig holds the parsed global flags
type CLIConfig struct {
	Config   string
	LogLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-exec
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-exec",
		Short: "Expose operator-defined command pipelines over HTTP",
		Long: `polis-exec runs a fixed, configuration-defined set of command pipelines
and ZFS unlock/mount operations on behalf of a remote client.

Example:
  polis-exec --config /etc/polis-exec/api-config.toml server 0.0.0.0:6677`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (TOML, YAML or JSON)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(newServerCmd(), newValidateCmd(), newListCmd(), newGenCertCmd())
	return rootCmd
}

func newServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server [bind-address]",
		Short: "Run the HTTP server",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServer,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and print its digest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := parseCLIConfig(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(cli.Config)
			if err != nil {
				return err
			}
			digest, err := config.FileDigest(cli.Config)
			if err != nil {
				return err
			}
			reg, err := cfg.Registry()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d enabled commands of %d, zfs %s)\ndigest: %s\n",
				cli.Config, reg.Len(), len(reg.All()), enabledWord(cfg.ZFSEnabled), digest)
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the configured commands and their endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cli, err := parseCLIConfig(cmd)
			if err != nil {
				return err
			}
			cfg, err := config.Load(cli.Config)
			if err != nil {
				return err
			}
			return printCommands(cmd.OutOrStdout(), cfg)
		},
	}
}

func newGenCertCmd() *cobra.Command {
	var (
		certFile string
		keyFile  string
		hosts    []string
		validFor time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed certificate for the tls section",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := polistls.CertificateOptions{Hosts: hosts, ValidFor: validFor}
			if len(hosts) > 0 {
				opts.CommonName = hosts[0]
			}
			certPEM, keyPEM, err := polistls.GenerateSelfSigned(opts)
			if err != nil {
				return err
			}
			if err := polistls.WriteCertificateFiles(certPEM, keyPEM, certFile, keyFile); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", certFile, keyFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&certFile, "cert", "cert.pem", "Output certificate file")
	cmd.Flags().StringVar(&keyFile, "key", "key.pem", "Output private key file")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "DNS name or IP address to include (repeatable)")
	cmd.Flags().DurationVar(&validFor, "valid-for", polistls.DefaultValidity, "Certificate validity duration")
	return cmd
}

// parseCLIConfig reads the persistent flags
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	return &CLIConfig{Config: configPath, LogLevel: logLevel}, nil
}

// printCommands writes one row per configured command, disabled ones
// included, with the endpoint the registry resolved for it.
func printCommands(w io.Writer, cfg *config.Config) error {
	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tLABEL\tSTDIN\tENABLED\tPIPELINE")
	for i, def := range reg.All() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n",
			capability.CommandPathPrefix+def.Endpoint,
			def.Label,
			stdinMode(def.StdinAllow, def.StdinIsSecret),
			def.Enabled,
			cfg.CustomCommands[i].RunCmd.String(),
		)
	}
	return tw.Flush()
}

func stdinMode(allow, secret bool) string {
	switch {
	case !allow:
		return "-"
	case secret:
		return "secret"
	default:
		return "text"
	}
}

func enabledWord(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

// runServer wires configuration, telemetry, executor, storage adapter and the
// HTTP server, then serves until SIGINT or SIGTERM.
func runServer(cmd *cobra.Command, args []string) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.ListenAddress = args[0]
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	reg, err := cfg.Registry()
	if err != nil {
		return err
	}

	var metrics *server.Metrics
	var observer pipeline.Observer
	if cfg.MetricsEnabled() {
		metrics = server.NewMetrics()
		observer = metrics
	}

	executor := pipeline.New(cfg.ExecutorConfig(), logger, observer)

	var listenerTLS *tls.Config
	if tlsCfg := cfg.ListenerTLS(); tlsCfg.Enabled() {
		listenerTLS, err = polistls.BuildServer(tlsCfg)
		if err != nil {
			return err
		}
	}

	var storage server.Storage
	if cfg.ZFSEnabled {
		storage = zfs.New(cfg.ZFSConfig(), executor, logger)
	}

	srv := server.New(server.Options{
		ListenAddress:  cfg.ListenAddress,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		MaxInputBytes:  cfg.MaxInputBytes,
		MetricsPath:    cfg.Metrics.Path,
		RequestTimeout: cfg.RequestTimeout(),
		Version:        version,
		CommandLimit:   governance.PerMinute(cfg.RateLimit.CommandsPerMinute),
		UnlockLimit:    governance.PerMinute(cfg.UnlockPerMinute()),
		TLS:            listenerTLS,
	}, reg, executor, storage, metrics, logger)

	if cfg.WatchEnabled() {
		watcher, err := startWatcher(ctx, cli.Config, srv, metrics, logger)
		if err != nil {
			logger.Warn("Config watcher disabled", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	logger.Info("Starting polis-exec",
		"version", version,
		"config", cli.Config,
		"listen", cfg.ListenAddress,
		"commands", reg.Len(),
		"zfs_enabled", cfg.ZFSEnabled,
	)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server error", "error", err)
		return err
	}

	logger.Info("polis-exec stopped")
	return nil
}

func setupTracing(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	return telemetry.SetupProvider(ctx, cfg.TelemetryConfig(version))
}

func startWatcher(ctx context.Context, path string, srv *server.Server, metrics *server.Metrics, logger *slog.Logger) (*config.Watcher, error) {
	baseline, err := config.FileDigest(path)
	if err != nil {
		return nil, err
	}

	watcher, err := config.NewWatcher(path, baseline, logger)
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		watcher.OnChange(func(report config.DriftReport) {
			metrics.SetConfigDrift(report.Drifted)
		})
	}
	srv.SetDriftReporter(watcher.Drifted)

	if err := watcher.Start(ctx); err != nil {
		_ = watcher.Stop()
		return nil, err
	}
	return watcher, nil
}
