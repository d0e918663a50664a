package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"portmux/internal/engine"
	"portmux/internal/obs"
)

var (
	verbose     bool
	logFile     string
	metricsAddr string
	configFile  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portmux",
	Short: "A protocol-agnostic multiplexing TCP reverse proxy",
	Long: `Portmux is a single-port TCP reverse proxy that relays byte streams between
clients and backend services using pluggable connectors.

Its signature capability is multiplexing two otherwise incompatible services
on one listening port: protocols whose clients speak first (TLS, HTTP) are
told apart from protocols whose servers speak first (SSH, SMTP) purely by
which side sends the first bytes within a bounded timeout. Payload is never
decoded, only relayed.

Available commands:
  dual          - multiplex two backends on one port by first-talker detection
  forward       - plain TCP/TLS forwarding, optionally via CONNECT or SOCKS5 proxies
  run           - run one or more proxies from a configuration file
  config        - generate and validate configuration files

Use 'portmux [command] --help' for command-specific options and examples.`,
	Version: "v0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output (debug logging)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to this file (size-rotated)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address (e.g. :9100)")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "configuration file (.json, .yaml or .toml)")

	// Disable built-in commands
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:    "no-help",
		Hidden: true,
	})
}

// newLogger builds the process logger from the global flags. Failures here
// are fatal before anything has started.
func newLogger() *zap.Logger {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := obs.NewLogger(level, logFile)
	if err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}
	return logger
}

// runEngine starts the optional metrics server and runs the engine until an
// interrupt signal arrives or the engine finishes on its own.
func runEngine(eng *engine.Engine, logger *zap.Logger) {
	if metricsAddr != "" {
		go obs.StartMetricsServer(metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Run(ctx); err != nil {
		logger.Sync()
		log.Fatalf("Error running engine: %v", err)
	}
	logger.Sync()
}
