package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"portmux/internal/engine"
	"portmux/internal/obs"
	"portmux/pkg/config"
	"portmux/pkg/proxy"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one or more proxies from a configuration file",
	Long: `Load a configuration file and run every proxy it declares under a single
engine. The file format is chosen by extension: .json, .yaml or .toml.

Command-line flags override their configuration file counterparts; all
connector validation happens before any socket is opened.

Example usage:
  portmux run --config portmux.yaml
  portmux run --config portmux.json --verbose --metrics :9100`,
	Run: runFromConfig,
}

func runFromConfig(cmd *cobra.Command, args []string) {
	if configFile == "" {
		log.Fatal("Error: --config is required")
	}

	file, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// Flags win over file settings.
	level := file.LogLevel
	if level == "" {
		level = "info"
	}
	if verbose {
		level = "debug"
	}
	if logFile == "" {
		logFile = file.LogFile
	}
	if metricsAddr == "" {
		metricsAddr = file.MetricsAddr
	}

	logger, err := obs.NewLogger(level, logFile)
	if err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}

	eng := engine.New(logger, engine.Options{MaxConns: int64(file.MaxConns)})
	for i := range file.Proxies {
		p, err := proxy.New(&file.Proxies[i], logger)
		if err != nil {
			log.Fatalf("Error building proxy %q: %v", file.Proxies[i].Name, err)
		}
		eng.Register(p)
	}

	if verbose {
		fmt.Printf("[*] Loaded %d proxies from %s\n", len(file.Proxies), configFile)
	}

	runEngine(eng, logger)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
