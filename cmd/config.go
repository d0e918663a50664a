package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"portmux/pkg/config"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long: `Manage portmux configurations: create templates and validate existing files.

Configuration files declare proxies as pairs of an in connector and an out
connector. Supported formats are JSON, YAML and TOML, selected by the file
extension.`,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a sample configuration file",
	Long:  `Generate a sample configuration file demonstrating all connector types.`,
	Run:   generateConfig,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long:  `Validate the syntax and content of a configuration file without opening any sockets.`,
	Run:   validateConfig,
}

var generateFlags struct {
	output string
	format string
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(generateCmd)
	configCmd.AddCommand(validateCmd)

	generateCmd.Flags().StringVarP(&generateFlags.output, "output", "o", "portmux.yaml", "output file path")
	generateCmd.Flags().StringVarP(&generateFlags.format, "format", "f", "yaml", "output format: json, yaml or toml")
}

func generateConfig(cmd *cobra.Command, args []string) {
	sample := &config.File{
		LogLevel:    "info",
		MetricsAddr: ":9100",
		Proxies: []config.Proxy{
			{
				Name: "ssh-https-mux",
				In: config.Connector{
					Type:        config.TypeDual,
					Host:        "0.0.0.0",
					Port:        443,
					Timeout:     2.0,
					ServerFirst: &config.Connector{Type: config.TypeTCP, Host: "127.0.0.1", Port: 22},
					ClientFirst: &config.Connector{Type: config.TypeTCP, Host: "127.0.0.1", Port: 8443},
				},
				Out: config.Connector{Type: config.TypeNull},
			},
			{
				Name: "via-corp-proxy",
				In: config.Connector{
					Type: config.TypeTCP,
					Host: "127.0.0.1",
					Port: 2222,
				},
				Out: config.Connector{
					Type:       config.TypeConnect,
					Host:       "ssh.example.com",
					Port:       22,
					ProxyHost:  "proxy.corp.example.com",
					ProxyPort:  3128,
					ProxyUser:  "$PROXY_USER",
					ProxyPass:  "$PROXY_PASS",
					ProxyAgent: "portmux",
				},
			},
		},
	}

	var data []byte
	var err error

	switch generateFlags.format {
	case "yaml", "yml":
		data, err = yaml.Marshal(sample)
	case "json":
		data, err = json.MarshalIndent(sample, "", "  ")
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(sample)
		data = buf.Bytes()
	default:
		fmt.Printf("Unsupported format: %s\n", generateFlags.format)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Failed to marshal config: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(generateFlags.output, data, 0644); err != nil {
		fmt.Printf("Failed to write config file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sample configuration generated: %s\n", generateFlags.output)
	fmt.Println("\nRemember to:")
	fmt.Println("   1. Replace environment variables like $PROXY_USER with actual values or export them")
	fmt.Println("   2. Point the backends at your real services")
	fmt.Println("   3. Validate the config with: portmux config validate --config", generateFlags.output)
}

func validateConfig(cmd *cobra.Command, args []string) {
	if configFile == "" {
		fmt.Println("No config file specified. Use --config flag.")
		os.Exit(1)
	}

	file, err := config.Load(configFile)
	if err != nil {
		fmt.Printf("Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration file is valid: %s\n", configFile)
	fmt.Printf("Summary:\n")
	fmt.Printf("   - Proxies: %d\n", len(file.Proxies))
	for _, p := range file.Proxies {
		fmt.Printf("   - %s: %s -> %s\n", p.Name, p.In.Type, p.Out.Type)
	}
	if file.MaxConns > 0 {
		fmt.Printf("   - Connection cap: %d\n", file.MaxConns)
	}
	if file.MetricsAddr != "" {
		fmt.Printf("   - Metrics: %s\n", file.MetricsAddr)
	}
}
