package cmd

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"portmux/internal/engine"
	"portmux/pkg/config"
	"portmux/pkg/proxy"
	"portmux/pkg/utils"
)

var dualFlags struct {
	listen        string
	serverFirst   string
	clientFirst   string
	timeout       float64
	maxConns      int64
	proxyProtocol bool
}

// dualCmd represents the dual mode command
var dualCmd = &cobra.Command{
	Use:   "dual",
	Short: "Multiplex two backends on one port by first-talker detection",
	Long: `Serve two otherwise incompatible services on a single listening port.

Each accepted connection is classified by which side talks first: if the
client sends any byte within the detection timeout it is routed to the
client-first backend (TLS, HTTPS), otherwise to the server-first backend
(SSH, SMTP), whose greeting is forwarded once it arrives. Bytes received
before the routing decision are replayed to the chosen backend verbatim.

The listen endpoint and the two backends must resolve to distinct addresses,
and the timeout must be positive; validation fails before any socket opens.

Example usage:
  # SSH and HTTPS on port 443
  portmux dual --listen 0.0.0.0:443 --server-first 127.0.0.1:22 --client-first 127.0.0.1:8443

  # A shorter detection window and a connection cap
  portmux dual --listen :443 --server-first 10.0.0.5:22 --client-first 10.0.0.5:443 --timeout 1.5 --max-conns 1000`,
	Run: runDual,
}

func runDual(cmd *cobra.Command, args []string) {
	logger := newLogger()

	cfg, err := dualProxyConfig()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	p, err := proxy.New(cfg, logger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	if verbose {
		fmt.Printf("[*] Listen: %s\n", dualFlags.listen)
		fmt.Printf("[*] Server-first backend: %s\n", dualFlags.serverFirst)
		fmt.Printf("[*] Client-first backend: %s\n", dualFlags.clientFirst)
		fmt.Printf("[*] Detection timeout: %.2fs\n", dualFlags.timeout)
	}

	eng := engine.New(logger, engine.Options{MaxConns: dualFlags.maxConns})
	eng.Register(p)
	runEngine(eng, logger)
}

// dualProxyConfig translates the command's flags into a proxy configuration.
// Validation happens in proxy.New.
func dualProxyConfig() (*config.Proxy, error) {
	listenHost, listenPort, err := utils.ParseHostPort(dualFlags.listen, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid --listen: %v", err)
	}
	if listenHost == "" {
		// ":443" style listen addresses mean all interfaces.
		listenHost = "0.0.0.0"
	}
	sfHost, sfPort, err := utils.ParseHostPort(dualFlags.serverFirst, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid --server-first: %v", err)
	}
	cfHost, cfPort, err := utils.ParseHostPort(dualFlags.clientFirst, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid --client-first: %v", err)
	}

	return &config.Proxy{
		Name: "dual",
		In: config.Connector{
			Type:          config.TypeDual,
			Host:          listenHost,
			Port:          listenPort,
			Timeout:       dualFlags.timeout,
			ProxyProtocol: dualFlags.proxyProtocol,
			ServerFirst:   &config.Connector{Type: config.TypeTCP, Host: sfHost, Port: sfPort},
			ClientFirst:   &config.Connector{Type: config.TypeTCP, Host: cfHost, Port: cfPort},
		},
		Out: config.Connector{Type: config.TypeNull},
	}, nil
}

func init() {
	rootCmd.AddCommand(dualCmd)

	dualCmd.Flags().StringVarP(&dualFlags.listen, "listen", "l", "", "listen endpoint host:port (required)")
	dualCmd.Flags().StringVar(&dualFlags.serverFirst, "server-first", "", "backend for protocols whose server talks first, host:port (required)")
	dualCmd.Flags().StringVar(&dualFlags.clientFirst, "client-first", "", "backend for protocols whose client talks first, host:port (required)")
	dualCmd.Flags().Float64VarP(&dualFlags.timeout, "timeout", "t", 2.0, "detection timeout in seconds (fractional values allowed)")
	dualCmd.Flags().Int64Var(&dualFlags.maxConns, "max-conns", 0, "stop after this many connections have closed (0 = unlimited)")
	dualCmd.Flags().BoolVar(&dualFlags.proxyProtocol, "proxy-protocol", false, "parse a leading HAProxy PROXY protocol header")

	dualCmd.MarkFlagRequired("listen")
	dualCmd.MarkFlagRequired("server-first")
	dualCmd.MarkFlagRequired("client-first")
}
