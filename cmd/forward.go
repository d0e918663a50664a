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

var forwardFlags struct {
	listen        string
	target        string
	connectProxy  string
	socks5Proxy   string
	proxyUser     string
	proxyPass     string
	proxyAgent    string
	useTLS        bool
	serverName    string
	insecure      bool
	certFile      string
	keyFile       string
	proxyProtocol bool
	maxConns      int64
}

// forwardCmd represents the forward mode command
var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward a TCP port to a target, optionally via an upstream proxy",
	Long: `Relay every connection accepted on the listen endpoint to a fixed target.

The upstream side dials the target directly by default. With --connect-proxy
the connection traverses an HTTP proxy using the CONNECT method; with
--socks5-proxy it traverses a SOCKS5 proxy. Either way the relayed stream is
byte-for-byte identical to a direct connection.

With --cert-file/--key-file the listener terminates TLS; with --tls the
upstream side wraps the dialed connection in TLS. Payload is never decoded.

Example usage:
  # Plain port forward
  portmux forward --listen 127.0.0.1:2222 --target 10.0.0.5:22

  # Reach the target through a corporate web proxy
  portmux forward --listen :8443 --target internal.example.com:443 \
    --connect-proxy proxy.corp:3128 --proxy-user alice --proxy-pass secret`,
	Run: runForward,
}

func runForward(cmd *cobra.Command, args []string) {
	logger := newLogger()

	cfg, err := forwardProxyConfig()
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	p, err := proxy.New(cfg, logger)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	eng := engine.New(logger, engine.Options{MaxConns: forwardFlags.maxConns})
	eng.Register(p)
	runEngine(eng, logger)
}

func forwardProxyConfig() (*config.Proxy, error) {
	if forwardFlags.connectProxy != "" && forwardFlags.socks5Proxy != "" {
		return nil, fmt.Errorf("--connect-proxy and --socks5-proxy are mutually exclusive")
	}

	listenHost, listenPort, err := utils.ParseHostPort(forwardFlags.listen, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid --listen: %v", err)
	}
	if listenHost == "" {
		listenHost = "0.0.0.0"
	}
	targetHost, targetPort, err := utils.ParseHostPort(forwardFlags.target, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid --target: %v", err)
	}

	in := config.Connector{
		Type:          config.TypeTCP,
		Host:          listenHost,
		Port:          listenPort,
		ProxyProtocol: forwardFlags.proxyProtocol,
	}
	if forwardFlags.certFile != "" || forwardFlags.keyFile != "" {
		in.Type = config.TypeTLS
		in.CertFile = forwardFlags.certFile
		in.KeyFile = forwardFlags.keyFile
		in.ProxyProtocol = false
	}

	out := config.Connector{Type: config.TypeTCP, Host: targetHost, Port: targetPort}
	switch {
	case forwardFlags.connectProxy != "":
		proxyHost, proxyPort, err := utils.ParseHostPort(forwardFlags.connectProxy, 3128)
		if err != nil {
			return nil, fmt.Errorf("invalid --connect-proxy: %v", err)
		}
		out.Type = config.TypeConnect
		out.ProxyHost = proxyHost
		out.ProxyPort = proxyPort
		out.ProxyUser = forwardFlags.proxyUser
		out.ProxyPass = forwardFlags.proxyPass
		out.ProxyAgent = forwardFlags.proxyAgent
	case forwardFlags.socks5Proxy != "":
		proxyHost, proxyPort, err := utils.ParseHostPort(forwardFlags.socks5Proxy, 1080)
		if err != nil {
			return nil, fmt.Errorf("invalid --socks5-proxy: %v", err)
		}
		out.Type = config.TypeSOCKS5
		out.ProxyHost = proxyHost
		out.ProxyPort = proxyPort
		out.ProxyUser = forwardFlags.proxyUser
		out.ProxyPass = forwardFlags.proxyPass
	case forwardFlags.useTLS:
		out.Type = config.TypeTLS
		out.ServerName = forwardFlags.serverName
		out.Insecure = forwardFlags.insecure
	}

	return &config.Proxy{Name: "forward", In: in, Out: out}, nil
}

func init() {
	rootCmd.AddCommand(forwardCmd)

	forwardCmd.Flags().StringVarP(&forwardFlags.listen, "listen", "l", "", "listen endpoint host:port (required)")
	forwardCmd.Flags().StringVar(&forwardFlags.target, "target", "", "target endpoint host:port (required)")

	// Upstream proxy traversal
	forwardCmd.Flags().StringVar(&forwardFlags.connectProxy, "connect-proxy", "", "HTTP proxy to traverse with a CONNECT tunnel, host:port")
	forwardCmd.Flags().StringVar(&forwardFlags.socks5Proxy, "socks5-proxy", "", "SOCKS5 proxy to traverse, host:port")
	forwardCmd.Flags().StringVarP(&forwardFlags.proxyUser, "proxy-user", "u", "", "upstream proxy username")
	forwardCmd.Flags().StringVarP(&forwardFlags.proxyPass, "proxy-pass", "p", "", "upstream proxy password")
	forwardCmd.Flags().StringVar(&forwardFlags.proxyAgent, "proxy-agent", "", "User-Agent header sent with the CONNECT request")

	// TLS options
	forwardCmd.Flags().BoolVar(&forwardFlags.useTLS, "tls", false, "wrap the upstream connection in TLS")
	forwardCmd.Flags().StringVar(&forwardFlags.serverName, "server-name", "", "SNI server name for --tls (defaults to the target host)")
	forwardCmd.Flags().BoolVar(&forwardFlags.insecure, "insecure", false, "skip upstream TLS certificate verification")
	forwardCmd.Flags().StringVar(&forwardFlags.certFile, "cert-file", "", "terminate TLS on the listener with this certificate")
	forwardCmd.Flags().StringVar(&forwardFlags.keyFile, "key-file", "", "private key for --cert-file")

	// Advanced options
	forwardCmd.Flags().BoolVar(&forwardFlags.proxyProtocol, "proxy-protocol", false, "parse a leading HAProxy PROXY protocol header")
	forwardCmd.Flags().Int64Var(&forwardFlags.maxConns, "max-conns", 0, "stop after this many connections have closed (0 = unlimited)")

	forwardCmd.MarkFlagRequired("listen")
	forwardCmd.MarkFlagRequired("target")
}
