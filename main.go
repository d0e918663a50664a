// Package main provides the entry point for the portmux reverse proxy.
//
// Portmux relays TCP byte streams between clients and backend services
// through pluggable connectors. Its signature mode multiplexes two
// incompatible protocols on a single port by observing which side of a new
// connection talks first.
//
// Usage:
//
//	portmux dual --listen :443 --server-first 127.0.0.1:22 --client-first 127.0.0.1:8443
//	portmux forward --listen :2222 --target host:22 --connect-proxy proxy:3128
//	portmux run --config portmux.yaml
//
// For more information run:
//
//	portmux --help
package main

import "portmux/cmd"

// main is the application entry point that delegates execution to the CLI command handler.
func main() {
	cmd.Execute()
}
