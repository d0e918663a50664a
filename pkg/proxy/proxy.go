// Package proxy defines the unit of portmux configuration: a named pairing
// of one in connector and one out connector.
package proxy

import (
	"go.uber.org/zap"

	"portmux/pkg/config"
	"portmux/pkg/connector"
)

// Proxy pairs one client-facing connector with one server-facing connector.
// Proxies are created at startup from validated configuration, registered
// into the engine's active set, and live for the process lifetime.
type Proxy struct {
	Name string
	In   connector.Inbound
	Out  connector.Outbound
}

// New builds a proxy from validated configuration.
func New(cfg *config.Proxy, log *zap.Logger) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	in, err := connector.NewInbound(&cfg.In, log)
	if err != nil {
		return nil, err
	}
	out, err := connector.NewOutbound(&cfg.Out, log)
	if err != nil {
		return nil, err
	}
	return &Proxy{Name: cfg.Name, In: in, Out: out}, nil
}
