// Package connector implements the pluggable connection-establishment
// strategies used by the portmux engine.
//
// A connector owns one side of a proxied connection. Inbound connectors
// accept client connections and decide how to pair them with an upstream
// socket; outbound connectors establish that upstream socket. Connectors are
// stateless factories shared across all connections they handle: per
// connection state lives on the sockets themselves.
//
// Supported kinds:
//   - tcp:     plain listen/accept or dial
//   - tls:     tcp wrapped in transport encryption (payload stays opaque)
//   - connect: dials an HTTP proxy and issues a CONNECT handshake
//   - socks5:  dials through an upstream SOCKS5 proxy
//   - dual:    accepts, then routes by which side talks first
//   - null:    inert placeholder opposite a dual connector
package connector

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"portmux/pkg/config"
)

// Kind identifies a connector variant. The set is closed: unknown kinds are
// rejected when the configuration is validated.
type Kind string

const (
	KindTCP     Kind = config.TypeTCP
	KindTLS     Kind = config.TypeTLS
	KindConnect Kind = config.TypeConnect
	KindSOCKS5  Kind = config.TypeSOCKS5
	KindDual    Kind = config.TypeDual
	KindNull    Kind = config.TypeNull
)

// Outbound establishes upstream connections.
type Outbound interface {
	Kind() Kind

	// Dial opens a connection to the connector's target. The returned
	// connection is a transparent relay socket: any handshake the connector
	// performs (CONNECT tunnel, SOCKS5, TLS) has already completed. Failures
	// are reported as *ConnectError or *TunnelError and never leak an open
	// socket.
	Dial(ctx context.Context) (net.Conn, error)
}

// Inbound accepts client connections and pairs them with upstream sockets.
type Inbound interface {
	Kind() Kind

	// Listen binds the connector's listening socket. Bind failures are fatal
	// to the caller.
	Listen() (net.Listener, error)

	// HandleConn prepares an accepted client connection for relay. It
	// obtains the paired upstream socket, normally by dialing out, and may
	// replace the client connection with a wrapper that replays bytes
	// consumed during a handshake or protocol detection. On error no
	// upstream socket is left open and the caller must close the client
	// without ever relaying data.
	HandleConn(ctx context.Context, client net.Conn, out Outbound) (cl, upstream net.Conn, err error)
}

// ConnectError reports a failed upstream dial (DNS failure, refused
// connection). It is never fatal to the engine: the corresponding accepted
// connection is closed without entering relay state.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TunnelError reports a failed CONNECT handshake with an upstream HTTP
// proxy: a non-2xx status, a malformed status line, or a connection drop
// before the header block completed. Treated exactly like a dial failure.
type TunnelError struct {
	Proxy  string
	Status string
	Err    error
}

func (e *TunnelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel via %s: %v", e.Proxy, e.Err)
	}
	return fmt.Sprintf("tunnel via %s: proxy refused: %q", e.Proxy, e.Status)
}

func (e *TunnelError) Unwrap() error { return e.Err }

// NewInbound builds the in-role connector described by cfg. The
// configuration must already have passed config validation; unknown kinds
// still fail here rather than panic.
func NewInbound(cfg *config.Connector, log *zap.Logger) (Inbound, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case config.TypeTCP:
		return newTCPInbound(cfg), nil
	case config.TypeTLS:
		return newTLSInbound(cfg)
	case config.TypeDual:
		return newDualInbound(cfg, log)
	default:
		return nil, &config.Error{Field: "in", Reason: fmt.Sprintf("connector type %q cannot be used in the in role", cfg.Type)}
	}
}

// NewOutbound builds the out-role connector described by cfg.
func NewOutbound(cfg *config.Connector, log *zap.Logger) (Outbound, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Type {
	case config.TypeTCP:
		return newTCPOutbound(cfg), nil
	case config.TypeTLS:
		return newTLSOutbound(cfg), nil
	case config.TypeConnect:
		return newConnectOutbound(cfg, log), nil
	case config.TypeSOCKS5:
		return newSOCKS5Outbound(cfg), nil
	case config.TypeNull:
		return Null{}, nil
	default:
		return nil, &config.Error{Field: "out", Reason: fmt.Sprintf("connector type %q cannot be used in the out role", cfg.Type)}
	}
}
