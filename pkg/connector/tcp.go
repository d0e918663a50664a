package connector

import (
	"context"
	"net"
	"time"

	"github.com/pires/go-proxyproto"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// dialTimeout bounds plain dials so a dead backend cannot hold an accepted
// client forever.
const dialTimeout = 10 * time.Second

// TCPInbound listens on a plain TCP endpoint and pairs every accepted
// connection with the proxy's out connector.
type TCPInbound struct {
	addr       string
	proxyProto bool
}

func newTCPInbound(cfg *config.Connector) *TCPInbound {
	return &TCPInbound{
		addr:       utils.HostPort(cfg.Host, cfg.Port),
		proxyProto: cfg.ProxyProtocol,
	}
}

// Kind returns the connector kind.
func (t *TCPInbound) Kind() Kind { return KindTCP }

// Listen binds the listening socket. With proxy_protocol enabled the
// listener transparently parses a leading HAProxy PROXY header so the
// relayed stream never contains it.
func (t *TCPInbound) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return nil, err
	}
	if t.proxyProto {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return ln, nil
}

// HandleConn dials the out connector; the accepted connection needs no
// further preparation.
func (t *TCPInbound) HandleConn(ctx context.Context, client net.Conn, out Outbound) (net.Conn, net.Conn, error) {
	upstream, err := out.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, upstream, nil
}

// TCPOutbound dials a fixed host:port directly.
type TCPOutbound struct {
	addr string
}

func newTCPOutbound(cfg *config.Connector) *TCPOutbound {
	return &TCPOutbound{addr: utils.HostPort(cfg.Host, cfg.Port)}
}

// Kind returns the connector kind.
func (t *TCPOutbound) Kind() Kind { return KindTCP }

// Dial opens a plain TCP connection to the target.
func (t *TCPOutbound) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, &ConnectError{Endpoint: t.addr, Err: err}
	}
	return conn, nil
}
