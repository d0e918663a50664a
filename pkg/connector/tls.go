package connector

import (
	"context"
	"crypto/tls"
	"net"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// TLSInbound accepts TLS connections and terminates the transport
// encryption. The decrypted payload is relayed without being decoded any
// further.
type TLSInbound struct {
	addr      string
	tlsConfig *tls.Config
}

func newTLSInbound(cfg *config.Connector) (*TLSInbound, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, &config.Error{Field: "in", Reason: "cannot load TLS key pair: " + err.Error()}
	}
	return &TLSInbound{
		addr:      utils.HostPort(cfg.Host, cfg.Port),
		tlsConfig: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, nil
}

// Kind returns the connector kind.
func (t *TLSInbound) Kind() Kind { return KindTLS }

// Listen binds a TLS-wrapped listener.
func (t *TLSInbound) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, t.tlsConfig), nil
}

// HandleConn dials the out connector, identically to the tcp connector.
func (t *TLSInbound) HandleConn(ctx context.Context, client net.Conn, out Outbound) (net.Conn, net.Conn, error) {
	upstream, err := out.Dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, upstream, nil
}

// TLSOutbound dials a target and wraps the connection in TLS before handing
// it over as a transparent relay socket.
type TLSOutbound struct {
	addr      string
	tlsConfig *tls.Config
}

func newTLSOutbound(cfg *config.Connector) *TLSOutbound {
	serverName := cfg.ServerName
	if serverName == "" {
		serverName = cfg.Host
	}
	return &TLSOutbound{
		addr: utils.HostPort(cfg.Host, cfg.Port),
		tlsConfig: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: cfg.Insecure,
		},
	}
}

// Kind returns the connector kind.
func (t *TLSOutbound) Kind() Kind { return KindTLS }

// Dial connects and completes the TLS handshake. A handshake failure closes
// the socket and is reported as a ConnectError.
func (t *TLSOutbound) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, &ConnectError{Endpoint: t.addr, Err: err}
	}
	conn := tls.Client(raw, t.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, &ConnectError{Endpoint: t.addr, Err: err}
	}
	return conn, nil
}
