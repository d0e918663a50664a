package connector

import (
	"context"
	"net"

	xproxy "golang.org/x/net/proxy"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// SOCKS5Outbound reaches its target through an upstream SOCKS5 proxy,
// optionally with username/password authentication. Like the connect
// connector, the returned socket is a transparent relay socket.
type SOCKS5Outbound struct {
	target    string
	proxyAddr string
	auth      *xproxy.Auth
}

func newSOCKS5Outbound(cfg *config.Connector) *SOCKS5Outbound {
	s := &SOCKS5Outbound{
		target:    utils.HostPort(cfg.Host, cfg.Port),
		proxyAddr: utils.HostPort(cfg.ProxyHost, cfg.ProxyPort),
	}
	if cfg.ProxyUser != "" || cfg.ProxyPass != "" {
		s.auth = &xproxy.Auth{User: cfg.ProxyUser, Password: cfg.ProxyPass}
	}
	return s
}

// Kind returns the connector kind.
func (s *SOCKS5Outbound) Kind() Kind { return KindSOCKS5 }

// Dial connects through the SOCKS5 proxy to the target.
func (s *SOCKS5Outbound) Dial(ctx context.Context) (net.Conn, error) {
	d, err := xproxy.SOCKS5("tcp", s.proxyAddr, s.auth, &net.Dialer{Timeout: dialTimeout})
	if err != nil {
		return nil, &ConnectError{Endpoint: s.proxyAddr, Err: err}
	}

	var conn net.Conn
	if cd, ok := d.(xproxy.ContextDialer); ok {
		conn, err = cd.DialContext(ctx, "tcp", s.target)
	} else {
		conn, err = d.Dial("tcp", s.target)
	}
	if err != nil {
		return nil, &ConnectError{Endpoint: s.target, Err: err}
	}
	return conn, nil
}
