package connector

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// ConnectOutbound reaches its target through an upstream HTTP proxy using
// the CONNECT method. After a successful handshake the connection behaves
// exactly like a plain tcp connector's output.
type ConnectOutbound struct {
	target    string // final destination, host:port
	proxyAddr string
	user      string
	pass      string
	agent     string
	log       *zap.Logger
}

func newConnectOutbound(cfg *config.Connector, log *zap.Logger) *ConnectOutbound {
	return &ConnectOutbound{
		target:    utils.HostPort(cfg.Host, cfg.Port),
		proxyAddr: utils.HostPort(cfg.ProxyHost, cfg.ProxyPort),
		user:      cfg.ProxyUser,
		pass:      cfg.ProxyPass,
		agent:     cfg.ProxyAgent,
		log:       log,
	}
}

// Kind returns the connector kind.
func (c *ConnectOutbound) Kind() Kind { return KindConnect }

// Dial connects to the upstream proxy and performs the CONNECT handshake.
// On any handshake failure the socket is closed before it is ever handed to
// the engine; no partial relay begins.
func (c *ConnectOutbound) Dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.proxyAddr)
	if err != nil {
		return nil, &ConnectError{Endpoint: c.proxyAddr, Err: err}
	}

	// Bound the handshake so a proxy that accepts and then never answers
	// cannot pin the connection, and cut it short if ctx is cancelled while
	// a read is in flight.
	conn.SetDeadline(time.Now().Add(dialTimeout))
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })

	early, err := c.handshake(conn)
	stop()
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	c.log.Debug("CONNECT tunnel established",
		zap.String("proxy", c.proxyAddr),
		zap.String("target", c.target))

	// bufio may have consumed bytes the target sent right after the
	// handshake, e.g. a server-first protocol banner. Replay them so the
	// relay sees an untouched stream.
	return NewReplayConn(conn, early), nil
}

// handshake writes the CONNECT request and consumes the proxy's response
// headers. Success means a 2xx status; anything else, including a malformed
// status line or a drop mid-response, is a TunnelError. Any bytes read past
// the blank header terminator are returned for replay.
func (c *ConnectOutbound) handshake(conn net.Conn) ([]byte, error) {
	var req strings.Builder
	fmt.Fprintf(&req, "CONNECT %s HTTP/1.0\r\n", c.target)
	fmt.Fprintf(&req, "Host: %s\r\n", c.target)
	if c.user != "" || c.pass != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(c.user + ":" + c.pass))
		fmt.Fprintf(&req, "Proxy-Authorization: Basic %s\r\n", cred)
	}
	if c.agent != "" {
		fmt.Fprintf(&req, "User-Agent: %s\r\n", c.agent)
	}
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return nil, &TunnelError{Proxy: c.proxyAddr, Err: err}
	}

	r := bufio.NewReader(conn)
	status, err := r.ReadString('\n')
	if err != nil {
		return nil, &TunnelError{Proxy: c.proxyAddr, Err: fmt.Errorf("reading status line: %w", err)}
	}
	status = strings.TrimRight(status, "\r\n")

	code, err := parseStatusCode(status)
	if err != nil {
		return nil, &TunnelError{Proxy: c.proxyAddr, Status: status, Err: err}
	}
	if code < 200 || code > 299 {
		return nil, &TunnelError{Proxy: c.proxyAddr, Status: status}
	}

	// Drain the remaining response headers up to the blank line so none of
	// them leak into the relayed stream.
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, &TunnelError{Proxy: c.proxyAddr, Err: fmt.Errorf("reading response headers: %w", err)}
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if n := r.Buffered(); n > 0 {
		peeked, _ := r.Peek(n)
		early := make([]byte, n)
		copy(early, peeked)
		return early, nil
	}
	return nil, nil
}

func parseStatusCode(status string) (int, error) {
	fields := strings.Fields(status)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", status)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code in %q", status)
	}
	return code, nil
}
