package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// detectBufSize bounds a single detection read. Protocols that speak first
// (TLS ClientHello, HTTP request lines) fit well within this.
const detectBufSize = 4096

// DualInbound multiplexes two otherwise incompatible services on one
// listening port. It never inspects payload: it classifies each connection
// purely by which side sends the first bytes within a bounded timeout.
// Clients of protocols like TLS or HTTP transmit immediately, so any byte
// arriving before the timeout routes the connection to the client-first
// backend; silence until the timeout routes it to the server-first backend,
// whose greeting (an SSH banner, an SMTP 220 line) is then forwarded to the
// waiting client.
//
// The decision is final: once a backend is chosen the connection relays with
// plain tcp semantics, and every byte received before the decision is
// replayed to the chosen backend verbatim and in order.
type DualInbound struct {
	addr        string
	timeout     time.Duration
	serverFirst Outbound
	clientFirst Outbound
	proxyProto  bool
	log         *zap.Logger
}

func newDualInbound(cfg *config.Connector, log *zap.Logger) (*DualInbound, error) {
	serverFirst, err := NewOutbound(cfg.ServerFirst, log)
	if err != nil {
		return nil, err
	}
	clientFirst, err := NewOutbound(cfg.ClientFirst, log)
	if err != nil {
		return nil, err
	}
	return &DualInbound{
		addr:        utils.HostPort(cfg.Host, cfg.Port),
		timeout:     time.Duration(cfg.Timeout * float64(time.Second)),
		serverFirst: serverFirst,
		clientFirst: clientFirst,
		proxyProto:  cfg.ProxyProtocol,
		log:         log,
	}, nil
}

// Kind returns the connector kind.
func (d *DualInbound) Kind() Kind { return KindDual }

// Listen binds the shared listening socket.
func (d *DualInbound) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return nil, err
	}
	if d.proxyProto {
		ln = &proxyproto.Listener{Listener: ln}
	}
	return ln, nil
}

// HandleConn runs protocol detection on the accepted connection and dials
// the chosen backend. The proxy's declared out connector is ignored; a dual
// connector owns both of its outbound decisions, which is why it is always
// paired with the null connector.
//
// If the client disconnects before any decision, no backend is dialed and
// the partial state is discarded.
func (d *DualInbound) HandleConn(ctx context.Context, client net.Conn, _ Outbound) (net.Conn, net.Conn, error) {
	buf := make([]byte, detectBufSize)

	if err := client.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return nil, nil, fmt.Errorf("arming detection timer: %w", err)
	}
	n, err := client.Read(buf)
	if derr := client.SetReadDeadline(time.Time{}); derr != nil {
		return nil, nil, fmt.Errorf("disarming detection timer: %w", derr)
	}

	switch {
	case n > 0:
		// Any byte before the timeout means the client speaks first, even
		// if the read also reported an error; the bytes still have to reach
		// the backend before the connection winds down.
		d.log.Debug("client spoke first",
			zap.String("client", client.RemoteAddr().String()),
			zap.Int("bytes", n))
		upstream, derr := d.clientFirst.Dial(ctx)
		if derr != nil {
			return nil, nil, derr
		}
		return NewReplayConn(client, buf[:n]), upstream, nil

	case isTimeout(err):
		// Nothing arrived inside the window: the backend is expected to
		// speak first, so no replay is needed.
		d.log.Debug("detection timeout, assuming server-first protocol",
			zap.String("client", client.RemoteAddr().String()),
			zap.Duration("timeout", d.timeout))
		upstream, derr := d.serverFirst.Dial(ctx)
		if derr != nil {
			return nil, nil, derr
		}
		return client, upstream, nil

	default:
		// Client went away before a decision was possible.
		return nil, nil, fmt.Errorf("client disconnected before protocol detection: %w", err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
