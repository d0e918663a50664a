package connector

import "net"

// Conn wraps an accepted connection together with bytes that were consumed
// from it before a relay pair existed, such as the bytes that triggered a
// dual connector's routing decision. Read drains the replay buffer before
// touching the socket again, so the relay delivers the early bytes to the
// chosen backend verbatim and in their original order.
type Conn struct {
	net.Conn
	buf []byte
}

// NewReplayConn returns c with buf prepended to its read stream. If buf is
// empty, c is returned unchanged.
func NewReplayConn(c net.Conn, buf []byte) net.Conn {
	if len(buf) == 0 {
		return c
	}
	return &Conn{Conn: c, buf: buf}
}

func (c *Conn) Read(b []byte) (int, error) {
	if len(c.buf) > 0 {
		n := copy(b, c.buf)
		if n == len(c.buf) {
			c.buf = nil
		} else {
			c.buf = c.buf[n:]
		}
		return n, nil
	}
	return c.Conn.Read(b)
}

// Buffered reports how many replay bytes have not been read yet.
func (c *Conn) Buffered() int { return len(c.buf) }

// Unwrap returns the underlying connection once the replay buffer has been
// fully drained, or nil while buffered data remains.
func (c *Conn) Unwrap() net.Conn {
	if len(c.buf) > 0 {
		return nil
	}
	return c.Conn
}
