package connector

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func TestReplayConnDrainsBufferFirst(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	c := NewReplayConn(left, []byte("hello "))

	go func() {
		right.Write([]byte("world"))
		right.Close()
	}()

	data, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, []byte("hello world")) {
		t.Fatalf("got %q, want %q", data, "hello world")
	}
}

func TestReplayConnPartialReads(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	c := NewReplayConn(left, []byte("abcdef"))

	buf := make([]byte, 2)
	var got []byte
	for i := 0; i < 3; i++ {
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdef" {
		t.Fatalf("got %q, want %q", got, "abcdef")
	}

	// Buffer drained: a further read must hit the underlying socket.
	left.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, err := c.Read(buf); err == nil {
		t.Fatal("expected deadline error reading past the replay buffer")
	}
}

func TestReplayConnEmptyBufferReturnsOriginal(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	if c := NewReplayConn(left, nil); c != left {
		t.Fatal("empty replay buffer should not wrap the connection")
	}
}

func TestReplayConnUnwrap(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	c := NewReplayConn(left, []byte("x")).(*Conn)
	if c.Unwrap() != nil {
		t.Fatal("Unwrap must return nil while replay bytes remain")
	}

	buf := make([]byte, 1)
	if _, err := c.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if c.Unwrap() != left {
		t.Fatal("Unwrap must return the underlying conn once drained")
	}
}
