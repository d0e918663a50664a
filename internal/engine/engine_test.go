package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"portmux/pkg/config"
	"portmux/pkg/connector"
	"portmux/pkg/proxy"
)

// startEchoBackend runs a loopback server that echoes everything it reads.
func startEchoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(c)
		}
	}()
	return ln
}

func tcpConnector(t *testing.T, addr string) *config.Connector {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return &config.Connector{Type: config.TypeTCP, Host: host, Port: port}
}

// startTestEngine builds a loopback tcp->tcp proxy to the given backend and
// runs it, returning the proxy's listen address and the engine.
func startTestEngine(t *testing.T, backendAddr string, maxConns int64) (*Engine, string, <-chan error) {
	t.Helper()

	in, err := connector.NewInbound(&config.Connector{Type: config.TypeTCP, Host: "127.0.0.1", Port: 0}, nil)
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	out, err := connector.NewOutbound(tcpConnector(t, backendAddr), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	eng := New(nil, Options{MaxConns: maxConns})
	eng.Register(&proxy.Proxy{Name: "test", In: in, Out: out})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	addr := waitForListener(t, eng)
	return eng, addr, done
}

// waitForListener polls the registry until the proxy's listening socket
// appears and returns its address.
func waitForListener(t *testing.T, eng *Engine) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range eng.Registry().Snapshot() {
			if e.Listening {
				return e.Addr
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("listener never registered")
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineRelayFidelity(t *testing.T) {
	backend := startEchoBackend(t)
	_, addr, _ := startTestEngine(t, backend.Addr().String(), 0)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// A payload larger than one relay buffer, with a recognizable pattern.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096) // 64 KiB
	go func() {
		conn.Write(payload)
	}()

	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in relay")
	}
}

func TestEngineStatsCounting(t *testing.T) {
	backend := startEchoBackend(t)
	eng, addr, _ := startTestEngine(t, backend.Addr().String(), 0)

	const n = 5
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("x"))
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		io.ReadFull(conn, buf)
		conn.Close()
	}

	waitFor(t, "closed count", func() bool { return eng.Stats().TotalClosed() == n })
	if got := eng.Stats().TotalOpened(); got != n {
		t.Fatalf("TotalOpened = %d, want %d", got, n)
	}
	c := eng.Stats().Proxy("test")
	if c == nil || c.Opened.Load() != n || c.Closed.Load() != n {
		t.Fatalf("per-proxy counters = %+v, want %d/%d", c, n, n)
	}
}

func TestEngineDialFailureClosesClientWithoutStats(t *testing.T) {
	// Backend bound and immediately closed: dials will be refused.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	eng, addr, _ := startTestEngine(t, deadAddr, 0)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	// The proxy must close our connection without relaying anything.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected EOF from closed client socket, got %v", err)
	}

	if got := eng.Stats().TotalOpened(); got != 0 {
		t.Fatalf("TotalOpened = %d after failed dial, want 0", got)
	}
}

func TestEngineMaxConnsTerminates(t *testing.T) {
	backend := startEchoBackend(t)
	_, addr, done := startTestEngine(t, backend.Addr().String(), 2)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		conn.Write([]byte("x"))
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		io.ReadFull(conn, buf)
		conn.Close()
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not terminate after the connection cap")
	}

	// The listener is gone: further dials must fail.
	if conn, err := net.Dial("tcp", addr); err == nil {
		conn.Close()
		t.Fatal("proxy still accepting after the connection cap")
	}
}

func TestEngineShutdownClosesEverything(t *testing.T) {
	backend := startEchoBackend(t)

	in, err := connector.NewInbound(&config.Connector{Type: config.TypeTCP, Host: "127.0.0.1", Port: 0}, nil)
	if err != nil {
		t.Fatalf("NewInbound: %v", err)
	}
	out, err := connector.NewOutbound(tcpConnector(t, backend.Addr().String()), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	eng := New(nil, Options{})
	eng.Register(&proxy.Proxy{Name: "test", In: in, Out: out})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	addr := waitForListener(t, eng)

	// Open a relay and keep it idle.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, "relay open", func() bool { return eng.Stats().TotalOpened() == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop on context cancellation")
	}

	// The idle relay was force-closed.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("relay still open after shutdown")
	}
}

func TestEngineNoProxies(t *testing.T) {
	eng := New(nil, Options{})
	if err := eng.Run(context.Background()); err == nil {
		t.Fatal("Run succeeded with no proxies registered")
	}
}
