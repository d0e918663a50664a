package connector

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"portmux/pkg/config"
	"portmux/pkg/utils"
)

// mockProxy runs a one-shot HTTP proxy that records the request headers it
// received, answers with the scripted response, and then echoes one line.
type mockProxy struct {
	ln       net.Listener
	response string
	gotReq   chan string
}

func startMockProxy(t *testing.T, response string) *mockProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &mockProxy{ln: ln, response: response, gotReq: make(chan string, 1)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		var req strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			req.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		m.gotReq <- req.String()

		if m.response == "" {
			return // simulate a drop mid-handshake
		}
		conn.Write([]byte(m.response))

		// Behave like an established tunnel: echo whatever arrives.
		io.Copy(conn, r)
	}()
	return m
}

func connectConfig(t *testing.T, proxyAddr string, user, pass, agent string) *config.Connector {
	t.Helper()
	host, port, err := utils.ParseHostPort(proxyAddr, 0)
	if err != nil {
		t.Fatalf("parse proxy addr: %v", err)
	}
	return &config.Connector{
		Type:       config.TypeConnect,
		Host:       "target.example.com",
		Port:       22,
		ProxyHost:  host,
		ProxyPort:  port,
		ProxyUser:  user,
		ProxyPass:  pass,
		ProxyAgent: agent,
	}
}

func TestConnectTunnelHandshake(t *testing.T) {
	m := startMockProxy(t, "HTTP/1.0 200 Connection established\r\nProxy-Agent: mock\r\n\r\n")

	out, err := NewOutbound(connectConfig(t, m.ln.Addr().String(), "alice", "secret", "portmux-test"), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	conn, err := out.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := <-m.gotReq
	wantLines := []string{
		"CONNECT target.example.com:22 HTTP/1.0\r\n",
		"Host: target.example.com:22\r\n",
		// base64("alice:secret")
		"Proxy-Authorization: Basic YWxpY2U6c2VjcmV0\r\n",
		"User-Agent: portmux-test\r\n",
	}
	for _, line := range wantLines {
		if !strings.Contains(req, line) {
			t.Errorf("request missing %q; got:\n%s", line, req)
		}
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Errorf("request not terminated by a blank line:\n%q", req)
	}

	// The tunnel must now relay unmodified.
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write through tunnel: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read through tunnel: %v", err)
	}
	if string(buf) != "ping\n" {
		t.Fatalf("tunnel altered payload: got %q", buf)
	}
}

func TestConnectTunnelOmitsOptionalHeaders(t *testing.T) {
	m := startMockProxy(t, "HTTP/1.0 200 OK\r\n\r\n")

	out, err := NewOutbound(connectConfig(t, m.ln.Addr().String(), "", "", ""), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	conn, err := out.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	req := <-m.gotReq
	if strings.Contains(req, "Proxy-Authorization") {
		t.Error("Proxy-Authorization sent without credentials")
	}
	if strings.Contains(req, "User-Agent") {
		t.Error("User-Agent sent without an agent configured")
	}
}

func TestConnectTunnelRejected(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"forbidden", "HTTP/1.0 403 Forbidden\r\n\r\n"},
		{"server error", "HTTP/1.1 502 Bad Gateway\r\n\r\n"},
		{"malformed status", "nonsense\r\n\r\n"},
		{"truncated", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := startMockProxy(t, tt.response)

			out, err := NewOutbound(connectConfig(t, m.ln.Addr().String(), "", "", ""), nil)
			if err != nil {
				t.Fatalf("NewOutbound: %v", err)
			}
			conn, err := out.Dial(context.Background())
			if err == nil {
				conn.Close()
				t.Fatal("Dial succeeded against a refusing proxy")
			}
			var te *TunnelError
			if !errors.As(err, &te) {
				t.Fatalf("want *TunnelError, got %T: %v", err, err)
			}
		})
	}
}

func TestConnectTunnelSilentProxyUnblocksOnCancel(t *testing.T) {
	// A proxy that accepts and then never answers must not pin the dial
	// past cancellation.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	held := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		held <- conn
	}()
	t.Cleanup(func() {
		select {
		case conn := <-held:
			conn.Close()
		default:
		}
	})

	out, err := NewOutbound(connectConfig(t, ln.Addr().String(), "", "", ""), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	conn, err := out.Dial(ctx)
	if err == nil {
		conn.Close()
		t.Fatal("Dial succeeded against a silent proxy")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Dial blocked %v past cancellation", elapsed)
	}
	var te *TunnelError
	if !errors.As(err, &te) {
		t.Fatalf("want *TunnelError, got %T: %v", err, err)
	}
}

func TestConnectTunnelDialFailure(t *testing.T) {
	// Bind and immediately close to get an endpoint that refuses connections.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	out, err := NewOutbound(connectConfig(t, addr, "", "", ""), nil)
	if err != nil {
		t.Fatalf("NewOutbound: %v", err)
	}
	_, err = out.Dial(context.Background())
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("want *ConnectError, got %T: %v", err, err)
	}
}

func TestParseStatusCode(t *testing.T) {
	tests := []struct {
		line    string
		code    int
		wantErr bool
	}{
		{"HTTP/1.0 200 Connection established", 200, false},
		{"HTTP/1.1 407 Proxy Authentication Required", 407, false},
		{"HTTP/1.0 200", 200, false},
		{"200 OK", 0, true},
		{"HTTP/1.0", 0, true},
		{"HTTP/1.0 abc OK", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		code, err := parseStatusCode(tt.line)
		if tt.wantErr != (err != nil) {
			t.Errorf("parseStatusCode(%q) error = %v, wantErr %v", tt.line, err, tt.wantErr)
			continue
		}
		if err == nil && code != tt.code {
			t.Errorf("parseStatusCode(%q) = %d, want %d", tt.line, code, tt.code)
		}
	}
}
