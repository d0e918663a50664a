// Package engine owns all live sockets: it drives the accept loops of every
// registered proxy, pairs accepted clients with upstream sockets through the
// proxy's connectors, relays bytes between paired sockets, and enforces the
// optional global connection cap.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"portmux/pkg/connector"
	"portmux/pkg/proxy"
)

// relayBufSize is the per-direction copy buffer.
const relayBufSize = 32 * 1024

// RelayError classifies a mid-relay I/O failure. These tear down the
// affected pair and are never fatal to the engine.
type RelayError struct {
	Proxy     string
	Direction string
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s (%s): %v", e.Proxy, e.Direction, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Options configures an Engine.
type Options struct {
	// MaxConns caps the total number of client connections across all
	// proxies. When the cap is reached no further connections are accepted,
	// and Run returns once the last counted connection has closed. Zero
	// means unlimited.
	MaxConns int64
}

// Engine runs a set of proxies until its context is cancelled or the
// connection cap is exhausted.
type Engine struct {
	log      *zap.Logger
	registry *Registry
	stats    *Stats
	maxConns int64

	proxies []*proxy.Proxy

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool

	limitOnce sync.Once
	limitCh   chan struct{}

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

// New creates an engine with an empty proxy set.
func New(log *zap.Logger, opts Options) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:      log,
		registry: NewRegistry(),
		stats:    NewStats(),
		maxConns: opts.MaxConns,
		limitCh:  make(chan struct{}),
	}
}

// Register adds a proxy to the active set. All proxies must be registered
// before Run is called.
func (e *Engine) Register(p *proxy.Proxy) {
	e.proxies = append(e.proxies, p)
	e.stats.Register(p.Name)
}

// Stats exposes the engine's connection counters.
func (e *Engine) Stats() *Stats { return e.stats }

// Registry exposes the engine's socket table.
func (e *Engine) Registry() *Registry { return e.registry }

// Run binds every proxy's listener, then serves until ctx is cancelled or
// the connection cap is exhausted. A bind failure is fatal: nothing is
// served and every already-bound listener is closed again.
func (e *Engine) Run(ctx context.Context) error {
	if len(e.proxies) == 0 {
		return errors.New("engine: no proxies registered")
	}

	type bound struct {
		p  *proxy.Proxy
		ln net.Listener
		h  Handle
	}
	var listeners []bound
	for _, p := range e.proxies {
		ln, err := p.In.Listen()
		if err != nil {
			for _, b := range listeners {
				b.ln.Close()
				e.registry.Remove(b.h)
			}
			return fmt.Errorf("proxy %s: listen: %w", p.Name, err)
		}
		h := e.registry.AddListener(p.Name, p.In.Kind(), ln)
		listeners = append(listeners, bound{p: p, ln: ln, h: h})
		e.log.Info("listening",
			zap.String("proxy", p.Name),
			zap.String("kind", string(p.In.Kind())),
			zap.String("addr", ln.Addr().String()))
	}

	e.mu.Lock()
	for _, b := range listeners {
		e.listeners = append(e.listeners, b.ln)
	}
	e.mu.Unlock()

	for _, b := range listeners {
		e.acceptWG.Add(1)
		go e.acceptLoop(ctx, b.p, b.ln, b.h)
	}

	select {
	case <-ctx.Done():
		e.closeListeners()
		e.registry.CloseAll()
	case <-e.limitCh:
		// Listeners were already closed when the opened count hit the cap;
		// the last counted connection has now fully closed.
	}

	e.acceptWG.Wait()
	e.connWG.Wait()
	e.log.Info("engine stopped",
		zap.Int64("opened", e.stats.TotalOpened()),
		zap.Int64("closed", e.stats.TotalClosed()))
	return nil
}

func (e *Engine) acceptLoop(ctx context.Context, p *proxy.Proxy, ln net.Listener, h Handle) {
	defer e.acceptWG.Done()
	defer e.registry.Remove(h)
	for {
		c, err := ln.Accept()
		if err != nil {
			// Listener closed during shutdown or by the connection cap.
			return
		}
		e.connWG.Add(1)
		go e.handle(ctx, p, c)
	}
}

// handle runs one accepted client connection through its full lifecycle:
// pairing, relay, teardown. A pairing failure closes the client without any
// stats increment, exactly as if the connection had never been accepted.
func (e *Engine) handle(ctx context.Context, p *proxy.Proxy, raw net.Conn) {
	defer e.connWG.Done()

	client, upstream, err := p.In.HandleConn(ctx, raw, p.Out)
	if err != nil {
		raw.Close()
		var ce *connector.ConnectError
		var te *connector.TunnelError
		if errors.As(err, &ce) || errors.As(err, &te) {
			e.stats.DialFailed(p.Name)
			e.log.Warn("upstream unavailable", zap.String("proxy", p.Name), zap.Error(err))
		} else {
			e.log.Debug("connection dropped before pairing", zap.String("proxy", p.Name), zap.Error(err))
		}
		return
	}

	opened := e.stats.ConnOpened(p.Name)
	if e.maxConns > 0 && opened >= e.maxConns {
		e.closeListeners()
	}

	ch, _ := e.registry.AddPair(p.Name, p.In.Kind(), client, upstream)
	e.log.Debug("relay started",
		zap.String("proxy", p.Name),
		zap.String("client", raw.RemoteAddr().String()),
		zap.String("upstream", upstream.RemoteAddr().String()))

	e.relay(p.Name, client, upstream)

	e.registry.RemovePair(ch)
	closed := e.stats.ConnClosed(p.Name)
	e.log.Debug("relay closed", zap.String("proxy", p.Name), zap.String("client", raw.RemoteAddr().String()))

	if e.maxConns > 0 && closed >= e.maxConns {
		e.limitOnce.Do(func() { close(e.limitCh) })
	}
}

// relay copies bytes in both directions until either side ends the stream.
// The first direction to stop closes both sockets, tearing the pair down
// atomically; the other copy then unblocks on its closed socket.
func (e *Engine) relay(name string, client, upstream net.Conn) {
	var once sync.Once
	tearDown := func() {
		client.Close()
		upstream.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	copyHalf := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		buf := make([]byte, relayBufSize)
		_, err := io.CopyBuffer(dst, src, buf)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			e.log.Debug("relay error", zap.Error(&RelayError{Proxy: name, Direction: direction, Err: err}))
		}
		once.Do(tearDown)
	}

	go copyHalf(client, upstream, "upstream->client")
	copyHalf(upstream, client, "client->upstream")
	wg.Wait()
}

// closeListeners stops all accept loops. Safe to call more than once.
func (e *Engine) closeListeners() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ln := range e.listeners {
		ln.Close()
	}
}
