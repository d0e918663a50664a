package engine

import (
	"sync"

	"go.uber.org/atomic"

	"portmux/internal/obs"
)

// Counters holds one proxy's opened/closed connection counts. A connection
// is counted as opened exactly once, when its upstream dial succeeded, and
// as closed exactly once, when its relay pair is fully torn down. Listening
// sockets and upstream sockets are never counted.
type Counters struct {
	Opened atomic.Int64
	Closed atomic.Int64
}

// Stats tracks per-proxy and aggregate connection counts, and mirrors them
// into prometheus.
type Stats struct {
	mu      sync.Mutex
	proxies map[string]*Counters

	totalOpened atomic.Int64
	totalClosed atomic.Int64
}

// NewStats returns an empty tracker.
func NewStats() *Stats {
	return &Stats{proxies: make(map[string]*Counters)}
}

// Register creates the counters for a proxy. Registering at startup keeps
// later lookups allocation-free.
func (s *Stats) Register(proxy string) *Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.proxies[proxy]; ok {
		return c
	}
	c := &Counters{}
	s.proxies[proxy] = c
	return c
}

// ConnOpened records an accepted client connection that entered relay state
// and returns the new aggregate opened count.
func (s *Stats) ConnOpened(proxy string) int64 {
	s.Register(proxy).Opened.Inc()
	obs.OpenedTotal.WithLabelValues(proxy).Inc()
	obs.ActiveRelays.Inc()
	return s.totalOpened.Inc()
}

// ConnClosed records a fully torn down relay pair and returns the new
// aggregate closed count.
func (s *Stats) ConnClosed(proxy string) int64 {
	s.Register(proxy).Closed.Inc()
	obs.ClosedTotal.WithLabelValues(proxy).Inc()
	obs.ActiveRelays.Dec()
	return s.totalClosed.Inc()
}

// DialFailed records an upstream dial or tunnel failure. These never touch
// the opened/closed counts.
func (s *Stats) DialFailed(proxy string) {
	obs.DialErrorsTotal.WithLabelValues(proxy).Inc()
}

// TotalOpened returns the aggregate opened count across all proxies.
func (s *Stats) TotalOpened() int64 { return s.totalOpened.Load() }

// TotalClosed returns the aggregate closed count across all proxies.
func (s *Stats) TotalClosed() int64 { return s.totalClosed.Load() }

// Proxy returns a proxy's counters, or nil if it was never registered.
func (s *Stats) Proxy(proxy string) *Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxies[proxy]
}
