package engine

import (
	"net"
	"sync"

	"portmux/pkg/connector"
)

// Handle identifies a registered socket. Handles are issued monotonically at
// registration time and used as map keys everywhere, so nothing depends on
// pointer identity.
type Handle uint64

// Entry is the registry metadata for one live socket.
type Entry struct {
	Handle    Handle
	Peer      Handle // zero until pairing completes
	Proxy     string
	Kind      connector.Kind
	Listening bool
	Addr      string

	conn net.Conn
	ln   net.Listener
}

// Registry is the process-wide table of live sockets. All mutation goes
// through its mutex so handlers on any goroutine observe consistent pairing
// state.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	closed  bool
	entries map[Handle]*Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]*Entry)}
}

// AddListener registers a listening socket and returns its handle.
func (r *Registry) AddListener(proxy string, kind connector.Kind, ln net.Listener) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.issue()
	r.entries[h] = &Entry{Handle: h, Proxy: proxy, Kind: kind, Listening: true, Addr: ln.Addr().String(), ln: ln}
	return h
}

// AddPair registers a relay pair in one step: both data sockets enter the
// table already pointing at each other, so no observer can see a half-paired
// connection.
func (r *Registry) AddPair(proxy string, kind connector.Kind, client, upstream net.Conn) (Handle, Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.issue()
	uh := r.issue()
	r.entries[ch] = &Entry{Handle: ch, Peer: uh, Proxy: proxy, Kind: kind, Addr: client.RemoteAddr().String(), conn: client}
	r.entries[uh] = &Entry{Handle: uh, Peer: ch, Proxy: proxy, Kind: kind, Addr: upstream.RemoteAddr().String(), conn: upstream}
	if r.closed {
		// CloseAll already walked the table; a pair arriving now would
		// never be visited again, so close it here and let its relay wind
		// down through the normal teardown path.
		client.Close()
		upstream.Close()
	}
	return ch, uh
}

// RemovePair drops both halves of a relay pair.
func (r *Registry) RemovePair(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[h]; ok {
		delete(r.entries, e.Peer)
		delete(r.entries, h)
	}
}

// Remove drops a single entry, typically a listener.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

// Len reports the number of registered sockets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of the current entries for introspection.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// CloseAll closes every registered socket, listeners first so no new
// connections arrive while data sockets are torn down. Entries stay in the
// table until their owners remove them; closing is what unblocks those
// owners. Pairs registered after CloseAll are closed on registration, so a
// handler racing the shutdown cannot leave a relay running.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, e := range r.entries {
		if e.Listening && e.ln != nil {
			e.ln.Close()
		}
	}
	for _, e := range r.entries {
		if !e.Listening && e.conn != nil {
			e.conn.Close()
		}
	}
}

func (r *Registry) issue() Handle {
	r.next++
	return r.next
}
