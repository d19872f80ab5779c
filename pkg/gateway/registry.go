// Package gateway accepts client connections and fans processed ticks out
// to every subscriber of a symbol.
package gateway

import "sync"

// Conn is one outbound delivery target. Deliver must not block; false
// means the connection is dead or too slow and should be pruned.
type Conn interface {
	Deliver(msg []byte) bool
}

// Upstream receives symbol demand transitions: first subscriber appears
// (0 to 1) or last subscriber leaves (1 to 0).
type Upstream interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
}

// Registry is the thread-safe symbol to connection mapping. The lock only
// covers index mutation; upstream notifications happen outside it.
type Registry struct {
	upstream Upstream

	mu       sync.RWMutex
	bySymbol map[string]map[Conn]struct{}
	byConn   map[Conn]map[string]struct{}
}

func NewRegistry(upstream Upstream) *Registry {
	return &Registry{
		upstream: upstream,
		bySymbol: make(map[string]map[Conn]struct{}),
		byConn:   make(map[Conn]map[string]struct{}),
	}
}

// Subscribe adds the connection to each symbol's set. Symbols gaining
// their first subscriber are forwarded upstream.
func (r *Registry) Subscribe(c Conn, symbols []string) {
	var first []string
	r.mu.Lock()
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		set := r.bySymbol[sym]
		if set == nil {
			set = make(map[Conn]struct{})
			r.bySymbol[sym] = set
		}
		if _, ok := set[c]; ok {
			continue
		}
		if len(set) == 0 {
			first = append(first, sym)
		}
		set[c] = struct{}{}
		if r.byConn[c] == nil {
			r.byConn[c] = make(map[string]struct{})
		}
		r.byConn[c][sym] = struct{}{}
	}
	r.mu.Unlock()

	if r.upstream != nil {
		for _, sym := range first {
			r.upstream.Subscribe(sym)
		}
	}
}

// Unsubscribe removes the connection from each symbol's set. A symbol the
// connection never subscribed to is a no-op: nothing is sent upstream.
func (r *Registry) Unsubscribe(c Conn, symbols []string) {
	var last []string
	r.mu.Lock()
	for _, sym := range symbols {
		set := r.bySymbol[sym]
		if set == nil {
			continue
		}
		if _, ok := set[c]; !ok {
			continue
		}
		delete(set, c)
		delete(r.byConn[c], sym)
		if len(set) == 0 {
			delete(r.bySymbol, sym)
			last = append(last, sym)
		}
	}
	r.mu.Unlock()

	if r.upstream != nil {
		for _, sym := range last {
			r.upstream.Unsubscribe(sym)
		}
	}
}

// RemoveConn drops the connection from every symbol set, typically on
// disconnect. Entries never outlive their connection.
func (r *Registry) RemoveConn(c Conn) {
	var last []string
	r.mu.Lock()
	for sym := range r.byConn[c] {
		set := r.bySymbol[sym]
		delete(set, c)
		if len(set) == 0 {
			delete(r.bySymbol, sym)
			last = append(last, sym)
		}
	}
	delete(r.byConn, c)
	r.mu.Unlock()

	if r.upstream != nil {
		for _, sym := range last {
			r.upstream.Unsubscribe(sym)
		}
	}
}

// Subscribers returns a copy of the connection set for a symbol, safe to
// iterate while the registry keeps mutating.
func (r *Registry) Subscribers(symbol string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.bySymbol[symbol]
	if len(set) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// ActiveSymbols returns every symbol with at least one subscriber.
func (r *Registry) ActiveSymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySymbol))
	for sym := range r.bySymbol {
		out = append(out, sym)
	}
	return out
}
