package bridge

// pendingTable correlates outstanding requests with their resolution state,
// keyed by a request id chosen by the initiating side. Entries are removed
// exactly once: take and drain are the only ways out. Iteration order is
// insertion order. Callers serialize access through the session lock.
type pendingTable[T any] struct {
	entries map[string]T
	order   []string
}

func newPendingTable[T any]() *pendingTable[T] {
	return &pendingTable[T]{entries: make(map[string]T)}
}

// add registers v under id. It reports false if id is already pending.
func (p *pendingTable[T]) add(id string, v T) bool {
	if _, exists := p.entries[id]; exists {
		return false
	}
	p.entries[id] = v
	p.order = append(p.order, id)
	return true
}

// take removes and returns the entry for id.
func (p *pendingTable[T]) take(id string) (T, bool) {
	v, ok := p.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	delete(p.entries, id)
	for i, k := range p.order {
		if k == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	return v, true
}

// drain removes and returns every entry in insertion order.
func (p *pendingTable[T]) drain() []T {
	out := make([]T, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	p.entries = make(map[string]T)
	p.order = nil
	return out
}

// values returns the pending entries in insertion order without removing them.
func (p *pendingTable[T]) values() []T {
	out := make([]T, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.entries[id])
	}
	return out
}

func (p *pendingTable[T]) len() int {
	return len(p.entries)
}
