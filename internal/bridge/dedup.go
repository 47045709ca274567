package bridge

// DefaultProcessedIDCapacity is how many client message ids a session remembers.
const DefaultProcessedIDCapacity = 1000

// processedIDs remembers the most recent client message ids so a browser
// resending after a reconnect does not apply the same message twice. The ring
// keeps insertion order for eviction; the set answers membership.
type processedIDs struct {
	ring     []string
	next     int
	full     bool
	set      map[string]struct{}
	capacity int
}

func newProcessedIDs(capacity int) *processedIDs {
	if capacity <= 0 {
		capacity = DefaultProcessedIDCapacity
	}
	return &processedIDs{
		ring:     make([]string, capacity),
		set:      make(map[string]struct{}, capacity),
		capacity: capacity,
	}
}

// add records id and reports whether it was new.
func (p *processedIDs) add(id string) bool {
	if _, seen := p.set[id]; seen {
		return false
	}
	if p.full {
		delete(p.set, p.ring[p.next])
	}
	p.ring[p.next] = id
	p.set[id] = struct{}{}
	p.next = (p.next + 1) % p.capacity
	if p.next == 0 {
		p.full = true
	}
	return true
}

func (p *processedIDs) contains(id string) bool {
	_, ok := p.set[id]
	return ok
}
