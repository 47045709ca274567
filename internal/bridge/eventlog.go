package bridge

import (
	"sync"
	"time"
)

// DefaultEventLogCapacity bounds the replay buffer of a session when browsers
// stop acknowledging.
const DefaultEventLogCapacity = 5000

// Event is one sequenced message in a session's event log. Data is the exact
// frame sent to browsers, with the sequence number already embedded.
type Event struct {
	Seq  uint64
	Data []byte
	At   time.Time
}

// EventLog assigns gap-free, strictly increasing sequence numbers to outbound
// browser messages and retains them until acknowledged, for replay to
// reconnecting browsers. Sequence numbers start at 1 and are never reused,
// including across agent restarts within the same session.
type EventLog struct {
	mu         sync.Mutex
	events     []Event
	nextSeq    uint64
	lastAckSeq uint64
	capacity   int
}

// NewEventLog creates an empty log. capacity <= 0 selects the default.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventLogCapacity
	}
	return &EventLog{
		events:   make([]Event, 0, 64),
		nextSeq:  1,
		capacity: capacity,
	}
}

// NewEventLogAfter creates an empty log that continues numbering after
// lastSeq. Events up to lastSeq count as acknowledged.
func NewEventLogAfter(capacity int, lastSeq uint64) *EventLog {
	l := NewEventLog(capacity)
	l.nextSeq = lastSeq + 1
	l.lastAckSeq = lastSeq
	return l
}

// Append assigns the next sequence number, lets build render the frame for
// it, and retains the result. When the log exceeds capacity the oldest
// unacknowledged events are evicted.
func (l *EventLog) Append(build func(seq uint64) []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.nextSeq
	l.nextSeq++
	ev := Event{Seq: seq, Data: build(seq), At: time.Now()}
	l.events = append(l.events, ev)

	if excess := len(l.events) - l.capacity; excess > 0 {
		l.events = append(l.events[:0:0], l.events[excess:]...)
	}
	return ev
}

// Since returns every retained event with Seq > seq, in order.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Events are sorted by Seq; find the first index past seq.
	i := 0
	if len(l.events) > 0 && seq >= l.events[0].Seq {
		i = int(seq-l.events[0].Seq) + 1
		if i > len(l.events) {
			i = len(l.events)
		}
	}
	out := make([]Event, len(l.events)-i)
	copy(out, l.events[i:])
	return out
}

// Ack discards events with Seq <= seq. Acks beyond the last assigned sequence
// are clamped, and acks that move backwards are ignored.
func (l *EventLog) Ack(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last := l.nextSeq - 1; seq > last {
		seq = last
	}
	if seq <= l.lastAckSeq {
		return
	}
	l.lastAckSeq = seq

	drop := 0
	for drop < len(l.events) && l.events[drop].Seq <= seq {
		drop++
	}
	if drop > 0 {
		l.events = append(l.events[:0:0], l.events[drop:]...)
	}
}

// HasGap reports whether events after seq were trimmed or evicted before a
// browser that last saw seq could receive them.
func (l *EventLog) HasGap(seq uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return seq < l.nextSeq-1
	}
	return l.events[0].Seq > seq+1
}

// LastSeq returns the most recently assigned sequence number, or 0.
func (l *EventLog) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// LastAckSeq returns the highest acknowledged sequence number.
func (l *EventLog) LastAckSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastAckSeq
}

// Len returns the number of retained events.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
