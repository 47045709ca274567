package bridge

import (
	"fmt"
	"testing"
)

func appendN(l *EventLog, n int) {
	for i := 0; i < n; i++ {
		l.Append(func(seq uint64) []byte { return []byte(fmt.Sprintf(`{"seq":%d}`, seq)) })
	}
}

func TestEventLog_SequenceStartsAtOneAndIncreases(t *testing.T) {
	t.Parallel()

	l := NewEventLog(0)
	if l.LastSeq() != 0 || l.Len() != 0 {
		t.Fatalf("empty log LastSeq=%d Len=%d", l.LastSeq(), l.Len())
	}
	for want := uint64(1); want <= 5; want++ {
		ev := l.Append(func(seq uint64) []byte { return []byte(fmt.Sprint(seq)) })
		if ev.Seq != want {
			t.Fatalf("Append seq = %d, want %d", ev.Seq, want)
		}
		if string(ev.Data) != fmt.Sprint(want) {
			t.Fatalf("build got seq %s, want %d", ev.Data, want)
		}
	}
}

func TestEventLog_SinceReturnsStrictlyGreater(t *testing.T) {
	t.Parallel()

	l := NewEventLog(0)
	appendN(l, 10)

	tests := []struct {
		after     uint64
		wantFirst uint64
		wantLen   int
	}{
		{0, 1, 10},
		{3, 4, 7},
		{9, 10, 1},
		{10, 0, 0},
		{42, 0, 0},
	}
	for _, tt := range tests {
		got := l.Since(tt.after)
		if len(got) != tt.wantLen {
			t.Fatalf("Since(%d) len = %d, want %d", tt.after, len(got), tt.wantLen)
		}
		if tt.wantLen > 0 && got[0].Seq != tt.wantFirst {
			t.Fatalf("Since(%d) first = %d, want %d", tt.after, got[0].Seq, tt.wantFirst)
		}
		for i := 1; i < len(got); i++ {
			if got[i].Seq != got[i-1].Seq+1 {
				t.Fatalf("Since(%d) not contiguous at %d", tt.after, i)
			}
		}
	}
}

func TestEventLog_AckTrims(t *testing.T) {
	t.Parallel()

	l := NewEventLog(0)
	appendN(l, 10)

	l.Ack(4)
	if l.Len() != 6 || l.LastAckSeq() != 4 {
		t.Fatalf("after Ack(4) Len=%d LastAckSeq=%d", l.Len(), l.LastAckSeq())
	}
	if got := l.Since(0); got[0].Seq != 5 {
		t.Fatalf("first retained = %d, want 5", got[0].Seq)
	}

	// Backwards acks are ignored.
	l.Ack(2)
	if l.LastAckSeq() != 4 || l.Len() != 6 {
		t.Fatalf("backwards ack changed log: LastAckSeq=%d Len=%d", l.LastAckSeq(), l.Len())
	}

	// Acks past the end are clamped.
	l.Ack(100)
	if l.LastAckSeq() != 10 || l.Len() != 0 {
		t.Fatalf("clamped ack: LastAckSeq=%d Len=%d", l.LastAckSeq(), l.Len())
	}

	// Numbering continues after a full trim.
	appendN(l, 1)
	if l.LastSeq() != 11 {
		t.Fatalf("LastSeq = %d, want 11", l.LastSeq())
	}
}

func TestEventLog_CapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	l := NewEventLog(3)
	appendN(l, 5)
	if l.Len() != 3 || !l.HasGap(0) {
		t.Fatalf("Len=%d HasGap(0)=%v, want 3 and a gap", l.Len(), l.HasGap(0))
	}
	if got := l.Since(0); got[0].Seq != 3 {
		t.Fatalf("oldest retained = %d, want 3", got[0].Seq)
	}
}

func TestEventLog_AfterContinuesNumbering(t *testing.T) {
	t.Parallel()

	l := NewEventLogAfter(0, 41)
	if l.LastSeq() != 41 || l.LastAckSeq() != 41 {
		t.Fatalf("LastSeq=%d LastAckSeq=%d, want 41", l.LastSeq(), l.LastAckSeq())
	}
	if l.HasGap(41) {
		t.Fatal("browser at the previous last seq should not see a gap")
	}
	if !l.HasGap(10) {
		t.Fatal("events before the floor are gone and should report a gap")
	}
	if ev := l.Append(func(uint64) []byte { return nil }); ev.Seq != 42 {
		t.Fatalf("first seq = %d, want 42", ev.Seq)
	}
}

func TestEventLog_HasGap(t *testing.T) {
	t.Parallel()

	l := NewEventLog(0)
	if l.HasGap(0) {
		t.Fatal("empty log reports a gap")
	}
	appendN(l, 5)
	if l.HasGap(0) || l.HasGap(3) || l.HasGap(5) {
		t.Fatal("complete log reports a gap")
	}

	l.Ack(3)
	if !l.HasGap(1) {
		t.Fatal("browser at 1 should see a gap after ack 3")
	}
	if l.HasGap(3) {
		t.Fatal("browser at 3 should not see a gap")
	}

	l.Ack(5)
	if !l.HasGap(2) {
		t.Fatal("fully trimmed log should report a gap for a stale browser")
	}
	if l.HasGap(5) {
		t.Fatal("up-to-date browser should not see a gap")
	}
}

func TestPendingTable_InsertionOrderAndTake(t *testing.T) {
	t.Parallel()

	p := newPendingTable[int]()
	for i, id := range []string{"c", "a", "b"} {
		if !p.add(id, i) {
			t.Fatalf("add(%s) rejected", id)
		}
	}
	if p.add("a", 99) {
		t.Fatal("duplicate add accepted")
	}
	v, ok := p.take("a")
	if !ok || v != 1 {
		t.Fatalf("take(a) = %d, %v", v, ok)
	}
	if _, ok := p.take("a"); ok {
		t.Fatal("second take succeeded")
	}

	got := p.values()
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("values = %v, want [0 2]", got)
	}
	if drained := p.drain(); len(drained) != 2 || p.len() != 0 {
		t.Fatalf("drain = %v, len after = %d", drained, p.len())
	}
}

func TestProcessedIDs_BoundedAndDeduplicating(t *testing.T) {
	t.Parallel()

	p := newProcessedIDs(3)
	if !p.add("m1") {
		t.Fatal("first add should be new")
	}
	if p.add("m1") {
		t.Fatal("repeat add should be a duplicate")
	}
	p.add("m2")
	p.add("m3")
	p.add("m4")

	if p.contains("m1") {
		t.Fatal("oldest id should have been evicted")
	}
	for _, id := range []string{"m2", "m3", "m4"} {
		if !p.contains(id) {
			t.Fatalf("%s missing", id)
		}
	}
	if !p.add("m1") {
		t.Fatal("evicted id should be accepted again")
	}
}
