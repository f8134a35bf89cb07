package timer

import (
	"math/rand"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestHeap() (*Heap, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewWithClock(clock.Now), clock
}

// checkInvariants verifies the heap property and the id index
func checkInvariants(t *testing.T, h *Heap) {
	t.Helper()
	for i := range h.nodes {
		if pos, ok := h.index[h.nodes[i].id]; !ok || pos != i {
			t.Fatalf("index for id %d is %d, want %d", h.nodes[i].id, pos, i)
		}
		for _, c := range []int{2*i + 1, 2*i + 2} {
			if c < len(h.nodes) && h.nodes[c].expires.Before(h.nodes[i].expires) {
				t.Fatalf("heap property broken at %d -> %d", i, c)
			}
		}
	}
	if len(h.index) != len(h.nodes) {
		t.Fatalf("index has %d entries for %d nodes", len(h.index), len(h.nodes))
	}
}

func TestHeapExpireDueOrder(t *testing.T) {
	h, clock := newTestHeap()

	var fired []int
	for _, id := range []int{5, 3, 9, 1} {
		id := id
		h.Schedule(id, time.Duration(id)*time.Second, func() { fired = append(fired, id) })
	}
	checkInvariants(t, h)

	clock.Advance(4 * time.Second)
	if n := h.ExpireDue(); n != 2 {
		t.Fatalf("Expected 2 expired nodes, got %d", n)
	}
	if len(fired) != 2 || fired[0] != 1 || fired[1] != 3 {
		t.Fatalf("Expected [1 3], got %v", fired)
	}
	if h.Len() != 2 {
		t.Errorf("Expected 2 pending nodes, got %d", h.Len())
	}
}

func TestHeapScheduleExistingUpdates(t *testing.T) {
	h, clock := newTestHeap()

	calls := ""
	h.Schedule(1, time.Second, func() { calls += "old" })
	h.Schedule(2, 2*time.Second, func() {})
	h.Schedule(1, 3*time.Second, func() { calls += "new" })
	checkInvariants(t, h)

	if h.Len() != 2 {
		t.Fatalf("Expected reschedule to keep 2 nodes, got %d", h.Len())
	}

	clock.Advance(3 * time.Second)
	h.ExpireDue()
	if calls != "new" {
		t.Errorf("Expected replaced callback to run, got %q", calls)
	}
}

func TestHeapAdjust(t *testing.T) {
	h, clock := newTestHeap()

	fired := false
	h.Schedule(7, time.Second, func() { fired = true })

	clock.Advance(900 * time.Millisecond)
	h.Adjust(7, time.Second)
	clock.Advance(500 * time.Millisecond)
	h.ExpireDue()
	if fired {
		t.Fatal("Adjusted node fired before its new deadline")
	}

	clock.Advance(600 * time.Millisecond)
	h.ExpireDue()
	if !fired {
		t.Fatal("Adjusted node did not fire after its new deadline")
	}

	// Unknown ids are ignored
	h.Adjust(42, time.Second)
	if h.Len() != 0 {
		t.Errorf("Adjust of unknown id created a node")
	}
}

func TestHeapCancelAndRun(t *testing.T) {
	h, _ := newTestHeap()

	ran := 0
	h.Schedule(1, time.Hour, func() { ran++ })
	h.Schedule(2, time.Hour, func() {})

	h.CancelAndRun(1)
	if ran != 1 {
		t.Errorf("Expected callback to run once, ran %d", ran)
	}
	if h.Contains(1) || h.Len() != 1 {
		t.Errorf("Expected node 1 removed")
	}
	checkInvariants(t, h)

	h.CancelAndRun(1)
	if ran != 1 {
		t.Errorf("CancelAndRun of a removed id ran the callback again")
	}
}

func TestHeapCallbackMayRemoveItself(t *testing.T) {
	h, clock := newTestHeap()

	h.Schedule(1, time.Second, func() { h.Remove(1) })
	h.Schedule(2, 2*time.Second, func() {})

	clock.Advance(time.Second)
	h.ExpireDue()
	if h.Len() != 1 || !h.Contains(2) {
		t.Fatalf("Expected only node 2 pending, len=%d", h.Len())
	}
	checkInvariants(t, h)
}

func TestHeapNextDeadlineMillis(t *testing.T) {
	h, clock := newTestHeap()

	if d := h.NextDeadlineMillis(); d != -1 {
		t.Errorf("Expected -1 for empty heap, got %d", d)
	}

	h.Schedule(1, 250*time.Millisecond, func() {})
	if d := h.NextDeadlineMillis(); d != 250 {
		t.Errorf("Expected 250ms, got %d", d)
	}

	expired := false
	h.Schedule(2, 100*time.Millisecond, func() { expired = true })
	clock.Advance(100 * time.Millisecond)
	if d := h.NextDeadlineMillis(); d != 150 {
		t.Errorf("Expected 150ms, got %d", d)
	}
	if !expired {
		t.Error("NextDeadlineMillis did not expire the due node first")
	}
}

func TestHeapClear(t *testing.T) {
	h, _ := newTestHeap()
	for i := 0; i < 10; i++ {
		h.Schedule(i, time.Second, func() { t.Error("cleared callback ran") })
	}
	h.Clear()
	if h.Len() != 0 || h.Contains(3) {
		t.Error("Expected empty heap after Clear")
	}
	h.ExpireDue()
}

// Random schedule/adjust/cancel sequences must keep the heap consistent and
// expire in non-decreasing order.
func TestHeapRandomOperations(t *testing.T) {
	h, clock := newTestHeap()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		for i := 0; i < 20; i++ {
			id := rng.Intn(100)
			switch rng.Intn(4) {
			case 0, 1:
				h.Schedule(id, time.Duration(rng.Intn(5000))*time.Millisecond, func() {})
			case 2:
				h.Adjust(id, time.Duration(rng.Intn(5000))*time.Millisecond)
			case 3:
				h.CancelAndRun(id)
			}
		}
		checkInvariants(t, h)

		clock.Advance(time.Duration(rng.Intn(1000)) * time.Millisecond)
		now := clock.Now()

		var last time.Time
		for h.Len() > 0 && !h.nodes[0].expires.After(now) {
			top := h.nodes[0].expires
			if top.Before(last) {
				t.Fatalf("round %d: expiry order went backwards", round)
			}
			last = top
			h.CancelAndRun(h.nodes[0].id)
		}
		h.ExpireDue()

		for _, n := range h.nodes {
			if !n.expires.After(now) {
				t.Fatalf("round %d: node %d still due after ExpireDue", round, n.id)
			}
		}
		checkInvariants(t, h)
	}
}

func BenchmarkHeapScheduleAdjust(b *testing.B) {
	h := New()
	for i := 0; i < 10000; i++ {
		h.Schedule(i, time.Minute, func() {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Adjust(i%10000, time.Minute)
	}
}
