// Package timer schedules per-connection idle expiry on an array-backed
// binary min-heap with an id -> position index.
//
// A Heap is owned by the reactor goroutine; it performs no locking.
package timer

import "time"

// Callback runs when a node expires or is cancelled
type Callback func()

type node struct {
	id      int
	expires time.Time
	cb      Callback
}

// Heap is a min-heap of timer nodes ordered by expiry
type Heap struct {
	nodes []node
	index map[int]int
	now   func() time.Time
}

// New creates an empty heap using the wall clock
func New() *Heap {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty heap driven by the given clock
func NewWithClock(now func() time.Time) *Heap {
	return &Heap{
		nodes: make([]node, 0, 64),
		index: make(map[int]int, 64),
		now:   now,
	}
}

// Len returns the number of pending nodes
func (h *Heap) Len() int {
	return len(h.nodes)
}

// Schedule inserts a node for id, or replaces the expiry and callback of
// an existing one.
func (h *Heap) Schedule(id int, timeout time.Duration, cb Callback) {
	expires := h.now().Add(timeout)

	if i, ok := h.index[id]; ok {
		h.nodes[i].expires = expires
		h.nodes[i].cb = cb
		h.fix(i)
		return
	}

	h.nodes = append(h.nodes, node{id: id, expires: expires, cb: cb})
	i := len(h.nodes) - 1
	h.index[id] = i
	h.siftUp(i)
}

// Adjust moves the expiry of id to now+timeout. Unknown ids are ignored.
func (h *Heap) Adjust(id int, timeout time.Duration) {
	i, ok := h.index[id]
	if !ok {
		return
	}
	h.nodes[i].expires = h.now().Add(timeout)
	h.fix(i)
}

// CancelAndRun removes the node for id and runs its callback. The node is
// removed first so the callback may safely touch the heap.
func (h *Heap) CancelAndRun(id int) {
	i, ok := h.index[id]
	if !ok {
		return
	}
	cb := h.nodes[i].cb
	h.del(i)
	if cb != nil {
		cb()
	}
}

// Remove deletes the node for id without running it
func (h *Heap) Remove(id int) bool {
	i, ok := h.index[id]
	if !ok {
		return false
	}
	h.del(i)
	return true
}

// Contains reports whether id has a pending node
func (h *Heap) Contains(id int) bool {
	_, ok := h.index[id]
	return ok
}

// ExpireDue pops and runs every node whose expiry is not after now, in
// ascending expiry order.
func (h *Heap) ExpireDue() int {
	fired := 0
	now := h.now()
	for len(h.nodes) > 0 {
		top := h.nodes[0]
		if top.expires.After(now) {
			break
		}
		h.del(0)
		if top.cb != nil {
			top.cb()
		}
		fired++
	}
	return fired
}

// Clear drops every node without running callbacks
func (h *Heap) Clear() {
	h.nodes = h.nodes[:0]
	clear(h.index)
}

// NextDeadlineMillis expires due nodes, then returns the milliseconds until
// the earliest remaining expiry, or -1 when nothing is pending.
func (h *Heap) NextDeadlineMillis() int {
	h.ExpireDue()
	if len(h.nodes) == 0 {
		return -1
	}

	d := h.nodes[0].expires.Sub(h.now())
	if d <= 0 {
		return 0
	}
	// Round up so the reactor never wakes just before the deadline
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	return ms
}

func (h *Heap) less(i, j int) bool {
	return h.nodes[i].expires.Before(h.nodes[j].expires)
}

func (h *Heap) swap(i, j int) {
	if i == j {
		return
	}
	h.nodes[i], h.nodes[j] = h.nodes[j], h.nodes[i]
	h.index[h.nodes[i].id] = i
	h.index[h.nodes[j].id] = j
}

// fix restores heap order at i: sift down first, sift up if nothing moved
func (h *Heap) fix(i int) {
	if !h.siftDown(i) {
		h.siftUp(i)
	}
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(i, parent) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown reports whether the node moved
func (h *Heap) siftDown(i int) bool {
	start := i
	n := len(h.nodes)
	for {
		smallest := i
		left, right := 2*i+1, 2*i+2
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == i {
			break
		}
		h.swap(i, smallest)
		i = smallest
	}
	return i > start
}

func (h *Heap) del(i int) {
	last := len(h.nodes) - 1
	h.swap(i, last)
	delete(h.index, h.nodes[last].id)
	h.nodes[last] = node{}
	h.nodes = h.nodes[:last]
	if i < len(h.nodes) {
		h.fix(i)
	}
}
