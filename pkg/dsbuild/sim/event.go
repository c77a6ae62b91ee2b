package sim

// event is the simulator's unit of scheduled work, keyed by (at, seq) as
// spec §4.9 requires: ties are broken by seq, which increases in
// source-code (call) order, giving FIFO tie-breaking.
type event struct {
	at   float64
	seq  uint64
	kind string
	run  func()
}

// eventHeap is a container/heap.Interface over *event, ordered by
// (at, seq).
type eventHeap []*event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].at != h[j].at {
		return h[i].at < h[j].at
	}
	return h[i].seq < h[j].seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) {
	*h = append(*h, x.(*event))
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
