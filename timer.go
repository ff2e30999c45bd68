package reactor

// timerEntry pairs a deadline in microseconds since the epoch with the id of
// the event to fire. Entries for cancelled events stay in the heap and are
// skipped when they surface.
type timerEntry struct {
	deadline int64
	id       uint64
}

// timerHeap is a min-heap ordered by deadline, used with container/heap.
type timerHeap []timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(timerEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
