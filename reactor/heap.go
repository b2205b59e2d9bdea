package reactor

// deferredHeap is a container/heap.Interface over slot indices, ordered by
// fire time, grounded on the teacher package's timerHeap (loop.go) and on
// AsyncTool::Impl's defer_used_heap priority_queue<DeferredCompare> in the
// original C++.
type deferredHeap struct {
	r    *Reactor
	idxs []int
}

func (h *deferredHeap) Len() int { return len(h.idxs) }

func (h *deferredHeap) Less(i, j int) bool {
	return h.r.slots[h.idxs[i]].when < h.r.slots[h.idxs[j]].when
}

func (h *deferredHeap) Swap(i, j int) {
	h.idxs[i], h.idxs[j] = h.idxs[j], h.idxs[i]
	h.r.slots[h.idxs[i]].heapIdx = i
	h.r.slots[h.idxs[j]].heapIdx = j
}

func (h *deferredHeap) Push(x any) {
	idx := x.(int)
	h.r.slots[idx].heapIdx = len(h.idxs)
	h.idxs = append(h.idxs, idx)
}

func (h *deferredHeap) Pop() any {
	n := len(h.idxs)
	idx := h.idxs[n-1]
	h.idxs = h.idxs[:n-1]
	h.r.slots[idx].heapIdx = -1
	return idx
}
