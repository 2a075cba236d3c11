package governor

import "container/heap"

// requestHeap orders tracked requests by (priority DESC, firstSeenAt ASC).
type requestHeap []*tracked

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].request.Priority != h[j].request.Priority {
		return h[i].request.Priority > h[j].request.Priority
	}

	return h[i].request.FirstSeenAt.Before(h[j].request.FirstSeenAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

// Push implements heap.Interface.
func (h *requestHeap) Push(x any) {
	item := x.(*tracked)
	item.heapIndex = len(*h)
	*h = append(*h, item)
}

// Pop implements heap.Interface.
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	*h = old[:n-1]

	return item
}

// remove deletes the item at its current heap index.
func (h *requestHeap) remove(item *tracked) {
	if item.heapIndex >= 0 && item.heapIndex < h.Len() {
		heap.Remove(h, item.heapIndex)
	}
}
