package eventbus

import "container/heap"

// eventHeap orders pending events by (priority rank, seq): an interrupt
// published late still overtakes queued normal events, while events of
// equal priority keep arrival order.
type eventHeap []Event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	ri, rj := h[i].Priority.Rank(), h[j].Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].Seq < h[j].Seq
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(Event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	evt := old[n-1]
	*h = old[:n-1]
	return evt
}

var _ heap.Interface = (*eventHeap)(nil)
