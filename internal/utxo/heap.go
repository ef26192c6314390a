package utxo

import (
	"cmp"
	"container/heap"
)

// CompareSeqNo orders outputs by seq_no only.
func CompareSeqNo(a, b Output) int {
	return cmp.Compare(a.SeqNo, b.SeqNo)
}

type heapItem struct {
	out  Output
	list int
	pos  int
}

// outputHeap is a min-heap of list heads ordered by an explicit comparison.
type outputHeap struct {
	items []heapItem
	cmp   func(a, b Output) int
}

func (h *outputHeap) Len() int { return len(h.items) }

func (h *outputHeap) Less(i, j int) bool {
	if c := h.cmp(h.items[i].out, h.items[j].out); c != 0 {
		return c < 0
	}
	return h.items[i].list < h.items[j].list
}

func (h *outputHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *outputHeap) Push(x any) { h.items = append(h.items, x.(heapItem)) }

func (h *outputHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items = h.items[:n-1]
	return it
}

// MergeOutputs merges lists that are each sorted by compare into a single
// sorted slice. Equal elements keep the order of the lists they came from.
func MergeOutputs(compare func(a, b Output) int, lists ...[]Output) []Output {
	h := &outputHeap{cmp: compare}
	total := 0
	for i, l := range lists {
		total += len(l)
		if len(l) > 0 {
			h.items = append(h.items, heapItem{out: l[0], list: i})
		}
	}
	heap.Init(h)

	merged := make([]Output, 0, total)
	for h.Len() > 0 {
		it := heap.Pop(h).(heapItem)
		merged = append(merged, it.out)
		if next := it.pos + 1; next < len(lists[it.list]) {
			heap.Push(h, heapItem{out: lists[it.list][next], list: it.list, pos: next})
		}
	}
	return merged
}
