package orderbook

import (
	"container/heap"

	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// offerHeap implements heap.Interface over active orders of one pair,
// cheapest rate on top, older order first at equal rates.
// Use container/heap to manipulate it (Init, Pop).
type offerHeap []*Order

func (h offerHeap) Len() int { return len(h) }
func (h offerHeap) Less(i, j int) bool {
	if c := h[i].Price.Cmp(h[j].Price); c != 0 {
		return c < 0
	}
	return h[i].ID < h[j].ID
}
func (h offerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *offerHeap) Push(x interface{}) {
	*h = append(*h, x.(*Order))
}

func (h *offerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// BestOffers returns up to limit active orders giving give for get,
// best rate for a taker first. It is a read view; fills still target an
// explicit order id.
func (ob *OrderBook) BestOffers(give, get asset.Ref, limit int) []Order {
	h := &offerHeap{}
	for _, o := range ob.orders {
		if o.IsActive() && o.Give == give && o.Get == get {
			*h = append(*h, o)
		}
	}
	heap.Init(h)

	if limit <= 0 || limit > h.Len() {
		limit = h.Len()
	}
	out := make([]Order, 0, limit)
	for len(out) < limit {
		out = append(out, *heap.Pop(h).(*Order))
	}
	return out
}
