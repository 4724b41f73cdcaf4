package orderbook

// Changes is what an operation did to the book, in the form the store persists
type Changes struct {
	Orders []Order
	Fills  []Fill
	NextID uint64
}

// Begin starts journaling; see ledger.Ledger.Begin
func (ob *OrderBook) Begin() {
	ob.journaling = true
	ob.undo = ob.undo[:0]
	ob.newFills = nil
	clear(ob.dirty)
}

// Changes lists the orders touched and fills produced since Begin
func (ob *OrderBook) Changes() Changes {
	ch := Changes{NextID: ob.nextID, Fills: append([]Fill(nil), ob.newFills...)}
	for id := range ob.dirty {
		if o, ok := ob.orders[id]; ok {
			ch.Orders = append(ch.Orders, *o)
		}
	}
	return ch
}

// Accept keeps every mutation since Begin
func (ob *OrderBook) Accept() {
	ob.journaling = false
	ob.undo = ob.undo[:0]
	ob.newFills = nil
	clear(ob.dirty)
}

// Rollback undoes every mutation since Begin, newest first
func (ob *OrderBook) Rollback() {
	for i := len(ob.undo) - 1; i >= 0; i-- {
		ob.undo[i]()
	}
	ob.Accept()
}

func (ob *OrderBook) record(fn func()) {
	if ob.journaling {
		ob.undo = append(ob.undo, fn)
	}
}

// touch journals the current value of o before it is mutated
func (ob *OrderBook) touch(o *Order) {
	prev := *o
	ob.record(func() { *o = prev })
	ob.markDirty(o.ID)
}

func (ob *OrderBook) markDirty(id uint64) {
	if ob.journaling {
		ob.dirty[id] = struct{}{}
	}
}
