package orderbook

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/price"
	"github.com/uhyunpark/youstock/pkg/util"
)

// DefaultFillHistory bounds the in-memory fill history when New is given no
// limit; the store keeps all of them
const DefaultFillHistory = 1024

// Balances is the slice of the ledger the book needs. The book never touches
// balances directly; it only requests these operations.
type Balances interface {
	Commit(a asset.Ref, account common.Address, amount *uint256.Int) error
	Release(a asset.Ref, account common.Address, amount *uint256.Int) error
	TransferCommitted(a asset.Ref, from, to common.Address, amount *uint256.Int) error
	TransferAvailable(a asset.Ref, from, to common.Address, amount *uint256.Int) error
	BalanceOf(a asset.Ref, account common.Address) *uint256.Int
	CommitmentsOf(a asset.Ref, account common.Address) *uint256.Int
}

// OrderBook owns every order ever created.
// Not safe for concurrent use; the exchange holds the lock.
type OrderBook struct {
	balances   Balances
	feeDivisor uint64
	fillLimit  int
	clock      util.Clock

	orders  map[uint64]*Order
	byMaker map[common.Address][]uint64
	nextID  uint64
	fills   []Fill // most recent last

	open    int // active orders

	journaling bool
	undo       []func()
	dirty      map[uint64]struct{}
	newFills   []Fill
}

// New creates an empty book. feeDivisor == 0 disables the fill fee.
// fillHistory is how many recent fills stay in memory.
func New(balances Balances, feeDivisor uint64, fillHistory int, clock util.Clock) *OrderBook {
	if clock == nil {
		clock = util.RealClock{}
	}
	if fillHistory <= 0 {
		fillHistory = DefaultFillHistory
	}
	return &OrderBook{
		balances:   balances,
		feeDivisor: feeDivisor,
		fillLimit:  fillHistory,
		clock:      clock,
		orders:     make(map[uint64]*Order),
		byMaker:    make(map[common.Address][]uint64),
		nextID:     1,
		dirty:      make(map[uint64]struct{}),
	}
}

// Create validates the order, commits the maker's give amount and stores the
// order as Active under the next id.
func (ob *OrderBook) Create(maker common.Address, give, get asset.Ref, giveAmount, num, den *uint256.Int) (Order, error) {
	if give == get {
		return Order{}, ErrSameAssetOrder
	}
	if giveAmount.IsZero() {
		return Order{}, ErrZeroAmount
	}
	p, err := price.New(num, den)
	if err != nil {
		return Order{}, err
	}
	counter, err := p.Convert(giveAmount)
	if err != nil {
		return Order{}, err
	}
	if counter.IsZero() {
		return Order{}, fmt.Errorf("%w: %s of %s converts to nothing at %s", ErrInvalidPrice, giveAmount.Dec(), give, p)
	}

	if err := ob.balances.Commit(give, maker, giveAmount); err != nil {
		return Order{}, err
	}

	o := &Order{
		ID:        ob.nextID,
		Maker:     maker,
		Give:      give,
		Get:       get,
		Price:     p,
		Status:    StatusActive,
		CreatedAt: ob.clock.Now(),
	}
	o.GiveAmount.Set(giveAmount)
	o.GiveRemaining.Set(giveAmount)

	ob.orders[o.ID] = o
	ob.byMaker[maker] = append(ob.byMaker[maker], o.ID)
	ob.nextID++
	ob.open++
	ob.record(func() {
		delete(ob.orders, o.ID)
		ids := ob.byMaker[maker]
		ob.byMaker[maker] = ids[:len(ids)-1]
		ob.nextID--
		ob.open--
	})
	ob.markDirty(o.ID)
	return *o, nil
}

// Cancel releases the remaining commitment back to the maker
func (ob *OrderBook) Cancel(caller common.Address, id uint64) (Order, error) {
	o, ok := ob.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if o.Maker != caller {
		return Order{}, ErrUnauthorizedCancel
	}
	if !o.IsActive() {
		return Order{}, fmt.Errorf("%w: %d is %s", ErrOrderNotActive, id, o.Status)
	}

	if err := ob.balances.Release(o.Give, o.Maker, &o.GiveRemaining); err != nil {
		return Order{}, fmt.Errorf("release order %d: %w", id, err)
	}
	ob.touch(o)
	o.Status = StatusCancelled
	ob.closeOne()
	return *o, nil
}

// Execute fills consumed units of the order's give asset for taker.
// The taker pays convert(consumed) of the get asset and receives consumed
// minus the fee, which stays with the maker.
func (ob *OrderBook) Execute(taker common.Address, id uint64, consumed *uint256.Int) (Fill, error) {
	o, ok := ob.orders[id]
	if !ok {
		return Fill{}, fmt.Errorf("%w: %d", ErrOrderNotFound, id)
	}
	if !o.IsActive() {
		return Fill{}, fmt.Errorf("%w: %d is %s", ErrOrderNotActive, id, o.Status)
	}
	if consumed.IsZero() {
		return Fill{}, ErrZeroAmount
	}
	if consumed.Gt(&o.GiveRemaining) {
		return Fill{}, fmt.Errorf("%w: requested %s, remaining %s", ErrOrderCapacityExceeded, consumed.Dec(), o.GiveRemaining.Dec())
	}
	if taker == o.Maker {
		return Fill{}, ErrSelfTrade
	}

	counter, err := o.Price.Convert(consumed)
	if err != nil {
		return Fill{}, err
	}
	if counter.IsZero() {
		return Fill{}, fmt.Errorf("%w: %s converts to nothing at %s", ErrZeroAmount, consumed.Dec(), o.Price)
	}
	if have := ob.balances.BalanceOf(o.Get, taker); have.Lt(counter) {
		return Fill{}, fmt.Errorf("%w: available %s, price %s", ErrInsufficientBalance, have.Dec(), counter.Dec())
	}
	if committed := ob.balances.CommitmentsOf(o.Give, o.Maker); committed.Lt(consumed) {
		return Fill{}, fmt.Errorf("order %d: maker commitment %s below fill %s: %w", id, committed.Dec(), consumed.Dec(), ErrInsufficientBalance)
	}

	fee := ob.fee(consumed)
	received := new(uint256.Int).Sub(consumed, fee)

	if err := ob.balances.TransferAvailable(o.Get, taker, o.Maker, counter); err != nil {
		return Fill{}, err
	}
	if err := ob.balances.TransferCommitted(o.Give, o.Maker, taker, received); err != nil {
		return Fill{}, fmt.Errorf("order %d: %w", id, err)
	}
	if err := ob.balances.Release(o.Give, o.Maker, fee); err != nil {
		return Fill{}, fmt.Errorf("order %d: %w", id, err)
	}

	ob.touch(o)
	o.GiveRemaining.Sub(&o.GiveRemaining, consumed)
	if o.GiveRemaining.IsZero() {
		o.Status = StatusFilled
		ob.closeOne()
	}

	f := Fill{
		ID:        uuid.New(),
		OrderID:   o.ID,
		Maker:     o.Maker,
		Taker:     taker,
		Give:      o.Give,
		Get:       o.Get,
		Timestamp: ob.clock.Now(),
	}
	f.Consumed.Set(consumed)
	f.Received.Set(received)
	f.Fee.Set(fee)
	f.Paid.Set(counter)
	f.Remaining.Set(&o.GiveRemaining)
	ob.appendFill(f)
	return f, nil
}

// fee is floor(consumed / feeDivisor), or zero when fees are off
func (ob *OrderBook) fee(consumed *uint256.Int) *uint256.Int {
	if ob.feeDivisor == 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Div(consumed, uint256.NewInt(ob.feeDivisor))
}

// FeeDivisor returns the configured divisor (0 = no fee)
func (ob *OrderBook) FeeDivisor() uint64 {
	return ob.feeDivisor
}

// Get returns a copy of order id
func (ob *OrderBook) Get(id uint64) (Order, bool) {
	o, ok := ob.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// OrdersOf returns maker's orders, oldest first. activeOnly drops terminal ones.
func (ob *OrderBook) OrdersOf(maker common.Address, activeOnly bool) []Order {
	ids := ob.byMaker[maker]
	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		o := ob.orders[id]
		if activeOnly && !o.IsActive() {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// Orders returns every order sorted by id
func (ob *OrderBook) Orders() []Order {
	out := make([]Order, 0, len(ob.orders))
	for _, o := range ob.orders {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount returns the number of orders that can still trade
func (ob *OrderBook) ActiveCount() int {
	return ob.open
}

// RecentFills returns up to limit fills, newest first
func (ob *OrderBook) RecentFills(limit int) []Fill {
	if limit <= 0 || limit > len(ob.fills) {
		limit = len(ob.fills)
	}
	out := make([]Fill, 0, limit)
	for i := len(ob.fills) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, ob.fills[i])
	}
	return out
}

// NextID is the id the next Create will assign
func (ob *OrderBook) NextID() uint64 {
	return ob.nextID
}

// Restore replaces the book with persisted orders and recent fills (oldest first)
func (ob *OrderBook) Restore(orders []Order, fills []Fill, nextID uint64) {
	ob.orders = make(map[uint64]*Order, len(orders))
	ob.byMaker = make(map[common.Address][]uint64)

	sorted := append([]Order(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	ob.open = 0
	for i := range sorted {
		o := sorted[i]
		if o.IsActive() {
			ob.open++
		}
		ob.orders[o.ID] = &o
		ob.byMaker[o.Maker] = append(ob.byMaker[o.Maker], o.ID)
		if o.ID >= nextID {
			nextID = o.ID + 1
		}
	}
	if nextID == 0 {
		nextID = 1
	}
	ob.nextID = nextID

	if len(fills) > ob.fillLimit {
		fills = fills[len(fills)-ob.fillLimit:]
	}
	ob.fills = append([]Fill(nil), fills...)
	ob.Accept()
}

func (ob *OrderBook) appendFill(f Fill) {
	prev := ob.fills
	next := ob.fills
	if len(next) >= ob.fillLimit {
		next = next[1:]
	}
	ob.fills = append(next, f)
	ob.record(func() { ob.fills = prev })
	if ob.journaling {
		ob.newFills = append(ob.newFills, f)
	}
}

func (ob *OrderBook) closeOne() {
	ob.open--
	ob.record(func() { ob.open++ })
}
