package storage

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
)

// MemoryStore keeps state in maps. Used by tests and the ephemeral devnet.
type MemoryStore struct {
	mu             sync.Mutex
	entries        map[string]ledger.Record
	withdrawals    map[uint64]ledger.Withdrawal
	orders         map[uint64]orderbook.Order
	fills          []orderbook.Fill
	payments       map[common.Hash]struct{}
	nextOrder      uint64
	nextWithdrawal uint64
	seq            uint64
	failNext       error
	applies        int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:     make(map[string]ledger.Record),
		withdrawals: make(map[uint64]ledger.Withdrawal),
		orders:      make(map[uint64]orderbook.Order),
		payments:    make(map[common.Hash]struct{}),
	}
}

// FailNext makes the next Apply return err without writing anything
func (s *MemoryStore) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Applies counts successful Apply calls
func (s *MemoryStore) Applies() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applies
}

func (s *MemoryStore) Apply(cs ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failNext; err != nil {
		s.failNext = nil
		return err
	}

	for _, r := range cs.Entries {
		s.entries[string(balanceKey(r.Asset, r.Account))] = r
	}
	for _, w := range cs.Withdrawals {
		s.withdrawals[w.ID] = w
	}
	for _, id := range cs.RemovedWithdrawals {
		delete(s.withdrawals, id)
	}
	for _, o := range cs.Orders {
		s.orders[o.ID] = o
	}
	s.fills = append(s.fills, cs.Fills...)
	for _, h := range cs.Payments {
		s.payments[h] = struct{}{}
	}
	if cs.Seq != 0 {
		s.seq = cs.Seq
	}
	if cs.NextOrderID != 0 {
		s.nextOrder = cs.NextOrderID
	}
	if cs.NextWithdrawal != 0 {
		s.nextWithdrawal = cs.NextWithdrawal
	}
	s.applies++
	return nil
}

func (s *MemoryStore) Load(fillLimit int) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{NextOrderID: s.nextOrder, NextWithdrawal: s.nextWithdrawal, Seq: s.seq}
	for _, r := range s.entries {
		snap.Entries = append(snap.Entries, r)
	}
	for _, w := range s.withdrawals {
		snap.Withdrawals = append(snap.Withdrawals, w)
	}
	sort.Slice(snap.Withdrawals, func(i, j int) bool { return snap.Withdrawals[i].ID < snap.Withdrawals[j].ID })
	for _, o := range s.orders {
		snap.Orders = append(snap.Orders, o)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	for h := range s.payments {
		snap.Payments = append(snap.Payments, h)
	}

	fills := s.fills
	if fillLimit > 0 && len(fills) > fillLimit {
		fills = fills[len(fills)-fillLimit:]
	}
	snap.Fills = append([]orderbook.Fill(nil), fills...)
	return snap, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
