package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
)

// PebbleStore persists exchange state in a single Pebble database.
// Thread-safe: every ChangeSet is one synced batch.
type PebbleStore struct {
	db *pebble.DB
}

// NewPebbleStore opens a Pebble database at the given path
func NewPebbleStore(path string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:                64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// Apply writes the change set as one batch with fsync
func (s *PebbleStore) Apply(cs ChangeSet) error {
	b := s.db.NewBatch()
	defer b.Close()

	for _, r := range cs.Entries {
		val, err := encodeEntry(r)
		if err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		if err := b.Set(balanceKey(r.Asset, r.Account), val, nil); err != nil {
			return err
		}
	}
	for _, w := range cs.Withdrawals {
		val, err := encodeWithdrawal(w)
		if err != nil {
			return fmt.Errorf("encode withdrawal: %w", err)
		}
		if err := b.Set(withdrawalKey(w.ID), val, nil); err != nil {
			return err
		}
	}
	for _, id := range cs.RemovedWithdrawals {
		if err := b.Delete(withdrawalKey(id), nil); err != nil {
			return err
		}
	}
	for _, o := range cs.Orders {
		val, err := encodeOrder(o)
		if err != nil {
			return fmt.Errorf("encode order: %w", err)
		}
		if err := b.Set(orderKey(o.ID), val, nil); err != nil {
			return err
		}
	}
	for i, f := range cs.Fills {
		val, err := encodeFill(f)
		if err != nil {
			return fmt.Errorf("encode fill: %w", err)
		}
		if err := b.Set(fillKey(cs.Seq, i), val, nil); err != nil {
			return err
		}
	}
	for _, h := range cs.Payments {
		if err := b.Set(paymentKey(h), h.Bytes(), nil); err != nil {
			return err
		}
	}
	if cs.Seq != 0 {
		if err := b.Set(keySeq, encodeUint64(cs.Seq), nil); err != nil {
			return err
		}
	}
	if cs.NextOrderID != 0 {
		if err := b.Set(keyNextOrder, encodeUint64(cs.NextOrderID), nil); err != nil {
			return err
		}
	}
	if cs.NextWithdrawal != 0 {
		if err := b.Set(keyNextWithdrawal, encodeUint64(cs.NextWithdrawal), nil); err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// Load reads the whole state back. At most fillLimit recent fills are returned.
func (s *PebbleStore) Load(fillLimit int) (Snapshot, error) {
	var snap Snapshot
	var err error

	if err = s.scan(prefixBalance, func(v []byte) error {
		r, err := decodeEntry(v)
		if err != nil {
			return err
		}
		snap.Entries = append(snap.Entries, r)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err = s.scan(prefixWithdrawal, func(v []byte) error {
		w, err := decodeWithdrawal(v)
		if err != nil {
			return err
		}
		snap.Withdrawals = append(snap.Withdrawals, w)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err = s.scan(prefixOrder, func(v []byte) error {
		o, err := decodeOrder(v)
		if err != nil {
			return err
		}
		snap.Orders = append(snap.Orders, o)
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if err = s.scan(prefixPayment, func(v []byte) error {
		if len(v) != common.HashLength {
			return fmt.Errorf("payment hash is %d bytes", len(v))
		}
		snap.Payments = append(snap.Payments, common.BytesToHash(v))
		return nil
	}); err != nil {
		return Snapshot{}, err
	}

	if snap.Fills, err = s.RecentFills(fillLimit); err != nil {
		return Snapshot{}, err
	}
	// RecentFills is newest first; the snapshot is oldest first
	for i, j := 0, len(snap.Fills)-1; i < j; i, j = i+1, j-1 {
		snap.Fills[i], snap.Fills[j] = snap.Fills[j], snap.Fills[i]
	}

	if snap.NextOrderID, err = s.getUint64(keyNextOrder); err != nil {
		return Snapshot{}, err
	}
	if snap.NextWithdrawal, err = s.getUint64(keyNextWithdrawal); err != nil {
		return Snapshot{}, err
	}
	if snap.Seq, err = s.getUint64(keySeq); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// RecentFills loads the most recent N fills, newest first
func (s *PebbleStore) RecentFills(limit int) ([]orderbook.Fill, error) {
	prefix := []byte(prefixFill)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []orderbook.Fill
	for iter.Last(); iter.Valid() && (limit <= 0 || len(fills) < limit); iter.Prev() {
		f, err := decodeFill(iter.Value())
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

// PendingWithdrawals lists the withdrawals awaiting settlement
func (s *PebbleStore) PendingWithdrawals() ([]ledger.Withdrawal, error) {
	var out []ledger.Withdrawal
	err := s.scan(prefixWithdrawal, func(v []byte) error {
		w, err := decodeWithdrawal(v)
		if err != nil {
			return err
		}
		out = append(out, w)
		return nil
	})
	return out, err
}

func (s *PebbleStore) scan(prefix string, fn func(value []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("key %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

func (s *PebbleStore) getUint64(key []byte) (uint64, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	return decodeUint64(val)
}

var _ Store = (*PebbleStore)(nil)
