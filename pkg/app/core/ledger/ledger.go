package ledger

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// Ledger holds every (asset, account) balance plus the withdrawals still in flight.
// Each operation validates fully before touching state, so a returned error means
// nothing changed.
//
// Not safe for concurrent use: the exchange serializes every call behind its mutex.
// Mutations are journaled between Begin and Accept/Rollback so a whole exchange
// operation can be undone if it cannot be persisted.
type Ledger struct {
	entries map[entryKey]*Entry
	totals  map[asset.Ref]*uint256.Int // Σ(available+committed) + pending withdrawals

	pending        map[uint64]*Withdrawal
	nextWithdrawal uint64
	settledSeq     uint64 // bumped whenever value leaves custody accounting

	journaling   bool
	undo         []func()
	dirtyEntries map[entryKey]struct{}
	dirtyPending map[uint64]struct{}
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		entries:        make(map[entryKey]*Entry),
		totals:         make(map[asset.Ref]*uint256.Int),
		pending:        make(map[uint64]*Withdrawal),
		nextWithdrawal: 1,
		dirtyEntries:   make(map[entryKey]struct{}),
		dirtyPending:   make(map[uint64]struct{}),
	}
}

// Deposit credits amount to account.available
func (l *Ledger) Deposit(a asset.Ref, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	// an entry never exceeds its asset total, so checking the total covers both
	if _, overflow := new(uint256.Int).AddOverflow(l.total(a), amount); overflow {
		return fmt.Errorf("%w: %s total", ErrBalanceOverflow, a)
	}

	e := l.touch(entryKey{a, account})
	l.touchTotal(a)
	e.Available.Add(&e.Available, amount)
	l.totals[a].Add(l.totals[a], amount)
	return nil
}

// Withdraw moves amount out of account.available into a pending withdrawal.
// The caller performs the outbound transfer, then settles or refunds it.
func (l *Ledger) Withdraw(a asset.Ref, account common.Address, amount *uint256.Int) (Withdrawal, error) {
	if amount.IsZero() {
		return Withdrawal{}, ErrZeroAmount
	}
	k := entryKey{a, account}
	if e := l.peek(k); e.Available.Lt(amount) {
		return Withdrawal{}, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, e.Available.Dec(), amount.Dec())
	}

	e := l.touch(k)
	e.Available.Sub(&e.Available, amount)

	w := &Withdrawal{ID: l.nextWithdrawal, Asset: a, Account: account}
	w.Amount.Set(amount)
	l.addPending(w)

	prevNext := l.nextWithdrawal
	l.nextWithdrawal++
	l.record(func() { l.nextWithdrawal = prevNext })
	return *w, nil
}

// SettleWithdrawal finalizes a pending withdrawal whose transfer went out.
// The amount stops counting as ledgered.
func (l *Ledger) SettleWithdrawal(id uint64) (Withdrawal, error) {
	w, ok := l.pending[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("%w: %d", ErrWithdrawalNotFound, id)
	}
	l.removePending(w)
	l.touchTotal(w.Asset)
	l.totals[w.Asset].Sub(l.totals[w.Asset], &w.Amount)

	prevSeq := l.settledSeq
	l.settledSeq++
	l.record(func() { l.settledSeq = prevSeq })
	return *w, nil
}

// RefundWithdrawal is the compensating transaction for a failed transfer:
// the amount returns to the account's available balance.
func (l *Ledger) RefundWithdrawal(id uint64) (Withdrawal, error) {
	w, ok := l.pending[id]
	if !ok {
		return Withdrawal{}, fmt.Errorf("%w: %d", ErrWithdrawalNotFound, id)
	}
	l.removePending(w)
	e := l.touch(entryKey{w.Asset, w.Account})
	e.Available.Add(&e.Available, &w.Amount)
	return *w, nil
}

// Commit moves amount from available to committed
func (l *Ledger) Commit(a asset.Ref, account common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return ErrZeroAmount
	}
	k := entryKey{a, account}
	if e := l.peek(k); e.Available.Lt(amount) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, e.Available.Dec(), amount.Dec())
	}
	e := l.touch(k)
	e.Available.Sub(&e.Available, amount)
	e.Committed.Add(&e.Committed, amount)
	return nil
}

// Release moves amount from committed back to available
func (l *Ledger) Release(a asset.Ref, account common.Address, amount *uint256.Int) error {
	k := entryKey{a, account}
	if e := l.peek(k); e.Committed.Lt(amount) {
		return fmt.Errorf("%w: committed %s, release %s", ErrInsufficientBalance, e.Committed.Dec(), amount.Dec())
	}
	if amount.IsZero() {
		return nil
	}
	e := l.touch(k)
	e.Committed.Sub(&e.Committed, amount)
	e.Available.Add(&e.Available, amount)
	return nil
}

// TransferCommitted pays amount out of from.committed into to.available
func (l *Ledger) TransferCommitted(a asset.Ref, from, to common.Address, amount *uint256.Int) error {
	fk := entryKey{a, from}
	if e := l.peek(fk); e.Committed.Lt(amount) {
		return fmt.Errorf("%w: committed %s, transfer %s", ErrInsufficientBalance, e.Committed.Dec(), amount.Dec())
	}
	if amount.IsZero() {
		return nil
	}
	src := l.touch(fk)
	src.Committed.Sub(&src.Committed, amount)
	dst := l.touch(entryKey{a, to})
	dst.Available.Add(&dst.Available, amount)
	return nil
}

// TransferAvailable pays amount out of from.available into to.available
func (l *Ledger) TransferAvailable(a asset.Ref, from, to common.Address, amount *uint256.Int) error {
	fk := entryKey{a, from}
	if e := l.peek(fk); e.Available.Lt(amount) {
		return fmt.Errorf("%w: available %s, transfer %s", ErrInsufficientBalance, e.Available.Dec(), amount.Dec())
	}
	if amount.IsZero() || from == to {
		return nil
	}
	src := l.touch(fk)
	src.Available.Sub(&src.Available, amount)
	dst := l.touch(entryKey{a, to})
	dst.Available.Add(&dst.Available, amount)
	return nil
}

// BalanceOf returns account.available for asset (zero for unknown entries)
func (l *Ledger) BalanceOf(a asset.Ref, account common.Address) *uint256.Int {
	e := l.peek(entryKey{a, account})
	return new(uint256.Int).Set(&e.Available)
}

// CommitmentsOf returns account.committed for asset
func (l *Ledger) CommitmentsOf(a asset.Ref, account common.Address) *uint256.Int {
	e := l.peek(entryKey{a, account})
	return new(uint256.Int).Set(&e.Committed)
}

// Ledgered returns everything the ledger owes for asset: all entries plus
// withdrawals not yet settled
func (l *Ledger) Ledgered(a asset.Ref) *uint256.Int {
	return new(uint256.Int).Set(l.total(a))
}

// Surplus returns custodied - ledgered, or zero when custody is short
func (l *Ledger) Surplus(a asset.Ref, custodied *uint256.Int) *uint256.Int {
	ledgered := l.total(a)
	if custodied.Cmp(ledgered) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(custodied, ledgered)
}

// Reconcile credits any custody surplus to account and returns the credited amount
func (l *Ledger) Reconcile(a asset.Ref, account common.Address, custodied *uint256.Int) (*uint256.Int, error) {
	surplus := l.Surplus(a, custodied)
	if surplus.IsZero() {
		return surplus, nil
	}
	if err := l.Deposit(a, account, surplus); err != nil {
		return nil, err
	}
	return surplus, nil
}

// SettledSeq changes every time ledgered value decreases. Readers of external
// custody compare it before and after the read to detect a settle in between.
func (l *Ledger) SettledSeq() uint64 {
	return l.settledSeq
}

// Assets returns every asset the ledger has ever seen
func (l *Ledger) Assets() []asset.Ref {
	out := make([]asset.Ref, 0, len(l.totals))
	for a := range l.totals {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return lessKey(entryKey{asset: out[i]}, entryKey{asset: out[j]})
	})
	return out
}

// Entries returns a sorted copy of every entry
func (l *Ledger) Entries() []Record {
	out := make([]Record, 0, len(l.entries))
	for k, e := range l.entries {
		out = append(out, Record{Asset: k.asset, Account: k.account, Entry: *e})
	}
	sortRecords(out)
	return out
}

// EntriesOf returns every entry held by account, sorted by asset
func (l *Ledger) EntriesOf(account common.Address) []Record {
	var out []Record
	for k, e := range l.entries {
		if k.account == account {
			out = append(out, Record{Asset: k.asset, Account: k.account, Entry: *e})
		}
	}
	sortRecords(out)
	return out
}

// Pending returns a copy of the withdrawals still in flight, ordered by id
func (l *Ledger) Pending() []Withdrawal {
	out := make([]Withdrawal, 0, len(l.pending))
	for _, w := range l.pending {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingCount is the number of withdrawals in flight
func (l *Ledger) PendingCount() int {
	return len(l.pending)
}

// PendingWithdrawal looks up one in-flight withdrawal
func (l *Ledger) PendingWithdrawal(id uint64) (Withdrawal, bool) {
	w, ok := l.pending[id]
	if !ok {
		return Withdrawal{}, false
	}
	return *w, true
}

// NextWithdrawalID is the id the next Withdraw will use
func (l *Ledger) NextWithdrawalID() uint64 {
	return l.nextWithdrawal
}

// Restore replaces the ledger contents with a persisted snapshot.
// Totals are recomputed from the entries and pending withdrawals.
func (l *Ledger) Restore(records []Record, pending []Withdrawal, nextWithdrawal uint64) error {
	entries := make(map[entryKey]*Entry, len(records))
	totals := make(map[asset.Ref]*uint256.Int)
	add := func(a asset.Ref, v *uint256.Int) error {
		t, ok := totals[a]
		if !ok {
			t = new(uint256.Int)
			totals[a] = t
		}
		if _, overflow := t.AddOverflow(t, v); overflow {
			return fmt.Errorf("%w: restoring %s", ErrBalanceOverflow, a)
		}
		return nil
	}

	for _, r := range records {
		e := r.Entry
		entries[entryKey{r.Asset, r.Account}] = &e
		if err := add(r.Asset, &e.Available); err != nil {
			return err
		}
		if err := add(r.Asset, &e.Committed); err != nil {
			return err
		}
	}

	pend := make(map[uint64]*Withdrawal, len(pending))
	for _, w := range pending {
		cp := w
		pend[w.ID] = &cp
		if err := add(w.Asset, &cp.Amount); err != nil {
			return err
		}
		if w.ID >= nextWithdrawal {
			nextWithdrawal = w.ID + 1
		}
	}
	if nextWithdrawal == 0 {
		nextWithdrawal = 1
	}

	l.entries = entries
	l.totals = totals
	l.pending = pend
	l.nextWithdrawal = nextWithdrawal
	l.Accept()
	return nil
}

// peek returns the entry for k without creating it
func (l *Ledger) peek(k entryKey) *Entry {
	if e, ok := l.entries[k]; ok {
		return e
	}
	return &Entry{}
}

func (l *Ledger) total(a asset.Ref) *uint256.Int {
	if t, ok := l.totals[a]; ok {
		return t
	}
	return new(uint256.Int)
}
