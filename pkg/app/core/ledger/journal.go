package ledger

import (
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// Changes is everything an operation touched, in the form the store persists
type Changes struct {
	Entries        []Record
	Withdrawals    []Withdrawal // pending after the operation
	Removed        []uint64     // withdrawals settled or refunded
	NextWithdrawal uint64
}

// Empty reports whether nothing was touched
func (c Changes) Empty() bool {
	return len(c.Entries) == 0 && len(c.Withdrawals) == 0 && len(c.Removed) == 0
}

// Begin starts journaling. Every mutation until Accept or Rollback can be undone.
func (l *Ledger) Begin() {
	l.journaling = true
	l.undo = l.undo[:0]
	clear(l.dirtyEntries)
	clear(l.dirtyPending)
}

// Changes lists the entries and withdrawals touched since Begin
func (l *Ledger) Changes() Changes {
	ch := Changes{NextWithdrawal: l.nextWithdrawal}
	for k := range l.dirtyEntries {
		e := l.peek(k)
		ch.Entries = append(ch.Entries, Record{Asset: k.asset, Account: k.account, Entry: *e})
	}
	sortRecords(ch.Entries)
	for id := range l.dirtyPending {
		if w, ok := l.pending[id]; ok {
			ch.Withdrawals = append(ch.Withdrawals, *w)
		} else {
			ch.Removed = append(ch.Removed, id)
		}
	}
	return ch
}

// Accept keeps every mutation since Begin
func (l *Ledger) Accept() {
	l.journaling = false
	l.undo = l.undo[:0]
	clear(l.dirtyEntries)
	clear(l.dirtyPending)
}

// Rollback undoes every mutation since Begin, newest first
func (l *Ledger) Rollback() {
	for i := len(l.undo) - 1; i >= 0; i-- {
		l.undo[i]()
	}
	l.Accept()
}

func (l *Ledger) record(fn func()) {
	if l.journaling {
		l.undo = append(l.undo, fn)
	}
}

// touch returns the entry for k, creating it if needed, after journaling its current value
func (l *Ledger) touch(k entryKey) *Entry {
	e, ok := l.entries[k]
	if !ok {
		e = &Entry{}
		l.entries[k] = e
		l.record(func() { delete(l.entries, k) })
	} else {
		prev := *e
		l.record(func() { *e = prev })
	}
	if l.journaling {
		l.dirtyEntries[k] = struct{}{}
	}
	return e
}

func (l *Ledger) touchTotal(a asset.Ref) {
	t, ok := l.totals[a]
	if !ok {
		l.totals[a] = new(uint256.Int)
		l.record(func() { delete(l.totals, a) })
		return
	}
	prev := *t
	l.record(func() { *t = prev })
}

func (l *Ledger) addPending(w *Withdrawal) {
	l.pending[w.ID] = w
	l.record(func() { delete(l.pending, w.ID) })
	if l.journaling {
		l.dirtyPending[w.ID] = struct{}{}
	}
}

func (l *Ledger) removePending(w *Withdrawal) {
	delete(l.pending, w.ID)
	l.record(func() { l.pending[w.ID] = w })
	if l.journaling {
		l.dirtyPending[w.ID] = struct{}{}
	}
}
