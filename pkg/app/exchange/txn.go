package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/events"
	"github.com/uhyunpark/youstock/pkg/storage"
)

// holding is one custody reading taken before the lock was acquired
type holding struct {
	asset  asset.Ref
	amount *uint256.Int
}

// txn collects what one operation produces while it runs under the lock
type txn struct {
	ex       *Exchange
	caller   common.Address
	now      time.Time
	custody  []holding
	credited map[asset.Ref]*uint256.Int
	events   []events.Event
	payments []common.Hash
	detail   string
	after    []func()
}

func (tx *txn) emit(ev events.Event) {
	tx.events = append(tx.events, ev)
}

// onCommit defers fn until the operation is persisted
func (tx *txn) onCommit(fn func()) {
	tx.after = append(tx.after, fn)
}

// claim marks a native payment as credited once the operation commits
func (tx *txn) claim(payment common.Hash) {
	tx.payments = append(tx.payments, payment)
}

func (tx *txn) describe(format string, args ...any) {
	tx.detail = fmt.Sprintf(format, args...)
}

// reconcile credits the custody surplus of every token read for this
// operation to the caller. Native value is only credited through Fund.
func (tx *txn) reconcile() error {
	for _, h := range tx.custody {
		if h.asset.IsNative() {
			continue
		}
		credited, err := tx.ex.ledger.Reconcile(h.asset, tx.caller, h.amount)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", h.asset, err)
		}
		if credited.IsZero() {
			continue
		}
		if tx.credited == nil {
			tx.credited = make(map[asset.Ref]*uint256.Int)
		}
		tx.credited[h.asset] = credited
		tx.emit(events.NewDeposited(tx.caller, h.asset, credited, tx.now))
		tx.onCommit(func() { tx.ex.metrics.IncDeposit("token", "reconcile") })
	}
	return nil
}

// tokens returns the distinct token assets among refs
func tokens(refs ...asset.Ref) []asset.Ref {
	out := make([]asset.Ref, 0, len(refs))
	for _, a := range refs {
		if a.IsNative() {
			continue
		}
		dup := false
		for _, b := range out {
			if a == b {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, a)
		}
	}
	return out
}

// run executes body as one transaction and publishes its events once the lock is released.
// touched is evaluated under the lock and names the assets whose custody body needs;
// they are read outside the lock and the read is retried if a withdrawal settled meanwhile.
func (ex *Exchange) run(ctx context.Context, op string, caller common.Address, touched func() []asset.Ref, body func(tx *txn) error) error {
	start := time.Now()
	evs, err := ex.transact(ctx, op, caller, touched, body)
	ex.metrics.ObserveOperation(op, err, time.Since(start))
	if err != nil {
		ex.logger.Debugw("operation_rejected", "op", op, "caller", caller.Hex(), "err", err)
		return err
	}
	ex.publish(ctx, evs)
	return nil
}

func (ex *Exchange) transact(ctx context.Context, op string, caller common.Address, touched func() []asset.Ref, body func(tx *txn) error) ([]events.Event, error) {
	for attempt := 0; attempt < maxCustodyReads; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ex.mu.Lock()
		var assets []asset.Ref
		if touched != nil {
			assets = touched()
		}
		if len(assets) == 0 {
			evs, err := ex.apply(op, caller, nil, body)
			ex.mu.Unlock()
			return evs, err
		}
		seq := ex.ledger.SettledSeq()
		ex.mu.Unlock()

		readings := make([]holding, 0, len(assets))
		for _, a := range assets {
			v, err := ex.custodian.Custodied(ctx, a)
			if err != nil {
				return nil, fmt.Errorf("read custody of %s: %w", a, err)
			}
			readings = append(readings, holding{asset: a, amount: v})
		}

		ex.mu.Lock()
		if ex.ledger.SettledSeq() != seq {
			ex.mu.Unlock()
			ex.logger.Debugw("custody_read_retry", "op", op, "attempt", attempt+1)
			continue
		}
		evs, err := ex.apply(op, caller, readings, body)
		ex.mu.Unlock()
		return evs, err
	}
	return nil, ErrCustodyBusy
}

// apply runs body against journaled state and persists the result. Must hold mu.
func (ex *Exchange) apply(op string, caller common.Address, readings []holding, body func(tx *txn) error) ([]events.Event, error) {
	tx := &txn{ex: ex, caller: caller, now: ex.clock.Now(), custody: readings}

	ex.ledger.Begin()
	ex.book.Begin()
	if err := body(tx); err != nil {
		ex.rollback()
		return nil, err
	}

	lc := ex.ledger.Changes()
	bc := ex.book.Changes()
	cs := storage.ChangeSet{
		Seq:                ex.seq + 1,
		Entries:            lc.Entries,
		Withdrawals:        lc.Withdrawals,
		RemovedWithdrawals: lc.Removed,
		NextWithdrawal:     lc.NextWithdrawal,
		Orders:             bc.Orders,
		Fills:              bc.Fills,
		NextOrderID:        bc.NextID,
		Payments:           tx.payments,
	}
	if cs.Empty() {
		ex.accept()
		return nil, nil
	}
	if err := ex.store.Apply(cs); err != nil {
		ex.rollback()
		ex.logger.Errorw("persist_failed", "op", op, "caller", caller.Hex(), "err", err)
		return nil, fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	ex.accept()
	for _, p := range tx.payments {
		ex.payments[p] = struct{}{}
	}

	ex.seq = cs.Seq
	for i := range tx.events {
		tx.events[i].Seq = ex.seq
	}
	line := fmt.Sprintf("%d %s %s caller=%s %s",
		ex.seq, tx.now.UTC().Format(time.RFC3339Nano), op, caller.Hex(), tx.detail)
	if err := ex.journal.Append(line); err != nil {
		ex.metrics.IncJournalFailure()
		ex.logger.Errorw("journal_append_failed", "seq", ex.seq, "op", op, "err", err)
	}
	for _, fn := range tx.after {
		fn()
	}
	ex.metrics.SetActiveOrders(ex.book.ActiveCount())
	ex.metrics.SetPendingWithdrawals(ex.ledger.PendingCount())
	return tx.events, nil
}

func (ex *Exchange) accept() {
	ex.ledger.Accept()
	ex.book.Accept()
}

func (ex *Exchange) rollback() {
	ex.book.Rollback()
	ex.ledger.Rollback()
}

// publish hands committed events to the sink. A sink failure never undoes the operation.
func (ex *Exchange) publish(ctx context.Context, evs []events.Event) {
	if ex.sink == nil || len(evs) == 0 {
		return
	}
	err := ex.sink.Publish(context.WithoutCancel(ctx), evs)
	ex.metrics.ObservePublish(len(evs), err)
	if err != nil {
		ex.logger.Warnw("publish_failed", "events", len(evs), "seq", evs[0].Seq, "err", err)
	}
}
