package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/custody"
	"github.com/uhyunpark/youstock/pkg/events"
)

// Fund credits native value the caller has already sent to custody in the
// transfer identified by payment. The transfer must come from the caller and
// carry exactly value, each payment is credited once, and the unclaimed
// native surplus must still cover value.
func (ex *Exchange) Fund(ctx context.Context, caller common.Address, value *uint256.Int, payment common.Hash) error {
	if value.IsZero() {
		return ledger.ErrZeroAmount
	}
	start := time.Now()
	if err := ex.custodian.VerifyPayment(ctx, payment, caller, value); err != nil {
		ex.metrics.ObserveOperation("fund", err, time.Since(start))
		ex.logger.Debugw("operation_rejected", "op", "fund", "caller", caller.Hex(), "payment", payment.Hex(), "err", err)
		return err
	}

	native := asset.Native()
	touched := func() []asset.Ref { return []asset.Ref{native} }

	return ex.run(ctx, "fund", caller, touched, func(tx *txn) error {
		if _, ok := ex.payments[payment]; ok {
			return fmt.Errorf("%w: %s", ErrPaymentClaimed, payment.Hex())
		}
		surplus := ex.ledger.Surplus(native, tx.custody[0].amount)
		if surplus.Lt(value) {
			return fmt.Errorf("%w: unclaimed %s, attached %s", ErrUnbackedDeposit, surplus.Dec(), value.Dec())
		}
		if err := ex.ledger.Deposit(native, caller, value); err != nil {
			return err
		}
		tx.claim(payment)
		tx.emit(events.NewDeposited(caller, native, value, tx.now))
		tx.onCommit(func() { ex.metrics.IncDeposit("native", "fund") })
		tx.describe("asset=%s amount=%s payment=%s", native, value.Dec(), payment.Hex())
		return nil
	})
}

// Deposit claims every unclaimed unit of token a for the caller and returns
// the amount credited, which is zero when nothing arrived.
func (ex *Exchange) Deposit(ctx context.Context, caller common.Address, a asset.Ref) (*uint256.Int, error) {
	if a.IsNative() {
		return nil, ErrNativeClaim
	}
	credited := new(uint256.Int)
	err := ex.run(ctx, "deposit", caller, staticTokens(a), func(tx *txn) error {
		if err := tx.reconcile(); err != nil {
			return err
		}
		if v, ok := tx.credited[a]; ok {
			credited.Set(v)
		}
		tx.describe("asset=%s credited=%s", a, credited.Dec())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return credited, nil
}

// Redeem pays amount of a out to the caller. The balance moves into a pending
// withdrawal that is persisted before the transfer starts; a failed transfer
// refunds it. An unconfirmed transfer leaves it pending for ResolveWithdrawal.
func (ex *Exchange) Redeem(ctx context.Context, caller common.Address, a asset.Ref, amount *uint256.Int) (ledger.Withdrawal, error) {
	var w ledger.Withdrawal
	err := ex.run(ctx, "redeem", caller, staticTokens(a), func(tx *txn) error {
		if err := tx.reconcile(); err != nil {
			return err
		}
		var err error
		w, err = ex.ledger.Withdraw(a, caller, amount)
		if err != nil {
			return err
		}
		tx.emit(events.NewWithdrawn(w, tx.now))
		tx.describe("withdrawal=%d asset=%s amount=%s", w.ID, a, amount.Dec())
		return nil
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}

	// the transfer outlives a cancelled request; it is bounded by TransferTimeout instead
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ex.cfg.TransferTimeout)
	defer cancel()
	terr := ex.custodian.TransferOut(tctx, a, caller, amount)

	switch {
	case terr == nil:
		settled, err := ex.resolve(ctx, w.ID, true)
		if err != nil {
			ex.logger.Errorw("withdrawal_unresolved", "withdrawal_id", w.ID, "sent", true, "err", err)
			return w, err
		}
		return settled, nil

	case errors.Is(terr, custody.ErrTransferUnconfirmed):
		ex.logger.Warnw("withdrawal_unconfirmed",
			"withdrawal_id", w.ID,
			"account", caller.Hex(),
			"asset", a.String(),
			"amount", amount.Dec(),
			"err", terr,
		)
		return w, fmt.Errorf("withdrawal %d: %w", w.ID, terr)

	default:
		ex.logger.Warnw("redeem_compensated",
			"withdrawal_id", w.ID,
			"account", caller.Hex(),
			"asset", a.String(),
			"amount", amount.Dec(),
			"err", terr,
		)
		if _, err := ex.resolve(ctx, w.ID, false); err != nil {
			ex.logger.Errorw("withdrawal_unresolved", "withdrawal_id", w.ID, "sent", false, "err", err)
			return w, errors.Join(fmt.Errorf("withdrawal %d: %w", w.ID, terr), err)
		}
		return w, fmt.Errorf("withdrawal %d refunded: %w", w.ID, terr)
	}
}

// ResolveWithdrawal settles (sent) or refunds a withdrawal left pending by an
// unconfirmed transfer or a restart
func (ex *Exchange) ResolveWithdrawal(ctx context.Context, id uint64, sent bool) (ledger.Withdrawal, error) {
	return ex.resolve(ctx, id, sent)
}

func (ex *Exchange) resolve(ctx context.Context, id uint64, sent bool) (ledger.Withdrawal, error) {
	op, result := "refund_withdrawal", "refunded"
	if sent {
		op, result = "settle_withdrawal", "settled"
	}

	var w ledger.Withdrawal
	err := ex.run(ctx, op, common.Address{}, nil, func(tx *txn) error {
		var err error
		if sent {
			w, err = ex.ledger.SettleWithdrawal(id)
		} else {
			w, err = ex.ledger.RefundWithdrawal(id)
		}
		if err != nil {
			return err
		}
		if sent {
			tx.emit(events.NewWithdrawalSettled(w, tx.now))
		} else {
			tx.emit(events.NewWithdrawalRefunded(w, tx.now))
		}
		tx.onCommit(func() { ex.metrics.IncResolution(result) })
		tx.describe("withdrawal=%d account=%s asset=%s amount=%s", w.ID, w.Account.Hex(), w.Asset, w.Amount.Dec())
		return nil
	})
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	ex.logger.Infow("withdrawal_"+result,
		"withdrawal_id", w.ID,
		"account", w.Account.Hex(),
		"asset", w.Asset.String(),
		"amount", w.Amount.Dec(),
	)
	return w, nil
}

// CreateOrder commits giveAmount of give and lists it at num/den units of get per unit
func (ex *Exchange) CreateOrder(ctx context.Context, maker common.Address, give, get asset.Ref, giveAmount, num, den *uint256.Int) (orderbook.Order, error) {
	var o orderbook.Order
	err := ex.run(ctx, "create_order", maker, staticTokens(give, get), func(tx *txn) error {
		if err := tx.reconcile(); err != nil {
			return err
		}
		var err error
		o, err = ex.book.Create(maker, give, get, giveAmount, num, den)
		if err != nil {
			return err
		}
		tx.emit(events.NewOrderCreated(o, tx.now))
		tx.describe("order=%d give=%s get=%s amount=%s price=%s", o.ID, give, get, giveAmount.Dec(), o.Price)
		return nil
	})
	if err != nil {
		return orderbook.Order{}, err
	}
	ex.logger.Infow("order_created",
		"order_id", o.ID,
		"maker", maker.Hex(),
		"give", give.String(),
		"get", get.String(),
		"amount", o.GiveAmount.Dec(),
		"price", o.Price.String(),
	)
	return o, nil
}

// CancelOrder releases the order's remaining commitment back to its maker.
// It reads no custody and credits no token surplus.
func (ex *Exchange) CancelOrder(ctx context.Context, caller common.Address, id uint64) (orderbook.Order, error) {
	var o orderbook.Order
	err := ex.run(ctx, "cancel_order", caller, nil, func(tx *txn) error {
		var err error
		o, err = ex.book.Cancel(caller, id)
		if err != nil {
			return err
		}
		tx.emit(events.NewOrderCancelled(o, tx.now))
		tx.describe("order=%d released=%s", o.ID, o.GiveRemaining.Dec())
		return nil
	})
	if err != nil {
		return orderbook.Order{}, err
	}
	ex.logger.Infow("order_cancelled", "order_id", o.ID, "maker", o.Maker.Hex(), "released", o.GiveRemaining.Dec())
	return o, nil
}

// ExecuteOrder fills consumed units of the order's give asset for the caller
func (ex *Exchange) ExecuteOrder(ctx context.Context, taker common.Address, id uint64, consumed *uint256.Int) (orderbook.Fill, error) {
	var f orderbook.Fill
	err := ex.run(ctx, "execute_order", taker, ex.orderTokens(id), func(tx *txn) error {
		if err := tx.reconcile(); err != nil {
			return err
		}
		var err error
		f, err = ex.book.Execute(taker, id, consumed)
		if err != nil {
			return err
		}
		tx.emit(events.NewOrderFilled(f))
		tx.onCommit(ex.metrics.IncFill)
		tx.describe("order=%d consumed=%s paid=%s fee=%s remaining=%s",
			f.OrderID, f.Consumed.Dec(), f.Paid.Dec(), f.Fee.Dec(), f.Remaining.Dec())
		return nil
	})
	if err != nil {
		return orderbook.Fill{}, err
	}
	ex.logger.Infow("order_filled",
		"order_id", f.OrderID,
		"maker", f.Maker.Hex(),
		"taker", f.Taker.Hex(),
		"consumed", f.Consumed.Dec(),
		"received", f.Received.Dec(),
		"fee", f.Fee.Dec(),
		"paid", f.Paid.Dec(),
	)
	return f, nil
}

func staticTokens(refs ...asset.Ref) func() []asset.Ref {
	list := tokens(refs...)
	return func() []asset.Ref { return list }
}

// orderTokens resolves the order's tokens under the lock; unknown orders touch nothing
func (ex *Exchange) orderTokens(id uint64) func() []asset.Ref {
	return func() []asset.Ref {
		o, ok := ex.book.Get(id)
		if !ok {
			return nil
		}
		return tokens(o.Give, o.Get)
	}
}
