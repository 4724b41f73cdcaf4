package events

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
)

type Type string

const (
	OrderCreated       Type = "order_created"
	OrderCancelled     Type = "order_cancelled"
	OrderFilled        Type = "order_filled"
	Deposited          Type = "deposited"
	Withdrawn          Type = "withdrawn"
	WithdrawalSettled  Type = "withdrawal_settled"
	WithdrawalRefunded Type = "withdrawal_refunded"
)

// Event is one engine state change, published after the operation commits.
// Seq is the exchange operation that produced it; several events may share one.
type Event struct {
	ID        string         `json:"event_id"`
	Type      Type           `json:"event_type"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Account   common.Address `json:"account"` // primary actor, also the partition key
	Payload   any            `json:"payload"`
}

type OrderPayload struct {
	OrderID       uint64 `json:"order_id"`
	Maker         string `json:"maker"`
	Give          string `json:"give"`
	Get           string `json:"get"`
	GiveAmount    string `json:"give_amount"`
	GiveRemaining string `json:"give_remaining"`
	PriceNum      string `json:"price_num"`
	PriceDen      string `json:"price_den"`
	Status        string `json:"status"`
}

type FillPayload struct {
	FillID    string `json:"fill_id"`
	OrderID   uint64 `json:"order_id"`
	Maker     string `json:"maker"`
	Taker     string `json:"taker"`
	Give      string `json:"give"`
	Get       string `json:"get"`
	Consumed  string `json:"consumed"`
	Received  string `json:"received"`
	Fee       string `json:"fee"`
	Paid      string `json:"paid"`
	Remaining string `json:"remaining"`
}

type TransferPayload struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	WithdrawalID uint64 `json:"withdrawal_id,omitempty"`
}

func newEvent(t Type, ts time.Time, account common.Address, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: ts.UTC(),
		Account:   account,
		Payload:   payload,
	}
}

func orderPayload(o orderbook.Order) OrderPayload {
	return OrderPayload{
		OrderID:       o.ID,
		Maker:         o.Maker.Hex(),
		Give:          o.Give.String(),
		Get:           o.Get.String(),
		GiveAmount:    o.GiveAmount.Dec(),
		GiveRemaining: o.GiveRemaining.Dec(),
		PriceNum:      o.Price.Num.Dec(),
		PriceDen:      o.Price.Den.Dec(),
		Status:        o.Status.String(),
	}
}

func NewOrderCreated(o orderbook.Order, ts time.Time) Event {
	return newEvent(OrderCreated, ts, o.Maker, orderPayload(o))
}

func NewOrderCancelled(o orderbook.Order, ts time.Time) Event {
	return newEvent(OrderCancelled, ts, o.Maker, orderPayload(o))
}

func NewOrderFilled(f orderbook.Fill) Event {
	return newEvent(OrderFilled, f.Timestamp, f.Taker, FillPayload{
		FillID:    f.ID.String(),
		OrderID:   f.OrderID,
		Maker:     f.Maker.Hex(),
		Taker:     f.Taker.Hex(),
		Give:      f.Give.String(),
		Get:       f.Get.String(),
		Consumed:  f.Consumed.Dec(),
		Received:  f.Received.Dec(),
		Fee:       f.Fee.Dec(),
		Paid:      f.Paid.Dec(),
		Remaining: f.Remaining.Dec(),
	})
}

func NewDeposited(account common.Address, a asset.Ref, amount *uint256.Int, ts time.Time) Event {
	return newEvent(Deposited, ts, account, TransferPayload{
		Account: account.Hex(),
		Asset:   a.String(),
		Amount:  amount.Dec(),
	})
}

func newWithdrawalEvent(t Type, w ledger.Withdrawal, ts time.Time) Event {
	return newEvent(t, ts, w.Account, TransferPayload{
		Account:      w.Account.Hex(),
		Asset:        w.Asset.String(),
		Amount:       w.Amount.Dec(),
		WithdrawalID: w.ID,
	})
}

func NewWithdrawn(w ledger.Withdrawal, ts time.Time) Event {
	return newWithdrawalEvent(Withdrawn, w, ts)
}

func NewWithdrawalSettled(w ledger.Withdrawal, ts time.Time) Event {
	return newWithdrawalEvent(WithdrawalSettled, w, ts)
}

func NewWithdrawalRefunded(w ledger.Withdrawal, ts time.Time) Event {
	return newWithdrawalEvent(WithdrawalRefunded, w, ts)
}
