package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/app/core/price"
)

// Amounts are stored as decimal strings so records stay readable with any
// pebble tooling and independent of uint256's own JSON encoding.

type entryRecord struct {
	Asset     string `json:"asset"`
	Account   string `json:"account"`
	Available string `json:"available"`
	Committed string `json:"committed"`
}

type withdrawalRecord struct {
	ID      uint64 `json:"id"`
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type orderRecord struct {
	ID            uint64    `json:"id"`
	Maker         string    `json:"maker"`
	Give          string    `json:"give"`
	Get           string    `json:"get"`
	GiveAmount    string    `json:"give_amount"`
	GiveRemaining string    `json:"give_remaining"`
	PriceNum      string    `json:"price_num"`
	PriceDen      string    `json:"price_den"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type fillRecord struct {
	ID        string    `json:"id"`
	OrderID   uint64    `json:"order_id"`
	Maker     string    `json:"maker"`
	Taker     string    `json:"taker"`
	Give      string    `json:"give"`
	Get       string    `json:"get"`
	Consumed  string    `json:"consumed"`
	Received  string    `json:"received"`
	Fee       string    `json:"fee"`
	Paid      string    `json:"paid"`
	Remaining string    `json:"remaining"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeEntry(r ledger.Record) ([]byte, error) {
	return json.Marshal(entryRecord{
		Asset:     r.Asset.String(),
		Account:   r.Account.Hex(),
		Available: r.Entry.Available.Dec(),
		Committed: r.Entry.Committed.Dec(),
	})
}

func decodeEntry(data []byte) (ledger.Record, error) {
	var rec entryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Record{}, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	a, err := asset.Parse(rec.Asset)
	if err != nil {
		return ledger.Record{}, err
	}
	out := ledger.Record{Asset: a, Account: common.HexToAddress(rec.Account)}
	if err := setDec(&out.Entry.Available, rec.Available); err != nil {
		return ledger.Record{}, err
	}
	if err := setDec(&out.Entry.Committed, rec.Committed); err != nil {
		return ledger.Record{}, err
	}
	return out, nil
}

func encodeWithdrawal(w ledger.Withdrawal) ([]byte, error) {
	return json.Marshal(withdrawalRecord{
		ID:      w.ID,
		Asset:   w.Asset.String(),
		Account: w.Account.Hex(),
		Amount:  w.Amount.Dec(),
	})
}

func decodeWithdrawal(data []byte) (ledger.Withdrawal, error) {
	var rec withdrawalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return ledger.Withdrawal{}, fmt.Errorf("failed to unmarshal withdrawal: %w", err)
	}
	a, err := asset.Parse(rec.Asset)
	if err != nil {
		return ledger.Withdrawal{}, err
	}
	out := ledger.Withdrawal{ID: rec.ID, Asset: a, Account: common.HexToAddress(rec.Account)}
	if err := setDec(&out.Amount, rec.Amount); err != nil {
		return ledger.Withdrawal{}, err
	}
	return out, nil
}

func encodeOrder(o orderbook.Order) ([]byte, error) {
	return json.Marshal(orderRecord{
		ID:            o.ID,
		Maker:         o.Maker.Hex(),
		Give:          o.Give.String(),
		Get:           o.Get.String(),
		GiveAmount:    o.GiveAmount.Dec(),
		GiveRemaining: o.GiveRemaining.Dec(),
		PriceNum:      o.Price.Num.Dec(),
		PriceDen:      o.Price.Den.Dec(),
		Status:        o.Status.String(),
		CreatedAt:     o.CreatedAt,
	})
}

func decodeOrder(data []byte) (orderbook.Order, error) {
	var rec orderRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return orderbook.Order{}, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	give, err := asset.Parse(rec.Give)
	if err != nil {
		return orderbook.Order{}, err
	}
	get, err := asset.Parse(rec.Get)
	if err != nil {
		return orderbook.Order{}, err
	}
	status, err := orderbook.ParseStatus(rec.Status)
	if err != nil {
		return orderbook.Order{}, err
	}
	p, err := price.Parse(rec.PriceNum + "/" + rec.PriceDen)
	if err != nil {
		return orderbook.Order{}, fmt.Errorf("order %d: %w", rec.ID, err)
	}

	out := orderbook.Order{
		ID:        rec.ID,
		Maker:     common.HexToAddress(rec.Maker),
		Give:      give,
		Get:       get,
		Price:     p,
		Status:    status,
		CreatedAt: rec.CreatedAt,
	}
	if err := setDec(&out.GiveAmount, rec.GiveAmount); err != nil {
		return orderbook.Order{}, err
	}
	if err := setDec(&out.GiveRemaining, rec.GiveRemaining); err != nil {
		return orderbook.Order{}, err
	}
	return out, nil
}

func encodeFill(f orderbook.Fill) ([]byte, error) {
	return json.Marshal(fillRecord{
		ID:        f.ID.String(),
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
		Timestamp: f.Timestamp,
	})
}

func decodeFill(data []byte) (orderbook.Fill, error) {
	var rec fillRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return orderbook.Fill{}, fmt.Errorf("failed to unmarshal fill: %w", err)
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return orderbook.Fill{}, fmt.Errorf("fill id %q: %w", rec.ID, err)
	}
	give, err := asset.Parse(rec.Give)
	if err != nil {
		return orderbook.Fill{}, err
	}
	get, err := asset.Parse(rec.Get)
	if err != nil {
		return orderbook.Fill{}, err
	}

	out := orderbook.Fill{
		ID:        id,
		OrderID:   rec.OrderID,
		Maker:     common.HexToAddress(rec.Maker),
		Taker:     common.HexToAddress(rec.Taker),
		Give:      give,
		Get:       get,
		Timestamp: rec.Timestamp,
	}
	for _, field := range []struct {
		dst *uint256.Int
		src string
	}{
		{&out.Consumed, rec.Consumed},
		{&out.Received, rec.Received},
		{&out.Fee, rec.Fee},
		{&out.Paid, rec.Paid},
		{&out.Remaining, rec.Remaining},
	} {
		if err := setDec(field.dst, field.src); err != nil {
			return orderbook.Fill{}, err
		}
	}
	return out, nil
}

func setDec(dst *uint256.Int, s string) error {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	dst.Set(v)
	return nil
}

func encodeUint64(v uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], v)
	return k[:]
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("expected 8 bytes, got %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
