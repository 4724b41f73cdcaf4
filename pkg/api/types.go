package api

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/app/core/price"
	"github.com/uhyunpark/youstock/pkg/app/exchange"
)

// API response types for REST endpoints and WebSocket messages.
// Amounts are base units as decimal strings; *Display fields apply the
// asset's registered decimals.

// ==============================
// REST Response Types
// ==============================

// AssetInfo is one registered asset
type AssetInfo struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"` // zero address for native
	Decimals int32  `json:"decimals"`
	Native   bool   `json:"native"`
}

// BalanceInfo is an account's position in one asset
type BalanceInfo struct {
	Asset            string `json:"asset"`
	Symbol           string `json:"symbol"`
	Available        string `json:"available"`
	Committed        string `json:"committed"`
	AvailableDisplay string `json:"availableDisplay"`
	CommittedDisplay string `json:"committedDisplay"`
}

// AccountInfo lists every non-empty balance of an account
type AccountInfo struct {
	Address   string        `json:"address"`
	Balances  []BalanceInfo `json:"balances"`
	LastNonce *uint64       `json:"lastNonce,omitempty"`
}

// OrderInfo represents an order (active or terminal)
type OrderInfo struct {
	ID            uint64 `json:"id"`
	Maker         string `json:"maker"`
	Give          string `json:"give"`
	Get           string `json:"get"`
	GiveAmount    string `json:"giveAmount"`
	GiveRemaining string `json:"giveRemaining"`
	Filled        string `json:"filled"`
	PriceNum      string `json:"priceNum"`
	PriceDen      string `json:"priceDen"`
	Price         string `json:"price"` // get per give in display units
	Status        string `json:"status"`
	Timestamp     int64  `json:"timestamp"` // Unix milliseconds
}

// FillInfo represents one execution
type FillInfo struct {
	ID        string `json:"id"`
	OrderID   uint64 `json:"orderId"`
	Maker     string `json:"maker"`
	Taker     string `json:"taker"`
	Give      string `json:"give"`
	Get       string `json:"get"`
	Consumed  string `json:"consumed"`
	Received  string `json:"received"`
	Fee       string `json:"fee"`
	Paid      string `json:"paid"`
	Remaining string `json:"remaining"`
	Timestamp int64  `json:"timestamp"`
}

// WithdrawalInfo is a redemption whose transfer is in flight or settled
type WithdrawalInfo struct {
	ID      uint64 `json:"id"`
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// HoldingInfo compares ledgered value with custody for one asset
type HoldingInfo struct {
	Asset     string `json:"asset"`
	Symbol    string `json:"symbol"`
	Ledgered  string `json:"ledgered"`
	Custodied string `json:"custodied"`
	Surplus   string `json:"surplus"`
	Deficit   string `json:"deficit"`
	Solvent   bool   `json:"solvent"`
}

// StatusInfo summarizes the engine
type StatusInfo struct {
	Seq                uint64 `json:"seq"`
	StateHash          string `json:"stateHash"`
	ActiveOrders       int    `json:"activeOrders"`
	PendingWithdrawals int    `json:"pendingWithdrawals"`
	FeeDivisor         uint64 `json:"feeDivisor"`
	Domain             Domain `json:"domain"`
	WSClients          int    `json:"wsClients"`
}

// Domain is the EIP-712 domain requests are signed under
type Domain struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           string `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
}

// TxResponse is returned for an accepted signed transaction
type TxResponse struct {
	Status     string          `json:"status"` // "ok"
	Type       string          `json:"type"`
	Order      *OrderInfo      `json:"order,omitempty"`
	Fill       *FillInfo       `json:"fill,omitempty"`
	Withdrawal *WithdrawalInfo `json:"withdrawal,omitempty"`
	Credited   string          `json:"credited,omitempty"`
}

// ErrorResponse carries a stable machine-readable code
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type string `json:"type"` // event type, "subscribed" or "unsubscribed"
	Seq  uint64 `json:"seq,omitempty"`
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["events", "account:0x...", "book:0x...:native"]
}

// ==============================
// Conversions
// ==============================

type formatter struct {
	assets *asset.Registry
}

func (f formatter) display(a asset.Ref, amount *uint256.Int) string {
	info, _ := f.assets.Lookup(a)
	return info.Format(amount)
}

func (f formatter) symbol(a asset.Ref) string {
	info, _ := f.assets.Lookup(a)
	return info.Symbol
}

// displayPrice scales num/den base units into display units of get per give
func (f formatter) displayPrice(give, get asset.Ref, p price.Fraction) string {
	gi, _ := f.assets.Lookup(give)
	ge, _ := f.assets.Lookup(get)
	num := decimal.NewFromBigInt(p.Num.ToBig(), gi.Decimals-ge.Decimals)
	den := decimal.NewFromBigInt(p.Den.ToBig(), 0)
	return num.DivRound(den, 18).String()
}

func (f formatter) balance(r ledger.Record) BalanceInfo {
	return BalanceInfo{
		Asset:            r.Asset.String(),
		Symbol:           f.symbol(r.Asset),
		Available:        r.Entry.Available.Dec(),
		Committed:        r.Entry.Committed.Dec(),
		AvailableDisplay: f.display(r.Asset, &r.Entry.Available),
		CommittedDisplay: f.display(r.Asset, &r.Entry.Committed),
	}
}

func (f formatter) order(o orderbook.Order) OrderInfo {
	return OrderInfo{
		ID:            o.ID,
		Maker:         o.Maker.Hex(),
		Give:          o.Give.String(),
		Get:           o.Get.String(),
		GiveAmount:    o.GiveAmount.Dec(),
		GiveRemaining: o.GiveRemaining.Dec(),
		Filled:        o.Filled().Dec(),
		PriceNum:      o.Price.Num.Dec(),
		PriceDen:      o.Price.Den.Dec(),
		Price:         f.displayPrice(o.Give, o.Get, o.Price),
		Status:        o.Status.String(),
		Timestamp:     millis(o.CreatedAt),
	}
}

func fillInfo(fl orderbook.Fill) FillInfo {
	return FillInfo{
		ID:        fl.ID.String(),
		OrderID:   fl.OrderID,
		Maker:     fl.Maker.Hex(),
		Taker:     fl.Taker.Hex(),
		Give:      fl.Give.String(),
		Get:       fl.Get.String(),
		Consumed:  fl.Consumed.Dec(),
		Received:  fl.Received.Dec(),
		Fee:       fl.Fee.Dec(),
		Paid:      fl.Paid.Dec(),
		Remaining: fl.Remaining.Dec(),
		Timestamp: millis(fl.Timestamp),
	}
}

func withdrawalInfo(w ledger.Withdrawal) WithdrawalInfo {
	return WithdrawalInfo{
		ID:      w.ID,
		Account: w.Account.Hex(),
		Asset:   w.Asset.String(),
		Amount:  w.Amount.Dec(),
	}
}

func (f formatter) holding(h exchange.Holding) HoldingInfo {
	return HoldingInfo{
		Asset:     h.Asset.String(),
		Symbol:    f.symbol(h.Asset),
		Ledgered:  h.Ledgered.Dec(),
		Custodied: h.Custodied.Dec(),
		Surplus:   h.Surplus().Dec(),
		Deficit:   h.Deficit().Dec(),
		Solvent:   h.Solvent(),
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
