package orderbook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/price"
)

var (
	ErrSameAssetOrder        = errors.New("order gives and gets the same asset")
	ErrInvalidPrice          = price.ErrInvalidPrice
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderNotActive        = errors.New("order not active")
	ErrUnauthorizedCancel    = errors.New("only the maker can cancel an order")
	ErrOrderCapacityExceeded = errors.New("fill exceeds order capacity")
	ErrSelfTrade             = errors.New("maker cannot fill own order")

	// shared with the ledger so callers match a single sentinel
	ErrZeroAmount          = ledger.ErrZeroAmount
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
)

type Status uint8

const (
	StatusActive Status = iota
	StatusCancelled
	StatusFilled
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCancelled:
		return "cancelled"
	case StatusFilled:
		return "filled"
	default:
		return "unknown"
	}
}

// ParseStatus is the inverse of Status.String
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(s) {
	case "active":
		return StatusActive, nil
	case "cancelled":
		return StatusCancelled, nil
	case "filled":
		return StatusFilled, nil
	default:
		return 0, fmt.Errorf("unknown order status: %q", s)
	}
}

// Order offers GiveRemaining of Give in exchange for Get at Price
// (get units per give unit). Orders are never deleted; terminal orders keep
// their last GiveRemaining for audit.
type Order struct {
	ID            uint64
	Maker         common.Address
	Give          asset.Ref
	Get           asset.Ref
	GiveAmount    uint256.Int // at creation
	GiveRemaining uint256.Int
	Price         price.Fraction
	Status        Status
	CreatedAt     time.Time
}

// IsActive reports whether the order can still be filled or cancelled
func (o *Order) IsActive() bool {
	return o.Status == StatusActive
}

// Filled returns how much of the give asset has been consumed so far
func (o *Order) Filled() *uint256.Int {
	return new(uint256.Int).Sub(&o.GiveAmount, &o.GiveRemaining)
}

// Fill records one execution against an order.
// Consumed leaves the maker's commitment: Received goes to the taker and Fee
// stays with the maker. Paid is the get asset moved from taker to maker.
type Fill struct {
	ID        uuid.UUID
	OrderID   uint64
	Maker     common.Address
	Taker     common.Address
	Give      asset.Ref
	Get       asset.Ref
	Consumed  uint256.Int
	Received  uint256.Int
	Fee       uint256.Int
	Paid      uint256.Int
	Remaining uint256.Int // order's GiveRemaining after this fill
	Timestamp time.Time
}
