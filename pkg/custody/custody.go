// Package custody is the boundary between the engine's ledger and the assets
// the engine actually holds on chain.
package custody

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

var (
	ErrInsufficientFunds = errors.New("insufficient on-chain funds")
	ErrTransferFailed    = errors.New("outbound transfer failed")

	// ErrTransferUnconfirmed means the transfer was broadcast but its outcome is
	// unknown. The withdrawal must stay pending until an operator resolves it.
	ErrTransferUnconfirmed = errors.New("outbound transfer unconfirmed")

	ErrPaymentNotFound = errors.New("payment not found")
	// ErrPaymentMismatch means the payment exists but is not a transfer of the
	// claimed native amount from the claimant to the engine
	ErrPaymentMismatch = errors.New("payment does not match claim")
)

// Custodian reports what the engine holds, attributes inbound payments and
// pays out. Every call may block on the network and must not be made under the exchange lock.
type Custodian interface {
	// Custodied returns the engine's current holdings of a
	Custodied(ctx context.Context, a asset.Ref) (*uint256.Int, error)
	// TransferOut sends amount of a from the engine to to. Any error other than
	// ErrTransferUnconfirmed guarantees nothing left custody.
	TransferOut(ctx context.Context, a asset.Ref, to common.Address, amount *uint256.Int) error
	// VerifyPayment checks that payment is a completed transfer of exactly
	// amount of native value from from to the engine
	VerifyPayment(ctx context.Context, payment common.Hash, from common.Address, amount *uint256.Int) error
}
