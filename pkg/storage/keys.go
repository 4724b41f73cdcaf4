package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// Key schema for Pebble storage:
//
//   bal:<asset>:<address>          → ledger entry
//   wd:<id>                        → pending withdrawal
//   ord:<id>                       → order
//   fill:<seq>:<index>             → fill, in commit order
//   pay:<tx-hash>                  → credited native payment
//   meta:next_order                → next order id (8 bytes)
//   meta:next_withdrawal           → next withdrawal id (8 bytes)
//   meta:seq                       → last committed operation (8 bytes)
//
// Numeric parts are zero-padded (20 digits) so keys sort numerically.

const (
	prefixBalance    = "bal:"
	prefixWithdrawal = "wd:"
	prefixOrder      = "ord:"
	prefixFill       = "fill:"
	prefixPayment    = "pay:"
)

var (
	keyNextOrder      = []byte("meta:next_order")
	keyNextWithdrawal = []byte("meta:next_withdrawal")
	keySeq            = []byte("meta:seq")
)

// balanceKey returns the key for a ledger entry
// Format: "bal:{asset}:{address}"
func balanceKey(a asset.Ref, addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, a.String(), addr.Hex()))
}

// withdrawalKey returns the key for a pending withdrawal
// Format: "wd:{id}"
func withdrawalKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixWithdrawal, id))
}

// orderKey returns the key for an order
// Format: "ord:{id}"
func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

// fillKey returns the key for the index-th fill of operation seq
// Format: "fill:{seq}:{index}"
func fillKey(seq uint64, index int) []byte {
	return []byte(fmt.Sprintf("%s%020d:%06d", prefixFill, seq, index))
}

// paymentKey returns the key for a credited payment
// Format: "pay:{hash}"
func paymentKey(h common.Hash) []byte {
	return []byte(prefixPayment + h.Hex())
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
