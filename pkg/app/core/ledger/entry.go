package ledger

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// Entry is one account's position in one asset.
// Available can be withdrawn or committed; Committed backs resting orders.
type Entry struct {
	Available uint256.Int
	Committed uint256.Int
}

// Total returns Available + Committed
func (e *Entry) Total() *uint256.Int {
	return new(uint256.Int).Add(&e.Available, &e.Committed)
}

// Record is an entry together with its key, used for snapshots and persistence
type Record struct {
	Asset   asset.Ref
	Account common.Address
	Entry   Entry
}

// Withdrawal is value that has left an account but whose outbound transfer
// has not been confirmed yet. It still counts as ledgered.
type Withdrawal struct {
	ID      uint64
	Asset   asset.Ref
	Account common.Address
	Amount  uint256.Int
}

type entryKey struct {
	asset   asset.Ref
	account common.Address
}

func lessKey(a, b entryKey) bool {
	if a.asset.Kind != b.asset.Kind {
		return a.asset.Kind < b.asset.Kind
	}
	if c := bytes.Compare(a.asset.Token[:], b.asset.Token[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.account[:], b.account[:]) < 0
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return lessKey(
			entryKey{records[i].Asset, records[i].Account},
			entryKey{records[j].Asset, records[j].Account},
		)
	})
}
