package storage

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
)

// ChangeSet is everything one exchange operation changed.
// It is written atomically or not at all.
type ChangeSet struct {
	Seq                uint64 // commit sequence of the operation
	Entries            []ledger.Record
	Withdrawals        []ledger.Withdrawal
	RemovedWithdrawals []uint64
	NextWithdrawal     uint64
	Orders             []orderbook.Order
	Fills              []orderbook.Fill
	NextOrderID        uint64
	Payments           []common.Hash // native payments credited by Fund
}

// Empty reports whether there is nothing to write
func (c ChangeSet) Empty() bool {
	return len(c.Entries) == 0 && len(c.Withdrawals) == 0 && len(c.RemovedWithdrawals) == 0 &&
		len(c.Orders) == 0 && len(c.Fills) == 0 && len(c.Payments) == 0
}

// Snapshot is the full persisted state used to rebuild the engine at startup
type Snapshot struct {
	Entries        []ledger.Record
	Withdrawals    []ledger.Withdrawal
	NextWithdrawal uint64
	Orders         []orderbook.Order
	Fills          []orderbook.Fill // most recent, oldest first
	NextOrderID    uint64
	Payments       []common.Hash
	Seq            uint64 // last committed operation
}

// Store persists exchange state
type Store interface {
	Apply(cs ChangeSet) error
	Load(fillLimit int) (Snapshot, error)
	Close() error
}
