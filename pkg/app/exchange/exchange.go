// Package exchange composes the ledger, the order book and custody into one
// serialized engine. Every mutating call is one transaction: it validates,
// mutates, persists and only then becomes visible.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/custody"
	"github.com/uhyunpark/youstock/pkg/events"
	"github.com/uhyunpark/youstock/pkg/metrics"
	"github.com/uhyunpark/youstock/pkg/storage"
	"github.com/uhyunpark/youstock/pkg/util"
	"go.uber.org/zap"
)

var (
	// ErrUnbackedDeposit is returned by Fund when custody has not received the attached value
	ErrUnbackedDeposit = errors.New("deposit not backed by custody")
	// ErrPaymentClaimed is returned by Fund for a payment that was already credited
	ErrPaymentClaimed = errors.New("payment already credited")
	// ErrNativeClaim is returned by Deposit for the native asset, which is credited by Fund
	ErrNativeClaim = errors.New("native value must be funded, not claimed")
	// ErrCustodyBusy means withdrawals kept settling while custody was being read
	ErrCustodyBusy = errors.New("custody changed during read, retry")
	// ErrPersistence means the operation was rolled back because it could not be stored
	ErrPersistence = errors.New("failed to persist operation")
)

// maxCustodyReads bounds how often an operation re-reads custody before giving up
const maxCustodyReads = 8

type Config struct {
	FeeDivisor      uint64        // fill fee is consumed / FeeDivisor; 0 disables it
	FillHistory     int           // fills kept in memory and restored at startup
	TransferTimeout time.Duration // upper bound on one outbound transfer

	Store   storage.Store
	Journal storage.Journal
	Sink    events.Sink
	Metrics *metrics.Metrics
	Clock   util.Clock
	Logger  *zap.SugaredLogger
}

func DefaultConfig() Config {
	return Config{
		FeeDivisor:      1000,
		FillHistory:     1024,
		TransferTimeout: 2 * time.Minute,
	}
}

// Exchange is the engine. All state lives behind mu; custody calls and event
// publishing always happen with mu released.
type Exchange struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	book   *orderbook.OrderBook
	seq    uint64 // last committed operation

	payments map[common.Hash]struct{} // native payments already credited

	custodian custody.Custodian
	store     storage.Store
	journal   storage.Journal
	sink      events.Sink
	metrics   *metrics.Metrics
	clock     util.Clock
	logger    *zap.SugaredLogger
	cfg       Config
}

// New builds an exchange over custodian and restores whatever cfg.Store holds
func New(custodian custody.Custodian, cfg Config) (*Exchange, error) {
	if custodian == nil {
		return nil, errors.New("exchange: custodian is required")
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStore()
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopWAL()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = DefaultConfig().TransferTimeout
	}

	l := ledger.New()
	ex := &Exchange{
		ledger:    l,
		book:      orderbook.New(l, cfg.FeeDivisor, cfg.FillHistory, cfg.Clock),
		payments:  make(map[common.Hash]struct{}),
		custodian: custodian,
		store:     cfg.Store,
		journal:   cfg.Journal,
		sink:      cfg.Sink,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		cfg:       cfg,
	}
	if err := ex.restore(); err != nil {
		return nil, err
	}
	return ex, nil
}

func (ex *Exchange) restore() error {
	snap, err := ex.store.Load(ex.cfg.FillHistory)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}
	if err := ex.ledger.Restore(snap.Entries, snap.Withdrawals, snap.NextWithdrawal); err != nil {
		return fmt.Errorf("failed to restore ledger: %w", err)
	}
	ex.book.Restore(snap.Orders, snap.Fills, snap.NextOrderID)
	for _, p := range snap.Payments {
		ex.payments[p] = struct{}{}
	}
	ex.seq = snap.Seq

	ex.metrics.SetActiveOrders(ex.book.ActiveCount())
	ex.metrics.SetPendingWithdrawals(ex.ledger.PendingCount())
	ex.logger.Infow("state_restored",
		"entries", len(snap.Entries),
		"orders", len(snap.Orders),
		"active_orders", ex.book.ActiveCount(),
		"next_order_id", ex.book.NextID(),
		"payments", len(snap.Payments),
		"seq", ex.seq,
		"state_hash", ex.ledger.StateHash().Hex(),
	)
	for _, w := range snap.Withdrawals {
		ex.logger.Warnw("withdrawal_pending",
			"withdrawal_id", w.ID,
			"account", w.Account.Hex(),
			"asset", w.Asset.String(),
			"amount", w.Amount.Dec(),
		)
	}
	return nil
}

func (ex *Exchange) FeeDivisor() uint64 {
	return ex.book.FeeDivisor()
}

// BalanceOf returns the account's available balance of a
func (ex *Exchange) BalanceOf(a asset.Ref, account common.Address) *uint256.Int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.BalanceOf(a, account)
}

// CommitmentsOf returns the account's balance of a locked in active orders
func (ex *Exchange) CommitmentsOf(a asset.Ref, account common.Address) *uint256.Int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.CommitmentsOf(a, account)
}

// Balances returns every ledger entry the account holds
func (ex *Exchange) Balances(account common.Address) []ledger.Record {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.EntriesOf(account)
}

func (ex *Exchange) Order(id uint64) (orderbook.Order, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.book.Get(id)
}

func (ex *Exchange) OrdersOf(maker common.Address, activeOnly bool) []orderbook.Order {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.book.OrdersOf(maker, activeOnly)
}

// BestOffers lists active orders giving give for get, cheapest first
func (ex *Exchange) BestOffers(give, get asset.Ref, limit int) []orderbook.Order {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.book.BestOffers(give, get, limit)
}

func (ex *Exchange) RecentFills(limit int) []orderbook.Fill {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.book.RecentFills(limit)
}

func (ex *Exchange) ActiveOrders() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.book.ActiveCount()
}

// Totals is everything the ledger owes for a, pending withdrawals included
func (ex *Exchange) Totals(a asset.Ref) *uint256.Int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.Ledgered(a)
}

// Assets lists every asset the ledger has seen
func (ex *Exchange) Assets() []asset.Ref {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.Assets()
}

func (ex *Exchange) StateHash() common.Hash {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.StateHash()
}

func (ex *Exchange) PendingWithdrawals() []ledger.Withdrawal {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.ledger.Pending()
}

// Seq is the sequence number of the last committed operation. It survives
// restarts, so it also counts every operation the store has seen.
func (ex *Exchange) Seq() uint64 {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.seq
}

// Holding compares what the ledger owes for an asset with what custody holds
type Holding struct {
	Asset     asset.Ref
	Ledgered  uint256.Int
	Custodied uint256.Int
}

// Solvent reports whether custody covers the ledger
func (h Holding) Solvent() bool {
	return !h.Custodied.Lt(&h.Ledgered)
}

// Deficit is ledgered - custodied, or zero when solvent
func (h Holding) Deficit() *uint256.Int {
	if h.Solvent() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&h.Ledgered, &h.Custodied)
}

// Surplus is custodied - ledgered: value received but not yet claimed
func (h Holding) Surplus() *uint256.Int {
	if !h.Solvent() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(&h.Custodied, &h.Ledgered)
}

// Solvency reads custody for every asset the ledger knows. The ledger snapshot
// and the custody reads are consistent: no withdrawal settled in between.
func (ex *Exchange) Solvency(ctx context.Context) ([]Holding, error) {
	for attempt := 0; attempt < maxCustodyReads; attempt++ {
		ex.mu.Lock()
		seq := ex.ledger.SettledSeq()
		assets := ex.ledger.Assets()
		out := make([]Holding, len(assets))
		for i, a := range assets {
			out[i].Asset = a
			out[i].Ledgered.Set(ex.ledger.Ledgered(a))
		}
		ex.mu.Unlock()

		for i := range out {
			v, err := ex.custodian.Custodied(ctx, out[i].Asset)
			if err != nil {
				return nil, fmt.Errorf("read custody of %s: %w", out[i].Asset, err)
			}
			out[i].Custodied.Set(v)
		}

		ex.mu.Lock()
		stable := ex.ledger.SettledSeq() == seq
		ex.mu.Unlock()
		if stable {
			return out, nil
		}
	}
	return nil, ErrCustodyBusy
}
