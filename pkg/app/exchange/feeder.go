package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/custody"
	"github.com/uhyunpark/youstock/pkg/util"
	"go.uber.org/zap"
)

// FeederConfig controls synthetic devnet traffic
type FeederConfig struct {
	Interval   time.Duration // how often a batch runs
	BatchSize  int           // operations per batch
	NumTraders int           // simulated wallets
	Tokens     []asset.Ref   // traded alongside the native asset
	Seed       int64         // 0 picks a time-based seed
	StatsEvery int           // batches between stats lines
}

// DefaultFeederConfig returns a light load suitable for a local node
func DefaultFeederConfig(tokens []asset.Ref) FeederConfig {
	return FeederConfig{
		Interval:   100 * time.Millisecond,
		BatchSize:  10,
		NumTraders: 20,
		Tokens:     tokens,
		StatsEvery: 100,
	}
}

// HighLoadConfig stresses the engine lock
func HighLoadConfig(tokens []asset.Ref) FeederConfig {
	return FeederConfig{
		Interval:   10 * time.Millisecond,
		BatchSize:  100,
		NumTraders: 200,
		Tokens:     tokens,
		StatsEvery: 1000,
	}
}

// FeederStats counts what the feeder attempted
type FeederStats struct {
	Batches   int
	Submitted int
	Rejected  int
	ByOp      map[string]int
}

// Feeder drives simulated traders through the full operation set on a devnet
// Chain: wallet transfers into custody, fund and deposit claims, orders, fills,
// cancellations and redemptions.
type Feeder struct {
	ex      *Exchange
	chain   *custody.Chain
	engine  common.Address
	cfg     FeederConfig
	rng     *rand.Rand
	traders []common.Address
	assets  []asset.Ref
	clock   util.Clock
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	stats FeederStats
}

func NewFeeder(ex *Exchange, chain *custody.Chain, engine common.Address, cfg FeederConfig) *Feeder {
	if cfg.NumTraders <= 0 {
		cfg.NumTraders = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	traders := make([]common.Address, cfg.NumTraders)
	for i := range traders {
		traders[i] = common.BytesToAddress([]byte(fmt.Sprintf("trader_%d", i+1)))
	}

	return &Feeder{
		ex:      ex,
		chain:   chain,
		engine:  engine,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(seed)),
		traders: traders,
		assets:  append([]asset.Ref{asset.Native()}, cfg.Tokens...),
		clock:   ex.clock,
		logger:  ex.logger,
		stats:   FeederStats{ByOp: make(map[string]int)},
	}
}

// StartFeeder runs f in the background. Cancel the returned function to stop it.
func StartFeeder(ctx context.Context, f *Feeder) context.CancelFunc {
	feedCtx, cancel := context.WithCancel(ctx)
	go f.Run(feedCtx)
	return cancel
}

// Run feeds batches until ctx is done
func (f *Feeder) Run(ctx context.Context) {
	f.logger.Infow("feeder_started",
		"traders", len(f.traders),
		"assets", len(f.assets),
		"batch", f.cfg.BatchSize,
		"interval", f.cfg.Interval,
	)
	start := f.clock.Now()

	for {
		select {
		case <-ctx.Done():
			st := f.Stats()
			f.logger.Infow("feeder_stopped",
				"submitted", st.Submitted,
				"rejected", st.Rejected,
				"elapsed", f.clock.Now().Sub(start).Round(time.Second),
			)
			return
		case <-f.clock.After(f.cfg.Interval):
			for i := 0; i < f.cfg.BatchSize && ctx.Err() == nil; i++ {
				f.Step(ctx)
			}
			f.mu.Lock()
			f.stats.Batches++
			batches := f.stats.Batches
			f.mu.Unlock()

			if f.cfg.StatsEvery > 0 && batches%f.cfg.StatsEvery == 0 {
				st := f.Stats()
				f.logger.Infow("feeder_stats",
					"batches", st.Batches,
					"submitted", st.Submitted,
					"rejected", st.Rejected,
					"active_orders", f.ex.ActiveOrders(),
				)
			}
		}
	}
}

// Step runs one random operation for one random trader
func (f *Feeder) Step(ctx context.Context) {
	trader := f.traders[f.rng.Intn(len(f.traders))]

	var (
		op  string
		err error
	)
	switch r := f.rng.Intn(100); {
	case r < 10:
		op, err = "fund", f.fund(ctx, trader)
	case r < 20:
		op, err = "deposit", f.deposit(ctx, trader)
	case r < 55:
		op, err = "create_order", f.createOrder(ctx, trader)
	case r < 85:
		op, err = "execute_order", f.executeOrder(ctx, trader)
	case r < 95:
		op, err = "cancel_order", f.cancelOrder(ctx, trader)
	default:
		op, err = "redeem", f.redeem(ctx, trader)
	}

	f.mu.Lock()
	f.stats.Submitted++
	f.stats.ByOp[op]++
	if err != nil {
		f.stats.Rejected++
	}
	f.mu.Unlock()
	if err != nil {
		f.logger.Debugw("feeder_rejected", "op", op, "trader", trader.Hex(), "err", err)
	}
}

// Stats returns a copy of the counters
func (f *Feeder) Stats() FeederStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.stats
	out.ByOp = make(map[string]int, len(f.stats.ByOp))
	for k, v := range f.stats.ByOp {
		out.ByOp[k] = v
	}
	return out
}

// Traders lists the simulated wallets
func (f *Feeder) Traders() []common.Address {
	return append([]common.Address(nil), f.traders...)
}

func (f *Feeder) fund(ctx context.Context, trader common.Address) error {
	amount := uint256.NewInt(uint64(1 + f.rng.Intn(1_000_000)))
	payment, err := f.toCustody(asset.Native(), trader, amount)
	if err != nil {
		return err
	}
	return f.ex.Fund(ctx, trader, amount, payment)
}

func (f *Feeder) deposit(ctx context.Context, trader common.Address) error {
	if len(f.cfg.Tokens) == 0 {
		return f.fund(ctx, trader)
	}
	token := f.cfg.Tokens[f.rng.Intn(len(f.cfg.Tokens))]
	amount := uint256.NewInt(uint64(1 + f.rng.Intn(1_000_000)))
	if _, err := f.toCustody(token, trader, amount); err != nil {
		return err
	}
	_, err := f.ex.Deposit(ctx, trader, token)
	return err
}

// toCustody mints devnet funds to the trader's wallet, sends them to the
// engine and returns the transfer id
func (f *Feeder) toCustody(a asset.Ref, trader common.Address, amount *uint256.Int) (common.Hash, error) {
	f.chain.Mint(a, trader, amount)
	return f.chain.Transfer(a, trader, f.engine, amount)
}

func (f *Feeder) createOrder(ctx context.Context, trader common.Address) error {
	give, get := f.pair()
	avail := f.ex.BalanceOf(give, trader)
	if avail.IsZero() {
		return fmt.Errorf("no %s to give", give)
	}
	amount := f.upTo(avail, 4)
	num := uint256.NewInt(uint64(1 + f.rng.Intn(20)))
	den := uint256.NewInt(uint64(1 + f.rng.Intn(10)))
	_, err := f.ex.CreateOrder(ctx, trader, give, get, amount, num, den)
	return err
}

func (f *Feeder) executeOrder(ctx context.Context, trader common.Address) error {
	give, get := f.pair()
	offers := f.ex.BestOffers(give, get, 5)
	if len(offers) == 0 {
		return fmt.Errorf("no offers %s for %s", give, get)
	}
	o := offers[f.rng.Intn(len(offers))]
	consumed := f.upTo(&o.GiveRemaining, 1)
	_, err := f.ex.ExecuteOrder(ctx, trader, o.ID, consumed)
	return err
}

func (f *Feeder) cancelOrder(ctx context.Context, trader common.Address) error {
	open := f.ex.OrdersOf(trader, true)
	if len(open) == 0 {
		return orderbook.ErrOrderNotFound
	}
	_, err := f.ex.CancelOrder(ctx, trader, open[f.rng.Intn(len(open))].ID)
	return err
}

func (f *Feeder) redeem(ctx context.Context, trader common.Address) error {
	a := f.assets[f.rng.Intn(len(f.assets))]
	avail := f.ex.BalanceOf(a, trader)
	if avail.IsZero() {
		return fmt.Errorf("no %s to redeem", a)
	}
	_, err := f.ex.Redeem(ctx, trader, a, f.upTo(avail, 2))
	return err
}

func (f *Feeder) pair() (asset.Ref, asset.Ref) {
	if len(f.assets) < 2 {
		return f.assets[0], f.assets[0]
	}
	i := f.rng.Intn(len(f.assets))
	j := f.rng.Intn(len(f.assets) - 1)
	if j >= i {
		j++
	}
	return f.assets[i], f.assets[j]
}

// upTo returns a random amount in [1, max/div], at least 1
func (f *Feeder) upTo(max *uint256.Int, div uint64) *uint256.Int {
	limit := new(uint256.Int).Div(max, uint256.NewInt(div))
	if !limit.IsUint64() || limit.Uint64() > 1<<62 {
		limit.SetUint64(1 << 62)
	}
	if limit.IsZero() {
		return uint256.NewInt(1)
	}
	return uint256.NewInt(1 + uint64(f.rng.Int63n(int64(limit.Uint64()))))
}
