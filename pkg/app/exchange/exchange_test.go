package exchange

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/app/core/ledger"
	"github.com/uhyunpark/youstock/pkg/app/core/orderbook"
	"github.com/uhyunpark/youstock/pkg/custody"
	"github.com/uhyunpark/youstock/pkg/events"
	"github.com/uhyunpark/youstock/pkg/metrics"
	"github.com/uhyunpark/youstock/pkg/storage"
	"github.com/uhyunpark/youstock/pkg/util"
)

var (
	alice  = common.HexToAddress("0xA11CE00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	engine = common.HexToAddress("0xE000000000000000000000000000000000000E00")
	stn    = asset.Token(common.HexToAddress("0x5700000000000000000000000000000000000001"))
	ant    = asset.Token(common.HexToAddress("0xA700000000000000000000000000000000000002"))
	native = asset.Native()
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func dec(s string) *uint256.Int { return uint256.MustFromDecimal(s) }

// scriptedCustodian wraps a MemoryCustodian so tests can fail transfers or
// run code in the middle of a custody read
type scriptedCustodian struct {
	custody.Custodian
	transferErr error
	onRead      func()
}

func (s *scriptedCustodian) Custodied(ctx context.Context, a asset.Ref) (*uint256.Int, error) {
	v, err := s.Custodian.Custodied(ctx, a)
	if fn := s.onRead; fn != nil {
		s.onRead = nil
		fn()
	}
	return v, err
}

func (s *scriptedCustodian) TransferOut(ctx context.Context, a asset.Ref, to common.Address, amount *uint256.Int) error {
	if s.transferErr != nil {
		return s.transferErr
	}
	return s.Custodian.TransferOut(ctx, a, to, amount)
}

type harness struct {
	t         *testing.T
	ctx       context.Context
	ex        *Exchange
	chain     *custody.Chain
	custodian *scriptedCustodian
	store     *storage.MemoryStore
	events    *events.Recorder
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		chain:  custody.NewChain(),
		store:  storage.NewMemoryStore(),
		events: &events.Recorder{},
	}
	h.custodian = &scriptedCustodian{Custodian: custody.NewMemoryCustodian(h.chain, engine)}

	cfg := DefaultConfig()
	cfg.Store = h.store
	cfg.Sink = h.events
	cfg.Clock = util.NewManualClock(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if configure != nil {
		configure(&cfg)
	}
	ex, err := New(h.custodian, cfg)
	if err != nil {
		t.Fatalf("failed to create exchange: %v", err)
	}
	h.ex = ex
	return h
}

// send moves amount of a from account's wallet into custody, minting it
// first, and returns the transfer id
func (h *harness) send(account common.Address, a asset.Ref, amount *uint256.Int) common.Hash {
	h.t.Helper()
	h.chain.Mint(a, account, amount)
	id, err := h.chain.Transfer(a, account, engine, amount)
	if err != nil {
		h.t.Fatalf("transfer to custody failed: %v", err)
	}
	return id
}

func (h *harness) depositTokens(account common.Address, a asset.Ref, amount *uint256.Int) {
	h.t.Helper()
	h.send(account, a, amount)
	got, err := h.ex.Deposit(h.ctx, account, a)
	if err != nil {
		h.t.Fatalf("deposit failed: %v", err)
	}
	if !got.Eq(amount) {
		h.t.Fatalf("credited %s, want %s", got.Dec(), amount.Dec())
	}
}

func (h *harness) fund(account common.Address, amount *uint256.Int) common.Hash {
	h.t.Helper()
	payment := h.send(account, native, amount)
	if err := h.ex.Fund(h.ctx, account, amount, payment); err != nil {
		h.t.Fatalf("fund failed: %v", err)
	}
	return payment
}

func (h *harness) redeem(account common.Address, a asset.Ref, amount *uint256.Int) {
	h.t.Helper()
	if _, err := h.ex.Redeem(h.ctx, account, a, amount); err != nil {
		h.t.Fatalf("redeem %s of %s failed: %v", amount.Dec(), a, err)
	}
}

func (h *harness) createOrder(maker common.Address, give, get asset.Ref, amount, num, den *uint256.Int) uint64 {
	h.t.Helper()
	o, err := h.ex.CreateOrder(h.ctx, maker, give, get, amount, num, den)
	if err != nil {
		h.t.Fatalf("create order failed: %v", err)
	}
	return o.ID
}

func (h *harness) expectBalance(a asset.Ref, account common.Address, available, committed string) {
	h.t.Helper()
	if got := h.ex.BalanceOf(a, account).Dec(); got != available {
		h.t.Errorf("%s available of %s = %s, want %s", account.Hex()[:6], a, got, available)
	}
	if got := h.ex.CommitmentsOf(a, account).Dec(); got != committed {
		h.t.Errorf("%s committed of %s = %s, want %s", account.Hex()[:6], a, got, committed)
	}
}

// expectBacked checks that custody holds exactly what the ledger owes
func (h *harness) expectBacked() {
	h.t.Helper()
	holdings, err := h.ex.Solvency(h.ctx)
	if err != nil {
		h.t.Fatalf("solvency failed: %v", err)
	}
	for _, hd := range holdings {
		if !hd.Ledgered.Eq(&hd.Custodied) {
			h.t.Errorf("%s: ledgered %s, custodied %s", hd.Asset, hd.Ledgered.Dec(), hd.Custodied.Dec())
		}
	}
}

func TestReceiveAndRedeemTokens(t *testing.T) {
	h := newHarness(t, nil)

	h.depositTokens(alice, stn, u(1234))
	h.expectBalance(stn, alice, "1234", "0")

	h.redeem(alice, stn, u(1200))
	h.expectBalance(stn, alice, "34", "0")
	if got := h.chain.BalanceOf(stn, alice); got.Uint64() != 1200 {
		t.Errorf("wallet holds %s, want 1200", got.Dec())
	}

	if _, err := h.ex.Redeem(h.ctx, alice, stn, u(500)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("over-redeem: got %v, want ErrInsufficientBalance", err)
	}
	if _, err := h.ex.Redeem(h.ctx, alice, stn, u(0)); !errors.Is(err, ledger.ErrZeroAmount) {
		t.Errorf("zero redeem: got %v, want ErrZeroAmount", err)
	}

	h.redeem(alice, stn, u(34))
	h.expectBalance(stn, alice, "0", "0")
	h.expectBacked()
}

func TestReceiveAndRedeemEther(t *testing.T) {
	h := newHarness(t, nil)

	h.fund(alice, u(42))
	h.expectBalance(native, alice, "42", "0")

	h.redeem(alice, native, u(20))
	h.expectBalance(native, alice, "22", "0")

	if _, err := h.ex.Redeem(h.ctx, alice, native, u(500)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("over-redeem: got %v, want ErrInsufficientBalance", err)
	}

	h.redeem(alice, native, u(22))
	h.expectBalance(native, alice, "0", "0")
	if got := h.chain.BalanceOf(native, alice); got.Uint64() != 42 {
		t.Errorf("wallet holds %s, want 42", got.Dec())
	}
	h.expectBacked()
}

func TestFundRequiresCustodiedValue(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.ex.Fund(h.ctx, alice, u(42), common.HexToHash("0x01")); !errors.Is(err, custody.ErrPaymentNotFound) {
		t.Fatalf("unpaid fund: got %v, want ErrPaymentNotFound", err)
	}
	if err := h.ex.Fund(h.ctx, alice, u(0), common.HexToHash("0x01")); !errors.Is(err, ledger.ErrZeroAmount) {
		t.Errorf("zero fund: got %v, want ErrZeroAmount", err)
	}

	paid := h.send(alice, native, u(42))
	if err := h.ex.Fund(h.ctx, alice, u(43), paid); !errors.Is(err, custody.ErrPaymentMismatch) {
		t.Errorf("overstated fund: got %v, want ErrPaymentMismatch", err)
	}
	if err := h.ex.Fund(h.ctx, alice, u(42), paid); err != nil {
		t.Fatalf("fund failed: %v", err)
	}
	// the same payment cannot be credited twice
	if err := h.ex.Fund(h.ctx, alice, u(42), paid); !errors.Is(err, ErrPaymentClaimed) {
		t.Errorf("second claim: got %v, want ErrPaymentClaimed", err)
	}

	// a real payment whose value has since left custody is not backed
	gone := h.send(bob, native, u(10))
	if _, err := h.chain.Transfer(native, engine, common.HexToAddress("0xdead"), u(10)); err != nil {
		t.Fatal(err)
	}
	if err := h.ex.Fund(h.ctx, bob, u(10), gone); !errors.Is(err, ErrUnbackedDeposit) {
		t.Errorf("drained fund: got %v, want ErrUnbackedDeposit", err)
	}
	h.expectBalance(native, bob, "0", "0")

	if _, err := h.ex.Deposit(h.ctx, alice, native); !errors.Is(err, ErrNativeClaim) {
		t.Errorf("native claim: got %v, want ErrNativeClaim", err)
	}
	h.expectBalance(native, alice, "42", "0")
	h.expectBacked()
}

func TestDepositWithNothingToClaim(t *testing.T) {
	h := newHarness(t, nil)
	got, err := h.ex.Deposit(h.ctx, alice, stn)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("credited %s from nothing", got.Dec())
	}
	if h.store.Applies() != 0 {
		t.Errorf("empty claim was persisted %d times", h.store.Applies())
	}
}

func TestOthersCannotRedeemYourFunds(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, u(42))
	h.depositTokens(alice, stn, u(1234))

	if _, err := h.ex.Redeem(h.ctx, bob, native, u(1)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("bob redeeming ether: got %v", err)
	}
	if _, err := h.ex.Redeem(h.ctx, bob, stn, u(1)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("bob redeeming tokens: got %v", err)
	}

	h.redeem(alice, native, u(42))
	h.redeem(alice, stn, u(1234))
	h.expectBalance(native, alice, "0", "0")
	h.expectBalance(stn, alice, "0", "0")
}

func TestCannotCreateOrderWithoutFunds(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ex.CreateOrder(h.ctx, alice, stn, native, u(10), u(11), u(12))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("got %v, want ErrInsufficientBalance", err)
	}
}

func TestCreateAndCancelOrders(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(12000))

	// 1.1 ether per STN, 4 token decimals against 18
	num, den := u(110_000_000_000_000), u(1)

	first := h.createOrder(alice, stn, native, u(10000), num, den)
	if _, err := h.ex.CreateOrder(h.ctx, alice, stn, native, u(10000), num, den); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("second 10000 order: got %v, want ErrInsufficientBalance", err)
	}
	second := h.createOrder(alice, stn, native, u(2000), num, den)
	if second != first+1 {
		t.Errorf("ids %d then %d, want consecutive", first, second)
	}

	if _, err := h.ex.Redeem(h.ctx, alice, stn, u(1)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("redeeming committed tokens: got %v", err)
	}

	if _, err := h.ex.CancelOrder(h.ctx, alice, second); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.redeem(alice, stn, u(2000))
	if _, err := h.ex.CancelOrder(h.ctx, alice, first); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.redeem(alice, stn, u(10000))

	h.expectBalance(stn, alice, "0", "0")
	if n := h.ex.ActiveOrders(); n != 0 {
		t.Errorf("active orders = %d", n)
	}
}

func TestOthersCannotCancelYourOrders(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1234))
	id := h.createOrder(alice, stn, native, u(1000), u(1), u(1))

	if _, err := h.ex.CancelOrder(h.ctx, bob, id); !errors.Is(err, orderbook.ErrUnauthorizedCancel) {
		t.Errorf("got %v, want ErrUnauthorizedCancel", err)
	}
	if _, err := h.ex.CancelOrder(h.ctx, alice, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.redeem(alice, stn, u(1234))
	h.expectBalance(stn, alice, "0", "0")
}

func TestTradeTokensForEther(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(10000))
	h.fund(bob, dec("1100000000000000000"))

	id := h.createOrder(alice, stn, native, u(10000), u(110_000_000_000_000), u(1))
	f, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(10000))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if f.Fee.Uint64() != 10 || f.Received.Uint64() != 9990 || f.Paid.Dec() != "1100000000000000000" {
		t.Errorf("fill = fee %s received %s paid %s", f.Fee.Dec(), f.Received.Dec(), f.Paid.Dec())
	}

	h.expectBalance(stn, alice, "10", "0")
	h.expectBalance(stn, bob, "9990", "0")
	h.expectBalance(native, bob, "0", "0")
	h.expectBalance(native, alice, "1100000000000000000", "0")

	if _, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(1)); !errors.Is(err, orderbook.ErrOrderNotActive) {
		t.Errorf("after full fill: got %v, want ErrOrderNotActive", err)
	}

	h.redeem(alice, stn, u(10))
	h.redeem(alice, native, dec("1100000000000000000"))
	h.redeem(bob, stn, u(9990))
	for _, acct := range []common.Address{alice, bob} {
		h.expectBalance(stn, acct, "0", "0")
		h.expectBalance(native, acct, "0", "0")
	}
	h.expectBacked()
}

func TestTradeEtherForTokens(t *testing.T) {
	h := newHarness(t, nil)
	etherAmount := dec("1100000000000000000")
	h.depositTokens(alice, stn, u(10000))
	h.fund(bob, etherAmount)

	// flipped fraction: 1 STN unit per 1.1e14 wei
	id := h.createOrder(bob, native, stn, etherAmount, u(1), u(110_000_000_000_000))
	if _, err := h.ex.ExecuteOrder(h.ctx, alice, id, etherAmount); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	h.expectBalance(stn, alice, "0", "0")
	h.expectBalance(stn, bob, "10000", "0")
	h.expectBalance(native, bob, "1100000000000000", "0")
	h.expectBalance(native, alice, "1098900000000000000", "0")

	h.redeem(bob, stn, u(10000))
	h.redeem(bob, native, dec("1100000000000000"))
	h.redeem(alice, native, dec("1098900000000000000"))
	h.expectBacked()
}

func TestTradeTokensForTokens(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(10000))
	h.depositTokens(bob, ant, u(7_860_000))

	// 7.86 ANT per STN, 6 decimals against 4
	id := h.createOrder(alice, stn, ant, u(10000), u(786), u(1))
	if _, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(10000)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	h.expectBalance(stn, alice, "10", "0")
	h.expectBalance(stn, bob, "9990", "0")
	h.expectBalance(ant, bob, "0", "0")
	h.expectBalance(ant, alice, "7860000", "0")

	h.redeem(alice, stn, u(10))
	h.redeem(alice, ant, u(7_860_000))
	h.redeem(bob, stn, u(9990))
	h.expectBacked()
}

func TestExecuteRejections(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(h *harness) uint64
		taker   common.Address
		consume *uint256.Int
		wantErr error
	}{
		{
			name: "not enough ether",
			setup: func(h *harness) uint64 {
				h.depositTokens(alice, stn, u(1234))
				return h.createOrder(alice, stn, native, u(1234), u(1_000_000), u(1))
			},
			taker: bob, consume: u(1234), wantErr: ledger.ErrInsufficientBalance,
		},
		{
			name: "not enough tokens",
			setup: func(h *harness) uint64 {
				h.fund(alice, u(12_345_678))
				return h.createOrder(alice, native, stn, u(12_345_678), u(1), u(1))
			},
			taker: bob, consume: u(12_345_678), wantErr: ledger.ErrInsufficientBalance,
		},
		{
			name: "over capacity",
			setup: func(h *harness) uint64 {
				h.fund(alice, u(1_234_000_000))
				return h.createOrder(alice, native, stn, u(1234), u(1_000_000), u(1))
			},
			taker: bob, consume: u(9000), wantErr: orderbook.ErrOrderCapacityExceeded,
		},
		{
			name: "order never existed",
			setup: func(h *harness) uint64 {
				h.depositTokens(alice, stn, u(1234))
				return h.createOrder(alice, stn, native, u(1234), u(1), u(1)) + 2
			},
			taker: bob, consume: u(1234), wantErr: orderbook.ErrOrderNotFound,
		},
		{
			name: "zero amount",
			setup: func(h *harness) uint64 {
				h.depositTokens(alice, stn, u(1234))
				h.fund(bob, u(1234))
				return h.createOrder(alice, stn, native, u(1234), u(1), u(1))
			},
			taker: bob, consume: u(0), wantErr: orderbook.ErrZeroAmount,
		},
		{
			name: "self trade",
			setup: func(h *harness) uint64 {
				h.depositTokens(alice, stn, u(1234))
				h.fund(alice, u(1234))
				return h.createOrder(alice, stn, native, u(1234), u(1), u(1))
			},
			taker: alice, consume: u(1234), wantErr: orderbook.ErrSelfTrade,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			id := tt.setup(h)
			before := h.ex.StateHash()

			_, err := h.ex.ExecuteOrder(h.ctx, tt.taker, id, tt.consume)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if h.ex.StateHash() != before {
				t.Error("rejected execution changed the ledger")
			}
			if len(h.events.OfType(events.OrderFilled)) != 0 {
				t.Error("rejected execution published a fill")
			}
		})
	}
}

func TestCreateOrderRejections(t *testing.T) {
	tests := []struct {
		name     string
		get      asset.Ref
		amount   uint64
		num, den uint64
		wantErr  error
	}{
		{"token for itself", stn, 1234, 1, 1, orderbook.ErrSameAssetOrder},
		{"zero amount", native, 0, 1, 1, orderbook.ErrZeroAmount},
		{"zero price", native, 1234, 0, 1, orderbook.ErrInvalidPrice},
		{"infinite price", native, 1234, 1, 0, orderbook.ErrInvalidPrice},
		{"trades for nothing", native, 1234, 1, 100000, orderbook.ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.depositTokens(alice, stn, u(1234))

			_, err := h.ex.CreateOrder(h.ctx, alice, stn, tt.get, u(tt.amount), u(tt.num), u(tt.den))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			h.expectBalance(stn, alice, "1234", "0")
			h.redeem(alice, stn, u(1234))
		})
	}
}

func TestCannotCancelFilledOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1234))
	h.fund(bob, u(1234))
	id := h.createOrder(alice, stn, native, u(1234), u(1), u(1))
	if _, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(1234)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if _, err := h.ex.CancelOrder(h.ctx, alice, id); !errors.Is(err, orderbook.ErrOrderNotActive) {
		t.Errorf("got %v, want ErrOrderNotActive", err)
	}

	h.redeem(alice, native, u(1234))
	h.redeem(bob, stn, u(1233))
	h.redeem(alice, stn, u(1))
	h.expectBacked()
}

func TestTracksCommitments(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, u(1234))
	h.expectBalance(native, alice, "1234", "0")

	id := h.createOrder(alice, native, stn, u(1234), u(10), u(1))
	h.expectBalance(native, alice, "0", "1234")

	if _, err := h.ex.CancelOrder(h.ctx, alice, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.redeem(alice, native, u(1234))
	h.expectBalance(native, alice, "0", "0")
}

func TestTradeUntilFundsRunOut(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(bob, u(1234))
	h.depositTokens(alice, stn, u(1234))

	id := h.createOrder(bob, native, stn, u(1234), u(1), u(1))

	if _, err := h.ex.ExecuteOrder(h.ctx, alice, id, u(1200)); err != nil {
		t.Fatalf("first fill failed: %v", err)
	}
	h.expectBalance(native, bob, "1", "34")
	h.expectBalance(stn, alice, "34", "0")

	if _, err := h.ex.ExecuteOrder(h.ctx, alice, id, u(34)); err != nil {
		t.Fatalf("second fill failed: %v", err)
	}
	h.expectBalance(native, bob, "1", "0")
	h.expectBalance(stn, alice, "0", "0")

	h.redeem(bob, native, u(1))
	h.redeem(bob, stn, u(1234))
	h.redeem(alice, native, u(1233))
	for _, acct := range []common.Address{alice, bob} {
		h.expectBalance(stn, acct, "0", "0")
		h.expectBalance(native, acct, "0", "0")
	}
	h.expectBacked()
}

func TestRedeemRefundsFailedTransfer(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1234))
	h.chain.SetTransferHook(func(a asset.Ref, from, to common.Address, amount *uint256.Int) error {
		return errors.New("token paused")
	})

	_, err := h.ex.Redeem(h.ctx, alice, stn, u(1000))
	if !errors.Is(err, custody.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	h.expectBalance(stn, alice, "1234", "0")
	if p := h.ex.PendingWithdrawals(); len(p) != 0 {
		t.Errorf("pending = %+v, want none", p)
	}
	if len(h.events.OfType(events.Withdrawn)) != 1 || len(h.events.OfType(events.WithdrawalRefunded)) != 1 {
		t.Errorf("events = %+v", h.events.Events())
	}

	h.chain.SetTransferHook(nil)
	h.redeem(alice, stn, u(1234))
	h.expectBacked()
}

func TestRedeemUnconfirmedStaysPending(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, u(500))
	h.custodian.transferErr = custody.ErrTransferUnconfirmed

	w, err := h.ex.Redeem(h.ctx, alice, native, u(200))
	if !errors.Is(err, custody.ErrTransferUnconfirmed) {
		t.Fatalf("got %v, want ErrTransferUnconfirmed", err)
	}
	h.expectBalance(native, alice, "300", "0")
	if got := h.ex.Totals(native); got.Uint64() != 500 {
		t.Errorf("totals = %s, pending amount must still count", got.Dec())
	}
	pending := h.ex.PendingWithdrawals()
	if len(pending) != 1 || pending[0].ID != w.ID {
		t.Fatalf("pending = %+v", pending)
	}

	// pending value is still owed, so custody shows no surplus for it
	holdings, err := h.ex.Solvency(h.ctx)
	if err != nil {
		t.Fatalf("solvency failed: %v", err)
	}
	for _, hd := range holdings {
		if hd.Asset == native && !hd.Surplus().IsZero() {
			t.Errorf("pending withdrawal left a surplus of %s", hd.Surplus().Dec())
		}
	}

	if _, err := h.ex.ResolveWithdrawal(h.ctx, w.ID, false); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	h.expectBalance(native, alice, "500", "0")
	if _, err := h.ex.ResolveWithdrawal(h.ctx, w.ID, true); !errors.Is(err, ledger.ErrWithdrawalNotFound) {
		t.Errorf("double resolve: got %v", err)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1234))
	before := h.ex.StateHash()
	published := len(h.events.Events())

	h.store.FailNext(errors.New("disk full"))
	_, err := h.ex.CreateOrder(h.ctx, alice, stn, native, u(1000), u(1), u(1))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("got %v, want ErrPersistence", err)
	}
	if h.ex.StateHash() != before {
		t.Error("failed operation left ledger changes behind")
	}
	h.expectBalance(stn, alice, "1234", "0")
	if _, ok := h.ex.Order(1); ok {
		t.Error("order survived the rollback")
	}
	if len(h.events.Events()) != published {
		t.Error("events published for a rolled back operation")
	}

	if id := h.createOrder(alice, stn, native, u(1000), u(1), u(1)); id != 1 {
		t.Errorf("id after rollback = %d, want 1", id)
	}
}

func TestRestartRestoresState(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	chain := custody.NewChain()
	scripted := &scriptedCustodian{Custodian: custody.NewMemoryCustodian(chain, engine)}
	ctx := context.Background()

	open := func() (*Exchange, *storage.PebbleStore) {
		t.Helper()
		store, err := storage.NewPebbleStore(dir)
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		cfg := DefaultConfig()
		cfg.Store = store
		ex, err := New(scripted, cfg)
		if err != nil {
			t.Fatalf("open exchange: %v", err)
		}
		return ex, store
	}

	ex, store := open()
	h := &harness{t: t, ctx: ctx, ex: ex, chain: chain, custodian: scripted}
	h.depositTokens(alice, stn, u(1234))
	payment := h.fund(bob, u(5000))
	id := h.createOrder(alice, stn, native, u(1000), u(1), u(1))
	if _, err := ex.ExecuteOrder(ctx, bob, id, u(400)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	scripted.transferErr = custody.ErrTransferUnconfirmed
	w, err := ex.Redeem(ctx, bob, native, u(100))
	if !errors.Is(err, custody.ErrTransferUnconfirmed) {
		t.Fatalf("redeem: got %v", err)
	}
	scripted.transferErr = nil

	hash := ex.StateHash()
	seq := ex.Seq()
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	ex, store = open()
	defer store.Close()
	h.ex = ex

	if ex.StateHash() != hash {
		t.Errorf("state hash %s after restart, want %s", ex.StateHash().Hex(), hash.Hex())
	}
	if ex.Seq() != seq {
		t.Errorf("seq %d after restart, want %d", ex.Seq(), seq)
	}
	if err := ex.Fund(ctx, bob, u(5000), payment); !errors.Is(err, ErrPaymentClaimed) {
		t.Errorf("replayed payment after restart: got %v, want ErrPaymentClaimed", err)
	}
	o, ok := ex.Order(id)
	if !ok || o.GiveRemaining.Uint64() != 600 || !o.IsActive() {
		t.Errorf("order after restart = %+v", o)
	}
	if fills := ex.RecentFills(0); len(fills) != 1 || fills[0].Consumed.Uint64() != 400 {
		t.Errorf("fills after restart = %+v", fills)
	}
	h.expectBalance(stn, alice, "234", "600")
	h.expectBalance(native, bob, "4500", "0")

	pending := ex.PendingWithdrawals()
	if len(pending) != 1 || pending[0].ID != w.ID {
		t.Fatalf("pending after restart = %+v", pending)
	}
	if _, err := ex.ResolveWithdrawal(ctx, w.ID, false); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	h.expectBalance(native, bob, "4600", "0")

	if next := h.createOrder(alice, stn, native, u(10), u(1), u(1)); next != id+1 {
		t.Errorf("next id after restart = %d, want %d", next, id+1)
	}
	h.expectBacked()
}

func TestSettleDuringCustodyReadIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1000))

	// bob's claim reads custody (1000), then alice's redemption settles
	// before bob's claim takes the lock
	h.custodian.onRead = func() {
		h.redeem(alice, stn, u(1000))
	}
	credited, err := h.ex.Deposit(h.ctx, bob, stn)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if !credited.IsZero() {
		t.Errorf("bob was credited %s of value that already left custody", credited.Dec())
	}
	h.expectBalance(stn, bob, "0", "0")
	h.expectBacked()
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.FeeDivisor = 0 })
	h.depositTokens(alice, stn, u(10000))
	id := h.createOrder(alice, stn, native, u(10000), u(1), u(1))

	takers := make([]common.Address, 16)
	for i := range takers {
		takers[i] = common.BigToAddress(uint256.NewInt(uint64(0x1000 + i)).ToBig())
		h.fund(takers[i], u(1000))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for _, taker := range takers {
		wg.Add(1)
		go func(taker common.Address) {
			defer wg.Done()
			_, err := h.ex.ExecuteOrder(h.ctx, taker, id, u(1000))
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, orderbook.ErrOrderNotActive) && !errors.Is(err, orderbook.ErrOrderCapacityExceeded) {
				t.Errorf("unexpected error: %v", err)
			}
		}(taker)
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("%d fills succeeded, want 10", succeeded)
	}
	o, _ := h.ex.Order(id)
	if o.Status != orderbook.StatusFilled || !o.GiveRemaining.IsZero() {
		t.Errorf("order = %+v", o)
	}
	h.expectBalance(native, alice, "10000", "0")
	h.expectBalance(stn, alice, "0", "0")
	h.expectBacked()
}

func TestConcurrentRedeemsNeverDoubleSpend(t *testing.T) {
	h := newHarness(t, nil)
	h.fund(alice, u(100))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.ex.Redeem(h.ctx, alice, native, u(100)); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("%d redemptions succeeded, want 1", succeeded)
	}
	if got := h.chain.BalanceOf(native, alice); got.Uint64() != 100 {
		t.Errorf("wallet holds %s, want 100", got.Dec())
	}
	h.expectBalance(native, alice, "0", "0")
	h.expectBacked()
}

func TestEventsCarryCommitOrder(t *testing.T) {
	journalPath := filepath.Join(t.TempDir(), "journal.log")
	wal, err := storage.NewFileWAL(journalPath)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { wal.Close() })

	h := newHarness(t, func(c *Config) { c.Journal = wal })
	h.depositTokens(alice, stn, u(1234))
	h.fund(bob, u(1234))
	id := h.createOrder(alice, stn, native, u(1234), u(1), u(1))
	if _, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(1234)); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if _, err := h.ex.ExecuteOrder(h.ctx, bob, id, u(1)); err == nil {
		t.Fatal("second fill succeeded")
	}

	want := []events.Type{events.Deposited, events.Deposited, events.OrderCreated, events.OrderFilled}
	got := h.events.Events()
	if len(got) != len(want) {
		t.Fatalf("events = %d, want %d", len(got), len(want))
	}
	for i, ev := range got {
		if ev.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
		}
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, ev.Seq, i+1)
		}
	}
	if wal.Lines() != 4 || h.ex.Seq() != 4 {
		t.Errorf("journal lines = %d, seq = %d, want 4", wal.Lines(), h.ex.Seq())
	}
}

func TestSolvencyShowsUnclaimedValue(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1000))
	h.send(bob, stn, u(7))

	holdings, err := h.ex.Solvency(h.ctx)
	if err != nil {
		t.Fatalf("solvency failed: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Asset != stn {
		t.Fatalf("holdings = %+v", holdings)
	}
	hd := holdings[0]
	if !hd.Solvent() || hd.Surplus().Uint64() != 7 || !hd.Deficit().IsZero() {
		t.Errorf("holding = ledgered %s custodied %s", hd.Ledgered.Dec(), hd.Custodied.Dec())
	}
}

func TestFundCannotClaimAnotherAccountsPayment(t *testing.T) {
	h := newHarness(t, nil)
	paid := h.send(alice, native, u(42))

	if err := h.ex.Fund(h.ctx, bob, u(42), paid); !errors.Is(err, custody.ErrPaymentMismatch) {
		t.Fatalf("claiming alice's payment: got %v, want ErrPaymentMismatch", err)
	}
	h.expectBalance(native, bob, "0", "0")

	if err := h.ex.Fund(h.ctx, alice, u(42), paid); err != nil {
		t.Fatalf("payer fund failed: %v", err)
	}
	if err := h.ex.Fund(h.ctx, alice, u(42), paid); !errors.Is(err, ErrPaymentClaimed) {
		t.Errorf("replayed payment: got %v, want ErrPaymentClaimed", err)
	}

	// an identical second payment is its own claim
	again := h.send(alice, native, u(42))
	if err := h.ex.Fund(h.ctx, alice, u(42), again); err != nil {
		t.Fatalf("second payment failed: %v", err)
	}
	h.expectBalance(native, alice, "84", "0")
	h.expectBacked()
}

func TestCancelDoesNotClaimDeposits(t *testing.T) {
	h := newHarness(t, nil)
	h.depositTokens(alice, stn, u(1000))
	id := h.createOrder(alice, stn, native, u(1000), u(1), u(1))
	h.send(bob, stn, u(7))

	if _, err := h.ex.CancelOrder(h.ctx, alice, id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	h.expectBalance(stn, alice, "1000", "0")

	got, err := h.ex.Deposit(h.ctx, bob, stn)
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got.Uint64() != 7 {
		t.Errorf("bob credited %s, want 7", got.Dec())
	}
	h.expectBacked()
}

func TestJournalFailureKeepsOperation(t *testing.T) {
	wal, err := storage.NewFileWAL(filepath.Join(t.TempDir(), "journal.log"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}
	m := metrics.NewMetrics(prometheus.NewRegistry())

	h := newHarness(t, func(c *Config) {
		c.Journal = wal
		c.Metrics = m
	})
	h.depositTokens(alice, stn, u(10))
	h.createOrder(alice, stn, native, u(10), u(1), u(1))

	h.expectBalance(stn, alice, "0", "10")
	if h.ex.Seq() != 2 {
		t.Errorf("seq = %d, want 2", h.ex.Seq())
	}
	if got := testutil.ToFloat64(m.JournalFailures); got != 2 {
		t.Errorf("journal failures = %v, want 2", got)
	}
	if len(h.events.Events()) != 2 {
		t.Errorf("events = %d, want 2", len(h.events.Events()))
	}
}
