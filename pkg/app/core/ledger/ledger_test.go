package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

var (
	alice = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xBB00000000000000000000000000000000000002")
	stn   = asset.Token(common.HexToAddress("0x5700000000000000000000000000000000000001"))
	eth   = asset.Native()
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func mustDeposit(t *testing.T, l *Ledger, a asset.Ref, acct common.Address, amount uint64) {
	t.Helper()
	if err := l.Deposit(a, acct, u(amount)); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func checkBalances(t *testing.T, l *Ledger, a asset.Ref, acct common.Address, available, committed uint64) {
	t.Helper()
	if got := l.BalanceOf(a, acct); !got.Eq(u(available)) {
		t.Errorf("available(%s, %s) = %s, want %d", a, acct.Hex(), got.Dec(), available)
	}
	if got := l.CommitmentsOf(a, acct); !got.Eq(u(committed)) {
		t.Errorf("committed(%s, %s) = %s, want %d", a, acct.Hex(), got.Dec(), committed)
	}
}

// sumEntries recomputes Σ(available+committed) + pending directly from the entries
func sumEntries(l *Ledger, a asset.Ref) *uint256.Int {
	sum := new(uint256.Int)
	for _, r := range l.Entries() {
		if r.Asset == a {
			sum.Add(sum, r.Entry.Total())
		}
	}
	for _, w := range l.Pending() {
		if w.Asset == a {
			sum.Add(sum, &w.Amount)
		}
	}
	return sum
}

func TestDepositAndZeroAmount(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 1234)
	checkBalances(t, l, stn, alice, 1234, 0)

	if err := l.Deposit(stn, alice, u(0)); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero deposit: got %v, want ErrZeroAmount", err)
	}
	if got := l.Ledgered(stn); !got.Eq(u(1234)) {
		t.Errorf("ledgered = %s, want 1234", got.Dec())
	}
}

func TestDepositOverflow(t *testing.T) {
	l := New()
	if err := l.Deposit(stn, alice, new(uint256.Int).SetAllOne()); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if err := l.Deposit(stn, bob, u(1)); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("got %v, want ErrBalanceOverflow", err)
	}
	checkBalances(t, l, stn, bob, 0, 0)
}

func TestWithdrawLifecycle(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 1234)

	if _, err := l.Withdraw(stn, alice, u(0)); !errors.Is(err, ErrZeroAmount) {
		t.Errorf("zero withdraw: got %v, want ErrZeroAmount", err)
	}
	if _, err := l.Withdraw(stn, alice, u(1235)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over-withdraw: got %v, want ErrInsufficientBalance", err)
	}

	w, err := l.Withdraw(stn, alice, u(1200))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	checkBalances(t, l, stn, alice, 34, 0)
	if got := l.Ledgered(stn); !got.Eq(u(1234)) {
		t.Errorf("pending withdrawal should stay ledgered, got %s", got.Dec())
	}

	seq := l.SettledSeq()
	if _, err := l.SettleWithdrawal(w.ID); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if l.SettledSeq() == seq {
		t.Error("settle should bump the settled sequence")
	}
	if got := l.Ledgered(stn); !got.Eq(u(34)) {
		t.Errorf("ledgered after settle = %s, want 34", got.Dec())
	}
	if _, err := l.SettleWithdrawal(w.ID); !errors.Is(err, ErrWithdrawalNotFound) {
		t.Errorf("double settle: got %v, want ErrWithdrawalNotFound", err)
	}
}

func TestRefundWithdrawal(t *testing.T) {
	l := New()
	mustDeposit(t, l, eth, alice, 500)

	w, err := l.Withdraw(eth, alice, u(500))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	checkBalances(t, l, eth, alice, 0, 0)

	if _, err := l.RefundWithdrawal(w.ID); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	checkBalances(t, l, eth, alice, 500, 0)
	if len(l.Pending()) != 0 {
		t.Errorf("pending = %v, want none", l.Pending())
	}
}

func TestCommitReleaseDuality(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 1000)

	if err := l.Commit(stn, alice, u(1001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over-commit: got %v, want ErrInsufficientBalance", err)
	}
	if err := l.Commit(stn, alice, u(600)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	checkBalances(t, l, stn, alice, 400, 600)

	if err := l.Release(stn, alice, u(601)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("over-release: got %v, want ErrInsufficientBalance", err)
	}
	if err := l.Release(stn, alice, u(600)); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	checkBalances(t, l, stn, alice, 1000, 0)

	// committed funds cannot be withdrawn
	if err := l.Commit(stn, alice, u(1000)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := l.Withdraw(stn, alice, u(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("withdraw of committed funds: got %v, want ErrInsufficientBalance", err)
	}
}

func TestTransfers(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 10000)
	mustDeposit(t, l, eth, bob, 2000)
	if err := l.Commit(stn, alice, u(10000)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	if err := l.TransferAvailable(eth, bob, alice, u(2001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("short transfer: got %v, want ErrInsufficientBalance", err)
	}
	if err := l.TransferAvailable(eth, bob, alice, u(1100)); err != nil {
		t.Fatalf("transfer available failed: %v", err)
	}
	if err := l.TransferCommitted(stn, alice, bob, u(1000)); err != nil {
		t.Fatalf("transfer committed failed: %v", err)
	}
	if err := l.TransferCommitted(stn, alice, bob, u(9001)); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("short committed transfer: got %v, want ErrInsufficientBalance", err)
	}

	checkBalances(t, l, stn, alice, 0, 9000)
	checkBalances(t, l, stn, bob, 1000, 0)
	checkBalances(t, l, eth, alice, 1100, 0)
	checkBalances(t, l, eth, bob, 900, 0)

	for _, a := range []asset.Ref{stn, eth} {
		if got, want := l.Ledgered(a), sumEntries(l, a); !got.Eq(want) {
			t.Errorf("conservation broken for %s: totals %s, entries %s", a, got.Dec(), want.Dec())
		}
	}
}

func TestReconcile(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 100)

	credited, err := l.Reconcile(stn, bob, u(350))
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !credited.Eq(u(250)) {
		t.Errorf("credited = %s, want 250", credited.Dec())
	}
	checkBalances(t, l, stn, bob, 250, 0)

	// custody short of ledger credits nothing
	credited, err = l.Reconcile(stn, bob, u(10))
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !credited.IsZero() {
		t.Errorf("credited = %s, want 0", credited.Dec())
	}
}

func TestRollback(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 1000)
	before := l.StateHash()

	l.Begin()
	if err := l.Commit(stn, alice, u(400)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	mustDeposit(t, l, eth, bob, 7)
	if _, err := l.Withdraw(stn, alice, u(600)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	ch := l.Changes()
	if len(ch.Entries) != 2 || len(ch.Withdrawals) != 1 {
		t.Errorf("changes = %+v, want 2 entries and 1 withdrawal", ch)
	}

	l.Rollback()

	if l.StateHash() != before {
		t.Error("state hash changed after rollback")
	}
	checkBalances(t, l, stn, alice, 1000, 0)
	if got := l.Ledgered(eth); !got.IsZero() {
		t.Errorf("eth ledgered after rollback = %s", got.Dec())
	}
	if l.NextWithdrawalID() != 1 {
		t.Errorf("next withdrawal id = %d, want 1", l.NextWithdrawalID())
	}
	if len(l.Assets()) != 1 {
		t.Errorf("assets = %v, want only stn", l.Assets())
	}
}

func TestRestoreAndStateHash(t *testing.T) {
	l := New()
	mustDeposit(t, l, stn, alice, 1234)
	mustDeposit(t, l, eth, bob, 99)
	if err := l.Commit(stn, alice, u(34)); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if _, err := l.Withdraw(eth, bob, u(9)); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	restored := New()
	if err := restored.Restore(l.Entries(), l.Pending(), l.NextWithdrawalID()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	if restored.StateHash() != l.StateHash() {
		t.Error("restored ledger hashes differently")
	}
	if got := restored.Ledgered(eth); !got.Eq(u(99)) {
		t.Errorf("restored eth ledgered = %s, want 99", got.Dec())
	}
	if restored.NextWithdrawalID() != 2 {
		t.Errorf("next withdrawal id = %d, want 2", restored.NextWithdrawalID())
	}

	mustDeposit(t, restored, eth, alice, 1)
	if restored.StateHash() == l.StateHash() {
		t.Error("state hash should change after a deposit")
	}
}
