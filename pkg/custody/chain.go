package custody

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

// Chain is an in-memory stand-in for the settlement chain: native and token
// holdings per address, moved only by Mint and Transfer. Every transfer gets
// an id the way a mined transaction gets a hash. Used by the devnet node and
// by tests.
type Chain struct {
	mu        sync.Mutex
	holdings  map[asset.Ref]map[common.Address]*uint256.Int
	transfers map[common.Hash]Transfer
	count     uint64
	hook      func(a asset.Ref, from, to common.Address, amount *uint256.Int) error
}

// Transfer is one completed movement on a Chain
type Transfer struct {
	Asset  asset.Ref
	From   common.Address
	To     common.Address
	Amount *uint256.Int
}

func NewChain() *Chain {
	return &Chain{
		holdings:  make(map[asset.Ref]map[common.Address]*uint256.Int),
		transfers: make(map[common.Hash]Transfer),
	}
}

// Mint creates amount of a out of thin air for to
func (c *Chain) Mint(a asset.Ref, to common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balanceLocked(a, to)
	bal.Add(bal, amount)
}

// Transfer moves amount of a between two holders and returns the transfer id
func (c *Chain) Transfer(a asset.Ref, from, to common.Address, amount *uint256.Int) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hook != nil {
		if err := c.hook(a, from, to, amount); err != nil {
			return common.Hash{}, err
		}
	}

	src := c.balanceLocked(a, from)
	if src.Lt(amount) {
		return common.Hash{}, fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), a, amount.Dec())
	}
	src.Sub(src, amount)
	dst := c.balanceLocked(a, to)
	dst.Add(dst, amount)

	c.count++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.count)
	word := amount.Bytes32()
	id := crypto.Keccak256Hash(n[:], a.Address().Bytes(), from.Bytes(), to.Bytes(), word[:])
	c.transfers[id] = Transfer{Asset: a, From: from, To: to, Amount: new(uint256.Int).Set(amount)}
	return id, nil
}

// Lookup returns the transfer with the given id
func (c *Chain) Lookup(id common.Hash) (Transfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return Transfer{}, false
	}
	t.Amount = new(uint256.Int).Set(t.Amount)
	return t, true
}

// BalanceOf returns holder's balance of a
func (c *Chain) BalanceOf(a asset.Ref, holder common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(uint256.Int).Set(c.balanceLocked(a, holder))
}

// SetTransferHook installs a function consulted before every transfer;
// a non-nil error aborts the transfer. Pass nil to remove it.
func (c *Chain) SetTransferHook(hook func(a asset.Ref, from, to common.Address, amount *uint256.Int) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

func (c *Chain) balanceLocked(a asset.Ref, holder common.Address) *uint256.Int {
	byHolder, ok := c.holdings[a]
	if !ok {
		byHolder = make(map[common.Address]*uint256.Int)
		c.holdings[a] = byHolder
	}
	bal, ok := byHolder[holder]
	if !ok {
		bal = new(uint256.Int)
		byHolder[holder] = bal
	}
	return bal
}

// MemoryCustodian exposes the engine's holdings on a Chain
type MemoryCustodian struct {
	chain  *Chain
	engine common.Address
}

func NewMemoryCustodian(chain *Chain, engine common.Address) *MemoryCustodian {
	return &MemoryCustodian{chain: chain, engine: engine}
}

// Engine returns the address whose holdings back the ledger
func (m *MemoryCustodian) Engine() common.Address {
	return m.engine
}

func (m *MemoryCustodian) Custodied(ctx context.Context, a asset.Ref) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.chain.BalanceOf(a, m.engine), nil
}

func (m *MemoryCustodian) TransferOut(ctx context.Context, a asset.Ref, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.chain.Transfer(a, m.engine, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (m *MemoryCustodian) VerifyPayment(ctx context.Context, payment common.Hash, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t, ok := m.chain.Lookup(payment)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, payment.Hex())
	}
	switch {
	case !t.Asset.IsNative():
		return fmt.Errorf("%w: %s moved %s, not native value", ErrPaymentMismatch, payment.Hex(), t.Asset)
	case t.To != m.engine:
		return fmt.Errorf("%w: %s paid %s, not custody", ErrPaymentMismatch, payment.Hex(), t.To.Hex())
	case t.From != from:
		return fmt.Errorf("%w: %s was sent by %s", ErrPaymentMismatch, payment.Hex(), t.From.Hex())
	case !t.Amount.Eq(amount):
		return fmt.Errorf("%w: %s carried %s, claimed %s", ErrPaymentMismatch, payment.Hex(), t.Amount.Dec(), amount.Dec())
	}
	return nil
}
