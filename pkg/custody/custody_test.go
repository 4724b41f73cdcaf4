package custody

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
)

var (
	engine = common.HexToAddress("0xE000000000000000000000000000000000000001")
	alice  = common.HexToAddress("0xAA00000000000000000000000000000000000001")
	stn    = asset.Token(common.HexToAddress("0x5700000000000000000000000000000000000001"))
)

func TestChainTransfer(t *testing.T) {
	chain := NewChain()
	chain.Mint(stn, alice, uint256.NewInt(100))

	if _, err := chain.Transfer(stn, alice, engine, uint256.NewInt(101)); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("overdraft: got %v, want ErrInsufficientFunds", err)
	}
	id, err := chain.Transfer(stn, alice, engine, uint256.NewInt(60))
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if tr, ok := chain.Lookup(id); !ok || tr.From != alice || tr.To != engine || tr.Amount.Uint64() != 60 {
		t.Errorf("lookup %s = %+v, %v", id.Hex(), tr, ok)
	}
	if got := chain.BalanceOf(stn, alice); got.Uint64() != 40 {
		t.Errorf("alice = %s, want 40", got.Dec())
	}

	c := NewMemoryCustodian(chain, engine)
	held, err := c.Custodied(context.Background(), stn)
	if err != nil {
		t.Fatalf("custodied failed: %v", err)
	}
	if held.Uint64() != 60 {
		t.Errorf("custodied = %s, want 60", held.Dec())
	}
	if held, _ := c.Custodied(context.Background(), asset.Native()); !held.IsZero() {
		t.Errorf("native custodied = %s, want 0", held.Dec())
	}
}

func TestMemoryCustodianTransferOut(t *testing.T) {
	chain := NewChain()
	chain.Mint(asset.Native(), engine, uint256.NewInt(500))
	c := NewMemoryCustodian(chain, engine)

	boom := errors.New("rpc down")
	chain.SetTransferHook(func(asset.Ref, common.Address, common.Address, *uint256.Int) error { return boom })
	if err := c.TransferOut(context.Background(), asset.Native(), alice, uint256.NewInt(10)); !errors.Is(err, ErrTransferFailed) {
		t.Errorf("hooked transfer: got %v, want ErrTransferFailed", err)
	}
	if got := chain.BalanceOf(asset.Native(), engine); got.Uint64() != 500 {
		t.Errorf("failed transfer moved funds: engine = %s", got.Dec())
	}

	chain.SetTransferHook(nil)
	if err := c.TransferOut(context.Background(), asset.Native(), alice, uint256.NewInt(10)); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if got := chain.BalanceOf(asset.Native(), alice); got.Uint64() != 10 {
		t.Errorf("alice = %s, want 10", got.Dec())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.TransferOut(ctx, asset.Native(), alice, uint256.NewInt(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: got %v", err)
	}
}

func TestMemoryCustodianVerifyPayment(t *testing.T) {
	chain := NewChain()
	bob := common.HexToAddress("0xB0B0000000000000000000000000000000000002")
	chain.Mint(asset.Native(), alice, uint256.NewInt(100))
	chain.Mint(stn, alice, uint256.NewInt(100))
	c := NewMemoryCustodian(chain, engine)
	ctx := context.Background()

	paid, err := chain.Transfer(asset.Native(), alice, engine, uint256.NewInt(40))
	if err != nil {
		t.Fatal(err)
	}
	token, _ := chain.Transfer(stn, alice, engine, uint256.NewInt(40))
	elsewhere, _ := chain.Transfer(asset.Native(), alice, bob, uint256.NewInt(40))

	cases := []struct {
		name    string
		payment common.Hash
		from    common.Address
		amount  uint64
		want    error
	}{
		{"payer", paid, alice, 40, nil},
		{"someone else", paid, bob, 40, ErrPaymentMismatch},
		{"overstated", paid, alice, 41, ErrPaymentMismatch},
		{"token transfer", token, alice, 40, ErrPaymentMismatch},
		{"not to custody", elsewhere, alice, 40, ErrPaymentMismatch},
		{"unknown", common.HexToHash("0x01"), alice, 40, ErrPaymentNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.VerifyPayment(ctx, tc.payment, tc.from, uint256.NewInt(tc.amount))
			if tc.want == nil && err != nil {
				t.Fatalf("verify failed: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

// fakeClient answers like a node that mines every transaction it accepts
type fakeClient struct {
	mu          sync.Mutex
	native      *big.Int
	tokenOut    []byte
	sent        []*types.Transaction
	payments    []*types.Transaction // mined transactions from other senders
	receiptMiss int
	status      uint64

	nonceErr error
	sendErr  error // returned by SendTransaction after accepting the transaction
	lost     bool  // with sendErr, the transaction never reaches the node
	dropped  int
}

func (f *fakeClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.tokenOut, nil
}

func (f *fakeClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return uint64(len(f.sent)), nil
}

func (f *fakeClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 52000, nil
}

func (f *fakeClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil && f.lost {
		f.dropped++
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return f.sendErr
}

// lookupLocked finds a transaction the node knows about
func (f *fakeClient) lookupLocked(hash common.Hash) *types.Transaction {
	for _, list := range [][]*types.Transaction{f.sent, f.payments} {
		for _, tx := range list {
			if tx.Hash() == hash {
				return tx
			}
		}
	}
	return nil
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx := f.lookupLocked(hash)
	if tx == nil {
		return nil, false, ethereum.NotFound
	}
	return tx, f.receiptMiss > 0, nil
}

func (f *fakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupLocked(txHash) == nil {
		return nil, ethereum.NotFound
	}
	if f.receiptMiss > 0 {
		f.receiptMiss--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: txHash, BlockNumber: big.NewInt(7)}, nil
}

func newTestEthCustodian(t *testing.T, client *fakeClient) *EthCustodian {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	c, err := NewEthCustodian(client, key, big.NewInt(31337), nil)
	if err != nil {
		t.Fatalf("failed to create custodian: %v", err)
	}
	c.poll = time.Millisecond
	return c
}

func TestEthCustodied(t *testing.T) {
	client := &fakeClient{native: big.NewInt(12345), status: types.ReceiptStatusSuccessful}
	c := newTestEthCustodian(t, client)

	out, err := c.erc20.Methods["balanceOf"].Outputs.Pack(big.NewInt(777))
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	client.tokenOut = out

	native, err := c.Custodied(context.Background(), asset.Native())
	if err != nil || native.Uint64() != 12345 {
		t.Errorf("native = %v, %v", native, err)
	}
	token, err := c.Custodied(context.Background(), stn)
	if err != nil || token.Uint64() != 777 {
		t.Errorf("token = %v, %v", token, err)
	}
}

func TestEthTransferOut(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusSuccessful, receiptMiss: 2}
	c := newTestEthCustodian(t, client)
	ctx := context.Background()

	if err := c.TransferOut(ctx, asset.Native(), alice, uint256.NewInt(1000)); err != nil {
		t.Fatalf("native transfer failed: %v", err)
	}
	if err := c.TransferOut(ctx, stn, alice, uint256.NewInt(55)); err != nil {
		t.Fatalf("token transfer failed: %v", err)
	}
	if len(client.sent) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(client.sent))
	}

	signer := types.LatestSignerForChainID(big.NewInt(31337))
	for i, tx := range client.sent {
		from, err := types.Sender(signer, tx)
		if err != nil {
			t.Fatalf("tx %d: recover sender: %v", i, err)
		}
		if from != c.Engine() {
			t.Errorf("tx %d signed by %s, want %s", i, from.Hex(), c.Engine().Hex())
		}
		if tx.Nonce() != uint64(i) {
			t.Errorf("tx %d nonce = %d", i, tx.Nonce())
		}
	}

	native := client.sent[0]
	if *native.To() != alice || native.Value().Int64() != 1000 || native.Gas() != nativeTransferGas {
		t.Errorf("native tx = to %s value %s gas %d", native.To().Hex(), native.Value(), native.Gas())
	}

	token := client.sent[1]
	if *token.To() != stn.Address() || token.Value().Sign() != 0 {
		t.Errorf("token tx = to %s value %s", token.To().Hex(), token.Value())
	}
	args, err := c.erc20.Methods["transfer"].Inputs.Unpack(token.Data()[4:])
	if err != nil {
		t.Fatalf("unpack transfer: %v", err)
	}
	if args[0].(common.Address) != alice || args[1].(*big.Int).Int64() != 55 {
		t.Errorf("transfer args = %v", args)
	}
}

func TestEthTransferOutReverted(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusFailed}
	c := newTestEthCustodian(t, client)

	err := c.TransferOut(context.Background(), stn, alice, uint256.NewInt(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Errorf("got %v, want ErrTransferFailed", err)
	}
}

func TestEthTransferOutUnconfirmed(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusSuccessful, receiptMiss: 1 << 30}
	c := newTestEthCustodian(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.TransferOut(ctx, asset.Native(), alice, uint256.NewInt(1))
	if !errors.Is(err, ErrTransferUnconfirmed) {
		t.Fatalf("got %v, want ErrTransferUnconfirmed", err)
	}
	if errors.Is(err, ErrTransferFailed) {
		t.Error("broadcast transfer reported as failed")
	}
	if len(client.sent) != 1 {
		t.Errorf("sent %d transactions, want 1", len(client.sent))
	}
}

func TestEthTransferOutBroadcastLost(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusSuccessful, sendErr: context.DeadlineExceeded, lost: true}
	c := newTestEthCustodian(t, client)

	err := c.TransferOut(context.Background(), asset.Native(), alice, uint256.NewInt(1))
	if !errors.Is(err, ErrTransferUnconfirmed) {
		t.Fatalf("got %v, want ErrTransferUnconfirmed", err)
	}
	if errors.Is(err, ErrTransferFailed) {
		t.Error("signed transfer reported as failed")
	}
	if client.dropped != 1 {
		t.Errorf("dropped = %d, want 1", client.dropped)
	}
}

func TestEthTransferOutBroadcastErrorButMined(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusSuccessful, sendErr: errors.New("connection reset by peer")}
	c := newTestEthCustodian(t, client)

	if err := c.TransferOut(context.Background(), stn, alice, uint256.NewInt(9)); err != nil {
		t.Fatalf("mined transfer reported %v", err)
	}
}

func TestEthTransferOutFailsBeforeSigning(t *testing.T) {
	client := &fakeClient{status: types.ReceiptStatusSuccessful, nonceErr: errors.New("rpc down")}
	c := newTestEthCustodian(t, client)

	err := c.TransferOut(context.Background(), asset.Native(), alice, uint256.NewInt(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if len(client.sent) != 0 {
		t.Errorf("sent %d transactions, want 0", len(client.sent))
	}
}

func TestEthVerifyPayment(t *testing.T) {
	payerKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	payer := crypto.PubkeyToAddress(payerKey.PublicKey)
	other := common.HexToAddress("0xB0B0000000000000000000000000000000000002")

	client := &fakeClient{status: types.ReceiptStatusSuccessful}
	c := newTestEthCustodian(t, client)

	pay := func(to common.Address, value int64) common.Hash {
		t.Helper()
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    uint64(len(client.payments)),
			GasPrice: big.NewInt(1),
			Gas:      nativeTransferGas,
			To:       &to,
			Value:    big.NewInt(value),
		}), types.LatestSignerForChainID(big.NewInt(31337)), payerKey)
		if err != nil {
			t.Fatalf("sign payment: %v", err)
		}
		client.payments = append(client.payments, tx)
		return tx.Hash()
	}
	paid := pay(c.Engine(), 500)
	elsewhere := pay(other, 500)

	cases := []struct {
		name    string
		payment common.Hash
		from    common.Address
		amount  uint64
		want    error
	}{
		{"payer", paid, payer, 500, nil},
		{"someone else", paid, other, 500, ErrPaymentMismatch},
		{"understated", paid, payer, 499, ErrPaymentMismatch},
		{"not to custody", elsewhere, payer, 500, ErrPaymentMismatch},
		{"unknown", common.HexToHash("0x02"), payer, 500, ErrPaymentNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := c.VerifyPayment(context.Background(), tc.payment, tc.from, uint256.NewInt(tc.amount))
			if tc.want == nil && err != nil {
				t.Fatalf("verify failed: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	client.receiptMiss = 1
	if err := c.VerifyPayment(context.Background(), paid, payer, uint256.NewInt(500)); !errors.Is(err, ErrPaymentNotFound) {
		t.Errorf("pending payment: got %v, want ErrPaymentNotFound", err)
	}
	client.receiptMiss = 0
	client.status = types.ReceiptStatusFailed
	if err := c.VerifyPayment(context.Background(), paid, payer, uint256.NewInt(500)); !errors.Is(err, ErrPaymentMismatch) {
		t.Errorf("reverted payment: got %v, want ErrPaymentMismatch", err)
	}
}
