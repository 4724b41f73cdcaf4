package custody

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"go.uber.org/zap"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

const nativeTransferGas = 21000

// ChainClient is the subset of ethclient.Client the custodian uses
type ChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthCustodian holds assets in an externally owned account on an EVM chain.
// Native value is read with eth_getBalance; tokens through ERC-20 balanceOf.
// Outbound transfers are signed locally and waited on until mined. Inbound
// native payments are attributed by transaction hash.
type EthCustodian struct {
	client  ChainClient
	key     *ecdsa.PrivateKey
	engine  common.Address
	chainID *big.Int
	erc20   abi.ABI
	poll    time.Duration
	logger  *zap.SugaredLogger

	sendMu sync.Mutex // nonce allocation and broadcast
}

// NewEthCustodian wraps an existing client
func NewEthCustodian(client ChainClient, key *ecdsa.PrivateKey, chainID *big.Int, logger *zap.SugaredLogger) (*EthCustodian, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EthCustodian{
		client:  client,
		key:     key,
		engine:  crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		erc20:   parsed,
		poll:    time.Second,
		logger:  logger,
	}, nil
}

// DialEthCustodian connects to an RPC endpoint
func DialEthCustodian(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, chainID *big.Int, logger *zap.SugaredLogger) (*EthCustodian, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewEthCustodian(client, key, chainID, logger)
}

// Engine returns the custody account address
func (c *EthCustodian) Engine() common.Address {
	return c.engine
}

func (c *EthCustodian) Custodied(ctx context.Context, a asset.Ref) (*uint256.Int, error) {
	if a.IsNative() {
		bal, err := c.client.BalanceAt(ctx, c.engine, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to read native balance: %w", err)
		}
		return toUint256(bal)
	}

	data, err := c.erc20.Pack("balanceOf", c.engine)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	token := a.Address()
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
	}
	values, err := c.erc20.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack balanceOf %s: %w", token.Hex(), err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf %s returned %T", token.Hex(), values[0])
	}
	return toUint256(bal)
}

func (c *EthCustodian) TransferOut(ctx context.Context, a asset.Ref, to common.Address, amount *uint256.Int) error {
	tx, err := c.send(ctx, a, to, amount)
	if tx == nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err != nil {
		// a failed broadcast may still have reached the network
		c.logger.Warnw("transfer_broadcast_failed", "tx", tx.Hash().Hex(), "err", err)
		if known, lerr := c.known(ctx, tx.Hash()); !known {
			if lerr != nil {
				err = errors.Join(err, lerr)
			}
			return fmt.Errorf("%w: tx %s: %v", ErrTransferUnconfirmed, tx.Hash().Hex(), err)
		}
	}

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		c.logger.Warnw("transfer_unconfirmed", "tx", tx.Hash().Hex(), "err", err)
		return fmt.Errorf("%w: tx %s: %v", ErrTransferUnconfirmed, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: tx %s reverted", ErrTransferFailed, tx.Hash().Hex())
	}

	c.logger.Infow("transfer_mined",
		"asset", a.String(),
		"to", to.Hex(),
		"amount", amount.Dec(),
		"tx", tx.Hash().Hex(),
		"block", receipt.BlockNumber,
	)
	return nil
}

// send signs and broadcasts the transfer; nonces are allocated one at a time.
// A nil transaction means nothing was signed. A signed transaction returned
// with an error failed to broadcast and may or may not be on the network.
func (c *EthCustodian) send(ctx context.Context, a asset.Ref, to common.Address, amount *uint256.Int) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.client.PendingNonceAt(ctx, c.engine)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}

	var (
		recipient = to
		value     = new(big.Int)
		data      []byte
		gas       uint64 = nativeTransferGas
	)
	if a.IsNative() {
		value = amount.ToBig()
	} else {
		recipient = a.Address()
		data, err = c.erc20.Pack("transfer", to, amount.ToBig())
		if err != nil {
			return nil, fmt.Errorf("pack transfer: %w", err)
		}
		gas, err = c.client.EstimateGas(ctx, ethereum.CallMsg{From: c.engine, To: &recipient, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &recipient,
		Value:    value,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return signed, fmt.Errorf("broadcast: %w", err)
	}
	return signed, nil
}

// known reports whether the node has seen hash, pending or mined
func (c *EthCustodian) known(ctx context.Context, hash common.Hash) (bool, error) {
	if _, err := c.client.TransactionReceipt(ctx, hash); err == nil {
		return true, nil
	} else if !errors.Is(err, ethereum.NotFound) {
		return false, err
	}
	if _, _, err := c.client.TransactionByHash(ctx, hash); err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// VerifyPayment accepts only a mined, successful native transfer from from
// to the engine carrying exactly amount
func (c *EthCustodian) VerifyPayment(ctx context.Context, payment common.Hash, from common.Address, amount *uint256.Int) error {
	tx, pending, err := c.client.TransactionByHash(ctx, payment)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, payment.Hex())
	}
	if err != nil {
		return fmt.Errorf("lookup payment %s: %w", payment.Hex(), err)
	}
	if pending {
		return fmt.Errorf("%w: %s is not mined yet", ErrPaymentNotFound, payment.Hex())
	}
	receipt, err := c.client.TransactionReceipt(ctx, payment)
	if errors.Is(err, ethereum.NotFound) {
		return fmt.Errorf("%w: %s has no receipt", ErrPaymentNotFound, payment.Hex())
	}
	if err != nil {
		return fmt.Errorf("receipt of payment %s: %w", payment.Hex(), err)
	}

	sender, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %s: recover sender: %v", ErrPaymentMismatch, payment.Hex(), err)
	case receipt.Status != types.ReceiptStatusSuccessful:
		return fmt.Errorf("%w: %s reverted", ErrPaymentMismatch, payment.Hex())
	case sender != from:
		return fmt.Errorf("%w: %s was sent by %s", ErrPaymentMismatch, payment.Hex(), sender.Hex())
	case tx.To() == nil || *tx.To() != c.engine:
		return fmt.Errorf("%w: %s does not pay custody", ErrPaymentMismatch, payment.Hex())
	case tx.Value().Cmp(amount.ToBig()) != 0:
		return fmt.Errorf("%w: %s carried %s, claimed %s", ErrPaymentMismatch, payment.Hex(), tx.Value(), amount.Dec())
	}
	return nil
}

func (c *EthCustodian) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toUint256(b *big.Int) (*uint256.Int, error) {
	if b.Sign() < 0 {
		return nil, fmt.Errorf("negative balance %s", b)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("balance %s overflows 256 bits", b)
	}
	return v, nil
}
