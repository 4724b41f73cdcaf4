package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// It keeps a signature for one deployment from being replayed on another.
type EIP712Domain struct {
	Name              string         // e.g. "YouStock"
	Version           string         // e.g. "1"
	ChainID           *big.Int       // 1337 for a local devnet
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain returns the devnet domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "YouStock",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// ActionType names an EIP-712 primary type
type ActionType string

const (
	ActionFund         ActionType = "Fund"
	ActionDeposit      ActionType = "Deposit"
	ActionRedeem       ActionType = "Redeem"
	ActionCreateOrder  ActionType = "CreateOrder"
	ActionCancelOrder  ActionType = "CancelOrder"
	ActionExecuteOrder ActionType = "ExecuteOrder"
)

var ErrUnknownAction = errors.New("unknown action type")

var domainFields = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// actionFields lists each action's struct members in signing order.
// Assets are ERC-20 addresses; the native asset is the zero address.
var actionFields = map[ActionType][]apitypes.Type{
	ActionFund: {
		{Name: "owner", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "payment", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
	ActionDeposit: {
		{Name: "owner", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "nonce", Type: "uint256"},
	},
	ActionRedeem: {
		{Name: "owner", Type: "address"},
		{Name: "asset", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	ActionCreateOrder: {
		{Name: "owner", Type: "address"},
		{Name: "give", Type: "address"},
		{Name: "get", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "priceNum", Type: "uint256"},
		{Name: "priceDen", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	ActionCancelOrder: {
		{Name: "owner", Type: "address"},
		{Name: "orderId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	ActionExecuteOrder: {
		{Name: "owner", Type: "address"},
		{Name: "orderId", Type: "uint256"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// Action is one signed exchange request. Only the fields of its Type's
// struct are hashed; the rest are ignored.
type Action struct {
	Type     ActionType
	Owner    common.Address
	Nonce    *big.Int
	Asset    common.Address // Deposit, Redeem
	Give     common.Address // CreateOrder
	Get      common.Address // CreateOrder
	Amount   *big.Int       // Fund, Redeem, CreateOrder, ExecuteOrder
	PriceNum *big.Int       // CreateOrder
	PriceDen *big.Int       // CreateOrder
	OrderID  *big.Int       // CancelOrder, ExecuteOrder
	Payment  common.Hash    // Fund: hash of the transfer into custody
}

// message renders the action's members the way apitypes encodes them
func (a *Action) message() (apitypes.TypedDataMessage, error) {
	fields, ok := actionFields[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, a.Type)
	}
	msg := make(apitypes.TypedDataMessage, len(fields))
	for _, f := range fields {
		var v *big.Int
		switch f.Name {
		case "owner":
			msg[f.Name] = a.Owner.Hex()
			continue
		case "asset":
			msg[f.Name] = a.Asset.Hex()
			continue
		case "give":
			msg[f.Name] = a.Give.Hex()
			continue
		case "get":
			msg[f.Name] = a.Get.Hex()
			continue
		case "payment":
			msg[f.Name] = a.Payment.Hex()
			continue
		case "nonce":
			v = a.Nonce
		case "amount":
			v = a.Amount
		case "priceNum":
			v = a.PriceNum
		case "priceDen":
			v = a.PriceDen
		case "orderId":
			v = a.OrderID
		}
		if v == nil {
			return nil, fmt.Errorf("%s: missing %s", a.Type, f.Name)
		}
		if v.Sign() < 0 {
			return nil, fmt.Errorf("%s: negative %s", a.Type, f.Name)
		}
		msg[f.Name] = v.String()
	}
	return msg, nil
}

// EIP712Signer hashes, signs and recovers exchange actions under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// Domain returns the signer's domain
func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

// TypedData builds the full EIP-712 document for an action
func (e *EIP712Signer) TypedData(a *Action) (apitypes.TypedData, error) {
	msg, err := a.message()
	if err != nil {
		return apitypes.TypedData{}, err
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			string(a.Type): actionFields[a.Type],
		},
		PrimaryType: string(a.Type),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg,
	}, nil
}

// Hash returns the digest a wallet signs for the action
func (e *EIP712Signer) Hash(a *Action) ([]byte, error) {
	typedData, err := e.TypedData(a)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// Sign signs an action and returns the 65-byte [R || S || V] signature
func (e *EIP712Signer) Sign(signer *Signer, a *Action) ([]byte, error) {
	hash, err := e.Hash(a)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", a.Type, err)
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", a.Type, err)
	}
	return signature, nil
}

// Recover returns the address that signed the action
func (e *EIP712Signer) Recover(a *Action, signature []byte) (common.Address, error) {
	hash, err := e.Hash(a)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash %s: %w", a.Type, err)
	}
	return RecoverAddress(hash, signature)
}

// Verify reports whether the action was signed by its owner
func (e *EIP712Signer) Verify(a *Action, signature []byte) (bool, error) {
	signer, err := e.Recover(a, signature)
	if err != nil {
		return false, err
	}
	return signer == a.Owner, nil
}

// ToJSON renders the action in the eth_signTypedData_v4 format wallets expect
func (e *EIP712Signer) ToJSON(a *Action) (string, error) {
	typedData, err := e.TypedData(a)
	if err != nil {
		return "", err
	}
	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
