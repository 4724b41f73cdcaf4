package transaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/uhyunpark/youstock/pkg/app/core/asset"
	"github.com/uhyunpark/youstock/pkg/crypto"
)

// TxType is the wire name of a signed request
type TxType string

const (
	TxTypeFund         TxType = "fund"
	TxTypeDeposit      TxType = "deposit"
	TxTypeRedeem       TxType = "redeem"
	TxTypeCreateOrder  TxType = "create_order"
	TxTypeCancelOrder  TxType = "cancel_order"
	TxTypeExecuteOrder TxType = "execute_order"
)

var ErrMalformed = errors.New("malformed transaction")

var actionTypes = map[TxType]crypto.ActionType{
	TxTypeFund:         crypto.ActionFund,
	TxTypeDeposit:      crypto.ActionDeposit,
	TxTypeRedeem:       crypto.ActionRedeem,
	TxTypeCreateOrder:  crypto.ActionCreateOrder,
	TxTypeCancelOrder:  crypto.ActionCancelOrder,
	TxTypeExecuteOrder: crypto.ActionExecuteOrder,
}

// SignedTransaction is the JSON body clients POST
type SignedTransaction struct {
	Type      TxType         `json:"type"`
	Action    *ActionPayload `json:"action"`
	Signature string         `json:"signature"` // 0x-prefixed, 65 bytes
}

// ActionPayload carries the signed fields as strings: amounts and ids in
// decimal, addresses in hex, the native asset as the zero address
type ActionPayload struct {
	Owner    string `json:"owner"`
	Nonce    string `json:"nonce"`
	Asset    string `json:"asset,omitempty"`
	Give     string `json:"give,omitempty"`
	Get      string `json:"get,omitempty"`
	Amount   string `json:"amount,omitempty"`
	PriceNum string `json:"price_num,omitempty"`
	PriceDen string `json:"price_den,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Payment  string `json:"payment,omitempty"` // 0x-prefixed transfer hash
}

// Request is a verified transaction decoded into engine types
type Request struct {
	Type     TxType
	Owner    common.Address
	Nonce    uint64
	Asset    asset.Ref
	Give     asset.Ref
	Get      asset.Ref
	Amount   *uint256.Int
	PriceNum *uint256.Int
	PriceDen *uint256.Int
	OrderID  uint64
	Payment  common.Hash
}

// ToEIP712Action converts the payload to the typed action that was signed
func (tx *SignedTransaction) ToEIP712Action() (*crypto.Action, error) {
	at, ok := actionTypes[tx.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported type %q", ErrMalformed, tx.Type)
	}
	if tx.Action == nil {
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	p := tx.Action

	a := &crypto.Action{Type: at}
	var err error
	if a.Owner, err = parseAddress("owner", p.Owner, true); err != nil {
		return nil, err
	}
	if a.Nonce, err = parseNumber("nonce", p.Nonce, 64); err != nil {
		return nil, err
	}

	switch tx.Type {
	case TxTypeFund:
		if a.Amount, err = parseNumber("amount", p.Amount, 256); err == nil {
			a.Payment, err = parseHash("payment", p.Payment)
		}
	case TxTypeDeposit:
		a.Asset, err = parseAddress("asset", p.Asset, false)
	case TxTypeRedeem:
		if a.Asset, err = parseAddress("asset", p.Asset, false); err == nil {
			a.Amount, err = parseNumber("amount", p.Amount, 256)
		}
	case TxTypeCreateOrder:
		if a.Give, err = parseAddress("give", p.Give, false); err != nil {
			return nil, err
		}
		if a.Get, err = parseAddress("get", p.Get, false); err != nil {
			return nil, err
		}
		if a.Amount, err = parseNumber("amount", p.Amount, 256); err != nil {
			return nil, err
		}
		if a.PriceNum, err = parseNumber("price_num", p.PriceNum, 256); err != nil {
			return nil, err
		}
		a.PriceDen, err = parseNumber("price_den", p.PriceDen, 256)
	case TxTypeCancelOrder:
		a.OrderID, err = parseNumber("order_id", p.OrderID, 64)
	case TxTypeExecuteOrder:
		if a.OrderID, err = parseNumber("order_id", p.OrderID, 64); err == nil {
			a.Amount, err = parseNumber("amount", p.Amount, 256)
		}
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// FromEIP712Action builds the wire transaction for a signed action
func FromEIP712Action(a *crypto.Action, signature []byte) (*SignedTransaction, error) {
	var txType TxType
	for t, at := range actionTypes {
		if at == a.Type {
			txType = t
		}
	}
	if txType == "" {
		return nil, fmt.Errorf("%w: %q", crypto.ErrUnknownAction, a.Type)
	}

	p := &ActionPayload{
		Owner: a.Owner.Hex(),
		Nonce: bigString(a.Nonce),
	}
	switch txType {
	case TxTypeFund:
		p.Amount = bigString(a.Amount)
		p.Payment = a.Payment.Hex()
	case TxTypeDeposit:
		p.Asset = a.Asset.Hex()
	case TxTypeRedeem:
		p.Asset = a.Asset.Hex()
		p.Amount = bigString(a.Amount)
	case TxTypeCreateOrder:
		p.Give = a.Give.Hex()
		p.Get = a.Get.Hex()
		p.Amount = bigString(a.Amount)
		p.PriceNum = bigString(a.PriceNum)
		p.PriceDen = bigString(a.PriceDen)
	case TxTypeCancelOrder:
		p.OrderID = bigString(a.OrderID)
	case TxTypeExecuteOrder:
		p.OrderID = bigString(a.OrderID)
		p.Amount = bigString(a.Amount)
	}
	return &SignedTransaction{
		Type:      txType,
		Action:    p,
		Signature: fmt.Sprintf("0x%x", signature),
	}, nil
}

// Serialize converts transaction to JSON bytes
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into a transaction
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &tx, nil
}

// Validate checks that the transaction is complete and well formed
func (tx *SignedTransaction) Validate() error {
	if _, err := tx.ToEIP712Action(); err != nil {
		return err
	}
	if _, err := decodeSignature(tx.Signature); err != nil {
		return err
	}
	return nil
}

// ParseTransaction deserializes and validates a transaction
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return tx, nil
}

// decode turns a checked action into engine types
func decode(txType TxType, a *crypto.Action) (*Request, error) {
	r := &Request{
		Type:    txType,
		Owner:   a.Owner,
		Nonce:   a.Nonce.Uint64(),
		Asset:   asset.FromAddress(a.Asset),
		Give:    asset.FromAddress(a.Give),
		Get:     asset.FromAddress(a.Get),
		OrderID: bigUint64(a.OrderID),
		Payment: a.Payment,
	}
	var overflow bool
	for _, f := range []struct {
		dst **uint256.Int
		src *big.Int
	}{{&r.Amount, a.Amount}, {&r.PriceNum, a.PriceNum}, {&r.PriceDen, a.PriceDen}} {
		if f.src == nil {
			continue
		}
		*f.dst, overflow = uint256.FromBig(f.src)
		if overflow {
			return nil, fmt.Errorf("%w: value exceeds 256 bits", ErrMalformed)
		}
	}
	return r, nil
}

func parseAddress(field, s string, nonZero bool) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid %s address %q", ErrMalformed, field, s)
	}
	addr := common.HexToAddress(s)
	if nonZero && addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: zero %s address", ErrMalformed, field)
	}
	return addr, nil
}

func parseHash(field, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: invalid %s hash %q", ErrMalformed, field, s)
	}
	h := common.BytesToHash(b)
	if h == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("%w: zero %s hash", ErrMalformed, field)
	}
	return h, nil
}

func parseNumber(field, s string, bits int) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, field)
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, fmt.Errorf("%w: invalid %s %q", ErrMalformed, field, s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: invalid %s %q", ErrMalformed, field, s)
	}
	if n.BitLen() > bits {
		return nil, fmt.Errorf("%w: %s exceeds %d bits", ErrMalformed, field, bits)
	}
	return n, nil
}

func bigString(n *big.Int) string {
	if n == nil {
		return ""
	}
	return n.String()
}

func bigUint64(n *big.Int) uint64 {
	if n == nil {
		return 0
	}
	return n.Uint64()
}
