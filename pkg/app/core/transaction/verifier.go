package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/uhyunpark/youstock/pkg/crypto"
)

var (
	ErrBadSignature   = errors.New("invalid signature")
	ErrSignerMismatch = errors.New("signer is not the owner")
	ErrStaleNonce     = errors.New("nonce already used")
)

// Verifier authenticates signed transactions and consumes their nonces
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
	nonces       *NonceTracker
}

// NewVerifier creates a verifier for domain with a fresh nonce tracker
func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{
		eip712Signer: crypto.NewEIP712Signer(domain),
		nonces:       NewNonceTracker(),
	}
}

// Domain returns the EIP-712 domain requests must be signed under
func (v *Verifier) Domain() crypto.EIP712Domain {
	return v.eip712Signer.Domain()
}

// Nonces exposes the tracker, e.g. for the last-nonce endpoint
func (v *Verifier) Nonces() *NonceTracker {
	return v.nonces
}

// Verify checks that tx was signed by its owner and that its nonce is fresh,
// then returns the decoded request. The nonce is consumed only once the
// signature checks out.
func (v *Verifier) Verify(tx *SignedTransaction) (*Request, error) {
	action, err := tx.ToEIP712Action()
	if err != nil {
		return nil, err
	}
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return nil, err
	}

	signer, err := v.eip712Signer.Recover(action, sigBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != action.Owner {
		return nil, fmt.Errorf("%w: recovered %s, owner %s", ErrSignerMismatch, signer.Hex(), action.Owner.Hex())
	}

	req, err := decode(tx.Type, action)
	if err != nil {
		return nil, err
	}
	if err := v.nonces.Use(req.Owner, req.Nonce); err != nil {
		return nil, err
	}
	return req, nil
}

// RecoverSigner returns the address that signed tx without checking the owner or nonce
func (v *Verifier) RecoverSigner(tx *SignedTransaction) (common.Address, error) {
	action, err := tx.ToEIP712Action()
	if err != nil {
		return common.Address{}, err
	}
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, err
	}
	return v.eip712Signer.Recover(action, sigBytes)
}

// NonceTracker remembers the highest nonce accepted per owner.
// State is in memory only; clients sign with millisecond timestamps, so
// nonces keep increasing across a restart.
type NonceTracker struct {
	mu   sync.Mutex
	last map[common.Address]uint64
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{last: make(map[common.Address]uint64)}
}

// Use accepts nonce if it is strictly greater than the owner's last one
func (n *NonceTracker) Use(owner common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.last[owner]; ok && nonce <= last {
		return fmt.Errorf("%w: %d, last %d", ErrStaleNonce, nonce, last)
	}
	n.last[owner] = nonce
	return nil
}

// Last returns the owner's highest accepted nonce
func (n *NonceTracker) Last(owner common.Address) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	last, ok := n.last[owner]
	return last, ok
}

// decodeSignature decodes hex-encoded signature (with or without 0x prefix)
func decodeSignature(sig string) ([]byte, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hex: %v", ErrBadSignature, err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("%w: must be 65 bytes, got %d", ErrBadSignature, len(sigBytes))
	}
	return sigBytes, nil
}
