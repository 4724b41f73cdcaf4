package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key pair and its Ethereum address
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random key pair
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex loads a hex-encoded private key, with or without 0x
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address derived from the public key
func (s *Signer) Address() common.Address {
	return s.address
}

// PrivateKey exposes the key for on-chain transaction signing
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.privateKey
}

// PrivateKeyHex returns the private key as hex WITHOUT 0x.
// Never log it.
func (s *Signer) PrivateKeyHex() string {
	return fmt.Sprintf("%x", crypto.FromECDSA(s.privateKey))
}

// Sign signs a 32-byte hash and returns [R || S || V] with V in {0, 1}
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// SignMessage hashes message with Keccak256 and signs the digest
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	return s.Sign(crypto.Keccak256(message))
}

// RecoverAddress recovers the signer's address from a hash and signature.
// Wallet signatures with V in {27, 28} are accepted.
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}

	sig := signature
	if sig[64] >= 27 {
		sig = append([]byte(nil), signature...)
		sig[64] -= 27
	}

	publicKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// VerifySignature reports whether address produced signature over hash
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	return err == nil && recovered == address
}

// NextNonce returns a millisecond timestamp, which stays strictly increasing
// per owner as long as a client signs fewer than one request per millisecond
func NextNonce() uint64 {
	return uint64(time.Now().UnixMilli())
}
