package asset

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind distinguishes the chain's native currency from fungible-token contracts
type Kind uint8

const (
	KindNative Kind = iota
	KindToken
)

func (k Kind) String() string {
	switch k {
	case KindNative:
		return "native"
	case KindToken:
		return "token"
	default:
		return "unknown"
	}
}

// Ref identifies an asset held by the exchange.
// Comparable, so it is used directly as a map key.
type Ref struct {
	Kind  Kind
	Token common.Address // zero for KindNative
}

// Native returns the reference to the chain's native currency
func Native() Ref {
	return Ref{Kind: KindNative}
}

// Token returns the reference to an ERC-20 style contract.
// The zero address is reserved for the native currency and maps to Native().
func Token(addr common.Address) Ref {
	if addr == (common.Address{}) {
		return Native()
	}
	return Ref{Kind: KindToken, Token: addr}
}

// FromAddress maps the wire representation (zero address = native) to a Ref
func FromAddress(addr common.Address) Ref {
	return Token(addr)
}

// IsNative reports whether r is the native currency
func (r Ref) IsNative() bool {
	return r.Kind == KindNative
}

// Address returns the wire representation of r: the token contract,
// or the zero address for the native currency.
func (r Ref) Address() common.Address {
	if r.IsNative() {
		return common.Address{}
	}
	return r.Token
}

func (r Ref) String() string {
	if r.IsNative() {
		return "native"
	}
	return r.Token.Hex()
}

// Parse accepts "native", "0x0", "" or a 20-byte hex address
func Parse(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "native", "0x0", "0x":
		return Native(), nil
	}
	if !common.IsHexAddress(s) {
		return Ref{}, fmt.Errorf("invalid asset reference: %q", s)
	}
	return Token(common.HexToAddress(s)), nil
}
