package asset

import (
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Info is display metadata for an asset. The engine itself works in base
// units only; decimals matter for formatting and for human price input.
type Info struct {
	Symbol   string // e.g. "ETH", "STN"
	Ref      Ref
	Decimals int32 // ETH: 18, STN: 4
}

// Format renders a base-unit amount as a decimal string (1234 with 4 decimals -> "0.1234")
func (i Info) Format(amount *uint256.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount.ToBig(), -i.Decimals).String()
}

// ToBaseUnits converts a human amount ("0.1234") to base units.
// Fractions finer than the asset's precision are rejected.
func (i Info) ToBaseUnits(human decimal.Decimal) (*uint256.Int, error) {
	if human.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", human)
	}
	scaled := human.Shift(i.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals of %s", human, i.Decimals, i.Symbol)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", human)
	}
	return out, nil
}

// Registry holds asset metadata in a thread-safe manner
type Registry struct {
	mu       sync.RWMutex
	bySymbol map[string]*Info
	byRef    map[Ref]*Info
}

// NewRegistry creates a registry that already knows the native currency
func NewRegistry(nativeSymbol string, nativeDecimals int32) *Registry {
	r := &Registry{
		bySymbol: make(map[string]*Info),
		byRef:    make(map[Ref]*Info),
	}
	native := &Info{Symbol: nativeSymbol, Ref: Native(), Decimals: nativeDecimals}
	r.bySymbol[native.Symbol] = native
	r.byRef[native.Ref] = native
	return r
}

// Register adds a token.
// Returns error if the symbol or the reference is already taken.
func (r *Registry) Register(info Info) error {
	if info.Symbol == "" {
		return fmt.Errorf("asset symbol is required")
	}
	if info.Decimals < 0 || info.Decimals > 77 {
		return fmt.Errorf("asset %s: decimals out of range: %d", info.Symbol, info.Decimals)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySymbol[info.Symbol]; exists {
		return fmt.Errorf("asset %s already registered", info.Symbol)
	}
	if existing, exists := r.byRef[info.Ref]; exists {
		return fmt.Errorf("asset %s already registered as %s", info.Ref, existing.Symbol)
	}

	cp := info
	r.bySymbol[cp.Symbol] = &cp
	r.byRef[cp.Ref] = &cp
	return nil
}

// BySymbol looks up an asset by ticker
func (r *Registry) BySymbol(symbol string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.bySymbol[symbol]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Lookup returns metadata for ref. Unregistered tokens get a placeholder
// with zero decimals so callers can still render raw base units.
func (r *Registry) Lookup(ref Ref) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byRef[ref]
	if !ok {
		return Info{Symbol: ref.String(), Ref: ref}, false
	}
	return *info, true
}

// List returns all registered assets, native first, then by symbol
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.byRef))
	for _, info := range r.byRef {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ref.IsNative() != out[j].Ref.IsNative() {
			return out[i].Ref.IsNative()
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// Count returns the number of registered assets (native included)
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRef)
}
