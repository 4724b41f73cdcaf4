package price

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPrice = errors.New("invalid price")
	// ErrConversionOverflow is an ErrInvalidPrice: the price cannot settle in 256 bits
	ErrConversionOverflow = fmt.Errorf("%w: conversion overflows 256 bits", ErrInvalidPrice)
)

// Fraction is an exact exchange rate: one base unit of the give asset is worth
// Num/Den base units of the get asset. Both parts are strictly positive.
type Fraction struct {
	Num uint256.Int
	Den uint256.Int
}

// New validates and builds a fraction. A zero numerator is a zero price,
// a zero denominator an infinite one; both are rejected.
func New(num, den *uint256.Int) (Fraction, error) {
	if num == nil || num.IsZero() {
		return Fraction{}, fmt.Errorf("%w: numerator must be positive", ErrInvalidPrice)
	}
	if den == nil || den.IsZero() {
		return Fraction{}, fmt.Errorf("%w: denominator must be positive", ErrInvalidPrice)
	}
	var f Fraction
	f.Num.Set(num)
	f.Den.Set(den)
	return f, nil
}

// MustNew is New for constants known to be valid
func MustNew(num, den uint64) Fraction {
	f, err := New(uint256.NewInt(num), uint256.NewInt(den))
	if err != nil {
		panic(err)
	}
	return f
}

// Convert returns floor(give * Num / Den). The product is formed in 512 bits,
// so only a quotient that itself exceeds 256 bits is an error.
func (f Fraction) Convert(give *uint256.Int) (*uint256.Int, error) {
	if f.Den.IsZero() {
		return nil, fmt.Errorf("%w: denominator must be positive", ErrInvalidPrice)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(give, &f.Num, &f.Den)
	if overflow {
		return nil, ErrConversionOverflow
	}
	return out, nil
}

// Inverse flips the direction of the rate (get -> give)
func (f Fraction) Inverse() Fraction {
	return Fraction{Num: f.Den, Den: f.Num}
}

// Reduce divides both parts by their greatest common divisor
func (f Fraction) Reduce() Fraction {
	n, d := f.Num.ToBig(), f.Den.ToBig()
	g := new(big.Int).GCD(nil, nil, n, d)
	if g.Sign() == 0 || g.Cmp(big.NewInt(1)) == 0 {
		return f
	}
	var out Fraction
	out.Num.SetFromBig(n.Quo(n, g))
	out.Den.SetFromBig(d.Quo(d, g))
	return out
}

// Cmp compares the rates as rationals: -1 if f < o, 0 if equal, +1 if f > o
func (f Fraction) Cmp(o Fraction) int {
	left := new(big.Int).Mul(f.Num.ToBig(), o.Den.ToBig())
	right := new(big.Int).Mul(o.Num.ToBig(), f.Den.ToBig())
	return left.Cmp(right)
}

// Equal compares the rates as rationals (2/4 == 1/2)
func (f Fraction) Equal(o Fraction) bool {
	return f.Cmp(o) == 0
}

func (f Fraction) String() string {
	return f.Num.Dec() + "/" + f.Den.Dec()
}

// FromDecimal turns a human price ("1.1 ETH per STN") into a base-unit fraction.
// giveDecimals/getDecimals are the precisions of the two assets, so
// 1.1 with (4, 18) becomes 11*10^13 / 1. No floating point is involved.
func FromDecimal(p decimal.Decimal, giveDecimals, getDecimals int32) (Fraction, error) {
	if p.Sign() <= 0 {
		return Fraction{}, fmt.Errorf("%w: price must be positive, got %s", ErrInvalidPrice, p)
	}

	num := new(big.Int).Set(p.Coefficient())
	den := big.NewInt(1)
	exp := int64(p.Exponent()) + int64(getDecimals) - int64(giveDecimals)
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(absInt64(exp)), nil)
	if exp >= 0 {
		num.Mul(num, scale)
	} else {
		den.Mul(den, scale)
	}

	g := new(big.Int).GCD(nil, nil, num, den)
	num.Quo(num, g)
	den.Quo(den, g)

	n, overflow := uint256.FromBig(num)
	if overflow {
		return Fraction{}, fmt.Errorf("%w: numerator overflows 256 bits", ErrInvalidPrice)
	}
	d, overflow := uint256.FromBig(den)
	if overflow {
		return Fraction{}, fmt.Errorf("%w: denominator overflows 256 bits", ErrInvalidPrice)
	}
	return New(n, d)
}

// Parse reads "num/den" (or a bare integer meaning num/1)
func Parse(s string) (Fraction, error) {
	numStr, denStr := s, "1"
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			numStr, denStr = s[:i], s[i+1:]
			break
		}
	}
	num, err := uint256.FromDecimal(numStr)
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: numerator %q: %v", ErrInvalidPrice, numStr, err)
	}
	den, err := uint256.FromDecimal(denStr)
	if err != nil {
		return Fraction{}, fmt.Errorf("%w: denominator %q: %v", ErrInvalidPrice, denStr, err)
	}
	return New(num, den)
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
