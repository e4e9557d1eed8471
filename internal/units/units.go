// Package units implements overflow-checked integer arithmetic on token and
// share quantities.
//
// Quantities are decimal.Decimal values restricted to whole numbers inside the
// signed 128-bit range. Every operation that could leave that range, produce a
// fraction or divide by zero returns an error instead of wrapping.
package units

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// MaxInt128 is the largest representable quantity.
	MaxInt128 = decimal.RequireFromString("170141183460469231731687303715884105727")
	// MinInt128 is the smallest representable quantity.
	MinInt128 = decimal.RequireFromString("-170141183460469231731687303715884105728")

	// BPSDivisor is the basis-point denominator (10000 = 100%).
	BPSDivisor = decimal.NewFromInt(10000)
)

var (
	ErrOverflow       = errors.New("units: arithmetic overflow")
	ErrNotInteger     = errors.New("units: quantity is not a whole number")
	ErrDivisionByZero = errors.New("units: division by zero")
)

// Check verifies that d is a whole number inside the int128 range.
func Check(d decimal.Decimal) (decimal.Decimal, error) {
	if !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotInteger, d.String())
	}
	if d.GreaterThan(MaxInt128) || d.LessThan(MinInt128) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return d, nil
}

// Parse parses a base-10 integer quantity.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("units: parse %q: %w", s, err)
	}
	return Check(d)
}

// Add returns a+b.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Add(b))
}

// Sub returns a-b.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Sub(b))
}

// Mul returns a*b.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	return Check(a.Mul(b))
}

// QuoRem returns the quotient truncated toward zero and the remainder of a/b,
// so that a == q*b + r and r has the sign of a.
func QuoRem(a, b decimal.Decimal) (q, r decimal.Decimal, err error) {
	if b.IsZero() {
		return decimal.Zero, decimal.Zero, ErrDivisionByZero
	}
	if _, err := Check(a); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if _, err := Check(b); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	q, r = a.QuoRem(b, 0)
	if q, err = Check(q); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return q, r, nil
}

// MulDiv returns a*b/c truncated toward zero. The product must itself fit.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	prod, err := Mul(a, b)
	if err != nil {
		return decimal.Zero, err
	}
	q, _, err := QuoRem(prod, c)
	return q, err
}

// MulDivCeil returns a*b/c rounded up for non-negative operands.
func MulDivCeil(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	prod, err := Mul(a, b)
	if err != nil {
		return decimal.Zero, err
	}
	q, r, err := QuoRem(prod, c)
	if err != nil {
		return decimal.Zero, err
	}
	if r.IsZero() {
		return q, nil
	}
	return Add(q, decimal.NewFromInt(1))
}

// SubFloorZero returns a-b, or zero when the difference would be negative.
func SubFloorZero(a, b decimal.Decimal) (decimal.Decimal, error) {
	d, err := Sub(a, b)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, nil
	}
	return d, nil
}
