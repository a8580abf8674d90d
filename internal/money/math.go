// Package money provides arithmetic over string-encoded monetary amounts.
//
// Results are never rounded: they are truncated (exact mode) or floored
// (float mode) to the configured precision, so 10.0 - 0.1 at precision 0 is "9".
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPrecision is the number of decimal places used when none is configured.
const DefaultPrecision = 2

// ErrInvalidAmount is returned when an operand cannot be parsed as a decimal number.
var ErrInvalidAmount = errors.New("invalid amount")

// Math performs add/subtract on decimal strings. The zero value uses
// precision 0 in float mode; use New or Default for the usual configuration.
// Math is a value type and safe for concurrent use.
type Math struct {
	Precision int
	Exact     bool
}

// New returns a Math with the given precision and mode.
func New(precision int, exact bool) Math {
	return Math{Precision: precision, Exact: exact}
}

// Default returns exact arithmetic with two decimal places.
func Default() Math {
	return Math{Precision: DefaultPrecision, Exact: true}
}

// Add returns a + b.
func (m Math) Add(a, b string) (string, error) {
	if m.Exact {
		x, y, err := parsePair(a, b)
		if err != nil {
			return "", err
		}
		return m.format(x.Add(y)), nil
	}
	x, y, err := parseFloatPair(a, b)
	if err != nil {
		return "", err
	}
	return m.formatFloat(x + y), nil
}

// Subtract returns a - b.
func (m Math) Subtract(a, b string) (string, error) {
	if m.Exact {
		x, y, err := parsePair(a, b)
		if err != nil {
			return "", err
		}
		return m.format(x.Sub(y)), nil
	}
	x, y, err := parseFloatPair(a, b)
	if err != nil {
		return "", err
	}
	return m.formatFloat(x - y), nil
}

// Compare returns -1, 0 or 1 depending on whether a is less than, equal to
// or greater than b. Comparison is always exact.
func (m Math) Compare(a, b string) (int, error) {
	x, y, err := parsePair(a, b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// IsZero reports whether a equals zero.
func (m Math) IsZero(a string) (bool, error) {
	d, err := parse(a)
	if err != nil {
		return false, err
	}
	return d.IsZero(), nil
}

// Normalize formats a at the configured precision.
func (m Math) Normalize(a string) (string, error) {
	return m.Add(a, "0")
}

// ToMinor converts a to integer minor units with the given exponent,
// e.g. "12.22" with exponent 2 is 1222. Extra digits are truncated.
func ToMinor(a string, exponent int32) (int64, error) {
	d, err := parse(a)
	if err != nil {
		return 0, err
	}
	return d.Shift(exponent).IntPart(), nil
}

// FromMinor converts integer minor units back to a decimal string.
func FromMinor(v int64, exponent int32) string {
	return decimal.New(v, -exponent).StringFixed(exponent)
}

func (m Math) precision() int32 {
	return int32(max(0, m.Precision))
}

func (m Math) format(d decimal.Decimal) string {
	p := m.precision()
	return d.Truncate(p).StringFixed(p)
}

func (m Math) formatFloat(f float64) string {
	p := m.precision()
	exponent := math.Pow(10, float64(p))
	// floor first so FormatFloat has nothing left to round
	i := math.Floor(f*exponent) / exponent
	return strconv.FormatFloat(i, 'f', int(p), 64)
}

func parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

func parsePair(a, b string) (decimal.Decimal, decimal.Decimal, error) {
	x, err := parse(a)
	if err != nil {
		return x, decimal.Zero, err
	}
	y, err := parse(b)
	return x, y, err
}

func parseFloatPair(a, b string) (float64, float64, error) {
	x, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidAmount, a)
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidAmount, b)
	}
	return x, y, nil
}
