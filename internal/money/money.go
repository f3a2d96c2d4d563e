// Package money implements exact integer conversion between the three value
// units used by the refund engine: yuan (two-decimal display strings), cents
// (1/100 yuan, signed big integer) and quota (internal credit unit).
//
// All value-carrying arithmetic goes through big.Int. Floating point is never
// used: user quota balances can exceed 2^53 and a single lost unit breaks the
// reconciliation invariants.
package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// QuotaPerCent is the fixed exchange ratio: 1 cent = 5000 quota,
// so 1 yuan = 500000 quota.
const QuotaPerCent = 5000

var (
	// ErrInvalidAmount occurs when a yuan string cannot be parsed.
	ErrInvalidAmount = errors.New("money: invalid amount")

	// ErrInvalidFeePercent occurs when a fee percentage is malformed or out of range.
	ErrInvalidFeePercent = errors.New("money: invalid fee percent")

	quotaPerCent = big.NewInt(QuotaPerCent)
	oneHundred   = big.NewInt(100)
)

// ParseYuanToCents parses a yuan decimal string into cents.
//
// Accepted shape: optional leading minus, a decimal integer part, and zero to
// two fractional digits. Digits beyond the second fractional place are
// truncated, never rounded ("10.509" parses as 1050 cents). Empty input fails.
func ParseYuanToCents(s string) (*big.Int, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty input", ErrInvalidAmount)
	}

	negative := false
	if strings.HasPrefix(raw, "-") {
		negative = true
		raw = raw[1:]
	}
	if raw == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	intPart := raw
	fracPart := ""
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		intPart = raw[:dot]
		fracPart = raw[dot+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if intPart == "" || !isDigits(intPart) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if fracPart != "" && !isDigits(fracPart) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	// Truncate to cent precision.
	if len(fracPart) > 2 {
		fracPart = fracPart[:2]
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	cents, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if negative {
		cents.Neg(cents)
	}
	return cents, nil
}

// FormatCentsToYuan renders cents as a yuan string with exactly two
// fractional digits, preserving the sign ("-3" → "-0.03").
func FormatCentsToYuan(c *big.Int) string {
	if c == nil {
		return "0.00"
	}
	abs := new(big.Int).Abs(c)
	quo, rem := new(big.Int).QuoRem(abs, oneHundred, new(big.Int))

	sign := ""
	if c.Sign() < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%02d", sign, quo.String(), rem.Int64())
}

// CentsToQuota converts cents to quota units (exact, ×5000).
func CentsToQuota(c *big.Int) *big.Int {
	return new(big.Int).Mul(c, quotaPerCent)
}

// QuotaToCentsFloor converts quota to cents with integer floor division.
// This is the only place value may shrink; the truncated residue is at most
// 4999 quota (one cent minus one unit).
func QuotaToCentsFloor(q *big.Int) *big.Int {
	return new(big.Int).Quo(q, quotaPerCent)
}

// QuotaToYuan renders a quota balance as a yuan display string.
func QuotaToYuan(q *big.Int) string {
	return FormatCentsToYuan(QuotaToCentsFloor(q))
}

// ParseFeePercent parses a fee percentage string into integer basis points.
// Empty input returns defaultBps. The value must be 0–100 with at most two
// decimal places; the result is in [0, 10000].
func ParseFeePercent(s string, defaultBps int64) (int64, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return defaultBps, nil
	}

	intPart := raw
	fracPart := ""
	if dot := strings.IndexByte(raw, '.'); dot >= 0 {
		intPart = raw[:dot]
		fracPart = raw[dot+1:]
	}
	if intPart == "" || !isDigits(intPart) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFeePercent, s)
	}
	if fracPart != "" && (!isDigits(fracPart) || len(fracPart) > 2) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFeePercent, s)
	}
	for len(fracPart) < 2 {
		fracPart += "0"
	}

	bps, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok || !bps.IsInt64() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFeePercent, s)
	}
	v := bps.Int64()
	if v < 0 || v > 10000 {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidFeePercent, s)
	}
	return v, nil
}

// ApplyFeeBps returns gross × bps / 10000 with integer truncation.
func ApplyFeeBps(gross *big.Int, bps int64) *big.Int {
	fee := new(big.Int).Mul(gross, big.NewInt(bps))
	return fee.Quo(fee, big.NewInt(10000))
}

// MinInt returns the smaller of two big.Ints as a fresh value.
func MinInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// MaxZero clamps a value at zero from below, returning a fresh value.
func MaxZero(a *big.Int) *big.Int {
	if a.Sign() < 0 {
		return new(big.Int)
	}
	return new(big.Int).Set(a)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
