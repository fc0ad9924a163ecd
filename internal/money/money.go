// Package money is the only place in the codebase allowed to do arithmetic
// on monetary values. Amounts are paise (1/100 rupee) held in a defined
// integer type so they cannot be mixed with raw ints or concatenated as
// strings at API boundaries.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Paise is an amount in minor units. 100 paise = 1 rupee.
type Paise int64

// MaxSafe is the largest amount Parse/Format round-trip without loss.
const MaxSafe Paise = math.MaxInt64

var (
	ErrOverflow = errors.New("money: amount overflow")
	ErrNegative = errors.New("money: negative amount")
	ErrMalformed = errors.New("money: malformed amount")
)

// Format renders an amount as a rupee string, e.g. 50000 -> "500.00".
func Format(m Paise) string {
	sign := ""
	if m < 0 {
		sign = "-"
		if m == math.MinInt64 {
			// Cannot negate MinInt64; spell it out digit-exact.
			return "-92233720368547758.08"
		}
		m = -m
	}
	return fmt.Sprintf("%s%d.%02d", sign, int64(m)/100, int64(m)%100)
}

// Parse reads a rupee string into paise. The grammar is digits with an
// optional decimal point followed by one or two paise digits: "500",
// "500.5", "500.50". Negative amounts are rejected.
func Parse(s string) (Paise, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrMalformed
	}
	if strings.HasPrefix(s, "-") {
		return 0, ErrNegative
	}
	whole := s
	frac := "0"
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		switch len(frac) {
		case 1:
			frac += "0"
		case 2:
		default:
			return 0, ErrMalformed
		}
	} else {
		frac = "00"
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, ErrMalformed
	}
	if w > (math.MaxInt64-f)/100 {
		return 0, ErrOverflow
	}
	return Paise(w*100 + f), nil
}

// Add returns a+b, failing on signed overflow.
func Add(a, b Paise) (Paise, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b, failing when the result would be negative.
func Sub(a, b Paise) (Paise, error) {
	if b > a {
		return 0, ErrNegative
	}
	return a - b, nil
}
