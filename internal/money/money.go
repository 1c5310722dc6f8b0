// Package money holds the fixed-point primitives used on every money path:
// shares in parts per billion and amounts in currency minor units.
// Nothing in here touches floating point.
package money

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ShareScale is the fixed-point denominator of a Share. A Share of
// ShareScale is the whole (1.0).
const ShareScale uint64 = 1_000_000_000

const shareDecimals = 9

var (
	ErrInvalidShare  = errors.New("money: invalid share")
	ErrInvalidAmount = errors.New("money: invalid amount")
)

// Share is a fraction in (0, 1] expressed in parts per ShareScale.
type Share uint64

// One is the full share.
const One = Share(ShareScale)

// ParseShare parses a decimal string such as "0.6" or "1" into a Share.
// At most nine fractional digits are accepted so the value is exact.
func ParseShare(s string) (Share, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidShare)
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > shareDecimals {
		return 0, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidShare, s, shareDecimals)
	}
	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidShare, s)
	}
	if w > 1 {
		return 0, fmt.Errorf("%w: %q exceeds 1", ErrInvalidShare, s)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac+strings.Repeat("0", shareDecimals-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidShare, s)
		}
	}
	v := w*ShareScale + f
	if v > ShareScale {
		return 0, fmt.Errorf("%w: %q exceeds 1", ErrInvalidShare, s)
	}
	return Share(v), nil
}

// MustShare is ParseShare for literals known to be valid.
func MustShare(s string) Share {
	v, err := ParseShare(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String renders the share as a minimal decimal string.
func (s Share) String() string {
	whole := uint64(s) / ShareScale
	frac := uint64(s) % ShareScale
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fs := fmt.Sprintf("%09d", frac)
	return strconv.FormatUint(whole, 10) + "." + strings.TrimRight(fs, "0")
}

func (s Share) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}

func (s *Share) UnmarshalJSON(raw []byte) error {
	str, err := strconv.Unquote(string(raw))
	if err != nil {
		str = string(raw)
	}
	v, err := ParseShare(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// currencyExponents lists the ISO 4217 currencies whose minor unit is not
// the usual two decimals.
var currencyExponents = map[string]int{
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
}

// NormalizeCurrency upper-cases and validates a three letter currency code.
func NormalizeCurrency(c string) (string, error) {
	c = strings.ToUpper(strings.TrimSpace(c))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: currency %q", ErrInvalidAmount, c)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: currency %q", ErrInvalidAmount, c)
		}
	}
	return c, nil
}

// Exponent returns the number of minor-unit decimals of a currency.
func Exponent(currency string) int {
	if e, ok := currencyExponents[currency]; ok {
		return e
	}
	return 2
}

// ParseAmount converts a decimal amount ("12.34") into minor units of the
// given currency. Excess precision is rejected rather than rounded.
func ParseAmount(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	if strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		return 0, fmt.Errorf("%w: %q must be an unsigned decimal", ErrInvalidAmount, value)
	}
	exp := Exponent(currency)
	whole, frac, hasDot := strings.Cut(value, ".")
	if hasDot && frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	if len(frac) > exp {
		return 0, fmt.Errorf("%w: %q has more than %d decimals for %s", ErrInvalidAmount, value, exp, currency)
	}
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
	}
	var f int64
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", exp-len(frac)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, value)
		}
	}
	scale := pow10(exp)
	if w > (math.MaxInt64-f)/scale {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidAmount, value)
	}
	return w*scale + f, nil
}

func pow10(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}
