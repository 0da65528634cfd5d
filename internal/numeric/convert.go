// Package numeric converts between atoms (integer strings scaled by a
// token's decimals) and display values without going through float64.
package numeric

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidAtoms is returned for atoms strings that are not
	// non-negative base-10 integers.
	ErrInvalidAtoms = errors.New("invalid atoms value")
	// ErrInvalidNumber is returned for display values that cannot be parsed.
	ErrInvalidNumber = errors.New("invalid display value")
	// ErrPrecisionLoss is returned when a display value has more fractional
	// digits than the token supports.
	ErrPrecisionLoss = errors.New("precision loss")
	// ErrInvalidStep is returned for a zero or malformed tick or lot size.
	ErrInvalidStep = errors.New("invalid tick or lot size")
)

// ParseAtoms parses a non-negative integer string of arbitrary length.
func ParseAtoms(atoms string) (decimal.Decimal, error) {
	if !isDigits(atoms) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAtoms, atoms)
	}
	d, err := decimal.NewFromString(atoms)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidAtoms, atoms, err)
	}
	return d, nil
}

// ToDisplayValue scales atoms down by 10^decimals. The result is exact.
func ToDisplayValue(atoms string, decimals uint8) (decimal.Decimal, error) {
	d, err := ParseAtoms(atoms)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-int32(decimals)), nil
}

// ToDisplayFloat is ToDisplayValue converted to the nearest float64.
func ToDisplayFloat(atoms string, decimals uint8) (float64, error) {
	d, err := ToDisplayValue(atoms, decimals)
	if err != nil {
		return 0, err
	}
	return d.InexactFloat64(), nil
}

// ToRawValue converts a non-negative decimal string such as "12.5" to atoms.
// The integer and fractional parts are scaled separately; a fractional part
// longer than decimals (after trailing zeros) fails with ErrPrecisionLoss.
func ToRawValue(display string, decimals uint8) (string, error) {
	s := strings.TrimSpace(display)
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNumber)
	}

	intPart, fracPart, hasDot := strings.Cut(s, ".")
	if intPart == "" && hasDot {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, display)
	}

	fracPart = strings.TrimRight(fracPart, "0")
	if len(fracPart) > int(decimals) {
		return "", fmt.Errorf("%w: %q has %d fractional digits, token supports %d", ErrPrecisionLoss, display, len(fracPart), decimals)
	}
	fracPart += strings.Repeat("0", int(decimals)-len(fracPart))

	raw := strings.TrimLeft(intPart+fracPart, "0")
	if raw == "" {
		raw = "0"
	}
	return raw, nil
}

// ToRawValueFloat converts a float64 display value to atoms using its
// shortest exact decimal representation.
func ToRawValueFloat(v float64, decimals uint8) (string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidNumber, v)
	}
	return ToRawValue(strconv.FormatFloat(v, 'f', -1, 64), decimals)
}

// ToRawDecimal converts a display decimal to atoms.
func ToRawDecimal(v decimal.Decimal, decimals uint8) (string, error) {
	if v.IsNegative() {
		return "", fmt.Errorf("%w: %s", ErrInvalidNumber, v.String())
	}
	return ToRawValue(v.String(), decimals)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
