package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	maxDisplayDecimals = 8
	largeValueDecimals = 2
)

var largeValueThreshold = decimal.NewFromInt(1000)

// FormatNumber rounds v to maxDecimals, drops trailing zeros and inserts
// thousands separators: 1234.5000 -> "1,234.5".
func FormatNumber(v decimal.Decimal, maxDecimals int) string {
	if maxDecimals < 0 {
		maxDecimals = 0
	}
	s := v.Round(int32(maxDecimals)).StringFixed(int32(maxDecimals))
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	if s == "-0" {
		s = "0"
	}
	return addThousandsSeparators(s)
}

// FormatPriceValue renders a display price. Values of 1000 and above always
// get exactly two fractional digits; smaller values use up to
// min(decimals, 8) digits with trailing zeros trimmed.
func FormatPriceValue(v decimal.Decimal, decimals uint8) string {
	if v.Abs().GreaterThanOrEqual(largeValueThreshold) {
		return addThousandsSeparators(v.StringFixed(largeValueDecimals))
	}
	return FormatNumber(v, displayDecimals(decimals))
}

// FormatSizeValue renders a display size with up to min(decimals, 8)
// fractional digits.
func FormatSizeValue(v decimal.Decimal, decimals uint8) string {
	return FormatNumber(v, displayDecimals(decimals))
}

// FormatPrice converts atoms and renders them with FormatPriceValue.
func FormatPrice(atoms string, decimals uint8) (string, error) {
	v, err := ToDisplayValue(atoms, decimals)
	if err != nil {
		return "", err
	}
	return FormatPriceValue(v, decimals), nil
}

// FormatSize converts atoms and renders them with FormatSizeValue.
func FormatSize(atoms string, decimals uint8) (string, error) {
	v, err := ToDisplayValue(atoms, decimals)
	if err != nil {
		return "", err
	}
	return FormatSizeValue(v, decimals), nil
}

func displayDecimals(decimals uint8) int {
	if int(decimals) < maxDisplayDecimals {
		return int(decimals)
	}
	return maxDisplayDecimals
}

func addThousandsSeparators(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	b.WriteString(sign)
	lead := len(intPart) % 3
	if lead == 0 {
		lead = 3
	}
	b.WriteString(intPart[:lead])
	for i := lead; i < len(intPart); i += 3 {
		b.WriteByte(',')
		b.WriteString(intPart[i : i+3])
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
