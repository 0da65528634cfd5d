package numeric

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RoundToTickSize rounds price to the nearest multiple of the market tick.
// Midpoints round up.
func RoundToTickSize(price decimal.Decimal, tickSizeAtoms string, quoteDecimals uint8) (decimal.Decimal, error) {
	return roundToStep(price, tickSizeAtoms, quoteDecimals)
}

// RoundToLotSize rounds size to the nearest multiple of the market lot.
// Midpoints round up.
func RoundToLotSize(size decimal.Decimal, lotSizeAtoms string, baseDecimals uint8) (decimal.Decimal, error) {
	return roundToStep(size, lotSizeAtoms, baseDecimals)
}

func roundToStep(value decimal.Decimal, stepAtoms string, decimals uint8) (decimal.Decimal, error) {
	step, err := stepDisplay(stepAtoms, decimals)
	if err != nil {
		return decimal.Zero, err
	}
	if value.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidNumber, value.String())
	}
	return value.DivRound(step, 0).Mul(step), nil
}

// DecimalPlaces returns the number of fractional digits needed to show a
// tick or lot size exactly. A tick of 10000 atoms at 6 decimals (0.01)
// needs 2.
func DecimalPlaces(stepAtoms string, decimals uint8) (int, error) {
	step, err := stepDisplay(stepAtoms, decimals)
	if err != nil {
		return 0, err
	}
	_, frac, _ := strings.Cut(step.String(), ".")
	return len(frac), nil
}

func stepDisplay(stepAtoms string, decimals uint8) (decimal.Decimal, error) {
	step, err := ToDisplayValue(stepAtoms, decimals)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidStep, err)
	}
	if step.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: zero", ErrInvalidStep)
	}
	return step, nil
}
