package dex

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// FormatAmount renders a base-unit integer as a human string: values under
// 0.01 in scientific notation with 4 significant digits, under 1000 as
// 4-decimal fixed, anything larger thousands-grouped with 2 decimals.
func FormatAmount(raw *big.Int, decimals uint8) string {
	if raw == nil || raw.Sign() == 0 {
		return "0.0000"
	}

	value := ToFloat(raw, decimals)
	return FormatHuman(value)
}

// FormatHuman applies the display rules to an already-scaled value.
func FormatHuman(value float64) string {
	abs := value
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs == 0:
		return "0.0000"
	case abs < 0.01:
		return strconv.FormatFloat(value, 'e', 3, 64)
	case abs < 1000:
		return strconv.FormatFloat(value, 'f', 4, 64)
	default:
		return groupThousands(value)
	}
}

// ToFloat divides a base-unit integer by 10^decimals.
func ToFloat(raw *big.Int, decimals uint8) float64 {
	denom := new(big.Float).SetInt(new(big.Int).Exp(
		big.NewInt(10), big.NewInt(int64(decimals)), nil))
	result, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), denom).Float64()
	return result
}

func groupThousands(value float64) string {
	fixed := strconv.FormatFloat(value, 'f', 2, 64)
	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign = "-"
		fixed = fixed[1:]
	}
	parts := strings.SplitN(fixed, ".", 2)
	whole := parts[0]

	var grouped strings.Builder
	for i, digit := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			grouped.WriteByte(',')
		}
		grouped.WriteRune(digit)
	}
	return fmt.Sprintf("%s%s.%s", sign, grouped.String(), parts[1])
}
