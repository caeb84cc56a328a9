package cli

import (
	"fmt"
	"strings"

	"agon/internal/economy"

	"github.com/shopspring/decimal"
)

var microsPerUnit = decimal.NewFromInt(economy.MicrosPerUnit)

// ParseAmount turns a user-typed decimal such as "12.5" or "1,000" into
// micros. More than six decimal places is rejected rather than rounded.
func ParseAmount(raw string) (int64, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("amount must be positive")
	}
	micros := d.Mul(microsPerUnit)
	if !micros.Equal(micros.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more than 6 decimal places", raw)
	}
	if micros.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, fmt.Errorf("amount %q is too large", raw)
	}
	return micros.IntPart(), nil
}

// FormatMicros renders micros with two decimals and thousands separators.
func FormatMicros(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole := v / economy.MicrosPerUnit
	frac := (v % economy.MicrosPerUnit) / 10_000
	return fmt.Sprintf("%s%s.%02d", sign, comma(whole), frac)
}

func comma(v int64) string {
	s := fmt.Sprintf("%d", v)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}
