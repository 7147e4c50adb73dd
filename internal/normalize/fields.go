package normalize

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// LocationCodeWidth is the minimum width of a normalized EKATTE code.
const LocationCodeWidth = 5

// LocationCode keeps the leading run of digits of raw and left-pads it with
// zeros to LocationCodeWidth. "68134-01" becomes "68134" and "702" becomes
// "00702". Longer runs are kept whole.
func LocationCode(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 0 {
		return "", fmt.Errorf("invalid location code: %q", raw)
	}
	code := raw[:end]
	if len(code) >= LocationCodeWidth {
		return code, nil
	}
	return strings.Repeat("0", LocationCodeWidth-len(code)) + code, nil
}

// ParsePrice parses an optional non-negative decimal price. A blank value
// is absent, not an error.
func ParsePrice(field, raw string) (decimal.NullDecimal, *RowError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}, &RowError{Field: field, Reason: fmt.Sprintf("invalid %s: %q", field, raw)}
	}
	if d.IsNegative() {
		return decimal.NullDecimal{}, &RowError{Field: field, Reason: fmt.Sprintf("negative %s: %q", field, raw)}
	}
	return decimal.NewNullDecimal(d), nil
}
