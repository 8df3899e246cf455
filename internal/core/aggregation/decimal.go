package aggregation

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// ExtractDecimal pulls a numeric value from the event's Data map by field name.
// Returns decimal.Zero if the field is missing, empty, or not a recognized numeric type.
func ExtractDecimal(data map[string]interface{}, field string) decimal.Decimal {
	if field == "" {
		return decimal.Zero
	}
	d, _ := ToDecimal(data[field])
	return d
}

// ToDecimal converts a raw event value into an exact decimal.
// JSON numbers unmarshal to float64 in Go, that is the common path.
// ok is false for nil and for values that are not numeric.
func ToDecimal(v interface{}) (d decimal.Decimal, ok bool) {
	switch val := v.(type) {
	case decimal.Decimal:
		return val, true
	case float64:
		return decimal.NewFromFloat(val), true
	case float32:
		return decimal.NewFromFloat32(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case int64:
		return decimal.NewFromInt(val), true
	case int32:
		return decimal.NewFromInt(int64(val)), true
	case json.Number:
		parsed, err := decimal.NewFromString(val.String())
		if err == nil {
			return parsed, true
		}
	case string:
		parsed, err := decimal.NewFromString(val)
		if err == nil {
			return parsed, true
		}
	}
	return decimal.Zero, false
}
