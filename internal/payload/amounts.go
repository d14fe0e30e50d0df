package payload

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// FieldCurrency is the ISO 4217 currency column.
const FieldCurrency = "currency"

// amountFields lists the monetary columns of each entity collection.
var amountFields = map[string][]string{
	"transactions": {"amount"},
	"banks":        {"balance"},
	"cards":        {"credit_limit", "balance"},
	"goals":        {"target_amount", "current_amount"},
	"debts":        {"amount", "paid_amount"},
	"categories":   {"budget"},
}

// AmountFields returns the monetary columns of an entity collection.
func AmountFields(entity string) []string {
	return amountFields[entity]
}

// NormalizeAmounts rewrites the monetary columns of o as fixed-point numbers
// with the currency's minor-unit precision (2 when no currency is set), and
// upper-cases and checks the currency code. Amounts with more significant
// decimal places than the currency allows are rejected, never rounded.
// Absent columns are left alone so partial updates stay partial.
func NormalizeAmounts(entity string, o Object) error {
	places := int32(2)
	if raw, ok := o[FieldCurrency]; ok && raw != nil {
		code, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%s: expected string, got %T", FieldCurrency, raw)
		}
		code = strings.ToUpper(strings.TrimSpace(code))
		cur := money.GetCurrency(code)
		if cur == nil {
			return fmt.Errorf("%s: unknown currency %q", FieldCurrency, code)
		}
		o[FieldCurrency] = code
		places = int32(cur.Fraction)
	}

	for _, field := range amountFields[entity] {
		raw, ok := o[field]
		if !ok || raw == nil {
			continue
		}
		d, err := toDecimal(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if !d.Equal(d.Truncate(places)) {
			return fmt.Errorf("%s: %s has more than %d decimal places", field, d.String(), places)
		}
		o[field] = json.Number(d.StringFixed(places))
	}
	return nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch val := v.(type) {
	case json.Number:
		return decimal.NewFromString(string(val))
	case string:
		return decimal.NewFromString(strings.TrimSpace(val))
	case float64:
		return decimal.NewFromFloat(val), nil
	case int:
		return decimal.NewFromInt(int64(val)), nil
	case int64:
		return decimal.NewFromInt(val), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("expected a number, got %T", v)
	}
}
