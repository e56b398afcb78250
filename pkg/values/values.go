// Package values defines the typed value containers attached to claims.
//
// All numeric content is shopspring Decimal; nothing in this package touches
// float64. Serialization is lossless: decimals render as quoted strings and
// parse back to equal values, so a ValueStruct survives a round trip through
// JSON byte-for-byte in meaning.
package values

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates the value variants. The set is closed; parsers reject
// anything else rather than defaulting.
type Kind string

const (
	KindMonetary   Kind = "MONETARY"
	KindPercentage Kind = "PERCENTAGE"
	KindCount      Kind = "COUNT"
	KindDate       Kind = "DATE"
	KindRange      Kind = "RANGE"
	KindText       Kind = "TEXT"
)

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool {
	switch k {
	case KindMonetary, KindPercentage, KindCount, KindDate, KindRange, KindText:
		return true
	}
	return false
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// DateLayout is the wire format for date-valued fields.
const DateLayout = "2006-01-02"

// ValueStruct is the tagged union of claim values. Which fields are
// meaningful depends on Kind; Validate enforces the shape.
//
// Percentages are fractions: 1.0 means 100%. Values above 1.0 are rejected
// unless AllowOverflow is set (growth metrics above 100% are legitimate but
// must be opted into explicitly).
type ValueStruct struct {
	Kind Kind `json:"kind"`

	Amount   *decimal.Decimal `json:"amount,omitempty"`
	Currency string           `json:"currency,omitempty"`
	Unit     string           `json:"unit,omitempty"`

	Low  *decimal.Decimal `json:"low,omitempty"`
	High *decimal.Decimal `json:"high,omitempty"`

	Date string `json:"date,omitempty"`
	Text string `json:"text,omitempty"`

	TimeWindow    string `json:"time_window,omitempty"`
	AsOf          string `json:"as_of,omitempty"`
	AllowOverflow bool   `json:"allow_overflow,omitempty"`
}

// Monetary constructs a currency-denominated value.
func Monetary(amount decimal.Decimal, currency string) ValueStruct {
	return ValueStruct{Kind: KindMonetary, Amount: &amount, Currency: currency}
}

// Percentage constructs a fractional percentage value (1.0 == 100%).
func Percentage(fraction decimal.Decimal) ValueStruct {
	return ValueStruct{Kind: KindPercentage, Amount: &fraction}
}

// Count constructs a unitless or unit-tagged count.
func Count(n decimal.Decimal, unit string) ValueStruct {
	return ValueStruct{Kind: KindCount, Amount: &n, Unit: unit}
}

// Date constructs a calendar-date value.
func Date(d string) ValueStruct {
	return ValueStruct{Kind: KindDate, Date: d}
}

// Range constructs a bounded numeric range.
func Range(low, high decimal.Decimal, unit string) ValueStruct {
	return ValueStruct{Kind: KindRange, Low: &low, High: &high, Unit: unit}
}

// Text constructs a free-text value.
func Text(s string) ValueStruct {
	return ValueStruct{Kind: KindText, Text: s}
}

// Validate checks the variant shape. It returns a plain error; callers at
// the API boundary convert to the INVALID_REQUEST envelope.
func (v ValueStruct) Validate() error {
	if !v.Kind.Valid() {
		return fmt.Errorf("values: unknown kind %q", v.Kind)
	}
	if v.AsOf != "" {
		if _, err := time.Parse(DateLayout, v.AsOf); err != nil {
			return fmt.Errorf("values: as_of must be %s: %w", DateLayout, err)
		}
	}

	switch v.Kind {
	case KindMonetary:
		if v.Amount == nil {
			return fmt.Errorf("values: monetary value requires amount")
		}
		if !currencyPattern.MatchString(v.Currency) {
			return fmt.Errorf("values: monetary value requires ISO-4217 currency, got %q", v.Currency)
		}
	case KindPercentage:
		if v.Amount == nil {
			return fmt.Errorf("values: percentage value requires amount")
		}
		if v.Amount.IsNegative() {
			return fmt.Errorf("values: percentage must be non-negative")
		}
		if v.Amount.GreaterThan(decimal.NewFromInt(1)) && !v.AllowOverflow {
			return fmt.Errorf("values: percentage %s exceeds 1.0 without allow_overflow", v.Amount)
		}
	case KindCount:
		if v.Amount == nil {
			return fmt.Errorf("values: count value requires amount")
		}
	case KindDate:
		if _, err := time.Parse(DateLayout, v.Date); err != nil {
			return fmt.Errorf("values: date must be %s: %w", DateLayout, err)
		}
	case KindRange:
		if v.Low == nil || v.High == nil {
			return fmt.Errorf("values: range requires low and high")
		}
		if v.Low.GreaterThan(*v.High) {
			return fmt.Errorf("values: range low %s exceeds high %s", v.Low, v.High)
		}
	case KindText:
		if v.Text == "" {
			return fmt.Errorf("values: text value requires text")
		}
	}
	return nil
}

// Equal compares two value structs by meaning: decimal comparison for
// numerics (so "1.0" equals "1.00") and exact match for everything else.
func (v ValueStruct) Equal(o ValueStruct) bool {
	if v.Kind != o.Kind || v.Currency != o.Currency || v.Unit != o.Unit ||
		v.Date != o.Date || v.Text != o.Text ||
		v.TimeWindow != o.TimeWindow || v.AsOf != o.AsOf ||
		v.AllowOverflow != o.AllowOverflow {
		return false
	}
	if !decimalPtrEqual(v.Amount, o.Amount) {
		return false
	}
	if !decimalPtrEqual(v.Low, o.Low) {
		return false
	}
	return decimalPtrEqual(v.High, o.High)
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
