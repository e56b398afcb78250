package values

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentageBoundary(t *testing.T) {
	exactlyOne := Percentage(decimal.RequireFromString("1.0"))
	require.NoError(t, exactlyOne.Validate())

	over := Percentage(decimal.RequireFromString("1.0000001"))
	require.Error(t, over.Validate())

	over.AllowOverflow = true
	require.NoError(t, over.Validate())
}

func TestMonetaryRequiresCurrency(t *testing.T) {
	v := Monetary(decimal.NewFromInt(5_000_000), "usd")
	assert.Error(t, v.Validate())

	v.Currency = "USD"
	assert.NoError(t, v.Validate())
}

func TestRangeOrdering(t *testing.T) {
	bad := Range(decimal.NewFromInt(10), decimal.NewFromInt(1), "customers")
	assert.Error(t, bad.Validate())

	good := Range(decimal.NewFromInt(1), decimal.NewFromInt(10), "customers")
	assert.NoError(t, good.Validate())
}

func TestUnknownKindRejected(t *testing.T) {
	v := ValueStruct{Kind: Kind("GUESS")}
	assert.Error(t, v.Validate())
}

func TestRoundTripAllVariants(t *testing.T) {
	amt := decimal.RequireFromString("5000000.00")
	lo := decimal.RequireFromString("3.5")
	hi := decimal.RequireFromString("4.5")
	variants := []ValueStruct{
		Monetary(amt, "USD"),
		Percentage(decimal.RequireFromString("0.42")),
		Count(decimal.NewFromInt(1200), "customers"),
		Date("2026-01-11"),
		Range(lo, hi, "x"),
		Text("Series B term sheet"),
	}
	variants[0].TimeWindow = "FY2025"
	variants[0].AsOf = "2025-12-31"

	for _, v := range variants {
		b, err := json.Marshal(v)
		require.NoError(t, err)

		var back ValueStruct
		require.NoError(t, json.Unmarshal(b, &back))
		assert.True(t, v.Equal(back), "round trip changed %s value: %s", v.Kind, string(b))
	}
}

func TestMonetaryRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("monetary values survive JSON round trips", prop.ForAll(
		func(units int64, exp int32) bool {
			v := Monetary(decimal.New(units, -exp), "USD")
			b, err := json.Marshal(v)
			if err != nil {
				return false
			}
			var back ValueStruct
			if err := json.Unmarshal(b, &back); err != nil {
				return false
			}
			return v.Equal(back)
		},
		gen.Int64Range(-1_000_000_000, 1_000_000_000),
		gen.Int32Range(0, 8),
	))

	properties.TestingRun(t)
}
