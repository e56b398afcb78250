package canonjson

import (
	"encoding/json"
	"testing"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysSortedNoWhitespace(t *testing.T) {
	got, err := Marshal(map[string]any{
		"zeta":  1,
		"alpha": "x",
		"mid":   []any{true, nil},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"x","mid":[true,null],"zeta":1}`, string(got))
}

func TestStructTagsRespected(t *testing.T) {
	type calc struct {
		TenantID string `json:"tenant_id"`
		CalcType string `json:"calc_type"`
		Skipped  string `json:"-"`
	}
	got, err := Marshal(calc{TenantID: "t-1", CalcType: "RUNWAY", Skipped: "never"})
	require.NoError(t, err)
	assert.Equal(t, `{"calc_type":"RUNWAY","tenant_id":"t-1"}`, string(got))
}

func TestNoHTMLEscaping(t *testing.T) {
	got, err := Marshal(map[string]string{"q": "a<b & c>d"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b & c>d"}`, string(got))
}

func TestDecimalsRenderAsQuotedStrings(t *testing.T) {
	d := decimal.RequireFromString("20.0000")
	got, err := Marshal(map[string]any{"primary_value": d})
	require.NoError(t, err)
	assert.Equal(t, `{"primary_value":"20.0000"}`, string(got))
}

func TestIntegerPrecisionPreserved(t *testing.T) {
	// json.Number round-trip must not degrade large integers to float64.
	raw := json.RawMessage(`{"n":9007199254740993}`)
	got, err := Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"n":9007199254740993}`, string(got))
}

func TestAgreesWithRFC8785Transform(t *testing.T) {
	// gowebpki/jcs is the reference transform; on the JSON subset IDIS emits
	// (strings, integers, bools, null, nesting) the two must agree.
	inputs := []any{
		map[string]any{"b": 1, "a": map[string]any{"y": "s", "x": []any{"1", "2"}}},
		map[string]any{"unicode": "Muḥāsabah", "ascii": "plain"},
		map[string]any{"empty_obj": map[string]any{}, "empty_arr": []any{}},
	}
	for _, in := range inputs {
		mine, err := Marshal(in)
		require.NoError(t, err)

		std, err := json.Marshal(in)
		require.NoError(t, err)
		ref, err := jcs.Transform(std)
		require.NoError(t, err)

		assert.Equal(t, string(ref), string(mine))
	}
}

func TestHashStability(t *testing.T) {
	a := map[string]any{"x": "1", "y": "2"}
	b := map[string]any{"y": "2", "x": "1"}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}
