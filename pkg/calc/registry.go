// Package calc executes registered deterministic formulas over Decimal
// inputs.
//
// Nothing here touches floating point: inputs, intermediates, and outputs
// are decimals, results quantize to the formula's declared precision, and
// the reproducibility hash is computed over canonical JSON with sorted
// claim IDs, so two executions with identical inputs are byte-identical
// regardless of argument order or platform.
package calc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/canonjson"
)

// FormulaFn is a pure function over named decimal inputs. It must not read
// state, the clock, or randomness.
type FormulaFn func(inputs map[string]decimal.Decimal) (decimal.Decimal, error)

// FormulaSpec declares one registered calculation. FormulaHash is computed
// at registration over the canonical declaration, excluding the function
// body; code identity is carried by the registry's code version.
type FormulaSpec struct {
	CalcType        string
	RequiredInputs  []string
	OptionalInputs  map[string]decimal.Decimal
	OutputPrecision int32
	OutputUnit      string

	FormulaHash string
	Fn          FormulaFn
}

// formulaDecl is the hashed canonical form of a spec.
type formulaDecl struct {
	CalcType        string            `json:"calc_type"`
	RequiredInputs  []string          `json:"required_inputs"`
	OptionalInputs  map[string]string `json:"optional_inputs"`
	OutputPrecision int32             `json:"output_precision"`
	OutputUnit      string            `json:"output_unit"`
}

func hashSpec(s *FormulaSpec) (string, error) {
	required := make([]string, len(s.RequiredInputs))
	copy(required, s.RequiredInputs)
	sort.Strings(required)

	optional := make(map[string]string, len(s.OptionalInputs))
	for name, def := range s.OptionalInputs {
		optional[name] = def.String()
	}

	hash, err := canonjson.Hash(formulaDecl{
		CalcType:        s.CalcType,
		RequiredInputs:  required,
		OptionalInputs:  optional,
		OutputPrecision: s.OutputPrecision,
		OutputUnit:      s.OutputUnit,
	})
	if err != nil {
		return "", fmt.Errorf("calc: hash formula %s: %w", s.CalcType, err)
	}
	return hash, nil
}

// Registry maps calc types to formula specs under one code version.
type Registry struct {
	mu          sync.RWMutex
	specs       map[string]*FormulaSpec
	codeVersion string
}

// NewRegistry builds an empty registry. codeVersion must be valid semver;
// it stamps every calculation this registry executes.
func NewRegistry(codeVersion string) (*Registry, error) {
	v, err := semver.NewVersion(codeVersion)
	if err != nil {
		return nil, fmt.Errorf("calc: code version %q: %w", codeVersion, err)
	}
	return &Registry{
		specs:       make(map[string]*FormulaSpec),
		codeVersion: v.String(),
	}, nil
}

// CodeVersion returns the canonical semver string.
func (r *Registry) CodeVersion() string { return r.codeVersion }

// Register adds a formula. Re-registering a calc type is a programming
// error, not an upgrade path.
func (r *Registry) Register(spec *FormulaSpec) error {
	if spec == nil || spec.CalcType == "" {
		return fmt.Errorf("calc: spec must name a calc type")
	}
	if spec.Fn == nil {
		return fmt.Errorf("calc: formula %s has no function", spec.CalcType)
	}
	if spec.OutputPrecision < 0 {
		return fmt.Errorf("calc: formula %s has negative precision", spec.CalcType)
	}

	hash, err := hashSpec(spec)
	if err != nil {
		return err
	}
	spec.FormulaHash = hash

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.CalcType]; dup {
		return fmt.Errorf("calc: formula %s already registered", spec.CalcType)
	}
	r.specs[spec.CalcType] = spec
	return nil
}

// Get returns the spec for a calc type.
func (r *Registry) Get(calcType string) (*FormulaSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[calcType]
	return spec, ok
}

// Types lists registered calc types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for t := range r.specs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry with the built-in formula set.
func DefaultRegistry(codeVersion string) (*Registry, error) {
	r, err := NewRegistry(codeVersion)
	if err != nil {
		return nil, err
	}
	for _, spec := range builtinFormulas() {
		if err := r.Register(spec); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func builtinFormulas() []*FormulaSpec {
	return []*FormulaSpec{
		{
			CalcType:        "RUNWAY",
			RequiredInputs:  []string{"cash_balance", "monthly_burn_rate"},
			OutputPrecision: 4,
			OutputUnit:      "months",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				burn := in["monthly_burn_rate"]
				if burn.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("monthly_burn_rate must be positive")
				}
				return in["cash_balance"].Div(burn), nil
			},
		},
		{
			CalcType:        "GROSS_MARGIN",
			RequiredInputs:  []string{"revenue", "cogs"},
			OutputPrecision: 4,
			OutputUnit:      "ratio",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				revenue := in["revenue"]
				if revenue.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("revenue must be positive")
				}
				return revenue.Sub(in["cogs"]).Div(revenue), nil
			},
		},
		{
			CalcType:        "BURN_MULTIPLE",
			RequiredInputs:  []string{"net_burn", "net_new_arr"},
			OutputPrecision: 2,
			OutputUnit:      "x",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				arr := in["net_new_arr"]
				if arr.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("net_new_arr must be positive")
				}
				return in["net_burn"].Div(arr), nil
			},
		},
		{
			CalcType:        "ARR_GROWTH",
			RequiredInputs:  []string{"arr_current", "arr_prior"},
			OutputPrecision: 4,
			OutputUnit:      "ratio",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				prior := in["arr_prior"]
				if prior.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("arr_prior must be positive")
				}
				return in["arr_current"].Sub(prior).Div(prior), nil
			},
		},
		{
			CalcType:        "LTV_CAC_RATIO",
			RequiredInputs:  []string{"ltv", "cac"},
			OutputPrecision: 2,
			OutputUnit:      "x",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				cac := in["cac"]
				if cac.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("cac must be positive")
				}
				return in["ltv"].Div(cac), nil
			},
		},
		{
			CalcType:       "NET_REVENUE_RETENTION",
			RequiredInputs: []string{"starting_arr", "expansion_arr"},
			OptionalInputs: map[string]decimal.Decimal{
				"contraction_arr": decimal.Zero,
				"churned_arr":     decimal.Zero,
			},
			OutputPrecision: 4,
			OutputUnit:      "ratio",
			Fn: func(in map[string]decimal.Decimal) (decimal.Decimal, error) {
				starting := in["starting_arr"]
				if starting.LessThanOrEqual(decimal.Zero) {
					return decimal.Zero, fmt.Errorf("starting_arr must be positive")
				}
				retained := starting.Add(in["expansion_arr"]).Sub(in["contraction_arr"]).Sub(in["churned_arr"])
				return retained.Div(starting), nil
			},
		},
	}
}
