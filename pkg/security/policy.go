package security

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mizan-labs/idis/pkg/auth"
)

// PolicySet holds compiled deny-only CEL attribute policies. A rule that
// evaluates to true denies the request; no rule can grant anything. Rules
// come from the deployment profile, so compile failures are configuration
// errors surfaced at startup, and evaluation failures at request time deny.
type PolicySet struct {
	env   *cel.Env
	mu    sync.RWMutex
	progs []cel.Program
	exprs []string
}

// NewPolicySet compiles the given expressions. Each expression sees:
//
//	actor     {id, roles}
//	deal      {id}
//	operation string
//	tenant_id string
func NewPolicySet(exprs []string) (*PolicySet, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.DynType),
		cel.Variable("deal", cel.DynType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("tenant_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("security: cel environment: %w", err)
	}

	ps := &PolicySet{env: env, exprs: exprs}
	for i, expr := range exprs {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("security: compile policy %d: %w", i, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("security: build policy %d: %w", i, err)
		}
		ps.progs = append(ps.progs, prg)
	}
	return ps, nil
}

// Len reports how many policies are loaded.
func (ps *PolicySet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.progs)
}

// Denies evaluates every policy. The first rule returning true denies; an
// evaluation error or a non-boolean result also denies (fail-closed) and is
// reported to the caller for logging.
func (ps *PolicySet) Denies(_ context.Context, tc *auth.TenantContext, dealID string, op Operation) (bool, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	input := map[string]any{
		"actor": map[string]any{
			"id":    tc.ActorID,
			"roles": tc.RoleStrings(),
		},
		"deal":      map[string]any{"id": dealID},
		"operation": string(op),
		"tenant_id": tc.TenantID,
	}

	for i, prg := range ps.progs {
		out, _, err := prg.Eval(input)
		if err != nil {
			return true, fmt.Errorf("security: policy %d eval: %w", i, err)
		}
		denied, ok := out.Value().(bool)
		if !ok {
			return true, fmt.Errorf("security: policy %d returned non-bool", i)
		}
		if denied {
			return true, nil
		}
	}
	return false, nil
}
