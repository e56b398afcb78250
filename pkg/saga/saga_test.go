package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/errs"
)

func okStep(name string, trace *[]string) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context) (any, error) {
			*trace = append(*trace, "exec:"+name)
			return name + "-result", nil
		},
		Compensate: func(ctx context.Context, result any) error {
			*trace = append(*trace, fmt.Sprintf("comp:%s(%v)", name, result))
			return nil
		},
	}
}

func TestSagaCompletes(t *testing.T) {
	var trace []string
	res, err := NewExecutor(nil).Run(context.Background(), "claim-projection", []Step{
		okStep("postgres", &trace),
		okStep("graph", &trace),
		okStep("audit", &trace),
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"exec:postgres", "exec:graph", "exec:audit"}, trace)
}

func TestSagaCompensatesInReverseOrder(t *testing.T) {
	var trace []string
	boom := errors.New("graph write refused")
	steps := []Step{
		okStep("postgres", &trace),
		okStep("span-index", &trace),
		{
			Name:    "graph",
			Execute: func(ctx context.Context) (any, error) { return nil, boom },
		},
	}

	res, err := NewExecutor(nil).Run(context.Background(), "claim-projection", steps)

	require.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeCompensated, res.Outcome)
	assert.Equal(t, "graph", res.FailedStep)
	assert.Empty(t, res.CompensationFailures)
	assert.Equal(t, []string{
		"exec:postgres",
		"exec:span-index",
		"comp:span-index(span-index-result)",
		"comp:postgres(postgres-result)",
	}, trace)
}

func TestSagaCompensationFailureEscalates(t *testing.T) {
	var trace []string
	steps := []Step{
		okStep("postgres", &trace),
		{
			Name: "graph",
			Execute: func(ctx context.Context) (any, error) {
				trace = append(trace, "exec:graph")
				return "node-42", nil
			},
			Compensate: func(ctx context.Context, result any) error {
				trace = append(trace, "comp:graph")
				return errors.New("node already gone")
			},
		},
		{
			Name:    "webhook",
			Execute: func(ctx context.Context) (any, error) { return nil, errors.New("delivery refused") },
		},
	}

	res, err := NewExecutor(nil).Run(context.Background(), "deal-finalize", steps)

	require.True(t, errs.HasCode(err, errs.CodeDualWriteInconsistent))
	assert.Equal(t, OutcomeCompensationFailed, res.Outcome)
	require.Len(t, res.CompensationFailures, 1)
	assert.Equal(t, "graph", res.CompensationFailures[0].Step)
	// A failed compensation never stops the remaining ones.
	assert.Contains(t, trace, "comp:postgres(postgres-result)")

	detail := errs.AsError(err).Details
	assert.Equal(t, "webhook", detail["failed_step"])
	assert.Equal(t, []string{"graph"}, detail["uncompensated_steps"])
}

func TestSagaStepsWithoutCompensationAreSkipped(t *testing.T) {
	var trace []string
	steps := []Step{
		{
			Name: "read-only",
			Execute: func(ctx context.Context) (any, error) {
				trace = append(trace, "exec:read-only")
				return nil, nil
			},
		},
		{
			Name:    "graph",
			Execute: func(ctx context.Context) (any, error) { return nil, errors.New("down") },
		},
	}

	res, err := NewExecutor(nil).Run(context.Background(), "noop-unwind", steps)

	require.Error(t, err)
	assert.Equal(t, OutcomeCompensated, res.Outcome)
	assert.Equal(t, []string{"exec:read-only"}, trace)
}

func TestSagaEmptyStepListCompletes(t *testing.T) {
	res, err := NewExecutor(nil).Run(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
}

func TestSagaNilExecuteFailsClosed(t *testing.T) {
	var trace []string
	res, err := NewExecutor(nil).Run(context.Background(), "broken", []Step{
		okStep("postgres", &trace),
		{Name: "hollow"},
	})

	require.Error(t, err)
	assert.Equal(t, OutcomeCompensated, res.Outcome)
	assert.Equal(t, "hollow", res.FailedStep)
	assert.Contains(t, trace, "comp:postgres(postgres-result)")
}
