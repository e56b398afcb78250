// Package saga executes ordered multi-store writes with reverse-order
// compensation.
//
// The dual write this exists for is Postgres plus the provenance graph:
// Postgres is source of truth, the graph is a projection, and a failure
// partway through must unwind what already committed. Compensation is
// best-effort: one compensation failing does not stop the rest, but any
// compensation failure escalates the outcome to COMPENSATION_FAILED and
// surfaces as DUAL_WRITE_INCONSISTENT.
package saga

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mizan-labs/idis/pkg/errs"
)

// Step is one unit of a saga. Execute's result is handed back to Compensate
// so the rollback can reference whatever Execute created (IDs, keys).
// Compensate may be nil for steps with nothing to undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) (any, error)
	Compensate func(ctx context.Context, result any) error
}

// Outcome classifies how a saga ended.
type Outcome string

const (
	OutcomeCompleted          Outcome = "COMPLETED"
	OutcomeCompensated        Outcome = "COMPENSATED"
	OutcomeCompensationFailed Outcome = "COMPENSATION_FAILED"
)

// CompensationFailure records one compensation that could not undo its step.
type CompensationFailure struct {
	Step string
	Err  error
}

// Result reports the saga's end state. StepErr is the execution error that
// triggered the unwind; CompensationFailures lists every step left in an
// unknown state.
type Result struct {
	Outcome              Outcome
	FailedStep           string
	StepErr              error
	CompensationFailures []CompensationFailure
}

// Executor runs sagas. It holds only a logger; every saga is stateless.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor builds an executor. A nil logger falls back to slog.Default.
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Run executes steps in declared order. On the first failure it compensates
// every completed step in reverse order and reports COMPENSATED, or
// COMPENSATION_FAILED plus a DUAL_WRITE_INCONSISTENT error if any
// compensation also failed. The Result is non-nil in every return path.
func (e *Executor) Run(ctx context.Context, name string, steps []Step) (*Result, error) {
	res := &Result{Outcome: OutcomeCompleted}
	results := make([]any, len(steps))

	for i, step := range steps {
		if step.Execute == nil {
			res.FailedStep = step.Name
			res.StepErr = fmt.Errorf("saga %s: step %s has no execute", name, step.Name)
			e.unwind(ctx, name, steps, results, i, res)
			return e.finish(name, res)
		}
		out, err := step.Execute(ctx)
		if err != nil {
			res.FailedStep = step.Name
			res.StepErr = err
			e.logger.WarnContext(ctx, "saga step failed, compensating",
				"saga", name, "step", step.Name, "error", err)
			e.unwind(ctx, name, steps, results, i, res)
			return e.finish(name, res)
		}
		results[i] = out
	}
	return res, nil
}

// unwind compensates steps[0:failed] in reverse order. Errors accumulate;
// they never short-circuit remaining compensations.
func (e *Executor) unwind(ctx context.Context, name string, steps []Step, results []any, failed int, res *Result) {
	for i := failed - 1; i >= 0; i-- {
		step := steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, results[i]); err != nil {
			e.logger.ErrorContext(ctx, "saga compensation failed",
				"saga", name, "step", step.Name, "error", err)
			res.CompensationFailures = append(res.CompensationFailures, CompensationFailure{
				Step: step.Name,
				Err:  err,
			})
		}
	}
}

func (e *Executor) finish(name string, res *Result) (*Result, error) {
	if len(res.CompensationFailures) > 0 {
		res.Outcome = OutcomeCompensationFailed
		failed := make([]string, 0, len(res.CompensationFailures))
		for _, f := range res.CompensationFailures {
			failed = append(failed, f.Step)
		}
		err := errs.Wrap(errs.CodeDualWriteInconsistent,
			fmt.Sprintf("Saga %s left stores inconsistent", name), res.StepErr).
			WithDetail("failed_step", res.FailedStep).
			WithDetail("uncompensated_steps", failed)
		return res, err
	}
	res.Outcome = OutcomeCompensated
	return res, res.StepErr
}
