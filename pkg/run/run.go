// Package run executes the diligence pipeline as a resumable step ledger.
//
// A run composes the SNAPSHOT or FULL step sequence in a fixed order. Every
// step transition is persisted before the next step begins and audited
// fail-closed: a rejected audit emission halts the run where it stands.
// Re-invoking Execute for the same run skips COMPLETED steps and resumes
// from the first non-completed one; an advisory lock keyed by run_id keeps
// concurrent invocations from interleaving ledger writes.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/repo"
)

// DefaultLockTTL bounds how long a crashed holder can block a resume.
const DefaultLockTTL = 5 * time.Minute

// Context is the per-invocation state handed to each step function. Shared
// is scratch space for passing values between steps of one Execute call; it
// is never persisted, so a resumed run starts with it empty and steps must
// re-derive what they need from the stores.
type Context struct {
	Run     *domain.Run
	Tenant  *auth.TenantContext
	Request audit.Request
	Shared  map[string]any
}

// StepResult is what a step function returns on success. Partial marks the
// run PARTIAL without stopping it. Summary is persisted as the step's
// canonical result_summary; by convention it carries a "status" key, which
// is how a resumed run rediscovers partial steps it skips.
type StepResult struct {
	Summary any
	Partial bool
}

// StepFn executes one pipeline step. Implementations must be idempotent: a
// resume may invoke them again after a crash that lost the COMPLETED
// transition.
type StepFn func(ctx context.Context, rc *Context) (StepResult, error)

// Notifier observes terminal run states after they are persisted and
// audited. Implementations must be best-effort; the orchestrator neither
// waits on nor inspects their outcome. The webhook dispatcher satisfies
// this.
type Notifier interface {
	RunFinished(ctx context.Context, tc *auth.TenantContext, req audit.Request, run *domain.Run)
}

// Orchestrator drives runs through their step ledger.
type Orchestrator struct {
	runs     repo.RunRepo
	locker   Locker
	recorder *audit.Recorder
	builder  *audit.Builder
	steps    map[domain.StepName]StepFn
	notifier Notifier
	logger   *slog.Logger

	lockTTL time.Duration
	clock   func() time.Time
	newID   func() string
}

// NewOrchestrator builds an orchestrator. steps maps every step name the
// configured modes can reach to its function; a step without a function
// fails when it is reached, not at construction.
func NewOrchestrator(runs repo.RunRepo, locker Locker, recorder *audit.Recorder, builder *audit.Builder, steps map[domain.StepName]StepFn, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runs:     runs,
		locker:   locker,
		recorder: recorder,
		builder:  builder,
		steps:    steps,
		logger:   logger,
		lockTTL:  DefaultLockTTL,
		clock:    time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// WithLockTTL overrides the advisory-lock TTL.
func (o *Orchestrator) WithLockTTL(ttl time.Duration) *Orchestrator {
	o.lockTTL = ttl
	return o
}

// WithNotifier attaches a terminal-state notifier.
func (o *Orchestrator) WithNotifier(n Notifier) *Orchestrator {
	o.notifier = n
	return o
}

// WithClock overrides the clock for deterministic tests.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithIDSource overrides run and step ID generation for deterministic tests.
func (o *Orchestrator) WithIDSource(newID func() string) *Orchestrator {
	o.newID = newID
	return o
}

// Start creates a QUEUED run with its full PENDING step ledger and emits
// deal.run.started. The ledger shape is fixed here; Execute only ever
// transitions the entries Start seeded.
func (o *Orchestrator) Start(ctx context.Context, tc *auth.TenantContext, req audit.Request, dealID string, mode domain.RunMode) (*domain.Run, error) {
	if o.runs == nil || tc == nil {
		return nil, errs.New(errs.CodeInternal, "Run orchestrator is not fully configured")
	}
	if dealID == "" {
		return nil, errs.Validation(errs.CodeValidationFailed, "Deal ID is required", nil)
	}
	if !mode.Valid() {
		return nil, errs.Validation(errs.CodeValidationFailed, "Run mode must be SNAPSHOT or FULL",
			map[string]any{"mode": string(mode)})
	}

	r := &domain.Run{
		RunID:     o.newID(),
		TenantID:  tc.TenantID,
		DealID:    dealID,
		Mode:      mode,
		Status:    domain.RunQueued,
		CreatedAt: o.clock().UTC(),
	}
	if err := o.runs.CreateRun(ctx, r); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Creating run failed", err)
	}
	ledger, err := o.seedSteps(ctx, r)
	if err != nil {
		return nil, err
	}

	err = o.record(ctx, tc, req,
		audit.Resource{ResourceType: "RUN", ResourceID: r.RunID},
		"deal.run.started", audit.SeverityLow,
		fmt.Sprintf("Run queued in %s mode with %d steps", r.Mode, len(ledger)),
		audit.Payload{
			Refs: []string{r.DealID},
			Safe: map[string]any{"mode": string(r.Mode), "steps": len(ledger)},
		})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Execute drives the run to a terminal state, resuming from the first
// non-completed step. A run that already succeeded (fully or partially) is
// returned unchanged: no lock, no ledger writes, no duplicate audit. Step
// function failures are recorded on the ledger and reported through the
// returned run's status; the error return is reserved for infrastructure
// and audit failures, which leave the run resumable.
func (o *Orchestrator) Execute(ctx context.Context, tc *auth.TenantContext, req audit.Request, runID string) (*domain.Run, error) {
	if o.runs == nil || o.locker == nil || tc == nil {
		return nil, errs.New(errs.CodeInternal, "Run orchestrator is not fully configured")
	}

	r, err := o.runs.GetRun(ctx, tc.TenantID, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, errs.NotFound()
		}
		return nil, errs.Wrap(errs.CodeInternal, "Loading run failed", err)
	}
	if r.Status == domain.RunSucceeded || r.Status == domain.RunPartial {
		return r, nil
	}

	lease, err := o.locker.Acquire(ctx, lockKey(r.RunID), o.lockTTL)
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, errs.Conflict(errs.CodeRunAlreadyActive, "Run is already executing")
		}
		return nil, errs.Wrap(errs.CodeInternal, "Acquiring run lock failed", err)
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.WarnContext(ctx, "run lock release failed", "run_id", r.RunID, "error", rerr)
		}
	}()

	ledger, err := o.runs.ListSteps(ctx, tc.TenantID, r.RunID)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Loading run step ledger failed", err)
	}
	if len(ledger) == 0 {
		// Start crashed between run creation and seeding; repair so the run
		// stays resumable.
		if ledger, err = o.seedSteps(ctx, r); err != nil {
			return nil, err
		}
	}

	r.Status = domain.RunRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = o.clock().UTC()
	}
	if err := o.runs.UpdateRun(ctx, r); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Persisting run transition failed", err)
	}

	rc := &Context{Run: r, Tenant: tc, Request: req, Shared: make(map[string]any)}
	var anyPartial bool
	for _, step := range ledger {
		if step.Status == domain.StepCompleted {
			if stepWasPartial(step) {
				anyPartial = true
			}
			continue
		}
		outcome, err := o.runStep(ctx, rc, step)
		if err != nil {
			return nil, err
		}
		if outcome.failed {
			return o.concludeFailed(ctx, tc, req, r, step)
		}
		if outcome.partial {
			anyPartial = true
		}
	}
	return o.concludeSuccess(ctx, tc, req, r, anyPartial, len(ledger))
}

func (o *Orchestrator) seedSteps(ctx context.Context, r *domain.Run) ([]*domain.RunStep, error) {
	names := domain.StepsForMode(r.Mode)
	ledger := make([]*domain.RunStep, 0, len(names))
	for i, name := range names {
		s := &domain.RunStep{
			StepID:    o.newID(),
			TenantID:  r.TenantID,
			RunID:     r.RunID,
			StepName:  name,
			StepOrder: i,
			Status:    domain.StepPending,
		}
		if err := o.runs.UpsertStep(ctx, s); err != nil {
			return nil, errs.Wrap(errs.CodeInternal, "Seeding run step ledger failed", err)
		}
		ledger = append(ledger, s)
	}
	return ledger, nil
}

type stepOutcome struct {
	failed  bool
	partial bool
}

func (o *Orchestrator) runStep(ctx context.Context, rc *Context, step *domain.RunStep) (stepOutcome, error) {
	tc, req, r := rc.Tenant, rc.Request, rc.Run

	if step.Status == domain.StepFailed || step.Status == domain.StepRunning {
		step.RetryCount++
	}
	step.Status = domain.StepRunning
	step.StartedAt = o.clock().UTC()
	step.FinishedAt = time.Time{}
	step.Result = nil
	step.ErrorCode = ""
	step.ErrorMessage = ""
	if err := o.runs.UpsertStep(ctx, step); err != nil {
		return stepOutcome{}, errs.Wrap(errs.CodeInternal, "Persisting step transition failed", err)
	}

	err := o.record(ctx, tc, req,
		audit.Resource{ResourceType: "RUN_STEP", ResourceID: step.StepID},
		"deal.run.step.started", audit.SeverityLow,
		fmt.Sprintf("Step %s started", step.StepName),
		audit.Payload{
			Refs: []string{r.RunID},
			Safe: map[string]any{
				"step_name":   string(step.StepName),
				"step_order":  step.StepOrder,
				"retry_count": step.RetryCount,
			},
		})
	if err != nil {
		return stepOutcome{}, err
	}

	fn, ok := o.steps[step.StepName]
	if !ok {
		return o.failStep(ctx, rc, step,
			errs.New(errs.CodeInternal, fmt.Sprintf("No step function registered for %s", step.StepName)))
	}
	res, fnErr := fn(ctx, rc)
	if fnErr != nil {
		return o.failStep(ctx, rc, step, fnErr)
	}

	if res.Summary != nil {
		b, err := canonjson.Marshal(res.Summary)
		if err != nil {
			return stepOutcome{}, errs.Wrap(errs.CodeInternal, "Encoding step result summary failed", err)
		}
		step.Result = b
	}
	step.Status = domain.StepCompleted
	step.FinishedAt = o.clock().UTC()
	if err := o.runs.UpsertStep(ctx, step); err != nil {
		return stepOutcome{}, errs.Wrap(errs.CodeInternal, "Persisting step completion failed", err)
	}

	err = o.record(ctx, tc, req,
		audit.Resource{ResourceType: "RUN_STEP", ResourceID: step.StepID},
		"deal.run.step.completed", audit.SeverityLow,
		fmt.Sprintf("Step %s completed", step.StepName),
		audit.Payload{
			Refs: []string{r.RunID},
			Safe: map[string]any{
				"step_name": string(step.StepName),
				"partial":   res.Partial,
			},
		})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{partial: res.Partial}, nil
}

// failStep records a step-function failure on the ledger. The persisted
// error carries the stable code and the boundary message only, never the
// cause chain.
func (o *Orchestrator) failStep(ctx context.Context, rc *Context, step *domain.RunStep, cause error) (stepOutcome, error) {
	e := errs.AsError(cause)
	step.Status = domain.StepFailed
	step.FinishedAt = o.clock().UTC()
	step.ErrorCode = e.Code
	step.ErrorMessage = e.Message
	if err := o.runs.UpsertStep(ctx, step); err != nil {
		return stepOutcome{}, errs.Wrap(errs.CodeInternal, "Persisting step failure failed", err)
	}

	o.logger.WarnContext(ctx, "run step failed",
		"run_id", step.RunID, "step_name", string(step.StepName), "error_code", e.Code, "error", cause)

	err := o.record(ctx, rc.Tenant, rc.Request,
		audit.Resource{ResourceType: "RUN_STEP", ResourceID: step.StepID},
		"deal.run.step.failed", audit.SeverityMedium,
		fmt.Sprintf("Step %s failed", step.StepName),
		audit.Payload{
			Refs: []string{step.RunID},
			Safe: map[string]any{
				"step_name":  string(step.StepName),
				"error_code": e.Code,
			},
		})
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{failed: true}, nil
}

func (o *Orchestrator) concludeFailed(ctx context.Context, tc *auth.TenantContext, req audit.Request, r *domain.Run, step *domain.RunStep) (*domain.Run, error) {
	r.Status = domain.RunFailed
	r.FinishedAt = o.clock().UTC()
	if err := o.runs.UpdateRun(ctx, r); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Persisting run failure failed", err)
	}

	err := o.record(ctx, tc, req,
		audit.Resource{ResourceType: "RUN", ResourceID: r.RunID},
		"deal.run.failed", audit.SeverityMedium,
		fmt.Sprintf("Run failed at step %s", step.StepName),
		audit.Payload{
			Refs: []string{r.DealID},
			Safe: map[string]any{
				"failed_step": string(step.StepName),
				"error_code":  step.ErrorCode,
			},
		})
	if err != nil {
		return nil, err
	}
	if o.notifier != nil {
		o.notifier.RunFinished(ctx, tc, req, r)
	}
	return r, nil
}

func (o *Orchestrator) concludeSuccess(ctx context.Context, tc *auth.TenantContext, req audit.Request, r *domain.Run, anyPartial bool, stepCount int) (*domain.Run, error) {
	r.Status = domain.RunSucceeded
	sev := audit.SeverityLow
	if anyPartial {
		r.Status = domain.RunPartial
		sev = audit.SeverityMedium
	}
	r.FinishedAt = o.clock().UTC()
	if err := o.runs.UpdateRun(ctx, r); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Persisting run completion failed", err)
	}

	err := o.record(ctx, tc, req,
		audit.Resource{ResourceType: "RUN", ResourceID: r.RunID},
		"deal.run.completed", sev,
		fmt.Sprintf("Run completed with status %s", r.Status),
		audit.Payload{
			Refs: []string{r.DealID},
			Safe: map[string]any{"status": string(r.Status), "steps": stepCount},
		})
	if err != nil {
		return nil, err
	}
	if o.notifier != nil {
		o.notifier.RunFinished(ctx, tc, req, r)
	}
	return r, nil
}

func (o *Orchestrator) record(ctx context.Context, tc *auth.TenantContext, req audit.Request, res audit.Resource, eventType string, sev audit.Severity, summary string, payload audit.Payload) error {
	if o.recorder == nil || o.builder == nil {
		return errs.New(errs.CodeAuditEmitFailed, "Run orchestrator has no audit recorder")
	}
	ev := o.builder.Build(tc.TenantID, actorOf(tc), req, res, eventType, sev, summary, payload)
	if err := o.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

func actorOf(tc *auth.TenantContext) audit.Actor {
	t := audit.ActorHuman
	if tc.IsService() {
		t = audit.ActorService
	}
	return audit.Actor{ActorType: t, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
}

// stepWasPartial probes a completed step's persisted summary for the
// conventional "status" key so a resume can keep the run PARTIAL without
// re-running the step.
func stepWasPartial(s *domain.RunStep) bool {
	if len(s.Result) == 0 {
		return false
	}
	var probe struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(s.Result, &probe); err != nil {
		return false
	}
	return probe.Status == "PARTIAL"
}

func lockKey(runID string) string { return "run:" + runID }
