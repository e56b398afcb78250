package debate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

// DefaultMaxRounds bounds the advocate/adversary exchange.
const DefaultMaxRounds = 3

// Result is the debate's final state. It marshals into the run step's
// result_summary.
type Result struct {
	Rounds            int             `json:"rounds"`
	Concluded         bool            `json:"concluded"`
	Recommendation    string          `json:"recommendation,omitempty"`
	Confidence        decimal.Decimal `json:"confidence"`
	SupportedClaimIDs []string        `json:"supported_claim_ids,omitempty"`
	SupportedCalcIDs  []string        `json:"supported_calc_ids,omitempty"`
	Transcript        []*Output       `json:"transcript"`
}

// Orchestrator drives the debate loop. Each round is advocate, adversary,
// then arbiter; the debate ends early once the arbiter commits to a
// recommendation, otherwise it runs the full round budget and reports
// unconcluded.
type Orchestrator struct {
	advocate  Agent
	adversary Agent
	arbiter   Agent
	recorder  *audit.Recorder
	builder   *audit.Builder
	logger    *slog.Logger
	maxRounds int
}

// NewOrchestrator wires the three agent seats. A nil logger falls back to
// slog.Default.
func NewOrchestrator(advocate, adversary, arbiter Agent, recorder *audit.Recorder, builder *audit.Builder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		advocate:  advocate,
		adversary: adversary,
		arbiter:   arbiter,
		recorder:  recorder,
		builder:   builder,
		logger:    logger,
		maxRounds: DefaultMaxRounds,
	}
}

// WithMaxRounds overrides the round budget. Values below 1 are ignored.
func (o *Orchestrator) WithMaxRounds(n int) *Orchestrator {
	if n >= 1 {
		o.maxRounds = n
	}
	return o
}

// Run executes the debate for one deal. A gate rejection halts the debate
// with the rejection error; an agent error halts it as an internal failure.
// Either way the transcript up to the halt is discarded — a debate that
// cannot pass its own gate produces nothing.
func (o *Orchestrator) Run(ctx context.Context, tc *auth.TenantContext, req audit.Request, topic Topic) (*Result, error) {
	if o.advocate == nil || o.adversary == nil || o.arbiter == nil {
		return nil, errs.New(errs.CodeInternal, "Debate requires advocate, adversary, and arbiter agents")
	}
	if tc == nil || tc.TenantID == "" {
		return nil, errs.New(errs.CodeInternal, "Debate requires a tenant context")
	}

	var transcript []*Output
	var verdict *Output

	for round := 1; round <= o.maxRounds; round++ {
		for _, seat := range []struct {
			role  Role
			agent Agent
		}{
			{RoleAdvocate, o.advocate},
			{RoleAdversary, o.adversary},
			{RoleArbiter, o.arbiter},
		} {
			out, err := o.turn(ctx, tc, req, seat.agent, Turn{
				Round:      round,
				Role:       seat.role,
				Topic:      topic,
				Transcript: transcript,
			})
			if err != nil {
				return nil, err
			}
			transcript = append(transcript, out)
			if seat.role == RoleArbiter {
				verdict = out
			}
		}
		if verdict.Muhasabah.Recommendation != "" {
			break
		}
	}

	res := &Result{
		Rounds:            verdict.Round,
		Concluded:         verdict.Muhasabah.Recommendation != "",
		Recommendation:    verdict.Muhasabah.Recommendation,
		Confidence:        verdict.Muhasabah.Confidence,
		SupportedClaimIDs: append([]string(nil), verdict.Muhasabah.SupportedClaimIDs...),
		SupportedCalcIDs:  append([]string(nil), verdict.Muhasabah.SupportedCalcIDs...),
		Transcript:        transcript,
	}

	if err := o.recordCompleted(ctx, tc, req, topic, res); err != nil {
		return nil, err
	}
	return res, nil
}

// turn invokes one agent, stamps the output's position, and gates it.
func (o *Orchestrator) turn(ctx context.Context, tc *auth.TenantContext, req audit.Request, agent Agent, t Turn) (*Output, error) {
	out, err := agent.Respond(ctx, t)
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "Debate agent failed", err).
			WithDetail("role", string(t.Role)).
			WithDetail("round", t.Round)
	}
	if out == nil {
		return nil, errs.New(errs.CodeInternal, "Debate agent returned no output").
			WithDetail("role", string(t.Role)).
			WithDetail("round", t.Round)
	}
	out.Role = t.Role
	out.Round = t.Round

	if err := CheckOutput(out); err != nil {
		o.recordRejected(ctx, tc, req, t, err)
		return nil, err
	}
	return out, nil
}

func (o *Orchestrator) actor(tc *auth.TenantContext) audit.Actor {
	actor := audit.Actor{ActorType: audit.ActorHuman, ActorID: tc.ActorID, Roles: tc.RoleStrings()}
	if tc.IsService() {
		actor.ActorType = audit.ActorService
	}
	return actor
}

func (o *Orchestrator) recordCompleted(ctx context.Context, tc *auth.TenantContext, req audit.Request, topic Topic, res *Result) error {
	if o.recorder == nil || o.builder == nil {
		return errs.New(errs.CodeAuditEmitFailed, "Debate has no audit recorder")
	}
	ev := o.builder.Build(tc.TenantID, o.actor(tc), req,
		audit.Resource{ResourceType: "DEAL", ResourceID: topic.DealID},
		"debate.completed", audit.SeverityLow,
		fmt.Sprintf("Debate concluded after %d rounds", res.Rounds),
		audit.Payload{
			Refs: append(append([]string(nil), res.SupportedClaimIDs...), res.SupportedCalcIDs...),
			Safe: map[string]any{
				"rounds":         res.Rounds,
				"concluded":      res.Concluded,
				"recommendation": res.Recommendation,
				"confidence":     res.Confidence.String(),
				"outputs":        len(res.Transcript),
			},
		})
	if err := o.recorder.Record(ctx, ev); err != nil {
		return errs.AuditEmitFailed(err)
	}
	return nil
}

// recordRejected is best-effort: the gate error is the caller's signal, and
// nothing was mutated.
func (o *Orchestrator) recordRejected(ctx context.Context, tc *auth.TenantContext, req audit.Request, t Turn, gateErr error) {
	if o.recorder == nil || o.builder == nil {
		return
	}
	safe := map[string]any{"role": string(t.Role), "round": t.Round}
	if reason, ok := errs.AsError(gateErr).Details["reason"].(string); ok {
		safe["reason"] = reason
	}
	ev := o.builder.Build(tc.TenantID, o.actor(tc), req,
		audit.Resource{ResourceType: "DEAL", ResourceID: t.Topic.DealID},
		"debate.rejected", audit.SeverityMedium,
		"Debate output rejected by the self-check gate",
		audit.Payload{Safe: safe})
	o.recorder.BestEffort(ctx, ev)
}
