package debate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/errs"
)

var debateTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func debateTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID: "tenant-1",
		ActorID:  "analyst-1",
		Roles:    []auth.Role{auth.RoleAnalyst},
	}
}

func debateReq() audit.Request {
	return audit.Request{RequestID: "req-1"}
}

func validOutput() *Output {
	return &Output{
		Statements: []Statement{
			{Text: "ARR is $2M.", ClaimRefs: []string{"c-1"}, IsFactual: true},
		},
		Muhasabah: &Muhasabah{
			SupportedClaimIDs: []string{"c-1"},
			Uncertainties:     []string{"single filing"},
			Confidence:        decimal.RequireFromString("0.7"),
		},
	}
}

func newTestOrchestrator(t *testing.T, advocate, adversary, arbiter Agent) (*Orchestrator, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	rec, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	builder := audit.NewBuilder().WithClock(func() time.Time { return debateTestNow })
	return NewOrchestrator(advocate, adversary, arbiter, rec, builder, nil), sink
}

func TestGateAcceptsCompleteOutput(t *testing.T) {
	require.NoError(t, CheckOutput(validOutput()))
}

func TestGateRejectionTable(t *testing.T) {
	cases := []struct {
		name       string
		mutate     func(*Output)
		wantReason string
	}{
		{"missing record", func(o *Output) { o.Muhasabah = nil }, ReasonMissingRecord},
		{"confidence above one", func(o *Output) { o.Muhasabah.Confidence = decimal.RequireFromString("1.01") }, ReasonConfidenceOutOfRange},
		{"negative confidence", func(o *Output) { o.Muhasabah.Confidence = decimal.RequireFromString("-0.1") }, ReasonConfidenceOutOfRange},
		{"factual without claims", func(o *Output) { o.Muhasabah.SupportedClaimIDs = nil }, ReasonFactualWithoutClaims},
		{"recommendation without tests", func(o *Output) { o.Muhasabah.Recommendation = "PASS" }, ReasonRecommendationUntested},
		{"overconfident without uncertainties", func(o *Output) {
			o.Muhasabah.Confidence = decimal.RequireFromString("0.81")
			o.Muhasabah.Uncertainties = nil
		}, ReasonOverconfident},
		{"free fact", func(o *Output) {
			o.Statements = append(o.Statements, Statement{Text: "Revenue tripled.", IsFactual: true})
		}, ReasonFreeFact},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := validOutput()
			out.Role = RoleAdvocate
			out.Round = 2
			tc.mutate(out)

			err := CheckOutput(out)
			require.Error(t, err)
			assert.True(t, errs.HasCode(err, errs.CodeMuhasabahRejected))

			e := errs.AsError(err)
			assert.Equal(t, tc.wantReason, e.Details["reason"])
			assert.Equal(t, "ADVOCATE", e.Details["role"])
			assert.Equal(t, 2, e.Details["round"])
		})
	}
}

func TestGateBoundaryConditions(t *testing.T) {
	// Exactly 0.80 with no uncertainties passes: the ceiling is strict.
	out := validOutput()
	out.Muhasabah.Confidence = decimal.RequireFromString("0.80")
	out.Muhasabah.Uncertainties = nil
	require.NoError(t, CheckOutput(out))

	// A subjective record needs no claim refs.
	out = validOutput()
	out.Statements = []Statement{{Text: "The story is compelling.", IsSubjective: true}}
	out.Muhasabah.SupportedClaimIDs = nil
	out.Muhasabah.IsSubjective = true
	require.NoError(t, CheckOutput(out))

	// Marking a factual statement subjective does not waive the reference
	// requirement; only is_factual=false does.
	out = validOutput()
	out.Statements = []Statement{{Text: "Revenue tripled.", IsFactual: true, IsSubjective: true}}
	err := CheckOutput(out)
	require.Error(t, err)
	assert.Equal(t, ReasonFreeFact, errs.AsError(err).Details["reason"])
}

func TestGateFreeFactReportsStatementIndex(t *testing.T) {
	out := validOutput()
	out.Statements = append(out.Statements, Statement{Text: "Margins doubled.", IsFactual: true})

	err := CheckOutput(out)
	require.Error(t, err)
	assert.Equal(t, 1, errs.AsError(err).Details["statement_index"])
}

func TestDebateConcludesWithRuleAgents(t *testing.T) {
	o, sink := newTestOrchestrator(t, RuleAgent{}, RuleAgent{}, RuleAgent{})
	topic := Topic{DealID: "deal-1", ClaimIDs: []string{"c-1", "c-2"}, CalcIDs: []string{"calc-1"}}

	res, err := o.Run(context.Background(), debateTC(), debateReq(), topic)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Rounds)
	assert.True(t, res.Concluded)
	assert.Equal(t, "PROCEED_WITH_CONDITIONS", res.Recommendation)
	assert.Equal(t, []string{"c-1", "c-2"}, res.SupportedClaimIDs)
	assert.Equal(t, []string{"calc-1"}, res.SupportedCalcIDs)

	require.Len(t, res.Transcript, 3)
	assert.Equal(t, RoleAdvocate, res.Transcript[0].Role)
	assert.Equal(t, RoleAdversary, res.Transcript[1].Role)
	assert.Equal(t, RoleArbiter, res.Transcript[2].Role)
	for _, out := range res.Transcript {
		assert.Equal(t, 1, out.Round)
	}

	events := sink.ByType("debate.completed")
	require.Len(t, events, 1)
	assert.Equal(t, audit.SeverityLow, events[0].Severity)
	assert.Equal(t, "PROCEED_WITH_CONDITIONS", events[0].Payload.Safe["recommendation"])
	assert.Contains(t, events[0].Payload.Refs, "c-1")
	assert.Contains(t, events[0].Payload.Refs, "calc-1")
}

func TestDebateEmptyClaimUniverse(t *testing.T) {
	o, _ := newTestOrchestrator(t, RuleAgent{}, RuleAgent{}, RuleAgent{})

	res, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1"})
	require.NoError(t, err)
	assert.True(t, res.Concluded)
	assert.Equal(t, "INSUFFICIENT_RECORD", res.Recommendation)
}

func TestDebateHaltsOnRejectedOutput(t *testing.T) {
	silent := agentFunc(func(context.Context, Turn) (*Output, error) {
		return &Output{Statements: []Statement{{Text: "Trust me.", IsSubjective: true}}}, nil
	})
	o, sink := newTestOrchestrator(t, silent, RuleAgent{}, RuleAgent{})

	_, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1", ClaimIDs: []string{"c-1"}})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeMuhasabahRejected))
	assert.Equal(t, ReasonMissingRecord, errs.AsError(err).Details["reason"])

	rejected := sink.ByType("debate.rejected")
	require.Len(t, rejected, 1)
	assert.Equal(t, audit.SeverityMedium, rejected[0].Severity)
	assert.Equal(t, ReasonMissingRecord, rejected[0].Payload.Safe["reason"])
	assert.Empty(t, sink.ByType("debate.completed"))
}

func TestDebateAgentFailureIsInternal(t *testing.T) {
	broken := agentFunc(func(context.Context, Turn) (*Output, error) {
		return nil, errors.New("model unavailable")
	})
	o, _ := newTestOrchestrator(t, RuleAgent{}, broken, RuleAgent{})

	_, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1", ClaimIDs: []string{"c-1"}})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeInternal))

	e := errs.AsError(err)
	assert.Equal(t, "ADVERSARY", e.Details["role"])
	assert.Equal(t, 1, e.Details["round"])
}

func TestDebateRunsFullBudgetWhenUnconcluded(t *testing.T) {
	undecided := agentFunc(func(context.Context, Turn) (*Output, error) {
		return &Output{
			Statements: []Statement{{Text: "Both sides have merit.", IsSubjective: true}},
			Muhasabah: &Muhasabah{
				IsSubjective:  true,
				Uncertainties: []string{"evidence is balanced"},
				Confidence:    decimal.RequireFromString("0.5"),
			},
		}, nil
	})
	o, _ := newTestOrchestrator(t, RuleAgent{}, RuleAgent{}, undecided)
	o.WithMaxRounds(2)

	res, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1", ClaimIDs: []string{"c-1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rounds)
	assert.False(t, res.Concluded)
	assert.Empty(t, res.Recommendation)
	assert.Len(t, res.Transcript, 6)
}

func TestDebateStampsPositionOverAgentClaims(t *testing.T) {
	imposter := agentFunc(func(_ context.Context, turn Turn) (*Output, error) {
		out := validOutput()
		out.Role = RoleArbiter // lies about its seat
		out.Round = 99
		return out, nil
	})
	o, _ := newTestOrchestrator(t, imposter, RuleAgent{}, RuleAgent{})

	res, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1", ClaimIDs: []string{"c-1"}})
	require.NoError(t, err)
	assert.Equal(t, RoleAdvocate, res.Transcript[0].Role)
	assert.Equal(t, 1, res.Transcript[0].Round)
}

func TestDebateAuditFailureSurfaces(t *testing.T) {
	o, sink := newTestOrchestrator(t, RuleAgent{}, RuleAgent{}, RuleAgent{})
	sink.FailWith = errors.New("disk full")

	_, err := o.Run(context.Background(), debateTC(), debateReq(), Topic{DealID: "deal-1", ClaimIDs: []string{"c-1"}})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))
}

// agentFunc adapts a function to the Agent interface.
type agentFunc func(ctx context.Context, turn Turn) (*Output, error)

func (f agentFunc) Respond(ctx context.Context, turn Turn) (*Output, error) {
	return f(ctx, turn)
}
