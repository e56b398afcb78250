package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/domain"
)

func TestCrossTenantReadsReturnNotFound(t *testing.T) {
	ctx := context.Background()
	deals := NewMemoryDealRepo()

	require.NoError(t, deals.Create(ctx, &domain.Deal{
		DealID: "deal-1", TenantID: "tenant-a", CompanyName: "Acme", Stage: domain.StageScreening,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	_, err := deals.Get(ctx, "tenant-b", "deal-1")
	assert.ErrorIs(t, err, ErrNotFound, "cross-tenant read must be indistinguishable from missing")

	got, err := deals.Get(ctx, "tenant-a", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.CompanyName)
}

func TestDealListCursorPagination(t *testing.T) {
	ctx := context.Background()
	deals := NewMemoryDealRepo()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, deals.Create(ctx, &domain.Deal{
			DealID:    domain.NormalizeID(string(rune('a'+i)) + "-deal"),
			TenantID:  "tenant-a",
			Stage:     domain.StageSourcing,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	first, err := deals.List(ctx, "tenant-a", Page{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, first[0].CreatedAt.After(first[1].CreatedAt), "newest first")

	second, err := deals.List(ctx, "tenant-a", Page{Limit: 2, Cursor: first[1].CreatedAt})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.True(t, second[0].CreatedAt.Before(first[1].CreatedAt), "cursor items strictly older")

	_, err = deals.List(ctx, "tenant-a", Page{Limit: 0})
	assert.Error(t, err)
	_, err = deals.List(ctx, "tenant-a", Page{Limit: 201})
	assert.Error(t, err)
}

func TestRunStepLedgerOrderingAndConflicts(t *testing.T) {
	ctx := context.Background()
	runs := NewMemoryRunRepo()

	require.NoError(t, runs.CreateRun(ctx, &domain.Run{
		RunID: "run-1", TenantID: "tenant-a", DealID: "deal-1",
		Mode: domain.ModeSnapshot, Status: domain.RunQueued, CreatedAt: time.Now(),
	}))

	// Write steps out of order; reads come back sorted.
	for _, s := range []domain.RunStep{
		{RunID: "run-1", TenantID: "tenant-a", StepName: domain.StepGrade, StepOrder: 2, Status: domain.StepPending},
		{RunID: "run-1", TenantID: "tenant-a", StepName: domain.StepIngestCheck, StepOrder: 0, Status: domain.StepPending},
		{RunID: "run-1", TenantID: "tenant-a", StepName: domain.StepExtract, StepOrder: 1, Status: domain.StepPending},
	} {
		step := s
		require.NoError(t, runs.UpsertStep(ctx, &step))
	}

	steps, err := runs.ListSteps(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, domain.StepIngestCheck, steps[0].StepName)
	assert.Equal(t, domain.StepExtract, steps[1].StepName)
	assert.True(t, domain.StepOrdersContiguous([]domain.RunStep{*steps[0], *steps[1], *steps[2]}))

	// Same order, same name: upsert replaces.
	require.NoError(t, runs.UpsertStep(ctx, &domain.RunStep{
		RunID: "run-1", TenantID: "tenant-a", StepName: domain.StepExtract, StepOrder: 1, Status: domain.StepCompleted,
	}))
	steps, err = runs.ListSteps(ctx, "tenant-a", "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, steps[1].Status)

	// Same order, different name: ledger shape is fixed.
	err = runs.UpsertStep(ctx, &domain.RunStep{
		RunID: "run-1", TenantID: "tenant-a", StepName: domain.StepCalc, StepOrder: 1, Status: domain.StepPending,
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClaimResolveDealIDScopedByTenant(t *testing.T) {
	ctx := context.Background()
	claims := NewMemoryClaimRepo()

	c := domain.NewClaim("claim-1", "tenant-a", "deal-1", domain.ClassFinancial, "ARR is $3M")
	c.CreatedAt = time.Now()
	require.NoError(t, claims.Create(ctx, c))

	dealID, err := claims.ResolveDealID(ctx, "tenant-a", "claim-1")
	require.NoError(t, err)
	assert.Equal(t, "deal-1", dealID)

	_, err = claims.ResolveDealID(ctx, "tenant-b", "claim-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsCopyNotAlias(t *testing.T) {
	ctx := context.Background()
	claims := NewMemoryClaimRepo()

	c := domain.NewClaim("claim-1", "tenant-a", "deal-1", domain.ClassTraction, "1200 customers")
	c.EvidenceIDs = []string{"ev-1"}
	require.NoError(t, claims.Create(ctx, c))

	got, err := claims.Get(ctx, "tenant-a", "claim-1")
	require.NoError(t, err)
	got.EvidenceIDs[0] = "tampered"
	got.Text = "tampered"

	again, err := claims.Get(ctx, "tenant-a", "claim-1")
	require.NoError(t, err)
	assert.Equal(t, "ev-1", again.EvidenceIDs[0])
	assert.Equal(t, "1200 customers", again.Text)
}

func TestDuplicateCreateConflicts(t *testing.T) {
	ctx := context.Background()
	deals := NewMemoryDealRepo()
	d := &domain.Deal{DealID: "deal-1", TenantID: "tenant-a", CreatedAt: time.Now()}
	require.NoError(t, deals.Create(ctx, d))
	assert.ErrorIs(t, deals.Create(ctx, d), ErrConflict)
}
