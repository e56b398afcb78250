package retention

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/artifacts"
	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/security"
)

var retentionTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func retentionAdminTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID: "tenant-1",
		ActorID:  "admin-1",
		Roles:    []auth.Role{auth.RoleAdmin},
	}
}

func retentionReq() audit.Request { return audit.Request{RequestID: "req-1"} }

type sweepHarness struct {
	sweeper *Sweeper
	index   *MemoryIndex
	blobs   *artifacts.FileStore
	holds   *security.HoldRegistry
	sink    *audit.MemorySink
}

func newSweepHarness(t *testing.T) *sweepHarness {
	t.Helper()
	sink := audit.NewMemorySink()
	recorder, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	n := 0
	builder := audit.NewBuilder().
		WithClock(func() time.Time { return retentionTestNow }).
		WithIDSource(func() string { n++; return fmt.Sprintf("ev-%d", n) })

	index := NewMemoryIndex()
	blobs, err := artifacts.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	holds := security.NewHoldRegistry(recorder, builder).WithClock(func() time.Time { return retentionTestNow })
	sweeper := NewSweeper(index, blobs, holds, recorder, builder, nil).
		WithClock(func() time.Time { return retentionTestNow })
	return &sweepHarness{sweeper: sweeper, index: index, blobs: blobs, holds: holds, sink: sink}
}

// registerExpired stores blob bytes and registers a record old enough to
// be past the deliverable retention window.
func (h *sweepHarness) registerExpired(t *testing.T, deliverableID, dealID string, data []byte) *Record {
	t.Helper()
	ref, err := h.blobs.Store(context.Background(), data)
	require.NoError(t, err)
	rec := &Record{
		DeliverableID: deliverableID,
		TenantID:      "tenant-1",
		DealID:        dealID,
		StorageRef:    ref,
		Kind:          "ICMemo",
		CreatedAt:     retentionTestNow.AddDate(0, 0, -(domain.DefaultRetentionDays + 1)),
	}
	require.NoError(t, h.index.Register(context.Background(), rec))
	return rec
}

func TestSweepDeletesExpiredApprovedDeliverable(t *testing.T) {
	h := newSweepHarness(t)
	rec := h.registerExpired(t, "dv-1", "deal-1", []byte("old memo"))

	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-1"))
	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Examined)
	assert.Equal(t, []string{"dv-1"}, res.Deleted)
	assert.Equal(t, 0, res.Held)
	assert.Equal(t, 0, res.AwaitingApproval)

	ok, err := h.blobs.Exists(context.Background(), rec.StorageRef)
	require.NoError(t, err)
	assert.False(t, ok)

	left, err := h.index.ListExpired(context.Background(), "tenant-1", retentionTestNow)
	require.NoError(t, err)
	assert.Empty(t, left)

	approved := h.sink.ByType("data.retention.deletion_approved")
	require.Len(t, approved, 1)
	assert.Equal(t, audit.SeverityMedium, approved[0].Severity)

	swept := h.sink.ByType("data.retention.swept")
	require.Len(t, swept, 1)
	assert.Equal(t, audit.SeverityLow, swept[0].Severity)
	assert.Equal(t, "TENANT", swept[0].Resource.ResourceType)
	assert.Equal(t, []string{"dv-1"}, swept[0].Payload.Refs)
	assert.Equal(t, 1, swept[0].Payload.Safe["examined"])
	assert.Equal(t, 1, swept[0].Payload.Safe["deleted"])
	assert.Equal(t, "DELIVERABLES", swept[0].Payload.Safe["class"])
}

func TestSweepLeavesRecordsInsideTheWindow(t *testing.T) {
	h := newSweepHarness(t)
	ref, err := h.blobs.Store(context.Background(), []byte("fresh memo"))
	require.NoError(t, err)
	require.NoError(t, h.index.Register(context.Background(), &Record{
		DeliverableID: "dv-1",
		TenantID:      "tenant-1",
		DealID:        "deal-1",
		StorageRef:    ref,
		Kind:          "ICMemo",
		CreatedAt:     retentionTestNow.AddDate(0, 0, -30),
	}))

	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Examined)
	assert.Empty(t, res.Deleted)
}

func TestSweepWaitsForAdminApproval(t *testing.T) {
	h := newSweepHarness(t)
	rec := h.registerExpired(t, "dv-1", "deal-1", []byte("old memo"))

	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, 1, res.AwaitingApproval)
	assert.Empty(t, res.Deleted)

	ok, err := h.blobs.Exists(context.Background(), rec.StorageRef)
	require.NoError(t, err)
	assert.True(t, ok)

	// Approval unlocks the next sweep.
	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-1"))
	res, err = h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, []string{"dv-1"}, res.Deleted)
}

func TestSweepRespectsLegalHolds(t *testing.T) {
	h := newSweepHarness(t)
	h.registerExpired(t, "dv-1", "deal-1", []byte("held artifact"))
	h.registerExpired(t, "dv-2", "deal-2", []byte("held via deal"))
	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-1"))
	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-2"))

	_, err := h.holds.Apply(context.Background(), retentionAdminTC(), security.HoldTargetArtifact, "dv-1", "litigation pending", retentionReq())
	require.NoError(t, err)
	_, err = h.holds.Apply(context.Background(), retentionAdminTC(), security.HoldTargetDeal, "deal-2", "regulator inquiry", retentionReq())
	require.NoError(t, err)

	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Examined)
	assert.Equal(t, 2, res.Held)
	assert.Empty(t, res.Deleted)

	// Both records survive for the next sweep.
	left, err := h.index.ListExpired(context.Background(), "tenant-1", retentionTestNow)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestSharedBlobSurvivesUntilLastRecord(t *testing.T) {
	h := newSweepHarness(t)
	// Two deliverables exported with identical bytes share one blob.
	first := h.registerExpired(t, "dv-1", "deal-1", []byte("shared bytes"))
	second := h.registerExpired(t, "dv-2", "deal-1", []byte("shared bytes"))
	require.Equal(t, first.StorageRef, second.StorageRef)

	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-1"))
	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, []string{"dv-1"}, res.Deleted)

	ok, err := h.blobs.Exists(context.Background(), first.StorageRef)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-2"))
	_, err = h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)

	ok, err = h.blobs.Exists(context.Background(), first.StorageRef)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApproveDeletionRequiresAdmin(t *testing.T) {
	h := newSweepHarness(t)
	analyst := &auth.TenantContext{TenantID: "tenant-1", ActorID: "analyst-1", Roles: []auth.Role{auth.RoleAnalyst}}

	err := h.sweeper.ApproveDeletion(context.Background(), analyst, retentionReq(), "dv-1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeRBACDenied))
	assert.Empty(t, h.sink.Events())
}

func TestApprovalFailsClosedOnAuditFailure(t *testing.T) {
	h := newSweepHarness(t)
	h.registerExpired(t, "dv-1", "deal-1", []byte("old memo"))

	h.sink.FailWith = errors.New("audit archive unavailable")
	err := h.sweeper.ApproveDeletion(context.Background(), retentionAdminTC(), retentionReq(), "dv-1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))

	// No approval was recorded, so the sweep still waits.
	h.sink.FailWith = nil
	res, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.NoError(t, err)
	assert.Equal(t, 1, res.AwaitingApproval)
}

func TestSweepAuditIsFatal(t *testing.T) {
	h := newSweepHarness(t)
	h.sink.FailWith = errors.New("audit archive unavailable")

	_, err := h.sweeper.Sweep(context.Background(), retentionAdminTC(), retentionReq())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))
}

func TestSweepAllCoversEveryTenant(t *testing.T) {
	h := newSweepHarness(t)
	h.registerExpired(t, "dv-1", "deal-1", []byte("tenant one memo"))
	require.NoError(t, h.index.Register(context.Background(), &Record{
		DeliverableID: "dv-9",
		TenantID:      "tenant-2",
		DealID:        "deal-9",
		StorageRef:    artifacts.Ref([]byte("tenant two memo")),
		Kind:          "ICMemo",
		CreatedAt:     retentionTestNow.AddDate(0, 0, -(domain.DefaultRetentionDays + 1)),
	}))

	results, err := h.sweeper.SweepAll(context.Background(), retentionReq())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "tenant-1", results[0].TenantID)
	assert.Equal(t, "tenant-2", results[1].TenantID)

	swept := h.sink.ByType("data.retention.swept")
	require.Len(t, swept, 2)
	for _, ev := range swept {
		assert.Equal(t, audit.ActorService, ev.Actor.ActorType)
		assert.Equal(t, "retention-sweeper", ev.Actor.ActorID)
	}
}
