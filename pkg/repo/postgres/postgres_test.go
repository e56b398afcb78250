package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/repo"
)

const setTenantQuery = `SELECT set_config('idis.tenant_id', $1, true)`

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db), mock
}

func expectTenantTx(mock sqlmock.Sqlmock, tenantID string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setTenantQuery)).
		WithArgs(tenantID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestWithTenantTxRejectsEmptyTenant(t *testing.T) {
	store, _ := newMockStore(t)

	err := store.WithTenantTx(context.Background(), "", func(tx *sql.Tx) error { return nil })
	assert.Error(t, err)
}

func TestDealRepoGet(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	now := time.Now().UTC()
	expectTenantTx(mock, "tenant-1")
	rows := sqlmock.NewRows([]string{
		"deal_id", "tenant_id", "company_name", "stage", "status",
		"tags", "created_at", "updated_at",
	}).AddRow("deal-1", "tenant-1", "Acme", "DILIGENCE", "ACTIVE",
		[]byte(`["fintech"]`), now, now)
	mock.ExpectQuery(`SELECT .+ FROM deals WHERE tenant_id = \$1 AND deal_id = \$2`).
		WithArgs("tenant-1", "deal-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	d, err := repos.Deals.Get(context.Background(), "tenant-1", "deal-1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", d.CompanyName)
	assert.Equal(t, []string{"fintech"}, d.Tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDealRepoGetMissIsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	expectTenantTx(mock, "tenant-1")
	mock.ExpectQuery(`SELECT .+ FROM deals`).
		WithArgs("tenant-1", "deal-missing").
		WillReturnRows(sqlmock.NewRows([]string{"deal_id"}))
	mock.ExpectRollback()

	_, err := repos.Deals.Get(context.Background(), "tenant-1", "deal-missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDealRepoCreateDuplicateIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	expectTenantTx(mock, "tenant-1")
	mock.ExpectExec(`INSERT INTO deals`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	d := &domain.Deal{
		DealID: "deal-1", TenantID: "tenant-1", CompanyName: "Acme",
		Stage: domain.StageDiligence, Status: "ACTIVE",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	err := repos.Deals.Create(context.Background(), d)
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStepNameMismatchIsConflict(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	// Zero rows affected means the ON CONFLICT update was filtered out by
	// the step-name guard.
	expectTenantTx(mock, "tenant-1")
	mock.ExpectExec(`INSERT INTO run_steps`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	step := &domain.RunStep{
		StepID: "step-1", TenantID: "tenant-1", RunID: "run-1",
		StepName: domain.StepExtract, StepOrder: 1, Status: domain.StepRunning,
	}
	err := repos.Runs.UpsertStep(context.Background(), step)
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertStepWritesLedgerEntry(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	expectTenantTx(mock, "tenant-1")
	mock.ExpectExec(`INSERT INTO run_steps`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	step := &domain.RunStep{
		StepID: "step-1", TenantID: "tenant-1", RunID: "run-1",
		StepName: domain.StepExtract, StepOrder: 1, Status: domain.StepCompleted,
	}
	assert.NoError(t, repos.Runs.UpsertStep(context.Background(), step))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditEventRepoEmit(t *testing.T) {
	store, mock := newMockStore(t)
	repos := store.NewStores()

	expectTenantTx(mock, "tenant-1")
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e := audit.NewBuilder().
		WithClock(func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }).
		WithIDSource(func() string { return "evt-1" }).
		Build("tenant-1",
			audit.Actor{ActorType: audit.ActorHuman, ActorID: "analyst-1"},
			audit.Request{RequestID: "req-1"},
			audit.Resource{ResourceType: "DEAL", ResourceID: "deal-1"},
			"deal.created", audit.SeverityMedium, "deal created", audit.Payload{})

	assert.NoError(t, repos.AuditLog.Emit(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTxSinkSharesTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	expectTenantTx(mock, "tenant-1")
	mock.ExpectExec(`INSERT INTO deals`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	e := audit.NewBuilder().Build("tenant-1",
		audit.Actor{ActorType: audit.ActorService, ActorID: "svc"},
		audit.Request{RequestID: "req-1"},
		audit.Resource{ResourceType: "DEAL", ResourceID: "deal-1"},
		"deal.created", audit.SeverityMedium, "deal created", audit.Payload{})

	err := store.WithTenantTx(context.Background(), "tenant-1", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(context.Background(),
			`INSERT INTO deals (deal_id) VALUES ($1)`, "deal-1"); err != nil {
			return err
		}
		return NewTxSink(tx).Emit(context.Background(), e)
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
