package domain

import (
	"encoding/json"
	"time"
)

// RunMode selects the pipeline shape.
type RunMode string

const (
	ModeSnapshot RunMode = "SNAPSHOT"
	ModeFull     RunMode = "FULL"
)

func (m RunMode) Valid() bool {
	return m == ModeSnapshot || m == ModeFull
}

// RunStatus is the aggregate state of a run.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunPartial   RunStatus = "PARTIAL"
)

// StepStatus is the state of one ledger entry.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// StepName is the closed set of pipeline steps.
type StepName string

const (
	StepIngestCheck  StepName = "INGEST_CHECK"
	StepExtract      StepName = "EXTRACT"
	StepGrade        StepName = "GRADE"
	StepCalc         StepName = "CALC"
	StepEnrichment   StepName = "ENRICHMENT"
	StepDebate       StepName = "DEBATE"
	StepAnalysis     StepName = "ANALYSIS"
	StepScoring      StepName = "SCORING"
	StepDeliverables StepName = "DELIVERABLES"
)

// SnapshotSteps is the SNAPSHOT pipeline in execution order.
func SnapshotSteps() []StepName {
	return []StepName{StepIngestCheck, StepExtract, StepGrade, StepCalc}
}

// FullSteps is the FULL pipeline in execution order.
func FullSteps() []StepName {
	return []StepName{
		StepIngestCheck, StepExtract, StepGrade, StepCalc,
		StepEnrichment, StepDebate, StepAnalysis, StepScoring, StepDeliverables,
	}
}

// StepsForMode returns the pipeline for a run mode.
func StepsForMode(m RunMode) []StepName {
	if m == ModeFull {
		return FullSteps()
	}
	return SnapshotSteps()
}

// Run is one execution of the diligence pipeline over a deal.
type Run struct {
	RunID      string    `json:"run_id"`
	TenantID   string    `json:"tenant_id"`
	DealID     string    `json:"deal_id"`
	Mode       RunMode   `json:"mode"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunStep is one ledger entry. ResultSummary is canonical JSON produced by
// the step function; ErrorMessage never carries a stack trace.
type RunStep struct {
	StepID     string          `json:"step_id"`
	TenantID   string          `json:"tenant_id"`
	RunID      string          `json:"run_id"`
	StepName   StepName        `json:"step_name"`
	StepOrder  int             `json:"step_order"`
	Status     StepStatus      `json:"status"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	RetryCount int             `json:"retry_count"`
	Result     json.RawMessage `json:"result_summary,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// StepOrdersContiguous reports whether the step orders form exactly
// {0..n-1} with no duplicates. The ledger enforces this on write; readers
// may assert it.
func StepOrdersContiguous(steps []RunStep) bool {
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepOrder < 0 || s.StepOrder >= len(steps) || seen[s.StepOrder] {
			return false
		}
		seen[s.StepOrder] = true
	}
	return true
}
