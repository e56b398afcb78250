package domain

import "time"

// DefectType is the closed catalogue of faults discoverable in a sanad.
type DefectType string

const (
	DefectBrokenChain             DefectType = "BROKEN_CHAIN"
	DefectConcealment             DefectType = "CONCEALMENT"
	DefectCircularity             DefectType = "CIRCULARITY"
	DefectInconsistency           DefectType = "INCONSISTENCY"
	DefectUnknownSource           DefectType = "UNKNOWN_SOURCE"
	DefectAnomalyVsStrongerSource DefectType = "ANOMALY_VS_STRONGER_SOURCES"
	DefectStaleness               DefectType = "STALENESS"
	DefectUnitMismatch            DefectType = "UNIT_MISMATCH"
	DefectTimeWindowMismatch      DefectType = "TIME_WINDOW_MISMATCH"
	DefectScopeDrift              DefectType = "SCOPE_DRIFT"
	DefectMissingLink             DefectType = "MISSING_LINK"
	DefectChronoImpossible        DefectType = "CHRONO_IMPOSSIBLE"
	DefectChainGrafting           DefectType = "CHAIN_GRAFTING"
	DefectImplausibility          DefectType = "IMPLAUSIBILITY"
)

// DefectSeverity ranks how badly a defect damages the chain.
type DefectSeverity string

const (
	SeverityFatal DefectSeverity = "FATAL"
	SeverityMajor DefectSeverity = "MAJOR"
	SeverityMinor DefectSeverity = "MINOR"
)

// defectSeverities is the canonical type-to-severity assignment. A type
// missing here is a programming error; SeverityOf fails closed to FATAL.
var defectSeverities = map[DefectType]DefectSeverity{
	DefectBrokenChain:             SeverityFatal,
	DefectConcealment:             SeverityFatal,
	DefectCircularity:             SeverityFatal,
	DefectMissingLink:             SeverityFatal,
	DefectChronoImpossible:        SeverityFatal,
	DefectChainGrafting:           SeverityFatal,
	DefectInconsistency:           SeverityMajor,
	DefectUnknownSource:           SeverityMajor,
	DefectAnomalyVsStrongerSource: SeverityMajor,
	DefectImplausibility:          SeverityMajor,
	DefectStaleness:               SeverityMinor,
	DefectUnitMismatch:            SeverityMinor,
	DefectTimeWindowMismatch:      SeverityMinor,
	DefectScopeDrift:              SeverityMinor,
}

// SeverityOf returns the canonical severity for a defect type. Unknown
// types are treated as FATAL.
func SeverityOf(t DefectType) DefectSeverity {
	if s, ok := defectSeverities[t]; ok {
		return s
	}
	return SeverityFatal
}

func (t DefectType) Valid() bool {
	_, ok := defectSeverities[t]
	return ok
}

// CureProtocol is the remediation path assigned to a defect.
type CureProtocol string

const (
	CureRequestSource    CureProtocol = "REQUEST_SOURCE"
	CureRequireReaudit   CureProtocol = "REQUIRE_REAUDIT"
	CureHumanArbitration CureProtocol = "HUMAN_ARBITRATION"
	CureReconstructChain CureProtocol = "RECONSTRUCT_CHAIN"
	CureDiscardClaim     CureProtocol = "DISCARD_CLAIM"
)

func (c CureProtocol) Valid() bool {
	switch c {
	case CureRequestSource, CureRequireReaudit, CureHumanArbitration, CureReconstructChain, CureDiscardClaim:
		return true
	}
	return false
}

// defectCures is the canonical type-to-remediation assignment. Chain-shape
// faults need the chain rebuilt; provenance faults need a source; measurement
// faults need a re-audit; judgement calls go to a human.
var defectCures = map[DefectType]CureProtocol{
	DefectBrokenChain:             CureReconstructChain,
	DefectMissingLink:             CureReconstructChain,
	DefectChronoImpossible:        CureReconstructChain,
	DefectChainGrafting:           CureReconstructChain,
	DefectCircularity:             CureReconstructChain,
	DefectConcealment:             CureDiscardClaim,
	DefectUnknownSource:           CureRequestSource,
	DefectStaleness:               CureRequestSource,
	DefectUnitMismatch:            CureRequireReaudit,
	DefectTimeWindowMismatch:      CureRequireReaudit,
	DefectScopeDrift:              CureRequireReaudit,
	DefectInconsistency:           CureHumanArbitration,
	DefectAnomalyVsStrongerSource: CureHumanArbitration,
	DefectImplausibility:          CureHumanArbitration,
}

// CureFor returns the canonical remediation for a defect type. Unknown types
// go to human arbitration.
func CureFor(t DefectType) CureProtocol {
	if c, ok := defectCures[t]; ok {
		return c
	}
	return CureHumanArbitration
}

// DefectStatus is the lifecycle state of a defect.
type DefectStatus string

const (
	DefectOpen   DefectStatus = "OPEN"
	DefectWaived DefectStatus = "WAIVED"
	DefectCured  DefectStatus = "CURED"
)

// Defect is a typed fault attached to a sanad. Waiving or curing requires an
// actor and a non-empty reason; both transitions are HIGH-severity audited.
type Defect struct {
	DefectID     string         `json:"defect_id"`
	TenantID     string         `json:"tenant_id"`
	DealID       string         `json:"deal_id"`
	SanadID      string         `json:"sanad_id"`
	ClaimID      string         `json:"claim_id"`
	Type         DefectType     `json:"defect_type"`
	Severity     DefectSeverity `json:"severity"`
	Description  string         `json:"description"`
	CureProtocol CureProtocol   `json:"cure_protocol"`
	Status       DefectStatus   `json:"status"`

	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolvedReason string    `json:"resolved_reason,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewDefect constructs an open defect with the canonical severity for its
// type.
func NewDefect(id, tenantID, dealID, sanadID, claimID string, t DefectType, description string, cure CureProtocol) *Defect {
	return &Defect{
		DefectID:     NormalizeID(id),
		TenantID:     tenantID,
		DealID:       NormalizeID(dealID),
		SanadID:      NormalizeID(sanadID),
		ClaimID:      NormalizeID(claimID),
		Type:         t,
		Severity:     SeverityOf(t),
		Description:  description,
		CureProtocol: cure,
		Status:       DefectOpen,
	}
}
