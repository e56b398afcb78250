package deliverable

import (
	"fmt"
	"strings"

	"github.com/mizan-labs/idis/pkg/errs"
)

// Validate checks structural completeness and then the No-Free-Facts rule.
// Export refuses any deliverable that fails here.
func Validate(d *Deliverable) error {
	if d == nil {
		return errs.Validation(errs.CodeValidationFailed, "Deliverable is required", nil)
	}
	var missing []string
	if d.DeliverableID == "" {
		missing = append(missing, "deliverable_id")
	}
	if d.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if d.DealID == "" {
		missing = append(missing, "deal_id")
	}
	if strings.TrimSpace(d.Title) == "" {
		missing = append(missing, "title")
	}
	if len(missing) > 0 {
		return errs.Validation(errs.CodeValidationFailed,
			"Deliverable is missing required fields",
			map[string]any{"missing": missing})
	}
	if !d.Kind.Valid() {
		return errs.Validation(errs.CodeValidationFailed,
			"Unknown deliverable kind",
			map[string]any{"kind": string(d.Kind)})
	}
	return ValidateNoFreeFacts(d)
}

// ValidateNoFreeFacts enforces the No-Free-Facts rule: every fact with
// is_factual=true carries at least one claim or calculation reference.
// is_subjective never bypasses the check; authors opt out of it by setting
// is_factual=false. All offending facts are reported in one pass.
func ValidateNoFreeFacts(d *Deliverable) error {
	var paths []string
	for si, sec := range d.Sections {
		for fi, f := range sec.Facts {
			if !f.IsFactual {
				continue
			}
			if len(f.ClaimRefs)+len(f.CalcRefs) >= 1 {
				continue
			}
			paths = append(paths, fmt.Sprintf("sections[%d].facts[%d]", si, fi))
		}
	}
	if len(paths) == 0 {
		return nil
	}
	return errs.Validation(errs.CodeNoFreeFacts,
		"Deliverable contains factual statements without claim or calculation references",
		map[string]any{"paths": paths})
}
