// Package deliverable builds, validates, renders, and signs exported
// documents.
//
// A deliverable is ordered sections of ordered facts. Before anything is
// rendered the No-Free-Facts gate runs: a factual statement with no claim
// or calculation reference never leaves the system. Renderers flatten the
// deliverable into a canonical block sequence and emit byte-deterministic
// PDF and DOCX artifacts; the exporter signs each artifact with a detached
// ed25519 manifest so recipients can verify provenance offline.
package deliverable

import (
	"sort"
)

// Kind names the deliverable templates the platform exports.
type Kind string

const (
	KindICMemo            Kind = "ICMemo"
	KindScreeningSnapshot Kind = "ScreeningSnapshot"
	KindTruthDashboard    Kind = "TruthDashboard"
)

func (k Kind) Valid() bool {
	switch k {
	case KindICMemo, KindScreeningSnapshot, KindTruthDashboard:
		return true
	}
	return false
}

// Fact is one statement in a section. Factual statements cite the claims
// and calculations that back them; IsSubjective marks opinion but does not
// relax the citation requirement.
type Fact struct {
	Text         string   `json:"text"`
	ClaimRefs    []string `json:"claim_refs,omitempty"`
	CalcRefs     []string `json:"calc_refs,omitempty"`
	IsFactual    bool     `json:"is_factual"`
	IsSubjective bool     `json:"is_subjective"`
}

// Section is an ordered group of facts under one heading.
type Section struct {
	Heading string `json:"heading"`
	Facts   []Fact `json:"facts"`
}

// Deliverable is the exportable document model. Section and fact order is
// significant: renderers emit exactly this order.
type Deliverable struct {
	DeliverableID string    `json:"deliverable_id"`
	TenantID      string    `json:"tenant_id"`
	DealID        string    `json:"deal_id"`
	Kind          Kind      `json:"kind"`
	Title         string    `json:"title"`
	Sections      []Section `json:"sections"`
}

// RefType distinguishes claim citations from calculation citations.
type RefType string

const (
	RefClaim RefType = "CLAIM"
	RefCalc  RefType = "CALC"
)

// AppendixEntry is one row of the audit appendix.
type AppendixEntry struct {
	RefID   string  `json:"ref_id"`
	RefType RefType `json:"ref_type"`
}

// Appendix lists every reference cited anywhere in the deliverable,
// deduplicated and sorted by (ref_type, ref_id) so the rendered appendix
// is stable regardless of citation order in the body.
func (d *Deliverable) Appendix() []AppendixEntry {
	seen := make(map[AppendixEntry]bool)
	var entries []AppendixEntry
	add := func(id string, t RefType) {
		if id == "" {
			return
		}
		e := AppendixEntry{RefID: id, RefType: t}
		if seen[e] {
			return
		}
		seen[e] = true
		entries = append(entries, e)
	}
	for _, sec := range d.Sections {
		for _, f := range sec.Facts {
			for _, id := range f.ClaimRefs {
				add(id, RefClaim)
			}
			for _, id := range f.CalcRefs {
				add(id, RefCalc)
			}
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].RefType != entries[j].RefType {
			return entries[i].RefType < entries[j].RefType
		}
		return entries[i].RefID < entries[j].RefID
	})
	return entries
}

// FactCount returns the total number of facts across all sections.
func (d *Deliverable) FactCount() int {
	n := 0
	for _, sec := range d.Sections {
		n += len(sec.Facts)
	}
	return n
}
