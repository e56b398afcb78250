// Package domain holds the IDIS entity model: deals, documents, spans,
// claims, evidence chains, defects, calculations, and runs.
//
// Every persistent entity carries a tenant ID. Entities never reference
// entities from another tenant; repositories enforce that re-read rule and
// the perimeter enforces it at the API. Identifiers are UUIDs rendered
// lowercase.
package domain

import (
	"strings"
	"time"
)

// DealStage is the pipeline position of an investment opportunity.
type DealStage string

const (
	StageSourcing  DealStage = "SOURCING"
	StageScreening DealStage = "SCREENING"
	StageDiligence DealStage = "DILIGENCE"
	StageIC        DealStage = "IC"
	StageClosed    DealStage = "CLOSED"
	StagePassed    DealStage = "PASSED"
)

func (s DealStage) Valid() bool {
	switch s {
	case StageSourcing, StageScreening, StageDiligence, StageIC, StageClosed, StagePassed:
		return true
	}
	return false
}

// Deal is an investment opportunity under diligence.
type Deal struct {
	DealID      string    `json:"deal_id"`
	TenantID    string    `json:"tenant_id"`
	CompanyName string    `json:"company_name"`
	Stage       DealStage `json:"stage"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DocumentType identifies the ingested artifact format.
type DocumentType string

const (
	DocPDF  DocumentType = "PDF"
	DocXLSX DocumentType = "XLSX"
	DocDOCX DocumentType = "DOCX"
	DocPPTX DocumentType = "PPTX"
)

func (d DocumentType) Valid() bool {
	switch d {
	case DocPDF, DocXLSX, DocDOCX, DocPPTX:
		return true
	}
	return false
}

// Document is an ingested deal artifact. Version increments when the same
// logical document is re-uploaded; the grader uses it for drift detection.
type Document struct {
	DocumentID  string       `json:"document_id"`
	TenantID    string       `json:"tenant_id"`
	DealID      string       `json:"deal_id"`
	Name        string       `json:"name"`
	Type        DocumentType `json:"type"`
	Version     int          `json:"version"`
	ContentHash string       `json:"content_hash"`
	UploadedAt  time.Time    `json:"uploaded_at"`
}

// SpanType identifies the locator shape of a span.
type SpanType string

const (
	SpanPDFLine   SpanType = "PDF_LINE"
	SpanXLSXCell  SpanType = "XLSX_CELL"
	SpanDOCXPara  SpanType = "DOCX_PARAGRAPH"
	SpanPPTXShape SpanType = "PPTX_SHAPE"
)

func (s SpanType) Valid() bool {
	switch s {
	case SpanPDFLine, SpanXLSXCell, SpanDOCXPara, SpanPPTXShape:
		return true
	}
	return false
}

// SpanLocator addresses the minimal unit of content inside a document. The
// populated fields depend on SpanType.
type SpanLocator struct {
	Page      int    `json:"page,omitempty"`
	Line      int    `json:"line,omitempty"`
	Sheet     string `json:"sheet,omitempty"`
	Cell      string `json:"cell,omitempty"`
	Row       int    `json:"row,omitempty"`
	Col       int    `json:"col,omitempty"`
	Paragraph int    `json:"paragraph,omitempty"`
	Slide     int    `json:"slide,omitempty"`
	Shape     int    `json:"shape,omitempty"`
}

// Span is the minimal addressable locator of document content. Claims point
// at spans; evidence chains bottom out at spans.
type Span struct {
	SpanID      string      `json:"span_id"`
	TenantID    string      `json:"tenant_id"`
	DocumentID  string      `json:"document_id"`
	SpanType    SpanType    `json:"span_type"`
	Locator     SpanLocator `json:"locator"`
	TextExcerpt string      `json:"text_excerpt"`
	ContentHash string      `json:"content_hash"`
}

// NormalizeID lowercases a UUID for storage and comparison. All persisted
// identifiers go through this.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
