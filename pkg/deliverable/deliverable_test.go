package deliverable

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mizan-labs/idis/pkg/audit"
	"github.com/mizan-labs/idis/pkg/auth"
	"github.com/mizan-labs/idis/pkg/canonjson"
	"github.com/mizan-labs/idis/pkg/errs"
	"github.com/mizan-labs/idis/pkg/keyring"
)

var (
	deliverableTestNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exportTS           = time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
)

func deliverableTC() *auth.TenantContext {
	return &auth.TenantContext{
		TenantID: "tenant-1",
		ActorID:  "analyst-1",
		Roles:    []auth.Role{auth.RoleAnalyst},
	}
}

func screeningSnapshot() *Deliverable {
	return &Deliverable{
		DeliverableID: "dv-1",
		TenantID:      "tenant-1",
		DealID:        "deal-1",
		Kind:          KindScreeningSnapshot,
		Title:         "Acme Corp Screening Snapshot",
		Sections: []Section{{
			Heading: "Summary",
			Facts: []Fact{{
				Text:      "Revenue was $5M in FY2025.",
				ClaimRefs: []string{"c-1"},
				IsFactual: true,
			}},
		}},
	}
}

type memoryBlobStore struct {
	blobs [][]byte
	kinds []string
	fail  error
}

func (s *memoryBlobStore) Put(_ context.Context, _ *auth.TenantContext, _ audit.Request, kind string, data []byte) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs = append(s.blobs, cp)
	s.kinds = append(s.kinds, kind)
	return "sha256:" + canonjson.HashBytes(data), nil
}

func newTestExporter(t *testing.T) (*Exporter, *memoryBlobStore, *audit.MemorySink, *keyring.Keyring) {
	t.Helper()
	sink := audit.NewMemorySink()
	recorder, err := audit.NewRecorder(sink, nil)
	require.NoError(t, err)
	n := 0
	builder := audit.NewBuilder().
		WithClock(func() time.Time { return deliverableTestNow }).
		WithIDSource(func() string { n++; return fmt.Sprintf("ev-%d", n) })
	keys, err := keyring.New(bytes.Repeat([]byte{0x42}, keyring.SeedSize))
	require.NoError(t, err)
	store := &memoryBlobStore{}
	return NewExporter(keys, store, recorder, builder), store, sink, keys
}

func TestAppendixSortedAndDeduped(t *testing.T) {
	d := &Deliverable{Sections: []Section{
		{Facts: []Fact{
			{Text: "a", ClaimRefs: []string{"c-2", "c-1"}, IsFactual: true},
			{Text: "b", ClaimRefs: []string{"c-1"}, CalcRefs: []string{"k-1"}, IsFactual: true},
		}},
		{Facts: []Fact{
			{Text: "c", CalcRefs: []string{"k-1"}, IsFactual: true},
		}},
	}}

	assert.Equal(t, []AppendixEntry{
		{RefID: "k-1", RefType: RefCalc},
		{RefID: "c-1", RefType: RefClaim},
		{RefID: "c-2", RefType: RefClaim},
	}, d.Appendix())
}

func TestValidateRequiresCoreFields(t *testing.T) {
	d := screeningSnapshot()
	d.Title = "   "
	d.DealID = ""

	err := Validate(d)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))
	e := errs.AsError(err)
	assert.Equal(t, []string{"deal_id", "title"}, e.Details["missing"])

	d = screeningSnapshot()
	d.Kind = "QuarterlyLetter"
	err = Validate(d)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))
}

func TestNoFreeFactsAggregatesOffenders(t *testing.T) {
	d := screeningSnapshot()
	d.Sections[0].Facts = append(d.Sections[0].Facts,
		// Subjective does not bypass the gate.
		Fact{Text: "We believe the team is strong.", IsFactual: true, IsSubjective: true},
	)
	d.Sections = append(d.Sections, Section{
		Heading: "Risks",
		Facts: []Fact{
			{Text: "Churn doubled last quarter.", IsFactual: true},
			{Text: "Worth monitoring.", IsFactual: false},
		},
	})

	err := ValidateNoFreeFacts(d)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeNoFreeFacts))
	e := errs.AsError(err)
	assert.Equal(t, "NO_FREE_FACTS_VIOLATION", e.Code)
	assert.Equal(t, []string{"sections[0].facts[1]", "sections[1].facts[0]"}, e.Details["paths"])
}

func TestNoFreeFactsAcceptsCitedAndNonFactual(t *testing.T) {
	d := screeningSnapshot()
	d.Sections[0].Facts = append(d.Sections[0].Facts,
		Fact{Text: "EBITDA margin is 31%.", CalcRefs: []string{"k-1"}, IsFactual: true},
		Fact{Text: "A promising quarter overall.", IsFactual: false, IsSubjective: true},
	)
	require.NoError(t, ValidateNoFreeFacts(d))
}

func TestBuildIRFlattensInOrder(t *testing.T) {
	d := screeningSnapshot()
	d.Title = "Acme Corp  Screening\tSnapshot" // NBSP and runs of whitespace collapse
	d.Sections = append(d.Sections, Section{
		// Empty heading emits no heading block.
		Facts: []Fact{{Text: "Closing note.", IsFactual: false}},
	})

	blocks := BuildIR(d)
	require.Equal(t, []Block{
		{Kind: BlockTitle, Text: "Acme Corp Screening Snapshot"},
		{Kind: BlockHeading, Text: "Summary"},
		{Kind: BlockBody, Text: "Revenue was $5M in FY2025."},
		{Kind: BlockBody, Text: "Closing note."},
		{Kind: BlockHeading, Text: "Audit Appendix"},
		{Kind: BlockAppendix, Text: "CLAIM c-1"},
	}, blocks)
}

func TestRenderPDFDeterministic(t *testing.T) {
	d := screeningSnapshot()

	first, err := RenderPDF(d, exportTS)
	require.NoError(t, err)
	second, err := RenderPDF(d, exportTS)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(first, []byte("%PDF")))
	assert.Equal(t, first, second)
	assert.Equal(t, canonjson.HashBytes(first), canonjson.HashBytes(second))
	assert.Contains(t, string(first), "(D:20260111120000Z)")
	assert.True(t, bytes.HasSuffix(first, []byte("%%EOF\n")))
}

func TestRenderPDFEscapesTextDelimiters(t *testing.T) {
	d := screeningSnapshot()
	d.Sections[0].Facts[0].Text = `Revenue (unaudited) was \$5M.`

	out, err := RenderPDF(d, exportTS)
	require.NoError(t, err)
	assert.Contains(t, string(out), `Revenue \(unaudited\) was \\$5M.`)
}

func TestRenderPDFPaginatesLongDocuments(t *testing.T) {
	d := screeningSnapshot()
	for i := 0; i < 80; i++ {
		d.Sections[0].Facts = append(d.Sections[0].Facts, Fact{
			Text:      fmt.Sprintf("Metric %d held steady through the period.", i),
			ClaimRefs: []string{"c-1"},
			IsFactual: true,
		})
	}

	out, err := RenderPDF(d, exportTS)
	require.NoError(t, err)
	pages := bytes.Count(out, []byte("/Type /Page /Parent"))
	assert.Greater(t, pages, 1)

	again, err := RenderPDF(d, exportTS)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestRenderDOCXDeterministic(t *testing.T) {
	d := screeningSnapshot()

	first, err := RenderDOCX(d, exportTS)
	require.NoError(t, err)
	second, err := RenderDOCX(d, exportTS)
	require.NoError(t, err)

	assert.True(t, bytes.HasPrefix(first, []byte("PK")))
	assert.Equal(t, first, second)

	zr, err := zip.NewReader(bytes.NewReader(first), int64(len(first)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{
		"[Content_Types].xml",
		"_rels/.rels",
		"docProps/core.xml",
		"word/document.xml",
	}, names)

	doc := readZipEntry(t, zr, "word/document.xml")
	assert.Contains(t, doc, "Revenue was $5M in FY2025.")
	assert.Contains(t, doc, "CLAIM c-1")

	core := readZipEntry(t, zr, "docProps/core.xml")
	assert.Contains(t, core, ">2026-01-11T12:00:00Z</dcterms:created>")
	assert.Contains(t, core, ">2026-01-11T12:00:00Z</dcterms:modified>")
}

func TestRenderDOCXEscapesXML(t *testing.T) {
	d := screeningSnapshot()
	d.Sections[0].Facts[0].Text = `Revenue was <boosted> by "M&A".`

	out, err := RenderDOCX(d, exportTS)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(out), int64(len(out)))
	require.NoError(t, err)
	doc := readZipEntry(t, zr, "word/document.xml")
	assert.Contains(t, doc, `Revenue was &lt;boosted&gt; by &quot;M&amp;A&quot;.`)
}

func readZipEntry(t *testing.T, zr *zip.Reader, name string) string {
	t.Helper()
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(rc)
		require.NoError(t, err)
		return buf.String()
	}
	t.Fatalf("zip entry %s not found", name)
	return ""
}

func TestSignManifestVerifies(t *testing.T) {
	keys, err := keyring.New(bytes.Repeat([]byte{0x42}, keyring.SeedSize))
	require.NoError(t, err)
	artifact := []byte("artifact bytes")

	m, err := SignArtifact(keys, "dv-1", artifact, exportTS)
	require.NoError(t, err)
	assert.Equal(t, canonjson.HashBytes(artifact), m.ArtifactSHA256)
	assert.Equal(t, exportTS, m.ExportTimestamp)

	signer, err := keys.Signer(keyring.PurposeDeliverableSigning)
	require.NoError(t, err)
	assert.Equal(t, signer.KeyID(), m.KeyID)
	sig, err := hex.DecodeString(m.Sig)
	require.NoError(t, err)
	assert.Len(t, sig, 64)

	assert.True(t, VerifyArtifact(signer.PublicKey(), m, artifact))

	// Tampered artifact, tampered manifest, wrong key: all fail closed.
	assert.False(t, VerifyArtifact(signer.PublicKey(), m, []byte("other bytes")))
	tampered := *m
	tampered.DeliverableID = "dv-2"
	assert.False(t, VerifyArtifact(signer.PublicKey(), &tampered, artifact))
	other, err := keys.Signer(keyring.PurposeWebhook)
	require.NoError(t, err)
	assert.False(t, VerifyArtifact(other.PublicKey(), m, artifact))
}

func TestExporterExportsSignsAndAudits(t *testing.T) {
	exp, store, sink, keys := newTestExporter(t)

	res, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		screeningSnapshot(), FormatDOCX, exportTS)
	require.NoError(t, err)

	assert.Equal(t, "dv-1", res.DeliverableID)
	assert.Equal(t, FormatDOCX, res.Format)
	assert.True(t, bytes.HasPrefix(res.Artifact, []byte("PK")))
	assert.Equal(t, canonjson.HashBytes(res.Artifact), res.SHA256)
	assert.Equal(t, "sha256:"+res.SHA256, res.StorageRef)
	require.Len(t, store.blobs, 1)
	assert.Equal(t, res.Artifact, store.blobs[0])
	assert.Equal(t, []string{"DELIVERABLE"}, store.kinds)

	signer, err := keys.Signer(keyring.PurposeDeliverableSigning)
	require.NoError(t, err)
	require.NotNil(t, res.Manifest)
	assert.True(t, VerifyArtifact(signer.PublicKey(), res.Manifest, res.Artifact))

	exported := sink.ByType("deliverable.exported")
	require.Len(t, exported, 1)
	assert.Equal(t, audit.SeverityLow, exported[0].Severity)
	assert.Equal(t, "DELIVERABLE", exported[0].Resource.ResourceType)
	assert.Equal(t, "dv-1", exported[0].Resource.ResourceID)
	assert.Equal(t, []string{res.SHA256}, exported[0].Payload.Hashes)
	assert.Equal(t, []string{"deal-1"}, exported[0].Payload.Refs)
	assert.Equal(t, "ScreeningSnapshot", exported[0].Payload.Safe["kind"])
	assert.Equal(t, "DOCX", exported[0].Payload.Safe["format"])
	assert.Equal(t, 1, exported[0].Payload.Safe["facts"])
	assert.Equal(t, res.StorageRef, exported[0].Payload.Safe["storage_ref"])

	signed := sink.ByType("deliverable.signed")
	require.Len(t, signed, 1)
	assert.Equal(t, audit.SeverityMedium, signed[0].Severity)
	assert.Equal(t, res.Manifest.KeyID, signed[0].Payload.Safe["key_id"])
}

func TestExporterByteIdenticalAcrossExports(t *testing.T) {
	exp, _, _, _ := newTestExporter(t)

	first, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		screeningSnapshot(), FormatDOCX, exportTS)
	require.NoError(t, err)
	second, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-2"},
		screeningSnapshot(), FormatDOCX, exportTS)
	require.NoError(t, err)

	assert.Equal(t, first.Artifact, second.Artifact)
	assert.Equal(t, first.SHA256, second.SHA256)

	pdf1, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-3"},
		screeningSnapshot(), FormatPDF, exportTS)
	require.NoError(t, err)
	pdf2, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-4"},
		screeningSnapshot(), FormatPDF, exportTS)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(pdf1.Artifact, []byte("%PDF")))
	assert.Equal(t, pdf1.Artifact, pdf2.Artifact)
}

func TestExporterRejectsFreeFacts(t *testing.T) {
	exp, store, sink, _ := newTestExporter(t)
	d := screeningSnapshot()
	d.Sections[0].Facts = append(d.Sections[0].Facts,
		Fact{Text: "Margins expanded materially.", IsFactual: true})

	_, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		d, FormatDOCX, exportTS)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeNoFreeFacts))
	assert.Empty(t, store.blobs)
	assert.Empty(t, sink.Events())
}

func TestExporterTenantMismatch(t *testing.T) {
	exp, _, sink, _ := newTestExporter(t)
	d := screeningSnapshot()
	d.TenantID = "tenant-2"

	_, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		d, FormatDOCX, exportTS)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))
	assert.Empty(t, sink.Events())
}

func TestExporterUnknownFormat(t *testing.T) {
	exp, _, _, _ := newTestExporter(t)

	_, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		screeningSnapshot(), Format("HTML"), exportTS)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeValidationFailed))
}

func TestExporterAuditFailureAborts(t *testing.T) {
	exp, store, sink, _ := newTestExporter(t)
	sink.FailWith = fmt.Errorf("audit archive unavailable")

	_, err := exp.Export(context.Background(), deliverableTC(), audit.Request{RequestID: "req-1"},
		screeningSnapshot(), FormatDOCX, exportTS)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeAuditEmitFailed))
	// Rendering and storage happened; the export still reports failure.
	assert.Len(t, store.blobs, 1)
}
