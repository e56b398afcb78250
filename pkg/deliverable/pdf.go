package deliverable

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mizan-labs/idis/pkg/errs"
)

// Page geometry in PDF points (US Letter, 1in margins, text starts 1in
// below the top margin).
const (
	pdfPageWidth  = 612
	pdfPageHeight = 792
	pdfMarginX    = 72
	pdfTopY       = 720
	pdfBottomY    = 72
)

type pdfStyle struct {
	font    string // page resource name: F1 regular, F2 bold
	size    int
	leading int
	width   int // wrap width in characters
}

func pdfStyleFor(k BlockKind) pdfStyle {
	switch k {
	case BlockTitle:
		return pdfStyle{font: "F2", size: 18, leading: 30, width: 48}
	case BlockHeading:
		return pdfStyle{font: "F2", size: 13, leading: 22, width: 66}
	case BlockAppendix:
		return pdfStyle{font: "F1", size: 9, leading: 12, width: 100}
	default:
		return pdfStyle{font: "F1", size: 10, leading: 14, width: 90}
	}
}

// RenderPDF renders the deliverable as a minimal PDF 1.4 document. The
// output begins "%PDF" and is a pure function of the deliverable content
// and exportTS: object numbering is fixed, xref offsets are computed, and
// the creation and modification dates come from exportTS, never the wall
// clock. Callers validate the deliverable first; RenderPDF renders
// whatever it is given.
func RenderPDF(d *Deliverable, exportTS time.Time) ([]byte, error) {
	if d == nil {
		return nil, errs.New(errs.CodeInternal, "RenderPDF requires a deliverable")
	}

	var pages []*bytes.Buffer
	var page *bytes.Buffer
	y := 0
	newPage := func() {
		page = &bytes.Buffer{}
		pages = append(pages, page)
		y = pdfTopY
	}
	newPage()

	for _, blk := range BuildIR(d) {
		st := pdfStyleFor(blk.Kind)
		lines := wrapText(blk.Text, st.width)
		if len(lines) == 0 {
			lines = []string{""}
		}
		for _, line := range lines {
			if y < pdfBottomY {
				newPage()
			}
			fmt.Fprintf(page, "BT /%s %d Tf %d %d Td (", st.font, st.size, pdfMarginX, y)
			page.Write(pdfEscape(line))
			page.WriteString(") Tj ET\n")
			y -= st.leading
		}
	}

	return assemblePDF(d.Title, pages, exportTS), nil
}

// assemblePDF lays out the object table. Objects 1-5 are fixed: catalog,
// page tree, regular font, bold font, document info. Page p then occupies
// objects 6+2p (page) and 7+2p (content stream).
func assemblePDF(title string, pages []*bytes.Buffer, exportTS time.Time) []byte {
	date := exportTS.UTC().Format("20060102150405")
	objCount := 5 + 2*len(pages)

	var kids strings.Builder
	for p := range pages {
		if p > 0 {
			kids.WriteString(" ")
		}
		fmt.Fprintf(&kids, "%d 0 R", 6+2*p)
	}

	objs := make([]string, 0, objCount)
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids.String(), len(pages)),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica-Bold >>",
		fmt.Sprintf("<< /Title (%s) /Producer (IDIS) /CreationDate (D:%sZ) /ModDate (D:%sZ) >>",
			pdfEscape(normText(title)), date, date),
	)
	for p, content := range pages {
		objs = append(objs, fmt.Sprintf(
			"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] /Resources << /Font << /F1 3 0 R /F2 4 0 R >> >> /Contents %d 0 R >>",
			pdfPageWidth, pdfPageHeight, 7+2*p))
		objs = append(objs, fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()))
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	out.Write([]byte{'%', 0xe2, 0xe3, 0xcf, 0xd3, '\n'})

	offsets := make([]int, objCount+1)
	for i, body := range objs {
		offsets[i+1] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", objCount+1)
	out.WriteString("0000000000 65535 f \n")
	for i := 1; i <= objCount; i++ {
		fmt.Fprintf(&out, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R /Info 5 0 R >>\nstartxref\n%d\n%%%%EOF\n", objCount+1, xref)
	return out.Bytes()
}

// wrapText greedily packs words into lines of at most width bytes. Byte
// count approximates rendered width; it only needs to be stable across
// invocations, not typographically exact.
func wrapText(s string, width int) []string {
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	cur := words[0]
	for _, w := range words[1:] {
		if len(cur)+1+len(w) <= width {
			cur += " " + w
			continue
		}
		lines = append(lines, cur)
		cur = w
	}
	return append(lines, cur)
}

// pdfEscape encodes s as a PDF literal string body: backslash escapes for
// the delimiters, octal escapes for control and non-ASCII bytes.
func pdfEscape(s string) []byte {
	var b bytes.Buffer
	for _, c := range []byte(s) {
		switch {
		case c == '\\' || c == '(' || c == ')':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.Bytes()
}
