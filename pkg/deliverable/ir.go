package deliverable

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// BlockKind classifies an IR block so renderers can style it without
// re-deriving document structure.
type BlockKind string

const (
	BlockTitle    BlockKind = "TITLE"
	BlockHeading  BlockKind = "HEADING"
	BlockBody     BlockKind = "BODY"
	BlockAppendix BlockKind = "APPENDIX"
)

// Block is one ordered unit of rendered text.
type Block struct {
	Kind BlockKind
	Text string
}

// BuildIR flattens a deliverable into the canonical block sequence both
// renderers consume: title, then each section's heading and fact texts in
// order, then the audit appendix. Text is NFC-normalized with collapsed
// whitespace so byte output does not depend on the source's unicode
// composition or incidental spacing.
func BuildIR(d *Deliverable) []Block {
	blocks := []Block{{Kind: BlockTitle, Text: normText(d.Title)}}
	for _, sec := range d.Sections {
		if h := normText(sec.Heading); h != "" {
			blocks = append(blocks, Block{Kind: BlockHeading, Text: h})
		}
		for _, f := range sec.Facts {
			blocks = append(blocks, Block{Kind: BlockBody, Text: normText(f.Text)})
		}
	}
	if entries := d.Appendix(); len(entries) > 0 {
		blocks = append(blocks, Block{Kind: BlockHeading, Text: "Audit Appendix"})
		for _, e := range entries {
			blocks = append(blocks, Block{Kind: BlockAppendix, Text: fmt.Sprintf("%s %s", e.RefType, e.RefID)})
		}
	}
	return blocks
}

func normText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}
