package extraction

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mizan-labs/idis/pkg/domain"
	"github.com/mizan-labs/idis/pkg/values"
)

// PatternExtractor is the deterministic rule-based extractor. It backs lite
// mode and tests: same spans in, same candidates out, no model call.
//
// Each span yields at most one candidate. Monetary amounts win over
// percentages, percentages over counts, counts over keyword-only matches.
// Spans with neither a recognized figure nor a class keyword yield nothing.
type PatternExtractor struct{}

var (
	moneyPattern   = regexp.MustCompile(`(?i)\$\s?([0-9][0-9,]*(?:\.[0-9]+)?)\s*(billion|million|thousand|bn|mm|b|m|k)?\b`)
	percentPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s?%`)
	countPattern   = regexp.MustCompile(`(?i)([0-9][0-9,]*)\s+(customers|users|employees|seats|deals|logos)\b`)

	confFigure  = decimal.RequireFromString("0.97")
	dhabtFigure = decimal.RequireFromString("0.92")
	confText    = decimal.RequireFromString("0.82")
	dhabtText   = decimal.RequireFromString("0.75")

	hundred = decimal.NewFromInt(100)
)

// classKeywords is scanned in order; the first class with a hit wins.
var classKeywords = []struct {
	class domain.ClaimClass
	words []string
}{
	{domain.ClassFinancial, []string{"revenue", "arr", "mrr", "gross margin", "burn", "runway", "cash", "ebitda", "cac", "ltv"}},
	{domain.ClassTraction, []string{"customer", "user", "retention", "churn", "growth", "pipeline", "logo"}},
	{domain.ClassMarketSize, []string{"tam", "sam", "som", "market"}},
	{domain.ClassCompetition, []string{"competitor", "competition", "rival"}},
	{domain.ClassTeam, []string{"founder", "ceo", "cto", "team", "headcount"}},
	{domain.ClassLegalTerms, []string{"liquidation", "pro rata", "option pool", "valuation cap", "term sheet"}},
	{domain.ClassTechnical, []string{"latency", "uptime", "sla", "patent"}},
}

func (PatternExtractor) Extract(_ context.Context, chunk Chunk) ([]Candidate, error) {
	var out []Candidate
	for _, span := range chunk.Spans {
		if cand, ok := candidateFor(span); ok {
			out = append(out, cand)
		}
	}
	return out, nil
}

func candidateFor(span *domain.Span) (Candidate, bool) {
	text := span.TextExcerpt
	class := classify(text)

	cand := Candidate{
		Text:                 strings.TrimSpace(text),
		SpanID:               span.SpanID,
		ExtractionConfidence: confFigure,
		DhabtScore:           dhabtFigure,
		Materiality:          domain.MaterialityMedium,
	}

	switch {
	case moneyPattern.MatchString(text):
		m := moneyPattern.FindStringSubmatch(text)
		amount, ok := parseAmount(m[1], m[2])
		if !ok {
			return Candidate{}, false
		}
		v := values.Monetary(amount, "USD")
		cand.Value = &v
		if class == "" {
			class = domain.ClassFinancial
		}
	case percentPattern.MatchString(text):
		m := percentPattern.FindStringSubmatch(text)
		pct, err := decimal.NewFromString(m[1])
		if err != nil {
			return Candidate{}, false
		}
		frac := pct.Div(hundred)
		v := values.Percentage(frac)
		if frac.GreaterThan(one) {
			v.AllowOverflow = true
		}
		cand.Value = &v
		if class == "" {
			class = domain.ClassFinancial
		}
	case countPattern.MatchString(text):
		m := countPattern.FindStringSubmatch(text)
		n, ok := parseAmount(m[1], "")
		if !ok {
			return Candidate{}, false
		}
		v := values.Count(n, strings.ToLower(m[2]))
		cand.Value = &v
		if class == "" {
			class = domain.ClassTraction
		}
	default:
		if class == "" {
			return Candidate{}, false
		}
		// Keyword-only match: a qualitative statement. Scores land below
		// the calc input gate so it can never feed a formula unverified.
		cand.ExtractionConfidence = confText
		cand.DhabtScore = dhabtText
	}

	cand.Class = class
	if class == domain.ClassFinancial || class == domain.ClassLegalTerms {
		cand.Materiality = domain.MaterialityHigh
	}
	return cand, true
}

func classify(text string) domain.ClaimClass {
	lower := strings.ToLower(text)
	for _, entry := range classKeywords {
		for _, w := range entry.words {
			if strings.Contains(lower, w) {
				return entry.class
			}
		}
	}
	return ""
}

func parseAmount(digits, suffix string) (decimal.Decimal, bool) {
	n, err := decimal.NewFromString(strings.ReplaceAll(digits, ",", ""))
	if err != nil {
		return decimal.Decimal{}, false
	}
	switch strings.ToLower(suffix) {
	case "billion", "bn", "b":
		n = n.Mul(decimal.NewFromInt(1_000_000_000))
	case "million", "mm", "m":
		n = n.Mul(decimal.NewFromInt(1_000_000))
	case "thousand", "k":
		n = n.Mul(decimal.NewFromInt(1_000))
	}
	return n, true
}
