package analyze

import (
	"regexp"
	"strings"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/parse"
)

// DetectionThreshold is the minimum confidence score (spec §4.H step 3) at
// which a document is considered to contain financial data.
const DetectionThreshold = 30.0

// incomePatterns, balancePatterns, and cashflowPatterns mirror the teacher's
// regex-table approach to keyword detection (see
// cmd/scraper-sources/manuals/component_extractor.go's componentNamePatterns),
// retargeted from automotive part names to financial-statement vocabulary
// with English and German variants per spec §4.H's normalization table.
var incomePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(income\s+statement|profit\s+and\s+loss|p\s*&\s*l|gewinn\s+und\s+verlust|guv)\b`),
	regexp.MustCompile(`(?i)\b(revenue|sales|net\s+sales|umsatz|erl(ö|oe)se)\b`),
	regexp.MustCompile(`(?i)\b(ebitda|operating\s+profit|betriebsergebnis)\b`),
	regexp.MustCompile(`(?i)\b(gross\s+profit|bruttogewinn)\b`),
	regexp.MustCompile(`(?i)\b(net\s+income|net\s+profit|jahres(ü|ue)berschuss)\b`),
}

var balancePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(balance\s+sheet|bilanz)\b`),
	regexp.MustCompile(`(?i)\b(total\s+assets|bilanzsumme)\b`),
	regexp.MustCompile(`(?i)\b(total\s+liabilities|verbindlichkeiten)\b`),
	regexp.MustCompile(`(?i)\b(shareholders?\s+equity|eigenkapital)\b`),
	regexp.MustCompile(`(?i)\b(current\s+assets|fixed\s+assets|intangible\s+assets)\b`),
}

var cashflowPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(cash\s+flow\s+statement|cash[\s-]?flow|cashflow)\b`),
	regexp.MustCompile(`(?i)\b(operating\s+cash\s+flow|operativer\s+cashflow)\b`),
	regexp.MustCompile(`(?i)\b(free\s+cash\s+flow|fcf)\b`),
	regexp.MustCompile(`(?i)\b(investing\s+activities|financing\s+activities)\b`),
}

var categoryPatterns = map[string][]*regexp.Regexp{
	"income_statement": incomePatterns,
	"balance_sheet":     balancePatterns,
	"cash_flow":         cashflowPatterns,
}

// modelIndicatorPatterns flag prose describing a financial model (DCF,
// projections, terminal value) even absent any recognized table.
var modelIndicatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(dcf|discounted\s+cash\s+flow)\b`),
	regexp.MustCompile(`(?i)\b(forecast|projections?)\b`),
	regexp.MustCompile(`(?i)\bterminal\s+value\b`),
	regexp.MustCompile(`(?i)\bwacc\b`),
}

var numericCellPattern = regexp.MustCompile(`^[$€£]?\s*-?\d[\d,.]*\s*%?[efpEFP]?$`)

// projectionPattern matches a year label carrying an explicit projection
// marker (…E, …F, …P, or the word "forecast"), per spec §4.H step 3.
var projectionPattern = regexp.MustCompile(`(?i)(\d{4}\s*[efp]\b)|forecast`)

// IsProjectionYear reports whether label carries a projection marker.
func IsProjectionYear(label string) bool {
	return projectionPattern.MatchString(label)
}

// IsActualYear reports whether label should be treated as an actual
// (non-projected) period; absent an explicit projection marker, a label is
// assumed actual.
func IsActualYear(label string) bool {
	return !IsProjectionYear(label)
}

// DetectionResult summarizes whether and how a document looks financial.
type DetectionResult struct {
	HasFinancialData     bool
	Confidence           float64
	DocumentType          string // income_statement, balance_sheet, cash_flow, or ""
	DetectedPatterns      []string
	SheetClassifications  map[string]string
	TableCount            int
	FormulaCount          int
}

// Detector classifies a reconstructed document view as financial content,
// per spec §4.H step 3.
type Detector struct{}

// NewDetector creates a Detector.
func NewDetector() *Detector { return &Detector{} }

// Detect scores pr for financial content, returning the dominant statement
// type and the evidence behind the score.
func (d *Detector) Detect(pr parse.ParseResult) DetectionResult {
	scores := map[string]int{}
	matched := map[string]bool{}
	var detected []string
	sheetClass := map[string]string{}

	for _, t := range pr.Tables {
		text := strings.ToLower(strings.Join(t.Headers, " ") + " " + flattenRows(t.Rows))
		localBest, localScore := "", 0
		for category, patterns := range categoryPatterns {
			for idx, re := range patterns {
				if !re.MatchString(text) {
					continue
				}
				key := category + ":" + re.String()
				if !matched[key] {
					matched[key] = true
					scores[category] += 15
					detected = append(detected, category+"["+itoa(idx)+"]")
				}
			}
			if scores[category] > localScore {
				localScore, localBest = scores[category], category
			}
		}
		if t.SheetName != "" && localBest != "" {
			sheetClass[t.SheetName] = localBest
		}
	}

	for _, c := range pr.Chunks {
		lower := strings.ToLower(c.Content)
		for _, re := range modelIndicatorPatterns {
			if re.MatchString(lower) {
				key := "model:" + re.String()
				if !matched[key] {
					matched[key] = true
					scores["__model__"] += 15
					detected = append(detected, "model:"+re.String())
				}
			}
		}
	}
	if scores["__model__"] > 0 {
		detected = append(detected, "financial_model")
	}

	best, bestScore := "", 0
	for category, score := range scores {
		if category == "__model__" {
			continue
		}
		if score > bestScore {
			best, bestScore = category, score
		}
	}
	confidence := float64(bestScore)
	if bestScore == 0 {
		confidence = float64(scores["__model__"])
	}
	confidence += tableNumericBoost(pr.Tables)
	formulaBoost := float64(len(pr.Formulas)) * 2
	if formulaBoost > 20 {
		formulaBoost = 20
	}
	confidence += formulaBoost
	if confidence > 100 {
		confidence = 100
	}

	return DetectionResult{
		HasFinancialData:     confidence >= DetectionThreshold,
		Confidence:           confidence,
		DocumentType:         best,
		DetectedPatterns:     detected,
		SheetClassifications: sheetClass,
		TableCount:           len(pr.Tables),
		FormulaCount:         len(pr.Formulas),
	}
}

func flattenRows(rows [][]string) string {
	var b strings.Builder
	for _, row := range rows {
		b.WriteString(strings.Join(row, " "))
		b.WriteByte(' ')
	}
	return b.String()
}

// tableNumericBoost rewards tables whose cells are mostly numeric (including
// currency and percentage formatting), per spec §4.H's "numeric-ratio boost".
func tableNumericBoost(tables []domain.Table) float64 {
	var numeric, total int
	for _, t := range tables {
		for _, row := range t.Rows {
			for _, cell := range row {
				cell = strings.TrimSpace(cell)
				if cell == "" {
					continue
				}
				total++
				if numericCellPattern.MatchString(cell) {
					numeric++
				}
			}
		}
	}
	if total == 0 {
		return 0
	}
	ratio := float64(numeric) / float64(total)
	switch {
	case ratio > 0.6:
		return 15
	case ratio > 0.3:
		return 8
	default:
		return 0
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
