package analyze

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/parse"
)

// ExtractionResult is the output of the pattern-based financial extractor
// (spec §4.H step 3): the detection evidence plus the normalized metrics it
// produced, if any.
type ExtractionResult struct {
	Metrics             []domain.FinancialMetric
	HasFinancialData    bool
	DetectionConfidence float64
	DocumentType        string
}

// Extractor turns a reconstructed document view into normalized financial
// metrics, grounded on
// original_source/manda-processing/src/jobs/handlers/extract_financials.py's
// "Detect -> Extract" pipeline (src/financial/detector.py + extractor.py,
// filtered out of original_source but described by spec §4.H and exercised
// by tests/unit/test_financial/test_detector.py).
type Extractor struct {
	detector *Detector
}

// NewExtractor creates an Extractor.
func NewExtractor() *Extractor {
	return &Extractor{detector: NewDetector()}
}

// Extract detects and, if the document looks financial, extracts normalized
// metrics from every reconstructed table.
func (e *Extractor) Extract(documentID string, pr parse.ParseResult) ExtractionResult {
	det := e.detector.Detect(pr)
	result := ExtractionResult{
		HasFinancialData:    det.HasFinancialData,
		DetectionConfidence: det.Confidence,
		DocumentType:        det.DocumentType,
	}
	if !det.HasFinancialData {
		return result
	}

	confidence := int(det.Confidence)
	if confidence > 100 {
		confidence = 100
	}

	var metrics []domain.FinancialMetric
	for _, t := range pr.Tables {
		metrics = append(metrics, extractTableMetrics(documentID, t, confidence)...)
	}
	result.Metrics = metrics
	return result
}

var cellNumberPattern = regexp.MustCompile(`-?\d[\d,]*\.?\d*`)
var yearPattern = regexp.MustCompile(`\d{4}`)
var quarterPattern = regexp.MustCompile(`(?i)\bQ([1-4])\b`)

func extractTableMetrics(documentID string, t domain.Table, confidence int) []domain.FinancialMetric {
	if len(t.Headers) < 2 {
		return nil
	}

	var metrics []domain.FinancialMetric
	for rowIdx, row := range t.Rows {
		if len(row) == 0 {
			continue
		}
		label := strings.TrimSpace(row[0])
		if label == "" {
			continue
		}
		name, category := Normalize(label)

		for col := 1; col < len(row) && col < len(t.Headers); col++ {
			value, unit, ok := parseCellValue(row[col])
			if !ok {
				continue
			}
			header := t.Headers[col]
			fiscalYear := 0
			if m := yearPattern.FindString(header); m != "" {
				fiscalYear, _ = strconv.Atoi(m)
			}
			period := domain.PeriodAnnual
			fiscalQuarter := 0
			if m := quarterPattern.FindStringSubmatch(header); m != nil {
				period = domain.PeriodQuarterly
				fiscalQuarter, _ = strconv.Atoi(m[1])
			}

			metrics = append(metrics, domain.FinancialMetric{
				DocumentID:    documentID,
				Name:          name,
				Category:      domain.MetricCategory(category),
				Value:         value,
				Unit:          unit,
				Period:        period,
				FiscalYear:    fiscalYear,
				FiscalQuarter: fiscalQuarter,
				SourceLocator: sourceLocator(t.SheetName, rowIdx, col),
				IsActual:      IsActualYear(header),
				Confidence:    confidence,
			})
		}
	}
	return metrics
}

// parseCellValue extracts a numeric value and its unit (currency symbol or
// "%") from a table cell, reporting ok=false for non-numeric cells.
func parseCellValue(cell string) (value float64, unit string, ok bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return 0, "", false
	}
	match := cellNumberPattern.FindString(cell)
	if match == "" {
		return 0, "", false
	}
	clean := strings.ReplaceAll(match, ",", "")
	v, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0, "", false
	}
	switch {
	case strings.Contains(cell, "%"):
		unit = "%"
	case strings.ContainsAny(cell, "$€£"):
		unit = currencySymbol(cell)
	}
	return v, unit, true
}

func currencySymbol(cell string) string {
	for _, sym := range []string{"$", "€", "£"} {
		if strings.Contains(cell, sym) {
			return sym
		}
	}
	return ""
}

func sourceLocator(sheet string, rowIdx, col int) string {
	if sheet == "" {
		return fmt.Sprintf("row %d, col %d", rowIdx+1, col)
	}
	return fmt.Sprintf("%s!R%dC%d", sheet, rowIdx+1, col+1)
}
