package graphingest

import "strings"

// DocumentType is the coarse classification used to bias the graph engine's
// extractor toward the vocabulary a document is likely to contain.
type DocumentType string

const (
	DocumentFinancial   DocumentType = "financial"
	DocumentLegal       DocumentType = "legal"
	DocumentOperational DocumentType = "operational"
	DocumentMarket      DocumentType = "market"
	DocumentGeneral     DocumentType = "general"
)

var financialKeywords = []string{
	"financial", "income_statement", "income-statement", "balance_sheet", "balance-sheet",
	"cashflow", "cash_flow", "cash-flow", "p&l", "pnl", "budget", "revenue", "forecast", "ebitda",
}

var legalKeywords = []string{
	"agreement", "nda", "contract", "license", "lease", "legal", "terms",
}

var operationalKeywords = []string{
	"operations", "operational", "org_structure", "org-structure", "capacity", "sop", "headcount",
}

var marketKeywords = []string{
	"market", "industry", "competitor", "customer_segment", "customer-segment",
}

// DetectDocumentType classifies a document by filename, falling back to
// DocumentGeneral when nothing matches (spec §4.G step 4).
func DetectDocumentType(filename string) DocumentType {
	name := strings.ToLower(filename)
	if name == "" {
		return DocumentGeneral
	}
	switch {
	case containsAny(name, financialKeywords):
		return DocumentFinancial
	case containsAny(name, legalKeywords):
		return DocumentLegal
	case containsAny(name, operationalKeywords):
		return DocumentOperational
	case containsAny(name, marketKeywords):
		return DocumentMarket
	default:
		return DocumentGeneral
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// extractionHints returns the prose hint injected into each episode's
// source description, biasing the graph engine's guided extraction toward
// the vocabulary typical of that document type.
func extractionHints(dt DocumentType) string {
	switch dt {
	case DocumentFinancial:
		return "financial document: look for financial metrics such as revenue, EBITDA, margins, and balance sheet figures"
	case DocumentLegal:
		return "legal document: look for contract parties, obligations, and termination/renewal terms"
	case DocumentOperational:
		return "operational document: look for process, headcount, and capacity/KPI details"
	case DocumentMarket:
		return "market document: look for competitors, market size, and customer segments"
	default:
		return "general business document"
	}
}
