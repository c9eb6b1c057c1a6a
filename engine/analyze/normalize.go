package analyze

import "strings"

// normEntry is one row of the raw-phrase -> canonical-name table (spec §4.H
// normalization table, English + German variants).
type normEntry struct {
	name     string
	category string
}

// normalizationTable maps a lowercased raw phrase to its normalized metric
// name and category. Multiple phrases (English and German variants) may map
// to the same normalized entry.
var normalizationTable = map[string]normEntry{
	"revenue":    {"revenue", "income_statement"},
	"sales":      {"revenue", "income_statement"},
	"net sales":  {"revenue", "income_statement"},
	"umsatz":     {"revenue", "income_statement"},
	"erlöse":     {"revenue", "income_statement"},
	"erloese":    {"revenue", "income_statement"},

	"ebitda":              {"ebitda", "income_statement"},
	"operating profit":    {"ebitda", "income_statement"},
	"betriebsergebnis":    {"ebitda", "income_statement"},

	"gross profit":   {"gross_profit", "income_statement"},
	"bruttogewinn":   {"gross_profit", "income_statement"},

	"net income":         {"net_income", "income_statement"},
	"net profit":         {"net_income", "income_statement"},
	"jahresüberschuss":   {"net_income", "income_statement"},
	"jahresueberschuss":  {"net_income", "income_statement"},

	"total assets":  {"total_assets", "balance_sheet"},
	"bilanzsumme":   {"total_assets", "balance_sheet"},

	"equity":      {"equity", "balance_sheet"},
	"eigenkapital": {"equity", "balance_sheet"},

	"operating cash flow": {"operating_cash_flow", "cash_flow"},
	"operativer cashflow":  {"operating_cash_flow", "cash_flow"},

	"free cash flow": {"free_cash_flow", "cash_flow"},
	"fcf":            {"free_cash_flow", "cash_flow"},

	"gross margin":  {"gross_margin", "ratio"},
	"bruttomarge":   {"gross_margin", "ratio"},

	"debt to equity": {"debt_to_equity", "ratio"},
}

// Normalize maps a raw metric phrase to its canonical name and category,
// per the spec §4.H normalization table. Unknown phrases fall back to a
// snake-cased name with a keyword-guessed category.
func Normalize(raw string) (name string, category string) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if entry, ok := normalizationTable[key]; ok {
		return entry.name, entry.category
	}
	return snakeCase(key), guessCategory(key)
}

func snakeCase(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '_' || r == '/':
			if !prevUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				prevUnderscore = true
			}
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			prevUnderscore = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			prevUnderscore = false
		default:
			// drop punctuation (&, %, etc.) without inserting a separator
		}
	}
	return strings.Trim(b.String(), "_")
}

// guessCategory falls back to a keyword-based category for metric names the
// normalization table does not recognize, per spec §4.H's fallback rule.
func guessCategory(key string) string {
	switch {
	case containsAnyWord(key, "margin", "ratio", "multiple", "rate"):
		return "ratio"
	case containsAnyWord(key, "cash", "flow"):
		return "cash_flow"
	case containsAnyWord(key, "asset", "liability", "equity", "debt"):
		return "balance_sheet"
	default:
		return "income_statement"
	}
}

func containsAnyWord(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
