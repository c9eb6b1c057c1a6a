package analyze

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dealdocs/pipeline/engine/domain"
)

// rawFinding is the loosely-typed shape an LLM's structured-output JSON is
// decoded into before validation, per spec §4.H / design note "Dynamic
// structured output from LLMs": fields may be missing or hold an
// unrecognized enum value, which ParseFindings repairs rather than rejects.
type rawFinding struct {
	Content         string      `json:"content"`
	FindingType     string      `json:"finding_type"`
	Domain          string      `json:"domain"`
	Confidence      json.Number `json:"confidence"`
	SourceReference string      `json:"source_reference"`
}

// Default substitutions applied to a finding with a missing or
// unrecognized field, per spec §4.H.
const (
	defaultFindingType = domain.FindingFact
	defaultDomain       = domain.DomainOperational
	defaultConfidence   = 70
)

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseFindings extracts a list of findings from raw, an LLM response that
// may embed JSON in prose or a fenced code block. It never rejects the
// response for a single bad field: unrecognized finding_type/domain values
// and missing confidence are replaced with spec §4.H's defaults, and
// confidence is clamped to [0, 100].
func ParseFindings(documentID string, raw string) []domain.Finding {
	jsonText := extractJSON(raw)
	if jsonText == "" {
		return nil
	}

	var rawFindings []rawFinding
	if err := json.Unmarshal([]byte(jsonText), &rawFindings); err != nil {
		var single rawFinding
		if err := json.Unmarshal([]byte(jsonText), &single); err != nil {
			return nil
		}
		rawFindings = []rawFinding{single}
	}

	findings := make([]domain.Finding, 0, len(rawFindings))
	for _, rf := range rawFindings {
		if strings.TrimSpace(rf.Content) == "" {
			continue
		}
		findings = append(findings, domain.Finding{
			DocumentID:      documentID,
			Content:         rf.Content,
			Type:            normalizeFindingType(rf.FindingType),
			Domain:          normalizeFindingDomain(rf.Domain),
			Confidence:      normalizeConfidence(rf.Confidence),
			SourceReference: rf.SourceReference,
		})
	}
	return findings
}

// extractJSON returns the first embedded JSON array, or else the first
// embedded JSON object, stripping ```json fences if present.
func extractJSON(raw string) string {
	text := raw
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	if m := jsonArrayPattern.FindString(text); m != "" {
		return m
	}
	if m := jsonObjectPattern.FindString(text); m != "" {
		return m
	}
	return ""
}

func normalizeFindingType(v string) domain.FindingType {
	ft := domain.FindingType(strings.ToLower(strings.TrimSpace(v)))
	if domain.ValidFindingTypes[ft] {
		return ft
	}
	return defaultFindingType
}

func normalizeFindingDomain(v string) domain.FindingDomain {
	fd := domain.FindingDomain(strings.ToLower(strings.TrimSpace(v)))
	if domain.ValidFindingDomains[fd] {
		return fd
	}
	return defaultDomain
}

func normalizeConfidence(v json.Number) int {
	if v == "" {
		return defaultConfidence
	}
	f, err := v.Float64()
	if err != nil {
		return defaultConfidence
	}
	n := int(f)
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	default:
		return n
	}
}
