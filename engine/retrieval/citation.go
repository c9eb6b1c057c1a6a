package retrieval

import (
	"strings"

	"github.com/dealdocs/pipeline/engine/graph"
)

// defaultCitationConfidence is the citation confidence used when a fact
// carries no more specific signal, per spec §4.I step 4.
const defaultCitationConfidence = 0.85

// citationExcerptLen bounds the citation excerpt length (spec §4.I').
const citationExcerptLen = 200

// extractCitation infers source kind and builds a citation from a fact,
// grounded on retrieval.py's _extract_citation: edge-name prefix matching
// ("qa-response…" -> qa, "chat-fact…" -> chat, else document), a 200-char
// fact excerpt, and a default confidence of 0.85.
func extractCitation(f graph.Fact) SourceCitation {
	lowerName := strings.ToLower(f.Name)
	sourceType, title := "document", f.Name

	switch {
	case strings.HasPrefix(lowerName, "qa-response"):
		sourceType, title = "qa", "Q&A Response"
	case strings.HasPrefix(lowerName, "chat-fact"):
		sourceType, title = "chat", "Analyst Chat"
	}

	excerpt := f.Assertion
	if len(excerpt) > citationExcerptLen {
		excerpt = excerpt[:citationExcerptLen]
	}

	confidence := f.Confidence
	if confidence == 0 {
		confidence = defaultCitationConfidence
	}

	return SourceCitation{
		Type:       sourceType,
		ID:         f.ID,
		Title:      title,
		Excerpt:    excerpt,
		Confidence: confidence,
	}
}

// sourceChannel derives the retrieved item's channel label from the
// citation's inferred type, per retrieval.py's citation.type -> source
// channel mapping.
func sourceChannel(citationType string) string {
	switch citationType {
	case "qa":
		return "qa_response"
	case "chat":
		return "analyst_chat"
	default:
		return "document"
	}
}

// isSuperseded reports whether a fact's invalid_at timestamp is set (spec
// §4.I step 3's supersession filter).
func isSuperseded(f graph.Fact) bool {
	return f.InvalidAt != nil
}

// gatherEntities collects entity-name mentions from a fact, per
// retrieval.py's heuristic: an underscore-containing edge name longer than
// 3 characters, excluding the qa-response/chat-fact naming convention, is
// treated as an entity reference (spec §4.I').
func gatherEntities(f graph.Fact, into map[string]struct{}) {
	name := f.Name
	if name == "" {
		return
	}
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "qa-response") || strings.HasPrefix(lower, "chat-fact") {
		return
	}
	if strings.Contains(name, "_") && len(name) > 3 {
		into[titleCase(strings.ReplaceAll(name, "_", " "))] = struct{}{}
	}
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
