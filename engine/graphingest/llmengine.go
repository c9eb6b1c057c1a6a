package graphingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/graph"
)

// Completer is the narrow LLM-completion collaborator standing in for the
// teacher's ml-proto gRPC worker (spec.md §1), matching engine/analyze's
// LLMClient shape so the same provider client can serve both handlers.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMEngine implements Engine by prompting an LLM for the entities and
// facts present in one episode's content and decoding its structured-output
// response with the same permissive, default-substituting approach as
// engine/analyze.ParseFindings (design note "Dynamic structured output from
// LLMs"): a response that fails to parse at all yields no entities or
// facts rather than failing the episode.
type LLMEngine struct {
	Client Completer
}

// NewLLMEngine constructs an LLMEngine.
func NewLLMEngine(client Completer) *LLMEngine {
	return &LLMEngine{Client: client}
}

type rawEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawFact struct {
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	From       string      `json:"from"`
	To         string      `json:"to"`
	Assertion  string      `json:"assertion"`
	Confidence json.Number `json:"confidence"`
}

type rawExtraction struct {
	Entities []rawEntity `json:"entities"`
	Facts    []rawFact   `json:"facts"`
}

// AddEpisode implements Engine: it asks the LLM to extract entities and
// facts from episode.Content constrained to episode.EntityTypes/EdgeTypes,
// and maps the decoded response into graph.Entity/graph.Fact records
// namespaced and timestamped from the episode.
func (e *LLMEngine) AddEpisode(ctx context.Context, episode domain.Episode) ([]graph.Entity, []graph.Fact, error) {
	response, err := e.Client.Complete(ctx, extractionPrompt(episode))
	if err != nil {
		return nil, nil, fmt.Errorf("llmengine: complete: %w", err)
	}

	raw := parseExtraction(response)

	entities := make([]graph.Entity, 0, len(raw.Entities))
	byName := make(map[string]string, len(raw.Entities))
	for _, re := range raw.Entities {
		name := strings.TrimSpace(re.Name)
		if name == "" {
			continue
		}
		id := uuid.NewString()
		byName[name] = id
		entities = append(entities, graph.Entity{
			ID:        id,
			Name:      name,
			Type:      normalizeEntityType(re.Type),
			Namespace: episode.Namespace,
		})
	}

	facts := make([]graph.Fact, 0, len(raw.Facts))
	for _, rf := range raw.Facts {
		if strings.TrimSpace(rf.Assertion) == "" {
			continue
		}
		facts = append(facts, graph.Fact{
			ID:         uuid.NewString(),
			From:       resolveEntityRef(byName, rf.From),
			To:         resolveEntityRef(byName, rf.To),
			Type:       normalizeEdgeType(rf.Type, episode.EdgeTypeMap),
			Namespace:  episode.Namespace,
			Name:       rf.Name,
			Assertion:  rf.Assertion,
			ValidAt:    episode.ReferenceTime,
			Confidence: clampConfidence(rf.Confidence) / 100,
		})
	}

	return entities, facts, nil
}

// resolveEntityRef maps an extracted entity name back to its generated id,
// falling back to the raw name itself when the reference does not match any
// entity the same response extracted (a fact may mention the document or an
// external party the entity list omitted).
func resolveEntityRef(byName map[string]string, ref string) string {
	if id, ok := byName[strings.TrimSpace(ref)]; ok {
		return id
	}
	return strings.TrimSpace(ref)
}

func extractionPrompt(episode domain.Episode) string {
	var b strings.Builder
	b.WriteString("Extract entities and facts from the following text. ")
	b.WriteString("Entity types: " + strings.Join(episode.EntityTypes, ", ") + ". ")
	b.WriteString("Fact (edge) types: " + strings.Join(episode.EdgeTypes, ", ") + ". ")
	b.WriteString(`Respond with JSON: {"entities": [{"name": string, "type": string}], ` +
		`"facts": [{"name": string, "type": string, "from": string, "to": string, "assertion": string, "confidence": 0-100}]}.`)
	if episode.SourceDesc != "" {
		b.WriteString("\n\nSource: " + episode.SourceDesc)
	}
	b.WriteString("\n\nText:\n" + episode.Content)
	return b.String()
}

var (
	llmJSONArrayPattern  = regexp.MustCompile(`(?s)\[.*\]`)
	llmJSONObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)
)

// parseExtraction decodes raw, an LLM response that may embed JSON in
// prose or a fenced code block, returning a zero-value rawExtraction
// (no entities, no facts) rather than an error if nothing parses.
func parseExtraction(raw string) rawExtraction {
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

	jsonText := llmJSONObjectPattern.FindString(text)
	if jsonText == "" {
		jsonText = llmJSONArrayPattern.FindString(text)
	}
	if jsonText == "" {
		return rawExtraction{}
	}

	var out rawExtraction
	_ = json.Unmarshal([]byte(jsonText), &out)
	return out
}

func normalizeEntityType(t string) string {
	t = strings.TrimSpace(t)
	for _, valid := range EntityTypes {
		if strings.EqualFold(t, valid) {
			return valid
		}
	}
	return "Company"
}

func normalizeEdgeType(t string, m map[string][2]string) string {
	t = strings.TrimSpace(t)
	for edge := range m {
		if strings.EqualFold(t, edge) {
			return edge
		}
	}
	return "Mentions"
}

func clampConfidence(n json.Number) float64 {
	v, err := n.Float64()
	if err != nil {
		return 70
	}
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
