// Package retrieval implements the Hybrid Retrieval pipeline (spec §4.I):
// graph search over candidate facts, reranking against the query, a
// supersession filter, and citation/entity assembly for the calling LLM.
package retrieval

import "time"

// SourceCitation is the citation information returned for one survivor,
// grounded on original_source/.../src/graphiti/retrieval.py's
// SourceCitation dataclass.
type SourceCitation struct {
	Type       string  `json:"type"` // document, qa, chat
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Excerpt    string  `json:"excerpt,omitempty"`
	Page       int     `json:"page,omitempty"`
	ChunkIndex int     `json:"chunk_index,omitempty"`
	Confidence float64 `json:"confidence"`
}

// KnowledgeItem is a single retrieved, reranked result.
type KnowledgeItem struct {
	ID            string          `json:"id"`
	Content       string          `json:"content"`
	Score         float64         `json:"score"`
	SourceType    string          `json:"source_type"` // always "fact" — episode/entity retrieval is out of scope
	SourceChannel string          `json:"source_channel"`
	Confidence    float64         `json:"confidence"`
	ValidAt       time.Time       `json:"valid_at"`
	InvalidAt     *time.Time      `json:"invalid_at,omitempty"`
	Citation      *SourceCitation `json:"citation,omitempty"`
}

// Result is the complete structured response of a retrieval call, matching
// spec §4.I step 6's envelope.
type Result struct {
	Results         []KnowledgeItem  `json:"results"`
	Sources         []SourceCitation `json:"sources"`
	Entities        []string         `json:"entities"`
	TotalLatencyMs  int64            `json:"total_latency_ms"`
	GraphMs         int64            `json:"graph_ms"`
	RerankMs        int64            `json:"rerank_ms"`
	CandidateCount  int              `json:"candidate_count"`
}

func emptyResult(totalMs, graphMs int64) Result {
	return Result{
		Results: []KnowledgeItem{}, Sources: []SourceCitation{}, Entities: []string{},
		TotalLatencyMs: totalMs, GraphMs: graphMs,
	}
}
