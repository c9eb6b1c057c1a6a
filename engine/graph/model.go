// Package graph provides the Neo4j-backed knowledge-graph engine: episodes
// (temporally scoped evidence), entities extracted from them, and the facts
// (typed edges) connecting entities within a tenant namespace.
package graph

import "time"

// Entity is a node extracted from one or more episodes: a Company, Person,
// FinancialMetric, Finding, or Risk (spec §4.G step 5).
type Entity struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Type       string            `json:"type"` // Company, Person, FinancialMetric, Finding, Risk
	Namespace  string            `json:"namespace"`
	Properties map[string]string `json:"properties"`
}

// Fact is a typed, directed edge between two entities within one namespace,
// carrying an assertion and a validity interval. Mirrors engine/domain.Fact;
// this is the graph-store's on-disk shape, the domain package's is the
// pipeline-facing one.
type Fact struct {
	ID         string
	From       string
	To         string
	Type       string // WorksFor, Supersedes, Contradicts, Supports, ExtractedFrom, CompetesWith, InvestsIn, Mentions, Supplies
	Namespace  string
	Assertion  string
	ValidAt    time.Time
	InvalidAt  *time.Time
	Confidence float64

	// Name is a freeform identifier distinct from Type: the producing
	// handler's own naming convention (e.g. "qa-response-<id>",
	// "chat-fact-<id>", or a document-derived slug), used by
	// engine/retrieval's citation heuristics to infer source kind (spec
	// §4.I') without overloading the closed relation-Type vocabulary.
	Name string
}

// Episode is a named, temporally scoped piece of evidence ingested into the
// graph: one per document chunk on the deep path, or one per chat-fact/
// Q&A-answer ingestion (spec §4.N).
type Episode struct {
	Name          string
	Namespace     string
	Content       string
	SourceDesc    string
	ReferenceTime time.Time
}
