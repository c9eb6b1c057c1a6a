package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/semantic"
)

// DefaultNumCandidates is the graph-search candidate budget (spec §4.I
// step 1).
const DefaultNumCandidates = 50

// DefaultNumResults is the post-rerank result budget (spec §4.I step 2).
const DefaultNumResults = 10

// Budget is the end-to-end latency target the pipeline is designed around
// (spec §4.I); it is not enforced as a hard deadline, only logged against.
const Budget = 3 * time.Second

// GraphSearcher is the graph-store collaborator this service searches for
// candidate facts. Satisfied by engine/graph.GraphStore.
type GraphSearcher interface {
	SearchFacts(ctx context.Context, namespace, query string, limit int) ([]graph.Fact, error)
}

// FastPathSearcher is the vector-indexed node store searched by the
// fast-path fallback (spec §4.I's "vector search over the fast-path node
// store"). Satisfied by engine/semantic.VectorStore.
type FastPathSearcher interface {
	SearchFiltered(ctx context.Context, embedding []float32, topK int, filters map[string]string) ([]semantic.SearchResult, error)
}

// QueryEmbedder embeds a query string into the fast-path vector space.
// Satisfied narrowly so the fallback path can reuse whatever provider
// engine/embed already wraps.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service runs the hybrid retrieval pipeline.
type Service struct {
	Graph    GraphSearcher
	Reranker Reranker
	FastPath FastPathSearcher
	Embedder QueryEmbedder
	Logger   *slog.Logger
}

// New creates a retrieval Service.
func New(graphSearcher GraphSearcher, reranker Reranker, fastPath FastPathSearcher, embedder QueryEmbedder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Graph: graphSearcher, Reranker: reranker, FastPath: fastPath, Embedder: embedder, Logger: logger}
}

// Retrieve runs the full pipeline: graph search -> rerank -> supersession
// filter -> citation/entity assembly, per spec §4.I.
func (s *Service) Retrieve(ctx context.Context, organizationID, dealID, query string, numCandidates, numResults int) (Result, error) {
	return s.retrieve(ctx, organizationID, dealID, query, numCandidates, numResults, true)
}

// RetrieveSemanticOnly runs the same graph-search call (which already
// hybridizes vector + BM25 + graph server-side) but skips the
// supersession filter and entity extraction, per spec §4.I's
// "semantic-only mode" toggle. Output format is identical.
func (s *Service) RetrieveSemanticOnly(ctx context.Context, organizationID, dealID, query string, numCandidates, numResults int) (Result, error) {
	return s.retrieve(ctx, organizationID, dealID, query, numCandidates, numResults, false)
}

func (s *Service) retrieve(ctx context.Context, organizationID, dealID, query string, numCandidates, numResults int, applySupersessionAndEntities bool) (Result, error) {
	start := time.Now()
	if numCandidates <= 0 {
		numCandidates = DefaultNumCandidates
	}
	if numResults <= 0 {
		numResults = DefaultNumResults
	}
	namespace := domain.Namespace(organizationID, dealID)

	graphStart := time.Now()
	candidates, err := s.Graph.SearchFacts(ctx, namespace, query, numCandidates)
	graphMs := time.Since(graphStart).Milliseconds()
	if err != nil {
		s.Logger.Warn("retrieval: graph search unavailable, returning empty result", "err", err, "namespace", namespace)
		return emptyResult(time.Since(start).Milliseconds(), 0), nil
	}
	if len(candidates) == 0 {
		return emptyResult(time.Since(start).Milliseconds(), graphMs), nil
	}

	result, err := s.rerankAndAssemble(ctx, query, candidates, numResults, applySupersessionAndEntities)
	if err != nil {
		return Result{}, err
	}
	result.GraphMs = graphMs
	result.TotalLatencyMs = time.Since(start).Milliseconds()
	result.CandidateCount = len(candidates)

	if result.TotalLatencyMs > Budget.Milliseconds() {
		s.Logger.Warn("retrieval: latency exceeded target", "latency_ms", result.TotalLatencyMs, "target_ms", Budget.Milliseconds())
	}
	return result, nil
}

// RetrieveWithFallback runs Retrieve, and — if the graph layer returns zero
// candidates — falls back to a fast-path vector search over the same
// namespace, routed through the same reranker and citation assembly (spec
// §4.I's fast-path fallback).
func (s *Service) RetrieveWithFallback(ctx context.Context, organizationID, dealID, query string, numCandidates, numResults int) (Result, error) {
	result, err := s.Retrieve(ctx, organizationID, dealID, query, numCandidates, numResults)
	if err != nil {
		return Result{}, err
	}
	if result.CandidateCount > 0 || s.FastPath == nil || s.Embedder == nil {
		return result, nil
	}

	start := time.Now()
	embedding, err := s.Embedder.Embed(ctx, query)
	if err != nil {
		return result, fmt.Errorf("retrieval: embed fallback query: %w", err)
	}
	if numCandidates <= 0 {
		numCandidates = DefaultNumCandidates
	}
	groupID := domain.FastPathGroupID(organizationID, dealID)
	hits, err := s.FastPath.SearchFiltered(ctx, embedding, numCandidates, map[string]string{"group_id": groupID})
	if err != nil {
		s.Logger.Warn("retrieval: fast-path fallback search failed", "err", err, "group_id", groupID)
		return result, nil
	}
	if len(hits) == 0 {
		return result, nil
	}

	facts := make([]graph.Fact, len(hits))
	for i, h := range hits {
		facts[i] = graph.Fact{ID: h.ID, Assertion: h.Content, Name: h.Source, Confidence: float64(h.Score), ValidAt: time.Now()}
	}

	if numResults <= 0 {
		numResults = DefaultNumResults
	}
	fallbackResult, err := s.rerankAndAssemble(ctx, query, facts, numResults, true)
	if err != nil {
		return result, err
	}
	fallbackResult.TotalLatencyMs = result.TotalLatencyMs + time.Since(start).Milliseconds()
	fallbackResult.GraphMs = result.GraphMs
	fallbackResult.CandidateCount = len(facts)
	return fallbackResult, nil
}

func (s *Service) rerankAndAssemble(ctx context.Context, query string, candidates []graph.Fact, numResults int, applySupersessionAndEntities bool) (Result, error) {
	documents := make([]string, len(candidates))
	for i, f := range candidates {
		documents[i] = f.Assertion
	}

	rerankStart := time.Now()
	reranked, err := s.Reranker.Rerank(ctx, query, documents, numResults)
	if err != nil {
		s.Logger.Warn("retrieval: rerank failed, falling back to original order", "err", err)
		reranked = fallbackRerank(documents, numResults)
	}
	rerankMs := time.Since(rerankStart).Milliseconds()

	results := make([]KnowledgeItem, 0, len(reranked))
	sources := make([]SourceCitation, 0, len(reranked))
	entitySet := map[string]struct{}{}

	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(candidates) {
			continue
		}
		fact := candidates[rr.Index]
		if applySupersessionAndEntities && isSuperseded(fact) {
			continue
		}

		citation := extractCitation(fact)
		sources = append(sources, citation)

		if applySupersessionAndEntities {
			gatherEntities(fact, entitySet)
		}

		results = append(results, KnowledgeItem{
			ID: fact.ID, Content: fact.Assertion, Score: rr.RelevanceScore,
			SourceType: "fact", SourceChannel: sourceChannel(citation.Type),
			Confidence: citation.Confidence, ValidAt: fact.ValidAt, InvalidAt: fact.InvalidAt,
			Citation: &citation,
		})
	}

	var entities []string
	if applySupersessionAndEntities {
		entities = make([]string, 0, len(entitySet))
		for name := range entitySet {
			entities = append(entities, name)
		}
	} else {
		entities = []string{}
	}

	return Result{Results: results, Sources: sources, Entities: entities, RerankMs: rerankMs}, nil
}
