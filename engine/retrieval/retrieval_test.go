package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/semantic"
)

type fakeGraphSearcher struct {
	facts []graph.Fact
	err   error
}

func (f *fakeGraphSearcher) SearchFacts(_ context.Context, _, _ string, _ int) ([]graph.Fact, error) {
	return f.facts, f.err
}

type fakeReranker struct {
	results []RerankResult
	err     error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, documents []string, topK int) ([]RerankResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		return f.results, nil
	}
	return fallbackRerank(documents, topK), nil
}

type fakeFastPath struct {
	hits []semantic.SearchResult
}

func (f *fakeFastPath) SearchFiltered(_ context.Context, _ []float32, _ int, _ map[string]string) ([]semantic.SearchResult, error) {
	return f.hits, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{0.1, 0.2}, nil }

func TestRetrieve_HappyPath(t *testing.T) {
	facts := []graph.Fact{
		{ID: "f1", Name: "revenue_growth", Assertion: "Revenue grew 20% YoY", Confidence: 0.9, ValidAt: time.Now()},
		{ID: "f2", Name: "qa-response-7", Assertion: "Customer churn addressed in Q&A", ValidAt: time.Now()},
	}
	svc := New(&fakeGraphSearcher{facts: facts}, &fakeReranker{}, nil, nil, nil)

	result, err := svc.Retrieve(context.Background(), "org1", "deal1", "revenue growth", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(result.Results))
	}
	if result.CandidateCount != 2 {
		t.Errorf("expected candidate_count 2, got %d", result.CandidateCount)
	}
	var sawQA bool
	for _, r := range result.Results {
		if r.SourceChannel == "qa_response" {
			sawQA = true
		}
	}
	if !sawQA {
		t.Error("expected a qa_response-channel result")
	}
	if len(result.Entities) == 0 {
		t.Error("expected at least one gathered entity")
	}
}

func TestRetrieve_GraphErrorDegradesGracefully(t *testing.T) {
	svc := New(&fakeGraphSearcher{err: errors.New("neo4j down")}, &fakeReranker{}, nil, nil, nil)
	result, err := svc.Retrieve(context.Background(), "org1", "deal1", "revenue", 0, 0)
	if err != nil {
		t.Fatalf("expected graceful degradation, got error: %v", err)
	}
	if len(result.Results) != 0 || result.CandidateCount != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}
}

func TestRetrieve_NoCandidates(t *testing.T) {
	svc := New(&fakeGraphSearcher{facts: nil}, &fakeReranker{}, nil, nil, nil)
	result, err := svc.Retrieve(context.Background(), "org1", "deal1", "revenue", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Results) != 0 {
		t.Errorf("expected zero results, got %d", len(result.Results))
	}
}

func TestRetrieve_SupersededFactFiltered(t *testing.T) {
	invalidAt := time.Now()
	facts := []graph.Fact{
		{ID: "f1", Assertion: "Old revenue figure", ValidAt: time.Now().Add(-time.Hour), InvalidAt: &invalidAt},
		{ID: "f2", Assertion: "Current revenue figure", ValidAt: time.Now()},
	}
	svc := New(&fakeGraphSearcher{facts: facts}, &fakeReranker{}, nil, nil, nil)
	result, err := svc.Retrieve(context.Background(), "org1", "deal1", "revenue", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].ID != "f2" {
		t.Fatalf("expected only the non-superseded fact, got %+v", result.Results)
	}
}

func TestRetrieveSemanticOnly_SkipsSupersessionAndEntities(t *testing.T) {
	invalidAt := time.Now()
	facts := []graph.Fact{
		{ID: "f1", Name: "revenue_growth", Assertion: "Superseded fact", InvalidAt: &invalidAt, ValidAt: time.Now()},
	}
	svc := New(&fakeGraphSearcher{facts: facts}, &fakeReranker{}, nil, nil, nil)
	result, err := svc.RetrieveSemanticOnly(context.Background(), "org1", "deal1", "revenue", 0, 0)
	if err != nil {
		t.Fatalf("RetrieveSemanticOnly: %v", err)
	}
	if len(result.Results) != 1 {
		t.Fatalf("expected superseded fact retained in semantic-only mode, got %d results", len(result.Results))
	}
	if len(result.Entities) != 0 {
		t.Errorf("expected no entities gathered in semantic-only mode, got %v", result.Entities)
	}
}

func TestRerank_FailureFallsBackToOriginalOrder(t *testing.T) {
	facts := []graph.Fact{
		{ID: "f1", Assertion: "first", ValidAt: time.Now()},
		{ID: "f2", Assertion: "second", ValidAt: time.Now()},
	}
	svc := New(&fakeGraphSearcher{facts: facts}, &fakeReranker{err: errors.New("reranker down")}, nil, nil, nil)
	result, err := svc.Retrieve(context.Background(), "org1", "deal1", "query", 0, 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(result.Results) != 2 || result.Results[0].ID != "f1" {
		t.Fatalf("expected original order preserved on rerank failure, got %+v", result.Results)
	}
}

func TestRetrieveWithFallback_UsesFastPathWhenGraphEmpty(t *testing.T) {
	fastPath := &fakeFastPath{hits: []semantic.SearchResult{
		{ID: "v1", Score: 0.8, Content: "fast-path content", Source: "doc-42"},
	}}
	svc := New(&fakeGraphSearcher{facts: nil}, &fakeReranker{}, fastPath, fakeEmbedder{}, nil)

	result, err := svc.RetrieveWithFallback(context.Background(), "org1", "deal1", "query", 0, 0)
	if err != nil {
		t.Fatalf("RetrieveWithFallback: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].ID != "v1" {
		t.Fatalf("expected fast-path result, got %+v", result.Results)
	}
}

func TestRetrieveWithFallback_SkipsFastPathWhenGraphHasCandidates(t *testing.T) {
	facts := []graph.Fact{{ID: "f1", Assertion: "graph result", ValidAt: time.Now()}}
	fastPath := &fakeFastPath{hits: []semantic.SearchResult{{ID: "v1", Content: "should not appear"}}}
	svc := New(&fakeGraphSearcher{facts: facts}, &fakeReranker{}, fastPath, fakeEmbedder{}, nil)

	result, err := svc.RetrieveWithFallback(context.Background(), "org1", "deal1", "query", 0, 0)
	if err != nil {
		t.Fatalf("RetrieveWithFallback: %v", err)
	}
	if len(result.Results) != 1 || result.Results[0].ID != "f1" {
		t.Fatalf("expected graph result only, got %+v", result.Results)
	}
}

func TestExtractCitation_SourceKindInference(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"qa-response-123", "qa"},
		{"chat-fact-456", "chat"},
		{"revenue_growth", "document"},
	}
	for _, c := range cases {
		citation := extractCitation(graph.Fact{Name: c.name, Assertion: "x"})
		if citation.Type != c.want {
			t.Errorf("extractCitation(name=%q).Type = %q, want %q", c.name, citation.Type, c.want)
		}
	}
}

func TestGatherEntities_UnderscoreHeuristic(t *testing.T) {
	entities := map[string]struct{}{}
	gatherEntities(graph.Fact{Name: "John_Smith_CEO"}, entities)
	gatherEntities(graph.Fact{Name: "qa-response-99"}, entities)
	gatherEntities(graph.Fact{Name: "ab"}, entities)
	if _, ok := entities["John Smith Ceo"]; !ok {
		t.Errorf("expected entity extracted from underscore name, got %v", entities)
	}
	if len(entities) != 1 {
		t.Errorf("expected exactly 1 gathered entity, got %v", entities)
	}
}
