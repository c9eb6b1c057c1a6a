package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/semantic"
)

type fakeChunkReader struct {
	chunks []domain.Chunk
}

func (f *fakeChunkReader) ListChunks(_ context.Context, _ string) ([]domain.Chunk, error) {
	return f.chunks, nil
}

type fakeStore struct {
	upserted []semantic.VectorRecord
}

func (f *fakeStore) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	f.upserted = append(f.upserted, records...)
	return nil
}

type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("429 too many requests")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

type nonRetryableProvider struct{}

func (nonRetryableProvider) EmbedBatch(context.Context, []string) ([][]float32, error) {
	return nil, ErrNonRetryable
}

func TestEmbedWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	h := &Handler{Provider: &flakyProvider{failures: 2}}
	vectors, err := h.embedWithRetry(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
}

func TestEmbedWithRetry_NonRetryableFailsFast(t *testing.T) {
	h := &Handler{Provider: nonRetryableProvider{}}
	_, err := h.embedWithRetry(context.Background(), []string{"a"})
	if !errors.Is(err, ErrNonRetryable) {
		t.Fatalf("expected ErrNonRetryable, got %v", err)
	}
}

func TestEmbedWithRetry_ExhaustsAttemptsAsRetryable(t *testing.T) {
	h := &Handler{Provider: &flakyProvider{failures: 99}}
	_, err := h.embedWithRetry(context.Background(), []string{"a"})
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable after exhausting attempts, got %v", err)
	}
}

func TestEmbedAndStoreBatch_TagsFastPathGroupID(t *testing.T) {
	store := &fakeStore{}
	h := &Handler{Provider: &flakyProvider{failures: 0}, Store: store}
	chunks := []domain.Chunk{{ID: "c1", Content: "hello", Index: 0}}
	job := Job{DocumentID: "doc-1", DealID: "deal-1"}

	if err := h.embedAndStoreBatch(context.Background(), chunks, job, "org-1", domain.FastPathGroupID("org-1", "deal-1")); err != nil {
		t.Fatalf("embedAndStoreBatch: %v", err)
	}
	if len(store.upserted) != 1 {
		t.Fatalf("expected 1 upserted record, got %d", len(store.upserted))
	}
	if store.upserted[0].Payload["group_id"] != "org-1_deal-1" {
		t.Fatalf("expected underscore-joined group id, got %v", store.upserted[0].Payload["group_id"])
	}
}
