// Package embed implements the Embed-Chunks fast-path handler (spec §4.F):
// batches a document's chunks, generates vectors through the embedding
// provider, and writes one vector-indexed node per chunk into the fast-path
// store, tagged with the composite namespace.
package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/engine/semantic"
	"github.com/dealdocs/pipeline/pkg/resilience"
)

// MaxBatchSize is the maximum number of chunks embedded in a single
// provider call.
const MaxBatchSize = 64

// TargetLatency is the expected wall-clock budget for embedding a typical
// document; exceeding it is logged as a warning, not an error.
const TargetLatency = 5 * time.Second

// EmbeddingProvider is the narrow external-collaborator interface spec.md
// §1 calls for in place of the teacher's ml-proto gRPC worker. A single
// call embeds a batch of texts as "document" inputs.
type EmbeddingProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrRetryable signals a transient provider failure the caller should retry
// with backoff; ErrNonRetryable signals an auth/invalid-request failure
// that should fail fast. Providers wrap their errors with one of these.
var (
	ErrRetryable    = errors.New("embed: transient provider error")
	ErrNonRetryable = errors.New("embed: non-retryable provider error")
)

// ChunkReader is the slice of the storage adapter this handler needs: an
// ordered read of a document's chunks.
type ChunkReader interface {
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// DealLookup resolves a deal's owning organization when the job payload
// omits it, matching spec.md §4.F's fallback.
type DealLookup interface {
	OrganizationForDeal(ctx context.Context, dealID string) (string, error)
}

// FastPathStore is the vector-indexed node store chunk embeddings are
// written into. Satisfied by engine/semantic.VectorStore.
type FastPathStore interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// UsageRecorder records a usage row for the embedding call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u domain.UsageRow) error
}

// Job is the payload shape for a generate-embeddings job.
type Job = queue.DocumentJobPayload

// Handler runs the fast-path embedding stage for one document.
type Handler struct {
	Documents retry.DocumentStore
	Chunks    ChunkReader
	Deals     DealLookup
	Provider  EmbeddingProvider
	Store     FastPathStore
	Usage     UsageRecorder
	Limiter   *resilience.Limiter
	Retry     *retry.Manager
	Queue     *queue.Queue
	Logger    *slog.Logger
}

// New creates an embed Handler.
func New(documents retry.DocumentStore, chunks ChunkReader, deals DealLookup, provider EmbeddingProvider, store FastPathStore, usage UsageRecorder, limiter *resilience.Limiter, rm *retry.Manager, q *queue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Documents: documents, Chunks: chunks, Deals: deals, Provider: provider, Store: store, Usage: usage, Limiter: limiter, Retry: rm, Queue: q, Logger: logger}
}

// Run executes the embed stage per spec §4.F.
func (h *Handler) Run(ctx context.Context, job Job) ([]byte, error) {
	start := time.Now()

	orgID := job.OrganizationID
	if orgID == "" {
		if h.Deals == nil {
			return nil, fmt.Errorf("embed: %w: organization_id missing and no deal lookup configured", domain.ErrInvalidDocument)
		}
		resolved, err := h.Deals.OrganizationForDeal(ctx, job.DealID)
		if err != nil || resolved == "" {
			return nil, fmt.Errorf("embed: %w: deal %s has no organization_id", domain.ErrInvalidDocument, job.DealID)
		}
		orgID = resolved
	}

	if job.IsRetry {
		if err := h.Retry.EnqueueStageRetry(ctx, job.DocumentID, domain.StageEmbedded); err != nil {
			return nil, fmt.Errorf("embed: prepare retry for %s: %w", job.DocumentID, err)
		}
	} else if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusEmbedding); err != nil {
		return nil, fmt.Errorf("embed: set status embedding for %s: %w", job.DocumentID, err)
	}

	chunks, err := h.Chunks.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("embed: list chunks for %s: %w", job.DocumentID, err)
	}
	if len(chunks) == 0 {
		return h.finish(ctx, job, orgID, 0, start)
	}

	groupID := domain.FastPathGroupID(orgID, job.DealID)
	for i := 0; i < len(chunks); i += MaxBatchSize {
		end := i + MaxBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := h.embedAndStoreBatch(ctx, chunks[i:end], job, orgID, groupID); err != nil {
			return nil, err
		}
	}

	if elapsed := time.Since(start); elapsed > TargetLatency {
		h.Logger.Warn("embed exceeded target latency", "document_id", job.DocumentID, "duration", elapsed)
	}
	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: orgID, DealID: job.DealID, Feature: "fast_path_embedding",
		})
	}
	return h.finish(ctx, job, orgID, len(chunks), start)
}

func (h *Handler) embedAndStoreBatch(ctx context.Context, batch []domain.Chunk, job Job, orgID, groupID string) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	vectors, err := h.embedWithRetry(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed: batch for %s: %w", job.DocumentID, err)
	}

	records := make([]semantic.VectorRecord, len(batch))
	for i, c := range batch {
		records[i] = semantic.VectorRecord{
			ID:        c.ID,
			Embedding: vectors[i],
			Payload: map[string]any{
				"content":     c.Content,
				"document_id": job.DocumentID,
				"deal_id":     job.DealID,
				"org_id":      orgID,
				"group_id":    groupID,
				"chunk_index": c.Index,
				"page":        c.Page,
				"kind":        string(c.Kind),
				"token_count": c.TokenCount,
				"created_at":  time.Now().UTC().Format(time.RFC3339),
			},
		}
	}
	if err := h.Store.Upsert(ctx, records); err != nil {
		return fmt.Errorf("embed: upsert fast-path nodes for %s: %w", job.DocumentID, err)
	}
	return nil
}

// embedWithRetry calls the provider, retrying up to 3 times on transient
// errors with 500ms -> 1000ms -> 2000ms backoff, capped at 5000ms, per
// spec §4.F step 4. Non-retryable errors fail immediately.
func (h *Handler) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	delay := 500 * time.Millisecond
	const maxDelay = 5000 * time.Millisecond
	var lastErr error

	for attempt := 0; attempt < 4; attempt++ {
		if h.Limiter != nil {
			if err := h.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		vectors, err := h.Provider.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if errors.Is(err, ErrNonRetryable) {
			return nil, err
		}
		if attempt == 3 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetryable, lastErr)
}

func (h *Handler) finish(ctx context.Context, job Job, orgID string, chunkCount int, start time.Time) ([]byte, error) {
	if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusEmbedded); err != nil {
		return nil, fmt.Errorf("embed: set status embedded for %s: %w", job.DocumentID, err)
	}
	if err := h.Retry.MarkStageComplete(ctx, job.DocumentID, domain.StageEmbedded); err != nil {
		return nil, fmt.Errorf("embed: mark stage complete for %s: %w", job.DocumentID, err)
	}
	next := queue.DocumentJobPayload{DocumentID: job.DocumentID, OrganizationID: orgID, DealID: job.DealID, UserID: job.UserID}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("embed: marshal graph-ingest job for %s: %w", job.DocumentID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, "update-graph", payload); err != nil {
		return nil, fmt.Errorf("embed: enqueue graph-ingest for %s: %w", job.DocumentID, err)
	}
	duration := time.Since(start)
	h.Logger.Info("embed complete", "document_id", job.DocumentID, "duration", duration)

	output, err := json.Marshal(domain.StageOutput{
		DocumentID: job.DocumentID,
		Stage:      domain.StageEmbedded,
		DurationMs: duration.Milliseconds(),
		Counts:     map[string]int{"chunks": chunkCount},
	})
	if err != nil {
		return nil, fmt.Errorf("embed: marshal output envelope for %s: %w", job.DocumentID, err)
	}
	return output, nil
}
