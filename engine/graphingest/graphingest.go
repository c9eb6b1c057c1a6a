// Package graphingest implements the Knowledge-Graph Ingest handler (spec
// §4.G): the deep path that turns a document's chunks into episodes fed to
// an LLM-guided extraction engine, producing typed entities and facts
// written into the namespace-scoped knowledge graph.
package graphingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/pkg/fn"
)

// DefaultConcurrency is the semaphore size bounding concurrent episode
// emission, per spec §4.G step 5.
const DefaultConcurrency = 10

// costPerToken is the estimated per-token extraction cost used to produce
// the success envelope's estimated_cost_usd (spec §4.G step 7): roughly
// 4 characters per token, at $0.00000012 per token.
const costPerToken = 0.00000012

// ChunkReader is the ordered read of a document's chunks this handler needs.
type ChunkReader interface {
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// DealLookup resolves a deal's owning organization when the job payload
// omits it.
type DealLookup interface {
	OrganizationForDeal(ctx context.Context, dealID string) (string, error)
}

// Engine is the narrow external-collaborator interface standing in for the
// LLM-guided graph extraction engine (the teacher's Python counterpart
// wraps the Graphiti library): given one episode it returns the entities
// and facts it extracted.
type Engine interface {
	AddEpisode(ctx context.Context, episode domain.Episode) ([]graph.Entity, []graph.Fact, error)
}

// GraphWriter is the slice of GraphStore this handler needs to persist
// extraction results and evidence, plus (spec §4.N) the lookup and
// invalidation a Q&A-answer ingestion uses to supersede an existing fact.
type GraphWriter interface {
	SaveEpisode(ctx context.Context, ep graph.Episode) error
	SaveBatch(ctx context.Context, entities []graph.Entity, facts []graph.Fact) error
	FindFactsByEntity(ctx context.Context, namespace, entityID string) ([]graph.Fact, error)
	InvalidateFact(ctx context.Context, factID string, at time.Time) error
}

// UsageRecorder records a usage row for the ingestion call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u domain.UsageRow) error
}

// Job is the payload shape for an update-graph job.
type Job = queue.DocumentJobPayload

// Handler runs the knowledge-graph ingest stage for one document.
type Handler struct {
	Documents   retry.DocumentStore
	Chunks      ChunkReader
	Deals       DealLookup
	Engine      Engine
	Graph       GraphWriter
	Usage       UsageRecorder
	Retry       *retry.Manager
	Queue       *queue.Queue
	Concurrency int
	Logger      *slog.Logger
}

// New creates a graphingest Handler.
func New(documents retry.DocumentStore, chunks ChunkReader, deals DealLookup, engine Engine, writer GraphWriter, usage UsageRecorder, rm *retry.Manager, q *queue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Documents: documents, Chunks: chunks, Deals: deals, Engine: engine, Graph: writer,
		Usage: usage, Retry: rm, Queue: q, Concurrency: DefaultConcurrency, Logger: logger,
	}
}

type episodeOutcome struct {
	entities []graph.Entity
	facts    []graph.Fact
	chars    int
}

// Run executes the knowledge-graph ingest stage per spec §4.G.
func (h *Handler) Run(ctx context.Context, job Job) ([]byte, error) {
	start := time.Now()

	orgID := job.OrganizationID
	if orgID == "" {
		if h.Deals == nil {
			return nil, fmt.Errorf("graphingest: %w: organization_id missing and no deal lookup configured", domain.ErrInvalidDocument)
		}
		resolved, err := h.Deals.OrganizationForDeal(ctx, job.DealID)
		if err != nil || resolved == "" {
			return nil, fmt.Errorf("graphingest: %w: deal %s has no organization_id", domain.ErrInvalidDocument, job.DealID)
		}
		orgID = resolved
	}
	if job.DealID == "" {
		return nil, fmt.Errorf("graphingest: %w: deal_id is required for namespace isolation", domain.ErrInvalidDocument)
	}

	if job.IsRetry {
		if err := h.Retry.EnqueueStageRetry(ctx, job.DocumentID, domain.StageGraphitiIngested); err != nil {
			return nil, fmt.Errorf("graphingest: prepare retry for %s: %w", job.DocumentID, err)
		}
	} else if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusGraphitiIngesting); err != nil {
		return nil, fmt.Errorf("graphingest: set status ingesting for %s: %w", job.DocumentID, err)
	}
	_ = h.Documents.ClearProcessingError(ctx, job.DocumentID)

	doc, err := h.Documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("graphingest: %w: document %s not found", domain.ErrInvalidDocument, job.DocumentID)
	}

	if doc.Status == domain.StatusGraphitiIngested && !job.IsRetry {
		if err := h.enqueueNext(ctx, job); err != nil {
			return nil, err
		}
		return marshalStageOutput(job.DocumentID, domain.StageGraphitiIngested, start, map[string]int{"episodes_created": 0}, 0)
	}

	chunks, err := h.Chunks.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("graphingest: list chunks for %s: %w", job.DocumentID, err)
	}
	if len(chunks) == 0 {
		return h.finish(ctx, job, orgID, 0, 0, start)
	}

	namespace := domain.Namespace(orgID, job.DealID)
	fileName := job.FileName
	if fileName == "" {
		fileName = doc.Name
	}
	docType := DetectDocumentType(fileName)
	hint := extractionHints(docType)

	concurrency := h.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	results := fn.ParMapResult(chunks, concurrency, func(c domain.Chunk) fn.Result[episodeOutcome] {
		episode := domain.Episode{
			Name:          fmt.Sprintf("%s#chunk-%d", fileName, c.Index),
			Namespace:     namespace,
			Content:       c.Content,
			SourceDesc:    hint,
			ReferenceTime: start,
			EntityTypes:   EntityTypes,
			EdgeTypes:     EdgeTypes,
			EdgeTypeMap:   EdgeTypeMap,
		}
		entities, facts, err := h.Engine.AddEpisode(ctx, episode)
		if err != nil {
			return fn.Err[episodeOutcome](fmt.Errorf("graphingest: add episode for chunk %d: %w", c.Index, err))
		}
		if err := h.Graph.SaveEpisode(ctx, graph.Episode{
			Name: episode.Name, Namespace: namespace, Content: episode.Content,
			SourceDesc: episode.SourceDesc, ReferenceTime: episode.ReferenceTime,
		}); err != nil {
			return fn.Err[episodeOutcome](fmt.Errorf("graphingest: save episode for chunk %d: %w", c.Index, err))
		}
		if c.Index%10 == 9 {
			h.Logger.Info("graphingest progress", "document_id", job.DocumentID, "chunk_index", c.Index, "total_chunks", len(chunks))
		}
		return fn.Ok(episodeOutcome{entities: entities, facts: facts, chars: len(c.Content)})
	})

	var entities []graph.Entity
	var facts []graph.Fact
	var totalChars int
	for _, r := range results {
		outcome, err := r.Unwrap()
		if err != nil {
			return nil, err
		}
		entities = append(entities, outcome.entities...)
		facts = append(facts, outcome.facts...)
		totalChars += outcome.chars
	}

	if err := h.Graph.SaveBatch(ctx, entities, facts); err != nil {
		return nil, fmt.Errorf("graphingest: save batch for %s: %w", job.DocumentID, err)
	}

	return h.finish(ctx, job, orgID, len(chunks), totalChars, start)
}

func (h *Handler) finish(ctx context.Context, job Job, orgID string, episodeCount, totalChars int, start time.Time) ([]byte, error) {
	if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusGraphitiIngested); err != nil {
		return nil, fmt.Errorf("graphingest: set status ingested for %s: %w", job.DocumentID, err)
	}
	if err := h.Retry.MarkStageComplete(ctx, job.DocumentID, domain.StageGraphitiIngested); err != nil {
		return nil, fmt.Errorf("graphingest: mark stage complete for %s: %w", job.DocumentID, err)
	}

	estimatedCost := (float64(totalChars) / 4) * costPerToken
	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: orgID, DealID: job.DealID, Feature: "graphiti_ingestion", CostUSD: estimatedCost,
		})
	}
	h.Logger.Info("graphingest complete", "document_id", job.DocumentID,
		"episodes_created", episodeCount, "estimated_cost_usd", estimatedCost, "duration", time.Since(start))

	if err := h.enqueueNext(ctx, job); err != nil {
		return nil, err
	}
	return marshalStageOutput(job.DocumentID, domain.StageGraphitiIngested, start, map[string]int{"episodes_created": episodeCount}, estimatedCost)
}

func (h *Handler) enqueueNext(ctx context.Context, job Job) error {
	next := queue.DocumentJobPayload{DocumentID: job.DocumentID, OrganizationID: job.OrganizationID, DealID: job.DealID, UserID: job.UserID}
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("graphingest: marshal analyze job for %s: %w", job.DocumentID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, string(retry.JobAnalyzeDocument), payload); err != nil {
		return fmt.Errorf("graphingest: enqueue analyze for %s: %w", job.DocumentID, err)
	}
	return nil
}

// marshalStageOutput builds the stage success envelope (spec §4.A, §4.B).
func marshalStageOutput(documentID string, stage domain.Stage, start time.Time, counts map[string]int, costUSD float64) ([]byte, error) {
	output, err := json.Marshal(domain.StageOutput{
		DocumentID: documentID,
		Stage:      stage,
		DurationMs: time.Since(start).Milliseconds(),
		Counts:     counts,
		CostUSD:    costUSD,
	})
	if err != nil {
		return nil, fmt.Errorf("graphingest: marshal output envelope for %s: %w", documentID, err)
	}
	return output, nil
}
