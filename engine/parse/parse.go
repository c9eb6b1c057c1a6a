// Package parse implements the Parse Handler (spec §4.E): downloads the
// uploaded object, dispatches it to a format-specific parser, stores the
// resulting chunks/tables/formulas, and enqueues the next stage.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/pkg/fn"
)

// ParseResult is the format-parser output contract, carried from
// original_source/manda-processing/src/parsers/__init__.py's ParseResult:
// chunks/tables/formulas plus counters and two distinct failure channels.
// Warnings are non-fatal parser observations; Errors are fatal and routed
// through the classifier by the caller.
type ParseResult struct {
	Chunks      []domain.Chunk
	Tables      []domain.Table
	Formulas    []domain.Formula
	PageCount   int
	SheetCount  int
	ParseTimeMs int64
	Warnings    []string
	Errors      []string
}

// ObjectStore downloads the uploaded object to a local path and returns a
// cleanup function that must run on every exit path.
type ObjectStore interface {
	Download(ctx context.Context, sourceURL string) (path string, cleanup func(), err error)
}

// FormatParser dispatches to the format-specific parser (text, spreadsheet,
// word, image) implied by contentType.
type FormatParser interface {
	Parse(ctx context.Context, path, contentType string) (ParseResult, error)
}

// ChunkStore is the slice of the storage adapter this handler needs beyond
// engine/retry's DocumentStore: transactional chunk replacement.
type ChunkStore interface {
	SaveChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error
}

// Job is the payload shape for a parse-document job, matching
// queue.DocumentJobPayload.
type Job = queue.DocumentJobPayload

// Handler runs the parse stage for one document.
type Handler struct {
	Documents retry.DocumentStore
	Chunks    ChunkStore
	Objects   ObjectStore
	Parser    FormatParser
	Retry     *retry.Manager
	Queue     *queue.Queue
	Logger    *slog.Logger
}

// New creates a parse Handler.
func New(documents retry.DocumentStore, chunks ChunkStore, objects ObjectStore, parser FormatParser, rm *retry.Manager, q *queue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Documents: documents, Chunks: chunks, Objects: objects, Parser: parser, Retry: rm, Queue: q, Logger: logger}
}

// Run executes the parse stage per spec §4.E's algorithm:
//  1. prepare-for-retry or mark parsing
//  2. clear the processing error
//  3. download the object to a scoped temp file, cleaned up on every exit
//  4. dispatch to the format parser
//  5. store chunks/tables/formulas and advance status to parsed
//  6. mark the stage complete
//  7. enqueue embed
func (h *Handler) Run(ctx context.Context, job Job) ([]byte, error) {
	start := time.Now()

	if job.IsRetry {
		if err := h.Retry.EnqueueStageRetry(ctx, job.DocumentID, domain.StageParsed); err != nil {
			return nil, fmt.Errorf("parse: prepare retry for %s: %w", job.DocumentID, err)
		}
	} else if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusParsing); err != nil {
		return nil, fmt.Errorf("parse: set status parsing for %s: %w", job.DocumentID, err)
	}
	if err := h.Documents.ClearProcessingError(ctx, job.DocumentID); err != nil {
		return nil, fmt.Errorf("parse: clear processing error for %s: %w", job.DocumentID, err)
	}

	path, cleanup, err := h.Objects.Download(ctx, job.GCSPath)
	if err != nil {
		return nil, fmt.Errorf("parse: download %s: %w", job.GCSPath, err)
	}
	defer cleanup()

	result, err := h.Parser.Parse(ctx, path, job.FileType)
	if err != nil {
		return nil, fmt.Errorf("parse: format parser for %s: %w", job.DocumentID, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("parse: %s: %s", job.DocumentID, result.Errors[0])
	}
	for _, w := range result.Warnings {
		h.Logger.Warn("parse warning", "document_id", job.DocumentID, "warning", w)
	}

	for i := range result.Chunks {
		result.Chunks[i].DocumentID = job.DocumentID
		result.Chunks[i].Index = i
	}
	if err := h.Chunks.SaveChunks(ctx, job.DocumentID, result.Chunks); err != nil {
		return nil, fmt.Errorf("parse: save chunks for %s: %w", job.DocumentID, err)
	}
	if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusParsed); err != nil {
		return nil, fmt.Errorf("parse: set status parsed for %s: %w", job.DocumentID, err)
	}
	if err := h.Retry.MarkStageComplete(ctx, job.DocumentID, domain.StageParsed); err != nil {
		return nil, fmt.Errorf("parse: mark stage complete for %s: %w", job.DocumentID, err)
	}

	next := queue.DocumentJobPayload{
		DocumentID:     job.DocumentID,
		OrganizationID: job.OrganizationID,
		DealID:         job.DealID,
		UserID:         job.UserID,
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("parse: marshal embed job for %s: %w", job.DocumentID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, "generate-embeddings", payload); err != nil {
		return nil, fmt.Errorf("parse: enqueue embed for %s: %w", job.DocumentID, err)
	}

	duration := time.Since(start)
	h.Logger.Info("parse complete", "document_id", job.DocumentID,
		"chunks", len(result.Chunks), "pages", result.PageCount, "sheets", result.SheetCount,
		"duration", duration)

	output, err := json.Marshal(domain.StageOutput{
		DocumentID: job.DocumentID,
		Stage:      domain.StageParsed,
		DurationMs: duration.Milliseconds(),
		Counts:     map[string]int{"chunks": len(result.Chunks), "pages": result.PageCount, "sheets": result.SheetCount},
	})
	if err != nil {
		return nil, fmt.Errorf("parse: marshal output envelope for %s: %w", job.DocumentID, err)
	}
	return output, nil
}

// AsStage adapts Run into an fn.Stage for composition with other
// fn.Stage-based pipelines (tracing, retries) elsewhere in the codebase.
func (h *Handler) AsStage() fn.Stage[Job, struct{}] {
	return func(ctx context.Context, job Job) fn.Result[struct{}] {
		if _, err := h.Run(ctx, job); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	}
}
