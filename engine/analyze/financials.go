package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
)

// MetricStore persists and clears a document's normalized financial
// metrics.
type MetricStore interface {
	SaveFinancialMetrics(ctx context.Context, documentID string, metrics []domain.FinancialMetric) error
	DeleteFinancialMetrics(ctx context.Context, documentID string) error
}

// FinancialsJob is the payload shape for an extract-financials job.
type FinancialsJob = queue.DocumentJobPayload

// FinancialsHandler runs the extract-financials stage for one document,
// grounded on
// original_source/manda-processing/src/jobs/handlers/extract_financials.py's
// "Load Chunks -> Reconstruct ParseResult -> Detect -> Extract -> Store ->
// Complete" pipeline.
type FinancialsHandler struct {
	Documents retry.DocumentStore
	Chunks    ChunkReader
	Metrics   MetricStore
	Extractor *Extractor
	Usage     UsageRecorder
	Retry     *retry.Manager
	Logger    *slog.Logger
}

// NewFinancialsHandler creates a FinancialsHandler.
func NewFinancialsHandler(documents retry.DocumentStore, chunks ChunkReader, metrics MetricStore, usage UsageRecorder, rm *retry.Manager, logger *slog.Logger) *FinancialsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinancialsHandler{
		Documents: documents, Chunks: chunks, Metrics: metrics, Extractor: NewExtractor(),
		Usage: usage, Retry: rm, Logger: logger,
	}
}

// Run executes the extract-financials stage per spec §4.H steps 1-5.
func (h *FinancialsHandler) Run(ctx context.Context, job FinancialsJob) ([]byte, error) {
	start := time.Now()

	if job.IsRetry {
		if err := h.Retry.EnqueueStageRetry(ctx, job.DocumentID, domain.StageExtractedFinancials); err != nil {
			return nil, fmt.Errorf("extract-financials: prepare retry for %s: %w", job.DocumentID, err)
		}
		if err := h.Metrics.DeleteFinancialMetrics(ctx, job.DocumentID); err != nil {
			return nil, fmt.Errorf("extract-financials: clear previous metrics for %s: %w", job.DocumentID, err)
		}
	} else if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusExtractingFinancials); err != nil {
		return nil, fmt.Errorf("extract-financials: set status extracting for %s: %w", job.DocumentID, err)
	}
	_ = h.Documents.ClearProcessingError(ctx, job.DocumentID)

	if _, err := h.Documents.GetDocument(ctx, job.DocumentID); err != nil {
		return nil, fmt.Errorf("extract-financials: %w: document %s not found", domain.ErrInvalidDocument, job.DocumentID)
	}

	chunks, err := h.Chunks.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("extract-financials: list chunks for %s: %w", job.DocumentID, err)
	}
	if len(chunks) == 0 {
		return h.finish(ctx, job, nil, 0, false, 0, start)
	}

	parseResult := ReconstructParseResult(chunks)
	extraction := h.Extractor.Extract(job.DocumentID, parseResult)

	if len(extraction.Metrics) > 0 {
		if err := h.Metrics.SaveFinancialMetrics(ctx, job.DocumentID, extraction.Metrics); err != nil {
			return nil, fmt.Errorf("extract-financials: save metrics for %s: %w", job.DocumentID, err)
		}
	}

	return h.finish(ctx, job, extraction.Metrics, len(chunks), extraction.HasFinancialData, extraction.DetectionConfidence, start)
}

func (h *FinancialsHandler) finish(ctx context.Context, job FinancialsJob, metrics []domain.FinancialMetric, chunkCount int, hasFinancialData bool, confidence float64, start time.Time) ([]byte, error) {
	if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusComplete); err != nil {
		return nil, fmt.Errorf("extract-financials: set status complete for %s: %w", job.DocumentID, err)
	}
	if err := h.Retry.MarkStageComplete(ctx, job.DocumentID, domain.StageExtractedFinancials); err != nil {
		return nil, fmt.Errorf("extract-financials: mark stage complete for %s: %w", job.DocumentID, err)
	}

	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: job.OrganizationID, DealID: job.DealID, Feature: "financial_extraction",
		})
	}
	h.Logger.Info("extract-financials complete", "document_id", job.DocumentID,
		"metrics_count", len(metrics), "has_financial_data", hasFinancialData,
		"detection_confidence", confidence, "duration", time.Since(start))

	output, err := json.Marshal(domain.StageOutput{
		DocumentID: job.DocumentID,
		Stage:      domain.StageExtractedFinancials,
		DurationMs: time.Since(start).Milliseconds(),
		Counts:     map[string]int{"metrics": len(metrics), "chunks": chunkCount},
	})
	if err != nil {
		return nil, fmt.Errorf("extract-financials: marshal output envelope for %s: %w", job.DocumentID, err)
	}
	return output, nil
}
