// Package analyze implements the Analyze Handler and Extract-Financials
// Handler (spec §4.H): an LLM-driven findings pass over a document's
// chunks, followed — for spreadsheet-type documents — by a pattern-based
// financial-metric extractor.
package analyze

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/pkg/fn"
)

// MaxChunksPerCall bounds how many chunks are sent to the LLM client in one
// completion request.
const MaxChunksPerCall = 20

// LLMClient is the narrow external-collaborator interface for the
// structured-output finding extraction call.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ChunkReader is the ordered read of a document's chunks this handler needs.
type ChunkReader interface {
	ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error)
}

// FindingStore persists and clears a document's analysis findings.
type FindingStore interface {
	SaveFindings(ctx context.Context, documentID string, findings []domain.Finding) error
	DeleteFindings(ctx context.Context, documentID string) error
}

// UsageRecorder records a usage row for the analyze call.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, u domain.UsageRow) error
}

// Job is the payload shape for an analyze-document job.
type Job = queue.DocumentJobPayload

// Handler runs the analyze stage for one document, emitting findings from
// an LLM structured-output call.
type Handler struct {
	Documents retry.DocumentStore
	Chunks    ChunkReader
	Findings  FindingStore
	LLM       LLMClient
	Usage     UsageRecorder
	Retry     *retry.Manager
	Queue     *queue.Queue
	Logger    *slog.Logger
}

// New creates an analyze Handler.
func New(documents retry.DocumentStore, chunks ChunkReader, findings FindingStore, llm LLMClient, usage UsageRecorder, rm *retry.Manager, q *queue.Queue, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Documents: documents, Chunks: chunks, Findings: findings, LLM: llm, Usage: usage, Retry: rm, Queue: q, Logger: logger}
}

// Run executes the analyze stage per spec §4.H.
func (h *Handler) Run(ctx context.Context, job Job) ([]byte, error) {
	start := time.Now()

	if job.IsRetry {
		if err := h.Retry.EnqueueStageRetry(ctx, job.DocumentID, domain.StageAnalyzed); err != nil {
			return nil, fmt.Errorf("analyze: prepare retry for %s: %w", job.DocumentID, err)
		}
		if err := h.Findings.DeleteFindings(ctx, job.DocumentID); err != nil {
			return nil, fmt.Errorf("analyze: clear previous findings for %s: %w", job.DocumentID, err)
		}
	} else if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusAnalyzing); err != nil {
		return nil, fmt.Errorf("analyze: set status analyzing for %s: %w", job.DocumentID, err)
	}
	_ = h.Documents.ClearProcessingError(ctx, job.DocumentID)

	doc, err := h.Documents.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w: document %s not found", domain.ErrInvalidDocument, job.DocumentID)
	}

	chunks, err := h.Chunks.ListChunks(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("analyze: list chunks for %s: %w", job.DocumentID, err)
	}

	var allFindings []domain.Finding
	var totalChars int
	batches := fn.Chunk(chunks, MaxChunksPerCall)
	for _, batch := range batches {
		findings, chars, err := h.analyzeBatch(ctx, job.DocumentID, batch)
		if err != nil {
			return nil, fmt.Errorf("analyze: batch for %s: %w", job.DocumentID, err)
		}
		allFindings = append(allFindings, findings...)
		totalChars += chars
	}

	if len(allFindings) > 0 {
		if err := h.Findings.SaveFindings(ctx, job.DocumentID, allFindings); err != nil {
			return nil, fmt.Errorf("analyze: save findings for %s: %w", job.DocumentID, err)
		}
	}

	if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusAnalyzed); err != nil {
		return nil, fmt.Errorf("analyze: set status analyzed for %s: %w", job.DocumentID, err)
	}
	if err := h.Retry.MarkStageComplete(ctx, job.DocumentID, domain.StageAnalyzed); err != nil {
		return nil, fmt.Errorf("analyze: mark stage complete for %s: %w", job.DocumentID, err)
	}

	estimatedCost := (float64(totalChars) / 4) * costPerToken
	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: job.OrganizationID, DealID: job.DealID, Feature: "document_analysis", CostUSD: estimatedCost,
		})
	}
	h.Logger.Info("analyze complete", "document_id", job.DocumentID,
		"findings_count", len(allFindings), "estimated_cost_usd", estimatedCost, "duration", time.Since(start))

	if err := h.enqueueNext(ctx, job, doc); err != nil {
		return nil, err
	}
	output, err := json.Marshal(domain.StageOutput{
		DocumentID: job.DocumentID,
		Stage:      domain.StageAnalyzed,
		DurationMs: time.Since(start).Milliseconds(),
		Counts:     map[string]int{"findings": len(allFindings)},
		CostUSD:    estimatedCost,
	})
	if err != nil {
		return nil, fmt.Errorf("analyze: marshal output envelope for %s: %w", job.DocumentID, err)
	}
	return output, nil
}

func (h *Handler) analyzeBatch(ctx context.Context, documentID string, batch []domain.Chunk) ([]domain.Finding, int, error) {
	var b strings.Builder
	for _, c := range batch {
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}
	content := b.String()

	response, err := h.LLM.Complete(ctx, analysisPrompt(content))
	if err != nil {
		return nil, 0, err
	}
	return ParseFindings(documentID, response), len(content), nil
}

// analysisPrompt builds the structured-output instruction for the LLM
// client: extract findings as a JSON array matching spec §4.H's contract.
func analysisPrompt(content string) string {
	return "Extract findings from the following document content. " +
		"Respond with a JSON array of objects: " +
		`{"content": string, "finding_type": "fact"|"metric"|"risk"|"opportunity"|"contradiction", ` +
		`"domain": "financial"|"operational"|"market"|"legal"|"technical", "confidence": 0-100, "source_reference": string}.` +
		"\n\nContent:\n" + content
}

// enqueueNext dispatches extract-financials only for spreadsheet-type
// documents (spec §4.H step "after analysis"); other documents are already
// at the end of the pipeline once analyzed.
func (h *Handler) enqueueNext(ctx context.Context, job Job, doc domain.Document) error {
	if !isSpreadsheet(doc.ContentType) {
		if err := h.Documents.UpdateStatus(ctx, job.DocumentID, domain.StatusComplete); err != nil {
			return fmt.Errorf("analyze: set status complete for %s: %w", job.DocumentID, err)
		}
		return nil
	}

	next := queue.DocumentJobPayload{DocumentID: job.DocumentID, OrganizationID: job.OrganizationID, DealID: job.DealID, UserID: job.UserID}
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("analyze: marshal extract-financials job for %s: %w", job.DocumentID, err)
	}
	if _, err := h.Queue.Enqueue(ctx, string(retry.JobExtractFinancials), payload); err != nil {
		return fmt.Errorf("analyze: enqueue extract-financials for %s: %w", job.DocumentID, err)
	}
	return nil
}

func isSpreadsheet(contentType string) bool {
	switch contentType {
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return true
	default:
		return false
	}
}

// costPerToken is the estimated per-token analysis cost used to produce an
// estimated_cost_usd figure, matching engine/graphingest's convention.
const costPerToken = 0.00000012
