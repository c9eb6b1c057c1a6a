package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
)

// MaxRetryAttempts is the per-stage retry cap: a single stage is retried at
// most this many times before the document is marked permanently failed.
const MaxRetryAttempts = 3

// MaxTotalRetryAttempts is the lifetime retry cap across every stage of a
// single document.
const MaxTotalRetryAttempts = 5

// ManualRetryCooldown is the minimum time a caller must wait between two
// manually-triggered retries of the same document.
const ManualRetryCooldown = 60 * time.Second

// DocumentStore is the slice of the storage adapter the retry manager needs:
// reading and updating a document's status, processing error, and retry
// history.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus) error
	SetProcessingError(ctx context.Context, id string, ce *domain.ClassifiedError) error
	ClearProcessingError(ctx context.Context, id string) error
	AppendRetryHistory(ctx context.Context, id string, entry domain.RetryHistoryEntry) error
	SetLastCompletedStage(ctx context.Context, id string, stage domain.Stage) error
}

// StageJob is the job name a re-enqueued stage is dispatched under.
type StageJob string

const (
	JobParseDocument      StageJob = "parse-document"
	JobGenerateEmbeddings StageJob = "generate-embeddings"
	JobIngestGraph        StageJob = "update-graph"
	JobAnalyzeDocument    StageJob = "analyze-document"
	JobExtractFinancials  StageJob = "extract-financials"
)

// stageJobs maps a resume stage (the checkpoint a stage's successful
// completion produces) to the job name that performs it.
var stageJobs = map[domain.Stage]StageJob{
	domain.StageParsed:              JobParseDocument,
	domain.StageEmbedded:            JobGenerateEmbeddings,
	domain.StageGraphitiIngested:    JobIngestGraph,
	domain.StageAnalyzed:            JobAnalyzeDocument,
	domain.StageExtractedFinancials: JobExtractFinancials,
}

// failedStatus maps a stage to the terminal DocumentStatus a document is
// moved to once that stage has exhausted its retry budget.
var failedStatus = map[domain.Stage]domain.DocumentStatus{
	domain.StageParsed:              domain.StatusFailed,
	domain.StageEmbedded:            domain.StatusEmbeddingFailed,
	domain.StageGraphitiIngested:    domain.StatusFailed,
	domain.StageAnalyzed:            domain.StatusAnalysisFailed,
	domain.StageExtractedFinancials: domain.StatusFailed,
}

// inProgressStatus maps a resume stage to the status a document is placed in
// while that stage is being (re-)attempted.
var inProgressStatus = map[domain.Stage]domain.DocumentStatus{
	domain.StageParsed:              domain.StatusParsing,
	domain.StageEmbedded:            domain.StatusEmbedding,
	domain.StageGraphitiIngested:    domain.StatusGraphitiIngesting,
	domain.StageAnalyzed:            domain.StatusAnalyzing,
	domain.StageExtractedFinancials: domain.StatusExtractingFinancials,
}

// StageForJob reports the resume stage a queue job kind performs, the
// inverse of stageJobs, so a caller that only knows the job name (as the
// worker pool does when a handler fails) can find the domain.Stage to
// classify the failure against.
func StageForJob(jobName string) (domain.Stage, bool) {
	for stage, job := range stageJobs {
		if string(job) == jobName {
			return stage, true
		}
	}
	return "", false
}

// Enqueuer dispatches a stage job for a document id. It is the retry
// manager's only outbound dependency on the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobName string, documentID string) error
}

// Manager implements the resume-from-checkpoint retry policy: classify a
// stage failure, decide whether to retry the stage or fail the document, and
// drive manual (user-triggered) retries subject to a cooldown and a lifetime
// cap.
type Manager struct {
	store DocumentStore
	queue Enqueuer
	now   func() time.Time
}

// New creates a retry Manager.
func New(store DocumentStore, queue Enqueuer) *Manager {
	return &Manager{store: store, queue: queue, now: time.Now}
}

// HandleJobFailure classifies err, persists it against the document, appends
// a retry-history entry, and — if the error is not retryable — moves the
// document to its stage's terminal failed status.
func (m *Manager) HandleJobFailure(ctx context.Context, docID string, stage domain.Stage, err error) (*domain.ClassifiedError, error) {
	doc, getErr := m.store.GetDocument(ctx, docID)
	if getErr != nil {
		return nil, fmt.Errorf("retry: load document %s: %w", docID, getErr)
	}

	attempt := m.countStageAttempts(doc, stage) + 1
	ce := Classify(err, stage, attempt)

	if setErr := m.store.SetProcessingError(ctx, docID, ce); setErr != nil {
		return ce, fmt.Errorf("retry: persist processing error: %w", setErr)
	}

	entry := domain.RetryHistoryEntry{
		Attempt:   attempt,
		Stage:     stage,
		ErrorKind: ce.Kind,
		Message:   ce.Message,
		Timestamp: m.now(),
	}
	if appendErr := m.store.AppendRetryHistory(ctx, docID, entry); appendErr != nil {
		return ce, fmt.Errorf("retry: append retry history: %w", appendErr)
	}

	if !ce.Retryable {
		status := failedStatus[stage]
		if status == "" {
			status = domain.StatusFailed
		}
		if updErr := m.store.UpdateStatus(ctx, docID, status); updErr != nil {
			return ce, fmt.Errorf("retry: mark document failed: %w", updErr)
		}
	}

	return ce, nil
}

// ShouldRetryStage reports whether stage on doc still has retry budget
// remaining, counting only attempts recorded against that stage.
func (m *Manager) ShouldRetryStage(doc domain.Document, stage domain.Stage) bool {
	return m.countStageAttempts(doc, stage) < MaxRetryAttempts
}

// CanManualRetry reports whether a user-triggered retry of doc is currently
// permitted: the lifetime retry cap has not been exceeded and the cooldown
// since the most recent retry attempt has elapsed.
func (m *Manager) CanManualRetry(doc domain.Document) bool {
	if len(doc.RetryHistory) >= MaxTotalRetryAttempts {
		return false
	}
	last := m.lastRetryTime(doc)
	if last.IsZero() {
		return true
	}
	return m.now().Sub(last) >= ManualRetryCooldown
}

// GetNextRetryStage maps a document's last completed stage to the stage that
// should be resumed next, or "" if the document has already completed every
// stage.
func GetNextRetryStage(lastCompleted domain.Stage) domain.Stage {
	if lastCompleted == "" {
		return domain.StageParsed
	}
	return domain.NextStage(lastCompleted)
}

// EnqueueStageRetry prepares a document for re-attempt of stage (moving it to
// the stage's in-progress status; stage output is not cleared) and enqueues
// the corresponding job. The processing error is cleared only once the job
// is durably enqueued, so a crash between preparation and enqueue leaves the
// error in place for the next retry pass to find.
func (m *Manager) EnqueueStageRetry(ctx context.Context, docID string, stage domain.Stage) error {
	job, ok := stageJobs[stage]
	if !ok || job == "" {
		return fmt.Errorf("retry: no job registered for stage %q", stage)
	}

	if err := m.prepareStageRetry(ctx, docID, stage); err != nil {
		return err
	}
	if err := m.queue.Enqueue(ctx, string(job), docID); err != nil {
		return fmt.Errorf("retry: enqueue %s for %s: %w", job, docID, err)
	}
	return m.store.ClearProcessingError(ctx, docID)
}

// prepareStageRetry moves the document into the stage's in-progress status.
// Clearing stage-specific output data (parsed chunks, embeddings, etc.) is
// the responsibility of the handler that reprocesses the stage, since only
// it knows which of its own tables to truncate.
func (m *Manager) prepareStageRetry(ctx context.Context, docID string, stage domain.Stage) error {
	status, ok := inProgressStatus[stage]
	if !ok {
		return fmt.Errorf("retry: no in-progress status for stage %q", stage)
	}
	return m.store.UpdateStatus(ctx, docID, status)
}

// MarkStageComplete records that stage has finished successfully.
func (m *Manager) MarkStageComplete(ctx context.Context, docID string, stage domain.Stage) error {
	return m.store.SetLastCompletedStage(ctx, docID, stage)
}

func (m *Manager) countStageAttempts(doc domain.Document, stage domain.Stage) int {
	n := 0
	for _, e := range doc.RetryHistory {
		if e.Stage == stage {
			n++
		}
	}
	return n
}

func (m *Manager) lastRetryTime(doc domain.Document) time.Time {
	var last time.Time
	for _, e := range doc.RetryHistory {
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last
}
