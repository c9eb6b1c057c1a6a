package queue

import (
	"context"
	"fmt"
	"time"
)

// QueueStatus is the external, coarser status the queue-introspection
// endpoint reports, collapsing JobState per spec §6's mapping.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusFailed     QueueStatus = "failed"
)

// ProcessingStage is the coarse stage name surfaced to callers of the queue
// endpoint; narrower than the job name, only defined for the three stages
// spec §6 names.
type ProcessingStage string

const (
	StageParsing   ProcessingStage = "parsing"
	StageEmbedding ProcessingStage = "embedding"
	StageAnalyzing ProcessingStage = "analyzing"
)

// stageByJobName maps a job name to the ProcessingStage reported for it;
// jobs outside this map (update-graph, extract-financials) report no stage.
var stageByJobName = map[string]ProcessingStage{
	"parse-document":      StageParsing,
	"generate-embeddings": StageEmbedding,
	"analyze-document":    StageAnalyzing,
}

// stageBaseSeconds are the per-stage base time estimates spec §6 names:
// 30s parsing, 20s embedding, 60s analyzing.
var stageBaseSeconds = map[ProcessingStage]float64{
	StageParsing:   30,
	StageEmbedding: 20,
	StageAnalyzing: 60,
}

// fileTypeMultiplier scales the base estimate: 1.5x for PDF, 2.0x for
// spreadsheet, 1.0x otherwise. Per spec §9 these constants are not derived
// from observed latency and are explicitly marked tunable.
func fileTypeMultiplier(fileType string) float64 {
	switch fileType {
	case "application/pdf":
		return 1.5
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return 2.0
	default:
		return 1.0
	}
}

// QueueEntry is one row of GET /api/processing/queue's response, per spec
// §6.
type QueueEntry struct {
	ID                  string
	DocumentID          string
	DocumentName        string
	FileType            string
	Status              QueueStatus
	ProcessingStage     ProcessingStage
	CreatedAt           time.Time
	StartedAt           *time.Time
	TimeInQueueSeconds  int64
	EstimatedCompletion *time.Time
	RetryCount          int
	Error               string
}

// statusFor maps a JobState to the external QueueStatus, or "" if the job
// is in a terminal state the endpoint does not surface (completed,
// cancelled).
func statusFor(s JobState) (QueueStatus, bool) {
	switch s {
	case JobCreated, JobRetry:
		return QueueStatusQueued, true
	case JobActive:
		return QueueStatusProcessing, true
	case JobFailed:
		return QueueStatusFailed, true
	default:
		return "", false
	}
}

// ListForDeal returns the queue entries for documents belonging to dealID,
// most recent first, satisfying GET /api/processing/queue. total is the
// count of entries matching dealID before limit/offset is applied.
func (q *Queue) ListForDeal(ctx context.Context, dealID string, limit, offset int) ([]QueueEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}

	const sql = `
		SELECT j.id, j.name, j.state, j.attempts, j.last_error, j.created_on, j.started_on,
		       d.id, d.name, d.content_type, count(*) OVER() AS total
		FROM jobs j
		JOIN documents d ON d.id = (j.payload->>'document_id')::uuid
		WHERE d.deal_id = $1
		ORDER BY j.created_on DESC
		LIMIT $2 OFFSET $3`

	rows, err := q.pool.Query(ctx, sql, dealID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("queue: list for deal %s: %w", dealID, err)
	}
	defer rows.Close()

	var entries []QueueEntry
	total := 0
	now := time.Now()
	for rows.Next() {
		var (
			jobID, jobName                      string
			state                                JobState
			attempts                             int
			lastError                            *string
			createdOn                            time.Time
			startedOn                            *time.Time
			documentID, documentName, contentType string
		)
		if err := rows.Scan(&jobID, &jobName, &state, &attempts, &lastError, &createdOn, &startedOn,
			&documentID, &documentName, &contentType, &total); err != nil {
			return nil, 0, fmt.Errorf("queue: scan queue row: %w", err)
		}

		status, ok := statusFor(state)
		if !ok {
			total--
			continue
		}

		entry := QueueEntry{
			ID:                 jobID,
			DocumentID:         documentID,
			DocumentName:       documentName,
			FileType:           contentType,
			Status:             status,
			ProcessingStage:    stageByJobName[jobName],
			CreatedAt:          createdOn,
			StartedAt:          startedOn,
			TimeInQueueSeconds: int64(now.Sub(createdOn).Seconds()),
			RetryCount:         attempts,
		}
		if lastError != nil {
			entry.Error = *lastError
		}
		if status == QueueStatusProcessing && entry.ProcessingStage != "" && startedOn != nil {
			base := stageBaseSeconds[entry.ProcessingStage] * fileTypeMultiplier(contentType)
			eta := startedOn.Add(time.Duration(base) * time.Second)
			entry.EstimatedCompletion = &eta
		}
		entries = append(entries, entry)
	}
	return entries, total, rows.Err()
}
