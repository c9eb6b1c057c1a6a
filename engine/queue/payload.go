package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// DocumentJobPayload is the envelope every pipeline stage job shares: the
// owning document plus enough tenant/retry context for the handler to run
// without a prior database read.
type DocumentJobPayload struct {
	DocumentID         string `json:"document_id"`
	OrganizationID     string `json:"organization_id,omitempty"`
	DealID             string `json:"deal_id,omitempty"`
	UserID             string `json:"user_id,omitempty"`
	GCSPath            string `json:"gcs_path,omitempty"`
	FileType           string `json:"file_type,omitempty"`
	FileName           string `json:"file_name,omitempty"`
	IsRetry            bool   `json:"is_retry,omitempty"`
	LastCompletedStage string `json:"last_completed_stage,omitempty"`
}

// ChatFactJobPayload is the ingest-chat-fact job envelope (spec §4.N): an
// analyst-asserted fact captured during a deal chat conversation.
type ChatFactJobPayload struct {
	MessageID      string `json:"message_id"`
	DealID         string `json:"deal_id"`
	OrganizationID string `json:"organization_id"`
	FactContent    string `json:"fact_content"`
	MessageContext string `json:"message_context,omitempty"`
}

// QAResponseJobPayload is the ingest-qa-response job envelope (spec §4.N): a
// Q&A item's answer, the highest-confidence fact source, able to supersede
// any document- or chat-sourced fact on the same subject.
type QAResponseJobPayload struct {
	QAItemID       string `json:"qa_item_id"`
	DealID         string `json:"deal_id"`
	OrganizationID string `json:"organization_id"`
	Question       string `json:"question"`
	Answer         string `json:"answer"`
}

// DocumentEnqueuer adapts a Queue to engine/retry's Enqueuer interface, which
// only needs to dispatch a stage job for a document id; it marshals the
// minimal DocumentJobPayload the worker handlers expect.
type DocumentEnqueuer struct {
	Q *Queue
}

// Enqueue implements engine/retry.Enqueuer.
func (e DocumentEnqueuer) Enqueue(ctx context.Context, jobName string, documentID string) error {
	payload, err := json.Marshal(DocumentJobPayload{DocumentID: documentID, IsRetry: true})
	if err != nil {
		return fmt.Errorf("queue: marshal retry payload for %s: %w", documentID, err)
	}
	_, err = e.Q.Enqueue(ctx, jobName, payload)
	return err
}
