package graphingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/queue"
)

// Job kinds for the two thin ingest entry points spec §4.N adds alongside
// the document deep path (§4.G): a chat-asserted fact and a Q&A answer,
// both dispatched through the same queue a document stage job is.
const (
	JobIngestChatFact   = "ingest-chat-fact"
	JobIngestQAResponse = "ingest-qa-response"
)

// ingestResult is the success envelope returned for both thin ingest paths,
// mirroring original_source/.../ingest_chat_fact.py's and
// ingest_qa_response.py's result dict shape.
type ingestResult struct {
	Success         bool   `json:"success"`
	ReferenceID     string `json:"reference_id"`
	EpisodesCreated int    `json:"episodes_created"`
	SupersededCount int    `json:"superseded_count,omitempty"`
	TotalTimeMs     int64  `json:"total_time_ms"`
}

// IngestChatFact ingests a single analyst-asserted fact from a deal chat
// conversation (spec §4.N): one episode, confidence fixed at
// domain.ConfidenceChatFact, named so engine/retrieval's citation heuristics
// (spec §4.I') can recognize it as chat-sourced by its "chat-fact-" prefix.
func (h *Handler) IngestChatFact(ctx context.Context, job queue.ChatFactJobPayload) ([]byte, error) {
	start := time.Now()

	if job.DealID == "" || job.OrganizationID == "" {
		return nil, fmt.Errorf("graphingest: %w: deal_id and organization_id are required for chat-fact ingestion", domain.ErrInvalidDocument)
	}

	namespace := domain.Namespace(job.OrganizationID, job.DealID)
	msgContext := job.MessageContext
	if msgContext == "" {
		msgContext = job.FactContent
	}

	episode := domain.Episode{
		Name:          fmt.Sprintf("chat-fact-%s", job.MessageID),
		Namespace:     namespace,
		Content:       msgContext,
		SourceDesc:    "analyst chat message",
		ReferenceTime: start,
	}

	entities, facts, err := h.Engine.AddEpisode(ctx, episode)
	if err != nil {
		return nil, fmt.Errorf("graphingest: ingest chat fact %s: %w", job.MessageID, err)
	}
	for i := range facts {
		facts[i].Confidence = domain.ConfidenceChatFact
		if facts[i].Name == "" {
			facts[i].Name = episode.Name
		}
	}

	if err := h.Graph.SaveEpisode(ctx, graph.Episode{
		Name: episode.Name, Namespace: namespace, Content: episode.Content,
		SourceDesc: episode.SourceDesc, ReferenceTime: episode.ReferenceTime,
	}); err != nil {
		return nil, fmt.Errorf("graphingest: save chat-fact episode %s: %w", job.MessageID, err)
	}
	if err := h.Graph.SaveBatch(ctx, entities, facts); err != nil {
		return nil, fmt.Errorf("graphingest: save chat-fact batch %s: %w", job.MessageID, err)
	}

	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: job.OrganizationID, DealID: job.DealID, Feature: "chat_fact_ingestion",
		})
	}
	h.Logger.Info("chat-fact ingestion complete", "message_id", job.MessageID,
		"episodes_created", 1, "duration", time.Since(start))

	return json.Marshal(ingestResult{
		Success: true, ReferenceID: job.MessageID, EpisodesCreated: 1,
		TotalTimeMs: time.Since(start).Milliseconds(),
	})
}

// IngestQAResponse ingests a Q&A item's answer (spec §4.N): the
// highest-confidence fact source (domain.ConfidenceQAAnswer), able to set
// invalid_at on any existing document- or chat-sourced fact asserted about
// the same subject entity.
func (h *Handler) IngestQAResponse(ctx context.Context, job queue.QAResponseJobPayload) ([]byte, error) {
	start := time.Now()

	if job.DealID == "" || job.OrganizationID == "" {
		return nil, fmt.Errorf("graphingest: %w: deal_id and organization_id are required for Q&A ingestion", domain.ErrInvalidDocument)
	}

	namespace := domain.Namespace(job.OrganizationID, job.DealID)
	content := fmt.Sprintf("Q: %s\nA: %s", job.Question, job.Answer)

	episode := domain.Episode{
		Name:          fmt.Sprintf("qa-response-%s", job.QAItemID),
		Namespace:     namespace,
		Content:       content,
		SourceDesc:    "Q&A response",
		ReferenceTime: start,
	}

	entities, facts, err := h.Engine.AddEpisode(ctx, episode)
	if err != nil {
		return nil, fmt.Errorf("graphingest: ingest Q&A response %s: %w", job.QAItemID, err)
	}
	for i := range facts {
		facts[i].Confidence = domain.ConfidenceQAAnswer
		if facts[i].Name == "" {
			facts[i].Name = episode.Name
		}
	}

	if err := h.Graph.SaveEpisode(ctx, graph.Episode{
		Name: episode.Name, Namespace: namespace, Content: episode.Content,
		SourceDesc: episode.SourceDesc, ReferenceTime: episode.ReferenceTime,
	}); err != nil {
		return nil, fmt.Errorf("graphingest: save Q&A episode %s: %w", job.QAItemID, err)
	}

	superseded, err := h.supersedeExistingFacts(ctx, namespace, facts, start)
	if err != nil {
		h.Logger.Warn("qa-response: supersession lookup failed", "qa_item_id", job.QAItemID, "err", err)
	}

	if err := h.Graph.SaveBatch(ctx, entities, facts); err != nil {
		return nil, fmt.Errorf("graphingest: save Q&A batch %s: %w", job.QAItemID, err)
	}

	if h.Usage != nil {
		_ = h.Usage.RecordUsage(ctx, domain.UsageRow{
			OrganizationID: job.OrganizationID, DealID: job.DealID, Feature: "qa_response_ingestion",
		})
	}
	h.Logger.Info("qa-response ingestion complete", "qa_item_id", job.QAItemID,
		"episodes_created", 1, "superseded_count", superseded, "duration", time.Since(start))

	return json.Marshal(ingestResult{
		Success: true, ReferenceID: job.QAItemID, EpisodesCreated: 1,
		SupersededCount: superseded, TotalTimeMs: time.Since(start).Milliseconds(),
	})
}

// supersedeExistingFacts invalidates every still-valid fact asserted about
// one of newFacts' subject entities, other than newFacts themselves, since a
// Q&A answer outranks every other fact source (spec §4.N).
func (h *Handler) supersedeExistingFacts(ctx context.Context, namespace string, newFacts []graph.Fact, at time.Time) (int, error) {
	superseded := 0
	seen := make(map[string]bool)
	for _, nf := range newFacts {
		if nf.From == "" || seen[nf.From] {
			continue
		}
		seen[nf.From] = true

		existing, err := h.Graph.FindFactsByEntity(ctx, namespace, nf.From)
		if err != nil {
			return superseded, err
		}
		for _, ef := range existing {
			if ef.Name == nf.Name || ef.ID == "" {
				continue
			}
			if err := h.Graph.InvalidateFact(ctx, ef.ID, at); err != nil {
				return superseded, fmt.Errorf("invalidate fact %s: %w", ef.ID, err)
			}
			superseded++
		}
	}
	return superseded, nil
}
