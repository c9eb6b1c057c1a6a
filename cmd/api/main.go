// Package main implements the deal-document pipeline's HTTP API: document
// ingestion webhooks, queue introspection, retry, and hybrid search (spec
// §6).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dealdocs/pipeline/engine/domain"
	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/graphingest"
	"github.com/dealdocs/pipeline/engine/observability"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retrieval"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/engine/semantic"
	"github.com/dealdocs/pipeline/engine/storage"
	"github.com/dealdocs/pipeline/engine/tenant"
	"github.com/dealdocs/pipeline/pkg/mid"
	"github.com/dealdocs/pipeline/pkg/ollama"
)

// Config holds all environment-based configuration, following the
// teacher's cmd/api Config/loadConfig/envOr pattern.
type Config struct {
	Port             string
	DatabaseURL      string
	Neo4jURL         string
	Neo4jUser        string
	Neo4jPass        string
	QdrantURL        string
	QdrantCollection string
	OllamaURL        string
	EmbeddingModel   string
	RerankerURL      string
	RerankerModel    string
	CORSOrigin       string
	JWTSecret        string
	WebhookAPIKey    string
}

func loadConfig() Config {
	return Config{
		Port:             envOr("PORT", "8080"),
		DatabaseURL:      envOr("DATABASE_URL", "postgres://localhost:5432/dealdocs"),
		Neo4jURL:         envOr("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:        envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:        envOr("NEO4J_PASSWORD", "password"),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "dealdocs"),
		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbeddingModel:   envOr("EMBEDDING_MODEL", "nomic-embed-text"),
		RerankerURL:      envOr("RERANKER_URL", "http://localhost:8081"),
		RerankerModel:    envOr("RERANKER_MODEL", "rerank-v1"),
		CORSOrigin:       envOr("CORS_ORIGIN", "*"),
		JWTSecret:        envOr("JWT_SECRET", "dev-secret"),
		WebhookAPIKey:    envOr("WEBHOOK_API_KEY", "dev-webhook-key"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pgPool.Close()

	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	graphStore := graph.New(neo4jDriver)

	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()

	store := storage.New(pgPool)
	q := queue.New(pgPool)
	rm := retry.New(store, queue.DocumentEnqueuer{Q: q})

	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbeddingModel)
	reranker := retrieval.NewHTTPReranker(cfg.RerankerURL, cfg.RerankerModel)
	retrievalSvc := retrieval.New(graphStore, reranker, vectorStore, embedder, logger)

	health := observability.NewHealthChecker(time.Now(), graphStore, q)

	api := &apiServer{
		store:    store,
		queue:    q,
		retry:    rm,
		retrieve: retrievalSvc,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", health)

	mux.HandleFunc("POST /webhooks/document-uploaded", api.requireAPIKey(cfg.WebhookAPIKey, api.handleDocumentUploaded))
	mux.HandleFunc("POST /webhooks/document-uploaded/batch", api.requireAPIKey(cfg.WebhookAPIKey, api.handleDocumentUploadedBatch))
	mux.HandleFunc("POST /webhooks/retry/{document_id}", api.requireAPIKey(cfg.WebhookAPIKey, api.handleRetry))
	mux.HandleFunc("POST /webhooks/chat-fact", api.requireAPIKey(cfg.WebhookAPIKey, api.handleIngestChatFact))
	mux.HandleFunc("POST /webhooks/qa-response", api.requireAPIKey(cfg.WebhookAPIKey, api.handleIngestQAResponse))

	tenantMW := tenant.Middleware([]byte(cfg.JWTSecret), store)
	mux.Handle("GET /api/processing/queue", tenantMW(http.HandlerFunc(api.handleQueueList)))
	mux.Handle("DELETE /api/processing/queue/{job_id}", tenantMW(http.HandlerFunc(api.handleQueueCancel)))
	mux.Handle("POST /api/search/hybrid", tenantMW(http.HandlerFunc(api.handleHybridSearch)))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("dealdocs-api"),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// apiServer holds the collaborators every handler needs.
type apiServer struct {
	store    *storage.Adapter
	queue    *queue.Queue
	retry    *retry.Manager
	retrieve *retrieval.Service
	logger   *slog.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// requireAPIKey gates webhook routes on a static API key, since webhooks are
// called by the upload pipeline rather than an end user and carry no JWT
// (spec §6's "API key header").
func (a *apiServer) requireAPIKey(key string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != key {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

// documentUploadedRequest is the JSON body of POST /webhooks/document-uploaded
// (spec §6). It carries no organization_id: the webhook is API-key gated,
// not tenant-header gated, so the organization is resolved from the deal's
// existing documents instead (the same resolution spec §4.B's parse stage
// falls back to when a job payload's organization_id is empty).
type documentUploadedRequest struct {
	DocumentID         string `json:"document_id"`
	DealID             string `json:"deal_id"`
	UserID             string `json:"user_id"`
	GCSPath            string `json:"gcs_path"`
	FileType           string `json:"file_type"`
	FileName           string `json:"file_name"`
	IsRetry            bool   `json:"is_retry"`
	LastCompletedStage string `json:"last_completed_stage"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"job_id,omitempty"`
}

func (a *apiServer) handleDocumentUploaded(w http.ResponseWriter, r *http.Request) {
	var req documentUploadedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, status := a.ingestDocument(r.Context(), req)
	writeJSON(w, status, resp)
}

func (a *apiServer) handleDocumentUploadedBatch(w http.ResponseWriter, r *http.Request) {
	var reqs []documentUploadedRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	responses := make([]webhookResponse, len(reqs))
	for i, req := range reqs {
		resp, _ := a.ingestDocument(r.Context(), req)
		responses[i] = resp
	}
	writeJSON(w, http.StatusOK, responses)
}

// ingestDocument resolves the owning organization, creates the document
// record, and enqueues the first pipeline stage. It never panics on a
// single bad request so the batch variant can tolerate partial failure.
func (a *apiServer) ingestDocument(ctx context.Context, req documentUploadedRequest) (webhookResponse, int) {
	if req.DealID == "" || req.GCSPath == "" || req.FileType == "" {
		return webhookResponse{Success: false, Message: "deal_id, gcs_path, and file_type are required"}, http.StatusBadRequest
	}

	orgID, err := a.store.OrganizationForDeal(ctx, req.DealID)
	if err != nil {
		a.logger.Warn("webhook: could not resolve organization for deal", "deal_id", req.DealID, "err", err)
		return webhookResponse{Success: false, Message: "organization could not be resolved for this deal"}, http.StatusUnprocessableEntity
	}

	doc, err := a.store.CreateDocument(ctx, domain.Document{
		ID:             req.DocumentID,
		OrganizationID: orgID,
		DealID:         req.DealID,
		Name:           req.FileName,
		ContentType:    req.FileType,
		SourceURL:      req.GCSPath,
	})
	if err != nil {
		a.logger.Error("webhook: create document failed", "err", err)
		return webhookResponse{Success: false, Message: "internal server error"}, http.StatusInternalServerError
	}

	payload, err := json.Marshal(queue.DocumentJobPayload{
		DocumentID:         doc.ID,
		OrganizationID:     orgID,
		DealID:             req.DealID,
		UserID:             req.UserID,
		GCSPath:            req.GCSPath,
		FileType:           req.FileType,
		FileName:           req.FileName,
		IsRetry:            req.IsRetry,
		LastCompletedStage: req.LastCompletedStage,
	})
	if err != nil {
		return webhookResponse{Success: false, Message: "internal server error"}, http.StatusInternalServerError
	}

	jobID, err := a.queue.Enqueue(ctx, string(retry.JobParseDocument), payload)
	if err != nil {
		a.logger.Error("webhook: enqueue parse job failed", "err", err)
		return webhookResponse{Success: false, Message: "internal server error"}, http.StatusInternalServerError
	}

	return webhookResponse{Success: true, Message: "document queued for processing", JobID: jobID}, http.StatusOK
}

func (a *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("document_id")
	if docID == "" {
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}

	doc, err := a.store.GetDocument(r.Context(), docID)
	if err != nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}

	if !a.retry.CanManualRetry(doc) {
		writeError(w, http.StatusTooManyRequests, "retry cooldown in effect or retry limit exhausted")
		return
	}

	stage := retry.GetNextRetryStage(doc.LastCompletedStage)
	if stage == "" {
		writeError(w, http.StatusConflict, "document has already completed every pipeline stage")
		return
	}

	if err := a.retry.EnqueueStageRetry(r.Context(), docID, stage); err != nil {
		a.logger.Error("retry: enqueue stage retry failed", "document_id", docID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: fmt.Sprintf("retry queued for stage %s", stage)})
}

// queueEntryResponse is one row of GET /api/processing/queue's response,
// matching spec §6's field names.
type queueEntryResponse struct {
	ID                  string     `json:"id"`
	DocumentID          string     `json:"documentId"`
	DocumentName        string     `json:"documentName"`
	FileType            string     `json:"fileType"`
	Status              string     `json:"status"`
	ProcessingStage     string     `json:"processingStage,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	TimeInQueue         int64      `json:"timeInQueue"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
	RetryCount          int        `json:"retryCount"`
	Error               string     `json:"error,omitempty"`
}

type queueListResponse struct {
	Jobs    []queueEntryResponse `json:"jobs"`
	Total   int                  `json:"total"`
	HasMore bool                 `json:"hasMore"`
}

func (a *apiServer) handleQueueList(w http.ResponseWriter, r *http.Request) {
	dealID := r.URL.Query().Get("project_id")
	if dealID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if err := tenant.VerifyDeal(r.Context(), dealID, a.store); err != nil {
		writeError(w, http.StatusForbidden, "organization does not own this deal")
		return
	}

	limit := parseIntOr(r.URL.Query().Get("limit"), 50)
	offset := parseIntOr(r.URL.Query().Get("offset"), 0)

	entries, total, err := a.queue.ListForDeal(r.Context(), dealID, limit, offset)
	if err != nil {
		a.logger.Error("queue list failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	jobs := make([]queueEntryResponse, len(entries))
	for i, e := range entries {
		jobs[i] = queueEntryResponse{
			ID: e.ID, DocumentID: e.DocumentID, DocumentName: e.DocumentName, FileType: e.FileType,
			Status: string(e.Status), ProcessingStage: string(e.ProcessingStage),
			CreatedAt: e.CreatedAt, StartedAt: e.StartedAt, TimeInQueue: e.TimeInQueueSeconds,
			EstimatedCompletion: e.EstimatedCompletion, RetryCount: e.RetryCount, Error: e.Error,
		}
	}

	writeJSON(w, http.StatusOK, queueListResponse{Jobs: jobs, Total: total, HasMore: offset+len(jobs) < total})
}

func parseIntOr(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (a *apiServer) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	dealID := r.URL.Query().Get("project_id")
	if dealID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	job, err := a.queue.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	var payload queue.DocumentJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if payload.DealID != dealID {
		writeError(w, http.StatusForbidden, "job does not belong to this project")
		return
	}
	if job.State != queue.JobCreated {
		writeError(w, http.StatusBadRequest, "only jobs in created state can be cancelled")
		return
	}

	if err := a.queue.Cancel(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if payload.DocumentID != "" {
		if err := a.store.UpdateStatus(r.Context(), payload.DocumentID, domain.StatusCancelled); err != nil {
			a.logger.Warn("cancel: failed to mark document cancelled", "document_id", payload.DocumentID, "err", err)
		}
	}

	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: "job cancelled"})
}

// handleIngestChatFact enqueues an ingest-chat-fact job (spec §4.N): an
// analyst-asserted fact captured during a deal chat conversation.
func (a *apiServer) handleIngestChatFact(w http.ResponseWriter, r *http.Request) {
	var req queue.ChatFactJobPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DealID == "" || req.OrganizationID == "" || req.FactContent == "" {
		writeError(w, http.StatusBadRequest, "deal_id, organization_id, and fact_content are required")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	jobID, err := a.queue.Enqueue(r.Context(), graphingest.JobIngestChatFact, payload)
	if err != nil {
		a.logger.Error("webhook: enqueue chat-fact ingest failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: "chat fact queued for ingestion", JobID: jobID})
}

// handleIngestQAResponse enqueues an ingest-qa-response job (spec §4.N): a
// Q&A item's answer, the highest-confidence fact source.
func (a *apiServer) handleIngestQAResponse(w http.ResponseWriter, r *http.Request) {
	var req queue.QAResponseJobPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.DealID == "" || req.OrganizationID == "" || req.Answer == "" {
		writeError(w, http.StatusBadRequest, "deal_id, organization_id, and answer are required")
		return
	}

	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	jobID, err := a.queue.Enqueue(r.Context(), graphingest.JobIngestQAResponse, payload)
	if err != nil {
		a.logger.Error("webhook: enqueue qa-response ingest failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Success: true, Message: "Q&A response queued for ingestion", JobID: jobID})
}

type hybridSearchRequest struct {
	Query          string `json:"query"`
	DealID         string `json:"deal_id"`
	OrganizationID string `json:"organization_id"`
	NumCandidates  int    `json:"num_candidates"`
	NumResults     int    `json:"num_results"`
}

func (a *apiServer) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" || req.DealID == "" || req.OrganizationID == "" {
		writeError(w, http.StatusBadRequest, "query, deal_id, and organization_id are required")
		return
	}

	if err := tenant.VerifyDeal(r.Context(), req.DealID, a.store); err != nil {
		if errors.Is(err, tenant.ErrTenantMismatch) {
			writeError(w, http.StatusForbidden, "organization does not own this deal")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result, err := a.retrieve.RetrieveWithFallback(r.Context(), req.OrganizationID, req.DealID, req.Query, req.NumCandidates, req.NumResults)
	if err != nil {
		a.logger.Error("hybrid search failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
