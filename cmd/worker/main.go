// Package main runs the pipeline worker process: one polling goroutine per
// job kind (spec §4.B), each backed by the stage Handler that implements
// that job's semantics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/dealdocs/pipeline/engine/analyze"
	"github.com/dealdocs/pipeline/engine/config"
	"github.com/dealdocs/pipeline/engine/embed"
	"github.com/dealdocs/pipeline/engine/graph"
	"github.com/dealdocs/pipeline/engine/graphingest"
	"github.com/dealdocs/pipeline/engine/parse"
	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/engine/retry"
	"github.com/dealdocs/pipeline/engine/semantic"
	"github.com/dealdocs/pipeline/engine/storage"
	"github.com/dealdocs/pipeline/engine/worker"
	"github.com/dealdocs/pipeline/pkg/metrics"
	"github.com/dealdocs/pipeline/pkg/ollama"
	"github.com/dealdocs/pipeline/pkg/resilience"
)

// poolMetrics adapts a pkg/metrics.Registry to worker.Metrics, tracking
// per-job-kind stage latency and in-flight job counts, grounded on
// cmd/ingest's own metrics-registry wiring in the teacher pack.
type poolMetrics struct {
	reg *metrics.Registry
}

func (m poolMetrics) ObserveJobDuration(jobName string, seconds float64) {
	m.reg.Histogram(metrics.WithLabels("worker_job_duration_seconds", "job", jobName), "Per-job processing duration", nil).Observe(seconds)
}

func (m poolMetrics) IncActiveJobs(jobName string) {
	m.reg.Gauge(metrics.WithLabels("worker_active_jobs", "job", jobName), "Currently processing jobs").Inc()
}

func (m poolMetrics) DecActiveJobs(jobName string) {
	m.reg.Gauge(metrics.WithLabels("worker_active_jobs", "job", jobName), "Currently processing jobs").Dec()
}

// Config holds all environment-based configuration, following the
// teacher's cmd/api Config/loadConfig/envOr pattern.
type Config struct {
	DatabaseURL      string
	Neo4jURL         string
	Neo4jUser        string
	Neo4jPass        string
	QdrantURL        string
	QdrantCollection string
	NATSURL          string
	OllamaURL        string
	GCSAccessToken   string
	EmbeddingModel   string
	MetricsPort      int
}

func loadConfig() Config {
	return Config{
		DatabaseURL:      envOr("DATABASE_URL", "postgres://localhost:5432/dealdocs"),
		Neo4jURL:         envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:        envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:        envOr("NEO4J_PASS", "password"),
		QdrantURL:        envOr("QDRANT_URL", "localhost:6334"),
		QdrantCollection: envOr("QDRANT_COLLECTION", "dealdocs"),
		NATSURL:          envOr("NATS_URL", nats.DefaultURL),
		OllamaURL:        envOr("OLLAMA_URL", "http://localhost:11434"),
		GCSAccessToken:   os.Getenv("GCS_ACCESS_TOKEN"),
		EmbeddingModel:   envOr("EMBEDDING_MODEL", "nomic-embed-text"),
		MetricsPort:      envOrInt("METRICS_PORT", 9091),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// modelRegistry wires the per-agent model config the extraction and
// analysis stages resolve through (spec §4.L), honoring `<AGENT>_MODEL`
// environment overrides over these defaults.
func modelRegistry() (*config.Registry, error) {
	return config.NewRegistry(map[string]config.AgentConfig{
		"extraction": {Primary: "ollama:llama3.1", Fallback: "ollama:llama3"},
		"analysis":   {Primary: "ollama:llama3.1", Fallback: "ollama:llama3"},
	}, map[string]config.CostRate{
		"llama3.1": {InputPerMillion: 0, OutputPerMillion: 0},
		"llama3":   {InputPerMillion: 0, OutputPerMillion: 0},
	})
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited with error", "err", err)
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

	nc, err := nats.Connect(cfg.NATSURL)
	if err != nil {
		logger.Warn("nats connect failed, dequeue-wakeup notifications disabled", "err", err)
		nc = nil
	} else {
		defer nc.Close()
	}
	notifier := queue.NewNotifier(nc)

	registry, err := modelRegistry()
	if err != nil {
		return fmt.Errorf("model registry: %w", err)
	}

	embedClient := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbeddingModel)
	extractionLLM := ollama.NewFallbackChatClient(cfg.OllamaURL, "extraction", registry, logger)
	analysisLLM := ollama.NewFallbackChatClient(cfg.OllamaURL, "analysis", registry, logger)
	graphEngine := graphingest.NewLLMEngine(extractionLLM)

	store := storage.New(pgPool)
	q := queue.New(pgPool)
	q.SetNotifier(notifier)
	rm := retry.New(store, queue.DocumentEnqueuer{Q: q})

	embedLimiter := resilience.NewLimiter(resilience.LimiterOpts{Rate: 10, Burst: 20})
	objectStore := parse.NewGCSObjectStore(cfg.GCSAccessToken)
	textParser := parse.NewTextParser(parse.DefaultChunkTokens, parse.DefaultOverlapTokens)

	parseHandler := parse.New(store, store, objectStore, textParser, rm, q, logger)
	embedHandler := embed.New(store, store, store, embedClient, vectorStore, store, embedLimiter, rm, q, logger)
	graphingestHandler := graphingest.New(store, store, store, graphEngine, graphStore, store, rm, q, logger)
	analyzeHandler := analyze.New(store, store, store, analysisLLM, store, rm, q, logger)
	financialsHandler := analyze.NewFinancialsHandler(store, store, store, store, rm, logger)

	metricsReg := metrics.New()
	metricsReg.ServeAsync(cfg.MetricsPort)

	pool := worker.New(q, logger)
	if nc != nil {
		pool.SetWaker(notifier)
	}
	pool.SetMetrics(poolMetrics{reg: metricsReg})

	pool.Register(string(retry.JobParseDocument), withFailureClassification(string(retry.JobParseDocument), rm, adaptParse(parseHandler)), worker.Config{})
	pool.Register(string(retry.JobGenerateEmbeddings), withFailureClassification(string(retry.JobGenerateEmbeddings), rm, adaptEmbed(embedHandler)), worker.Config{})
	pool.Register(string(retry.JobIngestGraph), withFailureClassification(string(retry.JobIngestGraph), rm, adaptGraphingest(graphingestHandler)), worker.Config{})
	pool.Register(string(retry.JobAnalyzeDocument), withFailureClassification(string(retry.JobAnalyzeDocument), rm, adaptAnalyze(analyzeHandler)), worker.Config{})
	pool.Register(string(retry.JobExtractFinancials), withFailureClassification(string(retry.JobExtractFinancials), rm, adaptFinancials(financialsHandler)), worker.Config{})
	pool.Register(graphingest.JobIngestChatFact, adaptChatFact(graphingestHandler), worker.Config{})
	pool.Register(graphingest.JobIngestQAResponse, adaptQAResponse(graphingestHandler), worker.Config{})

	logger.Info("worker pool starting")
	pool.Run(ctx)
	logger.Info("worker pool stopped")
	return nil
}

// The *Handler types each take queue.DocumentJobPayload directly rather
// than queue.Job, so each adapter below unmarshals the raw job payload
// before dispatching to the handler's Run.

func adaptParse(h *parse.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		payload, err := decodePayload(job)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, payload)
	}
}

func adaptEmbed(h *embed.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		payload, err := decodePayload(job)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, payload)
	}
}

func adaptGraphingest(h *graphingest.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		payload, err := decodePayload(job)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, payload)
	}
}

func adaptAnalyze(h *analyze.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		payload, err := decodePayload(job)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, payload)
	}
}

func adaptFinancials(h *analyze.FinancialsHandler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		payload, err := decodePayload(job)
		if err != nil {
			return nil, err
		}
		return h.Run(ctx, payload)
	}
}

func adaptChatFact(h *graphingest.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		var payload queue.ChatFactJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("worker: decode chat-fact payload for job %s: %w", job.ID, err)
		}
		return h.IngestChatFact(ctx, payload)
	}
}

func adaptQAResponse(h *graphingest.Handler) worker.Handler {
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		var payload queue.QAResponseJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("worker: decode qa-response payload for job %s: %w", job.ID, err)
		}
		return h.IngestQAResponse(ctx, payload)
	}
}

func decodePayload(job queue.Job) (queue.DocumentJobPayload, error) {
	var payload queue.DocumentJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return payload, fmt.Errorf("worker: decode payload for job %s: %w", job.ID, err)
	}
	return payload, nil
}

// withFailureClassification wraps a stage Handler so that any error it
// returns is first run through retry.Manager.HandleJobFailure (spec §4.C):
// the failure is classified and persisted, and a non-retryable error moves
// the document to its stage's terminal failed status, before the original
// job still lands in the queue's own retry/failed bookkeeping via Fail.
func withFailureClassification(jobKind string, rm *retry.Manager, h worker.Handler) worker.Handler {
	stage, hasStage := retry.StageForJob(jobKind)
	return func(ctx context.Context, job queue.Job) ([]byte, error) {
		output, err := h(ctx, job)
		if err == nil || !hasStage {
			return output, err
		}
		payload, decodeErr := decodePayload(job)
		if decodeErr != nil {
			return output, err
		}
		classified, classifyErr := rm.HandleJobFailure(ctx, payload.DocumentID, stage, err)
		if classifyErr != nil {
			return output, fmt.Errorf("%w (classification failed: %v)", err, classifyErr)
		}
		return output, classified
	}
}
