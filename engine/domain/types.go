// Package domain defines the core document-processing types, error
// classification taxonomy, and validation gates shared by every other
// package in the pipeline.
package domain

import "time"

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

const (
	StatusPending              DocumentStatus = "pending"
	StatusParsing              DocumentStatus = "parsing"
	StatusParsed               DocumentStatus = "parsed"
	StatusEmbedding            DocumentStatus = "embedding"
	StatusEmbedded             DocumentStatus = "embedded"
	StatusGraphitiIngesting    DocumentStatus = "graphiti_ingesting"
	StatusGraphitiIngested     DocumentStatus = "graphiti_ingested"
	StatusAnalyzing            DocumentStatus = "analyzing"
	StatusAnalyzed             DocumentStatus = "analyzed"
	StatusExtractingFinancials DocumentStatus = "extracting_financials"
	StatusComplete             DocumentStatus = "complete"
	StatusFailed               DocumentStatus = "failed"
	StatusEmbeddingFailed      DocumentStatus = "embedding_failed"
	StatusAnalysisFailed       DocumentStatus = "analysis_failed"
	StatusCancelled            DocumentStatus = "cancelled"
)

// terminalStatuses are statuses from which no further stage can run.
var terminalStatuses = map[DocumentStatus]bool{
	StatusComplete:  true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether s is a terminal document status.
func (s DocumentStatus) IsTerminal() bool { return terminalStatuses[s] }

// Stage is a pipeline checkpoint, coarser than DocumentStatus: it is what
// the retry manager resumes from.
type Stage string

const (
	StageParsed              Stage = "parsed"
	StageEmbedded            Stage = "embedded"
	StageGraphitiIngested    Stage = "graphiti_ingested"
	StageAnalyzed            Stage = "analyzed"
	StageExtractedFinancials Stage = "extracted_financials"
)

// stageOrder is the resume chain used by the retry manager: parsed ->
// embedded -> graphiti_ingested -> analyzed -> extracted_financials.
var stageOrder = []Stage{StageParsed, StageEmbedded, StageGraphitiIngested, StageAnalyzed, StageExtractedFinancials}

// NextStage returns the stage that follows last, or "" if last is the final
// stage or unrecognised.
func NextStage(last Stage) Stage {
	for i, s := range stageOrder {
		if s == last && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// StageOutput is the success envelope a stage handler hands back to the job
// queue (spec §4.A's complete(job_id, output), §4.B's "returns an output
// envelope on success"): per-stage counters and timing, persisted alongside
// the completed job so callers can inspect what a run actually did without
// re-reading the document's own tables.
type StageOutput struct {
	DocumentID string         `json:"document_id"`
	Stage      Stage          `json:"stage"`
	DurationMs int64          `json:"duration_ms"`
	Counts     map[string]int `json:"counts,omitempty"`
	CostUSD    float64        `json:"estimated_cost_usd,omitempty"`
}

// ChunkKind classifies the content a Chunk carries.
type ChunkKind string

const (
	ChunkText    ChunkKind = "text"
	ChunkTable   ChunkKind = "table"
	ChunkFormula ChunkKind = "formula"
	ChunkImage   ChunkKind = "image"
)

// ChunkMaxTokens is the default per-chunk token ceiling.
const ChunkMaxTokens = 1024

// Document is the owning record for one uploaded file moving through the
// pipeline.
type Document struct {
	ID                 string
	OrganizationID     string
	DealID             string
	Name               string
	ContentType        string
	SourceURL          string
	Status             DocumentStatus
	LastCompletedStage Stage
	ProcessingError    *ClassifiedError
	RetryHistory       []RetryHistoryEntry
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Namespace returns the authoritative "{org}:{deal}" composite identifier
// used by the knowledge-graph engine.
func (d Document) Namespace() string { return Namespace(d.OrganizationID, d.DealID) }

// FastPathGroupID returns the "{org}_{deal}" composite used only as a node
// property on the fast-path vector store, never as a graph namespace.
func (d Document) FastPathGroupID() string { return FastPathGroupID(d.OrganizationID, d.DealID) }

// Namespace composes the authoritative graph-store namespace for an
// organization/deal pair.
func Namespace(orgID, dealID string) string { return orgID + ":" + dealID }

// FastPathGroupID composes the fast-path vector-store group id for an
// organization/deal pair.
func FastPathGroupID(orgID, dealID string) string { return orgID + "_" + dealID }

// Chunk is an atomic, ordered unit of extracted content.
type Chunk struct {
	ID         string
	DocumentID string
	Index      int
	Kind       ChunkKind
	Content    string
	TokenCount int
	Embedding  []float32

	Page          int    // text/image chunks
	SheetName     string // table/formula chunks
	CellReference string // formula chunks
	SourceFormula string // formula chunks
}

// Table is a subordinate record reconstructible from a document's table
// chunks.
type Table struct {
	DocumentID string
	SheetName  string
	Headers    []string
	Rows       [][]string
}

// Formula is a subordinate record reconstructible from a document's formula
// chunks.
type Formula struct {
	DocumentID string
	SheetName  string
	CellRef    string
	Expression string
	Result     string
}

// RetryHistoryEntry is one append-only record of a retry attempt.
type RetryHistoryEntry struct {
	Attempt   int
	Stage     Stage
	ErrorKind ErrorKind
	Message   string
	Timestamp time.Time
}

// FindingType enumerates the closed set of analysis finding kinds.
type FindingType string

const (
	FindingMetric        FindingType = "metric"
	FindingFact          FindingType = "fact"
	FindingRisk          FindingType = "risk"
	FindingOpportunity   FindingType = "opportunity"
	FindingContradiction FindingType = "contradiction"
)

// ValidFindingTypes is the set of recognised finding types.
var ValidFindingTypes = map[FindingType]bool{
	FindingMetric: true, FindingFact: true, FindingRisk: true,
	FindingOpportunity: true, FindingContradiction: true,
}

// FindingDomain enumerates the closed set of analysis finding domains.
type FindingDomain string

const (
	DomainFinancial   FindingDomain = "financial"
	DomainOperational FindingDomain = "operational"
	DomainMarket      FindingDomain = "market"
	DomainLegal       FindingDomain = "legal"
	DomainTechnical   FindingDomain = "technical"
)

// ValidFindingDomains is the set of recognised finding domains.
var ValidFindingDomains = map[FindingDomain]bool{
	DomainFinancial: true, DomainOperational: true, DomainMarket: true,
	DomainLegal: true, DomainTechnical: true,
}

// Finding is one unit of analysis output.
type Finding struct {
	ID              string
	DocumentID      string
	Content         string
	Type            FindingType
	Domain          FindingDomain
	Confidence      int // 0-100
	SourceReference string
}

// MetricCategory enumerates the closed set of financial-metric categories.
type MetricCategory string

const (
	CategoryIncomeStatement MetricCategory = "income_statement"
	CategoryBalanceSheet    MetricCategory = "balance_sheet"
	CategoryCashFlow        MetricCategory = "cash_flow"
	CategoryRatio           MetricCategory = "ratio"
)

// ValidMetricCategories is the set of recognised metric categories.
var ValidMetricCategories = map[MetricCategory]bool{
	CategoryIncomeStatement: true, CategoryBalanceSheet: true,
	CategoryCashFlow: true, CategoryRatio: true,
}

// PeriodType enumerates the closed set of financial-metric periods.
type PeriodType string

const (
	PeriodAnnual    PeriodType = "annual"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodMonthly   PeriodType = "monthly"
	PeriodYTD       PeriodType = "ytd"
)

// FinancialMetric is one normalized numeric fact extracted from a
// spreadsheet-type document.
type FinancialMetric struct {
	ID            string
	DocumentID    string
	Name          string
	Category      MetricCategory
	Value         float64
	Unit          string
	Period        PeriodType
	FiscalYear    int
	FiscalQuarter int // 1-4, 0 if not applicable
	SourceLocator string
	IsActual      bool
	Confidence    int // 0-100
}

// FactSource identifies which producer asserted a Fact.
type FactSource string

const (
	SourceDocument FactSource = "document"
	SourceChat     FactSource = "chat"
	SourceQA       FactSource = "qa"
)

// Default confidence by fact source.
const (
	ConfidenceDocument = 0.85
	ConfidenceChatFact = 0.90
	ConfidenceQAAnswer = 0.95
)

// Episode is a named, temporally scoped piece of evidence ingested into the
// knowledge graph.
type Episode struct {
	Name          string
	Namespace     string // "{org_id}:{deal_id}"
	Content       string
	SourceDesc    string
	ReferenceTime time.Time
	EntityTypes   []string
	EdgeTypes     []string
	EdgeTypeMap   map[string][2]string // edge type -> [source entity, target entity]
}

// Fact is an edge in the knowledge graph.
type Fact struct {
	UUID       string
	Namespace  string
	Name       string
	Assertion  string
	ValidAt    time.Time
	InvalidAt  *time.Time
	Source     FactSource
	Confidence float64
	Attributes map[string]string
}

// Superseded reports whether f has been superseded by a newer fact.
func (f Fact) Superseded() bool { return f.InvalidAt != nil }

// UsageRow is one append-only record of either LLM usage (Provider, Model,
// InputTokens, OutputTokens, CostUSD) or feature usage (Status, DurationMs,
// ErrorMessage, Metadata), per spec §4.M. Unused fields for the kind not
// being recorded are left at their zero value.
type UsageRow struct {
	ID             string
	OrganizationID string
	DealID         string
	Feature        string
	Provider       string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	Status         FeatureUsageStatus
	DurationMs     int64
	ErrorMessage   string
	Metadata       map[string]any
	RecordedAt     time.Time
}

// FeatureUsageStatus is the outcome of a feature-usage row.
type FeatureUsageStatus string

const (
	FeatureStatusSuccess FeatureUsageStatus = "success"
	FeatureStatusError   FeatureUsageStatus = "error"
	FeatureStatusTimeout FeatureUsageStatus = "timeout"
)
