// Package storage is the Postgres-backed adapter for every durable record
// the pipeline owns outside the knowledge graph and vector store: documents,
// chunks, tables, formulas, findings, financial metrics, and usage rows.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dealdocs/pipeline/engine/domain"
)

// Adapter is the Postgres-backed storage adapter. It satisfies
// engine/retry's DocumentStore interface.
type Adapter struct {
	pool *pgxpool.Pool
}

// New creates a storage Adapter backed by pool.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{pool: pool}
}

// CreateDocument inserts a new pending document.
func (a *Adapter) CreateDocument(ctx context.Context, d domain.Document) (domain.Document, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	const sql = `
		INSERT INTO documents (id, organization_id, deal_id, name, content_type, source_url, status, created_on, updated_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())`
	if _, err := a.pool.Exec(ctx, sql, d.ID, d.OrganizationID, d.DealID, d.Name, d.ContentType, d.SourceURL, domain.StatusPending); err != nil {
		return domain.Document{}, fmt.Errorf("storage: create document: %w", err)
	}
	d.Status = domain.StatusPending
	return d, nil
}

// GetDocument loads a document by id, satisfying retry.DocumentStore.
func (a *Adapter) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	const sql = `
		SELECT id, organization_id, deal_id, name, content_type, source_url, status,
		       last_completed_stage, processing_error, retry_history, created_on, updated_on
		FROM documents WHERE id = $1`
	row := a.pool.QueryRow(ctx, sql, id)

	var d domain.Document
	var processingErrJSON, retryHistJSON []byte
	if err := row.Scan(&d.ID, &d.OrganizationID, &d.DealID, &d.Name, &d.ContentType, &d.SourceURL,
		&d.Status, &d.LastCompletedStage, &processingErrJSON, &retryHistJSON, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return domain.Document{}, fmt.Errorf("storage: get document %s: %w", id, err)
	}
	if len(processingErrJSON) > 0 {
		var ce domain.ClassifiedError
		if err := json.Unmarshal(processingErrJSON, &ce); err == nil {
			d.ProcessingError = &ce
		}
	}
	if len(retryHistJSON) > 0 {
		_ = json.Unmarshal(retryHistJSON, &d.RetryHistory)
	}
	return d, nil
}

// UpdateStatus sets the document's status.
func (a *Adapter) UpdateStatus(ctx context.Context, id string, status domain.DocumentStatus) error {
	const sql = `UPDATE documents SET status = $2, updated_on = now() WHERE id = $1`
	if _, err := a.pool.Exec(ctx, sql, id, status); err != nil {
		return fmt.Errorf("storage: update status %s: %w", id, err)
	}
	return nil
}

// SetProcessingError persists the document's classified processing error.
func (a *Adapter) SetProcessingError(ctx context.Context, id string, ce *domain.ClassifiedError) error {
	data, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("storage: marshal processing error: %w", err)
	}
	const sql = `UPDATE documents SET processing_error = $2, updated_on = now() WHERE id = $1`
	if _, err := a.pool.Exec(ctx, sql, id, data); err != nil {
		return fmt.Errorf("storage: set processing error %s: %w", id, err)
	}
	return nil
}

// ClearProcessingError clears the document's processing error.
func (a *Adapter) ClearProcessingError(ctx context.Context, id string) error {
	const sql = `UPDATE documents SET processing_error = NULL, updated_on = now() WHERE id = $1`
	if _, err := a.pool.Exec(ctx, sql, id); err != nil {
		return fmt.Errorf("storage: clear processing error %s: %w", id, err)
	}
	return nil
}

// AppendRetryHistory appends entry to the document's retry history.
func (a *Adapter) AppendRetryHistory(ctx context.Context, id string, entry domain.RetryHistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: marshal retry history entry: %w", err)
	}
	const sql = `
		UPDATE documents
		SET retry_history = COALESCE(retry_history, '[]'::jsonb) || $2::jsonb,
		    updated_on = now()
		WHERE id = $1`
	if _, err := a.pool.Exec(ctx, sql, id, data); err != nil {
		return fmt.Errorf("storage: append retry history %s: %w", id, err)
	}
	return nil
}

// SetLastCompletedStage records the last stage a document has finished.
func (a *Adapter) SetLastCompletedStage(ctx context.Context, id string, stage domain.Stage) error {
	const sql = `UPDATE documents SET last_completed_stage = $2, updated_on = now() WHERE id = $1`
	if _, err := a.pool.Exec(ctx, sql, id, stage); err != nil {
		return fmt.Errorf("storage: set last completed stage %s: %w", id, err)
	}
	return nil
}

// SaveChunks inserts chunks for a document inside a single transaction,
// first deleting any chunks from a prior attempt (used when a stage is
// retried from scratch).
func (a *Adapter) SaveChunks(ctx context.Context, documentID string, chunks []domain.Chunk) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin save chunks: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("storage: clear existing chunks: %w", err)
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		id := c.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO chunks (id, document_id, index, kind, content, token_count, embedding, page, sheet_name, cell_reference, source_formula)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			id, documentID, c.Index, c.Kind, c.Content, c.TokenCount, c.Embedding, c.Page, c.SheetName, c.CellReference, c.SourceFormula)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert chunks: %w", err)
	}

	return tx.Commit(ctx)
}

// ListChunks returns every chunk for a document, ordered by index.
func (a *Adapter) ListChunks(ctx context.Context, documentID string) ([]domain.Chunk, error) {
	const sql = `
		SELECT id, document_id, index, kind, content, token_count, embedding, page, sheet_name, cell_reference, source_formula
		FROM chunks WHERE document_id = $1 ORDER BY index ASC`
	rows, err := a.pool.Query(ctx, sql, documentID)
	if err != nil {
		return nil, fmt.Errorf("storage: list chunks: %w", err)
	}
	defer rows.Close()

	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Kind, &c.Content, &c.TokenCount,
			&c.Embedding, &c.Page, &c.SheetName, &c.CellReference, &c.SourceFormula); err != nil {
			return nil, fmt.Errorf("storage: scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// SaveFindings persists analysis findings for a document.
func (a *Adapter) SaveFindings(ctx context.Context, documentID string, findings []domain.Finding) error {
	batch := &pgx.Batch{}
	for _, f := range findings {
		id := f.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO findings (id, document_id, content, type, domain, confidence, source_reference)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, documentID, f.Content, f.Type, f.Domain, f.Confidence, f.SourceReference)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := a.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert findings: %w", err)
	}
	return nil
}

// SaveFinancialMetrics persists normalized financial metrics extracted from
// a spreadsheet-type document.
func (a *Adapter) SaveFinancialMetrics(ctx context.Context, documentID string, metrics []domain.FinancialMetric) error {
	batch := &pgx.Batch{}
	for _, m := range metrics {
		id := m.ID
		if id == "" {
			id = uuid.NewString()
		}
		batch.Queue(`
			INSERT INTO financial_metrics
				(id, document_id, name, category, value, unit, period, fiscal_year, fiscal_quarter, source_locator, is_actual, confidence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			id, documentID, m.Name, m.Category, m.Value, m.Unit, m.Period, m.FiscalYear, m.FiscalQuarter, m.SourceLocator, m.IsActual, m.Confidence)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := a.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert financial metrics: %w", err)
	}
	return nil
}

// DeleteFindings removes every analysis finding for a document, used to
// clear prior output before a retried analyze stage re-extracts.
func (a *Adapter) DeleteFindings(ctx context.Context, documentID string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM findings WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("storage: delete findings %s: %w", documentID, err)
	}
	return nil
}

// DeleteFinancialMetrics removes every financial metric for a document,
// used to clear prior output before a retried extract-financials stage
// re-extracts (spec §4.H step 1).
func (a *Adapter) DeleteFinancialMetrics(ctx context.Context, documentID string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM financial_metrics WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("storage: delete financial metrics %s: %w", documentID, err)
	}
	return nil
}

// OrganizationForDeal resolves a deal's owning organization from any
// document already on file for that deal, satisfying embed.DealLookup and
// graphingest.DealLookup for jobs whose payload omits organization_id.
func (a *Adapter) OrganizationForDeal(ctx context.Context, dealID string) (string, error) {
	const sql = `SELECT organization_id FROM documents WHERE deal_id = $1 LIMIT 1`
	var orgID string
	if err := a.pool.QueryRow(ctx, sql, dealID).Scan(&orgID); err != nil {
		return "", fmt.Errorf("storage: organization for deal %s: %w", dealID, err)
	}
	return orgID, nil
}

// IsMember reports whether userID belongs to organizationID, satisfying
// engine/tenant.MembershipChecker.
func (a *Adapter) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	const sql = `SELECT EXISTS(SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2)`
	var ok bool
	if err := a.pool.QueryRow(ctx, sql, organizationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("storage: is member %s/%s: %w", organizationID, userID, err)
	}
	return ok, nil
}

// RecordUsage appends a usage row — either LLM usage or feature usage
// (spec §4.M); unused columns for the kind not being recorded keep their
// schema defaults.
func (a *Adapter) RecordUsage(ctx context.Context, u domain.UsageRow) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	status := u.Status
	if status == "" {
		status = domain.FeatureStatusSuccess
	}
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal usage metadata: %w", err)
	}

	const sql = `
		INSERT INTO usage_rows (id, organization_id, deal_id, feature, provider, model, input_tokens, output_tokens, cost_usd, status, duration_ms, error_message, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now())`
	if _, err := a.pool.Exec(ctx, sql, u.ID, u.OrganizationID, u.DealID, u.Feature, u.Provider, u.Model, u.InputTokens, u.OutputTokens, u.CostUSD, string(status), u.DurationMs, nullIfEmpty(u.ErrorMessage), metadataJSON); err != nil {
		return fmt.Errorf("storage: record usage: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
