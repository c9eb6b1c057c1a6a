package observability

import (
	"context"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
)

// UsageStore persists usage rows. Satisfied by engine/storage.Adapter.
type UsageStore interface {
	RecordUsage(ctx context.Context, u domain.UsageRow) error
}

// Recorder wraps a UsageStore with the two usage-row shapes spec §4.M
// names: LLM usage (provider/model/tokens/cost) and feature usage
// (status/duration/error/metadata). Recording failures are logged by the
// caller and never block the operation being measured — "cost-logging
// failures are non-fatal" (spec §7).
type Recorder struct {
	store UsageStore
}

// NewRecorder constructs a Recorder.
func NewRecorder(store UsageStore) *Recorder {
	return &Recorder{store: store}
}

// RecordLLMUsage records one external-provider call's token/cost usage.
func (r *Recorder) RecordLLMUsage(ctx context.Context, organizationID, dealID, feature, provider, model string, inputTokens, outputTokens int, costUSD float64) error {
	return r.store.RecordUsage(ctx, domain.UsageRow{
		OrganizationID: organizationID,
		DealID:         dealID,
		Feature:        feature,
		Provider:       provider,
		Model:          model,
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		CostUSD:        costUSD,
	})
}

// RecordFeatureUsage records one user-visible operation's outcome.
func (r *Recorder) RecordFeatureUsage(ctx context.Context, organizationID, dealID, feature string, status domain.FeatureUsageStatus, duration time.Duration, errMsg string, metadata map[string]any) error {
	return r.store.RecordUsage(ctx, domain.UsageRow{
		OrganizationID: organizationID,
		DealID:         dealID,
		Feature:        feature,
		Status:         status,
		DurationMs:     duration.Milliseconds(),
		ErrorMessage:   errMsg,
		Metadata:       metadata,
	})
}

// Timed runs op, recording its feature-usage outcome (success/error) with
// measured duration regardless of whether op fails.
func (r *Recorder) Timed(ctx context.Context, organizationID, dealID, feature string, op func(ctx context.Context) error) error {
	start := time.Now()
	err := op(ctx)

	status := domain.FeatureStatusSuccess
	errMsg := ""
	if err != nil {
		status = domain.FeatureStatusError
		errMsg = err.Error()
	}
	_ = r.RecordFeatureUsage(ctx, organizationID, dealID, feature, status, time.Since(start), errMsg, nil)
	return err
}
