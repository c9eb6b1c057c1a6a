package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dealdocs/pipeline/engine/domain"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthChecker_AllOK(t *testing.T) {
	h := NewHealthChecker(time.Now().Add(-5*time.Second), fakePinger{}, fakePinger{})
	resp := h.Check(context.Background())
	if resp.Status != "ok" {
		t.Fatalf("expected ok, got %q", resp.Status)
	}
	if resp.UptimeSec < 5 {
		t.Errorf("expected uptime >= 5s, got %d", resp.UptimeSec)
	}
}

func TestHealthChecker_GraphDownDegrades(t *testing.T) {
	h := NewHealthChecker(time.Now(), fakePinger{err: errors.New("neo4j down")}, fakePinger{})
	resp := h.Check(context.Background())
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded, got %q", resp.Status)
	}
	if resp.Graph.Status != "down" {
		t.Errorf("expected graph down, got %+v", resp.Graph)
	}
}

func TestHealthChecker_ServeHTTP_DegradedReturns503(t *testing.T) {
	h := NewHealthChecker(time.Now(), fakePinger{err: errors.New("down")}, fakePinger{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("expected degraded in body, got %v", body["status"])
	}
}

type fakeUsageStore struct {
	rows []domain.UsageRow
	err  error
}

func (f *fakeUsageStore) RecordUsage(_ context.Context, u domain.UsageRow) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, u)
	return nil
}

func TestRecordLLMUsage(t *testing.T) {
	store := &fakeUsageStore{}
	r := NewRecorder(store)
	if err := r.RecordLLMUsage(context.Background(), "org1", "deal1", "analysis", "google-gla", "gemini-2.5-pro", 100, 50, 0.02); err != nil {
		t.Fatalf("RecordLLMUsage: %v", err)
	}
	if len(store.rows) != 1 || store.rows[0].Model != "gemini-2.5-pro" {
		t.Fatalf("got %+v", store.rows)
	}
}

func TestTimed_RecordsSuccessAndError(t *testing.T) {
	store := &fakeUsageStore{}
	r := NewRecorder(store)

	_ = r.Timed(context.Background(), "org1", "deal1", "hybrid-search", func(context.Context) error {
		return nil
	})
	err := r.Timed(context.Background(), "org1", "deal1", "hybrid-search", func(context.Context) error {
		return errors.New("graph down")
	})
	if err == nil {
		t.Fatal("expected Timed to propagate op error")
	}
	if len(store.rows) != 2 {
		t.Fatalf("expected 2 recorded rows, got %d", len(store.rows))
	}
	if store.rows[0].Status != domain.FeatureStatusSuccess {
		t.Errorf("expected first row success, got %q", store.rows[0].Status)
	}
	if store.rows[1].Status != domain.FeatureStatusError || store.rows[1].ErrorMessage != "graph down" {
		t.Errorf("expected second row error with message, got %+v", store.rows[1])
	}
}
