package main

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/dealdocs/pipeline/engine/queue"
	"github.com/dealdocs/pipeline/pkg/metrics"
)

func TestEnvOr(t *testing.T) {
	os.Unsetenv("TEST_ENV_OR_KEY")
	if got := envOr("TEST_ENV_OR_KEY", "fallback"); got != "fallback" {
		t.Errorf("got %q, want fallback", got)
	}
	os.Setenv("TEST_ENV_OR_KEY", "set")
	defer os.Unsetenv("TEST_ENV_OR_KEY")
	if got := envOr("TEST_ENV_OR_KEY", "fallback"); got != "set" {
		t.Errorf("got %q, want set", got)
	}
}

func TestEnvOrInt(t *testing.T) {
	os.Unsetenv("TEST_ENV_OR_INT_KEY")
	if got := envOrInt("TEST_ENV_OR_INT_KEY", 9091); got != 9091 {
		t.Errorf("got %d, want fallback 9091", got)
	}
	os.Setenv("TEST_ENV_OR_INT_KEY", "1234")
	defer os.Unsetenv("TEST_ENV_OR_INT_KEY")
	if got := envOrInt("TEST_ENV_OR_INT_KEY", 9091); got != 1234 {
		t.Errorf("got %d, want 1234", got)
	}
	os.Setenv("TEST_ENV_OR_INT_KEY", "not-a-number")
	if got := envOrInt("TEST_ENV_OR_INT_KEY", 9091); got != 9091 {
		t.Errorf("got %d, want fallback 9091 on bad input", got)
	}
}

func TestModelRegistry(t *testing.T) {
	reg, err := modelRegistry()
	if err != nil {
		t.Fatalf("modelRegistry: %v", err)
	}
	model, err := reg.ModelFor("extraction")
	if err != nil {
		t.Fatalf("ModelFor: %v", err)
	}
	if model != "ollama:llama3.1" {
		t.Errorf("got extraction primary %q, want ollama:llama3.1", model)
	}
	fallback, ok := reg.FallbackFor("analysis")
	if !ok || fallback != "ollama:llama3" {
		t.Errorf("got analysis fallback (%q, %v), want (ollama:llama3, true)", fallback, ok)
	}
}

func TestDecodePayload(t *testing.T) {
	payload, err := json.Marshal(queue.DocumentJobPayload{DocumentID: "doc-1", DealID: "deal-1"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := decodePayload(queue.Job{ID: "job-1", Payload: payload})
	if err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if got.DocumentID != "doc-1" || got.DealID != "deal-1" {
		t.Errorf("got %+v", got)
	}
}

func TestDecodePayload_InvalidJSON(t *testing.T) {
	if _, err := decodePayload(queue.Job{ID: "job-1", Payload: []byte("not json")}); err == nil {
		t.Fatal("expected error for invalid payload JSON")
	}
}

func TestPoolMetrics(t *testing.T) {
	reg := metrics.New()
	pm := poolMetrics{reg: reg}
	pm.IncActiveJobs("parse-document")
	pm.DecActiveJobs("parse-document")
	pm.ObserveJobDuration("parse-document", 1.5)
}
