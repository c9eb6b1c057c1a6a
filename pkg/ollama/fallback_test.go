package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dealdocs/pipeline/engine/config"
)

func TestModelName(t *testing.T) {
	cases := map[string]string{
		"ollama:llama3.1": "llama3.1",
		"openai:gpt-4o":   "gpt-4o",
		"bare-model":      "bare-model",
	}
	for in, want := range cases {
		if got := modelName(in); got != want {
			t.Errorf("modelName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFallbackChatClient_UsesPrimaryModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateReq
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(ollamaGenerateResp{Response: "ok"})
	}))
	defer srv.Close()

	reg, err := config.NewRegistry(map[string]config.AgentConfig{
		"extraction": {Primary: "ollama:llama3.1", Fallback: "ollama:llama3"},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	c := NewFallbackChatClient(srv.URL, "extraction", reg, nil)
	out, err := c.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "ok" {
		t.Errorf("got %q", out)
	}
	if gotModel != "llama3.1" {
		t.Errorf("expected primary model llama3.1, got %q", gotModel)
	}
}

func TestFallbackChatClient_FallsBackOnPrimaryFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaGenerateReq
		json.NewDecoder(r.Body).Decode(&req)
		calls++
		if req.Model == "llama3.1" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(ollamaGenerateResp{Response: "fallback-ok"})
	}))
	defer srv.Close()

	reg, err := config.NewRegistry(map[string]config.AgentConfig{
		"extraction": {Primary: "ollama:llama3.1", Fallback: "ollama:llama3"},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	c := NewFallbackChatClient(srv.URL, "extraction", reg, nil)
	out, err := c.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != "fallback-ok" {
		t.Errorf("got %q", out)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (primary then fallback), got %d", calls)
	}
}
