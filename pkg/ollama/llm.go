package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ChatClient implements a synchronous single-turn completion call against
// Ollama's /api/generate endpoint, satisfying the narrow Completer
// interfaces engine/analyze and engine/graphingest declare in place of the
// teacher's ml-proto gRPC worker (spec.md §1).
type ChatClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewChatClient creates an Ollama completion client for model.
func NewChatClient(baseURL, model string) *ChatClient {
	return &ChatClient{baseURL: baseURL, model: model, client: &http.Client{}}
}

type ollamaGenerateReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResp struct {
	Response string `json:"response"`
}

// Complete sends prompt to the configured model and returns its full
// response text, non-streamed.
func (c *ChatClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, _ := json.Marshal(ollamaGenerateReq{Model: c.model, Prompt: prompt, Stream: false})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama complete: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama complete: status %d", resp.StatusCode)
	}

	var result ollamaGenerateResp
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("ollama complete decode: %w", err)
	}
	return result.Response, nil
}
