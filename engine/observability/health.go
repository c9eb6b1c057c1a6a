// Package observability implements spec §4.M: usage/cost recording
// helpers and the human-readable health endpoint reporting uptime, graph
// connectivity, and queue health.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// GraphPinger checks knowledge-graph connectivity. Satisfied by
// engine/graph.GraphStore.Ping.
type GraphPinger interface {
	Ping(ctx context.Context) error
}

// QueuePinger checks job-queue database connectivity. Satisfied by
// engine/queue.Queue.Ping.
type QueuePinger interface {
	Ping(ctx context.Context) error
}

// componentHealth reports one dependency's reachability.
type componentHealth struct {
	Status string `json:"status"` // "ok" or "down"
	Error  string `json:"error,omitempty"`
}

// healthResponse is the JSON body of GET /api/health, grounded on the
// teacher pack's own trivial {"status":"ok"} handler
// (cmd/api/main.go's handleHealth) but expanded per spec §4.M.
type healthResponse struct {
	Status    string           `json:"status"`
	UptimeSec int64            `json:"uptime_seconds"`
	Graph     componentHealth  `json:"graph"`
	Queue     componentHealth  `json:"queue"`
	Timestamp time.Time        `json:"timestamp"`
	Details   map[string]any   `json:"details,omitempty"`
}

// HealthChecker produces the health payload for GET /api/health.
type HealthChecker struct {
	startedAt time.Time
	graph     GraphPinger
	queue     QueuePinger
}

// NewHealthChecker constructs a HealthChecker with a fixed start time;
// uptime is measured relative to it.
func NewHealthChecker(startedAt time.Time, graph GraphPinger, queue QueuePinger) *HealthChecker {
	return &HealthChecker{startedAt: startedAt, graph: graph, queue: queue}
}

// Check pings every dependency and assembles the health report. Ping
// failures degrade the corresponding component to "down" rather than
// failing the whole request — a health endpoint that can't itself respond
// during an outage defeats its purpose.
func (h *HealthChecker) Check(ctx context.Context) healthResponse {
	resp := healthResponse{
		Status:    "ok",
		UptimeSec: int64(time.Since(h.startedAt).Seconds()),
		Timestamp: time.Now(),
	}

	resp.Graph = pingComponent(ctx, h.graph)
	resp.Queue = pingComponent(ctx, h.queue)
	if resp.Graph.Status != "ok" || resp.Queue.Status != "ok" {
		resp.Status = "degraded"
	}
	return resp
}

func pingComponent(ctx context.Context, p interface{ Ping(context.Context) error }) componentHealth {
	if p == nil {
		return componentHealth{Status: "ok"}
	}
	if err := p.Ping(ctx); err != nil {
		return componentHealth{Status: "down", Error: err.Error()}
	}
	return componentHealth{Status: "ok"}
}

// ServeHTTP implements http.Handler for GET /api/health.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Check(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
