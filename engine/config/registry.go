// Package config implements the Config & Model Registry (spec §4.L):
// per-agent model strings in `provider:model-name` form, environment
// overrides, a primary+fallback wrapper, and a cost table.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// modelStringPattern validates `provider:model-name` strings, grounded on
// original_source/.../src/config.py's MODEL_STRING_PATTERN.
var modelStringPattern = regexp.MustCompile(`^[a-z][-a-z0-9]*:[a-zA-Z0-9][-a-zA-Z0-9_.]*$`)

// ValidateModelString reports whether s matches the `provider:model-name`
// format required of every configured model string.
func ValidateModelString(s string) bool {
	return modelStringPattern.MatchString(s)
}

// AgentConfig names the primary and optional fallback model for one agent
// (e.g. "extraction", "analysis").
type AgentConfig struct {
	Primary  string
	Fallback string
}

// CostRate is the USD cost per million tokens for one model.
type CostRate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Registry holds the validated per-agent model configuration and the cost
// table, grounded on config.py's load_model_config/get_agent_model_config/
// get_model_costs.
type Registry struct {
	agents map[string]AgentConfig
	costs  map[string]CostRate
}

// NewRegistry validates every configured model string up front — an
// invalid model string anywhere in agents is a construction error, not a
// late runtime surprise.
func NewRegistry(agents map[string]AgentConfig, costs map[string]CostRate) (*Registry, error) {
	for name, cfg := range agents {
		if cfg.Primary != "" && !ValidateModelString(cfg.Primary) {
			return nil, fmt.Errorf("config: agent %q: invalid primary model string %q", name, cfg.Primary)
		}
		if cfg.Fallback != "" && !ValidateModelString(cfg.Fallback) {
			return nil, fmt.Errorf("config: agent %q: invalid fallback model string %q", name, cfg.Fallback)
		}
	}
	if costs == nil {
		costs = map[string]CostRate{}
	}
	return &Registry{agents: agents, costs: costs}, nil
}

// ModelFor returns the primary model for agentType, honoring the
// `<AGENT_TYPE>_MODEL` environment override (e.g. `EXTRACTION_MODEL`) over
// the configured primary.
func (r *Registry) ModelFor(agentType string) (string, error) {
	envVar := strings.ToUpper(agentType) + "_MODEL"
	if override := os.Getenv(envVar); override != "" {
		if !ValidateModelString(override) {
			return "", fmt.Errorf("config: invalid model string in %s: %q", envVar, override)
		}
		return override, nil
	}
	cfg, ok := r.agents[agentType]
	if !ok || cfg.Primary == "" {
		return "", fmt.Errorf("config: no primary model configured for agent %q", agentType)
	}
	return cfg.Primary, nil
}

// FallbackFor returns the configured fallback model for agentType, if any.
func (r *Registry) FallbackFor(agentType string) (string, bool) {
	cfg, ok := r.agents[agentType]
	if !ok || cfg.Fallback == "" {
		return "", false
	}
	return cfg.Fallback, true
}

// CostFor returns the cost rate for model, or a zero rate if the model is
// not present in the cost table.
func (r *Registry) CostFor(model string) CostRate {
	return r.costs[model]
}
