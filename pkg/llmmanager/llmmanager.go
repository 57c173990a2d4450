// Package llmmanager is the contract the execution core uses to resolve a
// model name or inline config into a bindable LLM client (spec.md §4.7:
// the LLM provider is an external collaborator the core never embeds).
// Grounded on the teacher's pkg/llm/client.go (Client as a thin wrapper
// around a remote model service, configuration pulled from env/model
// name) and original_source/.../engines/crewai/helpers/agent_helpers.py's
// LLMManager.configure_crewai_llm call sites, which this package's
// Resolve mirrors without the GPT-5 wrapper's proto transport (no
// generated client was retrievable — see DESIGN.md).
package llmmanager

import (
	"context"
	"strings"
)

// Params is the resolved, provider-agnostic LLM binding for one agent
// (spec.md §4.7).
type Params struct {
	Model              string
	APIKey             string
	APIBase            string
	Temperature        *float64
	MaxCompletionToken *int
	MaxTokens          *int
	IsGPT5             bool
}

// Manager resolves model names into Params; it does not construct a
// Client. A real deployment backs this with a
// network call to the model-serving endpoint; tests use the in-process
// StaticManager below.
type Manager interface {
	Resolve(ctx context.Context, modelName string, temperature *float64) (Params, error)
}

// Client is the minimal chat surface a crew needs from a bound LLM
// (spec.md §4.7 treats the LLM only as "a callable chat/embedding
// client" — no stream/thinking surface is in scope for the core).
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// IsGPT5Model reports whether modelName needs the GPT-5 parameter
// transform (spec.md §4.7, grounded on GPT5Handler.is_gpt5_model).
func IsGPT5Model(modelName string) bool {
	lower := strings.ToLower(modelName)
	return strings.HasPrefix(lower, "gpt-5") || strings.Contains(lower, "/gpt-5")
}

// TransformGPT5Params renames 'max_tokens' to 'max_completion_tokens' and
// drops an unsupported temperature, mirroring GPT5Handler.transform_params
// (gpt-5 models reject standard sampling knobs other chat models accept).
func TransformGPT5Params(p Params) Params {
	if !p.IsGPT5 {
		return p
	}
	out := p
	if out.MaxCompletionToken == nil && out.MaxTokens != nil {
		out.MaxCompletionToken = out.MaxTokens
		out.MaxTokens = nil
	}
	out.Temperature = nil
	return out
}

// ScaleTemperature converts the UI's 0-100 integer override into the
// provider's 0.0-1.0 float range (spec.md §4.7, agent_helpers.py
// "temperature / 100.0").
func ScaleTemperature(raw *int) *float64 {
	if raw == nil {
		return nil
	}
	v := float64(*raw) / 100.0
	return &v
}

// DefaultModel is used when an agent specifies no LLM at all (spec.md
// §4.7, agent_helpers.py falls back to "gpt-4o").
const DefaultModel = "gpt-4o"

// StaticManager is a reference Manager for tests and the demo entrypoint:
// it resolves any model name to Params carrying that name and no live
// network binding.
type StaticManager struct {
	APIKey  string
	APIBase string
}

// Resolve implements Manager.
func (s StaticManager) Resolve(_ context.Context, modelName string, temperature *float64) (Params, error) {
	if modelName == "" {
		modelName = DefaultModel
	}
	p := Params{
		Model:       modelName,
		APIKey:      s.APIKey,
		APIBase:     s.APIBase,
		Temperature: temperature,
		IsGPT5:      IsGPT5Model(modelName),
	}
	return TransformGPT5Params(p), nil
}
