// Package crewbuilder resolves a CrewConfig into the bindings the
// embedded orchestration library needs: tools, knowledge sources, and LLM
// parameters per agent, plus flow starting-point resolution (spec.md
// §4.7). Grounded on original_source/.../engines/crewai/helpers/
// agent_helpers.py (process_knowledge_sources, the LLM-binding branch
// around GPT5Handler, the hardcoded allow_code_execution=False policy)
// and backend_flow.py's startingPoints/start-method resolution.
package crewbuilder

import (
	"context"
	"strings"

	"github.com/databrickslabs/kasal-execution-core/pkg/coreerr"
	"github.com/databrickslabs/kasal-execution-core/pkg/llmmanager"
	"github.com/databrickslabs/kasal-execution-core/pkg/model"
)

// ToolRegistry resolves tool IDs/names to the orchestration library's
// callable tool objects; it is the only piece of tool wiring this package
// does not itself implement, since tool implementations live entirely in
// the embedded orchestration library and its MCP integrations (spec.md
// §1 Non-goals).
type ToolRegistry interface {
	// Resolve returns the canonical tool name for an ID or name, and
	// whether the lookup succeeded. MCP-namespaced names
	// ("server.tool") pass through unresolved.
	Resolve(idOrName string) (string, bool)
}

// ResolvedAgent is everything crewbuilder could determine about one agent
// ahead of handing it to the orchestration library's Agent constructor.
type ResolvedAgent struct {
	Role             string
	Goal             string
	Backstory        string
	Tools            []string
	KnowledgeSources []KnowledgeSource
	LLM              llmmanager.Params
	AllowDelegation  bool
	// AllowCodeExecution is always false: spec.md §4.7 hardcodes this
	// regardless of what the agent config requests (security policy, not
	// a per-agent knob).
	AllowCodeExecution bool
}

// KnowledgeSource is a resolved knowledge source ready for the
// orchestration library's knowledge-source constructors.
type KnowledgeSource struct {
	// Databricks volume sources carry a catalog.schema.volume scope plus
	// the full in-volume file path; anything else is a plain path.
	IsDatabricksVolume bool
	VolumeScope        string // "catalog.schema.volume"
	Path               string
}

// ParseKnowledgeSource extracts (volume_scope, path) from a Databricks
// volume path of the form "/Volumes/catalog/schema/volume/rest/of/path",
// mirroring process_knowledge_sources' path-splitting (spec.md §4.7).
// Paths not starting with "/Volumes/" are returned as plain sources.
func ParseKnowledgeSource(raw string) (KnowledgeSource, error) {
	const prefix = "/Volumes/"
	if !strings.HasPrefix(raw, prefix) {
		return KnowledgeSource{Path: raw}, nil
	}
	rest := strings.TrimPrefix(raw, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) < 3 {
		return KnowledgeSource{}, coreerr.New(coreerr.InvalidConfig, "invalid databricks volume path: "+raw)
	}
	scope := strings.Join(parts[:3], ".")
	return KnowledgeSource{IsDatabricksVolume: true, VolumeScope: scope, Path: raw}, nil
}

// ResolveAgent binds tools, knowledge sources, and an LLM to one
// AgentConfig (spec.md §4.7). manager resolves model names; registry
// resolves tool IDs/names. Per-agent tool-config overrides
// (AgentConfig.ToolConfig) are not read here.
func ResolveAgent(ctx context.Context, ac model.AgentConfig, manager llmmanager.Manager, registry ToolRegistry) (ResolvedAgent, error) {
	resolved := ResolvedAgent{
		Role:               ac.Role,
		Goal:               ac.Goal,
		Backstory:          ac.Backstory,
		AllowDelegation:    ac.AllowDelegation,
		AllowCodeExecution: false, // hardcoded, never honors agent config (spec.md §4.7)
	}
	if resolved.Role == "" || resolved.Goal == "" || resolved.Backstory == "" {
		return ResolvedAgent{}, coreerr.New(coreerr.InvalidConfig, "agent requires role, goal, and backstory")
	}

	for _, t := range ac.Tools {
		if name, ok := registry.Resolve(t); ok {
			resolved.Tools = append(resolved.Tools, name)
		} else {
			resolved.Tools = append(resolved.Tools, t) // MCP-namespaced or already canonical
		}
	}

	for _, raw := range ac.KnowledgeSources {
		ks, err := ParseKnowledgeSource(raw)
		if err != nil {
			return ResolvedAgent{}, err
		}
		resolved.KnowledgeSources = append(resolved.KnowledgeSources, ks)
	}

	temperature := llmmanager.ScaleTemperature(ac.Temperature)
	modelName := modelNameOf(ac.LLM)
	params, err := manager.Resolve(ctx, modelName, temperature)
	if err != nil {
		return ResolvedAgent{}, coreerr.Wrap(coreerr.Upstream, "failed to resolve LLM for agent "+ac.Role, err)
	}
	resolved.LLM = params

	return resolved, nil
}

// modelNameOf extracts a model name whether agent_config['llm'] was a bare
// string or an inline dict (spec.md §4.7); an absent LLM falls back to
// llmmanager.DefaultModel inside Manager.Resolve.
func modelNameOf(llm any) string {
	switch v := llm.(type) {
	case string:
		return v
	case map[string]any:
		if m, ok := v["model"].(string); ok {
			return m
		}
	}
	return ""
}

// ResolveStartingPoints decides which flow nodes to start from, honoring
// an explicit override if supplied and otherwise defaulting to every node
// the flow config marks as a starting point (spec.md §9 open question:
// "expose startingPoints precedence as an explicit parameter defaulting
// to true" — i.e. with preferOverride true a non-empty override wins over
// the flow's own declared starting points; with preferOverride false the
// override is used only when the flow declares none).
func ResolveStartingPoints(cfg model.CrewConfig, override []string, preferOverride bool) ([]string, error) {
	if preferOverride && len(override) > 0 {
		return override, nil
	}
	if len(cfg.StartingPoints) > 0 {
		return cfg.StartingPoints, nil
	}
	if len(override) > 0 {
		return override, nil
	}
	return nil, coreerr.New(coreerr.InvalidConfig, "flow has zero starting points")
}
