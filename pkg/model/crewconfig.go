package model

// AgentConfig describes one agent in a crew (spec.md §4.7).
type AgentConfig struct {
	Role             string
	Goal             string
	Backstory        string
	LLM              any // string model name, map[string]any full config, or nil
	Temperature      *int
	Tools            []string // tool IDs or names
	ToolConfig       map[string]map[string]any
	AllowDelegation  bool
	KnowledgeSources []string
}

// TaskConfig describes one task in a crew.
type TaskConfig struct {
	ID             string
	Description    string
	ExpectedOutput string
	AgentRole      string
	Tools          []string
}

// FlowNode and FlowEdge model a flow's DAG (spec.md §2, §4.7).
type FlowNode struct {
	ID   string
	Type string // "crew" or "task"
	Ref  string
}

type FlowEdge struct {
	From string
	To   string
}

// CrewConfig is the validated job configuration handed to the builder.
type CrewConfig struct {
	Name           string
	Model          string
	RunName        string
	Agents         []AgentConfig
	Tasks          []TaskConfig
	FlowNodes      []FlowNode
	FlowEdges      []FlowEdge
	StartingPoints []string
	MemoryBackend  string // "", "databricks", "default"
	CustomEmbedder bool
}

// IsFlow reports whether this config describes a flow rather than a plain crew.
func (c *CrewConfig) IsFlow() bool {
	return len(c.FlowNodes) > 0
}
