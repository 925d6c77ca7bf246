// Package flows implements the flow definition and execution CRUD layer
// (spec.md §4.5), mirroring internal/registry's repository-over-store shape
// but over the flow/execution key space.
package flows

import "time"

// FlowAgent is one node in a flow's dependency graph (spec.md §3).
type FlowAgent struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       bool     `json:"required"`
	Description    string   `json:"description"`
	AddedAt        time.Time `json:"added_at"`
}

// Flow is a named DAG of agents.
type Flow struct {
	FlowID       string      `json:"flow_id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	ImportedFrom string      `json:"imported_from,omitempty"`
	Agents       []FlowAgent `json:"agents"`
}

// ExecutionStatus is the lifecycle state of a single flow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// AgentResultStatus is the per-node outcome recorded in an execution.
type AgentResultStatus string

const (
	AgentResultCompleted AgentResultStatus = "completed"
	AgentResultFailed    AgentResultStatus = "failed"
)

// AgentResult is the per-agent trace entry recorded during execution.
type AgentResult struct {
	Status   AgentResultStatus `json:"status"`
	Output   any               `json:"output,omitempty"`
	Error    string            `json:"error,omitempty"`
	Attempts int               `json:"attempts"`
}

// Execution is one attempt to run a flow with a given input payload.
type Execution struct {
	ExecutionID string                 `json:"execution_id"`
	FlowID      string                 `json:"flow_id"`
	Status      ExecutionStatus        `json:"status"`
	InputData   map[string]any         `json:"input_data"`
	OutputData  any                    `json:"output_data,omitempty"`
	StartedAt   time.Time              `json:"started_at,omitempty"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
	AgentResults map[string]AgentResult `json:"agent_results"`
}

// ExportedFlow is the portable object returned by Export and consumed by
// Import (spec.md §4.5).
type ExportedFlow struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Agents      []ExportedFlowAgent `json:"agents"`
	Metadata    ExportMetadata     `json:"metadata"`
}

// ExportedFlowAgent is the projected per-node shape carried in an export —
// AddedAt is intentionally dropped, matching spec.md §4.5's projection.
type ExportedFlowAgent struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       bool     `json:"required"`
	Description    string   `json:"description"`
}

// ExportMetadata carries provenance about an export, excluded from the
// round-trip equality check in spec.md §8.
type ExportMetadata struct {
	ExportedAt      time.Time `json:"exported_at"`
	PlatformVersion string    `json:"platform_version"`
	AgentCount      int       `json:"agent_count"`
	OriginalFlowID  string    `json:"original_flow_id"`
}

// ImportRequest is the accepted shape for Import.
type ImportRequest struct {
	Name              string              `json:"name"`
	Description       string              `json:"description"`
	Agents            []ExportedFlowAgent `json:"agents"`
	OverwriteExisting bool                `json:"overwrite_existing"`
	ValidateAgents    bool                `json:"validate_agents"`
	OriginalFlowID    string              `json:"original_flow_id,omitempty"`
}
