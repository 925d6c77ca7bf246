package store

import "fmt"

// Key helpers for the persisted state layout described by the platform spec.
// Centralizing them here keeps registry/flows/engine free of string literals
// and makes the namespacing convention (":"-separated segments) a single
// source of truth.

// AgentsSet is the set of all registered agent names.
const AgentsSet = "agents"

// AgentKey returns the hash key for a single agent record.
func AgentKey(name string) string {
	return fmt.Sprintf("agent:%s", name)
}

// FlowsSet is the set of all flow IDs.
const FlowsSet = "flows"

// FlowKey returns the hash key for a single flow record.
func FlowKey(flowID string) string {
	return fmt.Sprintf("flow:%s", flowID)
}

// FlowAgentsKey returns the ordered-list key holding the JSON-encoded
// flow-agent entries for a flow, in declaration order.
func FlowAgentsKey(flowID string) string {
	return fmt.Sprintf("flow:%s:agents", flowID)
}

// FlowExecutionsKey returns the ordered-list key holding execution IDs for a
// flow, most-recent-first, trimmed to MaxExecutionsPerFlow.
func FlowExecutionsKey(flowID string) string {
	return fmt.Sprintf("flow:%s:executions", flowID)
}

// ExecutionKey returns the hash key for a single execution record.
func ExecutionKey(flowID, execID string) string {
	return fmt.Sprintf("flow:%s:execution:%s", flowID, execID)
}

// MaxExecutionsPerFlow is the cap on retained execution history per flow
// (spec.md §3): oldest evicted FIFO once the list would exceed this length.
const MaxExecutionsPerFlow = 100
