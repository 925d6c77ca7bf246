package engine

import "errors"

// ErrFlowNotReady is returned by Execute when Phase 1 readiness fails: a
// required agent is unregistered or does not answer its liveness probe.
var ErrFlowNotReady = errors.New("engine: flow not ready")

// ErrNoStartAgents is returned when a flow has no node with an empty
// upstream_agents list.
var ErrNoStartAgents = errors.New("engine: flow has no start agents")

// ErrCircularOrMissingDependency is returned when the ready set empties out
// with nodes still uncompleted — a cycle among required edges.
var ErrCircularOrMissingDependency = errors.New("engine: circular or missing dependency")

// ErrRequiredAgentFailed is returned when a required node exhausts its
// retries; wrapped with the failing node's name.
var ErrRequiredAgentFailed = errors.New("engine: required agent failed")
