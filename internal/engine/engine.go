// Package engine implements the DAG flow-execution scheduler: a pre-flight
// readiness check, wave-based parallel dispatch, input composition from
// upstream outputs, per-node retry, and terminal aggregation.
//
// The wave-parallel wait is grounded on the idiomatic replacement for the
// hand-rolled sync.WaitGroup + error-channel pattern: golang.org/x/sync/errgroup.
// Retry shape follows the reconnect loop in
// agent/internal/connection/manager.go, narrowed to a small fixed count
// instead of unbounded backoff since a flow node's retry budget is bounded
// by spec.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/flows"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/registry"
)

// Config controls per-node retry policy.
type Config struct {
	// RetryCount is the total number of attempts per node (not "retries in
	// addition to the first try"). Default 3.
	RetryCount int
	// RetryDelay is the pause between attempts. Default 1s.
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	return c
}

// Invoker is the subset of agentrpc.Client the engine depends on, narrowed
// so tests can substitute a fake.
type Invoker interface {
	Probe(ctx context.Context, baseURL, authToken string) bool
	Invoke(ctx context.Context, baseURL, authToken, agentName string, messages []agentrpc.Message) ([]agentrpc.Message, error)
}

// Engine executes flows against the registry and flow store.
type Engine struct {
	reg       *registry.Registry
	flowStore *flows.Store
	rpc       Invoker
	cfg       Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// WithMetrics attaches a Metrics instance the engine reports execution
// outcomes and per-node invocation counts to. Optional.
func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// New returns an Engine.
func New(reg *registry.Registry, flowStore *flows.Store, rpc Invoker, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		reg:       reg,
		flowStore: flowStore,
		rpc:       rpc,
		cfg:       cfg.withDefaults(),
		logger:    logger.Named("engine"),
	}
}

// Execute runs a flow end to end: creates the execution record, performs
// the Phase 1 readiness check, runs Phase 2 wave scheduling, and persists
// the final state machine transition (spec.md §4.6).
func (e *Engine) Execute(ctx context.Context, flow flows.Flow, input map[string]any) (flows.Execution, error) {
	exec, err := e.flowStore.CreateExecution(ctx, flow.FlowID, input)
	if err != nil {
		return flows.Execution{}, err
	}

	if err := e.checkReadiness(ctx, flow); err != nil {
		exec.Status = flows.ExecutionFailed
		exec.Error = err.Error()
		exec.CompletedAt = time.Now().UTC()
		if uErr := e.flowStore.UpdateExecution(ctx, exec); uErr != nil {
			e.logger.Error("failed to persist readiness failure", zap.Error(uErr))
		}
		return exec, err
	}

	exec.Status = flows.ExecutionRunning
	exec.StartedAt = time.Now().UTC()
	if err := e.flowStore.UpdateExecution(ctx, exec); err != nil {
		return exec, fmt.Errorf("engine: persist running state: %w", err)
	}

	output, runErr := e.run(ctx, flow, &exec)

	exec.CompletedAt = time.Now().UTC()
	if runErr != nil {
		exec.Status = flows.ExecutionFailed
		exec.Error = runErr.Error()
	} else {
		exec.Status = flows.ExecutionCompleted
		exec.OutputData = output
	}
	if err := e.flowStore.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to persist final execution state", zap.Error(err))
	}

	if e.metrics != nil {
		e.metrics.ExecutionsTotal.WithLabelValues(string(exec.Status)).Inc()
		e.metrics.ExecutionDuration.WithLabelValues(flow.FlowID).Observe(exec.CompletedAt.Sub(exec.StartedAt).Seconds())
	}

	return exec, runErr
}

// checkReadiness implements Phase 1: every required node must name a
// registered, probe-reachable agent. Optional agents are never probed.
func (e *Engine) checkReadiness(ctx context.Context, flow flows.Flow) error {
	for _, node := range flow.Agents {
		if !node.Required {
			continue
		}
		agent, err := e.reg.Get(ctx, node.AgentName)
		if err != nil {
			return fmt.Errorf("%w: required agent %q is not registered", ErrFlowNotReady, node.AgentName)
		}
		if !e.rpc.Probe(ctx, agent.BaseURL, agent.AuthToken) {
			return fmt.Errorf("%w: required agent %q failed its liveness probe", ErrFlowNotReady, node.AgentName)
		}
	}
	return nil
}

// run implements Phase 2: start-set dispatch followed by the ready-set loop,
// returning the aggregated terminal output.
func (e *Engine) run(ctx context.Context, flow flows.Flow, exec *flows.Execution) (any, error) {
	nodesByName := make(map[string]flows.FlowAgent, len(flow.Agents))
	for _, node := range flow.Agents {
		nodesByName[node.AgentName] = node
	}

	var startSet []string
	for _, node := range flow.Agents {
		if len(node.UpstreamAgents) == 0 {
			startSet = append(startSet, node.AgentName)
		}
	}
	if len(startSet) == 0 {
		return nil, ErrNoStartAgents
	}

	completed := make(map[string]bool, len(nodesByName))
	results := make(map[string]any, len(nodesByName))

	if err := e.runWave(ctx, exec, nodesByName, startSet, completed, results, true); err != nil {
		return nil, err
	}

	for len(completed) < len(nodesByName) {
		ready := readySet(nodesByName, completed)
		if len(ready) == 0 {
			var stuck []string
			for name := range nodesByName {
				if !completed[name] {
					stuck = append(stuck, name)
				}
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("%w: %s", ErrCircularOrMissingDependency, strings.Join(stuck, ", "))
		}

		if err := e.runWave(ctx, exec, nodesByName, ready, completed, results, false); err != nil {
			return nil, err
		}
	}

	return aggregateTerminal(flow, results), nil
}

// readySet computes the nodes that may launch next: not yet completed, and
// every upstream that is itself a required node has already completed.
// Optional upstreams — known or orphaned — never block (spec.md §4.6,
// preserved open question: this can race with input composition).
func readySet(nodesByName map[string]flows.FlowAgent, completed map[string]bool) []string {
	var ready []string
	for name, node := range nodesByName {
		if completed[name] {
			continue
		}
		blocked := false
		for _, upstream := range node.UpstreamAgents {
			upNode, known := nodesByName[upstream]
			if !known {
				continue
			}
			if upNode.Required && !completed[upstream] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)
	return ready
}

// runWave launches every node in wave concurrently via errgroup.Group
// (no derived context: a required failure must not cancel sibling nodes
// already in flight — spec.md §4.6 lets them finish, their results simply
// go unused). On a required failure the wave's error is returned once every
// node has settled.
func (e *Engine) runWave(ctx context.Context, exec *flows.Execution, nodesByName map[string]flows.FlowAgent, wave []string, completed map[string]bool, results map[string]any, verbatimInput bool) error {
	var g errgroup.Group
	var mu sync.Mutex

	for _, name := range wave {
		name := name
		node := nodesByName[name]

		g.Go(func() error {
			agent, err := e.reg.Get(ctx, name)
			if err != nil {
				return e.recordFailure(exec, &mu, completed, results, node, fmt.Errorf("engine: agent %q is not registered: %w", name, err))
			}

			var input any
			if verbatimInput {
				input = exec.InputData
			} else {
				mu.Lock()
				input = composeInput(node, exec.InputData, results)
				mu.Unlock()
			}

			output, attempts, invokeErr := e.invokeWithRetry(ctx, agent, input)

			if e.metrics != nil {
				if invokeErr == nil {
					e.metrics.NodeInvocationsTotal.WithLabelValues(name, "success").Inc()
				} else {
					e.metrics.NodeInvocationsTotal.WithLabelValues(name, "failure").Inc()
				}
			}

			mu.Lock()
			defer mu.Unlock()
			if invokeErr == nil {
				exec.AgentResults[name] = flows.AgentResult{Status: flows.AgentResultCompleted, Output: output, Attempts: attempts}
				results[name] = output
				completed[name] = true
				return nil
			}

			exec.AgentResults[name] = flows.AgentResult{Status: flows.AgentResultFailed, Error: invokeErr.Error(), Attempts: attempts}
			completed[name] = true
			if node.Required {
				return fmt.Errorf("%w: %s", ErrRequiredAgentFailed, name)
			}
			results[name] = map[string]any{}
			return nil
		})
	}

	err := g.Wait()

	if uErr := e.flowStore.UpdateExecution(ctx, *exec); uErr != nil {
		e.logger.Error("failed to persist wave results", zap.Error(uErr))
	}

	return err
}

// recordFailure handles the case where the agent vanished from the registry
// between readiness check and dispatch (an optional node, or a required
// node evicted mid-execution).
func (e *Engine) recordFailure(exec *flows.Execution, mu *sync.Mutex, completed map[string]bool, results map[string]any, node flows.FlowAgent, err error) error {
	mu.Lock()
	defer mu.Unlock()
	exec.AgentResults[node.AgentName] = flows.AgentResult{Status: flows.AgentResultFailed, Error: err.Error(), Attempts: 0}
	completed[node.AgentName] = true
	if node.Required {
		return fmt.Errorf("%w: %s", ErrRequiredAgentFailed, node.AgentName)
	}
	results[node.AgentName] = map[string]any{}
	return nil
}

// composeInput implements the input-composition rule (spec.md §4.6): no
// upstreams (handled by the caller via verbatimInput), one upstream passed
// through verbatim, multiple upstreams keyed by name. A missing result
// (orphan reference, or a failed optional upstream) contributes {}.
func composeInput(node flows.FlowAgent, initial map[string]any, results map[string]any) any {
	if len(node.UpstreamAgents) == 0 {
		return initial
	}
	if len(node.UpstreamAgents) == 1 {
		return resultOrEmpty(results, node.UpstreamAgents[0])
	}

	composed := make(map[string]any, len(node.UpstreamAgents))
	for _, upstream := range node.UpstreamAgents {
		composed[upstream] = resultOrEmpty(results, upstream)
	}
	return composed
}

func resultOrEmpty(results map[string]any, name string) any {
	if v, ok := results[name]; ok {
		return v
	}
	return map[string]any{}
}

// aggregateTerminal implements spec.md §4.6's terminal-node aggregation: a
// terminal node is one no other node lists as an upstream.
func aggregateTerminal(flow flows.Flow, results map[string]any) any {
	isUpstream := make(map[string]bool, len(flow.Agents))
	for _, node := range flow.Agents {
		for _, upstream := range node.UpstreamAgents {
			isUpstream[upstream] = true
		}
	}

	var terminals []string
	for _, node := range flow.Agents {
		if !isUpstream[node.AgentName] {
			terminals = append(terminals, node.AgentName)
		}
	}
	sort.Strings(terminals)

	switch len(terminals) {
	case 0:
		return map[string]any{}
	case 1:
		return resultOrEmpty(results, terminals[0])
	default:
		out := make(map[string]any, len(terminals))
		for _, name := range terminals {
			out[name] = resultOrEmpty(results, name)
		}
		return out
	}
}

// invokeWithRetry runs invokeOnce up to cfg.RetryCount times, sleeping
// cfg.RetryDelay between attempts, per spec.md §4.6.
func (e *Engine) invokeWithRetry(ctx context.Context, agent registry.Agent, input any) (any, int, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryCount; attempt++ {
		output, err := e.invokeOnce(ctx, agent, input)
		if err == nil {
			return output, attempt, nil
		}
		lastErr = err

		if attempt < e.cfg.RetryCount {
			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
		}
	}
	return nil, e.cfg.RetryCount, lastErr
}

// invokeOnce marshals input as a single user message, invokes the agent,
// and parses the first response message back into a generic value — falling
// back to the raw string if it isn't JSON.
func (e *Engine) invokeOnce(ctx context.Context, agent registry.Agent, input any) (any, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("engine: encode input for %s: %w", agent.AgentName, err)
	}

	resp, err := e.rpc.Invoke(ctx, agent.BaseURL, agent.AuthToken, agent.AgentName, []agentrpc.Message{
		{Role: "user", Content: string(payload)},
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return map[string]any{}, nil
	}

	first := resp[0]
	var decoded any
	if err := json.Unmarshal([]byte(first.Content), &decoded); err != nil {
		return first.Content, nil
	}
	return decoded, nil
}
