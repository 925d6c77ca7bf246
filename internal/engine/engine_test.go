package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/flows"
	"github.com/agentflow/agentflow/internal/registry"
	"github.com/agentflow/agentflow/internal/store"
)

// fakeInvoker drives engine tests without a real HTTP agent. Invocation
// behavior is configured per agent name.
type fakeInvoker struct {
	mu            sync.Mutex
	attempts      map[string]int
	alwaysFail    map[string]bool
	failUntil     map[string]int // succeed only once attempts[name] reaches this value
	outputs       map[string]any
	echo          map[string]bool
	unreachable   map[string]bool
	extraMessages map[string][]agentrpc.Message // appended after the primary output message
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		attempts:      make(map[string]int),
		alwaysFail:    make(map[string]bool),
		failUntil:     make(map[string]int),
		outputs:       make(map[string]any),
		echo:          make(map[string]bool),
		unreachable:   make(map[string]bool),
		extraMessages: make(map[string][]agentrpc.Message),
	}
}

func (f *fakeInvoker) Probe(_ context.Context, baseURL, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.unreachable[baseURL]
}

func (f *fakeInvoker) Invoke(_ context.Context, _, _, name string, messages []agentrpc.Message) ([]agentrpc.Message, error) {
	f.mu.Lock()
	f.attempts[name]++
	attempt := f.attempts[name]
	f.mu.Unlock()

	if f.alwaysFail[name] {
		return nil, fmt.Errorf("agent %s failed", name)
	}
	if need := f.failUntil[name]; need > 0 && attempt < need {
		return nil, fmt.Errorf("agent %s transient failure on attempt %d", name, attempt)
	}

	if f.echo[name] {
		return []agentrpc.Message{{Role: "assistant", Content: messages[0].Content}}, nil
	}

	out := f.outputs[name]
	if out == nil {
		out = map[string]any{}
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	resp := []agentrpc.Message{{Role: "assistant", Content: string(payload)}}
	return append(resp, f.extraMessages[name]...), nil
}

func (f *fakeInvoker) attemptsFor(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[name]
}

func newTestEngine(t *testing.T, invoker *fakeInvoker, names ...string) (*Engine, *flows.Store) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New(s)
	flowStore := flows.New(s)

	for _, name := range names {
		_, err := reg.Register(context.Background(), registry.Agent{
			AgentName:    name,
			Capabilities: []string{"x"},
			BaseURL:      name,
		})
		require.NoError(t, err)
	}

	eng := New(reg, flowStore, invoker, Config{RetryCount: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	return eng, flowStore
}

func TestExecuteLinearFlow(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.outputs["x"] = map[string]any{"t": "hi"}
	invoker.echo["y"] = true

	eng, flowStore := newTestEngine(t, invoker, "x", "y")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "linear", "", []flows.FlowAgent{
		{AgentName: "x", Required: true},
		{AgentName: "y", UpstreamAgents: []string{"x"}, Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, flows.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]any{"t": "hi"}, exec.OutputData)
	assert.False(t, exec.CompletedAt.Before(exec.StartedAt))
}

func TestExecuteDiamondOptionalBranchFailureStillCompletes(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.alwaysFail["b"] = true
	invoker.outputs["c"] = map[string]any{"ok": true}

	eng, flowStore := newTestEngine(t, invoker, "start", "a", "b", "c")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "diamond-optional", "", []flows.FlowAgent{
		{AgentName: "start", Required: true},
		{AgentName: "a", UpstreamAgents: []string{"start"}, Required: true},
		{AgentName: "b", UpstreamAgents: []string{"start"}, Required: false},
		{AgentName: "c", UpstreamAgents: []string{"a", "b"}, Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, flows.ExecutionCompleted, exec.Status)
	assert.Equal(t, flows.AgentResultFailed, exec.AgentResults["b"].Status)
	assert.Equal(t, 3, exec.AgentResults["b"].Attempts)
	assert.Equal(t, flows.AgentResultCompleted, exec.AgentResults["c"].Status)
}

func TestExecuteDiamondRequiredBranchFailureAbortsExecution(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.alwaysFail["b"] = true

	eng, flowStore := newTestEngine(t, invoker, "start", "a", "b", "c")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "diamond-required", "", []flows.FlowAgent{
		{AgentName: "start", Required: true},
		{AgentName: "a", UpstreamAgents: []string{"start"}, Required: true},
		{AgentName: "b", UpstreamAgents: []string{"start"}, Required: true},
		{AgentName: "c", UpstreamAgents: []string{"a", "b"}, Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequiredAgentFailed)
	assert.Contains(t, err.Error(), "b")
	assert.Equal(t, flows.ExecutionFailed, exec.Status)
	assert.Equal(t, 3, exec.AgentResults["b"].Attempts)
}

func TestExecuteRetriesTransientFailureThenSucceeds(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.failUntil["x"] = 2
	invoker.outputs["x"] = map[string]any{"ok": true}

	eng, flowStore := newTestEngine(t, invoker, "x")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "retry-flow", "", []flows.FlowAgent{
		{AgentName: "x", Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, flows.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.AgentResults["x"].Attempts)
}

func TestExecuteDetectsCycle(t *testing.T) {
	invoker := newFakeInvoker()

	eng, flowStore := newTestEngine(t, invoker, "start", "p", "q")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "cyclic", "", []flows.FlowAgent{
		{AgentName: "start", Required: true},
		{AgentName: "p", UpstreamAgents: []string{"q"}, Required: true},
		{AgentName: "q", UpstreamAgents: []string{"p"}, Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularOrMissingDependency)
	assert.Equal(t, flows.ExecutionFailed, exec.Status)
}

func TestExecuteFailsFastWhenNoStartAgents(t *testing.T) {
	invoker := newFakeInvoker()

	eng, flowStore := newTestEngine(t, invoker, "p", "q")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "no-start", "", []flows.FlowAgent{
		{AgentName: "p", UpstreamAgents: []string{"q"}, Required: true},
		{AgentName: "q", UpstreamAgents: []string{"p"}, Required: true},
	})
	require.NoError(t, err)

	_, err = eng.Execute(ctx, flow, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoStartAgents)
}

func TestExecuteReadinessFailsWhenRequiredAgentUnregistered(t *testing.T) {
	invoker := newFakeInvoker()

	eng, flowStore := newTestEngine(t, invoker, "x")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "missing-agent", "", []flows.FlowAgent{
		{AgentName: "x", Required: true},
		{AgentName: "missing", UpstreamAgents: []string{"x"}, Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFlowNotReady)
	assert.Equal(t, flows.ExecutionFailed, exec.Status)
}

func TestExecuteReadinessIgnoresUnreachableOptionalAgent(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.unreachable["optional"] = true
	invoker.alwaysFail["optional"] = true
	invoker.outputs["x"] = map[string]any{"done": true}

	eng, flowStore := newTestEngine(t, invoker, "x", "optional")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "optional-unreachable", "", []flows.FlowAgent{
		{AgentName: "x", Required: true},
		{AgentName: "optional", UpstreamAgents: []string{"x"}, Required: false},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.NoError(t, err, "optional agents are never probed during readiness")
	assert.Equal(t, flows.ExecutionCompleted, exec.Status)
}

func TestExecuteMultiMessageResponseUsesFirstMessage(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.outputs["x"] = map[string]any{"t": "first"}
	invoker.extraMessages["x"] = []agentrpc.Message{
		{Role: "assistant", Content: `{"t":"second"}`},
		{Role: "assistant", Content: `{"t":"third"}`},
	}

	eng, flowStore := newTestEngine(t, invoker, "x")
	ctx := context.Background()

	flow, err := flowStore.Create(ctx, "multi-message", "", []flows.FlowAgent{
		{AgentName: "x", Required: true},
	})
	require.NoError(t, err)

	exec, err := eng.Execute(ctx, flow, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, flows.ExecutionCompleted, exec.Status)
	assert.Equal(t, map[string]any{"t": "first"}, exec.OutputData,
		"the first output message is authoritative, matching the reference engine's output[0]")
}
