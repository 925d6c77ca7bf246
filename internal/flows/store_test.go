package flows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentflow/internal/store"
)

func newTestStore() *Store {
	return New(store.NewMemory())
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, "pipeline-a", "", nil)
	require.NoError(t, err)

	_, err = s.Create(ctx, "pipeline-a", "", nil)
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestCreateRejectsDuplicateAgentName(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.Create(ctx, "pipeline-b", "", []FlowAgent{
		{AgentName: "summarize"},
		{AgentName: "summarize"},
	})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetRoundTripsAgentOrder(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, err := s.Create(ctx, "pipeline-c", "desc", []FlowAgent{
		{AgentName: "fetch"},
		{AgentName: "summarize", UpstreamAgents: []string{"fetch"}, Required: true},
		{AgentName: "translate", UpstreamAgents: []string{"fetch"}},
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, created.FlowID)
	require.NoError(t, err)
	require.Len(t, got.Agents, 3)
	assert.Equal(t, "fetch", got.Agents[0].AgentName)
	assert.Equal(t, "summarize", got.Agents[1].AgentName)
	assert.Equal(t, "translate", got.Agents[2].AgentName)
	assert.True(t, got.Agents[1].Required)
}

func TestDeleteCascadesExecutions(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	flow, err := s.Create(ctx, "pipeline-d", "", nil)
	require.NoError(t, err)

	exec, err := s.CreateExecution(ctx, flow.FlowID, map[string]any{"x": 1})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, flow.FlowID))

	_, err = s.Get(ctx, flow.FlowID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetExecution(ctx, flow.FlowID, exec.ExecutionID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionListIsTrimmedToCap(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	flow, err := s.Create(ctx, "pipeline-e", "", nil)
	require.NoError(t, err)

	for i := 0; i < store.MaxExecutionsPerFlow+10; i++ {
		_, err := s.CreateExecution(ctx, flow.FlowID, nil)
		require.NoError(t, err)
	}

	execs, err := s.ListExecutions(ctx, flow.FlowID)
	require.NoError(t, err)
	assert.Len(t, execs, store.MaxExecutionsPerFlow)
}

func TestAddAndRemoveAgent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	flow, err := s.Create(ctx, "pipeline-f", "", []FlowAgent{{AgentName: "a"}})
	require.NoError(t, err)

	flow, err = s.AddAgent(ctx, flow.FlowID, FlowAgent{AgentName: "b", UpstreamAgents: []string{"a"}})
	require.NoError(t, err)
	assert.Len(t, flow.Agents, 2)

	_, err = s.AddAgent(ctx, flow.FlowID, FlowAgent{AgentName: "a"})
	assert.ErrorIs(t, err, ErrInvalid)

	flow, err = s.RemoveAgent(ctx, flow.FlowID, "a")
	require.NoError(t, err)
	require.Len(t, flow.Agents, 1)
	assert.Equal(t, "b", flow.Agents[0].AgentName)

	_, err = s.RemoveAgent(ctx, flow.FlowID, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	flow, err := s.Create(ctx, "pipeline-g", "a nice pipeline", []FlowAgent{
		{AgentName: "fetch", Required: true},
		{AgentName: "summarize", UpstreamAgents: []string{"fetch"}},
	})
	require.NoError(t, err)

	exported, err := s.Export(ctx, flow.FlowID, "test-1.0")
	require.NoError(t, err)

	imported, warnings, err := s.Import(ctx, ImportRequest{
		Name:           "pipeline-g-copy",
		Description:    exported.Description,
		Agents:         exported.Agents,
		OriginalFlowID: exported.Metadata.OriginalFlowID,
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, flow.FlowID, imported.ImportedFrom)

	reExported, err := s.Export(ctx, imported.FlowID, "test-1.0")
	require.NoError(t, err)

	assert.Equal(t, exported.Description, reExported.Description)
	assert.Equal(t, exported.Agents, reExported.Agents)
}

func TestImportNameConflictBehavior(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	original, err := s.Create(ctx, "shared-name", "first", []FlowAgent{{AgentName: "a"}})
	require.NoError(t, err)
	origExec, err := s.CreateExecution(ctx, original.FlowID, nil)
	require.NoError(t, err)

	_, _, err = s.Import(ctx, ImportRequest{
		Name:   "shared-name",
		Agents: []ExportedFlowAgent{{AgentName: "b"}},
	}, nil)
	require.True(t, errors.Is(err, ErrNameConflict))

	replaced, _, err := s.Import(ctx, ImportRequest{
		Name:              "shared-name",
		Agents:            []ExportedFlowAgent{{AgentName: "b"}},
		OverwriteExisting: true,
	}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, original.FlowID, replaced.FlowID)

	_, err = s.Get(ctx, original.FlowID)
	assert.ErrorIs(t, err, ErrNotFound, "old flow_id must stop resolving")

	_, err = s.GetExecution(ctx, original.FlowID, origExec.ExecutionID)
	assert.ErrorIs(t, err, ErrNotFound, "old flow's executions must be deleted too")
}

type fakeChecker struct {
	known map[string]bool
}

func (f fakeChecker) Exists(_ context.Context, name string) (bool, error) {
	return f.known[name], nil
}

func TestImportValidateAgentsWarnsWithoutFailing(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	checker := fakeChecker{known: map[string]bool{"fetch": true}}

	flow, warnings, err := s.Import(ctx, ImportRequest{
		Name: "pipeline-h",
		Agents: []ExportedFlowAgent{
			{AgentName: "fetch"},
			{AgentName: "missing-agent"},
		},
		ValidateAgents: true,
	}, checker)
	require.NoError(t, err)
	require.NotEmpty(t, flow.FlowID)
	require.Len(t, warnings, 1)
	assert.Equal(t, "missing-agent", warnings[0].AgentName)
}

func TestSweepOrphanedRunningMarksFailed(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	flow, err := s.Create(ctx, "pipeline-i", "", nil)
	require.NoError(t, err)

	exec, err := s.CreateExecution(ctx, flow.FlowID, nil)
	require.NoError(t, err)
	exec.Status = ExecutionRunning
	require.NoError(t, s.UpdateExecution(ctx, exec))

	swept, err := s.SweepOrphanedRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := s.GetExecution(ctx, flow.FlowID, exec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}
