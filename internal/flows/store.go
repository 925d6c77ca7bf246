package flows

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentflow/agentflow/internal/store"
)

// AgentChecker is the minimal capability Import needs from the registry to
// emit deferred-validation warnings (spec.md §4.5). Satisfied by
// *registry.Registry without this package importing it directly.
type AgentChecker interface {
	Exists(ctx context.Context, name string) (bool, error)
}

// Store is the CRUD layer over flow definitions and their executions
// (spec.md §4.5).
type Store struct {
	store store.Store
}

// New returns a Store backed by the given Store.
func New(s store.Store) *Store {
	return &Store{store: s}
}

func now() time.Time { return time.Now().UTC() }

// Create inserts a new flow. Name uniqueness is enforced here — not just at
// Import — fixing the bug flagged in spec.md §9.
func (s *Store) Create(ctx context.Context, name, description string, agents []FlowAgent) (Flow, error) {
	if strings.TrimSpace(name) == "" {
		return Flow{}, fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if err := validateAgentNames(agents); err != nil {
		return Flow{}, err
	}

	if conflict, err := s.nameExists(ctx, name); err != nil {
		return Flow{}, err
	} else if conflict {
		return Flow{}, ErrNameConflict
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Flow{}, fmt.Errorf("flows: generate flow_id: %w", err)
	}

	ts := now()
	for i := range agents {
		if agents[i].AddedAt.IsZero() {
			agents[i].AddedAt = ts
		}
	}

	flow := Flow{
		FlowID:      id.String(),
		Name:        name,
		Description: description,
		CreatedAt:   ts,
		UpdatedAt:   ts,
		Agents:      agents,
	}

	if err := s.writeFlow(ctx, flow); err != nil {
		return Flow{}, err
	}
	if err := s.store.SAdd(ctx, store.FlowsSet, flow.FlowID); err != nil {
		return Flow{}, fmt.Errorf("flows: create %s: index: %w", flow.FlowID, err)
	}
	if err := s.writeAgents(ctx, flow.FlowID, flow.Agents); err != nil {
		return Flow{}, err
	}

	return flow, nil
}

// Get retrieves a flow and its agent sequence.
func (s *Store) Get(ctx context.Context, flowID string) (Flow, error) {
	fields, err := s.store.HGetAll(ctx, store.FlowKey(flowID))
	if err != nil {
		return Flow{}, fmt.Errorf("flows: get %s: %w", flowID, err)
	}
	if len(fields) == 0 {
		return Flow{}, ErrNotFound
	}

	flow, err := decodeFlow(fields)
	if err != nil {
		return Flow{}, err
	}

	agents, err := s.readAgents(ctx, flowID)
	if err != nil {
		return Flow{}, err
	}
	flow.Agents = agents

	return flow, nil
}

// List returns every flow. Order is unspecified.
func (s *Store) List(ctx context.Context) ([]Flow, error) {
	ids, err := s.store.SMembers(ctx, store.FlowsSet)
	if err != nil {
		return nil, fmt.Errorf("flows: list: %w", err)
	}

	out := make([]Flow, 0, len(ids))
	for _, id := range ids {
		f, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Delete removes a flow and all of its executions (spec.md §3).
func (s *Store) Delete(ctx context.Context, flowID string) error {
	execIDs, err := s.store.LRange(ctx, store.FlowExecutionsKey(flowID), 0, -1)
	if err != nil {
		return fmt.Errorf("flows: delete %s: list executions: %w", flowID, err)
	}
	for _, execID := range execIDs {
		if err := s.store.Del(ctx, store.ExecutionKey(flowID, execID)); err != nil {
			return fmt.Errorf("flows: delete %s: execution %s: %w", flowID, execID, err)
		}
	}

	if err := s.store.Del(ctx,
		store.FlowKey(flowID),
		store.FlowAgentsKey(flowID),
		store.FlowExecutionsKey(flowID),
	); err != nil {
		return fmt.Errorf("flows: delete %s: %w", flowID, err)
	}
	if err := s.store.SRem(ctx, store.FlowsSet, flowID); err != nil {
		return fmt.Errorf("flows: delete %s: index: %w", flowID, err)
	}
	return nil
}

// AddAgent appends a flow-agent entry, writing the whole agent sequence back
// (spec.md §4.5).
func (s *Store) AddAgent(ctx context.Context, flowID string, agent FlowAgent) (Flow, error) {
	flow, err := s.Get(ctx, flowID)
	if err != nil {
		return Flow{}, err
	}

	for _, a := range flow.Agents {
		if a.AgentName == agent.AgentName {
			return Flow{}, fmt.Errorf("%w: agent_name %q already present in flow", ErrInvalid, agent.AgentName)
		}
	}

	if agent.AddedAt.IsZero() {
		agent.AddedAt = now()
	}
	flow.Agents = append(flow.Agents, agent)
	flow.UpdatedAt = now()

	if err := s.writeFlow(ctx, flow); err != nil {
		return Flow{}, err
	}
	if err := s.writeAgents(ctx, flowID, flow.Agents); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// RemoveAgent removes a flow-agent entry by name, writing the remaining
// sequence back wholesale.
func (s *Store) RemoveAgent(ctx context.Context, flowID, agentName string) (Flow, error) {
	flow, err := s.Get(ctx, flowID)
	if err != nil {
		return Flow{}, err
	}

	kept := flow.Agents[:0]
	found := false
	for _, a := range flow.Agents {
		if a.AgentName == agentName {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	if !found {
		return Flow{}, ErrNotFound
	}

	flow.Agents = kept
	flow.UpdatedAt = now()

	if err := s.writeFlow(ctx, flow); err != nil {
		return Flow{}, err
	}
	if err := s.store.Del(ctx, store.FlowAgentsKey(flowID)); err != nil {
		return Flow{}, fmt.Errorf("flows: remove agent %s: %w", flowID, err)
	}
	if err := s.writeAgents(ctx, flowID, flow.Agents); err != nil {
		return Flow{}, err
	}
	return flow, nil
}

// nameExists reports whether any flow currently has the given name.
func (s *Store) nameExists(ctx context.Context, name string) (bool, error) {
	flows, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	for _, f := range flows {
		if f.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func validateAgentNames(agents []FlowAgent) error {
	seen := make(map[string]struct{}, len(agents))
	for _, a := range agents {
		if strings.TrimSpace(a.AgentName) == "" {
			return fmt.Errorf("%w: agent_name is required", ErrInvalid)
		}
		if _, dup := seen[a.AgentName]; dup {
			return fmt.Errorf("%w: duplicate agent_name %q", ErrInvalid, a.AgentName)
		}
		seen[a.AgentName] = struct{}{}
	}
	return nil
}

func (s *Store) writeFlow(ctx context.Context, flow Flow) error {
	fields := map[string]string{
		"flow_id":     flow.FlowID,
		"name":        flow.Name,
		"description": flow.Description,
		"created_at":  flow.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  flow.UpdatedAt.Format(time.RFC3339Nano),
	}
	if flow.ImportedFrom != "" {
		fields["imported_from"] = flow.ImportedFrom
	}
	if err := s.store.HSet(ctx, store.FlowKey(flow.FlowID), fields); err != nil {
		return fmt.Errorf("flows: write %s: %w", flow.FlowID, err)
	}
	return nil
}

func decodeFlow(fields map[string]string) (Flow, error) {
	flow := Flow{
		FlowID:       fields["flow_id"],
		Name:         fields["name"],
		Description:  fields["description"],
		ImportedFrom: fields["imported_from"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		flow.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		flow.UpdatedAt = t
	}
	return flow, nil
}

func (s *Store) writeAgents(ctx context.Context, flowID string, agents []FlowAgent) error {
	if err := s.store.Del(ctx, store.FlowAgentsKey(flowID)); err != nil {
		return fmt.Errorf("flows: write agents %s: %w", flowID, err)
	}
	// Push in reverse so LRange(0,-1) on an LPush-based list reads back in
	// declaration order, matching the teacher's "ordered list" convention.
	for i := len(agents) - 1; i >= 0; i-- {
		encoded, err := json.Marshal(agents[i])
		if err != nil {
			return fmt.Errorf("flows: encode agent entry: %w", err)
		}
		if err := s.store.LPush(ctx, store.FlowAgentsKey(flowID), string(encoded)); err != nil {
			return fmt.Errorf("flows: write agents %s: %w", flowID, err)
		}
	}
	return nil
}

func (s *Store) readAgents(ctx context.Context, flowID string) ([]FlowAgent, error) {
	raw, err := s.store.LRange(ctx, store.FlowAgentsKey(flowID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("flows: read agents %s: %w", flowID, err)
	}
	agents := make([]FlowAgent, 0, len(raw))
	for _, r := range raw {
		var a FlowAgent
		if err := json.Unmarshal([]byte(r), &a); err != nil {
			return nil, fmt.Errorf("flows: decode agent entry: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// CreateExecution records a new pending execution for a flow (spec.md §4.5).
// The execution list is kept most-recent-first and trimmed to
// MaxExecutionsPerFlow, matching the FIFO eviction rule in spec.md §3.
func (s *Store) CreateExecution(ctx context.Context, flowID string, input map[string]any) (Execution, error) {
	if _, err := s.Get(ctx, flowID); err != nil {
		return Execution{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Execution{}, fmt.Errorf("flows: generate execution_id: %w", err)
	}

	exec := Execution{
		ExecutionID:  id.String(),
		FlowID:       flowID,
		Status:       ExecutionPending,
		InputData:    input,
		AgentResults: make(map[string]AgentResult),
	}

	if err := s.writeExecution(ctx, exec); err != nil {
		return Execution{}, err
	}
	if err := s.store.LPush(ctx, store.FlowExecutionsKey(flowID), exec.ExecutionID); err != nil {
		return Execution{}, fmt.Errorf("flows: create execution %s: index: %w", exec.ExecutionID, err)
	}
	if err := s.store.LTrim(ctx, store.FlowExecutionsKey(flowID), store.MaxExecutionsPerFlow); err != nil {
		return Execution{}, fmt.Errorf("flows: create execution %s: trim: %w", exec.ExecutionID, err)
	}

	return exec, nil
}

// UpdateExecution persists mutated fields of an in-flight or finished
// execution. The caller passes the full record it wants stored.
func (s *Store) UpdateExecution(ctx context.Context, exec Execution) error {
	return s.writeExecution(ctx, exec)
}

// GetExecution retrieves a single execution record.
func (s *Store) GetExecution(ctx context.Context, flowID, executionID string) (Execution, error) {
	fields, err := s.store.HGetAll(ctx, store.ExecutionKey(flowID, executionID))
	if err != nil {
		return Execution{}, fmt.Errorf("flows: get execution %s: %w", executionID, err)
	}
	if len(fields) == 0 {
		return Execution{}, ErrNotFound
	}
	return decodeExecution(fields)
}

// ListExecutions returns up to MaxExecutionsPerFlow executions for a flow,
// most-recent-first.
func (s *Store) ListExecutions(ctx context.Context, flowID string) ([]Execution, error) {
	ids, err := s.store.LRange(ctx, store.FlowExecutionsKey(flowID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("flows: list executions %s: %w", flowID, err)
	}

	out := make([]Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, flowID, id)
		if err != nil {
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *Store) writeExecution(ctx context.Context, exec Execution) error {
	input, err := json.Marshal(exec.InputData)
	if err != nil {
		return fmt.Errorf("flows: encode execution input: %w", err)
	}
	output, err := json.Marshal(exec.OutputData)
	if err != nil {
		return fmt.Errorf("flows: encode execution output: %w", err)
	}
	results, err := json.Marshal(exec.AgentResults)
	if err != nil {
		return fmt.Errorf("flows: encode execution agent_results: %w", err)
	}

	fields := map[string]string{
		"execution_id":  exec.ExecutionID,
		"flow_id":       exec.FlowID,
		"status":        string(exec.Status),
		"input_data":    string(input),
		"output_data":   string(output),
		"agent_results": string(results),
		"error":         exec.Error,
	}
	if !exec.StartedAt.IsZero() {
		fields["started_at"] = exec.StartedAt.Format(time.RFC3339Nano)
	}
	if !exec.CompletedAt.IsZero() {
		fields["completed_at"] = exec.CompletedAt.Format(time.RFC3339Nano)
	}

	if err := s.store.HSet(ctx, store.ExecutionKey(exec.FlowID, exec.ExecutionID), fields); err != nil {
		return fmt.Errorf("flows: write execution %s: %w", exec.ExecutionID, err)
	}
	return nil
}

func decodeExecution(fields map[string]string) (Execution, error) {
	exec := Execution{
		ExecutionID: fields["execution_id"],
		FlowID:      fields["flow_id"],
		Status:      ExecutionStatus(fields["status"]),
		Error:       fields["error"],
	}

	if raw := fields["input_data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &exec.InputData); err != nil {
			return Execution{}, fmt.Errorf("flows: decode execution input: %w", err)
		}
	}
	if raw := fields["output_data"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &exec.OutputData); err != nil {
			return Execution{}, fmt.Errorf("flows: decode execution output: %w", err)
		}
	}
	exec.AgentResults = make(map[string]AgentResult)
	if raw := fields["agent_results"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &exec.AgentResults); err != nil {
			return Execution{}, fmt.Errorf("flows: decode execution agent_results: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["started_at"]); err == nil {
		exec.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["completed_at"]); err == nil {
		exec.CompletedAt = t
	}

	return exec, nil
}

// Export projects a flow into its portable representation (spec.md §4.5).
// AddedAt timestamps are dropped; the round-trip equality property in
// spec.md §8 is over {name, description, agents} only.
func (s *Store) Export(ctx context.Context, flowID, platformVersion string) (ExportedFlow, error) {
	flow, err := s.Get(ctx, flowID)
	if err != nil {
		return ExportedFlow{}, err
	}

	agents := make([]ExportedFlowAgent, len(flow.Agents))
	for i, a := range flow.Agents {
		agents[i] = ExportedFlowAgent{
			AgentName:      a.AgentName,
			UpstreamAgents: a.UpstreamAgents,
			Required:       a.Required,
			Description:    a.Description,
		}
	}

	return ExportedFlow{
		Name:        flow.Name,
		Description: flow.Description,
		Agents:      agents,
		Metadata: ExportMetadata{
			ExportedAt:      now(),
			PlatformVersion: platformVersion,
			AgentCount:      len(agents),
			OriginalFlowID:  flow.FlowID,
		},
	}, nil
}

// ImportWarning reports a deferred-validation finding from Import — the
// import still succeeds, per spec.md §4.5, but the caller should surface
// these to the operator.
type ImportWarning struct {
	AgentName string
	Reason    string
}

// Import creates (or replaces) a flow from an exported representation,
// following the overwrite/collision matrix in spec.md §4.5:
//
//	no name collision                      -> always create
//	collision, overwrite_existing=false    -> ErrNameConflict
//	collision, overwrite_existing=true     -> delete the old flow (and its
//	                                           executions; its flow_id stops
//	                                           resolving) and create fresh
//
// When checker is non-nil and req.ValidateAgents is set, agent names absent
// from the registry are reported as warnings rather than failing the import.
func (s *Store) Import(ctx context.Context, req ImportRequest, checker AgentChecker) (Flow, []ImportWarning, error) {
	agents := make([]FlowAgent, len(req.Agents))
	for i, a := range req.Agents {
		agents[i] = FlowAgent{
			AgentName:      a.AgentName,
			UpstreamAgents: a.UpstreamAgents,
			Required:       a.Required,
			Description:    a.Description,
		}
	}

	existing, findErr := s.findByName(ctx, req.Name)
	if findErr != nil {
		return Flow{}, nil, findErr
	}
	if existing != nil {
		if !req.OverwriteExisting {
			return Flow{}, nil, ErrNameConflict
		}
		if err := s.Delete(ctx, existing.FlowID); err != nil {
			return Flow{}, nil, fmt.Errorf("flows: import: replace existing flow: %w", err)
		}
	}

	flow, err := s.Create(ctx, req.Name, req.Description, agents)
	if err != nil {
		return Flow{}, nil, err
	}
	if req.OriginalFlowID != "" {
		flow.ImportedFrom = req.OriginalFlowID
		if err := s.writeFlow(ctx, flow); err != nil {
			return Flow{}, nil, err
		}
	}

	var warnings []ImportWarning
	if req.ValidateAgents && checker != nil {
		for _, a := range agents {
			ok, err := checker.Exists(ctx, a.AgentName)
			if err != nil {
				return flow, warnings, fmt.Errorf("flows: import: validate agent %s: %w", a.AgentName, err)
			}
			if !ok {
				warnings = append(warnings, ImportWarning{
					AgentName: a.AgentName,
					Reason:    "agent is not currently registered",
				})
			}
		}
	}

	return flow, warnings, nil
}

func (s *Store) findByName(ctx context.Context, name string) (*Flow, error) {
	flowsList, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range flowsList {
		if flowsList[i].Name == name {
			return &flowsList[i], nil
		}
	}
	return nil, nil
}

// SweepOrphanedRunning transitions every execution still marked running at
// process start to failed. A running execution can only survive past
// process restart if the process that was driving it crashed mid-flight —
// there is no resumption path, so the honest status is failed (SPEC_FULL.md
// Design Notes).
func (s *Store) SweepOrphanedRunning(ctx context.Context) (int, error) {
	flowsList, err := s.List(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, flow := range flowsList {
		execs, err := s.ListExecutions(ctx, flow.FlowID)
		if err != nil {
			return swept, err
		}
		for _, exec := range execs {
			if exec.Status != ExecutionRunning {
				continue
			}
			exec.Status = ExecutionFailed
			exec.Error = "execution was still running when the platform process restarted"
			exec.CompletedAt = now()
			if err := s.writeExecution(ctx, exec); err != nil {
				return swept, err
			}
			swept++
		}
	}
	return swept, nil
}
