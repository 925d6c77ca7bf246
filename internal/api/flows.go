package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/flows"
)

// FlowHandler implements the flow CRUD, agent-membership, execute,
// execution-listing, and export/import routes of spec.md §6.
type FlowHandler struct {
	store           *flows.Store
	engine          *engine.Engine
	checker         flows.AgentChecker
	platformVersion string
	logger          *zap.Logger
}

// NewFlowHandler builds a FlowHandler.
func NewFlowHandler(store *flows.Store, eng *engine.Engine, checker flows.AgentChecker, platformVersion string, logger *zap.Logger) *FlowHandler {
	return &FlowHandler{
		store:           store,
		engine:          eng,
		checker:         checker,
		platformVersion: platformVersion,
		logger:          logger.Named("flow_handler"),
	}
}

type flowAgentRequest struct {
	AgentName      string   `json:"agent_name"`
	UpstreamAgents []string `json:"upstream_agents"`
	Required       bool     `json:"required"`
	Description    string   `json:"description"`
}

type createFlowRequest struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Agents      []flowAgentRequest `json:"agents"`
}

func toFlowAgents(reqs []flowAgentRequest) []flows.FlowAgent {
	agents := make([]flows.FlowAgent, len(reqs))
	for i, a := range reqs {
		agents[i] = flows.FlowAgent{
			AgentName:      a.AgentName,
			UpstreamAgents: a.UpstreamAgents,
			Required:       a.Required,
			Description:    a.Description,
		}
	}
	return agents
}

// Create handles POST /flows.
func (h *FlowHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	flow, err := h.store.Create(r.Context(), req.Name, req.Description, toFlowAgents(req.Agents))
	if err != nil {
		h.writeCreateErr(w, err)
		return
	}
	Created(w, map[string]any{"flow_id": flow.FlowID})
}

func (h *FlowHandler) writeCreateErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flows.ErrNameConflict):
		ErrConflict(w, err.Error())
	case errors.Is(err, flows.ErrInvalid):
		ErrBadRequest(w, err.Error())
	default:
		h.logger.Error("flow store error", zap.Error(err))
		ErrInternal(w)
	}
}

// List handles GET /flows.
func (h *FlowHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list flows", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"flows": list})
}

// Get handles GET /flows/{id}.
func (h *FlowHandler) Get(w http.ResponseWriter, r *http.Request) {
	flow, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to get flow", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, flow)
}

// Delete handles DELETE /flows/{id}.
func (h *FlowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.Get(r.Context(), id); errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		h.logger.Error("failed to delete flow", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"flow_id": id, "deleted": true})
}

// AddAgent handles POST /flows/{id}/agents.
func (h *FlowHandler) AddAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req flowAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	flow, err := h.store.AddAgent(r.Context(), id, flows.FlowAgent{
		AgentName:      req.AgentName,
		UpstreamAgents: req.UpstreamAgents,
		Required:       req.Required,
		Description:    req.Description,
	})
	switch {
	case errors.Is(err, flows.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, flows.ErrInvalid):
		ErrConflict(w, err.Error())
	case err != nil:
		h.logger.Error("failed to add flow agent", zap.Error(err))
		ErrInternal(w)
	default:
		Ok(w, flow)
	}
}

// RemoveAgent handles DELETE /flows/{id}/agents/{agent_name}.
func (h *FlowHandler) RemoveAgent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agentName := chi.URLParam(r, "agent_name")

	flow, err := h.store.RemoveAgent(r.Context(), id, agentName)
	switch {
	case errors.Is(err, flows.ErrNotFound):
		ErrNotFound(w)
	case err != nil:
		h.logger.Error("failed to remove flow agent", zap.Error(err))
		ErrInternal(w)
	default:
		Ok(w, flow)
	}
}

type executeFlowRequest struct {
	InputData map[string]any `json:"input_data"`
}

// Execute handles POST /flows/{id}/execute.
func (h *FlowHandler) Execute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req executeFlowRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	flow, err := h.store.Get(r.Context(), id)
	if errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to load flow for execution", zap.Error(err))
		ErrInternal(w)
		return
	}

	exec, err := h.engine.Execute(r.Context(), flow, req.InputData)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}
	Ok(w, map[string]any{"result": exec})
}

// ListExecutions handles GET /flows/{id}/executions.
func (h *FlowHandler) ListExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.Get(r.Context(), id); errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list executions", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"executions": execs})
}

// GetExecution handles GET /flows/{id}/executions/{exec_id}.
func (h *FlowHandler) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	execID := chi.URLParam(r, "exec_id")

	exec, err := h.store.GetExecution(r.Context(), id, execID)
	if errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to get execution", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, exec)
}

// Export handles GET /flows/{id}/export.
func (h *FlowHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	exported, err := h.store.Export(r.Context(), id, h.platformVersion)
	if errors.Is(err, flows.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to export flow", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, exported)
}

type importFlowRequest struct {
	Name              string                    `json:"name"`
	Description       string                    `json:"description"`
	Agents            []flows.ExportedFlowAgent `json:"agents"`
	OverwriteExisting bool                      `json:"overwrite_existing"`
	ValidateAgents    bool                      `json:"validate_agents"`
	OriginalFlowID    string                    `json:"original_flow_id"`
}

// Import handles POST /flows/import.
func (h *FlowHandler) Import(w http.ResponseWriter, r *http.Request) {
	var req importFlowRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	flow, warnings, err := h.store.Import(r.Context(), flows.ImportRequest{
		Name:              req.Name,
		Description:       req.Description,
		Agents:            req.Agents,
		OverwriteExisting: req.OverwriteExisting,
		ValidateAgents:    req.ValidateAgents,
		OriginalFlowID:    req.OriginalFlowID,
	}, h.checker)
	switch {
	case errors.Is(err, flows.ErrNameConflict):
		ErrConflict(w, err.Error())
	case errors.Is(err, flows.ErrInvalid):
		ErrBadRequest(w, err.Error())
	case err != nil:
		h.logger.Error("failed to import flow", zap.Error(err))
		ErrInternal(w)
	default:
		Created(w, map[string]any{"flow_id": flow.FlowID, "warnings": warnings})
	}
}
