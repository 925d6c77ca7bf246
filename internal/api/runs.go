package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/registry"
)

// RunHandler implements the single-agent invocation route (spec.md §6,
// "Create run"). No retry is applied on this path — retries are a
// flow-engine property (spec.md §7).
type RunHandler struct {
	reg    *registry.Registry
	rpc    *agentrpc.Client
	logger *zap.Logger
}

// NewRunHandler builds a RunHandler.
func NewRunHandler(reg *registry.Registry, rpc *agentrpc.Client, logger *zap.Logger) *RunHandler {
	return &RunHandler{reg: reg, rpc: rpc, logger: logger.Named("run_handler")}
}

type createRunRequest struct {
	AgentName string             `json:"agent_name"`
	Messages  []agentrpc.Message `json:"messages"`
}

// Create handles POST /runs.
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentName == "" {
		ErrBadRequest(w, "agent_name is required")
		return
	}

	agent, err := h.reg.Get(r.Context(), req.AgentName)
	if errors.Is(err, registry.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to look up agent for run", zap.String("agent_name", req.AgentName), zap.Error(err))
		ErrInternal(w)
		return
	}

	runID, err := uuid.NewV7()
	if err != nil {
		ErrInternal(w)
		return
	}

	output, err := h.rpc.Invoke(r.Context(), agent.BaseURL, agent.AuthToken, agent.AgentName, req.Messages)
	if err != nil {
		h.logger.Warn("agent invocation failed", zap.String("agent_name", agent.AgentName), zap.Error(err))
		JSON(w, http.StatusInternalServerError, envelope{
			"run_id": runID.String(),
			"status": "failed",
			"error":  err.Error(),
		})
		return
	}

	Ok(w, map[string]any{
		"run_id": runID.String(),
		"status": "completed",
		"output": output,
	})
}
