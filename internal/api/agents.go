package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/registry"
	"github.com/agentflow/agentflow/internal/supervisor"
)

// AgentHandler implements the registration, listing, manifest, and
// cleanup operations of spec.md §6's agent routes.
type AgentHandler struct {
	reg    *registry.Registry
	sup    *supervisor.Supervisor
	rpc    *agentrpc.Client
	logger *zap.Logger
}

// NewAgentHandler builds an AgentHandler.
func NewAgentHandler(reg *registry.Registry, sup *supervisor.Supervisor, rpc *agentrpc.Client, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{reg: reg, sup: sup, rpc: rpc, logger: logger.Named("agent_handler")}
}

type registerAgentRequest struct {
	AgentName          string            `json:"agent_name"`
	AgentType          string            `json:"agent_type"`
	Version            string            `json:"version"`
	BaseURL            string            `json:"base_url"`
	AuthToken          string            `json:"auth_token"`
	Port               int               `json:"port"`
	Capabilities       []string          `json:"capabilities"`
	Tags               []string          `json:"tags"`
	Description        string            `json:"description"`
	Contact            string            `json:"contact"`
	Metadata           map[string]string `json:"metadata"`
	InputContentTypes  []string          `json:"input_content_types"`
	OutputContentTypes []string          `json:"output_content_types"`
}

// Register handles POST /platform/agents/register (spec.md §4.3, §6).
//
// Enforces the post-registration verify-and-supervise handshake: a
// successful insert is followed by a synchronous verification probe; on
// failure the record is deleted and an error surfaces to the caller; on
// success the supervisor is asked to spawn a prober.
//
// Also implements re-registration after restart (spec.md §4.4): if the name
// is already taken but the supervisor has no prober running for it — a
// platform restart left a stale record — the handler replaces it rather
// than failing with Conflict.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	agent := registry.Agent{
		AgentName:          req.AgentName,
		AgentType:          req.AgentType,
		Version:            req.Version,
		BaseURL:            req.BaseURL,
		AuthToken:          req.AuthToken,
		Port:               req.Port,
		Capabilities:       req.Capabilities,
		Tags:               req.Tags,
		Description:        req.Description,
		Contact:            req.Contact,
		Metadata:           req.Metadata,
		InputContentTypes:  req.InputContentTypes,
		OutputContentTypes: req.OutputContentTypes,
	}

	registered, err := h.reg.Register(r.Context(), agent)
	if errors.Is(err, registry.ErrAlreadyExists) {
		if h.sup.IsWatched(agent.AgentName) {
			ErrConflict(w, "agent_name already registered")
			return
		}
		// Stale record from a prior platform restart — replace it.
		if delErr := h.reg.Delete(r.Context(), agent.AgentName); delErr != nil {
			h.logger.Error("failed to clear stale agent record", zap.String("agent_name", agent.AgentName), zap.Error(delErr))
			ErrInternal(w)
			return
		}
		registered, err = h.reg.Register(r.Context(), agent)
	}
	if errors.Is(err, registry.ErrInvalid) {
		ErrBadRequest(w, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("failed to register agent", zap.String("agent_name", agent.AgentName), zap.Error(err))
		ErrInternal(w)
		return
	}

	if !h.rpc.ProbeReachable(r.Context(), registered.BaseURL, registered.AuthToken) {
		if delErr := h.reg.Delete(r.Context(), registered.AgentName); delErr != nil {
			h.logger.Error("failed to compensate after verification failure", zap.String("agent_name", registered.AgentName), zap.Error(delErr))
		}
		ErrBadRequest(w, "post-registration verification failed: agent unreachable")
		return
	}

	h.sup.Spawn(context.Background(), registered)

	Ok(w, map[string]any{"name": registered.AgentName, "status": string(registered.Status)})
}

// Delete handles DELETE /platform/agents/{name}.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	exists, err := h.reg.Exists(r.Context(), name)
	if err != nil {
		h.logger.Error("failed to check agent existence", zap.String("agent_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !exists {
		ErrNotFound(w)
		return
	}

	h.sup.Stop(name)
	if err := h.reg.Delete(r.Context(), name); err != nil {
		h.logger.Error("failed to delete agent", zap.String("agent_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, map[string]any{"name": name, "deleted": true})
}

// Cleanup handles DELETE /platform/agents/cleanup.
func (h *AgentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	h.sup.StopAll()
	count, err := h.reg.CleanupAll(r.Context())
	if err != nil {
		h.logger.Error("failed to cleanup agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"deleted_count": count})
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.reg.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]any{"agents": agents})
}

// GetManifest handles GET /agents/{name}.
func (h *AgentHandler) GetManifest(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	agent, err := h.reg.Get(r.Context(), name)
	if errors.Is(err, registry.ErrNotFound) {
		ErrNotFound(w)
		return
	}
	if err != nil {
		h.logger.Error("failed to get agent", zap.String("agent_name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, agent)
}
