package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/flows"
	"github.com/agentflow/agentflow/internal/registry"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/supervisor"
)

// newFakeAgentServer returns an httptest server that answers /healthz,
// /agents, and /run the way a real agent process would — /run echoes the
// incoming messages back unchanged as its reply.
func newFakeAgentServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/run", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []agentrpc.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": body.Messages})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T) (http.Handler, *registry.Registry, *flows.Store) {
	t.Helper()
	s := store.NewMemory()
	reg := registry.New(s)
	flowStore := flows.New(s)
	rpc := agentrpc.New()
	sup := supervisor.New(reg, rpc, supervisor.Config{PingInterval: time.Hour}, zap.NewNop())
	eng := engine.New(reg, flowStore, rpc, engine.Config{RetryCount: 1, RetryDelay: time.Millisecond}, zap.NewNop())

	router := NewRouter(RouterConfig{
		Registry:        reg,
		Supervisor:      sup,
		FlowStore:       flowStore,
		Engine:          eng,
		RPC:             rpc,
		Logger:          zap.NewNop(),
		PlatformVersion: "test",
	})
	t.Cleanup(sup.StopAll)

	return router, reg, flowStore
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(payload))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterListDeleteAgent(t *testing.T) {
	router, _, _ := newTestRouter(t)
	agentSrv := newFakeAgentServer(t)

	rec := doJSON(t, router, http.MethodPost, "/platform/agents/register", registerAgentRequest{
		AgentName:    "summarizer",
		Capabilities: []string{"summarize"},
		BaseURL:      agentSrv.URL,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/agents/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))

	rec = doJSON(t, router, http.MethodDelete, "/platform/agents/summarizer", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/agents/summarizer", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRejectsUnreachableAgent(t *testing.T) {
	router, reg, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/platform/agents/register", registerAgentRequest{
		AgentName:    "unreachable",
		Capabilities: []string{"x"},
		BaseURL:      "http://127.0.0.1:0",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	exists, err := reg.Exists(t.Context(), "unreachable")
	require.NoError(t, err)
	assert.False(t, exists, "failed verification must compensate by deleting the record")
}

func TestRegisterDuplicateNameConflicts(t *testing.T) {
	router, _, _ := newTestRouter(t)
	agentSrv := newFakeAgentServer(t)

	body := registerAgentRequest{AgentName: "dup", Capabilities: []string{"x"}, BaseURL: agentSrv.URL}
	rec := doJSON(t, router, http.MethodPost, "/platform/agents/register", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/platform/agents/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFlowCreateExecuteAndExport(t *testing.T) {
	router, _, _ := newTestRouter(t)
	agentSrv := newFakeAgentServer(t)

	rec := doJSON(t, router, http.MethodPost, "/platform/agents/register", registerAgentRequest{
		AgentName: "echoer", Capabilities: []string{"x"}, BaseURL: agentSrv.URL,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/flows/", createFlowRequest{
		Name: "echo-flow",
		Agents: []flowAgentRequest{
			{AgentName: "echoer", Required: true},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	data := created["data"].(map[string]any)
	flowID := data["flow_id"].(string)

	rec = doJSON(t, router, http.MethodPost, fmt.Sprintf("/flows/%s/execute", flowID), executeFlowRequest{
		InputData: map[string]any{"hello": "world"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var execResp envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execResp))
	result := execResp["data"].(map[string]any)["result"].(map[string]any)
	assert.Equal(t, "completed", result["status"])

	rec = doJSON(t, router, http.MethodGet, fmt.Sprintf("/flows/%s/export", flowID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExecuteUnknownFlowReturnsNotFound(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/flows/does-not-exist/execute", executeFlowRequest{})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportNameConflictThenOverwrite(t *testing.T) {
	router, _, flowStore := newTestRouter(t)

	_, err := flowStore.Create(t.Context(), "shared", "", nil)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/flows/import", importFlowRequest{
		Name:   "shared",
		Agents: []flows.ExportedFlowAgent{{AgentName: "a"}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/flows/import", importFlowRequest{
		Name:              "shared",
		Agents:            []flows.ExportedFlowAgent{{AgentName: "a"}},
		OverwriteExisting: true,
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}
