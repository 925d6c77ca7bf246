// Package registry maintains the CRUD-level agent record, grounded on the
// teacher's repository-over-store shape (see repositories/agent.go) but
// generalized from GORM rows to the abstract store.Store hash/set
// primitives described in the platform spec.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentflow/agentflow/internal/store"
)

var (
	// ErrAlreadyExists is returned by Register when agent_name is already
	// present, active or not.
	ErrAlreadyExists = errors.New("registry: agent already exists")
	// ErrNotFound is returned when an operation names an unknown agent.
	ErrNotFound = errors.New("registry: agent not found")
	// ErrInvalid is returned for validation failures (empty name, empty
	// capabilities).
	ErrInvalid = errors.New("registry: invalid agent record")
)

// Status is the liveness state of a registered agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// Agent is the persistent agent record (spec.md §3).
type Agent struct {
	AgentName string `json:"agent_name"`
	AgentType string `json:"agent_type"`
	Version   string `json:"version"`

	BaseURL   string `json:"base_url"`
	AuthToken string `json:"auth_token"`
	Port      int    `json:"port"`

	Capabilities       []string          `json:"capabilities"`
	Tags               []string          `json:"tags"`
	Description        string            `json:"description"`
	Contact            string            `json:"contact"`
	Metadata           map[string]string `json:"metadata"`
	InputContentTypes  []string          `json:"input_content_types"`
	OutputContentTypes []string          `json:"output_content_types"`

	Status        Status    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastVerified  time.Time `json:"last_verified"`
}

// Validate enforces the data-model invariants that are checked before the
// record ever reaches the store: non-empty name, non-empty capabilities,
// and the content-type defaults.
func (a *Agent) Validate() error {
	if strings.TrimSpace(a.AgentName) == "" {
		return fmt.Errorf("%w: agent_name is required", ErrInvalid)
	}
	if len(a.Capabilities) == 0 {
		return fmt.Errorf("%w: capabilities must not be empty", ErrInvalid)
	}
	if len(a.InputContentTypes) == 0 {
		a.InputContentTypes = []string{"*/*"}
	}
	if len(a.OutputContentTypes) == 0 {
		a.OutputContentTypes = []string{"*/*"}
	}
	return nil
}

// Registry is the CRUD layer over the agent record described by spec.md §4.3.
type Registry struct {
	store store.Store
}

// New returns a Registry backed by the given Store.
func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// Register performs an atomic insert-if-absent on agent_name, stamping
// registered_at/last_verified and forcing status=active. Returns
// ErrAlreadyExists if the name is taken, even by an inactive record — per
// spec.md §4.3, re-registration semantics live one layer up in the router.
func (r *Registry) Register(ctx context.Context, agent Agent) (Agent, error) {
	if err := agent.Validate(); err != nil {
		return Agent{}, err
	}

	now := time.Now().UTC()
	agent.Status = StatusActive
	agent.RegisteredAt = now
	agent.LastVerified = now

	encoded, err := encodeAgent(agent)
	if err != nil {
		return Agent{}, err
	}

	claimed, err := r.store.HSetNX(ctx, store.AgentKey(agent.AgentName), encoded)
	if err != nil {
		return Agent{}, fmt.Errorf("registry: register %s: %w", agent.AgentName, err)
	}
	if !claimed {
		return Agent{}, ErrAlreadyExists
	}

	if err := r.store.SAdd(ctx, store.AgentsSet, agent.AgentName); err != nil {
		return Agent{}, fmt.Errorf("registry: register %s: index: %w", agent.AgentName, err)
	}

	return agent, nil
}

// Get retrieves a single agent record by name.
func (r *Registry) Get(ctx context.Context, name string) (Agent, error) {
	fields, err := r.store.HGetAll(ctx, store.AgentKey(name))
	if err != nil {
		return Agent{}, fmt.Errorf("registry: get %s: %w", name, err)
	}
	if len(fields) == 0 {
		return Agent{}, ErrNotFound
	}
	return decodeAgent(fields)
}

// List returns every registered agent. Order is unspecified.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	names, err := r.store.SMembers(ctx, store.AgentsSet)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}

	agents := make([]Agent, 0, len(names))
	for _, name := range names {
		a, err := r.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			// Index/record drift (e.g. a concurrent delete) — skip rather
			// than fail the whole listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Delete removes an agent record and its set membership. Deleting an
// unknown agent is not an error — callers that already confirmed existence
// treat the absence of the record as terminal either way.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if err := r.store.Del(ctx, store.AgentKey(name)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	if err := r.store.SRem(ctx, store.AgentsSet, name); err != nil {
		return fmt.Errorf("registry: delete %s: index: %w", name, err)
	}
	return nil
}

// CleanupAll removes every registered agent and returns how many were
// removed.
func (r *Registry) CleanupAll(ctx context.Context) (int, error) {
	names, err := r.store.SMembers(ctx, store.AgentsSet)
	if err != nil {
		return 0, fmt.Errorf("registry: cleanup: %w", err)
	}
	for _, name := range names {
		if err := r.Delete(ctx, name); err != nil {
			return 0, err
		}
	}
	return len(names), nil
}

// UpdateStatus sets status and stamps last_verified=now. Returns ErrNotFound
// if the agent does not exist.
func (r *Registry) UpdateStatus(ctx context.Context, name string, status Status) error {
	exists, err := r.store.Exists(ctx, store.AgentKey(name))
	if err != nil {
		return fmt.Errorf("registry: update status %s: %w", name, err)
	}
	if !exists {
		return ErrNotFound
	}

	fields := map[string]string{
		"status":        string(status),
		"last_verified": time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.store.HSet(ctx, store.AgentKey(name), fields); err != nil {
		return fmt.Errorf("registry: update status %s: %w", name, err)
	}
	return nil
}

// Exists reports whether an agent is currently registered.
func (r *Registry) Exists(ctx context.Context, name string) (bool, error) {
	return r.store.Exists(ctx, store.AgentKey(name))
}

func encodeAgent(a Agent) (map[string]string, error) {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("registry: encode capabilities: %w", err)
	}
	tags, err := json.Marshal(a.Tags)
	if err != nil {
		return nil, fmt.Errorf("registry: encode tags: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("registry: encode metadata: %w", err)
	}
	inTypes, err := json.Marshal(a.InputContentTypes)
	if err != nil {
		return nil, fmt.Errorf("registry: encode input_content_types: %w", err)
	}
	outTypes, err := json.Marshal(a.OutputContentTypes)
	if err != nil {
		return nil, fmt.Errorf("registry: encode output_content_types: %w", err)
	}

	return map[string]string{
		"agent_name":           a.AgentName,
		"agent_type":           a.AgentType,
		"version":              a.Version,
		"base_url":             a.BaseURL,
		"auth_token":           a.AuthToken,
		"port":                 fmt.Sprintf("%d", a.Port),
		"capabilities":         string(caps),
		"tags":                 string(tags),
		"description":          a.Description,
		"contact":              a.Contact,
		"metadata":             string(metadata),
		"input_content_types":  string(inTypes),
		"output_content_types": string(outTypes),
		"status":               string(a.Status),
		"registered_at":        a.RegisteredAt.Format(time.RFC3339),
		"last_verified":        a.LastVerified.Format(time.RFC3339),
	}, nil
}

func decodeAgent(fields map[string]string) (Agent, error) {
	var a Agent
	a.AgentName = fields["agent_name"]
	a.AgentType = fields["agent_type"]
	a.Version = fields["version"]
	a.BaseURL = fields["base_url"]
	a.AuthToken = fields["auth_token"]
	fmt.Sscanf(fields["port"], "%d", &a.Port) //nolint:errcheck

	if err := json.Unmarshal([]byte(orEmptyArray(fields["capabilities"])), &a.Capabilities); err != nil {
		return Agent{}, fmt.Errorf("registry: decode capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(orEmptyArray(fields["tags"])), &a.Tags); err != nil {
		return Agent{}, fmt.Errorf("registry: decode tags: %w", err)
	}
	if raw := fields["metadata"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.Metadata); err != nil {
			return Agent{}, fmt.Errorf("registry: decode metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(orEmptyArray(fields["input_content_types"])), &a.InputContentTypes); err != nil {
		return Agent{}, fmt.Errorf("registry: decode input_content_types: %w", err)
	}
	if err := json.Unmarshal([]byte(orEmptyArray(fields["output_content_types"])), &a.OutputContentTypes); err != nil {
		return Agent{}, fmt.Errorf("registry: decode output_content_types: %w", err)
	}

	a.Description = fields["description"]
	a.Contact = fields["contact"]
	a.Status = Status(fields["status"])

	if t, err := time.Parse(time.RFC3339, fields["registered_at"]); err == nil {
		a.RegisteredAt = t
	}
	if t, err := time.Parse(time.RFC3339, fields["last_verified"]); err == nil {
		a.LastVerified = t
	}

	return a, nil
}

func orEmptyArray(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}
