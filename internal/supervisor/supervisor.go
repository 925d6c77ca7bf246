// Package supervisor owns one background liveness-probing task per
// registered agent. It is grounded on the teacher's agentmanager.Manager —
// an in-memory registry of per-agent handles guarded by a mutex — but the
// handle here is a cancellable probe loop instead of an open gRPC stream,
// and the per-agent ticker/select shape follows the reconnect loop in
// agent/internal/connection/manager.go.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/registry"
)

// Config controls probing cadence and the eviction threshold.
type Config struct {
	// PingInterval is how long a prober sleeps between probes. Default 3s.
	PingInterval time.Duration
	// MaxFailures is the number of consecutive failures before an agent is
	// evicted from the registry. Default 3.
	MaxFailures int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 3 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	return c
}

// Prober is the subset of agentrpc.Client the supervisor depends on —
// narrowed to make tests cheap to fake.
type Prober interface {
	Probe(ctx context.Context, baseURL, authToken string) bool
	ProbeReachable(ctx context.Context, baseURL, authToken string) bool
}

// Supervisor owns the mapping from agent_name to a running prober task. No
// other component may cancel or replace an entry in this map — per
// spec.md §9, the owned handle lives here alone.
type Supervisor struct {
	reg    *registry.Registry
	rpc    Prober
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	done    map[string]chan struct{}

	metrics *metrics.Metrics
}

// WithMetrics attaches a Metrics instance the supervisor reports probe
// outcomes and eviction counts to. Optional — a nil-metrics Supervisor skips
// instrumentation entirely.
func (s *Supervisor) WithMetrics(m *metrics.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// New returns a Supervisor. Call Restore once at startup before accepting
// traffic, per spec.md §4.4.
func New(reg *registry.Registry, rpc Prober, cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		reg:     reg,
		rpc:     rpc,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("supervisor"),
		cancels: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
	}
}

// Spawn starts a prober for the given agent. Idempotent: if a prober
// already exists for this name it is cancelled first, matching spec.md
// §4.4's "spawning is idempotent" rule.
func (s *Supervisor) Spawn(parent context.Context, agent registry.Agent) {
	s.Stop(agent.AgentName)

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancels[agent.AgentName] = cancel
	s.done[agent.AgentName] = done
	watched := len(s.cancels)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AgentsWatched.Set(float64(watched))
	}

	go s.run(ctx, agent, done)
}

// Stop cancels the prober for name, if any, and waits for its loop to exit.
// Safe to call for an agent with no running prober.
func (s *Supervisor) Stop(name string) {
	s.mu.Lock()
	cancel, ok := s.cancels[name]
	done := s.done[name]
	delete(s.cancels, name)
	delete(s.done, name)
	watched := len(s.cancels)
	s.mu.Unlock()

	if !ok {
		return
	}
	if s.metrics != nil {
		s.metrics.AgentsWatched.Set(float64(watched))
	}
	cancel()
	<-done
}

// StopAll cancels every running prober. Used on graceful shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.cancels))
	for name := range s.cancels {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		s.Stop(name)
	}
}

// IsWatched reports whether a prober is currently running for name. Exposed
// for tests and for the property in spec.md §8: "either a prober task
// exists OR the process is within the startup-restoration window OR
// status=inactive."
func (s *Supervisor) IsWatched(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cancels[name]
	return ok
}

// run is the per-agent loop described in spec.md §4.4: sleep, probe, track
// consecutive failures, evict after MaxFailures, exit cleanly on
// cancellation.
func (s *Supervisor) run(ctx context.Context, agent registry.Agent, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PingInterval):
		}

		if ctx.Err() != nil {
			return
		}

		ok := s.rpc.Probe(ctx, agent.BaseURL, agent.AuthToken)
		if s.metrics != nil {
			if ok {
				s.metrics.ProbesTotal.WithLabelValues("success").Inc()
			} else {
				s.metrics.ProbesTotal.WithLabelValues("failure").Inc()
			}
		}
		if ok {
			failures = 0
			if err := s.reg.UpdateStatus(ctx, agent.AgentName, registry.StatusActive); err != nil {
				s.logger.Warn("failed to record successful probe",
					zap.String("agent_name", agent.AgentName),
					zap.Error(err),
				)
			}
			continue
		}

		failures++
		s.logger.Warn("probe failed",
			zap.String("agent_name", agent.AgentName),
			zap.Int("consecutive_failures", failures),
		)

		if failures >= s.cfg.MaxFailures {
			if err := s.reg.Delete(ctx, agent.AgentName); err != nil {
				s.logger.Error("failed to evict agent after repeated probe failures",
					zap.String("agent_name", agent.AgentName),
					zap.Error(err),
				)
			} else {
				s.logger.Warn("agent evicted after repeated probe failures",
					zap.String("agent_name", agent.AgentName),
					zap.Int("max_failures", s.cfg.MaxFailures),
				)
			}

			s.mu.Lock()
			delete(s.cancels, agent.AgentName)
			delete(s.done, agent.AgentName)
			watched := len(s.cancels)
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.AgentsEvicted.Inc()
				s.metrics.AgentsWatched.Set(float64(watched))
			}
			return
		}
	}
}

// Restore performs startup reconciliation (spec.md §4.4): for every
// registered agent, a one-shot verification probe decides whether to spawn
// a live prober or mark the agent inactive. Unreachable agents are never
// deleted here — only the live eviction loop deletes, so a brief platform
// restart does not amplify into mass deregistration.
func (s *Supervisor) Restore(ctx context.Context) error {
	agents, err := s.reg.List(ctx)
	if err != nil {
		return err
	}

	for _, agent := range agents {
		if s.rpc.ProbeReachable(ctx, agent.BaseURL, agent.AuthToken) {
			s.Spawn(ctx, agent)
			continue
		}

		if err := s.reg.UpdateStatus(ctx, agent.AgentName, registry.StatusInactive); err != nil {
			s.logger.Warn("failed to mark unreachable agent inactive during restore",
				zap.String("agent_name", agent.AgentName),
				zap.Error(err),
			)
		}
	}

	return nil
}
