// Package supervisor starts the pipeline components in dependency order,
// stops them in reverse, and aggregates their self-reported health.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// State is a component's self-reported health state.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is one component's health report.
type Status struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Component is a long-running pipeline service managed by the supervisor.
// Start must return promptly once the component's worker is running; Stop
// must stop accepting new work immediately and drain within the deadline on
// the passed context.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() Status
}

// StopTimeout bounds each component's drain during shutdown.
const StopTimeout = 5 * time.Second

// Supervisor owns the component set and the shutdown order.
type Supervisor struct {
	clock timeutil.Clock

	mu        sync.Mutex
	comps     []Component
	started   []Component
	startedAt time.Time
}

// New creates a supervisor over the given components, listed in start order.
func New(clock timeutil.Clock, comps ...Component) *Supervisor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Supervisor{clock: clock, comps: comps}
}

// Start brings up every component in order. If one fails, the ones already
// started are stopped in reverse and the error is returned; a start failure
// is fatal to the process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt = s.clock.Now()
	for _, c := range s.comps {
		if err := c.Start(ctx); err != nil {
			monitoring.Logf("supervisor: start of %s failed: %v", c.Name(), err)
			s.stopLocked()
			return fmt.Errorf("failed to start %s: %w", c.Name(), err)
		}
		monitoring.Logf("supervisor: started %s", c.Name())
		s.started = append(s.started, c)
	}
	return nil
}

// Stop shuts the started components down in reverse order, giving each a
// bounded drain window.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Supervisor) stopLocked() {
	for i := len(s.started) - 1; i >= 0; i-- {
		c := s.started[i]
		ctx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		if err := c.Stop(ctx); err != nil {
			monitoring.Logf("supervisor: stop of %s: %v", c.Name(), err)
		} else {
			monitoring.Logf("supervisor: stopped %s", c.Name())
		}
		cancel()
	}
	s.started = nil
}

// ComponentHealth is one entry in a health snapshot.
type ComponentHealth struct {
	State  State  `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is the aggregate health of the pipeline, served by /api/health.
type Snapshot struct {
	Status     State                      `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	TopicAges  map[string]float64         `json:"last_event_age_s,omitempty"`
	UptimeS    float64                    `json:"uptime_s"`
}

// Health aggregates every component's self-reported state. The overall
// status is the worst individual state.
func (s *Supervisor) Health(topicAges map[string]float64) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Status:     StateHealthy,
		Components: make(map[string]ComponentHealth, len(s.comps)),
		TopicAges:  topicAges,
		UptimeS:    s.clock.Since(s.startedAt).Seconds(),
	}
	for _, c := range s.comps {
		st := c.Health()
		snap.Components[c.Name()] = ComponentHealth{State: st.State, Detail: st.Detail}
		if worse(st.State, snap.Status) {
			snap.Status = st.State
		}
	}
	return snap
}

// Unhealthy reports whether any component is unhealthy.
func (s *Supervisor) Unhealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.comps {
		if c.Health().State == StateUnhealthy {
			return true
		}
	}
	return false
}

func worse(a, b State) bool {
	return rank(a) > rank(b)
}

func rank(s State) int {
	switch s {
	case StateUnhealthy:
		return 2
	case StateDegraded:
		return 1
	default:
		return 0
	}
}
