package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cellqc/internal/config"
	"cellqc/internal/logging"
	"cellqc/internal/services"
	"cellqc/internal/stage"
	"cellqc/internal/stageexec"
)

// Manager applies one stage list to many cohorts.
type Manager struct {
	stages      []stage.Stage
	logger      *slog.Logger
	observer    stageexec.Observer
	maxParallel int

	mu      sync.RWMutex
	lastRun string
	lastErr error
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithParallelism lets up to n cohorts run at once. Values below 2 run
// cohorts sequentially.
func WithParallelism(n int) ManagerOption {
	return func(m *Manager) {
		m.maxParallel = n
	}
}

// WithObserver routes stage outcomes to observer, typically a telemetry
// recorder.
func WithObserver(observer stageexec.Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = observer
	}
}

// NewManager validates stages and returns a manager that owns a private copy
// of the list.
func NewManager(stages []stage.Stage, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: at least one stage is required", services.ErrConfiguration)
	}
	seen := make(map[string]struct{}, len(stages))
	for _, st := range stages {
		if err := st.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(st.Name)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: stage %q declared twice", services.ErrConfiguration, st.Name)
		}
		seen[key] = struct{}{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		stages:      cloneStages(stages),
		logger:      logging.NewComponentLogger(logger, "workflow"),
		maxParallel: 1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxParallel < 1 {
		m.maxParallel = 1
	}
	return m, nil
}

// NewManagerFromConfig builds the stage list from cfg.
func NewManagerFromConfig(cfg *config.Config, logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", services.ErrConfiguration)
	}
	stages, err := stage.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	parallel := 1
	if cfg.Run.ParallelCohorts {
		parallel = cfg.Run.MaxParallel
	}
	opts = append([]ManagerOption{WithParallelism(parallel)}, opts...)
	return NewManager(stages, logger, opts...)
}

// Stages returns a copy of the declared stage list.
func (m *Manager) Stages() []stage.Stage {
	return cloneStages(m.stages)
}

// Parallelism reports how many cohorts may run at once.
func (m *Manager) Parallelism() int { return m.maxParallel }

// LastRun returns the identifier and error of the most recent Run.
func (m *Manager) LastRun() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRun, m.lastErr
}

func (m *Manager) setLastRun(id string, err error) {
	m.mu.Lock()
	m.lastRun = id
	m.lastErr = err
	m.mu.Unlock()
}

func cloneStages(stages []stage.Stage) []stage.Stage {
	out := make([]stage.Stage, len(stages))
	for i, st := range stages {
		st.Annotate = append([]string(nil), st.Annotate...)
		out[i] = st
	}
	return out
}

func elapsedSince(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
