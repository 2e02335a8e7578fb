package testsupport

import (
	"path/filepath"
	"testing"

	"cellqc/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Run.ModelTimeoutSeconds = 5

	builder := &configBuilder{
		t:   t,
		cfg: &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithCohort appends a cohort backed by the given matrix path.
func WithCohort(name, matrix string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cohorts = append(b.cfg.Cohorts, config.Cohort{Name: name, Matrix: matrix})
	}
}

// WithStage appends a stage declaration. Fields derived during config
// loading (tag column, keep value) must be set explicitly.
func WithStage(stage config.Stage) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Stages = append(b.cfg.Stages, stage)
	}
}

// WithParallel enables parallel cohorts with the given limit.
func WithParallel(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Run.ParallelCohorts = true
		b.cfg.Run.MaxParallel = n
	}
}
