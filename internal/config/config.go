package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains state and log directory configuration.
type Paths struct {
	StateDir string `toml:"state_dir"`
	LogDir   string `toml:"log_dir"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Run controls how cohorts are scheduled and how long model fits may take.
type Run struct {
	ParallelCohorts     bool `toml:"parallel_cohorts"`
	MaxParallel         int  `toml:"max_parallel"`
	ModelTimeoutSeconds int  `toml:"model_timeout_seconds"`
	// FailOnDrift turns a post-run parameter drift check into a run failure.
	FailOnDrift bool `toml:"fail_on_drift"`
}

// Metrics configures the Prometheus textfile written after each run.
type Metrics struct {
	Textfile string `toml:"textfile"`
}

// Cohort declares one independently sequenced sample.
type Cohort struct {
	Name   string `toml:"name"`
	Matrix string `toml:"matrix"`
	Format string `toml:"format"`
	// Annotations maps an annotator name (and output column) to an externally
	// produced cell_id,value file.
	Annotations map[string]string `toml:"annotations"`
}

// Stage declares one metric → threshold → tag → filter step. Every cohort
// receives the same stage list.
type Stage struct {
	Name string `toml:"name"`

	Metric          string   `toml:"metric"`
	Column          string   `toml:"column"`
	Prefix          string   `toml:"prefix"`
	Pattern         string   `toml:"pattern"`
	Features        []string `toml:"features"`
	CaseInsensitive bool     `toml:"case_insensitive"`
	Inputs          []string `toml:"inputs"`
	Degenerate      string   `toml:"degenerate"`

	Policy             string   `toml:"policy"`
	Cutoff             *float64 `toml:"cutoff"`
	Direction          string   `toml:"direction"`
	Percentile         float64  `toml:"percentile"`
	FallbackPercentile float64  `toml:"fallback_percentile"`
	PosteriorCutoff    float64  `toml:"posterior_cutoff"`
	MaxIterations      int      `toml:"max_iterations"`
	MinSeparation      float64  `toml:"min_separation"`
	MinWeight          float64  `toml:"min_weight"`

	Annotate  []string `toml:"annotate"`
	TagColumn string   `toml:"tag_column"`
	KeepValue string   `toml:"keep_value"`
}

// Config encapsulates all configuration values for cellqc.
//
// Configuration sections:
//   - Paths: state directory (audit database, run lock) and log directory
//   - Logging: log format, level, and retention
//   - Run: cohort scheduling and model fit timeout
//   - Metrics: Prometheus textfile export
//   - Cohorts: the samples processed by a run
//   - Stages: the ordered QC stages applied to every cohort
type Config struct {
	Paths   Paths    `toml:"paths"`
	Logging Logging  `toml:"logging"`
	Run     Run      `toml:"run"`
	Metrics Metrics  `toml:"metrics"`
	Cohorts []Cohort `toml:"cohorts"`
	Stages  []Stage  `toml:"stages"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized. Relative cohort paths resolve against the
// directory holding the config file.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
		cfg.rebaseCohortPaths(filepath.Dir(resolvedPath))
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs(projectConfigName)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}

	return defaultPath, false, nil
}

func (c *Config) rebaseCohortPaths(base string) {
	rebase := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "~") {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range c.Cohorts {
		c.Cohorts[i].Matrix = rebase(c.Cohorts[i].Matrix)
		for name, path := range c.Cohorts[i].Annotations {
			c.Cohorts[i].Annotations[name] = rebase(path)
		}
	}
}

// EnsureDirectories creates the state and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// AuditDBPath returns the SQLite database holding persisted runs.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.Paths.StateDir, "audit.db")
}

// LockPath returns the file guarding the state directory against concurrent runs.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "cellqc.lock")
}

// Cohort returns the cohort declaration with the given name.
func (c *Config) Cohort(name string) (Cohort, bool) {
	for _, cohort := range c.Cohorts {
		if strings.EqualFold(cohort.Name, strings.TrimSpace(name)) {
			return cohort, true
		}
	}
	return Cohort{}, false
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
