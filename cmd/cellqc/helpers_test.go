package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cellqc/internal/testsupport"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
	stateDir   string
}

// setupCLITestEnv writes two four-cell cohorts, a doublet call file for each,
// and a config with a fixed mitochondrial cutoff followed by a doublet filter.
// In both cohorts c3 fails the mitochondrial stage and c4 is a doublet.
func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("CELLQC_STATE_DIR", "")

	features := []string{"MT-CO1", "ACTB", "RPS6"}
	cells := []string{"c1", "c2", "c3", "c4"}
	counts := [][]float64{
		{1, 0, 50, 2},
		{90, 40, 50, 95},
		{9, 10, 0, 3},
	}
	for _, cohort := range []string{"control", "depleted"} {
		testsupport.WriteDenseMatrix(t, filepath.Join(base, "data", cohort+".csv"), features, cells, counts)
		testsupport.WriteTagFile(t, filepath.Join(base, "data", cohort+"-doublets.csv"), cells, testsupport.DoubletCalls(len(cells), 3))
	}

	env := &cliTestEnv{
		baseDir:    base,
		configPath: filepath.Join(base, "cellqc.toml"),
		stateDir:   filepath.Join(base, "state"),
	}
	writeTestConfig(t, env, "")
	return env
}

func writeTestConfig(t *testing.T, env *cliTestEnv, extra string) {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "[paths]\nstate_dir = %q\nlog_dir = %q\n\n", env.stateDir, filepath.Join(env.baseDir, "logs"))
	b.WriteString("[logging]\nformat = \"json\"\nlevel = \"error\"\n\n")
	b.WriteString("[run]\nparallel_cohorts = true\nmax_parallel = 2\nmodel_timeout_seconds = 5\nfail_on_drift = true\n\n")
	fmt.Fprintf(&b, "[metrics]\ntextfile = %q\n\n", filepath.Join(env.baseDir, "metrics", "cellqc.prom"))
	for _, cohort := range []string{"control", "depleted"} {
		fmt.Fprintf(&b, "[[cohorts]]\nname = %q\nmatrix = \"data/%s.csv\"\nformat = \"dense\"\n\n", cohort, cohort)
		fmt.Fprintf(&b, "[cohorts.annotations]\ndoublet = \"data/%s-doublets.csv\"\n\n", cohort)
	}
	b.WriteString(`[[stages]]
name = "mitochondrial"
metric = "fraction_of_subset"
column = "percent_mt"
prefix = "MT-"
policy = "fixed"
cutoff = 20.0

[[stages]]
name = "doublets"
annotate = ["doublet"]
tag_column = "doublet"
keep_value = "singlet"
`)
	b.WriteString(extra)
	testsupport.WriteFile(t, env.configPath, b.String())
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	fullArgs := args
	if configPath != "" {
		fullArgs = append([]string{"--config", configPath}, args...)
	}
	cmd.SetArgs(fullArgs)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("expected output to contain %q, got:\n%s", needle, haystack)
	}
}

func requireNotContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if strings.Contains(haystack, needle) {
		t.Fatalf("expected output not to contain %q, got:\n%s", needle, haystack)
	}
}
