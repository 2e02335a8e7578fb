package audit

import (
	"fmt"
	"slices"
)

// Difference describes one way two logs disagree.
type Difference struct {
	Cohort string `json:"cohort" yaml:"cohort"`
	Stage  string `json:"stage" yaml:"stage"`
	Field  string `json:"field" yaml:"field"`
	Left   string `json:"left" yaml:"left"`
	Right  string `json:"right" yaml:"right"`
}

func (d Difference) String() string {
	if d.Stage == "" {
		return fmt.Sprintf("%s: %s %s -> %s", d.Cohort, d.Field, d.Left, d.Right)
	}
	return fmt.Sprintf("%s/%s: %s %s -> %s", d.Cohort, d.Stage, d.Field, d.Left, d.Right)
}

// Diff compares two logs entry by entry, ignoring timestamps. Entries are
// matched by cohort and stage position.
func Diff(left, right *Log) []Difference {
	if left == nil {
		left = NewLog()
	}
	if right == nil {
		right = NewLog()
	}
	cohorts := left.Cohorts()
	for _, c := range right.Cohorts() {
		if !slices.Contains(cohorts, c) {
			cohorts = append(cohorts, c)
		}
	}
	slices.Sort(cohorts)

	var diffs []Difference
	for _, cohort := range cohorts {
		a, b := left.EntriesFor(cohort), right.EntriesFor(cohort)
		for i := 0; i < max(len(a), len(b)); i++ {
			switch {
			case i >= len(a):
				diffs = append(diffs, Difference{Cohort: cohort, Stage: b[i].Stage, Field: "entry", Left: "absent", Right: "present"})
			case i >= len(b):
				diffs = append(diffs, Difference{Cohort: cohort, Stage: a[i].Stage, Field: "entry", Left: "present", Right: "absent"})
			default:
				diffs = append(diffs, diffEntries(a[i], b[i])...)
			}
		}
	}
	return diffs
}

func diffEntries(a, b Entry) []Difference {
	if a.equal(b) {
		return nil
	}
	stage := a.Stage
	var out []Difference
	add := func(field string, l, r any) {
		out = append(out, Difference{Cohort: a.Cohort, Stage: stage, Field: field, Left: fmt.Sprint(l), Right: fmt.Sprint(r)})
	}
	if a.Stage != b.Stage {
		add("stage", a.Stage, b.Stage)
		return out
	}
	if a.Metric != b.Metric {
		add("metric", a.Metric, b.Metric)
	}
	if a.Policy != b.Policy {
		add("policy", a.Policy, b.Policy)
	}
	if l, r := FormatCutoff(a.Cutoff), FormatCutoff(b.Cutoff); l != r {
		add("cutoff", l, r)
	}
	if a.FallbackUsed != b.FallbackUsed {
		add("fallback_used", a.FallbackUsed, b.FallbackUsed)
	}
	if a.Before != b.Before {
		add("before", a.Before, b.Before)
	}
	if a.After != b.After {
		add("after", a.After, b.After)
	}
	if !slices.Equal(a.RemovedIDs, b.RemovedIDs) {
		add("removed_ids", len(a.RemovedIDs), len(b.RemovedIDs))
	}
	if a.Fingerprint != b.Fingerprint {
		add("fingerprint", a.Fingerprint, b.Fingerprint)
	}
	if len(out) == 0 {
		add("details", "", "changed")
	}
	return out
}

// FormatCutoff renders an entry cutoff for tables and diffs.
func FormatCutoff(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.6g", *v)
}
