package audit

import (
	"fmt"
	"sort"
)

// Anomaly severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Anomaly flags something in a log a reviewer should look at.
type Anomaly struct {
	Severity string `json:"severity" yaml:"severity"`
	Category string `json:"category" yaml:"category"`
	Cohort   string `json:"cohort,omitempty" yaml:"cohort,omitempty"`
	Stage    string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Message  string `json:"message" yaml:"message"`
}

// CohortSummary condenses one cohort's entries.
type CohortSummary struct {
	Cohort    string `json:"cohort" yaml:"cohort"`
	Stages    int    `json:"stages" yaml:"stages"`
	Initial   int    `json:"initial" yaml:"initial"`
	Final     int    `json:"final" yaml:"final"`
	Removed   int    `json:"removed" yaml:"removed"`
	Fallbacks int    `json:"fallbacks" yaml:"fallbacks"`
}

// Summarize returns one summary per cohort, sorted by cohort.
func Summarize(l *Log) []CohortSummary {
	cohorts := l.Cohorts()
	out := make([]CohortSummary, 0, len(cohorts))
	for _, cohort := range cohorts {
		entries := l.EntriesFor(cohort)
		s := CohortSummary{Cohort: cohort, Stages: len(entries)}
		if len(entries) > 0 {
			s.Initial = entries[0].Before
			s.Final = entries[len(entries)-1].After
		}
		for _, e := range entries {
			s.Removed += e.Removed()
			if e.FallbackUsed {
				s.Fallbacks++
			}
		}
		out = append(out, s)
	}
	return out
}

// HighRemovalFraction is the per-stage removal share flagged as a warning.
const HighRemovalFraction = 0.5

// DetectAnomalies flags fallbacks, heavy or total removals, and stages whose
// parameter fingerprint differs between cohorts.
func DetectAnomalies(l *Log) []Anomaly {
	var anomalies []Anomaly
	fingerprints := make(map[string]map[string]string)

	for _, e := range l.Entries() {
		if fingerprints[e.Stage] == nil {
			fingerprints[e.Stage] = make(map[string]string)
		}
		fingerprints[e.Stage][e.Fingerprint] = e.Cohort

		switch {
		case e.Before > 0 && e.After == 0:
			anomalies = append(anomalies, Anomaly{
				Severity: SeverityCritical,
				Category: "removal",
				Cohort:   e.Cohort,
				Stage:    e.Stage,
				Message:  fmt.Sprintf("stage removed all %d cells", e.Before),
			})
		case e.RemovedFraction() > HighRemovalFraction:
			anomalies = append(anomalies, Anomaly{
				Severity: SeverityWarning,
				Category: "removal",
				Cohort:   e.Cohort,
				Stage:    e.Stage,
				Message:  fmt.Sprintf("stage removed %.1f%% of cells", 100*e.RemovedFraction()),
			})
		}
		if e.FallbackUsed {
			anomalies = append(anomalies, Anomaly{
				Severity: SeverityWarning,
				Category: "fallback",
				Cohort:   e.Cohort,
				Stage:    e.Stage,
				Message:  "model fit fell back to percentile: " + e.FallbackReason,
			})
		}
	}

	stages := make([]string, 0, len(fingerprints))
	for stage := range fingerprints {
		stages = append(stages, stage)
	}
	sort.Strings(stages)
	for _, stage := range stages {
		if len(fingerprints[stage]) > 1 {
			anomalies = append(anomalies, Anomaly{
				Severity: SeverityCritical,
				Category: "drift",
				Stage:    stage,
				Message:  fmt.Sprintf("%d distinct parameter fingerprints across cohorts", len(fingerprints[stage])),
			})
		}
	}
	return anomalies
}
