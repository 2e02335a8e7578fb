package audit

import (
	"fmt"
	"math"
	"slices"
	"time"

	"cellqc/internal/services"
)

// Entry records what one stage did to one cohort.
type Entry struct {
	Cohort         string    `json:"cohort" yaml:"cohort"`
	Stage          string    `json:"stage" yaml:"stage"`
	Metric         string    `json:"metric" yaml:"metric"`
	Policy         string    `json:"policy" yaml:"policy"`
	Cutoff         *float64  `json:"cutoff,omitempty" yaml:"cutoff,omitempty"`
	FallbackUsed   bool      `json:"fallback_used" yaml:"fallback_used"`
	FallbackReason string    `json:"fallback_reason,omitempty" yaml:"fallback_reason,omitempty"`
	TagColumn      string    `json:"tag_column,omitempty" yaml:"tag_column,omitempty"`
	Before         int       `json:"before" yaml:"before"`
	After          int       `json:"after" yaml:"after"`
	RemovedIDs     []string  `json:"removed_ids" yaml:"removed_ids"`
	Fingerprint    string    `json:"fingerprint" yaml:"fingerprint"`
	RecordedAt     time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Removed returns the number of cells the stage removed.
func (e Entry) Removed() int {
	return len(e.RemovedIDs)
}

// RemovedFraction returns removed/before, or 0 for an empty cohort.
func (e Entry) RemovedFraction() float64 {
	if e.Before == 0 {
		return 0
	}
	return float64(e.Removed()) / float64(e.Before)
}

// CutoffValue returns a cutoff suitable for Entry.Cutoff; non-finite values,
// which JSON cannot carry, become nil.
func CutoffValue(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (e Entry) validate() error {
	if e.Cohort == "" || e.Stage == "" {
		return fmt.Errorf("%w: audit entry needs cohort and stage", services.ErrValidation)
	}
	if e.Before < 0 || e.After < 0 || e.After+e.Removed() != e.Before {
		return fmt.Errorf("%w: audit entry %s/%s: after %d + removed %d != before %d",
			services.ErrValidation, e.Cohort, e.Stage, e.After, e.Removed(), e.Before)
	}
	return nil
}

func (e Entry) clone() Entry {
	e.RemovedIDs = slices.Clone(e.RemovedIDs)
	if e.Cutoff != nil {
		v := *e.Cutoff
		e.Cutoff = &v
	}
	if e.RemovedIDs == nil {
		e.RemovedIDs = []string{}
	}
	return e
}

// equal compares entries ignoring RecordedAt.
func (e Entry) equal(o Entry) bool {
	sameCutoff := (e.Cutoff == nil) == (o.Cutoff == nil) && (e.Cutoff == nil || *e.Cutoff == *o.Cutoff)
	return e.Cohort == o.Cohort &&
		e.Stage == o.Stage &&
		e.Metric == o.Metric &&
		e.Policy == o.Policy &&
		sameCutoff &&
		e.FallbackUsed == o.FallbackUsed &&
		e.FallbackReason == o.FallbackReason &&
		e.TagColumn == o.TagColumn &&
		e.Before == o.Before &&
		e.After == o.After &&
		e.Fingerprint == o.Fingerprint &&
		slices.Equal(e.RemovedIDs, o.RemovedIDs)
}
