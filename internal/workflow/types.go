package workflow

import (
	"time"

	"cellqc/internal/annotate"
	"cellqc/internal/celltable"
	"cellqc/internal/countmatrix"
)

// Cohort is one independently processed sample group. The table is owned by
// the run once passed to Manager.Run.
type Cohort struct {
	Name       string
	Table      *celltable.Table
	Matrix     *countmatrix.Matrix
	Annotators *annotate.Registry
}

// CohortResult describes how far a cohort progressed.
type CohortResult struct {
	Cohort string
	// Table is the last consistent table: the final one on success, the
	// input to the failed stage otherwise.
	Table           *celltable.Table
	Initial         int
	Final           int
	StagesCompleted int
	FailedStage     string
	Err             error
	Duration        time.Duration
}

// Succeeded reports whether every stage completed.
func (r CohortResult) Succeeded() bool { return r.Err == nil }
