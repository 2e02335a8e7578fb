package stage

import (
	"cellqc/internal/celltable"
)

// Outcome is the result of one filter application.
type Outcome struct {
	Table   *celltable.Table
	Removed []string
	Before  int
	After   int
}

// Filter keeps the cells whose tagColumn equals keepValue (trimmed,
// case-insensitive). The input table is never modified; on error the caller
// still holds it unchanged. After + len(Removed) == Before always holds.
func Filter(t *celltable.Table, tagColumn, keepValue string) (Outcome, error) {
	before := t.RowCount()
	filtered, removed, err := t.FilterByTag(tagColumn, keepValue)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Table:   filtered,
		Removed: removed,
		Before:  before,
		After:   filtered.RowCount(),
	}, nil
}
