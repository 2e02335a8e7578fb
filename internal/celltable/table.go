package celltable

import (
	"fmt"
	"strings"

	"cellqc/internal/countmatrix"
	"cellqc/internal/services"
)

// Standard column names seeded from the count matrix.
const (
	ColumnCounts   = "n_counts"
	ColumnFeatures = "n_features"
)

// Table is an immutable cell-by-column view of one cohort.
type Table struct {
	cohort  string
	ids     []string
	index   map[string]int
	columns map[string]Column
	order   []string
}

// New constructs a table with no columns.
func New(cohort string, ids []string) (*Table, error) {
	cohort = strings.TrimSpace(cohort)
	if cohort == "" {
		return nil, fmt.Errorf("%w: cohort name is required", services.ErrValidation)
	}
	index := make(map[string]int, len(ids))
	for i, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("%w: blank cell identifier at row %d", services.ErrValidation, i+1)
		}
		if _, ok := index[id]; ok {
			return nil, fmt.Errorf("%w: %q in cohort %s", services.ErrDuplicateCell, id, cohort)
		}
		index[id] = i
	}
	return &Table{
		cohort:  cohort,
		ids:     append([]string(nil), ids...),
		index:   index,
		columns: map[string]Column{},
	}, nil
}

// FromMatrix builds a table with one row per matrix cell, seeded with library
// size and detected-feature columns.
func FromMatrix(cohort string, m *countmatrix.Matrix) (*Table, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: count matrix is required", services.ErrEmptyMatrix)
	}
	ids := m.Cells()
	t, err := New(cohort, ids)
	if err != nil {
		return nil, err
	}
	counts := make([]float64, len(ids))
	features := make([]float64, len(ids))
	for i, id := range ids {
		total, _ := m.Total(id)
		detected, _ := m.Detected(id)
		counts[i] = total
		features[i] = float64(detected)
	}
	if t, err = t.AddColumn(ColumnCounts, NumericColumn(counts)); err != nil {
		return nil, err
	}
	return t.AddColumn(ColumnFeatures, NumericColumn(features))
}

// Cohort returns the cohort name.
func (t *Table) Cohort() string { return t.cohort }

// RowCount returns the number of cells.
func (t *Table) RowCount() int { return len(t.ids) }

// IDs returns a copy of the cell identifiers in row order.
func (t *Table) IDs() []string { return append([]string(nil), t.ids...) }

// Index returns the row of a cell identifier.
func (t *Table) Index(id string) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// HasColumn reports whether a column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.columns[name]
	return ok
}

// ColumnNames returns column names in insertion order.
func (t *Table) ColumnNames() []string { return append([]string(nil), t.order...) }

// Column returns a column by name.
func (t *Table) Column(name string) (Column, error) {
	col, ok := t.columns[name]
	if !ok {
		return Column{}, fmt.Errorf("%w: %q in cohort %s", services.ErrMissingColumn, name, t.cohort)
	}
	return col, nil
}

// Numeric returns a copy of a numeric column's values.
func (t *Table) Numeric(name string) ([]float64, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	if col.Kind() != Numeric {
		return nil, fmt.Errorf("%w: column %q is %s, want numeric", services.ErrValidation, name, col.Kind())
	}
	return col.Floats(), nil
}

// Labels returns a copy of a categorical column's values.
func (t *Table) Labels(name string) ([]string, error) {
	col, err := t.Column(name)
	if err != nil {
		return nil, err
	}
	if col.Kind() != Categorical {
		return nil, fmt.Errorf("%w: column %q is %s, want categorical", services.ErrValidation, name, col.Kind())
	}
	return col.Labels(), nil
}

// AddColumn returns a new table with the column appended. Existing names are
// rejected; use ReplaceColumn to overwrite.
func (t *Table) AddColumn(name string, col Column) (*Table, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: column name is required", services.ErrValidation)
	}
	if _, ok := t.columns[name]; ok {
		return nil, fmt.Errorf("%w: %q in cohort %s", services.ErrDuplicateColumn, name, t.cohort)
	}
	if col.Len() != len(t.ids) {
		return nil, fmt.Errorf("%w: column %q has %d values for %d cells", services.ErrShapeMismatch, name, col.Len(), len(t.ids))
	}
	next := t.shallowClone()
	next.columns[name] = col
	next.order = append(next.order, name)
	return next, nil
}

// ReplaceColumn returns a new table with an existing column overwritten.
func (t *Table) ReplaceColumn(name string, col Column) (*Table, error) {
	if _, ok := t.columns[name]; !ok {
		return nil, fmt.Errorf("%w: %q in cohort %s", services.ErrMissingColumn, name, t.cohort)
	}
	if col.Len() != len(t.ids) {
		return nil, fmt.Errorf("%w: column %q has %d values for %d cells", services.ErrShapeMismatch, name, col.Len(), len(t.ids))
	}
	next := t.shallowClone()
	next.columns[name] = col
	return next, nil
}

// FilterByTag keeps the rows whose tag equals keepValue (trimmed,
// case-insensitive) and returns the identifiers of the removed rows in their
// original order.
func (t *Table) FilterByTag(column, keepValue string) (*Table, []string, error) {
	labels, err := t.Labels(column)
	if err != nil {
		return nil, nil, err
	}
	want := strings.TrimSpace(keepValue)
	keep := make([]int, 0, len(labels))
	var removed []string
	for i, label := range labels {
		if strings.EqualFold(strings.TrimSpace(label), want) {
			keep = append(keep, i)
			continue
		}
		removed = append(removed, t.ids[i])
	}
	return t.subset(keep), removed, nil
}

// Equal reports whether two tables hold the same cohort, rows, and columns.
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	if t.cohort != other.cohort || len(t.ids) != len(other.ids) || len(t.columns) != len(other.columns) {
		return false
	}
	for i := range t.ids {
		if t.ids[i] != other.ids[i] {
			return false
		}
	}
	for name, col := range t.columns {
		oc, ok := other.columns[name]
		if !ok || !col.Equal(oc) {
			return false
		}
	}
	return true
}

func (t *Table) subset(keep []int) *Table {
	ids := make([]string, len(keep))
	index := make(map[string]int, len(keep))
	for i, idx := range keep {
		ids[i] = t.ids[idx]
		index[ids[i]] = i
	}
	columns := make(map[string]Column, len(t.columns))
	for name, col := range t.columns {
		columns[name] = col.subset(keep)
	}
	return &Table{
		cohort:  t.cohort,
		ids:     ids,
		index:   index,
		columns: columns,
		order:   append([]string(nil), t.order...),
	}
}

// shallowClone shares column storage, which is safe because columns are
// never written after construction.
func (t *Table) shallowClone() *Table {
	columns := make(map[string]Column, len(t.columns)+1)
	for name, col := range t.columns {
		columns[name] = col
	}
	return &Table{
		cohort:  t.cohort,
		ids:     t.ids,
		index:   t.index,
		columns: columns,
		order:   append([]string(nil), t.order...),
	}
}

