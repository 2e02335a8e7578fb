package countmatrix

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"cellqc/internal/services"
)

// Entry is one non-zero count addressed by feature and cell index.
type Entry struct {
	Feature int
	Cell    int
	Count   float64
}

// Matrix stores counts column-compressed by cell.
type Matrix struct {
	features  []string
	cells     []string
	cellIndex map[string]int

	colPtr  []int
	rowIdx  []int
	values  []float64
	totals  []float64
	detects []int
}

// FromEntries builds a Matrix from sparse entries. Duplicate (feature, cell)
// pairs are summed. Negative and non-finite counts are rejected.
func FromEntries(features, cells []string, entries []Entry) (*Matrix, error) {
	m, err := newMatrix(features, cells)
	if err != nil {
		return nil, err
	}

	sorted := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Feature < 0 || e.Feature >= len(features) {
			return nil, fmt.Errorf("%w: feature index %d out of range", services.ErrShapeMismatch, e.Feature)
		}
		if e.Cell < 0 || e.Cell >= len(cells) {
			return nil, fmt.Errorf("%w: cell index %d out of range", services.ErrShapeMismatch, e.Cell)
		}
		if math.IsNaN(e.Count) || math.IsInf(e.Count, 0) {
			return nil, fmt.Errorf("%w: non-finite count %v at feature %q cell %q", services.ErrValidation, e.Count, features[e.Feature], cells[e.Cell])
		}
		if e.Count < 0 {
			return nil, fmt.Errorf("%w: negative count at feature %q cell %q", services.ErrValidation, features[e.Feature], cells[e.Cell])
		}
		if e.Count == 0 {
			continue
		}
		sorted = append(sorted, e)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Cell != sorted[j].Cell {
			return sorted[i].Cell < sorted[j].Cell
		}
		return sorted[i].Feature < sorted[j].Feature
	})

	m.colPtr = make([]int, len(cells)+1)
	m.rowIdx = make([]int, 0, len(sorted))
	m.values = make([]float64, 0, len(sorted))
	for i := 0; i < len(sorted); i++ {
		e := sorted[i]
		last := len(m.rowIdx) - 1
		if last >= 0 && m.rowIdx[last] == e.Feature && i > 0 && sorted[i-1].Cell == e.Cell {
			m.values[last] += e.Count
			continue
		}
		m.rowIdx = append(m.rowIdx, e.Feature)
		m.values = append(m.values, e.Count)
		m.colPtr[e.Cell+1]++
	}
	for c := 0; c < len(cells); c++ {
		m.colPtr[c+1] += m.colPtr[c]
	}
	m.summarize()
	return m, nil
}

// FromDense builds a Matrix from a features-by-cells grid.
func FromDense(features, cells []string, counts [][]float64) (*Matrix, error) {
	if len(counts) != len(features) {
		return nil, fmt.Errorf("%w: %d count rows for %d features", services.ErrShapeMismatch, len(counts), len(features))
	}
	entries := make([]Entry, 0, len(features)*len(cells)/4+1)
	for f, row := range counts {
		if len(row) != len(cells) {
			return nil, fmt.Errorf("%w: feature %q has %d values for %d cells", services.ErrShapeMismatch, features[f], len(row), len(cells))
		}
		for c, v := range row {
			if v != 0 {
				entries = append(entries, Entry{Feature: f, Cell: c, Count: v})
			}
		}
	}
	return FromEntries(features, cells, entries)
}

func newMatrix(features, cells []string) (*Matrix, error) {
	if len(cells) == 0 {
		return nil, fmt.Errorf("%w: matrix has no cells", services.ErrEmptyMatrix)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: matrix has no features", services.ErrEmptyMatrix)
	}
	index := make(map[string]int, len(cells))
	for i, id := range cells {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: blank cell barcode at column %d", services.ErrValidation, i+1)
		}
		if _, ok := index[id]; ok {
			return nil, fmt.Errorf("%w: %q", services.ErrDuplicateCell, id)
		}
		index[id] = i
	}
	return &Matrix{
		features:  append([]string(nil), features...),
		cells:     append([]string(nil), cells...),
		cellIndex: index,
	}, nil
}

func (m *Matrix) summarize() {
	m.totals = make([]float64, len(m.cells))
	m.detects = make([]int, len(m.cells))
	for c := range m.cells {
		for k := m.colPtr[c]; k < m.colPtr[c+1]; k++ {
			m.totals[c] += m.values[k]
			m.detects[c]++
		}
	}
}

// Features returns a copy of the feature names in matrix order.
func (m *Matrix) Features() []string {
	return append([]string(nil), m.features...)
}

// Cells returns a copy of the cell barcodes in matrix order.
func (m *Matrix) Cells() []string {
	return append([]string(nil), m.cells...)
}

// NumFeatures returns the feature count.
func (m *Matrix) NumFeatures() int { return len(m.features) }

// NumCells returns the cell count.
func (m *Matrix) NumCells() int { return len(m.cells) }

// Total returns the library size of a cell.
func (m *Matrix) Total(id string) (float64, bool) {
	c, ok := m.cellIndex[id]
	if !ok {
		return 0, false
	}
	return m.totals[c], true
}

// Detected returns the number of features with a non-zero count in a cell.
func (m *Matrix) Detected(id string) (int, bool) {
	c, ok := m.cellIndex[id]
	if !ok {
		return 0, false
	}
	return m.detects[c], true
}

// Count returns the count for a feature index in a cell.
func (m *Matrix) Count(feature int, id string) float64 {
	c, ok := m.cellIndex[id]
	if !ok {
		return 0
	}
	lo, hi := m.colPtr[c], m.colPtr[c+1]
	k := sort.SearchInts(m.rowIdx[lo:hi], feature)
	if lo+k < hi && m.rowIdx[lo+k] == feature {
		return m.values[lo+k]
	}
	return 0
}

// FeatureMask evaluates match against every feature name.
func (m *Matrix) FeatureMask(match func(string) bool) []bool {
	mask := make([]bool, len(m.features))
	for i, name := range m.features {
		mask[i] = match(name)
	}
	return mask
}

// SubsetSum sums a cell's counts over the features selected by mask.
func (m *Matrix) SubsetSum(id string, mask []bool) (float64, bool) {
	c, ok := m.cellIndex[id]
	if !ok {
		return 0, false
	}
	var sum float64
	for k := m.colPtr[c]; k < m.colPtr[c+1]; k++ {
		if f := m.rowIdx[k]; f < len(mask) && mask[f] {
			sum += m.values[k]
		}
	}
	return sum, true
}
