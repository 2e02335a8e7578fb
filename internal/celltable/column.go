package celltable

import "math"

// Kind distinguishes numeric metric columns from categorical tag columns.
type Kind int

const (
	Numeric Kind = iota
	Categorical
)

func (k Kind) String() string {
	if k == Categorical {
		return "categorical"
	}
	return "numeric"
}

// Column is an index-aligned sequence of values. Exactly one of the backing
// slices is populated, according to Kind.
type Column struct {
	kind   Kind
	floats []float64
	labels []string
}

// NumericColumn copies values into a numeric column.
func NumericColumn(values []float64) Column {
	return Column{kind: Numeric, floats: append([]float64(nil), values...)}
}

// CategoricalColumn copies values into a categorical column.
func CategoricalColumn(values []string) Column {
	return Column{kind: Categorical, labels: append([]string(nil), values...)}
}

// Kind reports the column kind.
func (c Column) Kind() Kind { return c.kind }

// Len returns the number of values.
func (c Column) Len() int {
	if c.kind == Categorical {
		return len(c.labels)
	}
	return len(c.floats)
}

// Floats returns a copy of the numeric values, or nil for categorical columns.
func (c Column) Floats() []float64 {
	if c.kind != Numeric {
		return nil
	}
	return append([]float64(nil), c.floats...)
}

// Labels returns a copy of the categorical values, or nil for numeric columns.
func (c Column) Labels() []string {
	if c.kind != Categorical {
		return nil
	}
	return append([]string(nil), c.labels...)
}

// Equal compares kind and values; NaN equals NaN.
func (c Column) Equal(other Column) bool {
	if c.kind != other.kind || c.Len() != other.Len() {
		return false
	}
	if c.kind == Categorical {
		for i := range c.labels {
			if c.labels[i] != other.labels[i] {
				return false
			}
		}
		return true
	}
	for i := range c.floats {
		a, b := c.floats[i], other.floats[i]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

func (c Column) subset(keep []int) Column {
	out := Column{kind: c.kind}
	if c.kind == Categorical {
		out.labels = make([]string, len(keep))
		for i, idx := range keep {
			out.labels[i] = c.labels[idx]
		}
		return out
	}
	out.floats = make([]float64, len(keep))
	for i, idx := range keep {
		out.floats[i] = c.floats[idx]
	}
	return out
}
