package annotate

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"cellqc/internal/celltable"
	"cellqc/internal/countmatrix"
	"cellqc/internal/services"
)

// TagFile reads a two-column cell_id,value file produced by an external tool
// and writes it into Column. Tab-separated files (.tsv, .tsv.gz) are accepted
// as well as CSV; gzip is detected by suffix. The column is numeric when every
// value parses as a float, categorical otherwise.
//
// Identifiers present in the file but absent from the table are ignored, so a
// file computed on the unfiltered cohort can be applied after earlier stages
// removed cells. Every cell still in the table must have a value.
type TagFile struct {
	Column string
	Path   string
}

func (f TagFile) Name() string { return f.Column }

func (f TagFile) Annotate(ctx context.Context, t *celltable.Table) (*celltable.Table, error) {
	if strings.TrimSpace(f.Column) == "" || strings.TrimSpace(f.Path) == "" {
		return nil, fmt.Errorf("%w: tag file needs a column and a path", services.ErrConfiguration)
	}
	values, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	ids := t.IDs()
	labels := make([]string, len(ids))
	for i, id := range ids {
		v, ok := values[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no value for cell %s of cohort %s",
				services.ErrShapeMismatch, f.Path, id, t.Cohort())
		}
		labels[i] = v
	}
	if floats, ok := parseFloats(labels); ok {
		return t.AddColumn(f.Column, celltable.NumericColumn(floats))
	}
	return t.AddColumn(f.Column, celltable.CategoricalColumn(labels))
}

func (f TagFile) read(ctx context.Context) (map[string]string, error) {
	rc, err := countmatrix.OpenReader(f.Path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	reader := csv.NewReader(rc)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if isTabular(f.Path) {
		reader.Comma = '\t'
	}

	values := map[string]string{}
	line := 0
	for {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", services.ErrValidation, f.Path, err)
		}
		line++
		if len(record) == 0 || strings.HasPrefix(strings.TrimSpace(record[0]), "#") {
			continue
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%w: %s line %d: expected cell_id and value", services.ErrValidation, f.Path, line)
		}
		id := strings.TrimSpace(record[0])
		value := strings.TrimSpace(record[1])
		if line == 1 && isHeader(id) {
			continue
		}
		if _, dup := values[id]; dup {
			return nil, fmt.Errorf("%w: %s lists cell %s twice", services.ErrDuplicateCell, f.Path, id)
		}
		values[id] = value
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: %s has no rows", services.ErrValidation, f.Path)
	}
	return values, nil
}

func isTabular(path string) bool {
	lower := strings.TrimSuffix(strings.ToLower(path), ".gz")
	return strings.HasSuffix(lower, ".tsv") || strings.HasSuffix(lower, ".txt")
}

func isHeader(id string) bool {
	switch strings.ToLower(id) {
	case "cell_id", "cell", "barcode", "cell_barcode", "id":
		return true
	}
	return false
}

func parseFloats(labels []string) ([]float64, bool) {
	out := make([]float64, len(labels))
	for i, label := range labels {
		if strings.EqualFold(label, "nan") || label == "" {
			out[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(label, 64)
		if err != nil {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}
