package annotate

import (
	"fmt"

	"cellqc/internal/config"
)

// FromCohort builds a registry of tag-file annotators from the cohort's
// configured annotations. Each annotation name doubles as its output column.
func FromCohort(cohort config.Cohort) (*Registry, error) {
	reg, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for name, path := range cohort.Annotations {
		if err := reg.Register(TagFile{Column: name, Path: path}); err != nil {
			return nil, fmt.Errorf("cohort %s: %w", cohort.Name, err)
		}
	}
	return reg, nil
}
