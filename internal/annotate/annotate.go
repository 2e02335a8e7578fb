package annotate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cellqc/internal/celltable"
	"cellqc/internal/services"
)

// Annotator adds one or more columns to a cell table.
type Annotator interface {
	Name() string
	Annotate(ctx context.Context, t *celltable.Table) (*celltable.Table, error)
}

// Registry resolves annotator names for a single cohort.
type Registry struct {
	byName map[string]Annotator
}

// NewRegistry indexes annotators by lower-cased name.
func NewRegistry(annotators ...Annotator) (*Registry, error) {
	r := &Registry{byName: make(map[string]Annotator, len(annotators))}
	for _, a := range annotators {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a to the registry. Names are unique ignoring case.
func (r *Registry) Register(a Annotator) error {
	if a == nil {
		return fmt.Errorf("%w: nil annotator", services.ErrConfiguration)
	}
	key := strings.ToLower(strings.TrimSpace(a.Name()))
	if key == "" {
		return fmt.Errorf("%w: annotator name is required", services.ErrConfiguration)
	}
	if r.byName == nil {
		r.byName = map[string]Annotator{}
	}
	if _, ok := r.byName[key]; ok {
		return fmt.Errorf("%w: annotator %q registered twice", services.ErrConfiguration, a.Name())
	}
	r.byName[key] = a
	return nil
}

// Lookup returns the annotator registered under name.
func (r *Registry) Lookup(name string) (Annotator, bool) {
	if r == nil {
		return nil, false
	}
	a, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return a, ok
}

// Names lists registered annotator names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.byName))
	for _, a := range r.byName {
		names = append(names, a.Name())
	}
	sort.Strings(names)
	return names
}

// Apply runs the named annotators against t in order.
func (r *Registry) Apply(ctx context.Context, t *celltable.Table, names []string) (*celltable.Table, error) {
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: no annotator %q for cohort %s", services.ErrConfiguration, name, t.Cohort())
		}
		next, err := a.Annotate(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("annotate %s: %w", name, err)
		}
		t = next
	}
	return t, nil
}

func checkLength(what string, got int, t *celltable.Table) error {
	if got != t.RowCount() {
		return fmt.Errorf("%w: %s returned %d values for %d cells in cohort %s",
			services.ErrShapeMismatch, what, got, t.RowCount(), t.Cohort())
	}
	return nil
}
