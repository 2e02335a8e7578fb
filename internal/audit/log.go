package audit

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Log is an append-only, per-cohort ordered record of stage outcomes. It is
// safe for concurrent use by cohorts running in parallel.
type Log struct {
	mu       sync.RWMutex
	byCohort map[string][]Entry
	now      func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{byCohort: make(map[string][]Entry), now: time.Now}
}

// Append records an entry. RecordedAt is stamped when unset.
func (l *Log) Append(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	e = e.clone()
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now().UTC()
	}
	l.byCohort[e.Cohort] = append(l.byCohort[e.Cohort], e)
	return nil
}

// EntriesFor returns a copy of the cohort's entries in stage order.
func (l *Log) EntriesFor(cohort string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	src := l.byCohort[cohort]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = e.clone()
	}
	return out
}

// TotalRemoved sums removals across the cohort's entries.
func (l *Log) TotalRemoved(cohort string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0
	for _, e := range l.byCohort[cohort] {
		total += e.Removed()
	}
	return total
}

// Cohorts returns the cohorts with at least one entry, sorted.
func (l *Log) Cohorts() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.byCohort))
	for name := range l.byCohort {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries returns every entry grouped by cohort (sorted) in stage order.
func (l *Log) Entries() []Entry {
	var out []Entry
	for _, cohort := range l.Cohorts() {
		out = append(out, l.EntriesFor(cohort)...)
	}
	return out
}

// Len returns the total number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, entries := range l.byCohort {
		n += len(entries)
	}
	return n
}

// Equal reports whether both logs hold the same entries, ignoring timestamps.
func (l *Log) Equal(other *Log) bool {
	return len(Diff(l, other)) == 0
}

// FromEntries rebuilds a log, e.g. after loading a persisted run.
func FromEntries(entries []Entry) (*Log, error) {
	l := NewLog()
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			return nil, fmt.Errorf("rebuild audit log: %w", err)
		}
	}
	return l, nil
}
