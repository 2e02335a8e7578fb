package workflow

import (
	"fmt"
	"sort"
	"strings"

	"cellqc/internal/audit"
	"cellqc/internal/services"
)

// VerifyConsistency fails with ErrParameterDrift when two cohorts recorded
// different fingerprints for the same stage, or ran their shared stages in a
// different order. Cohorts that stopped early are compared over the stages
// they reached.
func VerifyConsistency(log *audit.Log) error {
	if log == nil {
		return nil
	}
	type seenAt struct {
		cohort      string
		fingerprint string
		position    int
	}
	reference := map[string]seenAt{}
	var problems []string
	for _, cohort := range log.Cohorts() {
		for pos, entry := range log.EntriesFor(cohort) {
			ref, ok := reference[entry.Stage]
			if !ok {
				reference[entry.Stage] = seenAt{cohort: cohort, fingerprint: entry.Fingerprint, position: pos}
				continue
			}
			if ref.fingerprint != entry.Fingerprint {
				problems = append(problems, fmt.Sprintf("stage %s: %s has %s, %s has %s",
					entry.Stage, ref.cohort, ref.fingerprint, cohort, entry.Fingerprint))
			}
			if ref.position != pos {
				problems = append(problems, fmt.Sprintf("stage %s: position %d in %s, %d in %s",
					entry.Stage, ref.position+1, ref.cohort, pos+1, cohort))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", services.ErrParameterDrift, strings.Join(problems, "; "))
}
