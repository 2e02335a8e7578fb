package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrDuplicateColumn = errors.New("duplicate column")
	ErrDuplicateCell   = errors.New("duplicate cell")
	ErrMissingColumn   = errors.New("missing column")
	ErrEmptyMatrix     = errors.New("empty matrix")
	ErrDomain          = errors.New("domain error")
	ErrModelFit        = errors.New("model fit failure")
	ErrStageAborted    = errors.New("stage aborted")
	ErrParameterDrift  = errors.New("parameter drift")
	ErrValidation      = errors.New("validation error")
	ErrConfiguration   = errors.New("configuration error")
	ErrTimeout         = errors.New("timeout")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrStageAborted
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Structural reports whether err indicates a misconfigured pipeline (bad
// column references, shape drift) rather than a data-dependent condition.
func Structural(err error) bool {
	switch {
	case errors.Is(err, ErrShapeMismatch),
		errors.Is(err, ErrDuplicateColumn),
		errors.Is(err, ErrDuplicateCell),
		errors.Is(err, ErrMissingColumn),
		errors.Is(err, ErrConfiguration):
		return true
	default:
		return false
	}
}

// Kind returns a short label for the marker carried by err, used in logs and
// metrics labels.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrDuplicateColumn):
		return "duplicate_column"
	case errors.Is(err, ErrDuplicateCell):
		return "duplicate_cell"
	case errors.Is(err, ErrMissingColumn):
		return "missing_column"
	case errors.Is(err, ErrEmptyMatrix):
		return "empty_matrix"
	case errors.Is(err, ErrDomain):
		return "domain"
	case errors.Is(err, ErrModelFit):
		return "model_fit"
	case errors.Is(err, ErrParameterDrift):
		return "parameter_drift"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "other"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "stage failure"
	}
	return strings.Join(parts, ": ")
}
