package services_test

import (
	"errors"
	"strings"
	"testing"

	"cellqc/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrMissingColumn, "mito", "filter", "tag column absent", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrMissingColumn) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"mito", "filter", "tag column absent"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToStageAborted(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrStageAborted) {
		t.Fatalf("expected stage aborted marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "stage failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestStructuralClassification(t *testing.T) {
	structural := services.Wrap(services.ErrShapeMismatch, "qc", "add column", "", nil)
	if !services.Structural(structural) {
		t.Fatal("expected shape mismatch to be structural")
	}
	modelErr := services.Wrap(services.ErrModelFit, "mito", "fit", "did not converge", nil)
	if services.Structural(modelErr) {
		t.Fatal("expected model fit failure to be recoverable")
	}
	if services.Kind(modelErr) != "model_fit" {
		t.Fatalf("unexpected kind: %q", services.Kind(modelErr))
	}
	if services.Kind(nil) != "ok" {
		t.Fatalf("unexpected kind for nil: %q", services.Kind(nil))
	}
}
