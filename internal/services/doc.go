// Package services defines shared utilities consumed by the QC stages and the
// external collaborator adapters.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, cohort names, stage names, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so stage failures carry a
//     stable classification (structural bug vs recoverable model failure).
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
