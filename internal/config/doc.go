// Package config loads, normalizes, and validates cellqc configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment overrides such as
// CELLQC_LOG_LEVEL and CELLQC_STATE_DIR. Besides the ambient sections the
// Config type carries the cohort list and the ordered stage declarations that
// every cohort of a run receives.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical policy names, and clear validation errors.
package config
