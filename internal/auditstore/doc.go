// Package auditstore persists pipeline runs and their audit logs in SQLite.
//
// Each run records when it started and finished, the config it used, and
// its final status; the audit entries are stored row by row so individual
// runs can be reloaded and diffed against each other long after the process
// that produced them exited. The schema carries a version number; opening a
// database written with a different version fails with ErrSchemaMismatch.
package auditstore
