package testsupport

import (
	"testing"

	"cellqc/internal/auditstore"
	"cellqc/internal/config"
)

// MustOpenStore opens an auditstore.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *auditstore.Store {
	t.Helper()

	store, err := auditstore.Open(cfg)
	if err != nil {
		t.Fatalf("auditstore.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
