package repo_test

import (
	"testing"

	"github.com/hamed0406/connwatch/internal/repo"
	"github.com/hamed0406/connwatch/internal/repo/memory"
	pg "github.com/hamed0406/connwatch/internal/repo/postgres"
	"github.com/hamed0406/connwatch/internal/repo/sqlite"
	"github.com/hamed0406/connwatch/internal/scheduler"
)

// Compile-time interface satisfaction checks.
// Using external test package avoids import cycle.
func TestInterfaceSatisfaction(t *testing.T) {
	var _ repo.Store = memory.New()
	var _ repo.Store = (*pg.Store)(nil)
	var _ repo.Store = (*sqlite.Store)(nil)

	// every backend can serve the background writer and the maintainer.
	var _ scheduler.Store = (*sqlite.Store)(nil)
	var _ scheduler.Pruner = (*pg.Store)(nil)
}
