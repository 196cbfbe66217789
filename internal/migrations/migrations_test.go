package migrations

import (
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Up and Status need a live Postgres (goose's provider issues real
// DDL), so they're exercised by integration tests elsewhere, not here.
// This just guards the embedded file set itself: every migration
// present, well-formed, and
// applied in filename order.
func TestEmbeddedMigrationsAreWellFormed(t *testing.T) {
	entries, err := files.ReadDir("sql")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
		assert.True(t, strings.HasSuffix(e.Name(), ".sql"), "unexpected file %q in sql/", e.Name())

		content, err := files.ReadFile("sql/" + e.Name())
		require.NoError(t, err)
		body := string(content)
		assert.Contains(t, body, "-- +goose Up", "%s missing goose Up marker", e.Name())
		assert.Contains(t, body, "-- +goose Down", "%s missing goose Down marker", e.Name())

		upIdx := strings.Index(body, "-- +goose Up")
		downIdx := strings.Index(body, "-- +goose Down")
		assert.Less(t, upIdx, downIdx, "%s: Up marker must precede Down marker", e.Name())
	}

	assert.True(t, sort.StringsAreSorted(names), "migration files must sort into apply order")
}
