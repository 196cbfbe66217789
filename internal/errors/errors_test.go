package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindConfig, 2},
		{KindPersistent, 3},
		{KindCircuitOpen, 3},
		{KindInternal, 3},
		{KindTransient, 1},
		{KindData, 1},
		{KindBudget, 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.kind.ExitCode(), c.kind.String())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := NewTransientError("Cannot read batch", "source read failed", "retry later", cause)

	require.Error(t, err)
	assert.Same(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection reset")
}

func TestClassify(t *testing.T) {
	err := NewBudgetError("Cost threshold exceeded", "ai cost over budget", "", nil)
	assert.Equal(t, KindBudget, Classify(err))

	wrapped := fmt.Errorf("wrapping: %w", err)
	assert.Equal(t, KindBudget, Classify(wrapped), "Classify walks the Unwrap chain")

	assert.Equal(t, KindInternal, Classify(fmt.Errorf("plain")))
}

func TestRenderJSON(t *testing.T) {
	err := NewConfigError("Missing field", "source.account is required", "set WORKETL_SOURCE_ACCOUNT", nil)
	rendered := err.Render(true)
	assert.Contains(t, rendered, `"kind":"config"`)
	assert.Contains(t, rendered, `"title":"Missing field"`)
}
