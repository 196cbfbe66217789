package main

import (
	"errors"
	"testing"
	"time"

	werrors "github.com/medsync/worketl/internal/errors"
	"github.com/medsync/worketl/internal/model"
	"github.com/medsync/worketl/internal/orchestrator"
	"github.com/stretchr/testify/assert"
)

func TestSummaryLineCompleted(t *testing.T) {
	r := orchestrator.IncrementalResult{
		Table: "notification_text", Status: model.SyncCompleted,
		RowsProcessed: 42, RowsQuarantined: 1, Duration: 1500 * time.Millisecond,
	}
	line := summaryLine(r)
	assert.Equal(t, "table=notification_text status=completed rows=42 quarantined=1 duration=1.5s", line)
}

func TestSummaryLineFailed(t *testing.T) {
	r := orchestrator.IncrementalResult{
		Table: "notification_text", Err: errors.New("connection refused"),
	}
	line := summaryLine(r)
	assert.Equal(t, "table=notification_text status=failed error=connection refused", line)
}

func TestExitCodeForClassifiesErrorKind(t *testing.T) {
	assert.Equal(t, 0, exitCodeFor(nil))
	assert.Equal(t, 2, exitCodeFor(werrors.NewConfigError("bad config", "", "", nil)))
	assert.Equal(t, 3, exitCodeFor(werrors.NewPersistentError("boom", "", "", nil)))
	assert.Equal(t, 1, exitCodeFor(werrors.NewTransientError("boom", "", "", nil)))
}
