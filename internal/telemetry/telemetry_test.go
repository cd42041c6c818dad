package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/khryptorgraphics/orchestrall/internal/telemetry"
)

func TestCycleCounters_RecordCycle(t *testing.T) {
	var c telemetry.CycleCounters
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	c.RecordCycle(true, 3, 1, 0, now)
	c.RecordCycle(false, 0, 2, 1, now.Add(time.Second))

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.CyclesRun)
	assert.Equal(t, int64(1), snap.CyclesSucceeded)
	assert.Equal(t, int64(1), snap.CyclesFailed)
	assert.Equal(t, int64(3), snap.NodesSynced)
	assert.Equal(t, int64(3), snap.NodesFailed)
	assert.Equal(t, int64(1), snap.ActionsLost)
	assert.True(t, snap.LastCycleAt.Equal(now.Add(time.Second)))
}
