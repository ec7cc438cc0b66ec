package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repairline/internal/domain"
	"repairline/internal/engine"
)

func TestStartSessionRejectsSecondOpenSession(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	v := &domain.Visit{ID: "VIS-1"}

	require.NoError(t, engine.StartSession(v, t0, "tech-1"))
	err := engine.StartSession(v, t0.Add(time.Minute), "tech-1")
	require.Error(t, err)
	assert.Equal(t, engine.KindConflict, engine.KindOf(err))
	assert.Len(t, v.WorkSessions, 1)
}

func TestCloseOpenSessionFloorsMinutes(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	v := &domain.Visit{ID: "VIS-1"}
	require.NoError(t, engine.StartSession(v, t0, "tech-1"))

	minutes, closed := engine.CloseOpenSession(v, t0.Add(45*time.Minute+59*time.Second))
	assert.True(t, closed)
	assert.Equal(t, 45, minutes)
	assert.Equal(t, 45, v.WorkSessions[0].Duration)
	require.NotNil(t, v.WorkSessions[0].EndTime)

	minutes, closed = engine.CloseOpenSession(v, t0.Add(time.Hour))
	assert.False(t, closed)
	assert.Zero(t, minutes)
	assert.Equal(t, 45, v.WorkSessions[0].Duration)
}

func TestSessionsNeverOverlap(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	v := &domain.Visit{ID: "VIS-1"}
	at := t0
	for i := 0; i < 4; i++ {
		require.NoError(t, engine.StartSession(v, at, "tech-1"))
		at = at.Add(20 * time.Minute)
		_, closed := engine.CloseOpenSession(v, at)
		require.True(t, closed)
		at = at.Add(5 * time.Minute)
	}
	for i := 1; i < len(v.WorkSessions); i++ {
		prev := v.WorkSessions[i-1]
		assert.False(t, v.WorkSessions[i].StartTime.Before(*prev.EndTime), "session %d overlaps previous", i)
	}
	assert.Equal(t, 80, engine.TotalMinutes(v))
}

func TestTotalMinutesIgnoresOpenSession(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	v := &domain.Visit{ID: "VIS-1"}
	require.NoError(t, engine.StartSession(v, t0, "tech-1"))
	engine.CloseOpenSession(v, t0.Add(30*time.Minute))
	require.NoError(t, engine.StartSession(v, t0.Add(40*time.Minute), "tech-1"))

	assert.Equal(t, 30, engine.TotalMinutes(v))
	assert.Equal(t, 1, engine.OpenSession(v))
}

func TestCloseBeforeStartCountsZero(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	v := &domain.Visit{ID: "VIS-1"}
	require.NoError(t, engine.StartSession(v, t0, "tech-1"))
	minutes, closed := engine.CloseOpenSession(v, t0.Add(-time.Minute))
	assert.True(t, closed)
	assert.Zero(t, minutes)
}
