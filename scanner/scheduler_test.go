package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler_RejectsBadInput(t *testing.T) {
	w := newTestWorker(t, newTestStore(t))
	_, err := NewScheduler(w, 0, defaultFullScanCron, time.UTC, zerolog.Nop())
	assert.Error(t, err)
	_, err = NewScheduler(w, time.Minute, "not a cron", time.UTC, zerolog.Nop())
	assert.Error(t, err)
}

func TestScheduler_RunsIncrementalTick(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorker(t, store)
	s, err := NewScheduler(w, time.Second, defaultFullScanCron, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool { return w.GetStatus().LastScanTime != nil }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, w.GetStatus().IsRunning)
}

func TestScheduler_SkippedTickWhileBusy(t *testing.T) {
	guard := NewRunGuard()
	w := newTestWorker(t, newTestStore(t), WithRunGuard(guard))
	s, err := NewScheduler(w, time.Minute, defaultFullScanCron, time.UTC, zerolog.Nop())
	require.NoError(t, err)

	release, ok := guard.TryAcquire(ScanFull)
	require.True(t, ok)
	s.incrementalTick()
	release()

	assert.Nil(t, w.GetStatus().LastScanTime)
	s.incrementalTick()
	assert.NotNil(t, w.GetStatus().LastScanTime)
}
