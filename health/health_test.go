package health

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/orchestrator"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

type fakeSource struct {
	statuses []orchestrator.WorkerStatus
}

func (s *fakeSource) Workers() []orchestrator.WorkerStatus {
	return s.statuses
}

type fakeEscalator struct {
	marked    []string
	restarted []string
}

func (e *fakeEscalator) MarkStuck(workerID string) error {
	e.marked = append(e.marked, workerID)
	return nil
}

func (e *fakeEscalator) Restart(workerID string) error {
	e.restarted = append(e.restarted, workerID)
	return nil
}

func TestObserveEscalatesAfterConsecutiveStaleObservations(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{statuses: []orchestrator.WorkerStatus{{
		ID:              "w1",
		Name:            "worker-1",
		State:           orchestrator.StateWorking,
		CurrentChunkID:  "chunk-1",
		LastHeartbeatAt: now.Add(-10 * time.Minute),
	}}}
	esc := &fakeEscalator{}

	mon := New(source, esc, Options{StuckTimeout: 5 * time.Minute, StuckObservations: 2})
	mon.SetClock(func() time.Time { return now })

	// One stale observation is not enough.
	mon.Observe()
	require.Empty(t, esc.marked)

	mon.Observe()
	require.Equal(t, []string{"w1"}, esc.marked)
	require.Equal(t, []string{"w1"}, esc.restarted)

	// The strike counter reset on escalation.
	mon.Observe()
	require.Len(t, esc.marked, 1)
}

func TestObserveFreshHeartbeatResetsStrikes(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	st := orchestrator.WorkerStatus{
		ID:              "w1",
		State:           orchestrator.StateWorking,
		CurrentChunkID:  "chunk-1",
		LastHeartbeatAt: now.Add(-10 * time.Minute),
	}
	source := &fakeSource{statuses: []orchestrator.WorkerStatus{st}}
	esc := &fakeEscalator{}

	mon := New(source, esc, Options{StuckTimeout: 5 * time.Minute, StuckObservations: 2})
	mon.SetClock(func() time.Time { return now })

	mon.Observe()

	// The worker produced output again before the second strike.
	st.LastHeartbeatAt = now.Add(-time.Minute)
	source.statuses = []orchestrator.WorkerStatus{st}
	mon.Observe()
	require.Empty(t, esc.marked)

	// Going stale again starts the count from zero.
	st.LastHeartbeatAt = now.Add(-10 * time.Minute)
	source.statuses = []orchestrator.WorkerStatus{st}
	mon.Observe()
	require.Empty(t, esc.marked)
	mon.Observe()
	require.Equal(t, []string{"w1"}, esc.marked)
}

func TestObserveIgnoresWorkersWithoutChunks(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{statuses: []orchestrator.WorkerStatus{
		{ID: "idle", State: orchestrator.StateIdle, LastHeartbeatAt: now.Add(-time.Hour)},
		{ID: "ready", State: orchestrator.StateReady, LastHeartbeatAt: now.Add(-time.Hour)},
		{ID: "working-no-chunk", State: orchestrator.StateWorking, LastHeartbeatAt: now.Add(-time.Hour)},
	}}
	esc := &fakeEscalator{}

	mon := New(source, esc, Options{StuckTimeout: 5 * time.Minute, StuckObservations: 1})
	mon.SetClock(func() time.Time { return now })

	mon.Observe()
	mon.Observe()
	require.Empty(t, esc.marked)
}

func TestObserveEventRetainsNotices(t *testing.T) {
	mon := New(&fakeSource{}, nil, DefaultOptions())
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	mon.ObserveEvent(orchestrator.WorkerEvent{
		WorkerID: "w1", Type: orchestrator.EventLaunchFailed, Err: "tmux exploded", Timestamp: at,
	})
	mon.ObserveEvent(orchestrator.WorkerEvent{
		WorkerID: "w2", Type: orchestrator.EventRestartExhausted, Err: "worker-2 permanently stopped after 3 restart attempts", Timestamp: at,
	})
	// Routine transitions are not notices.
	mon.ObserveEvent(orchestrator.WorkerEvent{
		WorkerID: "w1", Type: orchestrator.EventStateChanged, Timestamp: at,
	})

	snap := mon.BuildSnapshot()
	require.Len(t, snap.Notices, 2)
	require.Equal(t, "w1", snap.Notices[0].WorkerID)
	require.Contains(t, snap.Notices[0].Message, "launch failed")
	require.Contains(t, snap.Notices[1].Message, "permanently stopped")
}

func TestObserveEventBoundsNotices(t *testing.T) {
	mon := New(&fakeSource{}, nil, DefaultOptions())

	for i := 0; i < maxNotices+5; i++ {
		mon.ObserveEvent(orchestrator.WorkerEvent{
			WorkerID: "w1",
			Type:     orchestrator.EventLaunchFailed,
			Err:      fmt.Sprintf("failure %d", i),
		})
	}

	snap := mon.BuildSnapshot()
	require.Len(t, snap.Notices, maxNotices)
	// Oldest dropped first.
	require.Contains(t, snap.Notices[0].Message, "failure 5")
	require.Contains(t, snap.Notices[maxNotices-1].Message, fmt.Sprintf("failure %d", maxNotices+4))
}

func TestBuildSnapshotAggregates(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	source := &fakeSource{statuses: []orchestrator.WorkerStatus{
		{ID: "w1", Name: "worker-1", State: orchestrator.StateWorking, StartedAt: now.Add(-90 * time.Second), ChunksCompleted: 3, ContextUsagePercent: 42},
		{ID: "w2", Name: "worker-2", State: orchestrator.StateStuck, StartedAt: now.Add(-time.Hour)},
		{ID: "w3", Name: "worker-3", State: orchestrator.StateStopped, StartedAt: now.Add(-time.Hour), ErrorCount: 2, LastErr: "gone"},
	}}

	mon := New(source, nil, DefaultOptions())
	mon.SetClock(func() time.Time { return now })

	snap := mon.BuildSnapshot()
	require.Equal(t, 3, snap.Total)
	require.Equal(t, 1, snap.Active)
	require.Equal(t, 1, snap.Stuck)
	require.Equal(t, 1, snap.Stopped)
	require.Equal(t, 0, snap.Dead)

	require.Equal(t, "Working", snap.Workers[0].State)
	require.Equal(t, int64(90), snap.Workers[0].RuntimeSeconds)
	require.Equal(t, 3, snap.Workers[0].ChunksCompleted)

	// The snapshot must round-trip JSON for external consumers.
	data, err := mon.SnapshotJSON()
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, snap.Total, decoded.Total)
	require.Equal(t, "worker-2", decoded.Workers[1].Name)
}
