package distributor

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/registry"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

func newTestDistributor(t *testing.T) *Distributor {
	t.Helper()
	dir := t.TempDir()
	coord := coordination.New(registry.New(dir))
	return New(dir, coord, DefaultOptions())
}

func findings(n int, cat Category) []RawFinding {
	out := make([]RawFinding, n)
	for i := range out {
		out[i] = RawFinding{Category: cat, Description: fmt.Sprintf("%s number %d", cat, i)}
	}
	return out
}

// requireInvariant asserts pending+assigned+completed+failed == total.
func requireInvariant(t *testing.T, d *Distributor) Stats {
	t.Helper()
	stats, err := d.Statistics()
	require.NoError(t, err)
	require.Equal(t, stats.Total, stats.Pending+stats.Assigned+stats.Completed+stats.Failed)
	return stats
}

func TestLoadWorkDeduplicates(t *testing.T) {
	d := newTestDistributor(t)

	added, err := d.LoadWork([]RawFinding{
		{Category: CategoryError, Description: "undefined: foo"},
		{Category: CategoryError, Description: "undefined: foo"},
		{Category: CategoryWarning, Description: "undefined: foo"},
		{Category: CategoryError, Description: ""},
	})
	require.NoError(t, err)
	// Same description under a different category is a different item; the
	// empty description is dropped.
	require.Equal(t, 2, added)

	// Re-detecting the same problems adds nothing while they are unfinished.
	added, err = d.LoadWork([]RawFinding{
		{Category: CategoryError, Description: "undefined: foo"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, added)

	requireInvariant(t, d)
}

func TestGetChunkPriorityOrder(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.LoadWork([]RawFinding{
		{Category: CategoryTodo, Description: "TODO tidy names"},
		{Category: CategoryWarning, Description: "unused variable x"},
		{Category: CategoryError, Description: "undefined: foo"},
		{Category: CategoryTestFailure, Description: "--- FAIL: TestBar"},
	})
	require.NoError(t, err)

	chunk, err := d.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.NotEmpty(t, chunk.Items)

	// Errors and test failures first (in detection order), then the
	// warning, then the todo.
	require.Equal(t, "undefined: foo", chunk.Items[0].Description)
	require.Equal(t, "--- FAIL: TestBar", chunk.Items[1].Description)

	requireInvariant(t, d)
}

func TestGetChunkRejectsSecondChunk(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.LoadWork(findings(30, CategoryWarning))
	require.NoError(t, err)

	_, err = d.GetChunk("worker-a", 2)
	require.NoError(t, err)

	_, err = d.GetChunk("worker-a", 2)
	require.ErrorIs(t, err, ErrChunkOutstanding)
}

func TestGetChunkNoWork(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.GetChunk("worker-a", 1)
	require.ErrorIs(t, err, ErrNoWork)
}

func TestChunkSize(t *testing.T) {
	// ceil(pending/(active*factor)) clamped to [1, max].
	require.Equal(t, 10, chunkSize(100, 2, 2.0, 10))
	require.Equal(t, 7, chunkSize(26, 2, 2.0, 10))
	require.Equal(t, 1, chunkSize(1, 8, 2.0, 10))
	require.Equal(t, 1, chunkSize(0, 1, 2.0, 10))
	require.Equal(t, 10, chunkSize(1000, 1, 2.0, 10))
}

func TestCompleteChunkRecordsOutcomes(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.LoadWork(findings(4, CategoryError))
	require.NoError(t, err)

	chunk, err := d.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.Len(t, chunk.Items, 2)

	outcomes := []Outcome{
		{ItemID: chunk.Items[0].ID, Success: true},
		{ItemID: chunk.Items[1].ID, Success: false},
	}
	require.NoError(t, d.CompleteChunk("worker-a", outcomes))

	stats := requireInvariant(t, d)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 2, stats.Pending)
	require.Equal(t, 0, stats.Assigned)
}

func TestCompleteChunkRecorderHook(t *testing.T) {
	d := newTestDistributor(t)

	var recorded []string
	d.SetRecorder(func(item WorkItem, workerID string) {
		recorded = append(recorded, item.ID+"/"+workerID+"/"+string(item.Status))
	})

	_, err := d.LoadWork(findings(2, CategoryError))
	require.NoError(t, err)
	chunk, err := d.GetChunk("worker-a", 2)
	require.NoError(t, err)

	require.NoError(t, d.CompleteChunk("worker-a", []Outcome{{ItemID: chunk.Items[0].ID, Success: true}}))
	require.Len(t, recorded, 1)
	require.Contains(t, recorded[0], chunk.Items[0].ID)
	require.Contains(t, recorded[0], "completed")
}

func TestReclaimRequeuesCrashedWorkersItems(t *testing.T) {
	d := newTestDistributor(t)

	// A worker gets a 5-item chunk, completes 2, then crashes. Reclaim
	// returns the remaining 3 to pending; the 2 stay completed.
	_, err := d.LoadWork(findings(20, CategoryError))
	require.NoError(t, err)

	chunk, err := d.GetChunk("worker-a", 2)
	require.NoError(t, err)
	require.Len(t, chunk.Items, 5)

	require.NoError(t, d.CompleteChunk("worker-a", []Outcome{
		{ItemID: chunk.Items[0].ID, Success: true},
		{ItemID: chunk.Items[1].ID, Success: true},
	}))

	requeued, err := d.Reclaim(func(workerID string) bool { return workerID == "worker-a" })
	require.NoError(t, err)
	require.Equal(t, 3, requeued)

	stats := requireInvariant(t, d)
	require.Equal(t, 2, stats.Completed)
	require.Equal(t, 0, stats.Assigned)
	require.Equal(t, 18, stats.Pending)
}

func TestReclaimTimedOutAssignments(t *testing.T) {
	dir := t.TempDir()
	coord := coordination.New(registry.New(dir))
	d := New(dir, coord, Options{AssignmentTimeout: 10 * time.Minute})

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	now := base
	d.SetClock(func() time.Time { return now })

	_, err := d.LoadWork(findings(4, CategoryError))
	require.NoError(t, err)
	_, err = d.GetChunk("worker-a", 1)
	require.NoError(t, err)

	// Within the timeout nothing is reclaimed even without a liveness
	// verdict.
	requeued, err := d.Reclaim(nil)
	require.NoError(t, err)
	require.Equal(t, 0, requeued)

	now = base.Add(11 * time.Minute)
	requeued, err = d.Reclaim(nil)
	require.NoError(t, err)
	require.Equal(t, 2, requeued)

	requireInvariant(t, d)
}

func TestReclaimReleasesClaimsAndLocks(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)
	coord := coordination.New(reg)
	d := New(dir, coord, DefaultOptions())

	_, err := d.LoadWork([]RawFinding{
		{Category: CategoryError, Description: "broken build", ResourceKey: "pkg/a.go"},
	})
	require.NoError(t, err)

	_, err = d.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.NoError(t, coord.AcquireLock("pkg/a.go", "worker-a", time.Minute))

	_, err = d.Reclaim(func(string) bool { return true })
	require.NoError(t, err)

	doc, err := coord.Snapshot()
	require.NoError(t, err)
	require.Empty(t, doc.Active)
	require.Empty(t, doc.Locks)
}

func TestGetChunkSkipsBusyResources(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New(dir)
	coord := coordination.New(reg)
	d := New(dir, coord, DefaultOptions())

	// Another worker already claims the resource out of band.
	require.NoError(t, coord.RegisterWork("ext-item", "pkg/a.go", "worker-b", "external"))

	_, err := d.LoadWork([]RawFinding{
		{Category: CategoryError, Description: "fix a", ResourceKey: "pkg/a.go"},
		{Category: CategoryError, Description: "fix b", ResourceKey: "pkg/b.go"},
	})
	require.NoError(t, err)

	chunk, err := d.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.Len(t, chunk.Items, 1)
	require.Equal(t, "pkg/b.go", chunk.Items[0].ResourceKey)
}

func TestStatisticsInvariantAcrossLifecycle(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.LoadWork(findings(12, CategoryWarning))
	require.NoError(t, err)
	requireInvariant(t, d)

	chunk, err := d.GetChunk("worker-a", 3)
	require.NoError(t, err)
	requireInvariant(t, d)

	require.NoError(t, d.CompleteChunk("worker-a", []Outcome{{ItemID: chunk.Items[0].ID, Success: true}}))
	requireInvariant(t, d)

	_, err = d.Reclaim(func(string) bool { return true })
	require.NoError(t, err)
	stats := requireInvariant(t, d)
	require.Equal(t, 12, stats.Total)
	require.True(t, stats.HasWork())
}

func TestResetDropsAllItems(t *testing.T) {
	d := newTestDistributor(t)

	_, err := d.LoadWork(findings(3, CategoryError))
	require.NoError(t, err)
	require.NoError(t, d.Reset())

	stats, err := d.Statistics()
	require.NoError(t, err)
	require.Equal(t, 0, stats.Total)
	require.False(t, stats.HasWork())
}
