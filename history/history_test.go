package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundry-works/drover/distributor"
)

func TestRecordAndRecent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(Entry{
			ItemID:      "item-" + string(rune('a'+i)),
			WorkerID:    "w1",
			Category:    "error",
			Description: "broken thing",
			Outcome:     "completed",
			CompletedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	entries, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Most recent first.
	require.Equal(t, "item-c", entries[0].ItemID)
	require.Equal(t, "item-b", entries[1].ItemID)
	require.True(t, entries[0].CompletedAt.Equal(base.Add(2*time.Minute)))
}

func TestByWorker(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Record(Entry{ItemID: "i1", WorkerID: "w1", Category: "error", Description: "x", Outcome: "completed"}))
	require.NoError(t, s.Record(Entry{ItemID: "i2", WorkerID: "w2", Category: "todo", Description: "y", Outcome: "failed"}))
	require.NoError(t, s.Record(Entry{ItemID: "i3", WorkerID: "w1", Category: "warning", Description: "z", Outcome: "completed"}))

	entries, err := s.ByWorker("w1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "i1", entries[0].ItemID)
	require.Equal(t, "i3", entries[1].ItemID)
}

func TestCounts(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	// Outcomes are final item statuses, exactly as the recorder writes them.
	require.NoError(t, s.Record(Entry{ItemID: "i1", WorkerID: "w1", Outcome: string(distributor.StatusCompleted)}))
	require.NoError(t, s.Record(Entry{ItemID: "i2", WorkerID: "w1", Outcome: string(distributor.StatusCompleted)}))
	require.NoError(t, s.Record(Entry{ItemID: "i3", WorkerID: "w2", Outcome: string(distributor.StatusFailed)}))

	ok, failed, err := s.Counts()
	require.NoError(t, err)
	require.Equal(t, 2, ok)
	require.Equal(t, 1, failed)
}

func TestOpenIsReusable(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Record(Entry{ItemID: "i1", WorkerID: "w1", Outcome: "completed"}))
	require.NoError(t, s.Close())

	// Reopening sees the previous records.
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
