package mcp

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/registry"
)

func TestMain(m *testing.M) {
	log.Initialize()
	code := m.Run()
	log.Close()
	os.Exit(code)
}

// resultText extracts the text string from a CallToolResult.
func resultText(t *testing.T, result *gomcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := gomcp.AsTextContent(result.Content[0])
	require.True(t, ok, "result content[0] is not TextContent")
	return tc.Text
}

func newTestBackend(t *testing.T) (*coordination.Coordinator, *distributor.Distributor) {
	t.Helper()
	dir := t.TempDir()
	coord := coordination.New(registry.New(dir))
	return coord, distributor.New(dir, coord, distributor.DefaultOptions())
}

func callWith(args map[string]any) gomcp.CallToolRequest {
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func TestHandleClaimAndReleaseResource(t *testing.T) {
	coord, _ := newTestBackend(t)
	claimA := handleClaimResource(coord, "worker-a", time.Minute)
	claimB := handleClaimResource(coord, "worker-b", time.Minute)
	releaseA := handleReleaseResource(coord, "worker-a")

	result, err := claimA(context.Background(), callWith(map[string]any{"resource": "pkg/a.go"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "Claimed pkg/a.go")

	// The other worker is denied, not errored.
	result, err = claimB(context.Background(), callWith(map[string]any{"resource": "pkg/a.go"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "DENIED")

	result, err = releaseA(context.Background(), callWith(map[string]any{"resource": "pkg/a.go"}))
	require.NoError(t, err)
	require.Contains(t, resultText(t, result), "Released")

	result, err = claimB(context.Background(), callWith(map[string]any{"resource": "pkg/a.go"}))
	require.NoError(t, err)
	require.Contains(t, resultText(t, result), "Claimed")
}

func TestHandleClaimResourceMissingParam(t *testing.T) {
	coord, _ := newTestBackend(t)
	handler := handleClaimResource(coord, "worker-a", time.Minute)

	result, err := handler(context.Background(), callWith(nil))
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestHandleCompleteItems(t *testing.T) {
	coord, dist := newTestBackend(t)
	_ = coord

	_, err := dist.LoadWork([]distributor.RawFinding{
		{Category: distributor.CategoryError, Description: "one"},
		{Category: distributor.CategoryError, Description: "two"},
	})
	require.NoError(t, err)
	chunk, err := dist.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.Len(t, chunk.Items, 1)

	handler := handleCompleteItems(dist, "worker-a")
	result, err := handler(context.Background(), callWith(map[string]any{
		"item_ids": chunk.Items[0].ID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Contains(t, resultText(t, result), "Recorded 1")

	stats, err := dist.Statistics()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
}

func TestHandleCompleteItemsFailedSubset(t *testing.T) {
	_, dist := newTestBackend(t)

	_, err := dist.LoadWork([]distributor.RawFinding{
		{Category: distributor.CategoryError, Description: "one"},
		{Category: distributor.CategoryError, Description: "two"},
		{Category: distributor.CategoryError, Description: "three"},
		{Category: distributor.CategoryError, Description: "four"},
	})
	require.NoError(t, err)
	chunk, err := dist.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.Len(t, chunk.Items, 2)

	handler := handleCompleteItems(dist, "worker-a")
	_, err = handler(context.Background(), callWith(map[string]any{
		"item_ids":        chunk.Items[0].ID + ", " + chunk.Items[1].ID,
		"failed_item_ids": chunk.Items[1].ID,
	}))
	require.NoError(t, err)

	stats, err := dist.Statistics()
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
	require.Equal(t, 1, stats.Failed)
}

func TestHandlePoolStatus(t *testing.T) {
	coord, dist := newTestBackend(t)

	_, err := dist.LoadWork([]distributor.RawFinding{
		{Category: distributor.CategoryError, Description: "one", ResourceKey: "pkg/a.go"},
	})
	require.NoError(t, err)
	_, err = dist.GetChunk("worker-a", 1)
	require.NoError(t, err)
	require.NoError(t, coord.AcquireLock("pkg/a.go", "worker-a", time.Minute))

	handler := handlePoolStatus(coord, dist)
	result, err := handler(context.Background(), gomcp.CallToolRequest{})
	require.NoError(t, err)
	require.False(t, result.IsError)

	var view poolView
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &view))
	require.Equal(t, 1, view.Stats.Assigned)
	require.Len(t, view.Active, 1)
	require.Len(t, view.Locks, 1)
	require.Equal(t, "worker-a", view.Locks[0].WorkerID)
}

func TestSplitIDs(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitIDs("a, b ,c"))
	require.Empty(t, splitIDs(" , ,"))
	require.Empty(t, splitIDs(""))
}
