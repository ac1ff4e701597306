package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/log"
)

// poolView is the JSON representation returned by pool_status.
type poolView struct {
	Stats  distributor.Stats `json:"stats"`
	Active []activeView      `json:"active_claims"`
	Locks  []lockView        `json:"locks"`
}

type activeView struct {
	ItemID      string `json:"item_id"`
	WorkerID    string `json:"worker_id"`
	Description string `json:"description"`
}

type lockView struct {
	Resource string    `json:"resource"`
	WorkerID string    `json:"worker_id"`
	Expires  time.Time `json:"expires"`
}

func handlePoolStatus(coord *coordination.Coordinator, dist *distributor.Distributor) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.DebugLog.Printf("tool call: pool_status")
		stats, err := dist.Statistics()
		if err != nil {
			return gomcp.NewToolResultError("failed to read work statistics: " + err.Error()), nil
		}
		doc, err := coord.Snapshot()
		if err != nil {
			return gomcp.NewToolResultError("failed to read registry: " + err.Error()), nil
		}

		view := poolView{Stats: stats}
		for _, claim := range doc.Active {
			view.Active = append(view.Active, activeView{
				ItemID:      claim.ItemID,
				WorkerID:    claim.WorkerID,
				Description: claim.Description,
			})
		}
		for key, lock := range doc.Locks {
			view.Locks = append(view.Locks, lockView{
				Resource: key,
				WorkerID: lock.HolderWorkerID,
				Expires:  lock.AcquiredAt.Add(time.Duration(lock.TTLSeconds) * time.Second),
			})
		}

		data, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal pool status: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

func handleClaimResource(coord *coordination.Coordinator, workerID string, ttl time.Duration) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resource := strings.TrimSpace(req.GetString("resource", ""))
		if resource == "" {
			return gomcp.NewToolResultError("missing required parameter: resource"), nil
		}
		log.DebugLog.Printf("tool call: claim_resource %s by %s", resource, workerID)

		err := coord.AcquireLock(resource, workerID, ttl)
		if errors.Is(err, coordination.ErrLockConflict) {
			return gomcp.NewToolResultText("DENIED: " + resource + " is held by another worker. Work on a different item and retry later."), nil
		}
		if err != nil {
			return gomcp.NewToolResultError("failed to claim " + resource + ": " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Claimed " + resource + ". Release it with release_resource when done."), nil
	}
}

func handleReleaseResource(coord *coordination.Coordinator, workerID string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		resource := strings.TrimSpace(req.GetString("resource", ""))
		if resource == "" {
			return gomcp.NewToolResultError("missing required parameter: resource"), nil
		}
		log.DebugLog.Printf("tool call: release_resource %s by %s", resource, workerID)

		if err := coord.ReleaseLock(resource, workerID); err != nil {
			return gomcp.NewToolResultError("failed to release " + resource + ": " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Released " + resource + "."), nil
	}
}

func handleCompleteItems(dist *distributor.Distributor, workerID string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		idsArg := req.GetString("item_ids", "")
		ids := splitIDs(idsArg)
		if len(ids) == 0 {
			return gomcp.NewToolResultError("missing required parameter: item_ids"), nil
		}
		failed := make(map[string]bool)
		for _, id := range splitIDs(req.GetString("failed_item_ids", "")) {
			failed[id] = true
		}
		log.DebugLog.Printf("tool call: complete_items %d items by %s", len(ids), workerID)

		outcomes := make([]distributor.Outcome, 0, len(ids))
		for _, id := range ids {
			outcomes = append(outcomes, distributor.Outcome{ItemID: id, Success: !failed[id]})
		}
		if err := dist.CompleteChunk(workerID, outcomes); err != nil {
			return gomcp.NewToolResultError("failed to record completions: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Recorded " + strconv.Itoa(len(outcomes)) + " item outcomes."), nil
	}
}

func splitIDs(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
