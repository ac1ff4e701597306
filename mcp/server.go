// Package mcp exposes the coordination protocol to worker sessions over the
// Model Context Protocol. Each worker runs `drover mcp` as a stdio server
// and uses the tools to claim resources, report completions, and check the
// pool before touching shared files.
package mcp

import (
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/log"
)

const serverInstructions = "You are one of several Drover workers fixing problems in this repository in parallel. " +
	"Before editing any file, call claim_resource with the file path; if the claim fails, pick a " +
	"different item and retry that file later. Release claims with release_resource as soon as you " +
	"finish a file. Report every finished work item with complete_items. " +
	"Use pool_status to see the backlog and what other workers hold."

// defaultLockTTL bounds how long an unrenewed claim survives a crashed
// worker before the sweep frees it.
const defaultLockTTL = 10 * time.Minute

// DroverMCPServer wraps an MCP server around the shared work registry.
type DroverMCPServer struct {
	server   *mcpserver.MCPServer
	coord    *coordination.Coordinator
	dist     *distributor.Distributor
	workerID string
	lockTTL  time.Duration
}

// NewServer creates the MCP server for one worker. workerID identifies the
// caller in all registry writes.
func NewServer(coord *coordination.Coordinator, dist *distributor.Distributor, workerID string) *DroverMCPServer {
	s := mcpserver.NewMCPServer(
		"drover",
		"0.1.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	d := &DroverMCPServer{
		server:   s,
		coord:    coord,
		dist:     dist,
		workerID: workerID,
		lockTTL:  defaultLockTTL,
	}
	d.registerTools()
	log.DebugLog.Printf("mcp server created for worker %s", workerID)
	return d
}

func (d *DroverMCPServer) registerTools() {
	poolStatus := gomcp.NewTool("pool_status",
		gomcp.WithDescription(
			"See the work backlog statistics, active claims, and held resource locks. "+
				"Use this to understand what the pool is working on before starting.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	d.server.AddTool(poolStatus, handlePoolStatus(d.coord, d.dist))

	claimResource := gomcp.NewTool("claim_resource",
		gomcp.WithDescription(
			"Claim exclusive access to a file or feature before editing it. "+
				"Fails if another worker holds an unexpired claim; in that case work on "+
				"something else and retry later.",
		),
		gomcp.WithString("resource",
			gomcp.Required(),
			gomcp.Description("File path or feature key to claim."),
		),
	)
	d.server.AddTool(claimResource, handleClaimResource(d.coord, d.workerID, d.lockTTL))

	releaseResource := gomcp.NewTool("release_resource",
		gomcp.WithDescription(
			"Release a previously claimed file or feature so other workers can take it.",
		),
		gomcp.WithString("resource",
			gomcp.Required(),
			gomcp.Description("File path or feature key to release."),
		),
	)
	d.server.AddTool(releaseResource, handleReleaseResource(d.coord, d.workerID))

	completeItems := gomcp.NewTool("complete_items",
		gomcp.WithDescription(
			"Report finished work items from your assigned chunk. item_ids is a "+
				"comma-separated list; failed_item_ids marks the subset you could not fix.",
		),
		gomcp.WithString("item_ids",
			gomcp.Required(),
			gomcp.Description("Comma-separated work item ids you finished."),
		),
		gomcp.WithString("failed_item_ids",
			gomcp.Description("Comma-separated subset of item_ids that could not be fixed."),
		),
	)
	d.server.AddTool(completeItems, handleCompleteItems(d.dist, d.workerID))
}

// Serve starts the MCP server using stdio transport.
func (d *DroverMCPServer) Serve() error {
	return mcpserver.ServeStdio(d.server)
}
