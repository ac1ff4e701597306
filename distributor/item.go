// Package distributor turns raw probe findings into work items and hands
// them out to workers in atomically-assigned chunks.
package distributor

import (
	"time"
)

// Category classifies a work item by the kind of problem it fixes.
type Category string

const (
	CategoryError       Category = "error"
	CategoryWarning     Category = "warning"
	CategoryStyle       Category = "style"
	CategoryTodo        Category = "todo"
	CategoryTestFailure Category = "test-failure"
	CategoryBuildError  Category = "build-error"
)

// Priority orders the pending queue: errors before warnings before
// style/todo, ties broken by detection order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// priorityFor maps a category to its queue priority.
func priorityFor(c Category) Priority {
	switch c {
	case CategoryError, CategoryBuildError, CategoryTestFailure:
		return PriorityHigh
	case CategoryWarning:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

// Status is the lifecycle state of a work item. Items are never deleted,
// only status-transitioned.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RawFinding is one parsed line of probe output before deduplication.
type RawFinding struct {
	Category    Category `json:"category"`
	Description string   `json:"description"`
	// ResourceKey is the file path or feature the finding refers to, when
	// one could be extracted. Used for lock coordination.
	ResourceKey string `json:"resource_key,omitempty"`
}

// WorkItem is a single unit of backlog work.
type WorkItem struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Priority    Priority `json:"priority"`
	ResourceKey string   `json:"resource_key,omitempty"`
	Status      Status   `json:"status"`

	// Seq preserves detection order for priority ties.
	Seq int `json:"seq"`

	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	ChunkID          string     `json:"chunk_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Chunk is an ordered, non-empty batch of items assigned to exactly one
// worker at a time. It dissolves on completion or reclaim; the items revert
// to individual tracking.
type Chunk struct {
	ID         string     `json:"id"`
	WorkerID   string     `json:"worker_id"`
	Items      []WorkItem `json:"items"`
	AssignedAt time.Time  `json:"assigned_at"`
}

// Outcome reports how a worker finished one item of its chunk.
type Outcome struct {
	ItemID  string `json:"item_id"`
	Success bool   `json:"success"`
}

// Stats are the item counts used for reporting and shutdown decisions.
type Stats struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// HasWork reports whether any pending or assigned items remain.
func (s Stats) HasWork() bool {
	return s.Pending > 0 || s.Assigned > 0
}
