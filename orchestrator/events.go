package orchestrator

import "time"

// EventType classifies worker lifecycle events.
type EventType string

const (
	// EventStateChanged fires on every state-machine transition.
	EventStateChanged EventType = "state_changed"
	// EventLaunchFailed fires when a session launch fails; the worker is
	// marked Stopped but the rest of the pool keeps going.
	EventLaunchFailed EventType = "launch_failed"
	// EventRestartExhausted fires when restart attempts hit the cap and the
	// worker is permanently stopped. Surfaced distinctly so repeated
	// exhaustion for the same worker is actionable.
	EventRestartExhausted EventType = "restart_exhausted"
	// EventContextCleared fires when a worker was told to clear its
	// accumulated context.
	EventContextCleared EventType = "context_cleared"
)

// WorkerEvent is the one-way notification stream from the orchestrator to
// observers such as the health monitor. There is no observer→orchestrator
// back-reference.
type WorkerEvent struct {
	WorkerID  string      `json:"worker_id"`
	Type      EventType   `json:"type"`
	From      WorkerState `json:"from,omitempty"`
	To        WorkerState `json:"to,omitempty"`
	Err       string      `json:"err,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
