package orchestrator

import (
	"fmt"
	"time"
)

// WorkerState is the lifecycle state of a pool worker.
type WorkerState int

const (
	// StateStarting means the session launch is in flight.
	StateStarting WorkerState = iota
	// StateReady means the session is up and waiting for work.
	StateReady
	// StateWorking means the worker is processing a chunk.
	StateWorking
	// StateIdle means the worker produced no new output but is alive.
	StateIdle
	// StateStuck means the worker exceeded the idle timeout mid-chunk.
	StateStuck
	// StateDead means the worker's session no longer exists.
	StateDead
	// StateRestarting means a teardown/relaunch cycle is in progress.
	StateRestarting
	// StateStopped is terminal: the worker was shut down or gave up.
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateReady:
		return "Ready"
	case StateWorking:
		return "Working"
	case StateIdle:
		return "Idle"
	case StateStuck:
		return "Stuck"
	case StateDead:
		return "Dead"
	case StateRestarting:
		return "Restarting"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// MarshalText lets WorkerState serialize as its name in JSON snapshots.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// validTransitions enumerates the allowed state-machine edges. Stopped is
// terminal and reachable from any non-terminal state.
var validTransitions = map[WorkerState][]WorkerState{
	StateStarting:   {StateReady},
	StateReady:      {StateWorking, StateIdle, StateStuck, StateDead},
	StateWorking:    {StateIdle, StateStuck, StateDead},
	StateIdle:       {StateWorking, StateStuck, StateDead, StateRestarting},
	StateStuck:      {StateRestarting, StateDead},
	StateDead:       {StateRestarting},
	StateRestarting: {StateReady, StateDead},
	StateStopped:    {},
}

// canTransition reports whether from→to is a legal edge.
func canTransition(from, to WorkerState) bool {
	if from == StateStopped {
		return false
	}
	if to == StateStopped {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkerStatus is the externally visible record of one worker. It is
// JSON-serializable for the health snapshot.
type WorkerStatus struct {
	ID    string      `json:"id"`
	Name  string      `json:"name"`
	State WorkerState `json:"state"`
	// LastHeartbeatAt is the last time the worker produced new output.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// ContextUsagePercent is the opaque usage signal from the worker's own
	// output; -1 when absent.
	ContextUsagePercent int    `json:"context_usage_percent"`
	CurrentChunkID      string `json:"current_chunk_id,omitempty"`
	RestartCount        int    `json:"restart_count"`
	ChunksCompleted     int    `json:"chunks_completed"`
	ErrorCount          int    `json:"error_count"`
	LastErr             string `json:"last_err,omitempty"`
	StartedAt           time.Time `json:"started_at"`
}

// worker pairs a status record with its live session. Guarded by the
// orchestrator's mutex.
type worker struct {
	status  WorkerStatus
	session WorkerSession
}

// transition moves the worker along a legal state-machine edge.
func (w *worker) transition(to WorkerState) error {
	from := w.status.State
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return fmt.Errorf("orchestrator: illegal worker transition %s -> %s", from, to)
	}
	w.status.State = to
	return nil
}
