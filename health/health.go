// Package health watches the worker pool from the outside. It consumes the
// orchestrator's status snapshots, infers stuck workers from heartbeat
// recency, and escalates through a narrow interface rather than reaching
// into pool internals.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/orchestrator"
)

const (
	// DefaultStuckTimeout is how long a mid-chunk worker may go without new
	// output before an observation counts against it.
	DefaultStuckTimeout = 5 * time.Minute
	// DefaultStuckObservations is how many consecutive over-timeout
	// observations it takes before escalation. A single slow poll is not
	// enough.
	DefaultStuckObservations = 2
	// maxNotices bounds the retained pool-event notices; oldest drop first.
	maxNotices = 32
)

// StatusSource yields point-in-time worker statuses. The orchestrator
// satisfies it.
type StatusSource interface {
	Workers() []orchestrator.WorkerStatus
}

// Escalator receives stuck-worker decisions. The orchestrator satisfies it:
// MarkStuck flips the state machine, Restart recycles the session.
type Escalator interface {
	MarkStuck(workerID string) error
	Restart(workerID string) error
}

// Options tune the monitor.
type Options struct {
	StuckTimeout      time.Duration
	StuckObservations int
	Interval          time.Duration
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		StuckTimeout:      DefaultStuckTimeout,
		StuckObservations: DefaultStuckObservations,
		Interval:          30 * time.Second,
	}
}

// Monitor performs periodic health checks over the pool.
type Monitor struct {
	source    StatusSource
	escalator Escalator
	opts      Options

	mu sync.Mutex
	// stale counts consecutive over-timeout observations per worker.
	stale map[string]int
	// notices retains operator-relevant worker events for the snapshot.
	notices []Notice

	busy atomic.Bool
	now  func() time.Time
}

// New constructs a Monitor. escalator may be nil for observe-only use.
func New(source StatusSource, escalator Escalator, opts Options) *Monitor {
	if opts.StuckTimeout <= 0 {
		opts.StuckTimeout = DefaultStuckTimeout
	}
	if opts.StuckObservations <= 0 {
		opts.StuckObservations = DefaultStuckObservations
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Monitor{
		source:    source,
		escalator: escalator,
		opts:      opts,
		stale:     make(map[string]int),
		now:       time.Now,
	}
}

// SetClock overrides the time source for tests.
func (m *Monitor) SetClock(now func() time.Time) {
	m.now = now
}

// Observe runs one health pass: workers holding a chunk whose heartbeat is
// older than the stuck timeout accumulate strikes; crossing the observation
// threshold escalates. A fresh heartbeat resets the count.
func (m *Monitor) Observe() {
	statuses := m.source.Workers()
	now := m.now()

	type escalation struct{ id, name string }
	var toEscalate []escalation

	m.mu.Lock()
	seen := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		seen[st.ID] = true
		if st.State != orchestrator.StateWorking || st.CurrentChunkID == "" {
			m.stale[st.ID] = 0
			continue
		}
		if now.Sub(st.LastHeartbeatAt) < m.opts.StuckTimeout {
			m.stale[st.ID] = 0
			continue
		}
		m.stale[st.ID]++
		if m.stale[st.ID] >= m.opts.StuckObservations {
			m.stale[st.ID] = 0
			toEscalate = append(toEscalate, escalation{st.ID, st.Name})
		}
	}
	// Drop counters for workers that left the pool.
	for id := range m.stale {
		if !seen[id] {
			delete(m.stale, id)
		}
	}
	m.mu.Unlock()

	if m.escalator == nil {
		return
	}
	for _, e := range toEscalate {
		log.WarningLog.Printf("worker %s stuck for %s, escalating", e.name, m.opts.StuckTimeout)
		if err := m.escalator.MarkStuck(e.id); err != nil {
			log.WarningLog.Printf("mark stuck for %s failed: %v", e.name, err)
			continue
		}
		if err := m.escalator.Restart(e.id); err != nil {
			log.ErrorLog.Printf("restart of stuck worker %s failed: %v", e.name, err)
		}
	}
}

// Notice is one retained pool-level event worth an operator's attention,
// such as a launch failure or restart exhaustion.
type Notice struct {
	WorkerID string    `json:"worker_id"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// ObserveEvent records operator-relevant worker events. Routine state
// changes pass through untracked; launch failures and restart exhaustion
// are kept for the snapshot.
func (m *Monitor) ObserveEvent(ev orchestrator.WorkerEvent) {
	var msg string
	switch ev.Type {
	case orchestrator.EventLaunchFailed:
		msg = "launch failed: " + ev.Err
	case orchestrator.EventRestartExhausted:
		msg = ev.Err
	default:
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, Notice{WorkerID: ev.WorkerID, Message: msg, At: ev.Timestamp})
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

// Run loops Observe on the configured interval until ctx is cancelled. A
// pass that outlasts the interval causes the next tick to be skipped.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.busy.CompareAndSwap(false, true) {
				log.DebugLog.Printf("health pass still in progress, skipping tick")
				continue
			}
			m.Observe()
			m.busy.Store(false)
		}
	}
}

// WorkerReport is the per-worker slice of the snapshot.
type WorkerReport struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	State               string    `json:"state"`
	RuntimeSeconds      int64     `json:"runtime_seconds"`
	LastHeartbeatAt     time.Time `json:"last_heartbeat_at"`
	ContextUsagePercent int       `json:"context_usage_percent"`
	CurrentChunkID      string    `json:"current_chunk_id,omitempty"`
	ChunksCompleted     int       `json:"chunks_completed"`
	RestartCount        int       `json:"restart_count"`
	ErrorCount          int       `json:"error_count"`
	LastErr             string    `json:"last_err,omitempty"`
}

// Snapshot is the machine-readable pool health report.
type Snapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Workers     []WorkerReport `json:"workers"`
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	Stuck       int            `json:"stuck"`
	Dead        int            `json:"dead"`
	Stopped     int            `json:"stopped"`
	Notices     []Notice       `json:"notices,omitempty"`
}

// BuildSnapshot assembles the current health snapshot.
func (m *Monitor) BuildSnapshot() Snapshot {
	statuses := m.source.Workers()
	now := m.now()
	snap := Snapshot{
		GeneratedAt: now,
		Workers:     make([]WorkerReport, 0, len(statuses)),
		Total:       len(statuses),
	}
	for _, st := range statuses {
		snap.Workers = append(snap.Workers, WorkerReport{
			ID:                  st.ID,
			Name:                st.Name,
			State:               st.State.String(),
			RuntimeSeconds:      int64(now.Sub(st.StartedAt).Seconds()),
			LastHeartbeatAt:     st.LastHeartbeatAt,
			ContextUsagePercent: st.ContextUsagePercent,
			CurrentChunkID:      st.CurrentChunkID,
			ChunksCompleted:     st.ChunksCompleted,
			RestartCount:        st.RestartCount,
			ErrorCount:          st.ErrorCount,
			LastErr:             st.LastErr,
		})
		switch st.State {
		case orchestrator.StateReady, orchestrator.StateWorking, orchestrator.StateIdle, orchestrator.StateStarting:
			snap.Active++
		case orchestrator.StateStuck:
			snap.Stuck++
		case orchestrator.StateDead:
			snap.Dead++
		case orchestrator.StateStopped:
			snap.Stopped++
		}
	}
	m.mu.Lock()
	snap.Notices = append([]Notice(nil), m.notices...)
	m.mu.Unlock()
	return snap
}

// SnapshotJSON renders the snapshot as indented JSON.
func (m *Monitor) SnapshotJSON() ([]byte, error) {
	return json.MarshalIndent(m.BuildSnapshot(), "", "  ")
}
