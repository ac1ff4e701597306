// Package orchestrator owns the worker pool: launching, staggering,
// restarting, stopping, and broadcasting to the interactive agent sessions
// that consume work chunks. All pool state lives in a single Orchestrator
// value constructed on activation and torn down on deactivation; there are
// no package-level singletons.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-works/drover/config"
	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/log"
)

var (
	// ErrWorkerLaunch wraps per-worker session launch failures.
	ErrWorkerLaunch = errors.New("orchestrator: worker launch failed")
	// ErrWorkerNotFound means the worker id is unknown to the pool.
	ErrWorkerNotFound = errors.New("orchestrator: worker not found")
	// ErrChunkHeld means another worker already holds the chunk.
	ErrChunkHeld = errors.New("orchestrator: chunk already held by another worker")
)

const (
	// restartBackoffBase is the first retry delay; it doubles per attempt.
	restartBackoffBase = 2 * time.Second
	// restartBackoffMax caps any single retry delay.
	restartBackoffMax = 60 * time.Second
	// maxRestartAttempts bounds the automatic restart cycle before a worker
	// is permanently stopped.
	maxRestartAttempts = 3
	// stopGracePeriod is how long Stop waits for sessions to exit before
	// forcing teardown.
	stopGracePeriod = 10 * time.Second
	// eventBufferSize is the observer channel depth; events beyond it are
	// dropped rather than blocking the pool.
	eventBufferSize = 256
)

// Reclaimer returns a dead worker's unfinished items to the pending queue.
// Implemented by the work distributor.
type Reclaimer interface {
	Reclaim(isDead func(workerID string) bool) (int, error)
}

// Orchestrator supervises the worker pool.
type Orchestrator struct {
	cfg      *config.Config
	launcher SessionLauncher
	coord    *coordination.Coordinator
	reclaim  Reclaimer

	workDir            string
	initialInstruction string

	mu        sync.RWMutex
	workers   map[string]*worker
	order     []string
	workerSeq int

	events chan WorkerEvent

	// dropWarn rate-limits the full-channel warning so a wedged observer
	// does not flood the log.
	dropWarn   *log.Every
	dropWarnMu sync.Mutex

	// monitorBusy is the reentrancy guard: a monitor run that outlasts the
	// interval causes the next tick to be skipped, not queued.
	monitorBusy atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// sleep is injectable so backoff and stagger tests run instantly.
	sleep func(time.Duration)
}

// New constructs an Orchestrator. coord and reclaim may be nil (coordination
// disabled / no distributor), in which case lock sweeping and chunk reclaim
// are skipped.
func New(cfg *config.Config, launcher SessionLauncher, coord *coordination.Coordinator, reclaim Reclaimer, workDir, initialInstruction string) *Orchestrator {
	if launcher == nil {
		launcher = NewTmuxLauncher()
	}
	return &Orchestrator{
		cfg:                cfg,
		launcher:           launcher,
		coord:              coord,
		reclaim:            reclaim,
		workDir:            workDir,
		initialInstruction: initialInstruction,
		workers:            make(map[string]*worker),
		events:             make(chan WorkerEvent, eventBufferSize),
		dropWarn:           log.NewEvery(30 * time.Second),
		sleep:              time.Sleep,
	}
}

// Events returns the one-way worker event stream consumed by observers.
func (o *Orchestrator) Events() <-chan WorkerEvent {
	return o.events
}

// Start launches n new worker sessions, spaced by the configured stagger
// delay to avoid simultaneous resource contention. A launch failure stops
// only that worker; the rest of the batch proceeds. Returns the number of
// workers that came up.
func (o *Orchestrator) Start(n int) int {
	started := 0
	for i := 0; i < n; i++ {
		if i > 0 && o.cfg.StaggerDelaySeconds > 0 {
			o.sleep(time.Duration(o.cfg.StaggerDelaySeconds) * time.Second)
		}
		if err := o.launchWorker(); err != nil {
			log.ErrorLog.Printf("worker launch failed: %v", err)
			continue
		}
		started++
	}
	return started
}

func (o *Orchestrator) launchWorker() error {
	o.mu.Lock()
	o.workerSeq++
	name := fmt.Sprintf("worker-%d", o.workerSeq)
	id := uuid.NewString()
	w := &worker{
		status: WorkerStatus{
			ID:                  id,
			Name:                name,
			State:               StateStarting,
			ContextUsagePercent: -1,
			StartedAt:           time.Now(),
			LastHeartbeatAt:     time.Now(),
		},
	}
	o.workers[id] = w
	o.order = append(o.order, id)
	o.mu.Unlock()

	sess, err := o.launcher.Launch(LaunchSpec{
		ID:                 id,
		Name:               name,
		WorkDir:            o.workDir,
		Program:            o.cfg.DefaultProgram,
		InitialInstruction: o.initialInstruction,
	})

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		w.status.LastErr = err.Error()
		w.status.ErrorCount++
		o.setStateLocked(w, StateStopped)
		o.publish(WorkerEvent{WorkerID: id, Type: EventLaunchFailed, Err: err.Error(), Timestamp: time.Now()})
		return fmt.Errorf("%w: %s: %v", ErrWorkerLaunch, name, err)
	}
	w.session = sess
	o.setStateLocked(w, StateReady)
	log.InfoLog.Printf("worker %s (%s) ready", name, id)
	return nil
}

// setStateLocked transitions the worker and publishes a state event. The
// caller holds o.mu.
func (o *Orchestrator) setStateLocked(w *worker, to WorkerState) {
	from := w.status.State
	if err := w.transition(to); err != nil {
		log.WarningLog.Printf("%v", err)
		return
	}
	if from != to {
		o.publish(WorkerEvent{
			WorkerID:  w.status.ID,
			Type:      EventStateChanged,
			From:      from,
			To:        to,
			Timestamp: time.Now(),
		})
	}
}

// publish sends an event without blocking; a full observer channel drops the
// event.
func (o *Orchestrator) publish(ev WorkerEvent) {
	select {
	case o.events <- ev:
	default:
		o.dropWarnMu.Lock()
		warn := o.dropWarn.ShouldLog()
		o.dropWarnMu.Unlock()
		if warn {
			log.WarningLog.Printf("event channel full, dropping %s for worker %s", ev.Type, ev.WorkerID)
		}
	}
}

// Stop signals every worker to terminate, waits up to the grace period for
// sessions to exit, then forcibly tears down the stragglers.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}

	type liveWorker struct {
		w    *worker
		sess WorkerSession
	}
	o.mu.Lock()
	live := make([]liveWorker, 0, len(o.workers))
	for _, w := range o.workers {
		if w.status.State != StateStopped && w.session != nil {
			// Best-effort polite shutdown request.
			if err := w.session.SendPrompt("/exit"); err != nil {
				log.DebugLog.Printf("shutdown prompt to %s failed: %v", w.status.Name, err)
			}
			live = append(live, liveWorker{w, w.session})
		}
	}
	o.mu.Unlock()

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		remaining := 0
		for _, lw := range live {
			if lw.sess.Alive() {
				remaining++
			}
		}
		if remaining == 0 {
			break
		}
		o.sleep(500 * time.Millisecond)
	}

	o.mu.Lock()
	for _, lw := range live {
		// Kill the current session, not the snapshot: a concurrent restart
		// may have swapped it.
		if lw.w.session != nil {
			if err := lw.w.session.Kill(); err != nil {
				log.WarningLog.Printf("failed to kill session for %s: %v", lw.w.status.Name, err)
			}
		}
		o.setStateLocked(lw.w, StateStopped)
	}
	o.mu.Unlock()

	o.wg.Wait()
	log.InfoLog.Printf("orchestrator stopped")
}

// Broadcast sends a control instruction to every worker currently in
// Ready, Working, or Idle state. Best-effort: failures are logged, no
// acknowledgement is collected.
func (o *Orchestrator) Broadcast(command string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, id := range o.order {
		w := o.workers[id]
		switch w.status.State {
		case StateReady, StateWorking, StateIdle:
			if err := w.session.SendPrompt(command); err != nil {
				log.WarningLog.Printf("broadcast to %s failed: %v", w.status.Name, err)
			}
		}
	}
}

// Restart tears down and relaunches one worker's session. An unfinished
// chunk is reclaimed, never silently dropped. Retries follow exponential
// backoff bounded by the attempt cap; exhaustion marks the worker
// permanently Stopped and surfaces a distinct notification.
func (o *Orchestrator) Restart(workerID string) error {
	o.mu.Lock()
	w, ok := o.workers[workerID]
	if !ok {
		o.mu.Unlock()
		return ErrWorkerNotFound
	}
	if w.status.State == StateStopped {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: worker %s is stopped", workerID)
	}
	// Teardown counts as death for the state machine.
	if w.status.State != StateDead && w.status.State != StateStuck {
		o.setStateLocked(w, StateDead)
	}
	if w.session != nil {
		if err := w.session.Kill(); err != nil {
			log.WarningLog.Printf("teardown of %s failed: %v", w.status.Name, err)
		}
	}
	w.status.CurrentChunkID = ""
	name := w.status.Name
	o.mu.Unlock()

	// Return the dead worker's items to pending and free its claims.
	if o.reclaim != nil {
		if _, err := o.reclaim.Reclaim(func(id string) bool { return id == workerID }); err != nil {
			log.WarningLog.Printf("reclaim for %s failed: %v", name, err)
		}
	}
	if o.coord != nil {
		if err := o.coord.ReleaseAll(workerID); err != nil {
			log.WarningLog.Printf("lock release for %s failed: %v", name, err)
		}
	}

	for attempt := 0; attempt < maxRestartAttempts; attempt++ {
		o.sleep(BackoffDelay(attempt))

		o.mu.Lock()
		if w.status.State == StateStopped {
			o.mu.Unlock()
			log.InfoLog.Printf("restart of %s abandoned: worker stopped", name)
			return nil
		}
		o.setStateLocked(w, StateRestarting)
		o.mu.Unlock()

		sess, err := o.launcher.Launch(LaunchSpec{
			ID:                 workerID,
			Name:               name,
			WorkDir:            o.workDir,
			Program:            o.cfg.DefaultProgram,
			InitialInstruction: o.initialInstruction,
		})

		o.mu.Lock()
		if w.status.State == StateStopped {
			// Stop won the race while the relaunch was in flight; the fresh
			// session must not outlive the pool.
			o.mu.Unlock()
			if err == nil {
				if kerr := sess.Kill(); kerr != nil {
					log.WarningLog.Printf("teardown of relaunched session for %s failed: %v", name, kerr)
				}
			}
			log.InfoLog.Printf("restart of %s abandoned: worker stopped", name)
			return nil
		}
		w.status.RestartCount++
		if err == nil {
			w.session = sess
			w.status.LastErr = ""
			w.status.LastHeartbeatAt = time.Now()
			o.setStateLocked(w, StateReady)
			o.mu.Unlock()
			log.InfoLog.Printf("worker %s restarted (attempt %d)", name, attempt+1)
			return nil
		}
		w.status.LastErr = err.Error()
		w.status.ErrorCount++
		// Back to Dead so the next Restarting transition is legal.
		o.setStateLocked(w, StateDead)
		o.mu.Unlock()
		log.WarningLog.Printf("restart attempt %d for %s failed: %v", attempt+1, name, err)
	}

	o.mu.Lock()
	o.setStateLocked(w, StateStopped)
	o.mu.Unlock()
	o.publish(WorkerEvent{
		WorkerID:  workerID,
		Type:      EventRestartExhausted,
		Err:       fmt.Sprintf("worker %s permanently stopped after %d restart attempts", name, maxRestartAttempts),
		Timestamp: time.Now(),
	})
	return fmt.Errorf("%w: %s exhausted %d restart attempts", ErrWorkerLaunch, name, maxRestartAttempts)
}

// BackoffDelay returns the delay before restart attempt n (0-based).
// Non-decreasing in n and capped at the maximum.
func BackoffDelay(attempt int) time.Duration {
	d := restartBackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= restartBackoffMax {
			return restartBackoffMax
		}
	}
	return d
}

// MarkStuck flags a worker as stuck. Called by the health monitor when the
// idle timeout is exceeded mid-chunk.
func (o *Orchestrator) MarkStuck(workerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	o.setStateLocked(w, StateStuck)
	return nil
}

// AssignChunk records that a worker holds a chunk. At most one worker may
// hold any chunk id at a time.
func (o *Orchestrator) AssignChunk(workerID, chunkID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, other := range o.workers {
		if id != workerID && other.status.CurrentChunkID == chunkID && chunkID != "" {
			return fmt.Errorf("%w: %s", ErrChunkHeld, chunkID)
		}
	}
	w, ok := o.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.status.CurrentChunkID = chunkID
	o.setStateLocked(w, StateWorking)
	return nil
}

// CompleteChunk clears a worker's chunk and bumps its completion count.
func (o *Orchestrator) CompleteChunk(workerID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.status.CurrentChunkID = ""
	w.status.ChunksCompleted++
	o.setStateLocked(w, StateIdle)
	return nil
}

// SendPrompt sends text to one worker's session.
func (o *Orchestrator) SendPrompt(workerID, text string) error {
	o.mu.RLock()
	w, ok := o.workers[workerID]
	o.mu.RUnlock()
	if !ok || w.session == nil {
		return ErrWorkerNotFound
	}
	return w.session.SendPrompt(text)
}

// Workers returns a point-in-time copy of every worker's status.
func (o *Orchestrator) Workers() []WorkerStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.workers[id].status)
	}
	return out
}

// ActiveCount returns the number of workers able to take work.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, w := range o.workers {
		switch w.status.State {
		case StateStarting, StateReady, StateWorking, StateIdle:
			n++
		}
	}
	return n
}

// IsDead reports whether a worker can no longer make progress. The
// distributor uses this during reclaim.
func (o *Orchestrator) IsDead(workerID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	w, ok := o.workers[workerID]
	if !ok {
		return true
	}
	switch w.status.State {
	case StateDead, StateStopped:
		return true
	}
	return false
}

// StartMonitor launches the periodic monitor loop: polls each worker's
// observable state, updates the context-usage signal, tells an individual
// worker to clear context when it crosses the threshold, and sweeps stale
// locks. Reentrancy-guarded: a run that outlasts the interval causes the
// next tick to be skipped, not queued.
func (o *Orchestrator) StartMonitor(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	interval := time.Duration(o.cfg.HealthCheckIntervalSeconds) * time.Second
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !o.monitorBusy.CompareAndSwap(false, true) {
					log.DebugLog.Printf("monitor run still in progress, skipping tick")
					continue
				}
				o.monitorOnce()
				o.monitorBusy.Store(false)
			}
		}
	}()
}

// monitorOnce is a single monitor pass.
func (o *Orchestrator) monitorOnce() {
	o.mu.Lock()
	snapshot := make([]*worker, 0, len(o.order))
	for _, id := range o.order {
		snapshot = append(snapshot, o.workers[id])
	}
	o.mu.Unlock()

	var crashed []string
	for _, w := range snapshot {
		o.mu.Lock()
		state := w.status.State
		sess := w.session
		o.mu.Unlock()
		if state == StateStopped || state == StateRestarting || state == StateStarting || sess == nil {
			continue
		}

		if !sess.Alive() {
			o.mu.Lock()
			w.status.LastErr = "session terminated"
			w.status.ErrorCount++
			o.setStateLocked(w, StateDead)
			o.mu.Unlock()
			crashed = append(crashed, w.status.ID)
			continue
		}

		updated, err := sess.HasUpdated()
		if err != nil {
			log.DebugLog.Printf("poll of %s failed: %v", w.status.Name, err)
			continue
		}

		usage := sess.ContextUsagePercent()

		o.mu.Lock()
		if updated {
			w.status.LastHeartbeatAt = time.Now()
			if w.status.CurrentChunkID != "" {
				o.setStateLocked(w, StateWorking)
			}
		} else if w.status.State == StateWorking {
			o.setStateLocked(w, StateIdle)
		}
		if usage >= 0 {
			w.status.ContextUsagePercent = usage
		}
		needsClear := usage >= o.cfg.ContextClearThresholdPercent
		id, name := w.status.ID, w.status.Name
		o.mu.Unlock()

		if needsClear {
			// Only the affected worker gets the clear instruction.
			if err := sess.SendPrompt("/clear"); err != nil {
				log.WarningLog.Printf("context clear for %s failed: %v", name, err)
			} else {
				log.InfoLog.Printf("told %s to clear context (usage %d%%)", name, usage)
				o.publish(WorkerEvent{WorkerID: id, Type: EventContextCleared, Timestamp: time.Now()})
			}
		}
	}

	if o.cfg.AutoRestart {
		for _, id := range crashed {
			id := id
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := o.Restart(id); err != nil {
					log.ErrorLog.Printf("restart failed: %v", err)
				}
			}()
		}
	}

	if o.coord != nil && o.cfg.CoordinationEnabled {
		if _, err := o.coord.SweepStaleLocks(); err != nil {
			log.WarningLog.Printf("stale lock sweep failed: %v", err)
		}
		if _, err := o.coord.SweepStaleClaims(); err != nil {
			log.WarningLog.Printf("stale claim sweep failed: %v", err)
		}
	}
}

// MonitorOnce runs a single monitor pass synchronously. Exposed for the
// detector loop and tests.
func (o *Orchestrator) MonitorOnce() {
	if !o.monitorBusy.CompareAndSwap(false, true) {
		return
	}
	o.monitorOnce()
	o.monitorBusy.Store(false)
}
