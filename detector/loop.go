package detector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foundry-works/drover/config"
	"github.com/foundry-works/drover/distributor"
	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/orchestrator"
)

// Pool is the slice of the orchestrator the autoscale loop drives.
type Pool interface {
	Start(n int) int
	Stop()
	ActiveCount() int
	Workers() []orchestrator.WorkerStatus
	AssignChunk(workerID, chunkID string) error
	SendPrompt(workerID, text string) error
}

// Loop is the periodic detect/scale/distribute/shutdown cycle.
type Loop struct {
	cfg      *config.Config
	detector *Detector
	dist     *distributor.Distributor
	pool     Pool

	busy atomic.Bool
	done chan struct{}
}

// NewLoop wires the autoscale loop.
func NewLoop(cfg *config.Config, det *Detector, dist *distributor.Distributor, pool Pool) *Loop {
	return &Loop{
		cfg:      cfg,
		detector: det,
		dist:     dist,
		pool:     pool,
		done:     make(chan struct{}),
	}
}

// Done is closed when the loop halts, either by cancellation or by
// auto-shutdown on an empty backlog.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Run drives cycles on the configured detection interval until ctx is
// cancelled or auto-shutdown fires. Reentrancy-guarded: a cycle that
// outlasts the interval causes the next tick to be skipped, not queued.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	interval := time.Duration(l.cfg.WorkDetectionIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First cycle immediately rather than one interval in.
	if l.guardedCycle() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.guardedCycle() {
				return
			}
		}
	}
}

// guardedCycle runs one cycle under the reentrancy guard and reports
// whether the loop should halt.
func (l *Loop) guardedCycle() bool {
	if !l.busy.CompareAndSwap(false, true) {
		log.DebugLog.Printf("detection cycle still in progress, skipping tick")
		return false
	}
	defer l.busy.Store(false)
	return l.Cycle()
}

// Cycle runs one detect/scale/distribute pass. Returns true when the loop
// should halt (auto-shutdown on empty backlog).
func (l *Loop) Cycle() bool {
	findings := l.detector.DetectWork()
	if len(findings) > 0 {
		added, err := l.dist.LoadWork(findings)
		if err != nil {
			log.ErrorLog.Printf("loading detected work failed: %v", err)
		} else if added > 0 {
			log.InfoLog.Printf("detected %d findings, %d new items", len(findings), added)
		}
	}

	stats, err := l.dist.Statistics()
	if err != nil {
		log.ErrorLog.Printf("reading work statistics failed: %v", err)
		return false
	}

	if !stats.HasWork() {
		if l.cfg.AutoShutdown {
			log.InfoLog.Printf("backlog empty, shutting down pool")
			l.pool.Stop()
			return true
		}
		return false
	}

	if l.cfg.AutoScale {
		want := SuggestedForBacklog(stats, l.cfg.MaxAgents)
		if grow := want - l.pool.ActiveCount(); grow > 0 {
			log.InfoLog.Printf("scaling pool up by %d toward %d workers", grow, want)
			l.pool.Start(grow)
		}
	}

	l.distribute()
	return false
}

// distribute hands a chunk to every worker that can take one.
func (l *Loop) distribute() {
	active := l.pool.ActiveCount()
	if active == 0 {
		return
	}
	for _, w := range l.pool.Workers() {
		if w.State != orchestrator.StateReady && w.State != orchestrator.StateIdle {
			continue
		}
		chunk, err := l.dist.GetChunk(w.ID, active)
		if err != nil {
			if !errors.Is(err, distributor.ErrNoWork) && !errors.Is(err, distributor.ErrChunkOutstanding) {
				log.WarningLog.Printf("chunk assignment for %s failed: %v", w.Name, err)
			}
			continue
		}
		if err := l.pool.AssignChunk(w.ID, chunk.ID); err != nil {
			log.WarningLog.Printf("recording chunk for %s failed: %v", w.Name, err)
			continue
		}
		if err := l.pool.SendPrompt(w.ID, RenderChunk(l.detector.profile.InitialInstruction, chunk)); err != nil {
			log.WarningLog.Printf("sending chunk to %s failed: %v", w.Name, err)
		}
	}
}

// RenderChunk substitutes the chunk's item list into the instruction
// template's {{CHUNK}} placeholder. A template without the placeholder gets
// the list appended.
func RenderChunk(template string, chunk *distributor.Chunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chunk %s (%d items):\n", chunk.ID, len(chunk.Items))
	for i, item := range chunk.Items {
		fmt.Fprintf(&b, "%d. [%s] %s (item_id: %s)\n", i+1, item.Category, item.Description, item.ID)
	}
	list := b.String()
	if strings.Contains(template, "{{CHUNK}}") {
		return strings.ReplaceAll(template, "{{CHUNK}}", list)
	}
	return template + "\n\n" + list
}
