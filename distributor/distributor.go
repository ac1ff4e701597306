package distributor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/foundry-works/drover/coordination"
	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/registry"
)

var (
	// ErrNoWork means the pending queue is empty.
	ErrNoWork = errors.New("distributor: no pending work")
	// ErrChunkOutstanding means the worker already holds a live chunk.
	ErrChunkOutstanding = errors.New("distributor: worker has an unfinished chunk")
)

// Options tune chunk sizing and reclaim behavior.
type Options struct {
	// ChunkFactor spreads the backlog across workers: chunk size is
	// ceil(pending / (activeWorkers * ChunkFactor)), clamped to
	// [1, MaxChunkSize]. Larger factors hand out smaller chunks so the tail
	// of the backlog is not monopolized by one worker.
	ChunkFactor float64
	// MaxChunkSize caps any single chunk.
	MaxChunkSize int
	// AssignmentTimeout is how long an assignment may stay live before
	// Reclaim returns its items to pending.
	AssignmentTimeout time.Duration
}

// DefaultOptions returns the default distribution tuning.
func DefaultOptions() Options {
	return Options{
		ChunkFactor:       2.0,
		MaxChunkSize:      10,
		AssignmentTimeout: 30 * time.Minute,
	}
}

// workDoc is the persisted item table.
type workDoc struct {
	Items   []WorkItem `json:"items,omitempty"`
	NextSeq int        `json:"next_seq"`
}

// Distributor owns the work item lifecycle: loading, chunked assignment,
// completion, reclaim, and statistics. Items persist through a versioned
// store so a coordinator restart loses nothing.
type Distributor struct {
	store *registry.VersionedStore
	coord *coordination.Coordinator
	opts  Options

	// now is injectable for reclaim-timeout tests.
	now func() time.Time

	// record, when set, receives every finished item for the audit history.
	record func(item WorkItem, workerID string)
}

// New creates a Distributor persisting under stateDir. coord may be nil when
// coordination is disabled.
func New(stateDir string, coord *coordination.Coordinator, opts Options) *Distributor {
	if opts.ChunkFactor <= 0 {
		opts.ChunkFactor = DefaultOptions().ChunkFactor
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultOptions().MaxChunkSize
	}
	if opts.AssignmentTimeout <= 0 {
		opts.AssignmentTimeout = DefaultOptions().AssignmentTimeout
	}
	return &Distributor{
		store: registry.NewVersionedStore(registry.WorkStorePath(stateDir)),
		coord: coord,
		opts:  opts,
		now:   time.Now,
	}
}

// SetClock overrides the distributor's clock. Test hook.
func (d *Distributor) SetClock(now func() time.Time) {
	d.now = now
}

// SetRecorder installs a sink for finished items, called once per item after
// its completion is persisted.
func (d *Distributor) SetRecorder(fn func(item WorkItem, workerID string)) {
	d.record = fn
}

// LoadWork converts raw probe findings into deduplicated pending items.
// A finding is a duplicate if an item with the same category and description
// already exists and has not finished. Returns the number of items added.
func (d *Distributor) LoadWork(raw []RawFinding) (int, error) {
	added := 0
	err := registry.Update(d.store, func(doc *workDoc) error {
		added = 0
		seen := make(map[string]bool, len(doc.Items))
		for _, item := range doc.Items {
			if item.Status == StatusPending || item.Status == StatusAssigned {
				seen[dedupeKey(item.Category, item.Description)] = true
			}
		}
		for _, f := range raw {
			if f.Description == "" {
				continue
			}
			key := dedupeKey(f.Category, f.Description)
			if seen[key] {
				continue
			}
			seen[key] = true
			doc.Items = append(doc.Items, WorkItem{
				ID:          uuid.NewString(),
				Description: f.Description,
				Category:    f.Category,
				Priority:    priorityFor(f.Category),
				ResourceKey: f.ResourceKey,
				Status:      StatusPending,
				Seq:         doc.NextSeq,
			})
			doc.NextSeq++
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if added > 0 {
		log.InfoLog.Printf("loaded %d new work items", added)
	}
	return added, nil
}

func dedupeKey(c Category, desc string) string {
	return string(c) + "\x00" + desc
}

// GetChunk pops the next chunk of pending items for workerID, honoring
// priority order. activeWorkers sizes the chunk so the draining backlog is
// spread across the pool. A worker with a live chunk must complete or lose
// it before getting another.
func (d *Distributor) GetChunk(workerID string, activeWorkers int) (*Chunk, error) {
	if activeWorkers < 1 {
		activeWorkers = 1
	}
	now := d.now()
	chunk := &Chunk{
		ID:         uuid.NewString(),
		WorkerID:   workerID,
		AssignedAt: now,
	}
	err := registry.Update(d.store, func(doc *workDoc) error {
		chunk.Items = chunk.Items[:0]

		pending := make([]int, 0, len(doc.Items))
		for i := range doc.Items {
			switch doc.Items[i].Status {
			case StatusAssigned:
				if doc.Items[i].AssignedWorkerID == workerID {
					return fmt.Errorf("%w: %s", ErrChunkOutstanding, doc.Items[i].ChunkID)
				}
			case StatusPending:
				pending = append(pending, i)
			}
		}
		if len(pending) == 0 {
			return ErrNoWork
		}

		// Highest priority first, then detection order.
		sort.SliceStable(pending, func(a, b int) bool {
			ia, ib := doc.Items[pending[a]], doc.Items[pending[b]]
			if ia.Priority != ib.Priority {
				return ia.Priority > ib.Priority
			}
			return ia.Seq < ib.Seq
		})

		size := chunkSize(len(pending), activeWorkers, d.opts.ChunkFactor, d.opts.MaxChunkSize)
		for _, idx := range pending {
			if len(chunk.Items) >= size {
				break
			}
			item := &doc.Items[idx]
			if d.coord != nil {
				if err := d.coord.RegisterWork(item.ID, item.ResourceKey, workerID, item.Description); err != nil {
					if errors.Is(err, coordination.ErrResourceBusy) {
						// Another chunk is on this resource; skip it this round.
						continue
					}
					return err
				}
			}
			at := now
			item.Status = StatusAssigned
			item.AssignedWorkerID = workerID
			item.ChunkID = chunk.ID
			item.AssignedAt = &at
			chunk.Items = append(chunk.Items, *item)
		}
		if len(chunk.Items) == 0 {
			return ErrNoWork
		}
		return nil
	})
	if err != nil {
		// Claims registered before the failure would block the resource for
		// other workers even though no chunk was handed out. The worker has
		// no prior live chunk on this path, so dropping all of its claims is
		// safe.
		if d.coord != nil && !errors.Is(err, ErrNoWork) && !errors.Is(err, ErrChunkOutstanding) {
			if rerr := d.coord.ReleaseWorker(workerID); rerr != nil {
				log.WarningLog.Printf("failed to release claims after chunk assignment error: %v", rerr)
			}
		}
		return nil, err
	}
	log.InfoLog.Printf("assigned chunk %s (%d items) to worker %s", chunk.ID, len(chunk.Items), workerID)
	return chunk, nil
}

// chunkSize computes clamp(ceil(pending/(activeWorkers*factor)), 1, max).
// Shrinking with the backlog prevents one worker being handed a
// disproportionately large tail chunk while others idle.
func chunkSize(pending, activeWorkers int, factor float64, max int) int {
	size := int(math.Ceil(float64(pending) / (float64(activeWorkers) * factor)))
	if size < 1 {
		size = 1
	}
	if size > max {
		size = max
	}
	return size
}

// CompleteChunk records per-item outcomes for the worker's live chunk and
// releases any locks the worker held for those items.
func (d *Distributor) CompleteChunk(workerID string, outcomes []Outcome) error {
	now := d.now()
	byID := make(map[string]bool, len(outcomes))
	for _, o := range outcomes {
		byID[o.ItemID] = o.Success
	}
	var finished []WorkItem
	err := registry.Update(d.store, func(doc *workDoc) error {
		finished = finished[:0]
		for i := range doc.Items {
			item := &doc.Items[i]
			if item.Status != StatusAssigned || item.AssignedWorkerID != workerID {
				continue
			}
			success, reported := byID[item.ID]
			if !reported {
				continue
			}
			at := now
			if success {
				item.Status = StatusCompleted
			} else {
				item.Status = StatusFailed
			}
			item.CompletedAt = &at
			item.ChunkID = ""
			finished = append(finished, *item)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if d.coord != nil {
		for _, item := range finished {
			outcome := string(item.Status)
			if err := d.coord.CompleteWork(item.ID, workerID, outcome); err != nil {
				log.WarningLog.Printf("failed to record completion for %s: %v", item.ID, err)
			}
			if item.ResourceKey != "" {
				if err := d.coord.ReleaseLock(item.ResourceKey, workerID); err != nil {
					log.WarningLog.Printf("failed to release lock %s: %v", item.ResourceKey, err)
				}
			}
		}
	}
	if d.record != nil {
		for _, item := range finished {
			d.record(item, workerID)
		}
	}
	log.InfoLog.Printf("worker %s finished %d items", workerID, len(finished))
	return nil
}

// Reclaim scans assigned items whose worker is dead or whose assignment age
// exceeds the timeout and returns them to pending. Items completed before a
// crash stay completed: partial progress is preserved. Returns the number of
// requeued items.
func (d *Distributor) Reclaim(isDead func(workerID string) bool) (int, error) {
	now := d.now()
	requeued := 0
	orphaned := map[string]bool{}
	err := registry.Update(d.store, func(doc *workDoc) error {
		requeued = 0
		for i := range doc.Items {
			item := &doc.Items[i]
			if item.Status != StatusAssigned {
				continue
			}
			dead := isDead != nil && isDead(item.AssignedWorkerID)
			timedOut := item.AssignedAt != nil && now.Sub(*item.AssignedAt) > d.opts.AssignmentTimeout
			if !dead && !timedOut {
				continue
			}
			orphaned[item.AssignedWorkerID] = true
			item.Status = StatusPending
			item.AssignedWorkerID = ""
			item.ChunkID = ""
			item.AssignedAt = nil
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if d.coord != nil {
		for workerID := range orphaned {
			if err := d.coord.ReleaseWorker(workerID); err != nil {
				log.WarningLog.Printf("failed to release claims for %s: %v", workerID, err)
			}
			if err := d.coord.ReleaseAll(workerID); err != nil {
				log.WarningLog.Printf("failed to release locks for %s: %v", workerID, err)
			}
		}
	}
	if requeued > 0 {
		log.InfoLog.Printf("reclaimed %d items back to pending", requeued)
	}
	return requeued, nil
}

// Statistics returns the item counts. The counts always satisfy
// pending+assigned+completed+failed == total: items transition, never vanish.
func (d *Distributor) Statistics() (Stats, error) {
	var doc workDoc
	if _, err := d.store.Load(&doc); err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, item := range doc.Items {
		switch item.Status {
		case StatusPending:
			s.Pending++
		case StatusAssigned:
			s.Assigned++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		}
	}
	s.Total = len(doc.Items)
	return s, nil
}

// Items returns a copy of every work item, most useful for reporting.
func (d *Distributor) Items() ([]WorkItem, error) {
	var doc workDoc
	if _, err := d.store.Load(&doc); err != nil {
		return nil, err
	}
	out := make([]WorkItem, len(doc.Items))
	copy(out, doc.Items)
	return out, nil
}

// Reset drops all work items.
func (d *Distributor) Reset() error {
	return registry.Update(d.store, func(doc *workDoc) error {
		doc.Items = nil
		doc.NextSeq = 0
		return nil
	})
}
