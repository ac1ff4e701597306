// Package coordination implements the lock and work-activity protocol that
// keeps multiple workers off the same resource. All state crosses through
// the persisted registry, so independently running coordinator and worker
// processes see the same claims.
package coordination

import (
	"errors"
	"fmt"
	"time"

	"github.com/foundry-works/drover/log"
	"github.com/foundry-works/drover/registry"
)

var (
	// ErrLockConflict means the resource is held by another worker with an
	// unexpired lock. Non-fatal: callers retry on a later cycle or skip the
	// resource this round.
	ErrLockConflict = errors.New("coordination: lock held by another worker")
	// ErrResourceBusy means another worker has an active work claim on the
	// resource, independent of the lock table.
	ErrResourceBusy = errors.New("coordination: resource actively claimed")
)

// defaultClaimTTL bounds how long an active claim may sit unrenewed before
// the sweep frees it. Matches the distributor's default assignment timeout:
// a claim older than that belongs to an assignment that was already
// reclaimed, or to one that never finished persisting.
const defaultClaimTTL = 30 * time.Minute

// Coordinator mediates lock acquisition, release, stale-lock sweeping, and
// the active/completed work ledger over the shared registry.
type Coordinator struct {
	reg      *registry.Registry
	claimTTL time.Duration

	// now is injectable for TTL tests.
	now func() time.Time
}

func New(reg *registry.Registry) *Coordinator {
	return &Coordinator{reg: reg, claimTTL: defaultClaimTTL, now: time.Now}
}

// NewWithClock creates a Coordinator with a custom clock for tests.
func NewWithClock(reg *registry.Registry, now func() time.Time) *Coordinator {
	return &Coordinator{reg: reg, claimTTL: defaultClaimTTL, now: now}
}

// AcquireLock claims resourceKey for workerID with the given TTL. It
// succeeds if no unexpired lock exists or if the holder is already
// workerID (idempotent re-acquisition). Version conflicts from concurrent
// acquirers are retried by the registry's CAS loop; a lock held by another
// worker returns ErrLockConflict.
func (c *Coordinator) AcquireLock(resourceKey, workerID string, ttl time.Duration) error {
	if resourceKey == "" || workerID == "" {
		return fmt.Errorf("coordination: resource key and worker id required")
	}
	now := c.now()
	return c.reg.Mutate(func(doc *registry.Document) error {
		if existing, ok := doc.Locks[resourceKey]; ok {
			if existing.HolderWorkerID != workerID && !existing.Expired(now) {
				return fmt.Errorf("%w: %s held by %s", ErrLockConflict, resourceKey, existing.HolderWorkerID)
			}
		}
		doc.Locks[resourceKey] = registry.Lock{
			ResourceKey:    resourceKey,
			HolderWorkerID: workerID,
			AcquiredAt:     now,
			TTLSeconds:     int(ttl / time.Second),
		}
		return nil
	})
}

// ReleaseLock removes the lock on resourceKey if workerID holds it. A
// non-holder release is a no-op so one worker cannot drop another's claim.
func (c *Coordinator) ReleaseLock(resourceKey, workerID string) error {
	return c.reg.Mutate(func(doc *registry.Document) error {
		if existing, ok := doc.Locks[resourceKey]; ok && existing.HolderWorkerID == workerID {
			delete(doc.Locks, resourceKey)
		}
		return nil
	})
}

// ReleaseAll drops every lock held by workerID. Used when tearing a worker
// down so its claims do not linger until the TTL sweep.
func (c *Coordinator) ReleaseAll(workerID string) error {
	return c.reg.Mutate(func(doc *registry.Document) error {
		for key, lock := range doc.Locks {
			if lock.HolderWorkerID == workerID {
				delete(doc.Locks, key)
			}
		}
		return nil
	})
}

// SweepStaleLocks removes locks whose TTL has elapsed and returns the freed
// resource keys. This is how a crashed worker's claims are eventually
// reclaimed.
func (c *Coordinator) SweepStaleLocks() ([]string, error) {
	now := c.now()
	var freed []string
	err := c.reg.Mutate(func(doc *registry.Document) error {
		freed = freed[:0]
		for key, lock := range doc.Locks {
			if lock.Expired(now) {
				delete(doc.Locks, key)
				freed = append(freed, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(freed) > 0 {
		log.InfoLog.Printf("swept %d stale locks: %v", len(freed), freed)
	}
	return freed, nil
}

// SweepStaleClaims removes active claims older than the claim TTL and
// returns the freed resource keys. Live assignments are bounded by the
// distributor's assignment timeout, so a claim this old is an orphan:
// its registration outlived the chunk it was made for.
func (c *Coordinator) SweepStaleClaims() ([]string, error) {
	now := c.now()
	var freed []string
	err := c.reg.Mutate(func(doc *registry.Document) error {
		freed = freed[:0]
		for key, claim := range doc.Active {
			if now.Sub(claim.ClaimedAt) > c.claimTTL {
				delete(doc.Active, key)
				freed = append(freed, key)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(freed) > 0 {
		log.InfoLog.Printf("swept %d stale claims: %v", len(freed), freed)
	}
	return freed, nil
}

// RegisterWork records that workerID is actively working an item. The key is
// the item's resource key when it maps to a file or feature, otherwise the
// item id. Registration fails with ErrResourceBusy if another worker already
// holds an active claim on the same key; a chunk can contain multiple items
// referencing the same underlying resource, so this check is independent of
// the distributor's item-level bookkeeping.
func (c *Coordinator) RegisterWork(itemID, resourceKey, workerID, description string) error {
	key := resourceKey
	if key == "" {
		key = itemID
	}
	now := c.now()
	return c.reg.Mutate(func(doc *registry.Document) error {
		if existing, ok := doc.Active[key]; ok && existing.WorkerID != workerID {
			return fmt.Errorf("%w: %s claimed by %s", ErrResourceBusy, key, existing.WorkerID)
		}
		doc.Active[key] = registry.Claim{
			ItemID:      itemID,
			WorkerID:    workerID,
			Description: description,
			ClaimedAt:   now,
		}
		return nil
	})
}

// CompleteWork moves an active claim to the completed ledger with the given
// outcome. Unknown items still get a completion record; the ledger is the
// source of truth for what happened, not a mirror of Active.
func (c *Coordinator) CompleteWork(itemID, workerID, outcome string) error {
	now := c.now()
	return c.reg.Mutate(func(doc *registry.Document) error {
		for key, claim := range doc.Active {
			if claim.ItemID == itemID && claim.WorkerID == workerID {
				delete(doc.Active, key)
			}
		}
		doc.Completed = append(doc.Completed, registry.CompletedEntry{
			ItemID:      itemID,
			WorkerID:    workerID,
			Outcome:     outcome,
			CompletedAt: now,
		})
		return nil
	})
}

// ReleaseWorker clears every active claim held by workerID without recording
// completions. Called when a worker dies so its claims do not block others.
func (c *Coordinator) ReleaseWorker(workerID string) error {
	return c.reg.Mutate(func(doc *registry.Document) error {
		for key, claim := range doc.Active {
			if claim.WorkerID == workerID {
				delete(doc.Active, key)
			}
		}
		return nil
	})
}

// Snapshot returns the current registry document for reporting.
func (c *Coordinator) Snapshot() (*registry.Document, error) {
	return c.reg.Read()
}
