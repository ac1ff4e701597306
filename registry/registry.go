package registry

import (
	"path/filepath"
	"time"
)

const (
	registryFileName = "registry.json"
	workFileName     = "work.json"
)

// Lock is an advisory claim on a resource (file path or feature id). It is
// unique per resource key while unexpired and carries no renewal: a crashed
// holder's lock becomes sweepable once the TTL passes.
type Lock struct {
	ResourceKey    string    `json:"resource_key"`
	HolderWorkerID string    `json:"holder_worker_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	TTLSeconds     int       `json:"ttl_seconds"`
}

// Expired reports whether the lock's TTL has elapsed at the given time.
func (l Lock) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) > time.Duration(l.TTLSeconds)*time.Second
}

// Claim records that a worker is actively working an item or resource.
type Claim struct {
	ItemID      string    `json:"item_id"`
	WorkerID    string    `json:"worker_id"`
	Description string    `json:"description,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at"`
}

// CompletedEntry is an append-only record of a finished item.
type CompletedEntry struct {
	ItemID      string    `json:"item_id"`
	WorkerID    string    `json:"worker_id"`
	Outcome     string    `json:"outcome"`
	CompletedAt time.Time `json:"completed_at"`
}

// Document is the persisted registry: active claims, the completed ledger,
// and the lock table. It crosses process boundaries through VersionedStore,
// so every field must round-trip JSON.
type Document struct {
	Active    map[string]Claim `json:"active,omitempty"`
	Completed []CompletedEntry `json:"completed,omitempty"`
	Locks     map[string]Lock  `json:"locks,omitempty"`
}

// Registry wraps the versioned registry document with typed access.
type Registry struct {
	store *VersionedStore
}

// New creates a Registry stored under the given state directory.
func New(stateDir string) *Registry {
	return &Registry{
		store: NewVersionedStore(filepath.Join(stateDir, registryFileName)),
	}
}

// WorkStorePath returns the path of the distributor's work item document
// under the same state directory.
func WorkStorePath(stateDir string) string {
	return filepath.Join(stateDir, workFileName)
}

// Read returns the current document. A missing file yields an empty document.
func (r *Registry) Read() (*Document, error) {
	var doc Document
	if _, err := r.store.Load(&doc); err != nil {
		return nil, err
	}
	doc.init()
	return &doc, nil
}

// Mutate applies fn to the document under the CAS retry loop.
func (r *Registry) Mutate(fn func(*Document) error) error {
	return Update(r.store, func(doc *Document) error {
		doc.init()
		return fn(doc)
	})
}

// Reset truncates the registry back to an empty document.
func (r *Registry) Reset() error {
	return r.Mutate(func(doc *Document) error {
		doc.Active = map[string]Claim{}
		doc.Completed = nil
		doc.Locks = map[string]Lock{}
		return nil
	})
}

func (d *Document) init() {
	if d.Active == nil {
		d.Active = map[string]Claim{}
	}
	if d.Locks == nil {
		d.Locks = map[string]Lock{}
	}
}
