// Package recordstore interns records behind small integer handles so a
// holder can pass a cheap uint64 around instead of copying a full
// field.Record at every hop. No other package of the engine uses it: the
// operation log, the secondary indexes and the DAG's channels carry
// records or record ids of their own. Handles are refcounted: a record is
// only evicted once every holder has released it.
package recordstore

import (
	"fmt"
	"sync"

	"github.com/cuemby/dozer/pkg/field"
)

// Handle identifies one interned record. The zero Handle is never issued by
// Intern and can be used by callers as a sentinel "no record" value.
type Handle uint64

const shardCount = 16

type entry struct {
	rec      field.Record
	refCount int
}

type shard struct {
	mu      sync.RWMutex
	entries map[Handle]*entry
}

// Store is a sharded, refcounted record table. The zero Store is not
// usable; construct one with New.
type Store struct {
	shards     [shardCount]*shard
	nextHandle uint64
	handleMu   sync.Mutex
	running    bool
	runningMu  sync.Mutex
}

// New constructs an empty Store. Callers must call Init before using it and
// Shutdown when done.
func New() *Store {
	s := &Store{}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[Handle]*entry)}
	}
	return s
}

// Init marks the store ready for use. It exists so record stores follow the
// same explicit lifecycle as the rest of the engine's long-lived components
// (pools, pollers, DAG executors), even though construction alone would
// suffice here.
func (s *Store) Init() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return fmt.Errorf("recordstore: already initialized")
	}
	s.running = true
	return nil
}

// Shutdown releases every interned record, regardless of outstanding
// refcounts, and marks the store unusable.
func (s *Store) Shutdown() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return fmt.Errorf("recordstore: not initialized")
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[Handle]*entry)
		sh.mu.Unlock()
	}
	s.running = false
	return nil
}

func (s *Store) shardFor(h Handle) *shard {
	return s.shards[uint64(h)%shardCount]
}

// Intern stores rec and returns a fresh Handle with a refcount of 1.
func (s *Store) Intern(rec field.Record) Handle {
	s.handleMu.Lock()
	s.nextHandle++
	h := Handle(s.nextHandle)
	s.handleMu.Unlock()

	sh := s.shardFor(h)
	sh.mu.Lock()
	sh.entries[h] = &entry{rec: rec.Clone(), refCount: 1}
	sh.mu.Unlock()
	return h
}

// Get returns the record held by h, or false if h is unknown (never
// issued, or already evicted after its refcount reached zero).
func (s *Store) Get(h Handle) (field.Record, bool) {
	sh := s.shardFor(h)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[h]
	if !ok {
		return field.Record{}, false
	}
	return e.rec, true
}

// IncRef adds one reference to h, for a second holder that needs the
// record to outlive the first holder's release. It returns an error if h
// is unknown.
func (s *Store) IncRef(h Handle) error {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[h]
	if !ok {
		return fmt.Errorf("recordstore: inc ref: unknown handle %d", h)
	}
	e.refCount++
	return nil
}

// DecRef releases one reference to h. Once the refcount reaches zero the
// record is evicted. Calling DecRef on an unknown handle is a no-op,
// matching the tolerant "release what you (may) hold" pattern used for
// channel-propagated handles that might already have been dropped by a
// concurrent path.
func (s *Store) DecRef(h Handle) {
	sh := s.shardFor(h)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[h]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		delete(sh.entries, h)
	}
}

// Len returns the number of currently interned records, summed across
// shards. Intended for metrics and tests, not hot-path use.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}
