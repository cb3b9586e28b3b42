// Package rst implements the replica state table: transient, in-memory
// staging of a replica's proposed final state between the start of finalize
// and its durable commit to the catalog.
//
// Every key has at most one writer. A writer holds a Lease obtained from
// Table.Acquire, which blocks while another session holds the same key.
// Readers take consistent snapshots through Table.Snapshot without a lease.
package rst

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vaultgrid/vaultgrid/internal/catalog"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/metrics"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// Entry is the staged state of one replica.
type Entry struct {
	// Target is the proposed final metadata of the replica being finalized.
	Target replica.Metadata
	// Before is the catalog row as it was when the entry was opened.
	Before replica.Metadata
	// Siblings holds the other replicas of the same data object, keyed by
	// replica number.
	Siblings map[int]replica.Metadata
	// SiblingsBefore holds the siblings as they were when the entry was
	// opened. It is never modified.
	SiblingsBefore map[int]replica.Metadata
	// Dirty lists sibling replica numbers staged for publish.
	Dirty map[int]bool
}

func (e *Entry) clone() Entry {
	cp := Entry{
		Target:         e.Target,
		Before:         e.Before,
		Siblings:       make(map[int]replica.Metadata, len(e.Siblings)),
		SiblingsBefore: make(map[int]replica.Metadata, len(e.SiblingsBefore)),
		Dirty:          make(map[int]bool, len(e.Dirty)),
	}
	for rn, md := range e.Siblings {
		cp.Siblings[rn] = md
	}
	for rn, md := range e.SiblingsBefore {
		cp.SiblingsBefore[rn] = md
	}
	for rn := range e.Dirty {
		cp.Dirty[rn] = true
	}
	return cp
}

// SiblingList returns the siblings ordered by replica number.
func (e Entry) SiblingList() []replica.Metadata {
	out := make([]replica.Metadata, 0, len(e.Siblings))
	for _, md := range e.Siblings {
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReplicaNumber < out[j].ReplicaNumber })
	return out
}

type slot struct {
	// lease has capacity one; holding its token is holding the key.
	lease chan struct{}
	// refs counts sessions holding or waiting for the lease.
	refs int

	mu    sync.RWMutex
	entry *Entry
}

// Table is the replica state table. The zero value is not usable; call New.
type Table struct {
	mu      sync.Mutex
	slots   map[replica.Key]*slot
	entries atomic.Int64
}

// New creates an empty table.
func New() *Table {
	return &Table{slots: make(map[replica.Key]*slot)}
}

// Acquire blocks until the caller is the only writer for key and returns the
// lease. The lease must be released on every exit path.
func (t *Table) Acquire(key replica.Key) *Lease {
	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{lease: make(chan struct{}, 1)}
		t.slots[key] = s
	}
	s.refs++
	t.mu.Unlock()

	s.lease <- struct{}{}
	return &Lease{t: t, key: key, s: s}
}

// Snapshot returns a copy of the entry for key, taken atomically with respect
// to the lease holder's mutations.
func (t *Table) Snapshot(key replica.Key) (Entry, bool) {
	t.mu.Lock()
	s, ok := t.slots[key]
	t.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.entry == nil {
		return Entry{}, false
	}
	return s.entry.clone(), true
}

// Contains reports whether an entry exists for key.
func (t *Table) Contains(key replica.Key) bool {
	_, ok := t.Snapshot(key)
	return ok
}

// Keys returns the keys that currently hold an entry, ordered.
func (t *Table) Keys() []replica.Key {
	t.mu.Lock()
	candidates := make([]*slot, 0, len(t.slots))
	keys := make([]replica.Key, 0, len(t.slots))
	for k, s := range t.slots {
		candidates = append(candidates, s)
		keys = append(keys, k)
	}
	t.mu.Unlock()

	var out []replica.Key
	for i, s := range candidates {
		s.mu.RLock()
		if s.entry != nil {
			out = append(out, keys[i])
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DataID != out[j].DataID {
			return out[i].DataID < out[j].DataID
		}
		return out[i].ReplicaNumber < out[j].ReplicaNumber
	})
	return out
}

// Len returns the number of live entries.
func (t *Table) Len() int {
	return int(t.entries.Load())
}

func (t *Table) entryAdded() {
	metrics.RSTEntries.Set(float64(t.entries.Add(1)))
}

func (t *Table) entryRemoved() {
	metrics.RSTEntries.Set(float64(t.entries.Add(-1)))
}

// release drops the caller's reference and frees the slot when nobody holds
// or waits for it and it carries no entry.
func (t *Table) release(key replica.Key, s *slot) {
	<-s.lease

	t.mu.Lock()
	defer t.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	s.mu.RLock()
	empty := s.entry == nil
	s.mu.RUnlock()
	if empty {
		delete(t.slots, key)
	}
}

// Lease is exclusive write access to one key of the table.
type Lease struct {
	t        *Table
	key      replica.Key
	s        *slot
	released atomic.Bool
}

// Key returns the leased key.
func (l *Lease) Key() replica.Key {
	return l.key
}

// Release gives up the lease. Releasing twice is a programming error.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("rst: lease for %s released twice", l.key))
	}
	l.t.release(l.key, l.s)
}

func (l *Lease) check() {
	if l.released.Load() {
		panic(fmt.Sprintf("rst: use of released lease for %s", l.key))
	}
}

// Open creates the entry from the current catalog row and the other replicas
// of the object. If an entry already exists, for instance one preserved by a
// close without catalog update, it is kept and Open reports false.
func (l *Lease) Open(before replica.Metadata, others []replica.Metadata) bool {
	l.check()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	if l.s.entry != nil {
		return false
	}
	e := &Entry{
		Target:         before,
		Before:         before,
		Siblings:       make(map[int]replica.Metadata, len(others)),
		SiblingsBefore: make(map[int]replica.Metadata, len(others)),
		Dirty:          make(map[int]bool),
	}
	for _, md := range others {
		if md.ReplicaNumber == l.key.ReplicaNumber {
			continue
		}
		e.Siblings[md.ReplicaNumber] = md
		e.SiblingsBefore[md.ReplicaNumber] = md
	}
	l.s.entry = e
	l.t.entryAdded()
	return true
}

// Exists reports whether the leased key has an entry.
func (l *Lease) Exists() bool {
	l.check()
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	return l.s.entry != nil
}

// Entry returns a copy of the staged entry.
func (l *Lease) Entry() (Entry, error) {
	l.check()
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	if l.s.entry == nil {
		return Entry{}, l.noEntry()
	}
	return l.s.entry.clone(), nil
}

// Stage applies fn to the proposed target metadata. The data ID and replica
// number cannot be changed.
func (l *Lease) Stage(fn func(md *replica.Metadata)) error {
	l.check()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.entry == nil {
		return l.noEntry()
	}
	md := l.s.entry.Target
	fn(&md)
	md.DataID, md.ReplicaNumber = l.key.DataID, l.key.ReplicaNumber
	l.s.entry.Target = md
	return nil
}

// SetTargetStatus stages status for the target and leaves siblings alone.
func (l *Lease) SetTargetStatus(status replica.Status) error {
	return l.Stage(func(md *replica.Metadata) { md.Status = status })
}

// StageSibling applies fn to a sibling and marks it for publish.
func (l *Lease) StageSibling(replicaNumber int, fn func(md *replica.Metadata)) error {
	l.check()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.entry == nil {
		return l.noEntry()
	}
	md, ok := l.s.entry.Siblings[replicaNumber]
	if !ok {
		return ferrors.ErrReplicaNotFound.Withf("replica %d:%d is not a sibling of %s",
			l.key.DataID, replicaNumber, l.key)
	}
	fn(&md)
	md.DataID, md.ReplicaNumber = l.key.DataID, replicaNumber
	l.s.entry.Siblings[replicaNumber] = md
	l.s.entry.Dirty[replicaNumber] = true
	return nil
}

// PublishContext builds the catalog write for the entry: the target row
// followed by every dirty sibling in replica order.
func (l *Lease) PublishContext(user string, privilege session.Privilege) (catalog.PublishContext, error) {
	l.check()
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()
	if l.s.entry == nil {
		return catalog.PublishContext{}, l.noEntry()
	}

	e := l.s.entry
	rows := []replica.Metadata{e.Target}
	dirty := make([]int, 0, len(e.Dirty))
	for rn := range e.Dirty {
		dirty = append(dirty, rn)
	}
	sort.Ints(dirty)
	for _, rn := range dirty {
		rows = append(rows, e.Siblings[rn])
	}

	return catalog.PublishContext{
		DataID:        l.key.DataID,
		ReplicaNumber: l.key.ReplicaNumber,
		Rows:          rows,
		User:          user,
		Privilege:     privilege,
	}, nil
}

// Erase removes the entry. Erasing a missing entry is a no-op.
func (l *Lease) Erase() {
	l.check()
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if l.s.entry != nil {
		l.s.entry = nil
		l.t.entryRemoved()
	}
}

func (l *Lease) noEntry() error {
	return ferrors.ErrNoRSTEntry.Withf("no replica state table entry for %s", l.key)
}
