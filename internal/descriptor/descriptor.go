// Package descriptor manages L1 descriptors, the open replica handles that
// tie a session and a request to the replica being written.
package descriptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/lock"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// OpenType is why the replica was opened.
type OpenType int

const (
	OpenForRead OpenType = iota
	OpenForWrite
	CreateType
)

func (o OpenType) String() string {
	switch o {
	case OpenForRead:
		return "read"
	case OpenForWrite:
		return "write"
	case CreateType:
		return "create"
	}
	return fmt.Sprintf("open_type(%d)", int(o))
}

// State is the replica closer state of a descriptor.
type State int

const (
	StateOpen State = iota
	StateFinalizing
	StateCommitted
	StateStale
	StateAborted
)

var stateNames = map[State]string{
	StateOpen:       "open",
	StateFinalizing: "finalizing",
	StateCommitted:  "committed",
	StateStale:      "stale",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateStale || s == StateAborted
}

var transitions = map[State][]State{
	StateOpen:       {StateFinalizing, StateAborted},
	StateFinalizing: {StateCommitted, StateStale, StateAborted},
}

// DataObjInput is the operation-input record of a request.
type DataObjInput struct {
	ObjPath      string
	OpenType     OpenType
	DataSize     int64
	ResourceName string
	CondInput    condinput.Map
}

// Clone returns a deep copy of in.
func (in DataObjInput) Clone() DataObjInput {
	cp := in
	cp.CondInput = in.CondInput.Clone()
	return cp
}

// Descriptor is an L1 descriptor. The goroutine driving the descriptor owns
// it and may read its fields directly; every mutation goes through the
// locked setters so that View and Duplicate can run from other goroutines.
type Descriptor struct {
	mu sync.Mutex

	Index   int
	Session *session.Session
	Input   DataObjInput
	Info    replica.Metadata
	// BytesWritten counts bytes written through this descriptor.
	BytesWritten int64
	State        State
	// Lock is the logical-object lock this descriptor owns. Duplicates never
	// own the lock.
	Lock *lock.Handle
	// Purpose describes the operation for hooks and logs ("put", "repair").
	Purpose string
}

// Transition moves d to the next closer state.
func (d *Descriptor) Transition(to State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, allowed := range transitions[d.State] {
		if allowed == to {
			d.State = to
			return nil
		}
	}
	return ferrors.ErrBadDescriptor.Withf("descriptor %d cannot move from %s to %s", d.Index, d.State, to)
}

// SetInfo replaces the replica metadata.
func (d *Descriptor) SetInfo(md replica.Metadata) {
	d.mu.Lock()
	d.Info = md
	d.mu.Unlock()
}

// SetStatus records the replica status the catalog ended up with.
func (d *Descriptor) SetStatus(st replica.Status) {
	d.mu.Lock()
	d.Info.Status = st
	d.mu.Unlock()
}

// SetBytesWritten records how many bytes the last write stored.
func (d *Descriptor) SetBytesWritten(n int64) {
	d.mu.Lock()
	d.BytesWritten = n
	d.mu.Unlock()
}

// View is a point-in-time copy of a descriptor, safe to hold after the
// descriptor moves on.
type View struct {
	Index        int
	User         string
	ObjPath      string
	OpenType     OpenType
	State        State
	Purpose      string
	BytesWritten int64
	Info         replica.Metadata
}

// View copies d under its lock.
func (d *Descriptor) View() View {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := View{
		Index:        d.Index,
		ObjPath:      d.Input.ObjPath,
		OpenType:     d.Input.OpenType,
		State:        d.State,
		Purpose:      d.Purpose,
		BytesWritten: d.BytesWritten,
		Info:         d.Info,
	}
	if d.Session != nil {
		v.User = d.Session.User
	}
	return v
}

// Duplicate returns an independent copy of src. The operation input,
// condition input and replica metadata are copied by value; the copy shares
// the session handle but not the object lock, and is not registered in any
// table.
func Duplicate(src *Descriptor) *Descriptor {
	src.mu.Lock()
	defer src.mu.Unlock()
	return &Descriptor{
		Index:        src.Index,
		Session:      src.Session,
		Input:        src.Input.Clone(),
		Info:         src.Info,
		BytesWritten: src.BytesWritten,
		State:        src.State,
		Purpose:      src.Purpose,
	}
}

// Table allocates descriptor indexes. Index 0 is never used, matching the
// convention that 0 is not a valid descriptor.
type Table struct {
	mu    sync.Mutex
	next  int
	descs map[int]*Descriptor
}

// NewTable creates an empty descriptor table.
func NewTable() *Table {
	return &Table{next: 1, descs: make(map[int]*Descriptor)}
}

// Allocate registers d under a fresh index and returns it.
func (t *Table) Allocate(d *Descriptor) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.next
	t.next++
	d.Index = idx
	t.descs[idx] = d
	return idx
}

// Get returns the descriptor at idx.
func (t *Table) Get(idx int) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.descs[idx]
	if !ok {
		return nil, ferrors.ErrBadDescriptor.Withf("descriptor %d is not open", idx)
	}
	return d, nil
}

// Free removes idx from the table. Freeing an unknown index is an error.
func (t *Table) Free(idx int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.descs[idx]; !ok {
		return ferrors.ErrBadDescriptor.Withf("descriptor %d is not open", idx)
	}
	delete(t.descs, idx)
	return nil
}

// Views returns a copy of every open descriptor, ordered by index.
func (t *Table) Views() []View {
	t.mu.Lock()
	descs := make([]*Descriptor, 0, len(t.descs))
	for _, d := range t.descs {
		descs = append(descs, d)
	}
	t.mu.Unlock()

	out := make([]View, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.View())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Open returns the indexes of all open descriptors, ordered.
func (t *Table) Open() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]int, 0, len(t.descs))
	for idx := range t.descs {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
