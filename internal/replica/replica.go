// Package replica defines the identity and metadata types shared by every
// layer of the finalize path: the catalog row, the descriptor's in-memory
// copy and the staged copy held in the replica state table.
package replica

import (
	"fmt"
	"strings"
	"time"
)

// Key addresses one physical replica of one logical data object.
type Key struct {
	DataID        int64
	ReplicaNumber int
}

// String renders the key as "data_id:replica_number".
func (k Key) String() string {
	return fmt.Sprintf("%d:%d", k.DataID, k.ReplicaNumber)
}

// Status is the catalog status of a replica. Numeric values match the
// catalog's on-disk encoding.
type Status int

const (
	Stale        Status = 0
	Good         Status = 1
	Intermediate Status = 2
	ReadLocked   Status = 3
	WriteLocked  Status = 4
)

var statusNames = map[Status]string{
	Stale:        "stale",
	Good:         "good",
	Intermediate: "intermediate",
	ReadLocked:   "read-locked",
	WriteLocked:  "write-locked",
}

// String returns the lowercase status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus maps a status name or its numeric form back to a Status.
func ParseStatus(s string) (Status, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for st, name := range statusNames {
		if name == s || fmt.Sprint(int(st)) == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown replica status %q", s)
}

// Metadata is everything the grid records about one replica.
type Metadata struct {
	DataID        int64  `json:"data_id"`
	ReplicaNumber int    `json:"replica_number"`
	LogicalPath   string `json:"logical_path"`
	Resource      string `json:"resource"`
	PhysicalPath  string `json:"physical_path"`
	// Size is the recorded byte length. The catalog never stores the
	// storage layer's unknown-size sentinel here.
	Size int64 `json:"size"`
	// Checksum is an opaque digest string; empty means absent.
	Checksum   string    `json:"checksum,omitempty"`
	Status     Status    `json:"status"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Key returns the replica's identity.
func (m Metadata) Key() Key {
	return Key{DataID: m.DataID, ReplicaNumber: m.ReplicaNumber}
}

// Size is the authoritative-or-unknown byte length reported by physical
// storage. The zero value is an unknown size.
type Size struct {
	n     int64
	known bool
}

// KnownSize wraps a byte length reported by storage.
func KnownSize(n int64) Size {
	return Size{n: n, known: true}
}

// UnknownSize is returned by resources that cannot stat their data.
func UnknownSize() Size {
	return Size{}
}

// Value returns the length and whether it is known.
func (s Size) Value() (int64, bool) {
	return s.n, s.known
}

// Known reports whether storage reported a real length.
func (s Size) Known() bool {
	return s.known
}

func (s Size) String() string {
	if !s.known {
		return "unknown"
	}
	return fmt.Sprintf("%d", s.n)
}
