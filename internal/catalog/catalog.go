// Package catalog defines the interface and implementations for VaultGrid's
// durable replica catalog: one row per replica plus the access and AVU
// tables that finalize updates after a successful close.
package catalog

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// timeFormat is the ISO 8601 format used for timestamps in text columns.
const timeFormat = "2006-01-02T15:04:05.000Z"

// PublishContext is one atomic catalog write produced by finalize.
type PublishContext struct {
	DataID        int64
	ReplicaNumber int
	// Rows holds the target replica first, followed by any sibling rows the
	// caller explicitly staged.
	Rows []replica.Metadata
	// User is the session user the write is attributed to.
	User string
	// Privilege is PrivilegeElevated only inside a scoped elevation.
	Privilege session.Privilege
}

// Target returns the row for the replica being finalized.
func (pc PublishContext) Target() replica.Metadata {
	return pc.Rows[0]
}

// Validate checks the structural invariants every implementation relies on.
func (pc PublishContext) Validate() error {
	if len(pc.Rows) == 0 {
		return fmt.Errorf("publish context for %d:%d has no rows", pc.DataID, pc.ReplicaNumber)
	}
	t := pc.Rows[0]
	if t.DataID != pc.DataID || t.ReplicaNumber != pc.ReplicaNumber {
		return fmt.Errorf("publish context target %s does not match %d:%d", t.Key(), pc.DataID, pc.ReplicaNumber)
	}
	seen := make(map[int]bool, len(pc.Rows))
	for _, row := range pc.Rows {
		if row.DataID != pc.DataID {
			return fmt.Errorf("publish context row %s belongs to another data object", row.Key())
		}
		if seen[row.ReplicaNumber] {
			return fmt.Errorf("publish context repeats replica %d", row.ReplicaNumber)
		}
		if !row.Status.Valid() {
			return fmt.Errorf("publish context row %s has invalid status %d", row.Key(), int(row.Status))
		}
		seen[row.ReplicaNumber] = true
	}
	return nil
}

// Catalog is the durable replica catalog. Implementations must be safe for
// concurrent use, and Publish must apply all rows or none.
type Catalog interface {
	io.Closer

	// Ping checks connectivity to the catalog.
	Ping(ctx context.Context) error

	// RegisterReplica creates or replaces the row for md.
	RegisterReplica(ctx context.Context, md *replica.Metadata) error

	// GetReplica reads one replica row. Missing rows are ErrReplicaNotFound.
	GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error)

	// ListReplicas returns every replica of dataID ordered by replica number.
	ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error)

	// ListAllReplicas returns every row ordered by data ID and replica number.
	ListAllReplicas(ctx context.Context) ([]replica.Metadata, error)

	// Publish atomically updates every row in pc. At normal privilege the
	// user needs write access on the target's logical path.
	Publish(ctx context.Context, pc PublishContext) error

	AccessStore
	AVUStore
}

// AccessStore records per-user permissions on logical paths.
type AccessStore interface {
	// SetAccess grants level to user on logicalPath. AccessNull revokes.
	SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error
	// GetAccess returns the user's level, AccessNull when none is recorded.
	GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error)
}

// AVUStore records attribute/value/unit metadata on logical paths.
type AVUStore interface {
	// AddAVU attaches avu to logicalPath. Adding an identical triple twice
	// is not an error.
	AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error
	// ListAVUs returns the triples attached to logicalPath in insertion order.
	ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error)
}

// authorizePublish applies the access rule shared by every implementation.
func authorizePublish(ctx context.Context, acc AccessStore, pc PublishContext, logicalPath string) error {
	if pc.Privilege == session.PrivilegeElevated {
		return nil
	}
	level, err := acc.GetAccess(ctx, logicalPath, pc.User)
	if err != nil {
		return fmt.Errorf("reading access for %q: %w", pc.User, err)
	}
	if !level.Satisfies(condinput.AccessWrite) {
		return ferrors.ErrAccessDenied.Withf("user %q lacks write access on %q", pc.User, logicalPath)
	}
	return nil
}

func notFound(dataID int64, replicaNumber int) error {
	return ferrors.ErrReplicaNotFound.Withf("replica %d:%d not found in catalog", dataID, replicaNumber)
}

func sortReplicas(rows []replica.Metadata) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].DataID != rows[j].DataID {
			return rows[i].DataID < rows[j].DataID
		}
		return rows[i].ReplicaNumber < rows[j].ReplicaNumber
	})
}

// accessKey flattens the access table key.
func accessKey(logicalPath, user string) string {
	return logicalPath + "\x00" + user
}
