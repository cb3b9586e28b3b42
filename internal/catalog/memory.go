package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// MemoryCatalog implements Catalog with in-memory maps. It backs tests and
// the local JSONL catalog.
type MemoryCatalog struct {
	mu       sync.RWMutex
	replicas map[replica.Key]replica.Metadata
	access   map[string]condinput.AccessLevel
	avus     map[string][]condinput.AVU

	// now is replaced in tests.
	now func() time.Time
}

// NewMemoryCatalog creates an empty MemoryCatalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		replicas: make(map[replica.Key]replica.Metadata),
		access:   make(map[string]condinput.AccessLevel),
		avus:     make(map[string][]condinput.AVU),
		now:      time.Now,
	}
}

// Ping always succeeds.
func (c *MemoryCatalog) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (c *MemoryCatalog) Close() error {
	return nil
}

func (c *MemoryCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	if !md.Status.Valid() {
		return fmt.Errorf("registering replica %s: invalid status %d", md.Key(), int(md.Status))
	}
	row := *md
	if row.ModifiedAt.IsZero() {
		row.ModifiedAt = c.now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicas[row.Key()] = row
	return nil
}

func (c *MemoryCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	row, ok := c.replicas[replica.Key{DataID: dataID, ReplicaNumber: replicaNumber}]
	if !ok {
		return nil, notFound(dataID, replicaNumber)
	}
	return &row, nil
}

func (c *MemoryCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var rows []replica.Metadata
	for k, row := range c.replicas {
		if k.DataID == dataID {
			rows = append(rows, row)
		}
	}
	sortReplicas(rows)
	return rows, nil
}

func (c *MemoryCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows := make([]replica.Metadata, 0, len(c.replicas))
	for _, row := range c.replicas {
		rows = append(rows, row)
	}
	sortReplicas(rows)
	return rows, nil
}

// Publish applies every row under one write lock.
func (c *MemoryCatalog) Publish(ctx context.Context, pc PublishContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.replicas[pc.Target().Key()]
	if !ok {
		return notFound(pc.DataID, pc.ReplicaNumber)
	}
	if err := authorizePublish(ctx, lockedAccess{c}, pc, current.LogicalPath); err != nil {
		return err
	}
	for _, row := range pc.Rows {
		if _, ok := c.replicas[row.Key()]; !ok {
			return notFound(row.DataID, row.ReplicaNumber)
		}
	}

	now := c.now().UTC()
	for _, row := range pc.Rows {
		row.ModifiedAt = now
		c.replicas[row.Key()] = row
	}
	return nil
}

func (c *MemoryCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setAccessLocked(logicalPath, user, level)
	return nil
}

func (c *MemoryCatalog) setAccessLocked(logicalPath, user string, level condinput.AccessLevel) {
	if level == condinput.AccessNull {
		delete(c.access, accessKey(logicalPath, user))
		return
	}
	c.access[accessKey(logicalPath, user)] = level
}

func (c *MemoryCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getAccessLocked(logicalPath, user), nil
}

func (c *MemoryCatalog) getAccessLocked(logicalPath, user string) condinput.AccessLevel {
	if level, ok := c.access[accessKey(logicalPath, user)]; ok {
		return level
	}
	return condinput.AccessNull
}

func (c *MemoryCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addAVULocked(logicalPath, avu)
	return nil
}

func (c *MemoryCatalog) addAVULocked(logicalPath string, avu condinput.AVU) bool {
	for _, existing := range c.avus[logicalPath] {
		if existing == avu {
			return false
		}
	}
	c.avus[logicalPath] = append(c.avus[logicalPath], avu)
	return true
}

func (c *MemoryCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]condinput.AVU(nil), c.avus[logicalPath]...), nil
}

// lockedAccess reads access while the caller already holds c.mu.
type lockedAccess struct {
	c *MemoryCatalog
}

func (a lockedAccess) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	a.c.setAccessLocked(logicalPath, user, level)
	return nil
}

func (a lockedAccess) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	return a.c.getAccessLocked(logicalPath, user), nil
}

var _ Catalog = (*MemoryCatalog)(nil)
