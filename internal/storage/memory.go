package storage

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// MemoryOptions configures a MemoryResource.
type MemoryOptions struct {
	// MaxSizeBytes caps the total bytes held; 0 means unlimited.
	MaxSizeBytes int64
	// UnknownSizes makes Stat report UnknownFileSize, modelling archive
	// tiers that cannot stat their data.
	UnknownSizes bool
	// SnapshotPath enables SQLite snapshot persistence when non-empty.
	SnapshotPath string
	// SnapshotInterval is the period between background snapshots.
	SnapshotInterval time.Duration
}

// MemoryResource implements Resource using an in-memory map. It optionally
// persists snapshots to a SQLite file so that data survives restarts.
type MemoryResource struct {
	name string
	opts MemoryOptions

	mu          sync.RWMutex
	objects     map[string][]byte
	currentSize int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMemoryResource creates a new MemoryResource. When a snapshot path is
// configured it loads any existing snapshot and starts a background goroutine
// that writes periodic snapshots.
func NewMemoryResource(name string, opts MemoryOptions) (*MemoryResource, error) {
	r := &MemoryResource{
		name:    name,
		opts:    opts,
		objects: make(map[string][]byte),
		stopCh:  make(chan struct{}),
	}

	if opts.SnapshotPath != "" {
		if err := r.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if opts.SnapshotInterval > 0 {
			r.wg.Add(1)
			go r.snapshotLoop()
		}
	}

	return r, nil
}

// Name returns the resource name.
func (r *MemoryResource) Name() string {
	return r.name
}

// Put reads all data from the reader and stores it in memory.
func (r *MemoryResource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading replica data: %w", err)
	}
	dataLen := int64(len(data))

	r.mu.Lock()
	defer r.mu.Unlock()

	delta := dataLen
	if existing, found := r.objects[physicalPath]; found {
		delta -= int64(len(existing))
	}
	if r.opts.MaxSizeBytes > 0 && r.currentSize+delta > r.opts.MaxSizeBytes {
		return 0, fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", r.currentSize, delta, r.opts.MaxSizeBytes)
	}

	r.objects[physicalPath] = data
	r.currentSize += delta
	return dataLen, nil
}

// Open returns a reader over a copy of the stored data.
func (r *MemoryResource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, found := r.objects[physicalPath]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return io.NopCloser(bytes.NewReader(dataCopy)), nil
}

// Stat returns the stored length, or UnknownFileSize when the resource was
// configured to withhold sizes.
func (r *MemoryResource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, found := r.objects[physicalPath]
	if !found {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
	}
	if r.opts.UnknownSizes {
		return UnknownFileSize, nil
	}
	return int64(len(data)), nil
}

// Remove deletes the stored data.
func (r *MemoryResource) Remove(ctx context.Context, physicalPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if data, found := r.objects[physicalPath]; found {
		r.currentSize -= int64(len(data))
		delete(r.objects, physicalPath)
	}
	return nil
}

// HealthCheck always succeeds for the memory resource.
func (r *MemoryResource) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot goroutine and writes a final snapshot.
func (r *MemoryResource) Close() error {
	close(r.stopCh)
	r.wg.Wait()

	if r.opts.SnapshotPath != "" {
		if err := r.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (r *MemoryResource) snapshotLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.writeSnapshot(); err != nil {
				slog.Error("memory resource snapshot failed", "resource", r.name, "error", err)
			}
		}
	}
}

// loadSnapshot restores the in-memory state from a SQLite snapshot file.
// A missing file is a fresh start.
func (r *MemoryResource) loadSnapshot() error {
	if _, err := os.Stat(r.opts.SnapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", r.opts.SnapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'replica_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT physical_path, data FROM replica_snapshots")
	if err != nil {
		return fmt.Errorf("querying replica snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var data []byte
		if err := rows.Scan(&path, &data); err != nil {
			return fmt.Errorf("scanning replica snapshot row: %w", err)
		}
		r.objects[path] = data
		r.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot writes the current state to a temp SQLite file, then renames
// it over the snapshot path.
func (r *MemoryResource) writeSnapshot() error {
	r.mu.RLock()
	objectsCopy := make(map[string][]byte, len(r.objects))
	for k, v := range r.objects {
		objectsCopy[k] = v
	}
	r.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(r.opts.SnapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := r.opts.SnapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}

	fail := func(format string, err error) error {
		db.Close()
		os.Remove(tmpPath)
		return fmt.Errorf(format, err)
	}

	schema := `
		PRAGMA synchronous = FULL;

		CREATE TABLE replica_snapshots (
			physical_path TEXT PRIMARY KEY,
			data          BLOB NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		return fail("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fail("beginning snapshot transaction: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO replica_snapshots (physical_path, data) VALUES (?, ?)")
	if err != nil {
		tx.Rollback()
		return fail("preparing snapshot insert: %w", err)
	}
	defer stmt.Close()

	paths := make([]string, 0, len(objectsCopy))
	for k := range objectsCopy {
		paths = append(paths, k)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := stmt.Exec(p, objectsCopy[p]); err != nil {
			tx.Rollback()
			return fail("inserting replica snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail("committing snapshot transaction: %w", err)
	}
	if err := db.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}

	if err := os.Rename(tmpPath, r.opts.SnapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	return nil
}

var _ Resource = (*MemoryResource)(nil)
