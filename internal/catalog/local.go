package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

const journalFile = "catalog.jsonl"

type jsonlEntry struct {
	Type        string                `json:"type"`
	Rows        []replica.Metadata    `json:"rows,omitempty"`
	LogicalPath string                `json:"logical_path,omitempty"`
	User        string                `json:"user,omitempty"`
	Level       condinput.AccessLevel `json:"level,omitempty"`
	AVU         *condinput.AVU        `json:"avu,omitempty"`
}

// LocalCatalog keeps the catalog in memory and journals every mutation to an
// append-only JSONL file that is replayed on startup.
type LocalCatalog struct {
	// wmu orders journal appends with the in-memory mutations they record.
	wmu     sync.Mutex
	mem     *MemoryCatalog
	rootDir string
}

// NewLocalCatalog replays the journal under rootDir, optionally rewriting it
// as a compact snapshot.
func NewLocalCatalog(rootDir string, compactOnStartup bool) (*LocalCatalog, error) {
	if rootDir == "" {
		rootDir = "./data/catalog"
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating catalog directory: %w", err)
	}

	c := &LocalCatalog{mem: NewMemoryCatalog(), rootDir: rootDir}
	if err := c.load(); err != nil {
		return nil, fmt.Errorf("loading catalog journal: %w", err)
	}
	if compactOnStartup {
		if err := c.compact(); err != nil {
			return nil, fmt.Errorf("compacting catalog journal: %w", err)
		}
	}
	return c, nil
}

func (c *LocalCatalog) path() string {
	return filepath.Join(c.rootDir, journalFile)
}

func (c *LocalCatalog) load() error {
	f, err := os.Open(c.path())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// A torn final line from a crash mid-append.
			continue
		}
		c.apply(entry)
	}
	return scanner.Err()
}

// apply replays one journal entry into memory without access checks; the
// checks already passed when the entry was written.
func (c *LocalCatalog) apply(entry jsonlEntry) {
	m := c.mem
	m.mu.Lock()
	defer m.mu.Unlock()

	switch entry.Type {
	case "replica", "publish":
		for _, row := range entry.Rows {
			m.replicas[row.Key()] = row
		}
	case "access":
		m.setAccessLocked(entry.LogicalPath, entry.User, entry.Level)
	case "avu":
		if entry.AVU != nil {
			m.addAVULocked(entry.LogicalPath, *entry.AVU)
		}
	}
}

func (c *LocalCatalog) appendEntry(entry jsonlEntry) error {
	f, err := os.OpenFile(c.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// compact rewrites the journal as one entry per live row, grant and AVU.
func (c *LocalCatalog) compact() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	m := c.mem
	m.mu.RLock()
	var entries []jsonlEntry
	rows := make([]replica.Metadata, 0, len(m.replicas))
	for _, row := range m.replicas {
		rows = append(rows, row)
	}
	sortReplicas(rows)
	for _, row := range rows {
		entries = append(entries, jsonlEntry{Type: "replica", Rows: []replica.Metadata{row}})
	}
	for k, level := range m.access {
		path, user, _ := strings.Cut(k, "\x00")
		entries = append(entries, jsonlEntry{Type: "access", LogicalPath: path, User: user, Level: level})
	}
	for path, avus := range m.avus {
		for i := range avus {
			avu := avus[i]
			entries = append(entries, jsonlEntry{Type: "avu", LogicalPath: path, AVU: &avu})
		}
	}
	m.mu.RUnlock()

	tmpPath := c.path() + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, c.path())
}

func (c *LocalCatalog) Ping(ctx context.Context) error {
	_, err := os.Stat(c.rootDir)
	return err
}

func (c *LocalCatalog) Close() error {
	return nil
}

func (c *LocalCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.mem.RegisterReplica(ctx, md); err != nil {
		return err
	}
	row, _ := c.mem.GetReplica(ctx, md.DataID, md.ReplicaNumber)
	return c.appendEntry(jsonlEntry{Type: "replica", Rows: []replica.Metadata{*row}})
}

func (c *LocalCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	return c.mem.GetReplica(ctx, dataID, replicaNumber)
}

func (c *LocalCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	return c.mem.ListReplicas(ctx, dataID)
}

func (c *LocalCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	return c.mem.ListAllReplicas(ctx)
}

// Publish applies the rows in memory and journals them as a single line. If
// the append fails the in-memory rows are rolled back.
func (c *LocalCatalog) Publish(ctx context.Context, pc PublishContext) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var previous []replica.Metadata
	for _, row := range pc.Rows {
		if prev, err := c.mem.GetReplica(ctx, row.DataID, row.ReplicaNumber); err == nil {
			previous = append(previous, *prev)
		}
	}

	if err := c.mem.Publish(ctx, pc); err != nil {
		return err
	}

	published := make([]replica.Metadata, 0, len(pc.Rows))
	for _, row := range pc.Rows {
		cur, _ := c.mem.GetReplica(ctx, row.DataID, row.ReplicaNumber)
		published = append(published, *cur)
	}

	if err := c.appendEntry(jsonlEntry{Type: "publish", Rows: published}); err != nil {
		for i := range previous {
			c.mem.RegisterReplica(ctx, &previous[i])
		}
		return fmt.Errorf("journaling publish: %w", err)
	}
	return nil
}

func (c *LocalCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.appendEntry(jsonlEntry{Type: "access", LogicalPath: logicalPath, User: user, Level: level}); err != nil {
		return fmt.Errorf("journaling access: %w", err)
	}
	return c.mem.SetAccess(ctx, logicalPath, user, level)
}

func (c *LocalCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	return c.mem.GetAccess(ctx, logicalPath, user)
}

func (c *LocalCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := c.appendEntry(jsonlEntry{Type: "avu", LogicalPath: logicalPath, AVU: &avu}); err != nil {
		return fmt.Errorf("journaling avu: %w", err)
	}
	return c.mem.AddAVU(ctx, logicalPath, avu)
}

func (c *LocalCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	return c.mem.ListAVUs(ctx, logicalPath)
}

var _ Catalog = (*LocalCatalog)(nil)
