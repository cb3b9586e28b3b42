package storage

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteResource implements Resource with replica data stored as BLOBs in a
// SQLite database. Suitable for small replicas in single-node deployments.
type SQLiteResource struct {
	name string
	db   *sql.DB
}

// NewSQLiteResource opens the database at dbPath, applies PRAGMAs and creates
// the replica_data table.
func NewSQLiteResource(name, dbPath string) (*SQLiteResource, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite storage database: %w", err)
	}

	r := &SQLiteResource{name: name, db: db}
	if err := r.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite storage database: %w", err)
	}
	return r, nil
}

func (r *SQLiteResource) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS replica_data (
			physical_path TEXT PRIMARY KEY,
			data          BLOB NOT NULL
		);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("creating storage schema: %w", err)
	}
	return nil
}

// Name returns the resource name.
func (r *SQLiteResource) Name() string {
	return r.name
}

// Close closes the underlying SQLite database connection.
func (r *SQLiteResource) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Put stores the data, overwriting an existing row.
func (r *SQLiteResource) Put(ctx context.Context, physicalPath string, reader io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, fmt.Errorf("reading replica data: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO replica_data (physical_path, data) VALUES (?, ?)`,
		physicalPath, data,
	)
	if err != nil {
		return 0, fmt.Errorf("putting replica data %q: %w", physicalPath, err)
	}
	return int64(len(data)), nil
}

// Open reads the BLOB into memory and returns a reader over it.
func (r *SQLiteResource) Open(ctx context.Context, physicalPath string) (io.ReadCloser, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT data FROM replica_data WHERE physical_path = ?`,
		physicalPath,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
	}
	if err != nil {
		return nil, fmt.Errorf("getting replica data %q: %w", physicalPath, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat returns the BLOB length without reading the data.
func (r *SQLiteResource) Stat(ctx context.Context, physicalPath string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT length(data) FROM replica_data WHERE physical_path = ?`,
		physicalPath,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrObjectNotFound, physicalPath)
	}
	if err != nil {
		return 0, fmt.Errorf("stat replica data %q: %w", physicalPath, err)
	}
	return n, nil
}

// Remove deletes the row. Deleting a missing row is not an error.
func (r *SQLiteResource) Remove(ctx context.Context, physicalPath string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM replica_data WHERE physical_path = ?`,
		physicalPath,
	)
	if err != nil {
		return fmt.Errorf("deleting replica data %q: %w", physicalPath, err)
	}
	return nil
}

// HealthCheck executes a trivial query.
func (r *SQLiteResource) HealthCheck(ctx context.Context) error {
	var n int
	return r.db.QueryRowContext(ctx, `SELECT 1`).Scan(&n)
}

var _ Resource = (*SQLiteResource)(nil)
