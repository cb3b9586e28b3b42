package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// SQLiteCatalog implements Catalog on SQLite. It is the default engine and
// the source format for catalog export/import.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens the database at dsn and initializes the schema.
func NewSQLiteCatalog(dsn string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	c := &SQLiteCatalog{db: db}
	if err := c.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return c, nil
}

// initDB applies PRAGMAs and creates tables. Safe to call repeatedly.
func (c *SQLiteCatalog) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	// Column names are part of the export format; see internal/serialization.
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS replicas (
			data_id        INTEGER NOT NULL,
			replica_number INTEGER NOT NULL,
			logical_path   TEXT NOT NULL,
			resource       TEXT NOT NULL,
			physical_path  TEXT NOT NULL,
			size           INTEGER NOT NULL DEFAULT 0,
			checksum       TEXT NOT NULL DEFAULT '',
			status         INTEGER NOT NULL,
			modified_at    TEXT NOT NULL,

			PRIMARY KEY (data_id, replica_number)
		);

		CREATE INDEX IF NOT EXISTS idx_replicas_path ON replicas(logical_path);

		CREATE TABLE IF NOT EXISTS access (
			logical_path TEXT NOT NULL,
			user_name    TEXT NOT NULL,
			level        TEXT NOT NULL,

			PRIMARY KEY (logical_path, user_name)
		);

		CREATE TABLE IF NOT EXISTS avus (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			logical_path TEXT NOT NULL,
			attribute    TEXT NOT NULL,
			value        TEXT NOT NULL,
			unit         TEXT NOT NULL DEFAULT '',

			UNIQUE (logical_path, attribute, value, unit)
		);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := c.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (c *SQLiteCatalog) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (c *SQLiteCatalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// ---- Replica rows ----

const replicaColumns = `data_id, replica_number, logical_path, resource, physical_path, size, checksum, status, modified_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReplica(row rowScanner) (*replica.Metadata, error) {
	var md replica.Metadata
	var status int
	var modifiedAt string
	if err := row.Scan(&md.DataID, &md.ReplicaNumber, &md.LogicalPath, &md.Resource,
		&md.PhysicalPath, &md.Size, &md.Checksum, &status, &modifiedAt); err != nil {
		return nil, err
	}
	md.Status = replica.Status(status)
	md.ModifiedAt, _ = time.Parse(timeFormat, modifiedAt)
	return &md, nil
}

// RegisterReplica inserts or replaces the row.
func (c *SQLiteCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	if !md.Status.Valid() {
		return fmt.Errorf("registering replica %s: invalid status %d", md.Key(), int(md.Status))
	}
	modifiedAt := md.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now()
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO replicas (`+replicaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.DataID, md.ReplicaNumber, md.LogicalPath, md.Resource, md.PhysicalPath,
		md.Size, md.Checksum, int(md.Status), modifiedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("registering replica %s: %w", md.Key(), err)
	}
	return nil
}

// GetReplica reads one row.
func (c *SQLiteCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE data_id = ? AND replica_number = ?`,
		dataID, replicaNumber,
	)
	md, err := scanReplica(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(dataID, replicaNumber)
	}
	if err != nil {
		return nil, fmt.Errorf("getting replica %d:%d: %w", dataID, replicaNumber, err)
	}
	return md, nil
}

// ListReplicas returns all replicas of one data object.
func (c *SQLiteCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	return c.queryReplicas(ctx,
		`SELECT `+replicaColumns+` FROM replicas WHERE data_id = ? ORDER BY replica_number`, dataID)
}

// ListAllReplicas returns every row.
func (c *SQLiteCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	return c.queryReplicas(ctx,
		`SELECT `+replicaColumns+` FROM replicas ORDER BY data_id, replica_number`)
}

func (c *SQLiteCatalog) queryReplicas(ctx context.Context, query string, args ...any) ([]replica.Metadata, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing replicas: %w", err)
	}
	defer rows.Close()

	var out []replica.Metadata
	for rows.Next() {
		md, err := scanReplica(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning replica row: %w", err)
		}
		out = append(out, *md)
	}
	return out, rows.Err()
}

// Publish updates every row in one transaction.
func (c *SQLiteCatalog) Publish(ctx context.Context, pc PublishContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning publish transaction: %w", err)
	}
	defer tx.Rollback()

	var logicalPath string
	err = tx.QueryRowContext(ctx,
		`SELECT logical_path FROM replicas WHERE data_id = ? AND replica_number = ?`,
		pc.DataID, pc.ReplicaNumber,
	).Scan(&logicalPath)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(pc.DataID, pc.ReplicaNumber)
	}
	if err != nil {
		return fmt.Errorf("reading publish target: %w", err)
	}

	if err := authorizePublish(ctx, txAccess{tx}, pc, logicalPath); err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeFormat)
	for _, row := range pc.Rows {
		res, err := tx.ExecContext(ctx,
			`UPDATE replicas
			 SET logical_path = ?, resource = ?, physical_path = ?, size = ?, checksum = ?, status = ?, modified_at = ?
			 WHERE data_id = ? AND replica_number = ?`,
			row.LogicalPath, row.Resource, row.PhysicalPath, row.Size, row.Checksum, int(row.Status), now,
			row.DataID, row.ReplicaNumber,
		)
		if err != nil {
			return fmt.Errorf("updating replica %s: %w", row.Key(), err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(row.DataID, row.ReplicaNumber)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing publish: %w", err)
	}
	return nil
}

// ---- Access ----

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getAccess(ctx context.Context, q queryer, logicalPath, user string) (condinput.AccessLevel, error) {
	var level string
	err := q.QueryRowContext(ctx,
		`SELECT level FROM access WHERE logical_path = ? AND user_name = ?`,
		logicalPath, user,
	).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return condinput.AccessNull, nil
	}
	if err != nil {
		return "", err
	}
	return condinput.AccessLevel(level), nil
}

func setAccess(ctx context.Context, q queryer, logicalPath, user string, level condinput.AccessLevel) error {
	if level == condinput.AccessNull {
		_, err := q.ExecContext(ctx, `DELETE FROM access WHERE logical_path = ? AND user_name = ?`, logicalPath, user)
		return err
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO access (logical_path, user_name, level) VALUES (?, ?, ?)
		 ON CONFLICT (logical_path, user_name) DO UPDATE SET level = excluded.level`,
		logicalPath, user, string(level),
	)
	return err
}

// txAccess reads access inside a publish transaction.
type txAccess struct {
	tx *sql.Tx
}

func (a txAccess) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	return setAccess(ctx, a.tx, logicalPath, user, level)
}

func (a txAccess) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	return getAccess(ctx, a.tx, logicalPath, user)
}

func (c *SQLiteCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	if err := setAccess(ctx, c.db, logicalPath, user, level); err != nil {
		return fmt.Errorf("setting access on %q for %q: %w", logicalPath, user, err)
	}
	return nil
}

func (c *SQLiteCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	level, err := getAccess(ctx, c.db, logicalPath, user)
	if err != nil {
		return "", fmt.Errorf("getting access on %q for %q: %w", logicalPath, user, err)
	}
	return level, nil
}

// ---- AVUs ----

func (c *SQLiteCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO avus (logical_path, attribute, value, unit) VALUES (?, ?, ?, ?)`,
		logicalPath, avu.Attribute, avu.Value, avu.Unit,
	)
	if err != nil {
		return fmt.Errorf("adding avu to %q: %w", logicalPath, err)
	}
	return nil
}

func (c *SQLiteCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT attribute, value, unit FROM avus WHERE logical_path = ? ORDER BY id`,
		logicalPath,
	)
	if err != nil {
		return nil, fmt.Errorf("listing avus on %q: %w", logicalPath, err)
	}
	defer rows.Close()

	var out []condinput.AVU
	for rows.Next() {
		var avu condinput.AVU
		if err := rows.Scan(&avu.Attribute, &avu.Value, &avu.Unit); err != nil {
			return nil, fmt.Errorf("scanning avu row: %w", err)
		}
		out = append(out, avu)
	}
	return out, rows.Err()
}

var _ Catalog = (*SQLiteCatalog)(nil)
