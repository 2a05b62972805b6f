// Package sqlite implements the changelog driver for SQLite through the pure
// Go modernc.org/sqlite driver.
//
// Use a DSN with a busy timeout and immediate transactions when several
// processes share the file, e.g.
//
//	file:app.db?_pragma=busy_timeout(5000)&_txlock=immediate
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"dbchangelog/pkg/changelog"
)

const sqlDriver = "sqlite"

var _ changelog.Driver = (*Driver)(nil)

// Driver реализует драйвер миграций для SQLite.
// Driver implements the SQLite migrations driver.
type Driver struct{}

func New() *Driver {
	return &Driver{}
}

func (d *Driver) Name() string {
	return "sqlite"
}

// Open opens the database with a single connection; SQLite serialises writers
// anyway and a single connection keeps in-memory databases shared.
func (d *Driver) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (d *Driver) Dialect() changelog.Dialect { return dialect{} }

func (d *Driver) EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS databasechangelog (
	id TEXT NOT NULL,
	author TEXT NOT NULL,
	filename TEXT NOT NULL,
	dateexecuted TEXT NOT NULL,
	orderexecuted INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	comments TEXT NOT NULL DEFAULT '',
	contexts TEXT NOT NULL DEFAULT '',
	deployment_id TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, author)
)`)
	if err != nil {
		return fmt.Errorf("create databasechangelog table: %w", err)
	}
	return nil
}

func (d *Driver) SchemaExists(ctx context.Context, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'databasechangelog')`).Scan(&exists)
	return exists, err
}

type recordRow struct {
	ID            string `db:"id"`
	Author        string `db:"author"`
	Filename      string `db:"filename"`
	DateExecuted  string `db:"dateexecuted"`
	OrderExecuted int    `db:"orderexecuted"`
	Checksum      string `db:"checksum"`
	Description   string `db:"description"`
	Comments      string `db:"comments"`
	Contexts      string `db:"contexts"`
	DeploymentID  string `db:"deployment_id"`
}

func (d *Driver) AppliedRecords(ctx context.Context, db *sql.DB) ([]changelog.AppliedRecord, error) {
	var rows []recordRow
	err := sqlx.NewDb(db, sqlDriver).SelectContext(ctx, &rows, `
SELECT id, author, filename, dateexecuted, orderexecuted, checksum,
	description, comments, contexts, deployment_id
FROM databasechangelog
ORDER BY orderexecuted ASC`)
	if err != nil {
		return nil, err
	}

	applied := make([]changelog.AppliedRecord, 0, len(rows))
	for _, row := range rows {
		at, err := parseTime(row.DateExecuted)
		if err != nil {
			return nil, fmt.Errorf("change-set %s::%s: %w", row.ID, row.Author, err)
		}
		applied = append(applied, changelog.AppliedRecord{
			ID:           row.ID,
			Author:       row.Author,
			Filename:     row.Filename,
			Checksum:     row.Checksum,
			AppliedAt:    at,
			OrderIndex:   row.OrderExecuted,
			Description:  row.Description,
			Comments:     row.Comments,
			Contexts:     row.Contexts,
			DeploymentID: row.DeploymentID,
		})
	}
	return applied, nil
}

func (d *Driver) WithTransaction(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (d *Driver) InsertRecord(ctx context.Context, tx *sql.Tx, r changelog.AppliedRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO databasechangelog
	(id, author, filename, dateexecuted, orderexecuted, checksum, description, comments, contexts, deployment_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Author, r.Filename, formatTime(r.AppliedAt), r.OrderIndex, r.Checksum,
		r.Description, r.Comments, r.Contexts, r.DeploymentID,
	)
	return err
}

func (d *Driver) EnsureLock(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS databasechangeloglock (
	id INTEGER PRIMARY KEY,
	locked INTEGER NOT NULL,
	lockgranted TEXT,
	lockedby TEXT
)`); err != nil {
		return fmt.Errorf("create databasechangeloglock table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO databasechangeloglock (id, locked) VALUES (1, 0)`); err != nil {
		return fmt.Errorf("seed databasechangeloglock row: %w", err)
	}
	return nil
}

func (d *Driver) TryLock(ctx context.Context, db *sql.DB, owner string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
UPDATE databasechangeloglock
SET locked = 1, lockgranted = ?, lockedby = ?
WHERE id = 1 AND locked = 0`, formatTime(at), owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *Driver) Unlock(ctx context.Context, db *sql.DB, owner string) error {
	query := `UPDATE databasechangeloglock SET locked = 0, lockgranted = NULL, lockedby = NULL WHERE id = 1`
	args := []any{}
	if owner != "" {
		query += ` AND lockedby = ?`
		args = append(args, owner)
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

type lockRow struct {
	Locked      bool           `db:"locked"`
	LockGranted sql.NullString `db:"lockgranted"`
	LockedBy    sql.NullString `db:"lockedby"`
}

func (d *Driver) LockState(ctx context.Context, db *sql.DB) (changelog.LockRecord, error) {
	var row lockRow
	err := sqlx.NewDb(db, sqlDriver).GetContext(ctx, &row,
		`SELECT locked, lockgranted, lockedby FROM databasechangeloglock WHERE id = 1`)
	if err != nil {
		return changelog.LockRecord{}, err
	}
	state := changelog.LockRecord{Locked: row.Locked, LockedBy: row.LockedBy.String}
	if row.LockGranted.Valid {
		if state.GrantedAt, err = parseTime(row.LockGranted.String); err != nil {
			return changelog.LockRecord{}, fmt.Errorf("lockgranted: %w", err)
		}
	}
	return state, nil
}

// Times are stored as RFC 3339 text in UTC so they sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

type dialect struct{}

func (dialect) Placeholder(int) string { return "?" }

// AutoIncrement maps to a rowid alias. SQLite only supports AUTOINCREMENT on
// an INTEGER PRIMARY KEY column, which must be declared inline.
func (dialect) AutoIncrement(c changelog.Column) (string, bool, error) {
	if !c.PrimaryKey {
		return "", false, fmt.Errorf("column %s: sqlite auto-increments only the primary key column", c.Name)
	}
	return c.Name + " INTEGER PRIMARY KEY AUTOINCREMENT", true, nil
}
