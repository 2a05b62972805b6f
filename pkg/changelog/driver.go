package changelog

import (
	"context"
	"database/sql"
	"time"
)

// Driver определяет операции для конкретной БД.
// Назначение: абстрагировать различия между СУБД.
// Driver defines database-specific operations.
// Purpose: abstract differences between database backends.
type Driver interface {
	Name() string
	Open(dsn string) (*sql.DB, error)
	Dialect() Dialect

	// EnsureSchema creates the databasechangelog table if missing.
	EnsureSchema(ctx context.Context, db *sql.DB) error
	// SchemaExists reports whether the databasechangelog table exists. It
	// never creates anything.
	SchemaExists(ctx context.Context, db *sql.DB) (bool, error)
	// AppliedRecords returns applied change-sets ordered by OrderIndex.
	AppliedRecords(ctx context.Context, db *sql.DB) ([]AppliedRecord, error)
	WithTransaction(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error
	InsertRecord(ctx context.Context, tx *sql.Tx, record AppliedRecord) error

	// EnsureLock creates the lock table and its single row if missing.
	EnsureLock(ctx context.Context, db *sql.DB) error
	// TryLock marks the lock row as held by owner if it is free and reports
	// whether it did.
	TryLock(ctx context.Context, db *sql.DB, owner string, at time.Time) (bool, error)
	// Unlock frees the lock row if it is held by owner. An empty owner frees
	// it unconditionally.
	Unlock(ctx context.Context, db *sql.DB, owner string) error
	LockState(ctx context.Context, db *sql.DB) (LockRecord, error)
}

// Dialect отвечает за SQL-синтаксис, отличающийся между СУБД.
// Dialect renders the SQL that differs between database backends.
type Dialect interface {
	// Placeholder returns the bind parameter for the n-th argument, 1-based.
	Placeholder(n int) string
	// AutoIncrement renders an auto-incremented column definition and reports
	// whether it already declares the primary key inline. It fails when the
	// backend cannot auto-increment the column.
	AutoIncrement(c Column) (definition string, inlinePrimaryKey bool, err error)
}
