package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"
	"strconv"
	"time"

	// Регистрируем драйверы Postgres: "pgx" и "postgres".
	// Register the Postgres drivers: "pgx" and "postgres".
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"dbchangelog/pkg/changelog"
)

// advisoryKey serialises creation of the bookkeeping tables between instances.
var advisoryKey = int64(crc32.ChecksumIEEE([]byte("dbchangelog")))

var _ changelog.Driver = (*Driver)(nil)

// Driver реализует драйвер миграций для Postgres.
// Driver implements the Postgres migrations driver.
type Driver struct {
	sqlDriver string
}

// New создаёт драйвер Postgres поверх lib/pq.
// Вход: нет.
// Выход: указатель на Driver.
// Назначение: конструктор для регистрации в CLI.
// New creates a Postgres driver backed by lib/pq.
// Input: none.
// Output: pointer to Driver.
// Purpose: constructor for CLI registration.
func New() *Driver {
	return &Driver{sqlDriver: "postgres"}
}

// NewPgx создаёт драйвер Postgres поверх pgx/v5/stdlib.
// NewPgx creates a Postgres driver backed by pgx/v5/stdlib.
func NewPgx() *Driver {
	return &Driver{sqlDriver: "pgx"}
}

// Name возвращает имя драйвера.
// Вход: нет.
// Выход: строка имени драйвера.
// Назначение: идентификация драйвера в CLI и конфигах.
// Name returns the driver name.
// Input: none.
// Output: driver name string.
// Purpose: identify the driver in CLI and configs.
func (d *Driver) Name() string {
	return d.sqlDriver
}

// Open открывает подключение к Postgres.
// Вход: строка DSN.
// Выход: *sql.DB или error.
// Назначение: создать подключение для выполнения миграций.
// Open opens a Postgres connection.
// Input: DSN string.
// Output: *sql.DB or error.
// Purpose: create a connection for running migrations.
func (d *Driver) Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func (d *Driver) Dialect() changelog.Dialect { return dialect{} }

// EnsureSchema создаёт таблицу databasechangelog, если её нет.
// Вход: ctx для отмены, db соединение.
// Выход: error при ошибке создания.
// Назначение: подготовить хранилище применённых change-set.
// EnsureSchema creates the databasechangelog table if missing.
// Input: ctx for cancellation, db connection.
// Output: error on creation failure.
// Purpose: prepare storage for applied change-sets.
func (d *Driver) EnsureSchema(ctx context.Context, db *sql.DB) error {
	err := d.exclusive(ctx, db, `
CREATE TABLE IF NOT EXISTS databasechangelog (
	id VARCHAR(255) NOT NULL,
	author VARCHAR(255) NOT NULL,
	filename VARCHAR(255) NOT NULL,
	dateexecuted TIMESTAMPTZ NOT NULL,
	orderexecuted INT NOT NULL,
	checksum VARCHAR(80) NOT NULL,
	description VARCHAR(255) NOT NULL DEFAULT '',
	comments VARCHAR(255) NOT NULL DEFAULT '',
	contexts VARCHAR(255) NOT NULL DEFAULT '',
	deployment_id VARCHAR(36) NOT NULL DEFAULT '',
	PRIMARY KEY (id, author)
)`)
	if err != nil {
		return fmt.Errorf("create databasechangelog table: %w", err)
	}
	return nil
}

// SchemaExists проверяет наличие databasechangelog без её создания.
// SchemaExists reports whether databasechangelog exists on the search_path.
func (d *Driver) SchemaExists(ctx context.Context, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT to_regclass('databasechangelog') IS NOT NULL`).Scan(&exists)
	return exists, err
}

type recordRow struct {
	ID            string    `db:"id"`
	Author        string    `db:"author"`
	Filename      string    `db:"filename"`
	DateExecuted  time.Time `db:"dateexecuted"`
	OrderExecuted int       `db:"orderexecuted"`
	Checksum      string    `db:"checksum"`
	Description   string    `db:"description"`
	Comments      string    `db:"comments"`
	Contexts      string    `db:"contexts"`
	DeploymentID  string    `db:"deployment_id"`
}

// AppliedRecords возвращает применённые change-set в порядке применения.
// Вход: ctx для отмены, db соединение.
// Выход: список AppliedRecord или error.
// Назначение: показать статус и найти ожидающие change-set.
// AppliedRecords returns applied change-sets in execution order.
// Input: ctx for cancellation, db connection.
// Output: list of AppliedRecord or error.
// Purpose: show status and detect pending change-sets.
func (d *Driver) AppliedRecords(ctx context.Context, db *sql.DB) ([]changelog.AppliedRecord, error) {
	var rows []recordRow
	err := sqlx.NewDb(db, d.sqlDriver).SelectContext(ctx, &rows, `
SELECT id, author, filename, dateexecuted, orderexecuted, checksum,
	description, comments, contexts, deployment_id
FROM databasechangelog
ORDER BY orderexecuted ASC, dateexecuted ASC`)
	if err != nil {
		return nil, err
	}

	applied := make([]changelog.AppliedRecord, 0, len(rows))
	for _, row := range rows {
		applied = append(applied, changelog.AppliedRecord{
			ID:           row.ID,
			Author:       row.Author,
			Filename:     row.Filename,
			Checksum:     row.Checksum,
			AppliedAt:    row.DateExecuted,
			OrderIndex:   row.OrderExecuted,
			Description:  row.Description,
			Comments:     row.Comments,
			Contexts:     row.Contexts,
			DeploymentID: row.DeploymentID,
		})
	}
	return applied, nil
}

// WithTransaction выполняет функцию в транзакции.
// Вход: ctx для отмены, db соединение, функция.
// Выход: error при ошибке транзакции или функции.
// Назначение: объединить несколько операций в одну атомарную.
// WithTransaction runs a function inside a transaction.
// Input: ctx for cancellation, db connection, function.
// Output: error if transaction or function fails.
// Purpose: group multiple operations into a single atomic unit.
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

// InsertRecord записывает факт применения change-set.
// Вход: ctx для отмены, tx транзакция, запись.
// Выход: error при ошибке вставки.
// Назначение: сохранить информацию в той же транзакции, что и изменения.
// InsertRecord records an applied change-set.
// Input: ctx for cancellation, tx transaction, record.
// Output: error on insert failure.
// Purpose: persist the record in the same transaction as the changes.
func (d *Driver) InsertRecord(ctx context.Context, tx *sql.Tx, r changelog.AppliedRecord) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO databasechangelog
	(id, author, filename, dateexecuted, orderexecuted, checksum, description, comments, contexts, deployment_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.Author, r.Filename, r.AppliedAt, r.OrderIndex, r.Checksum,
		r.Description, r.Comments, r.Contexts, r.DeploymentID,
	)
	return err
}

// EnsureLock создаёт таблицу блокировки и строку id=1.
// EnsureLock creates the lock table and its id=1 row.
func (d *Driver) EnsureLock(ctx context.Context, db *sql.DB) error {
	err := d.exclusive(ctx, db, `
CREATE TABLE IF NOT EXISTS databasechangeloglock (
	id INT PRIMARY KEY,
	locked BOOLEAN NOT NULL,
	lockgranted TIMESTAMPTZ,
	lockedby VARCHAR(255)
)`, `INSERT INTO databasechangeloglock (id, locked) VALUES (1, FALSE) ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("create databasechangeloglock table: %w", err)
	}
	return nil
}

// TryLock захватывает строку блокировки, если она свободна.
// TryLock takes the lock row if it is free.
func (d *Driver) TryLock(ctx context.Context, db *sql.DB, owner string, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
UPDATE databasechangeloglock
SET locked = TRUE, lockgranted = $1, lockedby = $2
WHERE id = 1 AND locked = FALSE`, at, owner)
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
	query := `UPDATE databasechangeloglock SET locked = FALSE, lockgranted = NULL, lockedby = NULL WHERE id = 1`
	args := []any{}
	if owner != "" {
		query += ` AND lockedby = $1`
		args = append(args, owner)
	}
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

type lockRow struct {
	Locked      bool           `db:"locked"`
	LockGranted sql.NullTime   `db:"lockgranted"`
	LockedBy    sql.NullString `db:"lockedby"`
}

func (d *Driver) LockState(ctx context.Context, db *sql.DB) (changelog.LockRecord, error) {
	var row lockRow
	err := sqlx.NewDb(db, d.sqlDriver).GetContext(ctx, &row,
		`SELECT locked, lockgranted, lockedby FROM databasechangeloglock WHERE id = 1`)
	if err != nil {
		return changelog.LockRecord{}, err
	}
	return changelog.LockRecord{
		Locked:    row.Locked,
		GrantedAt: row.LockGranted.Time,
		LockedBy:  row.LockedBy.String,
	}, nil
}

// exclusive runs DDL under a transaction-scoped advisory lock, so instances
// starting together do not race on CREATE TABLE IF NOT EXISTS.
func (d *Driver) exclusive(ctx context.Context, db *sql.DB, statements ...string) error {
	return d.WithTransaction(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

type dialect struct{}

func (dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (dialect) AutoIncrement(c changelog.Column) (string, bool, error) {
	typ := c.Type
	if typ == "" {
		typ = "BIGINT"
	}
	return c.Name + " " + typ + " GENERATED BY DEFAULT AS IDENTITY", false, nil
}
