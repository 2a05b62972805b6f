package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
)

// Pipeline объединяет загрузчик, блокировку и Applier.
// Назначение: один вызов для проверки, блокировки и применения change-log.
// Pipeline ties the loader, the lock and the Applier together.
// Purpose: one call to load, lock and apply a change-log.
type Pipeline struct {
	loader *Loader
	driver Driver
	db     *sql.DB
	cfg    Config
	opts   []Option
}

// NewPipeline создаёт конвейер миграций.
// Вход: fs.FS с ресурсами, драйвер, соединение, Config, опции.
// Выход: *Pipeline или ошибка валидации Config.
// NewPipeline creates a migration pipeline.
// Input: resource fs.FS, driver, connection, Config, options.
// Output: *Pipeline or a Config validation error.
func NewPipeline(fsys fs.FS, driver Driver, db *sql.DB, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	all := append([]Option{
		WithContexts(cfg.Contexts...),
		WithPollInterval(cfg.PollInterval),
		WithStaleAfter(cfg.StaleAfter),
	}, opts...)
	return &Pipeline{loader: NewLoader(fsys), driver: driver, db: db, cfg: cfg, opts: all}, nil
}

// Load reads and validates the configured change-logs.
func (p *Pipeline) Load() (*ChangeLog, error) {
	return p.loader.Load(p.cfg.Locations...)
}

// Update загружает change-log, берёт блокировку и применяет ожидающие change-set.
// Вход: ctx для отмены.
// Выход: *UpdateResult и error.
// Update loads the change-log, takes the lock and applies pending change-sets.
// Input: ctx for cancellation.
// Output: *UpdateResult and error.
func (p *Pipeline) Update(ctx context.Context) (*UpdateResult, error) {
	changeLog, err := p.Load()
	if err != nil {
		return nil, err
	}
	return p.apply(ctx, changeLog)
}

// apply runs an already loaded change-log under the migration lock.
func (p *Pipeline) apply(ctx context.Context, changeLog *ChangeLog) (*UpdateResult, error) {
	lock := NewTableLock(p.driver, p.db, p.opts...)
	if err := lock.Acquire(ctx, p.cfg.LockTimeout); err != nil {
		return nil, err
	}
	defer lock.Release()

	return NewApplier(p.driver, p.db, p.opts...).Apply(ctx, changeLog)
}

// Status returns the plan for the current change-log together with the
// applied records. It only reads: no lock, no bookkeeping tables created.
func (p *Pipeline) Status(ctx context.Context) (*Plan, []AppliedRecord, error) {
	changeLog, err := p.Load()
	if err != nil {
		return nil, nil, err
	}
	return NewApplier(p.driver, p.db, p.opts...).Inspect(ctx, changeLog)
}

// Validate loads the change-log and checks recorded checksums without
// applying anything.
func (p *Pipeline) Validate(ctx context.Context) error {
	_, _, err := p.Status(ctx)
	return err
}

// ReleaseLocks forcibly frees the migration lock, whoever holds it.
func (p *Pipeline) ReleaseLocks(ctx context.Context) error {
	if err := p.driver.EnsureLock(ctx, p.db); err != nil {
		return fmt.Errorf("ensure databasechangeloglock: %w", err)
	}
	if err := p.driver.Unlock(ctx, p.db, ""); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}
