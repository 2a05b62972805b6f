package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Plan — результат сравнения change-log с databasechangelog.
// Plan is the outcome of comparing a change-log with databasechangelog.
type Plan struct {
	Pending  []ChangeSet
	Skipped  []ChangeSet
	Filtered []ChangeSet
	// NextOrder is the OrderIndex the first pending change-set receives.
	NextOrder int
}

// UpdateResult describes a finished update run.
type UpdateResult struct {
	DeploymentID string
	Applied      []string
	Skipped      []string
	Filtered     []string
}

// Applier применяет ожидающие change-set по порядку.
// Назначение: выполнить каждый change-set в отдельной транзакции и записать его.
// Applier applies pending change-sets in order.
// Purpose: run each change-set in its own transaction and record it.
type Applier struct {
	driver Driver
	db     *sql.DB
	opts   options
}

// NewApplier создаёт Applier.
// Вход: драйвер, соединение, опции (логгер, контексты).
// Выход: *Applier.
// NewApplier creates an Applier.
// Input: driver, connection, options (logger, contexts).
// Output: *Applier.
func NewApplier(driver Driver, db *sql.DB, opts ...Option) *Applier {
	return &Applier{driver: driver, db: db, opts: newOptions(opts)}
}

// Plan сравнивает change-log с применёнными записями без выполнения.
// Вход: ctx для отмены, change-log.
// Выход: *Plan или ChecksumConflict/ошибка БД.
// Назначение: найти ожидающие change-set и конфликты до любых изменений.
// Plan compares the change-log with applied records without executing.
// Input: ctx for cancellation, change-log.
// Output: *Plan or ChecksumConflict/database error.
// Purpose: find pending change-sets and conflicts before any change.
func (a *Applier) Plan(ctx context.Context, changeLog *ChangeLog) (*Plan, error) {
	if err := a.driver.EnsureSchema(ctx, a.db); err != nil {
		return nil, fmt.Errorf("ensure databasechangelog: %w", err)
	}

	records, err := a.driver.AppliedRecords(ctx, a.db)
	if err != nil {
		return nil, fmt.Errorf("read applied change-sets: %w", err)
	}
	return a.plan(changeLog, records)
}

// Inspect строит план только чтением: отсутствующая таблица
// databasechangelog означает, что ничего не применено.
// Выход: *Plan, применённые записи или ChecksumConflict/ошибка БД.
// Inspect builds the plan with reads only: a missing databasechangelog table
// means nothing has been applied yet.
// Output: *Plan, the applied records or ChecksumConflict/database error.
func (a *Applier) Inspect(ctx context.Context, changeLog *ChangeLog) (*Plan, []AppliedRecord, error) {
	exists, err := a.driver.SchemaExists(ctx, a.db)
	if err != nil {
		return nil, nil, fmt.Errorf("look up databasechangelog: %w", err)
	}
	var records []AppliedRecord
	if exists {
		if records, err = a.driver.AppliedRecords(ctx, a.db); err != nil {
			return nil, nil, fmt.Errorf("read applied change-sets: %w", err)
		}
	}
	plan, err := a.plan(changeLog, records)
	if err != nil {
		return nil, nil, err
	}
	return plan, records, nil
}

func (a *Applier) plan(changeLog *ChangeLog, records []AppliedRecord) (*Plan, error) {
	plan := &Plan{NextOrder: 1}
	applied := make(map[string]AppliedRecord, len(records))
	for _, record := range records {
		applied[record.Key()] = record
		if record.OrderIndex >= plan.NextOrder {
			plan.NextOrder = record.OrderIndex + 1
		}
	}

	for _, cs := range changeLog.ChangeSets {
		if record, ok := applied[cs.Key()]; ok {
			if !cs.AcceptsChecksum(record.Checksum) {
				return nil, &ChecksumConflict{
					ChangeSet: cs.String(),
					Recorded:  record.Checksum,
					Current:   cs.Checksum,
				}
			}
			plan.Skipped = append(plan.Skipped, cs)
			continue
		}
		if !cs.MatchesContexts(a.opts.contexts) {
			plan.Filtered = append(plan.Filtered, cs)
			continue
		}
		plan.Pending = append(plan.Pending, cs)
	}
	return plan, nil
}

// Apply выполняет все ожидающие change-set.
// Вход: ctx для отмены, change-log.
// Выход: *UpdateResult (всегда не nil после планирования) и error.
// Назначение: применить change-set и остановиться на первой ошибке.
// Apply runs every pending change-set.
// Input: ctx for cancellation, change-log.
// Output: *UpdateResult (non-nil once planning succeeded) and error.
// Purpose: apply change-sets and stop at the first failure.
//
// Change-sets committed before a failure stay committed.
func (a *Applier) Apply(ctx context.Context, changeLog *ChangeLog) (*UpdateResult, error) {
	plan, err := a.Plan(ctx, changeLog)
	if err != nil {
		return nil, err
	}

	result := &UpdateResult{DeploymentID: uuid.NewString()}
	for _, cs := range plan.Skipped {
		result.Skipped = append(result.Skipped, cs.Key())
	}
	for _, cs := range plan.Filtered {
		result.Filtered = append(result.Filtered, cs.Key())
	}
	log := a.opts.logger.With(zap.String("deployment_id", result.DeploymentID))

	if len(plan.Pending) == 0 {
		log.Info("database is up to date", zap.Int("skipped", len(plan.Skipped)))
		return result, nil
	}

	order := plan.NextOrder
	for _, cs := range plan.Pending {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("update interrupted before change-set %s: %w", cs, err)
		}

		started := a.opts.now()
		record := AppliedRecord{
			ID:           cs.ID,
			Author:       cs.Author,
			Filename:     cs.File,
			Checksum:     cs.Checksum,
			AppliedAt:    started.UTC(),
			OrderIndex:   order,
			Description:  cs.Description(),
			Comments:     truncate(cs.Comment, recordFieldLimit),
			Contexts:     truncate(strings.Join(cs.Contexts, ","), recordFieldLimit),
			DeploymentID: result.DeploymentID,
		}
		if err := a.driver.WithTransaction(ctx, a.db, func(tx *sql.Tx) error {
			return a.execute(ctx, tx, cs, record)
		}); err != nil {
			log.Error("change-set failed",
				zap.String("changeset", cs.ID),
				zap.String("author", cs.Author),
				zap.String("file", cs.File),
				zap.Error(err),
			)
			return result, &MigrationFailure{ChangeSet: cs.String(), Err: err}
		}

		log.Info("change-set applied",
			zap.String("changeset", cs.ID),
			zap.String("author", cs.Author),
			zap.String("file", cs.File),
			zap.Duration("elapsed", time.Since(started)),
		)
		result.Applied = append(result.Applied, cs.Key())
		order++
	}
	return result, nil
}

// execute runs the operations of cs and writes its record inside tx.
func (a *Applier) execute(ctx context.Context, tx *sql.Tx, cs ChangeSet, record AppliedRecord) error {
	dialect := a.driver.Dialect()
	for i, op := range cs.Operations {
		statements, err := op.Statements(dialect)
		if err != nil {
			return fmt.Errorf("render %s (operation %d): %w", op.Kind(), i+1, err)
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
				return fmt.Errorf("exec %s (operation %d): %w", op.Kind(), i+1, err)
			}
		}
	}
	if err := a.driver.InsertRecord(ctx, tx, record); err != nil {
		return fmt.Errorf("record change-set: %w", err)
	}
	return nil
}
