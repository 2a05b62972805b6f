package changelog

import (
	"errors"
	"fmt"
	"time"
)

// ErrSchemaNotReady is returned to dependents when the migration run did not
// leave the schema current.
var ErrSchemaNotReady = errors.New("schema is not ready")

// ErrLockNotReleased is returned by Acquire when the same lock is acquired
// twice without a Release in between.
var ErrLockNotReleased = errors.New("migration lock is already held or being acquired")

// ParseError сообщает о битом или отсутствующем change-log.
// ParseError reports a missing or malformed change-log resource.
type ParseError struct {
	Location string
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse changelog %s:%d: %v", e.Location, e.Line, e.Err)
	}
	return fmt.Sprintf("parse changelog %s: %v", e.Location, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ReferenceError сообщает о неразрешимой вложенной ссылке.
// ReferenceError reports a nested change-log or SQL file reference that
// cannot be resolved.
type ReferenceError struct {
	Location  string
	Reference string
	Err       error
}

func (e *ReferenceError) Error() string {
	return fmt.Sprintf("changelog %s: unresolved reference %q: %v", e.Location, e.Reference, e.Err)
}

func (e *ReferenceError) Unwrap() error { return e.Err }

// ChecksumConflict сообщает о расхождении сохранённой и текущей контрольной суммы.
// ChecksumConflict reports an applied change-set whose content changed since
// it was recorded.
type ChecksumConflict struct {
	ChangeSet string
	Recorded  string
	Current   string
}

func (e *ChecksumConflict) Error() string {
	return fmt.Sprintf("checksum conflict for change-set %s: recorded %s, current %s",
		e.ChangeSet, e.Recorded, e.Current)
}

// MigrationFailure сообщает об ошибке выполнения change-set.
// MigrationFailure reports a change-set whose operations failed and were
// rolled back.
type MigrationFailure struct {
	ChangeSet string
	Err       error
}

func (e *MigrationFailure) Error() string {
	return fmt.Sprintf("change-set %s failed: %v", e.ChangeSet, e.Err)
}

func (e *MigrationFailure) Unwrap() error { return e.Err }

// LockTimeout сообщает, что блокировка не получена за отведённое время.
// LockTimeout reports that the migration lock was not obtained in time.
type LockTimeout struct {
	Timeout  time.Duration
	LockedBy string
	Since    time.Time
}

func (e *LockTimeout) Error() string {
	if e.LockedBy == "" {
		return fmt.Sprintf("migration lock not acquired within %s", e.Timeout)
	}
	return fmt.Sprintf("migration lock not acquired within %s: held by %s since %s",
		e.Timeout, e.LockedBy, e.Since.Format(time.RFC3339))
}

// IsMigrationError определяет ошибки, после которых схема может быть неполной.
// Вход: ошибка конвейера.
// Выход: true для ChecksumConflict, MigrationFailure и LockTimeout.
// Назначение: отличать сбой миграции от прочих ошибок запуска.
// IsMigrationError reports whether err means the schema is known-incomplete
// but consistent.
// Input: a pipeline error.
// Output: true for ChecksumConflict, MigrationFailure and LockTimeout.
// Purpose: report migration failure distinctly from other startup errors.
func IsMigrationError(err error) bool {
	var conflict *ChecksumConflict
	var failure *MigrationFailure
	var timeout *LockTimeout
	return errors.As(err, &conflict) || errors.As(err, &failure) || errors.As(err, &timeout)
}
