// Package changelog applies versioned, Liquibase-style change-logs to a
// database: it loads change-sets, applies the pending ones under a
// cross-process lock and can run the whole pipeline in the background during
// application startup.
package changelog

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// recordFieldLimit is the width of the text columns of databasechangelog.
const recordFieldLimit = 255

// ChangeSet описывает атомарную единицу изменения схемы.
// Назначение: хранить идентификатор, автора, операции и контрольную сумму.
// ChangeSet describes an atomic, identified unit of schema change.
// Purpose: hold the identifier, author, operations and checksum.
type ChangeSet struct {
	ID             string
	Author         string
	File           string
	Comment        string
	Contexts       []string
	ValidCheckSums []string
	Operations     []Operation
	Checksum       string
}

// Key возвращает идентификатор change-set вместе с автором.
// Выход: строка формата "id::author".
// Назначение: сопоставлять change-set с записью в databasechangelog.
// Key returns the change-set identifier joined with its author.
// Output: string in "id::author" format.
// Purpose: match a change-set against its databasechangelog row.
func (c ChangeSet) Key() string {
	return c.ID + "::" + c.Author
}

func (c ChangeSet) String() string {
	return c.File + "::" + c.ID + "::" + c.Author
}

// Description summarises the operations, e.g. "createTable tableName=product".
func (c ChangeSet) Description() string {
	parts := make([]string, 0, len(c.Operations))
	for _, op := range c.Operations {
		parts = append(parts, op.Describe())
	}
	return truncate(strings.Join(parts, "; "), recordFieldLimit)
}

// truncate shortens s to at most limit bytes, cutting on a rune boundary and
// marking the cut with "...".
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// MatchesContexts reports whether the change-set runs under the active
// contexts. A change-set without contexts, or a run without active contexts,
// always matches.
func (c ChangeSet) MatchesContexts(active []string) bool {
	if len(c.Contexts) == 0 || len(active) == 0 {
		return true
	}
	for _, ctx := range c.Contexts {
		if slices.ContainsFunc(active, func(a string) bool { return strings.EqualFold(a, ctx) }) {
			return true
		}
	}
	return false
}

// AcceptsChecksum reports whether a recorded checksum is equivalent to the
// current content.
func (c ChangeSet) AcceptsChecksum(recorded string) bool {
	if recorded == c.Checksum {
		return true
	}
	for _, valid := range c.ValidCheckSums {
		if valid == "ANY" || valid == recorded {
			return true
		}
	}
	return false
}

// ChangeLog — упорядоченный план миграции.
// ChangeLog is the ordered migration plan produced by the loader.
type ChangeLog struct {
	Locations  []string
	ChangeSets []ChangeSet
}

// AppliedRecord — запись о применённом change-set в databasechangelog.
// Назначение: отдавать применённые change-set для планирования и status.
// AppliedRecord is a databasechangelog row for an applied change-set.
// Purpose: return applied change-sets for planning and status.
type AppliedRecord struct {
	ID           string
	Author       string
	Filename     string
	Checksum     string
	AppliedAt    time.Time
	OrderIndex   int
	Description  string
	Comments     string
	Contexts     string
	DeploymentID string
}

// Key matches ChangeSet.Key.
func (r AppliedRecord) Key() string {
	return r.ID + "::" + r.Author
}

// LockRecord is the current content of the databasechangeloglock row.
type LockRecord struct {
	Locked    bool
	GrantedAt time.Time
	LockedBy  string
}
