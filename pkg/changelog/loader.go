package changelog

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"path"
	"strings"
	"unicode/utf8"
)

// entry is one parsed item of a change-log file: a change-set or an include.
type entry struct {
	changeSet *ChangeSet
	include   string
	line      int
}

// Loader читает change-log из файловой системы ресурсов.
// Назначение: получить детерминированный список change-set для применения.
// Loader reads change-logs from a resource file system.
// Purpose: produce a deterministic change-set list to apply.
type Loader struct {
	fsys fs.FS
}

// NewLoader создаёт загрузчик поверх fsys.
// Вход: fs.FS с change-log (os.DirFS, embed.FS).
// Выход: *Loader.
// NewLoader creates a loader over fsys.
// Input: fs.FS holding change-logs (os.DirFS, embed.FS).
// Output: *Loader.
func NewLoader(fsys fs.FS) *Loader {
	return &Loader{fsys: fsys}
}

// ChangeSets возвращает ленивую последовательность change-set для location.
// Вход: путь change-log внутри fs.FS.
// Выход: iter.Seq2, который заново читает ресурсы при каждом обходе.
// Назначение: обход без кэша и без изменяемого состояния между вызовами.
// ChangeSets returns a lazy sequence of change-sets for location.
// Input: change-log path inside the fs.FS.
// Output: iter.Seq2 that re-reads the resources on every traversal.
// Purpose: traversal with no cache and no mutable state between calls.
//
// Nested change-logs are expanded depth-first in document order. Iteration
// stops after the first error.
func (l *Loader) ChangeSets(location string) iter.Seq2[ChangeSet, error] {
	return func(yield func(ChangeSet, error) bool) {
		root := path.Clean(location)
		if !fs.ValidPath(root) {
			yield(ChangeSet{}, &ParseError{Location: location, Err: fmt.Errorf("invalid resource path")})
			return
		}
		w := &walker{loader: l, yield: yield, stack: map[string]bool{}}
		w.walk(root, "")
	}
}

// Load собирает все change-set из locations и проверяет уникальность.
// Вход: один или несколько путей change-log.
// Выход: *ChangeLog или ParseError/ReferenceError.
// Load collects every change-set from locations and checks uniqueness.
// Input: one or more change-log paths.
// Output: *ChangeLog or a ParseError/ReferenceError.
func (l *Loader) Load(locations ...string) (*ChangeLog, error) {
	if len(locations) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("no changelog locations given")}
	}

	changeLog := &ChangeLog{Locations: locations}
	seen := make(map[string]string)
	for _, location := range locations {
		for cs, err := range l.ChangeSets(location) {
			if err != nil {
				return nil, err
			}
			if first, dup := seen[cs.Key()]; dup {
				return nil, &ParseError{
					Location: cs.File,
					Err:      fmt.Errorf("duplicate change-set %s, first declared in %s", cs.Key(), first),
				}
			}
			seen[cs.Key()] = cs.File
			changeLog.ChangeSets = append(changeLog.ChangeSets, cs)
		}
	}
	return changeLog, nil
}

// walker holds the state of a single traversal.
type walker struct {
	loader  *Loader
	yield   func(ChangeSet, error) bool
	stack   map[string]bool
	stopped bool
}

// walk emits the change-sets of location. parent is empty for root locations.
func (w *walker) walk(location, parent string) {
	if w.stopped {
		return
	}
	if w.stack[location] {
		w.fail(&ReferenceError{Location: parent, Reference: location, Err: fmt.Errorf("include cycle")})
		return
	}

	data, err := fs.ReadFile(w.loader.fsys, location)
	if err != nil {
		if parent != "" {
			w.fail(&ReferenceError{Location: parent, Reference: location, Err: err})
		} else {
			w.fail(&ParseError{Location: location, Err: err})
		}
		return
	}

	entries, err := w.loader.parse(location, data)
	if err != nil {
		w.fail(err)
		return
	}

	w.stack[location] = true
	defer delete(w.stack, location)

	for _, e := range entries {
		if e.include != "" {
			w.walk(e.include, location)
		} else if !w.yield(*e.changeSet, nil) {
			w.stopped = true
		}
		if w.stopped {
			return
		}
	}
}

func (w *walker) fail(err error) {
	w.stopped = true
	w.yield(ChangeSet{}, err)
}

// parse dispatches on the file extension and finalises every change-set.
func (l *Loader) parse(location string, data []byte) ([]entry, error) {
	var (
		entries []entry
		err     error
	)
	switch strings.ToLower(path.Ext(location)) {
	case ".yaml", ".yml":
		entries, err = l.parseYAML(location, data)
	case ".sql":
		entries, err = parseFormattedSQL(location, data)
	default:
		return nil, &ParseError{Location: location, Err: fmt.Errorf("unsupported changelog format %q", path.Ext(location))}
	}
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.changeSet == nil {
			continue
		}
		if err := finalize(e.changeSet); err != nil {
			return nil, &ParseError{Location: location, Line: e.line, Err: err}
		}
	}
	return entries, nil
}

func finalize(cs *ChangeSet) error {
	if cs.ID == "" {
		return fmt.Errorf("change-set without id")
	}
	if cs.Author == "" {
		return fmt.Errorf("change-set %s has no author", cs.ID)
	}
	for _, f := range []struct{ name, value string }{{"id", cs.ID}, {"author", cs.Author}, {"file", cs.File}} {
		if n := utf8.RuneCountInString(f.value); n > recordFieldLimit {
			return fmt.Errorf("change-set %s: %s is %d characters long, at most %d fit in databasechangelog",
				cs.Key(), f.name, n, recordFieldLimit)
		}
	}
	if len(cs.Operations) == 0 {
		return fmt.Errorf("change-set %s has no changes", cs.Key())
	}
	for _, op := range cs.Operations {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("change-set %s: %w", cs.Key(), err)
		}
	}
	sum, err := Checksum(cs.Operations)
	if err != nil {
		return fmt.Errorf("change-set %s: %w", cs.Key(), err)
	}
	cs.Checksum = sum
	return nil
}

// resolve turns a reference found in from into a path inside the fs.FS.
func resolve(from, ref string, relative bool) (string, error) {
	if ref == "" {
		return "", errors.New("empty reference")
	}
	target := strings.TrimPrefix(ref, "/")
	if relative {
		target = path.Join(path.Dir(from), ref)
	}
	target = path.Clean(target)
	if !fs.ValidPath(target) {
		return "", fmt.Errorf("path %q escapes the changelog root", ref)
	}
	return target, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
