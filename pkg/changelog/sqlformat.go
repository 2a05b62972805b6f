package changelog

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	formattedHeader   = regexp.MustCompile(`(?i)^--\s*liquibase\s+formatted\s+sql\s*$`)
	formattedChange   = regexp.MustCompile(`(?i)^--\s*changeset\s+([^:\s]+):(\S+)(.*)$`)
	formattedComment  = regexp.MustCompile(`(?i)^--\s*comment:\s*(.*)$`)
	formattedValidSum = regexp.MustCompile(`(?i)^--\s*validCheckSum:\s*(\S+)`)
	formattedRollback = regexp.MustCompile(`(?i)^--\s*rollback\b`)
	formattedInclude  = regexp.MustCompile(`(?i)^--\s*include\s+file:(\S+)`)
	formattedAttr     = regexp.MustCompile(`(\w+):(\S+)`)
)

// parseFormattedSQL читает change-log в формате "formatted SQL".
// Вход: путь и содержимое файла.
// Выход: список записей или ParseError.
// Назначение: позволить писать change-set обычными SQL-файлами.
// parseFormattedSQL reads a "formatted SQL" change-log.
// Input: file path and content.
// Output: entries or a ParseError.
// Purpose: let change-sets be written as plain SQL files.
//
// Rollback blocks are accepted and ignored; the pipeline only moves forward.
func parseFormattedSQL(location string, data []byte) ([]entry, error) {
	var (
		entries []entry
		current *ChangeSet
		body    strings.Builder
		split   bool
		start   int
		header  bool
	)

	flush := func() {
		if current == nil {
			return
		}
		if text := strings.TrimSpace(body.String()); text != "" {
			current.Operations = []Operation{SQL{Text: text, Split: split}}
		}
		entries = append(entries, entry{changeSet: current, line: start})
		current = nil
		body.Reset()
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !header {
			if trimmed == "" {
				continue
			}
			if !formattedHeader.MatchString(trimmed) {
				return nil, &ParseError{Location: location, Line: lineNo, Err: fmt.Errorf("missing \"-- liquibase formatted sql\" header")}
			}
			header = true
			continue
		}

		if m := formattedChange.FindStringSubmatch(trimmed); m != nil {
			flush()
			current = &ChangeSet{ID: m[2], Author: m[1], File: location}
			split = true
			start = lineNo
			for _, attr := range formattedAttr.FindAllStringSubmatch(m[3], -1) {
				switch strings.ToLower(attr[1]) {
				case "context", "contexts":
					current.Contexts = splitList(attr[2])
				case "splitstatements":
					v, err := strconv.ParseBool(attr[2])
					if err != nil {
						return nil, &ParseError{Location: location, Line: lineNo, Err: fmt.Errorf("splitStatements: %w", err)}
					}
					split = v
				}
			}
			continue
		}

		if m := formattedInclude.FindStringSubmatch(trimmed); m != nil {
			flush()
			target, err := resolve(location, m[1], true)
			if err != nil {
				return nil, &ReferenceError{Location: location, Reference: m[1], Err: err}
			}
			entries = append(entries, entry{include: target, line: lineNo})
			continue
		}

		if current == nil {
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			return nil, &ParseError{Location: location, Line: lineNo, Err: fmt.Errorf("statement outside of a changeset")}
		}

		if m := formattedComment.FindStringSubmatch(trimmed); m != nil {
			current.Comment = strings.TrimSpace(m[1])
			continue
		}
		if m := formattedValidSum.FindStringSubmatch(trimmed); m != nil {
			current.ValidCheckSums = append(current.ValidCheckSums, m[1])
			continue
		}
		if formattedRollback.MatchString(trimmed) {
			continue
		}

		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Location: location, Err: err}
	}
	if !header {
		return nil, &ParseError{Location: location, Err: fmt.Errorf("empty changelog")}
	}
	flush()
	return entries, nil
}
