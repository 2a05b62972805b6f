package changelog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type yamlChangeLog struct {
	DatabaseChangeLog []yaml.Node `yaml:"databaseChangeLog"`
}

type yamlEntry struct {
	ChangeSet *yamlChangeSet `yaml:"changeSet"`
	Include   *yamlInclude   `yaml:"include"`
}

type yamlInclude struct {
	File                    string `yaml:"file"`
	RelativeToChangelogFile bool   `yaml:"relativeToChangelogFile"`
}

type yamlChangeSet struct {
	ID            string      `yaml:"id"`
	Author        string      `yaml:"author"`
	Comment       string      `yaml:"comment"`
	Context       string      `yaml:"context"`
	Contexts      string      `yaml:"contexts"`
	ValidCheckSum yamlStrings `yaml:"validCheckSum"`
	Changes       []yaml.Node `yaml:"changes"`
}

// yamlStrings accepts either a scalar or a sequence of scalars.
type yamlStrings []string

func (s *yamlStrings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

type yamlSQL struct {
	SQL             string `yaml:"sql"`
	SplitStatements *bool  `yaml:"splitStatements"`
}

type yamlSQLFile struct {
	Path                    string `yaml:"path"`
	RelativeToChangelogFile bool   `yaml:"relativeToChangelogFile"`
	SplitStatements         *bool  `yaml:"splitStatements"`
}

type yamlTable struct {
	TableName string            `yaml:"tableName"`
	IndexName string            `yaml:"indexName"`
	Unique    bool              `yaml:"unique"`
	IfExists  bool              `yaml:"ifExists"`
	Columns   []yamlColumnEntry `yaml:"columns"`
}

type yamlColumnEntry struct {
	Column yamlColumn `yaml:"column"`
}

type yamlColumn struct {
	Name                 string          `yaml:"name"`
	Type                 string          `yaml:"type"`
	AutoIncrement        bool            `yaml:"autoIncrement"`
	Value                any             `yaml:"value"`
	DefaultValue         any             `yaml:"defaultValue"`
	DefaultValueComputed string          `yaml:"defaultValueComputed"`
	Constraints          yamlConstraints `yaml:"constraints"`
}

type yamlConstraints struct {
	PrimaryKey bool  `yaml:"primaryKey"`
	Nullable   *bool `yaml:"nullable"`
	Unique     bool  `yaml:"unique"`
}

func (l *Loader) parseYAML(location string, data []byte) ([]entry, error) {
	var doc yamlChangeLog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Location: location, Err: fmt.Errorf("empty changelog")}
		}
		return nil, &ParseError{Location: location, Err: err}
	}
	if doc.DatabaseChangeLog == nil {
		return nil, &ParseError{Location: location, Err: fmt.Errorf("missing databaseChangeLog")}
	}

	entries := make([]entry, 0, len(doc.DatabaseChangeLog))
	for _, node := range doc.DatabaseChangeLog {
		var raw yamlEntry
		if err := node.Decode(&raw); err != nil {
			return nil, &ParseError{Location: location, Line: node.Line, Err: err}
		}
		switch {
		case raw.Include != nil && raw.ChangeSet != nil:
			return nil, &ParseError{Location: location, Line: node.Line, Err: fmt.Errorf("entry mixes changeSet and include")}
		case raw.Include != nil:
			target, err := resolve(location, raw.Include.File, raw.Include.RelativeToChangelogFile)
			if err != nil {
				return nil, &ReferenceError{Location: location, Reference: raw.Include.File, Err: err}
			}
			entries = append(entries, entry{include: target, line: node.Line})
		case raw.ChangeSet != nil:
			cs, err := l.convertChangeSet(location, raw.ChangeSet)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{changeSet: cs, line: node.Line})
		default:
			return nil, &ParseError{Location: location, Line: node.Line, Err: fmt.Errorf("expected changeSet or include")}
		}
	}
	return entries, nil
}

func (l *Loader) convertChangeSet(location string, raw *yamlChangeSet) (*ChangeSet, error) {
	cs := &ChangeSet{
		ID:             raw.ID,
		Author:         raw.Author,
		File:           location,
		Comment:        raw.Comment,
		Contexts:       splitList(raw.Context + "," + raw.Contexts),
		ValidCheckSums: raw.ValidCheckSum,
	}
	for i := range raw.Changes {
		op, err := l.convertChange(location, &raw.Changes[i])
		if err != nil {
			return nil, err
		}
		cs.Operations = append(cs.Operations, op)
	}
	return cs, nil
}

// convertChange decodes a single-key mapping such as `createTable: {...}`.
func (l *Loader) convertChange(location string, node *yaml.Node) (Operation, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return nil, &ParseError{Location: location, Line: node.Line, Err: fmt.Errorf("change must be a single-key mapping")}
	}
	kind, body := node.Content[0].Value, node.Content[1]
	fail := func(err error) (Operation, error) {
		return nil, &ParseError{Location: location, Line: body.Line, Err: fmt.Errorf("%s: %w", kind, err)}
	}

	switch kind {
	case "sql":
		if body.Kind == yaml.ScalarNode {
			return SQL{Text: body.Value, Split: true}, nil
		}
		var raw yamlSQL
		if err := body.Decode(&raw); err != nil {
			return fail(err)
		}
		return SQL{Text: raw.SQL, Split: boolOr(raw.SplitStatements, true)}, nil

	case "sqlFile":
		var raw yamlSQLFile
		if err := body.Decode(&raw); err != nil {
			return fail(err)
		}
		target, err := resolve(location, raw.Path, raw.RelativeToChangelogFile)
		if err != nil {
			return nil, &ReferenceError{Location: location, Reference: raw.Path, Err: err}
		}
		text, err := fs.ReadFile(l.fsys, target)
		if err != nil {
			return nil, &ReferenceError{Location: location, Reference: raw.Path, Err: err}
		}
		return SQL{Text: string(text), Split: boolOr(raw.SplitStatements, true), Path: target}, nil

	case "createTable", "addColumn", "createIndex", "dropTable", "insert":
		var raw yamlTable
		if err := body.Decode(&raw); err != nil {
			return fail(err)
		}
		op, err := raw.operation(kind)
		if err != nil {
			return fail(err)
		}
		return op, nil
	}
	return fail(fmt.Errorf("unsupported change type"))
}

func (t yamlTable) operation(kind string) (Operation, error) {
	switch kind {
	case "createTable":
		columns, err := t.columns()
		return CreateTable{Table: t.TableName, Columns: columns}, err
	case "addColumn":
		columns, err := t.columns()
		return AddColumn{Table: t.TableName, Columns: columns}, err
	case "createIndex":
		names := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			names = append(names, c.Column.Name)
		}
		return CreateIndex{Name: t.IndexName, Table: t.TableName, Columns: names, Unique: t.Unique}, nil
	case "dropTable":
		return DropTable{Table: t.TableName, IfExists: t.IfExists}, nil
	default:
		values := make([]ColumnValue, 0, len(t.Columns))
		for _, c := range t.Columns {
			values = append(values, ColumnValue{Column: c.Column.Name, Value: c.Column.Value})
		}
		return Insert{Table: t.TableName, Values: values}, nil
	}
}

func (t yamlTable) columns() ([]Column, error) {
	out := make([]Column, 0, len(t.Columns))
	for _, entry := range t.Columns {
		c := entry.Column
		def := c.DefaultValueComputed
		if c.DefaultValue != nil {
			if def != "" {
				return nil, fmt.Errorf("column %s sets both defaultValue and defaultValueComputed", c.Name)
			}
			literal, err := sqlLiteral(c.DefaultValue)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", c.Name, err)
			}
			def = literal
		}
		out = append(out, Column{
			Name:          c.Name,
			Type:          c.Type,
			PrimaryKey:    c.Constraints.PrimaryKey,
			Nullable:      boolOr(c.Constraints.Nullable, !c.Constraints.PrimaryKey),
			Unique:        c.Constraints.Unique,
			Default:       def,
			AutoIncrement: c.AutoIncrement,
		})
	}
	return out, nil
}

// sqlLiteral renders a scalar default value as a SQL literal.
func sqlLiteral(v any) (string, error) {
	switch value := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(value, "'", "''") + "'", nil
	case bool:
		if value {
			return "TRUE", nil
		}
		return "FALSE", nil
	case int:
		return strconv.Itoa(value), nil
	case int64:
		return strconv.FormatInt(value, 10), nil
	case uint64:
		return strconv.FormatUint(value, 10), nil
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported default value %v", v)
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
