package changelog

import (
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterYAML = `databaseChangeLog:
  - changeSet:
      id: "1"
      author: alice
      comment: product catalogue
      changes:
        - createTable:
            tableName: product
            columns:
              - column:
                  name: id
                  type: BIGINT
                  autoIncrement: true
                  constraints:
                    primaryKey: true
              - column:
                  name: name
                  type: VARCHAR(255)
                  constraints:
                    nullable: false
              - column:
                  name: price
                  type: NUMERIC(10,2)
                  defaultValue: 0
  - include:
      file: seed.sql
      relativeToChangelogFile: true
  - changeSet:
      id: "3"
      author: alice
      context: test
      validCheckSum: v1:abc
      changes:
        - sql: UPDATE product SET price = 1
        - insert:
            tableName: product
            columns:
              - column:
                  name: name
                  value: pear
`

const seedSQL = `-- liquibase formatted sql

-- changeset bob:2 context:dev,test
-- comment: seed products
INSERT INTO product (name) VALUES ('apple');
INSERT INTO product (name) VALUES ('plum');
-- rollback DELETE FROM product;
`

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"db/master.yaml": {Data: []byte(masterYAML)},
		"db/seed.sql":    {Data: []byte(seedSQL)},
	}
}

func keys(changeLog *ChangeLog) []string {
	out := make([]string, 0, len(changeLog.ChangeSets))
	for _, cs := range changeLog.ChangeSets {
		out = append(out, cs.Key())
	}
	return out
}

func TestLoadYAMLWithIncludedFormattedSQL(t *testing.T) {
	changeLog, err := NewLoader(testFS()).Load("db/master.yaml")
	require.NoError(t, err)
	require.Equal(t, []string{"1::alice", "2::bob", "3::alice"}, keys(changeLog))

	first := changeLog.ChangeSets[0]
	assert.Equal(t, "db/master.yaml", first.File)
	assert.Equal(t, "product catalogue", first.Comment)
	require.Len(t, first.Operations, 1)
	table, ok := first.Operations[0].(CreateTable)
	require.True(t, ok)
	assert.Equal(t, "product", table.Table)
	assert.Equal(t, []Column{
		{Name: "id", Type: "BIGINT", PrimaryKey: true, AutoIncrement: true},
		{Name: "name", Type: "VARCHAR(255)"},
		{Name: "price", Type: "NUMERIC(10,2)", Nullable: true, Default: "0"},
	}, table.Columns)
	assert.Regexp(t, `^v1:[0-9a-f]{64}$`, first.Checksum)

	seed := changeLog.ChangeSets[1]
	assert.Equal(t, "db/seed.sql", seed.File)
	assert.Equal(t, []string{"dev", "test"}, seed.Contexts)
	assert.Equal(t, "seed products", seed.Comment)
	require.Len(t, seed.Operations, 1)
	raw := seed.Operations[0].(SQL)
	assert.True(t, raw.Split)
	assert.Contains(t, raw.Text, "'apple'")
	assert.NotContains(t, raw.Text, "rollback")

	last := changeLog.ChangeSets[2]
	assert.Equal(t, []string{"test"}, last.Contexts)
	assert.Equal(t, []string{"v1:abc"}, last.ValidCheckSums)
	require.Len(t, last.Operations, 2)
	assert.Equal(t, Insert{Table: "product", Values: []ColumnValue{{Column: "name", Value: "pear"}}}, last.Operations[1])
}

func TestChangeSetsIsRestartable(t *testing.T) {
	fsys := testFS()
	loader := NewLoader(fsys)

	collect := func() []string {
		var ids []string
		for cs, err := range loader.ChangeSets("db/master.yaml") {
			require.NoError(t, err)
			ids = append(ids, cs.Key())
		}
		return ids
	}

	first := collect()
	assert.Equal(t, first, collect())

	// Every traversal re-reads the resources.
	fsys["db/seed.sql"] = &fstest.MapFile{Data: []byte("-- liquibase formatted sql\n-- changeset carol:9\nSELECT 1;\n")}
	assert.Equal(t, []string{"1::alice", "9::carol", "3::alice"}, collect())
}

func TestChangeSetsStopsWhenConsumerBreaks(t *testing.T) {
	var seen int
	for _, err := range NewLoader(testFS()).ChangeSets("db/master.yaml") {
		require.NoError(t, err)
		seen++
		if seen == 2 {
			break
		}
	}
	assert.Equal(t, 2, seen)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name     string
		files    fstest.MapFS
		location string
		check    func(t *testing.T, err error)
	}{
		{
			name:     "missing root",
			files:    fstest.MapFS{},
			location: "db/master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.ErrorIs(t, err, fs.ErrNotExist)
			},
		},
		{
			name: "missing include",
			files: fstest.MapFS{"master.yaml": {Data: []byte(`databaseChangeLog:
  - include:
      file: missing.yaml
`)}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var refErr *ReferenceError
				require.ErrorAs(t, err, &refErr)
				assert.Equal(t, "master.yaml", refErr.Location)
				assert.Equal(t, "missing.yaml", refErr.Reference)
			},
		},
		{
			name: "include cycle",
			files: fstest.MapFS{
				"a.yaml": {Data: []byte("databaseChangeLog:\n  - include:\n      file: b.yaml\n")},
				"b.yaml": {Data: []byte("databaseChangeLog:\n  - include:\n      file: a.yaml\n")},
			},
			location: "a.yaml",
			check: func(t *testing.T, err error) {
				var refErr *ReferenceError
				require.ErrorAs(t, err, &refErr)
				assert.Contains(t, err.Error(), "include cycle")
			},
		},
		{
			name: "missing sql file",
			files: fstest.MapFS{"master.yaml": {Data: []byte(`databaseChangeLog:
  - changeSet:
      id: "1"
      author: alice
      changes:
        - sqlFile:
            path: sql/none.sql
            relativeToChangelogFile: true
`)}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var refErr *ReferenceError
				require.ErrorAs(t, err, &refErr)
				assert.Equal(t, "sql/none.sql", refErr.Reference)
			},
		},
		{
			name: "duplicate change-set",
			files: fstest.MapFS{"master.yaml": {Data: []byte(`databaseChangeLog:
  - changeSet:
      id: "1"
      author: alice
      changes:
        - sql: SELECT 1
  - changeSet:
      id: "1"
      author: alice
      changes:
        - sql: SELECT 2
`)}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Contains(t, err.Error(), "duplicate change-set 1::alice")
			},
		},
		{
			name:     "malformed yaml",
			files:    fstest.MapFS{"master.yaml": {Data: []byte("databaseChangeLog: [\n")}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
			},
		},
		{
			name: "unsupported change type",
			files: fstest.MapFS{"master.yaml": {Data: []byte(`databaseChangeLog:
  - changeSet:
      id: "1"
      author: alice
      changes:
        - renameTable:
            oldTableName: a
`)}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Contains(t, err.Error(), "renameTable")
			},
		},
		{
			name: "invalid identifier",
			files: fstest.MapFS{"master.yaml": {Data: []byte(`databaseChangeLog:
  - changeSet:
      id: "1"
      author: alice
      changes:
        - dropTable:
            tableName: "product; DROP TABLE users"
`)}},
			location: "master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Contains(t, err.Error(), "invalid table name")
			},
		},
		{
			name:     "change-set without changes",
			files:    fstest.MapFS{"master.sql": {Data: []byte("-- liquibase formatted sql\n-- changeset alice:1\n")}},
			location: "master.sql",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, 2, parseErr.Line)
			},
		},
		{
			name:     "id wider than databasechangelog.id",
			files:    fstest.MapFS{"master.sql": {Data: []byte("-- liquibase formatted sql\n-- changeset alice:" + strings.Repeat("x", 256) + "\nSELECT 1;\n")}},
			location: "master.sql",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Contains(t, err.Error(), "id is 256 characters long")
			},
		},
		{
			name:     "formatted sql without header",
			files:    fstest.MapFS{"master.sql": {Data: []byte("CREATE TABLE a (id INT);\n")}},
			location: "master.sql",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Contains(t, err.Error(), "header")
			},
		},
		{
			name:     "unsupported extension",
			files:    fstest.MapFS{"master.xml": {Data: []byte("<databaseChangeLog/>")}},
			location: "master.xml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
			},
		},
		{
			name:     "path escaping the root",
			files:    fstest.MapFS{},
			location: "../master.yaml",
			check: func(t *testing.T, err error) {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changeLog, err := NewLoader(tt.files).Load(tt.location)
			require.Error(t, err)
			assert.Nil(t, changeLog)
			tt.check(t, err)
		})
	}
}

func TestLoadWithoutLocations(t *testing.T) {
	_, err := NewLoader(fstest.MapFS{}).Load()
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr))
}

func TestLoadSQLFile(t *testing.T) {
	fsys := fstest.MapFS{
		"db/master.yaml": {Data: []byte(`databaseChangeLog:
  - changeSet:
      id: schema
      author: alice
      changes:
        - sqlFile:
            path: sql/schema.sql
            relativeToChangelogFile: true
            splitStatements: false
`)},
		"db/sql/schema.sql": {Data: []byte("CREATE TABLE a (id INT);\n")},
	}

	changeLog, err := NewLoader(fsys).Load("db/master.yaml")
	require.NoError(t, err)
	require.Len(t, changeLog.ChangeSets, 1)
	op := changeLog.ChangeSets[0].Operations[0].(SQL)
	assert.Equal(t, "sqlFile", op.Kind())
	assert.Equal(t, "db/sql/schema.sql", op.Path)
	assert.False(t, op.Split)
	assert.Equal(t, "sqlFile path=db/sql/schema.sql", changeLog.ChangeSets[0].Description())
}

func TestLoadMultipleLocationsKeepsOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"a.sql": {Data: []byte("-- liquibase formatted sql\n-- changeset alice:1\nSELECT 1;\n")},
		"b.sql": {Data: []byte("-- liquibase formatted sql\n-- changeset alice:2\nSELECT 2;\n-- changeset alice:3 splitStatements:false\nSELECT 3;\n")},
	}

	changeLog, err := NewLoader(fsys).Load("b.sql", "a.sql")
	require.NoError(t, err)
	assert.Equal(t, []string{"2::alice", "3::alice", "1::alice"}, keys(changeLog))
	assert.False(t, changeLog.ChangeSets[1].Operations[0].(SQL).Split)
}

func TestChecksumIgnoresWhitespace(t *testing.T) {
	a, err := Checksum([]Operation{SQL{Text: "CREATE TABLE a (\n  id INT\n);", Split: true}})
	require.NoError(t, err)
	b, err := Checksum([]Operation{SQL{Text: "CREATE TABLE a ( id INT );", Split: true}})
	require.NoError(t, err)
	c, err := Checksum([]Operation{SQL{Text: "CREATE TABLE a ( id BIGINT );", Split: true}})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestChecksumCollapsesWhitespaceInsideLiterals(t *testing.T) {
	wide, err := Checksum([]Operation{SQL{Text: "INSERT INTO note (body) VALUES ('a  b');"}})
	require.NoError(t, err)
	narrow, err := Checksum([]Operation{SQL{Text: "INSERT INTO note (body) VALUES ('a b');"}})
	require.NoError(t, err)

	assert.Equal(t, wide, narrow)
}

func TestChecksumDependsOnOperationOrder(t *testing.T) {
	create := DropTable{Table: "a"}
	insert := Insert{Table: "b", Values: []ColumnValue{{Column: "id", Value: 1}}}

	first, err := Checksum([]Operation{create, insert})
	require.NoError(t, err)
	second, err := Checksum([]Operation{insert, create})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
