package changelog

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Statement is a single SQL statement with its bind arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Operation — одна операция над схемой внутри change-set.
// Operation is one schema operation inside a change-set.
type Operation interface {
	// Kind is the change-log name of the operation, e.g. "createTable".
	Kind() string
	// Describe is a short human readable summary stored in databasechangelog.
	Describe() string
	// Validate checks the operation without touching the database.
	Validate() error
	// Statements renders the operation for a dialect.
	Statements(d Dialect) ([]Statement, error)
}

// Column describes a column for createTable and addColumn.
type Column struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	PrimaryKey    bool   `json:"primaryKey,omitempty"`
	Nullable      bool   `json:"nullable"`
	Unique        bool   `json:"unique,omitempty"`
	Default       string `json:"default,omitempty"`
	AutoIncrement bool   `json:"autoIncrement,omitempty"`
}

func (c Column) definition() string {
	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteString(" ")
	b.WriteString(c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	if c.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(c.Default)
	}
	return b.String()
}

func (c Column) validate() error {
	if err := validateIdentifier("column", c.Name); err != nil {
		return err
	}
	if c.Type == "" && !c.AutoIncrement {
		return fmt.Errorf("column %s has no type", c.Name)
	}
	return nil
}

// ColumnValue is one column assignment of an insert.
type ColumnValue struct {
	Column string `json:"column"`
	Value  any    `json:"value"`
}

// SQL runs raw SQL text. With Split set the text is cut into statements on
// top-level semicolons.
type SQL struct {
	Text  string `json:"sql"`
	Split bool   `json:"split"`
	// Path is the source file for sqlFile changes. It is not part of the checksum.
	Path string `json:"-"`
}

func (o SQL) Kind() string {
	if o.Path != "" {
		return "sqlFile"
	}
	return "sql"
}

func (o SQL) Describe() string {
	if o.Path != "" {
		return "sqlFile path=" + o.Path
	}
	return "sql"
}

func (o SQL) Validate() error {
	if strings.TrimSpace(o.Text) == "" {
		return fmt.Errorf("%s is empty", o.Kind())
	}
	return nil
}

func (o SQL) Statements(Dialect) ([]Statement, error) {
	if !o.Split {
		return []Statement{{SQL: strings.TrimSpace(o.Text)}}, nil
	}
	var out []Statement
	for _, text := range SplitStatements(o.Text) {
		out = append(out, Statement{SQL: text})
	}
	return out, nil
}

// CreateTable creates a table.
type CreateTable struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

func (o CreateTable) Kind() string     { return "createTable" }
func (o CreateTable) Describe() string { return "createTable tableName=" + o.Table }

func (o CreateTable) Validate() error {
	if err := validateIdentifier("table", o.Table); err != nil {
		return err
	}
	if len(o.Columns) == 0 {
		return fmt.Errorf("createTable %s has no columns", o.Table)
	}
	for _, c := range o.Columns {
		if err := c.validate(); err != nil {
			return fmt.Errorf("createTable %s: %w", o.Table, err)
		}
	}
	return nil
}

func (o CreateTable) Statements(d Dialect) ([]Statement, error) {
	defs := make([]string, 0, len(o.Columns)+1)
	var primaryKey []string
	inlineKey := ""
	for _, c := range o.Columns {
		if c.AutoIncrement {
			def, inline, err := d.AutoIncrement(c)
			if err != nil {
				return nil, fmt.Errorf("createTable %s: %w", o.Table, err)
			}
			defs = append(defs, def)
			if inline {
				inlineKey = c.Name
			} else if c.PrimaryKey {
				primaryKey = append(primaryKey, c.Name)
			}
			continue
		}
		if c.PrimaryKey {
			c.Nullable = false
			primaryKey = append(primaryKey, c.Name)
		}
		defs = append(defs, c.definition())
	}
	if inlineKey != "" && len(primaryKey) > 0 {
		return nil, fmt.Errorf("createTable %s: auto-incremented column %s cannot be part of a composite primary key", o.Table, inlineKey)
	}
	if len(primaryKey) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(primaryKey, ", ")+")")
	}
	return []Statement{{
		SQL: "CREATE TABLE " + o.Table + " (\n\t" + strings.Join(defs, ",\n\t") + "\n)",
	}}, nil
}

// AddColumn adds columns to an existing table.
type AddColumn struct {
	Table   string   `json:"table"`
	Columns []Column `json:"columns"`
}

func (o AddColumn) Kind() string     { return "addColumn" }
func (o AddColumn) Describe() string { return "addColumn tableName=" + o.Table }

func (o AddColumn) Validate() error {
	if err := validateIdentifier("table", o.Table); err != nil {
		return err
	}
	if len(o.Columns) == 0 {
		return fmt.Errorf("addColumn %s has no columns", o.Table)
	}
	for _, c := range o.Columns {
		if err := c.validate(); err != nil {
			return fmt.Errorf("addColumn %s: %w", o.Table, err)
		}
		if c.PrimaryKey || c.AutoIncrement {
			return fmt.Errorf("addColumn %s: column %s cannot be a primary key or auto-incremented", o.Table, c.Name)
		}
	}
	return nil
}

func (o AddColumn) Statements(Dialect) ([]Statement, error) {
	out := make([]Statement, 0, len(o.Columns))
	for _, c := range o.Columns {
		out = append(out, Statement{SQL: "ALTER TABLE " + o.Table + " ADD COLUMN " + c.definition()})
	}
	return out, nil
}

// CreateIndex creates an index.
type CreateIndex struct {
	Name    string   `json:"name"`
	Table   string   `json:"table"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

func (o CreateIndex) Kind() string { return "createIndex" }
func (o CreateIndex) Describe() string {
	return "createIndex indexName=" + o.Name + ", tableName=" + o.Table
}

func (o CreateIndex) Validate() error {
	if err := validateIdentifier("index", o.Name); err != nil {
		return err
	}
	if err := validateIdentifier("table", o.Table); err != nil {
		return err
	}
	if len(o.Columns) == 0 {
		return fmt.Errorf("createIndex %s has no columns", o.Name)
	}
	for _, c := range o.Columns {
		if err := validateIdentifier("column", c); err != nil {
			return err
		}
	}
	return nil
}

func (o CreateIndex) Statements(Dialect) ([]Statement, error) {
	unique := ""
	if o.Unique {
		unique = "UNIQUE "
	}
	return []Statement{{
		SQL: "CREATE " + unique + "INDEX " + o.Name + " ON " + o.Table + " (" + strings.Join(o.Columns, ", ") + ")",
	}}, nil
}

// DropTable drops a table.
type DropTable struct {
	Table    string `json:"table"`
	IfExists bool   `json:"ifExists,omitempty"`
}

func (o DropTable) Kind() string     { return "dropTable" }
func (o DropTable) Describe() string { return "dropTable tableName=" + o.Table }

func (o DropTable) Validate() error {
	return validateIdentifier("table", o.Table)
}

func (o DropTable) Statements(Dialect) ([]Statement, error) {
	if o.IfExists {
		return []Statement{{SQL: "DROP TABLE IF EXISTS " + o.Table}}, nil
	}
	return []Statement{{SQL: "DROP TABLE " + o.Table}}, nil
}

// Insert inserts one row, typically seed data.
type Insert struct {
	Table  string        `json:"table"`
	Values []ColumnValue `json:"values"`
}

func (o Insert) Kind() string     { return "insert" }
func (o Insert) Describe() string { return "insert tableName=" + o.Table }

func (o Insert) Validate() error {
	if err := validateIdentifier("table", o.Table); err != nil {
		return err
	}
	if len(o.Values) == 0 {
		return fmt.Errorf("insert into %s has no columns", o.Table)
	}
	for _, v := range o.Values {
		if err := validateIdentifier("column", v.Column); err != nil {
			return err
		}
	}
	return nil
}

func (o Insert) Statements(d Dialect) ([]Statement, error) {
	columns := make([]string, 0, len(o.Values))
	params := make([]string, 0, len(o.Values))
	args := make([]any, 0, len(o.Values))
	for i, v := range o.Values {
		columns = append(columns, v.Column)
		params = append(params, d.Placeholder(i+1))
		args = append(args, v.Value)
	}
	return []Statement{{
		SQL:  "INSERT INTO " + o.Table + " (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(params, ", ") + ")",
		Args: args,
	}}, nil
}

func validateIdentifier(what, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", what, name)
	}
	return nil
}

// SplitStatements cuts SQL text into statements on semicolons that are not
// inside quotes, comments or dollar-quoted bodies. Empty statements are
// dropped and the terminating semicolon is removed.
func SplitStatements(text string) []string {
	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		stmt := strings.TrimSpace(current.String())
		current.Reset()
		if stmt != "" && !onlyComments(stmt) {
			out = append(out, stmt)
		}
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\'' || ch == '"':
			end := closingQuote(text, i+1, ch)
			current.WriteString(text[i:end])
			i = end - 1
		case ch == '-' && i+1 < len(text) && text[i+1] == '-':
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text) - i
			}
			current.WriteString(text[i : i+end])
			i += end - 1
		case ch == '/' && i+1 < len(text) && text[i+1] == '*':
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				current.WriteString(text[i:])
				i = len(text)
				continue
			}
			current.WriteString(text[i : i+2+end+2])
			i += 2 + end + 1
		case ch == '$':
			tag, ok := dollarTag(text[i:])
			if !ok {
				current.WriteByte(ch)
				continue
			}
			end := strings.Index(text[i+len(tag):], tag)
			if end < 0 {
				current.WriteString(text[i:])
				i = len(text)
				continue
			}
			stop := i + len(tag) + end + len(tag)
			current.WriteString(text[i:stop])
			i = stop - 1
		case ch == ';':
			flush()
		default:
			current.WriteByte(ch)
		}
	}
	flush()
	return out
}

// closingQuote returns the index just past the quote closing a literal that
// starts at from. Doubled quotes are escapes.
func closingQuote(text string, from int, quote byte) int {
	for j := from; j < len(text); j++ {
		if text[j] != quote {
			continue
		}
		if j+1 < len(text) && text[j+1] == quote {
			j++
			continue
		}
		return j + 1
	}
	return len(text)
}

// dollarTag recognises PostgreSQL dollar quotes such as $$ or $body$.
func dollarTag(text string) (string, bool) {
	for j := 1; j < len(text); j++ {
		c := text[j]
		if c == '$' {
			return text[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || j > 1 && c >= '0' && c <= '9') {
			return "", false
		}
	}
	return "", false
}

func onlyComments(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
