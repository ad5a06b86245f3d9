package main

import (
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// pgReservedWords are PostgreSQL reserved words that must be quoted as identifiers.
var pgReservedWords = map[string]bool{
	"all": true, "analyse": true, "analyze": true, "and": true, "any": true,
	"array": true, "as": true, "asc": true, "authorization": true, "between": true,
	"binary": true, "both": true, "case": true, "cast": true, "check": true,
	"collate": true, "column": true, "constraint": true, "create": true, "cross": true,
	"current_date": true, "current_role": true, "current_time": true,
	"current_timestamp": true, "current_user": true, "default": true, "deferrable": true,
	"desc": true, "distinct": true, "do": true, "else": true, "end": true, "except": true,
	"false": true, "fetch": true, "for": true, "foreign": true, "freeze": true,
	"from": true, "full": true, "grant": true, "group": true, "having": true,
	"ilike": true, "in": true, "initially": true, "inner": true, "intersect": true,
	"into": true, "is": true, "isnull": true, "join": true, "lateral": true,
	"leading": true, "left": true, "like": true, "limit": true, "localtime": true,
	"localtimestamp": true, "natural": true, "not": true, "notnull": true, "null": true,
	"offset": true, "on": true, "only": true, "or": true, "order": true, "outer": true,
	"overlaps": true, "placing": true, "primary": true, "references": true,
	"returning": true, "right": true, "select": true, "session_user": true,
	"similar": true, "some": true, "symmetric": true, "table": true, "then": true,
	"to": true, "trailing": true, "true": true, "union": true, "unique": true,
	"user": true, "using": true, "variadic": true, "verbose": true, "when": true,
	"where": true, "window": true, "with": true,
}

// pgNeedsQuoting reports whether a PG identifier needs quoting beyond
// reserved-word checks (e.g. contains hyphens, spaces, uppercase, etc.).
func pgNeedsQuoting(name string) bool {
	if name == "" {
		return true
	}
	for i, r := range name {
		if r >= 'a' && r <= 'z' || r == '_' {
			continue
		}
		if i > 0 && (r >= '0' && r <= '9' || r == '$') {
			continue
		}
		return true
	}
	return false
}

// pgIdent returns a PG-safe identifier, quoting reserved words and names
// that contain characters invalid in unquoted identifiers.
func pgIdent(name string) string {
	if pgReservedWords[name] || pgNeedsQuoting(name) {
		return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
	}
	return name
}

type postgresDialect struct {
	infoSchema
}

func newPostgresDialect() postgresDialect {
	d := postgresDialect{}
	d.infoSchema = infoSchema{placeholder: d.Placeholder, fullTypeExpr: "NULL"}
	return d
}

func (postgresDialect) Name() string { return "PostgreSQL" }

func (postgresDialect) DefaultSchema(_ ConnectionConfig) string { return "public" }

func (postgresDialect) QuoteIdent(name string) string { return pgIdent(name) }

func (postgresDialect) QualifiedTable(schema, table string) string {
	return pgIdent(schema) + "." + pgIdent(table)
}

func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }
func (postgresDialect) MaxParams() int           { return 65535 }
func (postgresDialect) MaxInsertRows() int       { return 0 }
func (postgresDialect) HasBoolean() bool         { return true }
func (postgresDialect) OrderedPaging() bool      { return true }
func (postgresDialect) TextAsBytes() bool        { return true }

var pgUnorderable = map[string]bool{
	"json": true, "xml": true, "point": true, "line": true, "lseg": true,
	"box": true, "path": true, "polygon": true, "circle": true,
}

func (postgresDialect) Orderable(colType string) bool {
	return !pgUnorderable[strings.ToLower(baseTypeName(colType))]
}

// RowLocator pages keyless tables by ctid, which is stable while the source
// is not being written to.
func (postgresDialect) RowLocator() string { return "ctid" }

func (postgresDialect) SelectSQL(table string, orderBy []string, limit, offset int) string {
	return limitOffsetSQL(table, orderBy, limit, offset)
}

func (d postgresDialect) CreateTableSQL(schema, table string, cols TableSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(d.QualifiedTable(schema, table))
	buildCreateTable(&b, pgIdent, cols)
	return b.String()
}

func (postgresDialect) TruncateSQL(table string) string {
	return "TRUNCATE TABLE " + table
}
