package main

import (
	"context"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "SQLite" }

func (sqliteDialect) DefaultSchema(_ ConnectionConfig) string { return "main" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QualifiedTable ignores the schema: an opened file is always "main".
func (d sqliteDialect) QualifiedTable(_, table string) string { return d.QuoteIdent(table) }

func (sqliteDialect) Placeholder(int) string { return "?" }

// SQLITE_MAX_VARIABLE_NUMBER defaults to 32766 since 3.32.
func (sqliteDialect) MaxParams() int      { return 32766 }
func (sqliteDialect) MaxInsertRows() int  { return 0 }
func (sqliteDialect) HasBoolean() bool    { return false }
func (sqliteDialect) OrderedPaging() bool { return false }
func (sqliteDialect) TextAsBytes() bool   { return false }
func (sqliteDialect) Orderable(string) bool {
	return true
}

func (sqliteDialect) SelectSQL(table string, orderBy []string, limit, offset int) string {
	return limitOffsetSQL(table, orderBy, limit, offset)
}

func (d sqliteDialect) CreateTableSQL(_, table string, cols TableSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(d.QuoteIdent(table))
	buildCreateTable(&b, d.QuoteIdent, cols)
	return b.String()
}

// SQLite has no TRUNCATE; an unqualified DELETE uses the truncate optimization.
func (sqliteDialect) TruncateSQL(table string) string {
	return "DELETE FROM " + table
}

func (sqliteDialect) ListTables(ctx context.Context, q queryer, _ string) ([]string, error) {
	return collectStrings(ctx, q,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
}

func (sqliteDialect) TableColumns(ctx context.Context, q queryer, _, table string) (TableSchema, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull" FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols TableSchema
	for rows.Next() {
		var name, colType string
		var notnull int
		if err := rows.Scan(&name, &colType, &notnull); err != nil {
			return nil, err
		}
		cols = append(cols, Column{Name: name, Type: colType, Nullable: notnull == 0})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ErrTableNotFound
	}
	return cols, nil
}

func (sqliteDialect) PrimaryKey(ctx context.Context, q queryer, _, table string) ([]string, error) {
	return collectStrings(ctx, q, "SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table)
}

func (sqliteDialect) TableExists(ctx context.Context, q queryer, _, table string) (bool, error) {
	var n int64
	err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
