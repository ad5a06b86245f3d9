package main

import (
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb" // registers the "sqlserver" and "mssql" drivers
)

type sqlServerDialect struct {
	infoSchema
}

func newSQLServerDialect() sqlServerDialect {
	d := sqlServerDialect{}
	d.infoSchema = infoSchema{placeholder: d.Placeholder, fullTypeExpr: "NULL"}
	return d
}

func (sqlServerDialect) Name() string { return "SQL Server" }

func (sqlServerDialect) DefaultSchema(_ ConnectionConfig) string { return "dbo" }

func (sqlServerDialect) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func (d sqlServerDialect) QualifiedTable(schema, table string) string {
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (sqlServerDialect) Placeholder(i int) string { return fmt.Sprintf("@p%d", i) }

// SQL Server accepts 2100 parameters per request; one is kept in reserve.
func (sqlServerDialect) MaxParams() int { return 2099 }

// A table value constructor holds at most 1000 rows.
func (sqlServerDialect) MaxInsertRows() int { return 1000 }

func (sqlServerDialect) HasBoolean() bool    { return false }
func (sqlServerDialect) OrderedPaging() bool { return true }
func (sqlServerDialect) TextAsBytes() bool   { return true }

var sqlServerUnorderable = map[string]bool{
	"text": true, "ntext": true, "image": true, "xml": true,
	"geography": true, "geometry": true,
}

func (sqlServerDialect) Orderable(colType string) bool {
	return !sqlServerUnorderable[strings.ToLower(baseTypeName(colType))]
}

// SelectSQL pages with OFFSET/FETCH, which requires an ORDER BY; with no
// usable key the order falls back to (SELECT NULL).
func (sqlServerDialect) SelectSQL(table string, orderBy []string, limit, offset int) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(table)
	if limit <= 0 {
		if len(orderBy) > 0 {
			b.WriteString(" ORDER BY ")
			b.WriteString(strings.Join(orderBy, ", "))
		}
		return b.String()
	}
	b.WriteString(" ORDER BY ")
	if len(orderBy) > 0 {
		b.WriteString(strings.Join(orderBy, ", "))
	} else {
		b.WriteString("(SELECT NULL)")
	}
	fmt.Fprintf(&b, " OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
	return b.String()
}

// CreateTableSQL guards the DDL with a sys.objects lookup since SQL Server
// has no CREATE TABLE IF NOT EXISTS.
func (d sqlServerDialect) CreateTableSQL(schema, table string, cols TableSchema) string {
	qualified := d.QualifiedTable(schema, table)
	var b strings.Builder
	fmt.Fprintf(&b,
		"IF NOT EXISTS (SELECT * FROM sys.objects WHERE object_id = OBJECT_ID(N'%s') AND type in (N'U'))\nCREATE TABLE %s",
		strings.ReplaceAll(qualified, "'", "''"), qualified)
	buildCreateTable(&b, d.QuoteIdent, cols)
	return b.String()
}

func (sqlServerDialect) TruncateSQL(table string) string {
	return "TRUNCATE TABLE " + table
}
