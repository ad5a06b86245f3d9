package main

import (
	"strings"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver
)

type mysqlDialect struct {
	infoSchema
}

func newMySQLDialect() mysqlDialect {
	d := mysqlDialect{}
	d.infoSchema = infoSchema{placeholder: d.Placeholder, fullTypeExpr: "COLUMN_TYPE"}
	return d
}

func (mysqlDialect) Name() string { return "MySQL" }

// In MySQL a schema is a database.
func (mysqlDialect) DefaultSchema(cc ConnectionConfig) string { return cc.Database }

func (mysqlDialect) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (d mysqlDialect) QualifiedTable(schema, table string) string {
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (mysqlDialect) Placeholder(int) string { return "?" }
func (mysqlDialect) MaxParams() int         { return 65535 }
func (mysqlDialect) MaxInsertRows() int     { return 0 }
func (mysqlDialect) HasBoolean() bool       { return false }
func (mysqlDialect) OrderedPaging() bool    { return true }
func (mysqlDialect) TextAsBytes() bool      { return true }

var mysqlUnorderable = map[string]bool{
	"geometry": true, "point": true, "linestring": true, "polygon": true,
	"multipoint": true, "multilinestring": true, "multipolygon": true, "geometrycollection": true,
}

func (mysqlDialect) Orderable(colType string) bool {
	return !mysqlUnorderable[strings.ToLower(baseTypeName(colType))]
}

func (mysqlDialect) SelectSQL(table string, orderBy []string, limit, offset int) string {
	return limitOffsetSQL(table, orderBy, limit, offset)
}

func (d mysqlDialect) CreateTableSQL(schema, table string, cols TableSchema) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(d.QualifiedTable(schema, table))
	buildCreateTable(&b, d.QuoteIdent, cols)
	return b.String()
}

func (mysqlDialect) TruncateSQL(table string) string {
	return "TRUNCATE TABLE " + table
}
