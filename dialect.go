package main

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"
)

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures everything that differs between engines: identifier
// quoting, placeholders, paging, DDL and catalog queries.
type dialect interface {
	// Name returns a human-readable engine name ("SQLite", "SQL Server").
	Name() string

	// DefaultSchema returns the schema used when the connection names none.
	DefaultSchema(cc ConnectionConfig) string

	// QuoteIdent quotes a single identifier.
	QuoteIdent(name string) string

	// QualifiedTable returns the schema-qualified, quoted table name.
	QualifiedTable(schema, table string) string

	// Placeholder returns the bind marker for the i-th (1-based) parameter.
	Placeholder(i int) string

	// MaxParams is the bind-parameter limit of one statement.
	MaxParams() int

	// MaxInsertRows caps rows per INSERT ... VALUES statement; 0 means no cap.
	MaxInsertRows() int

	// HasBoolean reports whether the engine stores bool natively.
	HasBoolean() bool

	// OrderedPaging reports whether paged reads need an explicit ORDER BY.
	// Embedded engines page in natural row order.
	OrderedPaging() bool

	// TextAsBytes reports whether the driver may scan textual columns into
	// []byte. When false, a scanned []byte is always a binary value.
	TextAsBytes() bool

	// Orderable reports whether a column of this type may appear in ORDER BY.
	Orderable(colType string) bool

	// SelectSQL returns a query reading the table; limit <= 0 reads everything.
	SelectSQL(table string, orderBy []string, limit, offset int) string

	// CreateTableSQL returns DDL that succeeds when the table already exists.
	CreateTableSQL(schema, table string, cols TableSchema) string

	// TruncateSQL returns the statement that empties a table.
	TruncateSQL(table string) string

	// Catalog access.
	ListTables(ctx context.Context, q queryer, schema string) ([]string, error)
	TableColumns(ctx context.Context, q queryer, schema, table string) (TableSchema, error)
	PrimaryKey(ctx context.Context, q queryer, schema, table string) ([]string, error)
	TableExists(ctx context.Context, q queryer, schema, table string) (bool, error)
}

// newDialect returns the dialect for a canonical engine type.
func newDialect(engine string) (dialect, error) {
	switch engine {
	case engineSQLite:
		return sqliteDialect{}, nil
	case engineSQLServer:
		return newSQLServerDialect(), nil
	case engineMySQL:
		return newMySQLDialect(), nil
	case enginePostgres:
		return newPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q (must be sqlite, sqlserver, mysql or postgres)", engine)
	}
}

// normalizeValue converts a scanned source value into a form the target
// engine accepts. NaN and zero times become NULL; bool becomes 0/1 on
// engines without a boolean type.
func normalizeValue(v any, hasBoolean bool) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if hasBoolean {
			return x
		}
		if x {
			return int64(1)
		}
		return int64(0)
	case float64:
		if math.IsNaN(x) {
			return nil
		}
	case float32:
		if math.IsNaN(float64(x)) {
			return nil
		}
	case time.Time:
		if x.IsZero() {
			return nil
		}
	}
	return v
}

// rowLocator is implemented by dialects whose tables carry a physical row
// address usable as a paging key when no primary key exists.
type rowLocator interface {
	RowLocator() string
}

// binaryTypeNames are driver-reported type names whose []byte values are
// real binary payloads. Any other []byte is text the driver did not decode.
var binaryTypeNames = map[string]bool{
	"BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true, "LONGBLOB": true,
	"BINARY": true, "VARBINARY": true, "IMAGE": true, "BYTEA": true,
	"GEOMETRY": true, "BIT": true, "ROWVERSION": true, "TIMESTAMP_BINARY": true,
}

// decodeScanned turns driver byte slices for textual columns into strings.
func decodeScanned(v any, dbType string) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	t := strings.ToUpper(baseTypeName(dbType))
	if t == "" || binaryTypeNames[t] {
		return b
	}
	return string(b)
}

// buildCreateTable renders the column list shared by every dialect.
func buildCreateTable(b *strings.Builder, quote func(string) string, cols TableSchema) {
	b.WriteString(" (\n")
	for i, col := range cols {
		fmt.Fprintf(b, "  %s %s", quote(col.Name), col.Type)
		if !col.Nullable {
			b.WriteString(" NOT NULL")
		}
		if i < len(cols)-1 {
			b.WriteByte(',')
		}
		b.WriteByte('\n')
	}
	b.WriteString(")")
}

func limitOffsetSQL(table string, orderBy []string, limit, offset int) string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(table)
	if len(orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(orderBy, ", "))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d OFFSET %d", limit, offset)
	}
	return b.String()
}

// collectStrings is a helper to collect single-column string results.
func collectStrings(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// infoSchema implements catalog access through INFORMATION_SCHEMA, which
// SQL Server, MySQL and PostgreSQL all expose.
type infoSchema struct {
	placeholder func(int) string
	// fullTypeExpr selects the complete declared type when the engine has one
	// (MySQL COLUMN_TYPE); NULL otherwise.
	fullTypeExpr string
}

func (s infoSchema) ListTables(ctx context.Context, q queryer, schema string) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = %s
		 ORDER BY TABLE_NAME`, s.placeholder(1))
	return collectStrings(ctx, q, query, schema)
}

func (s infoSchema) TableColumns(ctx context.Context, q queryer, schema, table string) (TableSchema, error) {
	query := fmt.Sprintf(
		`SELECT COLUMN_NAME, DATA_TYPE, %s,
		        CHARACTER_MAXIMUM_LENGTH, NUMERIC_PRECISION, NUMERIC_SCALE, IS_NULLABLE
		 FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_SCHEMA = %s AND TABLE_NAME = %s
		 ORDER BY ORDINAL_POSITION`, s.fullTypeExpr, s.placeholder(1), s.placeholder(2))
	rows, err := q.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols TableSchema
	for rows.Next() {
		var name, dataType, nullable string
		var fullType sql.NullString
		var charLen, precision, scale sql.NullInt64
		if err := rows.Scan(&name, &dataType, &fullType, &charLen, &precision, &scale, &nullable); err != nil {
			return nil, err
		}
		typ := fullType.String
		if !fullType.Valid || typ == "" {
			typ = formatColumnType(dataType, charLen, precision, scale)
		}
		cols = append(cols, Column{
			Name:     name,
			Type:     typ,
			Nullable: strings.EqualFold(nullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ErrTableNotFound
	}
	return cols, nil
}

func (s infoSchema) PrimaryKey(ctx context.Context, q queryer, schema, table string) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT kcu.COLUMN_NAME
		 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		 JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
		   ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME
		   AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
		   AND tc.TABLE_NAME = kcu.TABLE_NAME
		 WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
		   AND tc.TABLE_SCHEMA = %s AND tc.TABLE_NAME = %s
		 ORDER BY kcu.ORDINAL_POSITION`, s.placeholder(1), s.placeholder(2))
	return collectStrings(ctx, q, query, schema, table)
}

func (s infoSchema) TableExists(ctx context.Context, q queryer, schema, table string) (bool, error) {
	query := fmt.Sprintf(
		`SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES
		 WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = %s AND TABLE_NAME = %s`,
		s.placeholder(1), s.placeholder(2))
	var n int64
	if err := q.QueryRowContext(ctx, query, schema, table).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// sizedTypes carry a length parameter in INFORMATION_SCHEMA.
var sizedTypes = map[string]bool{
	"char": true, "varchar": true, "nchar": true, "nvarchar": true,
	"binary": true, "varbinary": true,
	"character": true, "character varying": true, "bit varying": true,
}

// formatColumnType rebuilds a declared type from INFORMATION_SCHEMA parts,
// e.g. ("nvarchar", -1) -> "nvarchar(max)", ("decimal", 10, 2) -> "decimal(10,2)".
func formatColumnType(dataType string, charLen, precision, scale sql.NullInt64) string {
	lower := strings.ToLower(dataType)
	switch {
	case sizedTypes[lower] && charLen.Valid:
		if charLen.Int64 < 0 {
			return dataType + "(max)"
		}
		if charLen.Int64 > 0 {
			return fmt.Sprintf("%s(%d)", dataType, charLen.Int64)
		}
	case (lower == "decimal" || lower == "numeric") && precision.Valid && precision.Int64 > 0:
		return fmt.Sprintf("%s(%d,%d)", dataType, precision.Int64, scale.Int64)
	}
	return dataType
}

// baseTypeName strips parameters: "VARCHAR(255)" -> "VARCHAR".
func baseTypeName(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}
