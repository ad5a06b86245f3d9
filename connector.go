package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Connector is the uniform contract every database engine satisfies. Table
// operations require a prior successful Connect.
type Connector interface {
	// Name identifies the connector in logs, e.g. "source SQLite".
	Name() string
	Connect(ctx context.Context) error
	// Disconnect releases the session. Calling it twice is a no-op.
	Disconnect() error

	GetTables(ctx context.Context) ([]string, error)
	GetTableSchema(ctx context.Context, table string) (TableSchema, error)
	// ReadTable returns up to batchSize rows starting at offset; batchSize <= 0
	// reads the whole table.
	ReadTable(ctx context.Context, table string, batchSize, offset int) (*Batch, error)
	CountRows(ctx context.Context, table string) (int64, error)
	WriteTable(ctx context.Context, batch *Batch, table string, mode WriteMode) error
	CreateTable(ctx context.Context, table string, schema TableSchema) error
	TableExists(ctx context.Context, table string) (bool, error)
	TruncateTable(ctx context.Context, table string) error
	// ExecScript runs every statement of a SQL script in order.
	ExecScript(ctx context.Context, script string) error
}

// newConnector builds the connector for one side of the migration. It does
// not touch the database; call Connect for that.
func newConnector(side string, dbCfg DatabaseConfig, settings MigrationSettings, logger *slog.Logger) (Connector, error) {
	d, err := newDialect(dbCfg.Type)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	chunk := settings.WriteChunkSize
	if chunk <= 0 {
		chunk = defaultWriteChunkSize
	}
	schema := dbCfg.Connection.Schema
	if schema == "" {
		schema = d.DefaultSchema(dbCfg.Connection)
	}
	base := &sqlConnector{
		side:    side,
		engine:  dbCfg.Type,
		cc:      dbCfg.Connection,
		dialect: d,
		schema:  schema,
		chunk:   chunk,
		logger:  logger.With("side", side, "engine", dbCfg.Type),
	}

	switch dbCfg.Kind() {
	case KindEmbeddedFile:
		return &embeddedConnector{sqlConnector: base, readOnly: side == "source"}, nil
	default:
		return newServerConnector(base)
	}
}

// sqlConnector implements every table operation on top of database/sql and a
// dialect. Engine kinds differ only in how Connect opens the handle.
type sqlConnector struct {
	side    string
	engine  string
	cc      ConnectionConfig
	dialect dialect
	schema  string
	chunk   int
	logger  *slog.Logger

	db *sql.DB
	// orderKeys caches the paging ORDER BY per table for the session.
	orderKeys map[string][]string
	// bulkWrite, when set, replaces multi-row INSERT for WriteTable.
	bulkWrite func(ctx context.Context, batch *Batch, table string) error
}

func (c *sqlConnector) Name() string {
	return c.side + " " + c.dialect.Name()
}

func (c *sqlConnector) attach(db *sql.DB) {
	c.db = db
	c.orderKeys = make(map[string][]string)
}

func (c *sqlConnector) Disconnect() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.orderKeys = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", c.Name(), err)
	}
	c.logger.Info("disconnected")
	return nil
}

func (c *sqlConnector) ready() error {
	if c.db == nil {
		return fmt.Errorf("%s: %w", c.Name(), ErrNotConnected)
	}
	return nil
}

func (c *sqlConnector) qualified(table string) string {
	return c.dialect.QualifiedTable(c.schema, table)
}

func (c *sqlConnector) GetTables(ctx context.Context) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	tables, err := c.dialect.ListTables(ctx, c.db, c.schema)
	if err != nil {
		return nil, fmt.Errorf("list tables on %s: %w", c.Name(), err)
	}
	return tables, nil
}

func (c *sqlConnector) GetTableSchema(ctx context.Context, table string) (TableSchema, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	cols, err := c.dialect.TableColumns(ctx, c.db, c.schema, table)
	if err != nil {
		return nil, tableErr(table, "schema", err)
	}
	return cols, nil
}

// orderBy returns the quoted paging key for a table: its primary key, the
// engine's physical row locator, or every orderable column when it has
// neither.
func (c *sqlConnector) orderBy(ctx context.Context, table string) ([]string, error) {
	if key, ok := c.orderKeys[table]; ok {
		return key, nil
	}
	cols, err := c.dialect.PrimaryKey(ctx, c.db, c.schema, table)
	if err != nil {
		return nil, err
	}
	if len(cols) > 0 {
		key := make([]string, len(cols))
		for i, col := range cols {
			key[i] = c.dialect.QuoteIdent(col)
		}
		c.orderKeys[table] = key
		return key, nil
	}

	if rl, ok := c.dialect.(rowLocator); ok {
		key := []string{rl.RowLocator()}
		c.logger.Debug("table has no primary key, paging by row locator", "table", table, "order_by", key[0])
		c.orderKeys[table] = key
		return key, nil
	}

	schema, err := c.GetTableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	var key, skipped []string
	for _, col := range schema {
		if c.dialect.Orderable(col.Type) {
			key = append(key, c.dialect.QuoteIdent(col.Name))
		} else {
			skipped = append(skipped, col.Name)
		}
	}
	switch {
	case len(key) == 0:
		c.logger.Warn("table has no primary key and no orderable column, pages are unordered",
			"table", table)
	case len(skipped) > 0:
		c.logger.Warn("table has no primary key, paging by orderable columns; rows equal on them may repeat or be skipped",
			"table", table, "unordered_columns", skipped)
	default:
		c.logger.Debug("table has no primary key, paging by column order", "table", table, "columns", len(key))
	}
	c.orderKeys[table] = key
	return key, nil
}

func (c *sqlConnector) ReadTable(ctx context.Context, table string, batchSize, offset int) (*Batch, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	var key []string
	if batchSize > 0 && c.dialect.OrderedPaging() {
		var err error
		if key, err = c.orderBy(ctx, table); err != nil {
			return nil, tableErr(table, "read", err)
		}
	}

	query := c.dialect.SelectSQL(c.qualified(table), key, batchSize, offset)
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, tableErr(table, "read", err)
	}
	defer rows.Close()

	batch, err := scanBatch(rows, c.dialect.TextAsBytes())
	if err != nil {
		return nil, tableErr(table, "read", err)
	}
	return batch, nil
}

// scanBatch drains rows into a Batch. With decode set, byte slices from
// textual columns become strings.
func scanBatch(rows *sql.Rows, decode bool) (*Batch, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	batch := &Batch{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		if decode {
			for i := range vals {
				vals[i] = decodeScanned(vals[i], types[i].DatabaseTypeName())
			}
		}
		batch.Rows = append(batch.Rows, Row(vals))
	}
	return batch, rows.Err()
}

func (c *sqlConnector) CountRows(ctx context.Context, table string) (int64, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.qualified(table)).Scan(&n); err != nil {
		return 0, tableErr(table, "count", err)
	}
	return n, nil
}

func (c *sqlConnector) TableExists(ctx context.Context, table string) (bool, error) {
	if err := c.ready(); err != nil {
		return false, err
	}
	ok, err := c.dialect.TableExists(ctx, c.db, c.schema, table)
	if err != nil {
		return false, tableErr(table, "exists", err)
	}
	return ok, nil
}

func (c *sqlConnector) TruncateTable(ctx context.Context, table string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, c.dialect.TruncateSQL(c.qualified(table))); err != nil {
		return tableErr(table, "truncate", err)
	}
	c.logger.Info("truncated table", "table", table)
	return nil
}

func (c *sqlConnector) CreateTable(ctx context.Context, table string, schema TableSchema) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(schema) == 0 {
		return tableErr(table, "create", errors.New("no columns"))
	}
	ddl := c.dialect.CreateTableSQL(c.schema, table, schema)
	c.logger.Debug("create table", "table", table, "sql", ddl)
	if _, err := c.db.ExecContext(ctx, ddl); err != nil {
		return tableErr(table, "create", err)
	}
	return nil
}

// WriteTable inserts the batch in a single transaction, split into
// multi-row INSERT statements that stay under the engine's limits.
func (c *sqlConnector) WriteTable(ctx context.Context, batch *Batch, table string, mode WriteMode) error {
	if err := c.ready(); err != nil {
		return err
	}
	if mode == WriteReplace {
		if err := c.TruncateTable(ctx, table); err != nil {
			return err
		}
	}
	if batch.Len() == 0 {
		return nil
	}
	if len(batch.Columns) == 0 {
		return tableErr(table, "write", errors.New("batch has rows but no columns"))
	}
	if c.bulkWrite != nil {
		if err := c.bulkWrite(ctx, batch, table); err != nil {
			return tableErr(table, "write", err)
		}
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return tableErr(table, "write", fmt.Errorf("begin: %w", err))
	}
	step := c.rowsPerStatement(len(batch.Columns))
	for start := 0; start < len(batch.Rows); start += step {
		end := min(start+step, len(batch.Rows))
		query, args, err := c.insertSQL(table, batch.Columns, batch.Rows[start:end])
		if err == nil {
			_, err = tx.ExecContext(ctx, query, args...)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				c.logger.Warn("rollback failed", "table", table, "error", rbErr)
			}
			return tableErr(table, "write", fmt.Errorf("rows %d-%d: %w", start, end-1, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return tableErr(table, "write", fmt.Errorf("commit: %w", err))
	}
	return nil
}

// rowsPerStatement bounds one INSERT by the configured chunk size, the
// engine's row cap and its bind-parameter limit.
func (c *sqlConnector) rowsPerStatement(ncols int) int {
	n := c.chunk
	if m := c.dialect.MaxInsertRows(); m > 0 && m < n {
		n = m
	}
	if ncols > 0 {
		if m := c.dialect.MaxParams() / ncols; m < n {
			n = m
		}
	}
	return max(n, 1)
}

func (c *sqlConnector) insertSQL(table string, cols []string, rows []Row) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(c.qualified(table))
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(c.dialect.QuoteIdent(col))
	}
	b.WriteString(") VALUES ")

	hasBool := c.dialect.HasBoolean()
	args := make([]any, 0, len(rows)*len(cols))
	for r, row := range rows {
		if len(row) != len(cols) {
			return "", nil, fmt.Errorf("row has %d values, want %d", len(row), len(cols))
		}
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i, v := range row {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, normalizeValue(v, hasBool))
			b.WriteString(c.dialect.Placeholder(len(args)))
		}
		b.WriteByte(')')
	}
	return b.String(), args, nil
}

func (c *sqlConnector) ExecScript(ctx context.Context, script string) error {
	if err := c.ready(); err != nil {
		return err
	}
	for i, stmt := range splitStatements(script) {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w\nSQL: %s", i+1, err, stmt)
		}
	}
	return nil
}
