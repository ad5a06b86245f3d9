package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverConfig(engine string) DatabaseConfig {
	return DatabaseConfig{Type: engine, Connection: ConnectionConfig{
		Host:     "db.internal",
		Database: "app",
		Username: "migrator",
		Password: "s3cret",
		Port:     defaultPort(engine),
	}}
}

func newTestServerConnector(t *testing.T, side string, db DatabaseConfig, chunk int) *serverConnector {
	t.Helper()
	c, err := newConnector(side, db, MigrationSettings{WriteChunkSize: chunk}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	sc, ok := c.(*serverConnector)
	require.True(t, ok, "got %T", c)
	return sc
}

// openedVia records the driver of every open call and hands out mocks in order.
type openedVia struct {
	drivers []string
	dbs     []*sql.DB
	errs    []error
}

func (o *openedVia) open(driver, _ string) (*sql.DB, error) {
	i := len(o.drivers)
	o.drivers = append(o.drivers, driver)
	if i < len(o.errs) && o.errs[i] != nil {
		return nil, o.errs[i]
	}
	return o.dbs[i], nil
}

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

// connectMock connects c to a single sqlmock database.
func connectMock(t *testing.T, c *serverConnector) sqlmock.Sqlmock {
	t.Helper()
	db, mock := newPingMock(t)
	mock.ExpectPing()
	c.open = func(string, string) (*sql.DB, error) { return db, nil }
	require.NoError(t, c.Connect(context.Background()))
	return mock
}

func TestServerConnector_FallsBackToSecondTransport(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineSQLServer), 0)

	db1, mock1 := newPingMock(t)
	mock1.ExpectPing().WillReturnError(errors.New("tls: failed to verify certificate"))
	mock1.ExpectClose()
	db2, mock2 := newPingMock(t)
	mock2.ExpectPing()

	o := &openedVia{dbs: []*sql.DB{db1, db2}}
	c.open = o.open

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"sqlserver", "mssql"}, o.drivers)
	assert.Equal(t, "mssql", c.Transport())
	assert.NoError(t, mock1.ExpectationsWereMet())
	assert.NoError(t, mock2.ExpectationsWereMet())

	// Connect on a live session does nothing.
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, o.drivers, 2)

	mock2.ExpectClose()
	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())
	assert.Empty(t, c.Transport())
	assert.NoError(t, mock2.ExpectationsWereMet())
}

func TestServerConnector_PreferredTransportFirst(t *testing.T) {
	db := serverConfig(engineMySQL)
	db.Connection.Driver = "unix"
	c := newTestServerConnector(t, "source", db, 0)

	conn, mock := newPingMock(t)
	mock.ExpectPing()
	o := &openedVia{dbs: []*sql.DB{conn}}
	c.open = o.open

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, []string{"mysql"}, o.drivers)
	assert.Equal(t, "unix", c.Transport())
}

func TestServerConnector_AllTransportsFail(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(enginePostgres), 0)

	db2, mock2 := newPingMock(t)
	mock2.ExpectPing().WillReturnError(errors.New("no such file or directory"))
	mock2.ExpectClose()
	o := &openedVia{
		dbs:  []*sql.DB{nil, db2},
		errs: []error{errors.New("connection refused"), nil},
	}
	c.open = o.open

	err := c.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "target", connErr.Side)
	assert.Equal(t, enginePostgres, connErr.Engine)
	require.Len(t, connErr.Attempts, 2)
	assert.Equal(t, "tcp", connErr.Attempts[0].Transport)
	assert.Equal(t, "unix", connErr.Attempts[1].Transport)
	msg := err.Error()
	assert.Contains(t, msg, "connection refused")
	assert.Contains(t, msg, "no such file or directory")
	assert.NotContains(t, msg, "s3cret")
	assert.Empty(t, c.Transport())
	assert.NoError(t, mock2.ExpectationsWereMet())

	_, err = c.GetTables(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestServerConnector_GetTables(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLES")).
		WithArgs("dbo").
		WillReturnRows(sqlmock.NewRows([]string{"TABLE_NAME"}).AddRow("customers").AddRow("orders"))

	tables, err := c.GetTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "orders"}, tables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func columnRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "FULL_TYPE", "CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION", "NUMERIC_SCALE", "IS_NULLABLE"}).
		AddRow("id", "int", nil, nil, 10, 0, "NO").
		AddRow("notes", "ntext", nil, 1073741823, nil, nil, "YES").
		AddRow("name", "nvarchar", nil, -1, nil, nil, "YES").
		AddRow("amount", "decimal", nil, nil, 12, 2, "NO")
}

func TestServerConnector_GetTableSchema(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs("dbo", "ledger").
		WillReturnRows(columnRows())
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs("dbo", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "FULL_TYPE", "CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION", "NUMERIC_SCALE", "IS_NULLABLE"}))

	schema, err := c.GetTableSchema(context.Background(), "ledger")
	require.NoError(t, err)
	assert.Equal(t, TableSchema{
		{Name: "id", Type: "int", Nullable: false},
		{Name: "notes", Type: "ntext", Nullable: true},
		{Name: "name", Type: "nvarchar(max)", Nullable: true},
		{Name: "amount", Type: "decimal(12,2)", Nullable: false},
	}, schema)

	_, err = c.GetTableSchema(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerConnector_ReadTablePagesByPrimaryKey(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_TYPE = 'PRIMARY KEY'")).
		WithArgs("dbo", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM [dbo].[orders] ORDER BY [id] OFFSET 0 ROWS FETCH NEXT 2 ROWS ONLY")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sku"}).AddRow(int64(1), "A-1").AddRow(int64(2), "B-2"))
	// The key is cached: the second page issues no catalog query.
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM [dbo].[orders] ORDER BY [id] OFFSET 2 ROWS FETCH NEXT 2 ROWS ONLY")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sku"}))

	ctx := context.Background()
	b, err := c.ReadTable(ctx, "orders", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "sku"}, b.Columns)
	assert.Equal(t, []Row{{int64(1), "A-1"}, {int64(2), "B-2"}}, b.Rows)

	b, err = c.ReadTable(ctx, "orders", 2, 2)
	require.NoError(t, err)
	assert.Zero(t, b.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerConnector_ReadTableWithoutPrimaryKey(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_TYPE = 'PRIMARY KEY'")).
		WithArgs("dbo", "ledger").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs("dbo", "ledger").
		WillReturnRows(columnRows())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM [dbo].[ledger] ORDER BY [id], [name], [amount] OFFSET 0 ROWS FETCH NEXT 50 ROWS ONLY")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var logs strings.Builder
	c.logger = slog.New(slog.NewTextHandler(&logs, nil))

	_, err := c.ReadTable(context.Background(), "ledger", 50, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "unordered_columns=[notes]")
}

func TestServerConnector_ReadTableWithoutPrimaryKeyPostgres(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(enginePostgres), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_TYPE = 'PRIMARY KEY'")).
		WithArgs("public", "audit").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM public.audit ORDER BY ctid LIMIT 20 OFFSET 0")).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(`{"a":1}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM public.audit ORDER BY ctid LIMIT 20 OFFSET 20")).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	ctx := context.Background()
	b, err := c.ReadTable(ctx, "audit", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, b.Len())
	_, err = c.ReadTable(ctx, "audit", 20, 20)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerConnector_ReadTableWithNoOrderableColumn(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(engineMySQL), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_TYPE = 'PRIMARY KEY'")).
		WithArgs("app", "shapes").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.COLUMNS")).
		WithArgs("app", "shapes").
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME", "DATA_TYPE", "FULL_TYPE", "CHARACTER_MAXIMUM_LENGTH", "NUMERIC_PRECISION", "NUMERIC_SCALE", "IS_NULLABLE"}).
			AddRow("area", "polygon", "polygon", nil, nil, nil, "YES"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `app`.`shapes` LIMIT 5 OFFSET 0")).
		WillReturnRows(sqlmock.NewRows([]string{"area"}))

	var logs strings.Builder
	c.logger = slog.New(slog.NewTextHandler(&logs, nil))

	_, err := c.ReadTable(context.Background(), "shapes", 5, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, logs.String(), "no orderable column")
}

func TestServerConnector_ReadError(t *testing.T) {
	c := newTestServerConnector(t, "source", serverConfig(enginePostgres), 0)
	mock := connectMock(t, c)

	mock.ExpectQuery(regexp.QuoteMeta("CONSTRAINT_TYPE = 'PRIMARY KEY'")).
		WillReturnRows(sqlmock.NewRows([]string{"COLUMN_NAME"}).AddRow("id"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM public.events ORDER BY id LIMIT 10 OFFSET 0")).
		WillReturnError(errors.New("canceling statement due to statement timeout"))

	_, err := c.ReadTable(context.Background(), "events", 10, 0)
	var te *TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "events", te.Table)
	assert.Equal(t, "read", te.Op)
	assert.Contains(t, err.Error(), "statement timeout")
}

func TestServerConnector_CountExistsCreateTruncate(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM [dbo].[orders]")).
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(42)))
	n, err := c.CountRows(ctx, "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)

	mock.ExpectQuery(regexp.QuoteMeta("FROM INFORMATION_SCHEMA.TABLES")).
		WithArgs("dbo", "orders").
		WillReturnRows(sqlmock.NewRows([]string{""}).AddRow(int64(0)))
	exists, err := c.TableExists(ctx, "orders")
	require.NoError(t, err)
	assert.False(t, exists)

	mock.ExpectExec(regexp.QuoteMeta("IF NOT EXISTS (SELECT * FROM sys.objects WHERE object_id = OBJECT_ID(N'[dbo].[orders]')")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, c.CreateTable(ctx, "orders", TableSchema{{Name: "id", Type: "INT"}}))

	mock.ExpectExec(regexp.QuoteMeta("TRUNCATE TABLE [dbo].[orders]")).
		WillReturnError(errors.New("permission denied"))
	err = c.TruncateTable(ctx, "orders")
	var te *TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "truncate", te.Op)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsPerStatement(t *testing.T) {
	tests := []struct {
		name   string
		engine string
		chunk  int
		ncols  int
		want   int
	}{
		{"sqlserver param cap", engineSQLServer, 1000, 3, 699},
		{"sqlserver row cap", engineSQLServer, 5000, 1, 1000},
		{"sqlserver wide table", engineSQLServer, 1000, 3000, 1},
		{"chunk wins", engineSQLServer, 10, 2, 10},
		{"postgres param cap", enginePostgres, 100000, 10, 6553},
		{"mysql chunk", engineMySQL, 1000, 10, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServerConnector(t, "target", serverConfig(tt.engine), tt.chunk)
			assert.Equal(t, tt.want, c.rowsPerStatement(tt.ncols))
		})
	}
}

func TestServerConnector_WriteTableSplitsStatements(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineSQLServer), 1000)

	var queries []string
	db, mock, err := sqlmock.New(
		sqlmock.MonitorPingsOption(true),
		sqlmock.QueryMatcherOption(sqlmock.QueryMatcherFunc(func(_, actual string) error {
			queries = append(queries, actual)
			return nil
		})),
	)
	require.NoError(t, err)
	mock.ExpectPing()
	c.open = func(string, string) (*sql.DB, error) { return db, nil }
	require.NoError(t, c.Connect(context.Background()))

	batch := &Batch{Columns: []string{"id", "flag", "name"}}
	for i := 0; i < 1000; i++ {
		batch.Rows = append(batch.Rows, Row{int64(i), i%2 == 0, fmt.Sprint("n", i)})
	}
	mock.ExpectBegin()
	mock.ExpectExec("insert").WillReturnResult(sqlmock.NewResult(0, 699))
	mock.ExpectExec("insert").WillReturnResult(sqlmock.NewResult(0, 301))
	mock.ExpectCommit()

	require.NoError(t, c.WriteTable(context.Background(), batch, "items", WriteAppend))
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, queries, 2)
	assert.True(t, strings.HasPrefix(queries[0], "INSERT INTO [dbo].[items] ([id], [flag], [name]) VALUES (@p1, @p2, @p3), "))
	assert.Equal(t, 699*3, strings.Count(queries[0], "@p"))
	assert.True(t, strings.HasSuffix(queries[0], "@p2097)"))
	assert.Equal(t, 301*3, strings.Count(queries[1], "@p"))
}

func TestServerConnector_WriteTableBindsNormalizedValues(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineMySQL), 0)
	mock := connectMock(t, c)

	batch := &Batch{Columns: []string{"id", "active"}, Rows: []Row{{int64(1), true}, {int64(2), false}}}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `app`.`flags` (`id`, `active`) VALUES (?, ?), (?, ?)")).
		WithArgs(int64(1), int64(1), int64(2), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, c.WriteTable(context.Background(), batch, "flags", WriteAppend))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerConnector_WriteTableRollsBack(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(enginePostgres), 1)
	mock := connectMock(t, c)

	batch := &Batch{Columns: []string{"id"}, Rows: []Row{{int64(1)}, {int64(2)}}}
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.ids (id) VALUES ($1)")).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO public.ids (id) VALUES ($1)")).
		WithArgs(int64(2)).
		WillReturnError(errors.New(`duplicate key value violates unique constraint "ids_pkey"`))
	mock.ExpectRollback()

	err := c.WriteTable(context.Background(), batch, "ids", WriteAppend)
	var te *TableError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ids", te.Table)
	assert.Contains(t, err.Error(), "ids_pkey")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestServerConnector_WriteEmptyBatch(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	require.NoError(t, c.WriteTable(context.Background(), &Batch{Columns: []string{"id"}}, "t", WriteAppend))
	assert.NoError(t, mock.ExpectationsWereMet(), "an empty batch must not open a transaction")
}

func TestServerConnector_BulkCopyNeedsPgx(t *testing.T) {
	db := serverConfig(enginePostgres)
	db.Connection.BulkCopy = true
	c := newTestServerConnector(t, "target", db, 0)
	require.NotNil(t, c.bulkWrite)
	connectMock(t, c)

	err := c.WriteTable(context.Background(), &Batch{Columns: []string{"id"}, Rows: []Row{{int64(1)}}}, "ids", WriteAppend)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bulk copy needs the pgx driver")
}

func TestServerConnector_ExecScript(t *testing.T) {
	c := newTestServerConnector(t, "target", serverConfig(engineSQLServer), 0)
	mock := connectMock(t, c)

	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX ix_a ON [dbo].[a] (x)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE STATISTICS [dbo].[a]")).WillReturnError(errors.New("boom"))

	err := c.ExecScript(context.Background(), "CREATE INDEX ix_a ON [dbo].[a] (x)\nGO\nUPDATE STATISTICS [dbo].[a]\nGO\nSELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "statement 2")
	assert.Contains(t, err.Error(), "UPDATE STATISTICS")
	assert.NoError(t, mock.ExpectationsWereMet())
}
