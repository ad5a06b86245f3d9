package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// dbOpener opens a database/sql handle; tests swap it for sqlmock.
type dbOpener func(driver, dsn string) (*sql.DB, error)

// serverConnector reaches a networked engine through an ordered chain of
// transports. The first transport that opens and answers a ping wins.
type serverConnector struct {
	*sqlConnector
	transports []transport
	open       dbOpener
	active     string
}

func newServerConnector(base *sqlConnector) (*serverConnector, error) {
	transports, err := buildTransports(base.engine, base.cc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", base.Name(), err)
	}
	c := &serverConnector{
		sqlConnector: base,
		transports:   transports,
		open:         sql.Open,
	}
	if base.engine == enginePostgres && base.cc.BulkCopy {
		base.bulkWrite = c.copyFrom
	}
	return c, nil
}

func (c *serverConnector) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}
	connErr := &ConnectionError{Side: c.side, Engine: c.engine}
	for i, t := range c.transports {
		db, err := c.tryTransport(ctx, t)
		if err != nil {
			connErr.Attempts = append(connErr.Attempts, ConnectionAttempt{Transport: t.Name, Err: err})
			if i < len(c.transports)-1 {
				c.logger.Warn("connection attempt failed, trying next transport",
					"transport", t.Name, "next", c.transports[i+1].Name, "error", err)
			}
			continue
		}
		c.attach(db)
		c.active = t.Name
		c.logger.Info("connected", "transport", t.Name, "host", c.cc.Host, "database", c.cc.Database)
		return nil
	}
	c.logger.Error("all connection attempts failed", "attempts", len(connErr.Attempts))
	return connErr
}

func (c *serverConnector) tryTransport(ctx context.Context, t transport) (*sql.DB, error) {
	c.logger.Debug("opening connection", "transport", t.Name, "dsn", redactDSN(t.DSN, c.cc.Password))
	db, err := c.open(t.Driver, t.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", t.Driver, err)
	}
	if c.cc.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cc.ConnectTimeout)*time.Second)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func (c *serverConnector) Disconnect() error {
	c.active = ""
	return c.sqlConnector.Disconnect()
}

// Transport names the transport of the live session, or "" when disconnected.
func (c *serverConnector) Transport() string {
	return c.active
}

// copyFrom streams a batch with the PostgreSQL COPY protocol inside one
// pgx transaction.
func (c *serverConnector) copyFrom(ctx context.Context, batch *Batch, table string) error {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	rows := make([][]any, len(batch.Rows))
	for i, row := range batch.Rows {
		vals := make([]any, len(row))
		for j, v := range row {
			vals[j] = normalizeValue(v, true)
		}
		rows[i] = vals
	}

	return conn.Raw(func(driverConn any) error {
		pgConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("bulk copy needs the pgx driver, got %T", driverConn)
		}
		tx, err := pgConn.Conn().Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		n, err := tx.CopyFrom(ctx, pgx.Identifier{c.schema, table}, batch.Columns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		c.logger.Debug("copied rows", "table", table, "rows", n)
		return nil
	})
}
