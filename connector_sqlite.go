package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

const sqliteBusyTimeout = 5 * time.Second

// embeddedConnector opens a single SQLite file. The source side is opened
// read-only so a migration can never modify it.
type embeddedConnector struct {
	*sqlConnector
	readOnly bool
}

func (c *embeddedConnector) Connect(ctx context.Context) error {
	if c.db != nil {
		return nil
	}
	path := c.cc.Path
	fail := func(err error) error {
		return &ConnectionError{
			Side:     c.side,
			Engine:   c.engine,
			Attempts: []ConnectionAttempt{{Transport: "file", Err: err}},
		}
	}
	if c.readOnly {
		if _, err := os.Stat(path); err != nil {
			return fail(fmt.Errorf("source database file: %w", err))
		}
	}

	uri, err := sqliteURI(path, c.readOnly, sqliteBusyTimeout)
	if err != nil {
		return fail(err)
	}
	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return fail(fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fail(fmt.Errorf("ping sqlite: %w", err))
	}

	c.attach(db)
	c.logger.Info("connected", "path", path, "read_only", c.readOnly)
	return nil
}

// Transport names how the connector reached its database.
func (c *embeddedConnector) Transport() string {
	if c.db == nil {
		return ""
	}
	return "file"
}
