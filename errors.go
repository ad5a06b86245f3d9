package main

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTableNotFound is returned when a table has no catalog entry.
	ErrTableNotFound = errors.New("table not found")
	// ErrNotConnected is returned by table operations outside Connect/Disconnect.
	ErrNotConnected = errors.New("connector is not connected")
)

// ConfigError reports a missing, malformed or invalid configuration file.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConnectionAttempt is the outcome of one transport in a connect chain.
type ConnectionAttempt struct {
	Transport string
	Err       error
}

// ConnectionError is returned once every transport of a connector has failed.
type ConnectionError struct {
	Side     string // "source" or "target"
	Engine   string
	Attempts []ConnectionAttempt
}

func (e *ConnectionError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("connect %s %s: no transport attempted", e.Side, e.Engine)
	}
	if len(e.Attempts) == 1 {
		a := e.Attempts[0]
		return fmt.Sprintf("connect %s %s via %s: %v", e.Side, e.Engine, a.Transport, a.Err)
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Transport, a.Err)
	}
	return fmt.Sprintf("connect %s %s: all transports failed (%s)", e.Side, e.Engine, strings.Join(parts, "; "))
}

// Unwrap returns the last attempt's error.
func (e *ConnectionError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// TableError scopes a failure to one table and operation.
type TableError struct {
	Table string
	Op    string // "schema", "create", "truncate", "count", "read", "write", ...
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }

// tableErr wraps err in a TableError unless it already carries one.
func tableErr(table, op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TableError
	if errors.As(err, &te) {
		return err
	}
	return &TableError{Table: table, Op: op, Err: err}
}
