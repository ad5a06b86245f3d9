package main

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// transport is one way of reaching a client-server engine: a database/sql
// driver name plus the DSN it understands.
type transport struct {
	Name   string
	Driver string
	DSN    string
}

// transportOrder lists each engine's transports, preferred first.
var transportOrder = map[string][]string{
	engineSQLServer: {"sqlserver", "mssql"},
	engineMySQL:     {"tcp", "unix"},
	enginePostgres:  {"tcp", "unix"},
}

const (
	defaultMySQLSocket    = "/var/run/mysqld/mysqld.sock"
	defaultPostgresSocket = "/var/run/postgresql"
)

func knownTransport(engine, name string) bool {
	for _, n := range transportOrder[engine] {
		if n == name {
			return true
		}
	}
	return false
}

// transportNames returns the engine's transports with the preferred one first.
func transportNames(engine, preferred string) []string {
	names := transportOrder[engine]
	if preferred == "" || !knownTransport(engine, preferred) {
		return append([]string(nil), names...)
	}
	out := []string{preferred}
	for _, n := range names {
		if n != preferred {
			out = append(out, n)
		}
	}
	return out
}

// buildTransports returns the ordered transport chain for a client-server connection.
func buildTransports(engine string, cc ConnectionConfig) ([]transport, error) {
	var out []transport
	for _, name := range transportNames(engine, cc.Driver) {
		t, err := buildTransport(engine, name, cc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no transports known for engine %q", engine)
	}
	return out, nil
}

func buildTransport(engine, name string, cc ConnectionConfig) (transport, error) {
	switch engine {
	case engineSQLServer:
		if name == "mssql" {
			return transport{Name: name, Driver: "mssql", DSN: sqlServerADODSN(cc)}, nil
		}
		return transport{Name: name, Driver: "sqlserver", DSN: sqlServerURLDSN(cc)}, nil
	case engineMySQL:
		dsn, err := mysqlDSN(cc, name)
		if err != nil {
			return transport{}, err
		}
		return transport{Name: name, Driver: "mysql", DSN: dsn}, nil
	case enginePostgres:
		return transport{Name: name, Driver: "pgx", DSN: postgresDSN(cc, name)}, nil
	default:
		return transport{}, fmt.Errorf("engine %q has no network transports", engine)
	}
}

// --- SQL Server ---

func sqlServerURLDSN(cc ConnectionConfig) string {
	q := url.Values{}
	q.Set("database", cc.Database)
	if cc.SSLMode != "" {
		q.Set("encrypt", cc.SSLMode)
	}
	if cc.ConnectTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(cc.ConnectTimeout))
		q.Set("dial timeout", strconv.Itoa(cc.ConnectTimeout))
	}
	for _, k := range sortedKeys(cc.Params) {
		q.Set(k, cc.Params[k])
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cc.Username, cc.Password),
		Host:     net.JoinHostPort(cc.Host, strconv.Itoa(cc.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// sqlServerADODSN builds the key=value form used by the fallback transport.
// It trusts the server certificate, which is what lets it reach servers with
// self-signed certificates that the URL transport rejects.
func sqlServerADODSN(cc ConnectionConfig) string {
	parts := []string{
		"server=" + adoValue(cc.Host),
		"port=" + strconv.Itoa(cc.Port),
		"user id=" + adoValue(cc.Username),
		"password=" + adoValue(cc.Password),
		"database=" + adoValue(cc.Database),
		"TrustServerCertificate=true",
	}
	if cc.SSLMode != "" {
		parts = append(parts, "encrypt="+adoValue(cc.SSLMode))
	}
	if cc.ConnectTimeout > 0 {
		parts = append(parts, "connection timeout="+strconv.Itoa(cc.ConnectTimeout))
	}
	for _, k := range sortedKeys(cc.Params) {
		parts = append(parts, k+"="+adoValue(cc.Params[k]))
	}
	return strings.Join(parts, ";")
}

func adoValue(v string) string {
	if !strings.ContainsAny(v, `;"`) && strings.TrimSpace(v) == v {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// --- MySQL ---

func mysqlDSN(cc ConnectionConfig, transportName string) (string, error) {
	cfg := mysql.NewConfig()
	cfg.User = cc.Username
	cfg.Passwd = cc.Password
	cfg.DBName = cc.Database
	switch transportName {
	case "unix":
		cfg.Net = "unix"
		cfg.Addr = cc.Socket
		if cfg.Addr == "" {
			cfg.Addr = defaultMySQLSocket
		}
	default:
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(cc.Host, strconv.Itoa(cc.Port))
	}
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.Loc = time.UTC
	if cc.ConnectTimeout > 0 {
		cfg.Timeout = time.Duration(cc.ConnectTimeout) * time.Second
	}
	if cc.SSLMode != "" {
		cfg.TLSConfig = cc.SSLMode
	}
	if len(cc.Params) > 0 {
		cfg.Params = make(map[string]string, len(cc.Params))
		for k, v := range cc.Params {
			cfg.Params[k] = v
		}
	}
	// Round-trip through the parser so a bad tls value fails here, not at connect.
	dsn := cfg.FormatDSN()
	if _, err := mysql.ParseDSN(dsn); err != nil {
		return "", fmt.Errorf("build mysql dsn: %w", err)
	}
	return dsn, nil
}

// --- PostgreSQL ---

func postgresDSN(cc ConnectionConfig, transportName string) string {
	host := cc.Host
	if transportName == "unix" {
		host = cc.Socket
		if host == "" {
			host = defaultPostgresSocket
		}
	}
	kv := [][2]string{
		{"host", host},
		{"port", strconv.Itoa(cc.Port)},
		{"dbname", cc.Database},
	}
	if cc.Username != "" {
		kv = append(kv, [2]string{"user", cc.Username})
	}
	if cc.Password != "" {
		kv = append(kv, [2]string{"password", cc.Password})
	}
	if cc.SSLMode != "" {
		kv = append(kv, [2]string{"sslmode", cc.SSLMode})
	} else if transportName == "unix" {
		kv = append(kv, [2]string{"sslmode", "disable"})
	}
	if cc.ConnectTimeout > 0 {
		kv = append(kv, [2]string{"connect_timeout", strconv.Itoa(cc.ConnectTimeout)})
	}
	for _, k := range sortedKeys(cc.Params) {
		kv = append(kv, [2]string{k, cc.Params[k]})
	}

	parts := make([]string, len(kv))
	for i, p := range kv {
		parts[i] = p[0] + "=" + pgConnValue(p[1])
	}
	return strings.Join(parts, " ")
}

// pgConnValue quotes a keyword/value connection string value when needed.
func pgConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// --- SQLite ---

// sqliteURI turns a path or file: URI into the URI the driver opens.
// Read-only opens force mode=ro; writable opens create the file if needed.
func sqliteURI(path string, readOnly bool, busyTimeout time.Duration) (string, error) {
	if isMemorySQLite(path) {
		return "", fmt.Errorf("in-memory SQLite databases are not supported (each sql.Open gets a separate DB)")
	}

	mode := "rwc"
	if readOnly {
		mode = "ro"
	}

	var u *url.URL
	if strings.HasPrefix(path, "file:") {
		parsed, err := url.Parse(path)
		if err != nil {
			return "", fmt.Errorf("parse sqlite URI: %w", err)
		}
		u = parsed
	} else {
		u = &url.URL{Scheme: "file", Opaque: (&url.URL{Path: path}).EscapedPath()}
	}
	q := u.Query()
	q.Set("mode", mode)
	if busyTimeout > 0 {
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// redactDSN hides passwords before a DSN reaches a log line.
func redactDSN(dsn, password string) string {
	if password == "" {
		return dsn
	}
	out := strings.ReplaceAll(dsn, password, "***")
	if esc := url.QueryEscape(password); esc != password {
		out = strings.ReplaceAll(out, esc, "***")
	}
	if esc := url.PathEscape(password); esc != password {
		out = strings.ReplaceAll(out, esc, "***")
	}
	return out
}
