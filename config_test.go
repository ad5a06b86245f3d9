package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "test.toml", `
[source_database]
type = "sqlite3"

[source_database.connection]
database = "legacy.db"

[target_database]
type = "mssql"

[target_database.connection]
server = "db.internal"
database = "warehouse"
username = "sa"
password = "secret"
driver = "mssql"

[migration_settings]
batch_size = 250
truncate_target_tables = true
continue_on_error = false

[migration_settings.type_mappings]
text = "NVARCHAR(MAX)"

[tables]
include_tables = ["users", "orders"]
exclude_tables = ["orders"]

[tables.table_mappings]
users = "app_users"

[logging]
level = "DEBUG"
format = "json"
file = "logs/run.log"

[hooks]
before_data = ["pre.sql"]
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	if cfg.Source.Type != engineSQLite {
		t.Errorf("Source.Type = %q, want %q", cfg.Source.Type, engineSQLite)
	}
	if want := filepath.Join(dir, "legacy.db"); cfg.Source.Connection.Path != want {
		t.Errorf("Source.Connection.Path = %q, want %q", cfg.Source.Connection.Path, want)
	}
	if cfg.Target.Type != engineSQLServer {
		t.Errorf("Target.Type = %q, want %q", cfg.Target.Type, engineSQLServer)
	}
	if cfg.Target.Kind() != KindClientServer {
		t.Errorf("Target.Kind() = %v, want client-server", cfg.Target.Kind())
	}
	if cfg.Target.Connection.Host != "db.internal" {
		t.Errorf("Target.Connection.Host = %q, want server alias to fill it", cfg.Target.Connection.Host)
	}
	if cfg.Target.Connection.Port != 1433 {
		t.Errorf("Target.Connection.Port = %d, want 1433", cfg.Target.Connection.Port)
	}
	if cfg.Migration.BatchSize != 250 {
		t.Errorf("BatchSize = %d, want 250", cfg.Migration.BatchSize)
	}
	if cfg.Migration.WriteChunkSize != defaultWriteChunkSize {
		t.Errorf("WriteChunkSize = %d, want default %d", cfg.Migration.WriteChunkSize, defaultWriteChunkSize)
	}
	if !cfg.Migration.TruncateTargetTables || cfg.Migration.ContinueOnError {
		t.Errorf("truncate/continue = %t/%t, want true/false", cfg.Migration.TruncateTargetTables, cfg.Migration.ContinueOnError)
	}
	if !cfg.Migration.CreateTargetTables {
		t.Errorf("CreateTargetTables should default to true")
	}
	if got := cfg.Migration.TypeMappings["TEXT"]; got != "NVARCHAR(MAX)" {
		t.Errorf("TypeMappings[TEXT] = %q, want keys upper-cased", got)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if want := filepath.Join(dir, "logs", "run.log"); cfg.Logging.File != want {
		t.Errorf("Logging.File = %q, want %q", cfg.Logging.File, want)
	}
	if cfg.TargetName("users") != "app_users" || cfg.TargetName("orders") != "orders" {
		t.Errorf("TargetName mapping wrong: users->%q orders->%q", cfg.TargetName("users"), cfg.TargetName("orders"))
	}
	if cfg.configDir != dir {
		t.Errorf("configDir = %q, want %q", cfg.configDir, dir)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "min.toml", `
[source_database]
type = "sqlite"
[source_database.connection]
path = "/data/src.db"

[target_database]
type = "postgres"
[target_database.connection]
host = "localhost"
database = "app"
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Source.Connection.Path != "/data/src.db" {
		t.Errorf("absolute sqlite path rewritten: %q", cfg.Source.Connection.Path)
	}
	if cfg.Target.Connection.Port != 5432 {
		t.Errorf("Port = %d, want 5432", cfg.Target.Connection.Port)
	}
	if cfg.Migration.BatchSize != defaultBatchSize {
		t.Errorf("BatchSize = %d, want %d", cfg.Migration.BatchSize, defaultBatchSize)
	}
	if !cfg.Migration.CreateTargetTables || !cfg.Migration.PreserveSchema || !cfg.Migration.ContinueOnError {
		t.Errorf("boolean defaults wrong: %+v", cfg.Migration)
	}
	if cfg.Migration.TruncateTargetTables {
		t.Errorf("TruncateTargetTables should default to false")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if want := filepath.Join(dir, defaultLogFile); cfg.Logging.File != want {
		t.Errorf("Logging.File = %q, want %q", cfg.Logging.File, want)
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "plan.yaml", `
source_database:
  type: sqlite
  connection:
    database: src.db
target_database:
  type: mysql
  connection:
    host: 127.0.0.1
    database: shop
    username: root
    password: root
migration_settings:
  batch_size: 500
  type_mappings:
    integer: BIGINT
tables:
  exclude_tables: [tmp]
logging:
  level: WARNING
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Target.Type != engineMySQL || cfg.Target.Connection.Port != 3306 {
		t.Errorf("Target = %+v", cfg.Target)
	}
	if cfg.Migration.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.Migration.BatchSize)
	}
	if cfg.Migration.TypeMappings["INTEGER"] != "BIGINT" {
		t.Errorf("TypeMappings = %v", cfg.Migration.TypeMappings)
	}
	if len(cfg.Tables.ExcludeTables) != 1 || cfg.Tables.ExcludeTables[0] != "tmp" {
		t.Errorf("ExcludeTables = %v", cfg.Tables.ExcludeTables)
	}
	if cfg.Logging.Level != "warning" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadConfig_EnvExpansion(t *testing.T) {
	t.Setenv("SQLFERRY_TEST_PASS", "p@ss")
	t.Setenv("SQLFERRY_TEST_HOST", "mssql.local")

	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "env.toml", `
[source_database]
type = "sqlite"
[source_database.connection]
path = "src.db"

[target_database]
type = "sqlserver"
[target_database.connection]
host = "${SQLFERRY_TEST_HOST}"
database = "dw"
password = "${SQLFERRY_TEST_PASS}$literal"
`)

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}
	if cfg.Target.Connection.Host != "mssql.local" {
		t.Errorf("Host = %q", cfg.Target.Connection.Host)
	}
	if cfg.Target.Connection.Password != "p@ss$literal" {
		t.Errorf("Password = %q, want bare $ left alone", cfg.Target.Connection.Password)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	const validSource = `
[source_database]
type = "sqlite"
[source_database.connection]
path = "src.db"
`
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing source type",
			content: "[target_database]\ntype = \"sqlite\"\n",
			wantErr: "source_database.type is required",
		},
		{
			name: "unsupported engine",
			content: validSource + `
[target_database]
type = "oracle"
`,
			wantErr: `unsupported target_database.type "oracle"`,
		},
		{
			name: "unknown key",
			content: validSource + `
[target_database]
type = "sqlite"
[target_database.connection]
path = "dst.db"
[migration_settings]
workers = 4
`,
			wantErr: "unknown config keys: migration_settings.workers",
		},
		{
			name: "missing host",
			content: validSource + `
[target_database]
type = "postgres"
[target_database.connection]
database = "app"
`,
			wantErr: "target_database.connection.host is required",
		},
		{
			name: "missing database",
			content: validSource + `
[target_database]
type = "mysql"
[target_database.connection]
host = "localhost"
`,
			wantErr: "target_database.connection.database is required",
		},
		{
			name: "in-memory sqlite",
			content: `
[source_database]
type = "sqlite"
[source_database.connection]
path = ":memory:"
`,
			wantErr: "in-memory SQLite databases are not supported",
		},
		{
			name: "bulk copy on sqlserver",
			content: validSource + `
[target_database]
type = "sqlserver"
[target_database.connection]
host = "h"
database = "d"
bulk_copy = true
`,
			wantErr: "bulk_copy is a postgres-only option",
		},
		{
			name: "unknown transport",
			content: validSource + `
[target_database]
type = "mysql"
[target_database.connection]
host = "h"
database = "d"
driver = "odbc"
`,
			wantErr: `driver "odbc" is not a mysql transport`,
		},
		{
			name: "port out of range",
			content: validSource + `
[target_database]
type = "postgres"
[target_database.connection]
host = "h"
database = "d"
port = 70000
`,
			wantErr: "port 70000 is out of range",
		},
		{
			name: "negative batch size",
			content: validSource + `
[target_database]
type = "sqlite"
[target_database.connection]
path = "dst.db"
[migration_settings]
batch_size = -1
`,
			wantErr: "batch_size must be positive",
		},
		{
			name: "bad log format",
			content: validSource + `
[target_database]
type = "sqlite"
[target_database.connection]
path = "dst.db"
[logging]
format = "xml"
`,
			wantErr: "logging.format must be one of",
		},
		{
			name:    "malformed toml",
			content: "[source_database\n",
			wantErr: "parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.toml", tt.content)
			_, err := loadConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %q, want it to contain %q", err, tt.wantErr)
			}
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("error %T is not a *ConfigError", err)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist in chain, got %v", err)
	}
}

func TestLoadConfig_Templates(t *testing.T) {
	for _, name := range []string{"migration.toml", "migration.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := writeConfigTemplate(path, false); err != nil {
				t.Fatalf("writeConfigTemplate() error: %v", err)
			}
			cfg, err := loadConfig(path)
			if err != nil {
				t.Fatalf("template does not load: %v", err)
			}
			if cfg.Source.Type != engineSQLite || cfg.Target.Type != engineSQLServer {
				t.Errorf("template engines = %s -> %s", cfg.Source.Type, cfg.Target.Type)
			}
			if cfg.Migration.TypeMappings["TEXT"] != "NVARCHAR(MAX)" {
				t.Errorf("template type mappings = %v", cfg.Migration.TypeMappings)
			}

			if err := writeConfigTemplate(path, false); err == nil {
				t.Fatal("expected refusal to overwrite without force")
			}
			if err := writeConfigTemplate(path, true); err != nil {
				t.Fatalf("overwrite with force: %v", err)
			}
		})
	}
}
