package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Engine type names accepted in source_database.type / target_database.type.
const (
	engineSQLite    = "sqlite"
	engineSQLServer = "sqlserver"
	engineMySQL     = "mysql"
	enginePostgres  = "postgres"
)

// EngineKind separates file-backed engines from networked ones.
type EngineKind int

const (
	KindEmbeddedFile EngineKind = iota
	KindClientServer
)

func (k EngineKind) String() string {
	if k == KindEmbeddedFile {
		return "embedded-file"
	}
	return "client-server"
}

var engineAliases = map[string]string{
	"sqlite":     engineSQLite,
	"sqlite3":    engineSQLite,
	"sqlserver":  engineSQLServer,
	"mssql":      engineSQLServer,
	"mysql":      engineMySQL,
	"postgres":   enginePostgres,
	"postgresql": enginePostgres,
	"pg":         enginePostgres,
}

const (
	defaultBatchSize      = 1000
	defaultWriteChunkSize = 1000
	defaultLogFile        = "migration.log"
)

// MigrationConfig holds the full migration plan. It is loaded once and never
// mutated afterwards.
type MigrationConfig struct {
	Source    DatabaseConfig    `toml:"source_database" yaml:"source_database"`
	Target    DatabaseConfig    `toml:"target_database" yaml:"target_database"`
	Migration MigrationSettings `toml:"migration_settings" yaml:"migration_settings"`
	Tables    TablesConfig      `toml:"tables" yaml:"tables"`
	Logging   LoggingConfig     `toml:"logging" yaml:"logging"`
	Hooks     HooksConfig       `toml:"hooks" yaml:"hooks"`

	// configDir is the directory containing the config file, used to resolve relative paths.
	configDir string
}

// DatabaseConfig identifies one side of the migration.
type DatabaseConfig struct {
	Type       string           `toml:"type" yaml:"type"`
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
}

// Kind reports whether the engine is file-backed or networked.
func (d DatabaseConfig) Kind() EngineKind {
	if d.Type == engineSQLite {
		return KindEmbeddedFile
	}
	return KindClientServer
}

// ConnectionConfig carries the kind-specific connection parameters.
type ConnectionConfig struct {
	Path           string            `toml:"path" yaml:"path"` // sqlite file
	Host           string            `toml:"host" yaml:"host"`
	Server         string            `toml:"server" yaml:"server"` // alias of host
	Port           int               `toml:"port" yaml:"port"`
	Database       string            `toml:"database" yaml:"database"`
	Username       string            `toml:"username" yaml:"username"`
	Password       string            `toml:"password" yaml:"password"`
	Driver         string            `toml:"driver" yaml:"driver"` // preferred transport
	Schema         string            `toml:"schema" yaml:"schema"`
	Socket         string            `toml:"socket" yaml:"socket"`
	SSLMode        string            `toml:"ssl_mode" yaml:"ssl_mode"`
	ConnectTimeout int               `toml:"connect_timeout" yaml:"connect_timeout"` // seconds
	BulkCopy       bool              `toml:"bulk_copy" yaml:"bulk_copy"`             // postgres only
	Params         map[string]string `toml:"params" yaml:"params"`
}

// MigrationSettings tunes the copy loop and error policy.
type MigrationSettings struct {
	BatchSize            int               `toml:"batch_size" yaml:"batch_size"`
	WriteChunkSize       int               `toml:"write_chunk_size" yaml:"write_chunk_size"`
	TruncateTargetTables bool              `toml:"truncate_target_tables" yaml:"truncate_target_tables"`
	CreateTargetTables   bool              `toml:"create_target_tables" yaml:"create_target_tables"`
	PreserveSchema       bool              `toml:"preserve_schema" yaml:"preserve_schema"`
	ContinueOnError      bool              `toml:"continue_on_error" yaml:"continue_on_error"`
	TypeMappings         map[string]string `toml:"type_mappings" yaml:"type_mappings"`
}

// TablesConfig selects and renames tables.
type TablesConfig struct {
	IncludeTables []string          `toml:"include_tables" yaml:"include_tables"`
	ExcludeTables []string          `toml:"exclude_tables" yaml:"exclude_tables"`
	TableMappings map[string]string `toml:"table_mappings" yaml:"table_mappings"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug|info|warn|error
	Format string `toml:"format" yaml:"format"` // text|json
	File   string `toml:"file" yaml:"file"`     // appended to; empty disables file logging
}

// HooksConfig lists SQL files run against the target around the data copy.
type HooksConfig struct {
	BeforeData []string `toml:"before_data" yaml:"before_data"`
	AfterData  []string `toml:"after_data" yaml:"after_data"`
}

func defaultConfig() MigrationConfig {
	return MigrationConfig{
		Migration: MigrationSettings{
			BatchSize:          defaultBatchSize,
			WriteChunkSize:     defaultWriteChunkSize,
			CreateTargetTables: true,
			PreserveSchema:     true,
			ContinueOnError:    true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   defaultLogFile,
		},
	}
}

// loadConfig reads a TOML (or YAML, by extension) config file and returns a
// MigrationConfig with defaults applied. Every failure is a *ConfigError.
func loadConfig(path string) (*MigrationConfig, error) {
	cfg, err := readConfig(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

func readConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	if isYAMLPath(path) {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF; validation then names the missing sections.
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func isYAMLPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *MigrationConfig) normalize() error {
	if err := c.Source.normalize("source_database"); err != nil {
		return err
	}
	if err := c.Target.normalize("target_database"); err != nil {
		return err
	}
	for _, d := range []*DatabaseConfig{&c.Source, &c.Target} {
		if d.Kind() == KindEmbeddedFile && !strings.HasPrefix(d.Connection.Path, "file:") {
			d.Connection.Path = c.resolvePath(d.Connection.Path)
		}
	}

	m := &c.Migration
	if m.BatchSize < 0 {
		return fmt.Errorf("migration_settings.batch_size must be positive")
	}
	if m.BatchSize == 0 {
		m.BatchSize = defaultBatchSize
	}
	if m.WriteChunkSize < 0 {
		return fmt.Errorf("migration_settings.write_chunk_size must be positive")
	}
	if m.WriteChunkSize == 0 {
		m.WriteChunkSize = defaultWriteChunkSize
	}
	if len(m.TypeMappings) > 0 {
		normalized := make(map[string]string, len(m.TypeMappings))
		for k, v := range m.TypeMappings {
			normalized[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		m.TypeMappings = normalized
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	if c.Logging.File != "" {
		c.Logging.File = c.resolvePath(c.Logging.File)
	}
	return nil
}

func (d *DatabaseConfig) normalize(section string) error {
	typ := strings.ToLower(strings.TrimSpace(d.Type))
	if typ == "" {
		return fmt.Errorf("%s.type is required (must be sqlite, sqlserver, mysql or postgres)", section)
	}
	canonical, ok := engineAliases[typ]
	if !ok {
		return fmt.Errorf("unsupported %s.type %q (must be sqlite, sqlserver, mysql or postgres)", section, d.Type)
	}
	d.Type = canonical

	cc := &d.Connection
	cc.expandEnv()

	if d.Kind() == KindEmbeddedFile {
		// Older plan files name the sqlite file "database".
		if cc.Path == "" {
			cc.Path = cc.Database
		}
		if cc.Path == "" {
			return fmt.Errorf("%s.connection.path is required for sqlite", section)
		}
		if isMemorySQLite(cc.Path) {
			return fmt.Errorf("%s.connection.path: in-memory SQLite databases are not supported", section)
		}
		if cc.BulkCopy {
			return fmt.Errorf("%s.connection.bulk_copy is a postgres-only option", section)
		}
		return nil
	}

	if cc.Host == "" {
		cc.Host = cc.Server
	}
	if cc.Host == "" {
		return fmt.Errorf("%s.connection.host is required for %s", section, d.Type)
	}
	if cc.Database == "" {
		return fmt.Errorf("%s.connection.database is required for %s", section, d.Type)
	}
	if cc.Port < 0 || cc.Port > 65535 {
		return fmt.Errorf("%s.connection.port %d is out of range", section, cc.Port)
	}
	if cc.Port == 0 {
		cc.Port = defaultPort(d.Type)
	}
	if cc.ConnectTimeout < 0 {
		return fmt.Errorf("%s.connection.connect_timeout must not be negative", section)
	}
	if cc.BulkCopy && d.Type != enginePostgres {
		return fmt.Errorf("%s.connection.bulk_copy is a postgres-only option", section)
	}
	cc.Driver = strings.ToLower(strings.TrimSpace(cc.Driver))
	if cc.Driver != "" && !knownTransport(d.Type, cc.Driver) {
		return fmt.Errorf("%s.connection.driver %q is not a %s transport (want one of: %s)",
			section, cc.Driver, d.Type, strings.Join(transportOrder[d.Type], ", "))
	}
	return nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvRefs replaces ${NAME} with the environment value. Bare $NAME is
// left alone so passwords containing '$' survive.
func expandEnvRefs(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envRef.FindStringSubmatch(m)[1])
	})
}

func (c *ConnectionConfig) expandEnv() {
	for _, p := range []*string{&c.Path, &c.Host, &c.Server, &c.Database, &c.Username, &c.Password, &c.Schema, &c.Socket} {
		*p = expandEnvRefs(*p)
	}
	for k, v := range c.Params {
		c.Params[k] = expandEnvRefs(v)
	}
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) || c.configDir == "" {
		return p
	}
	return filepath.Join(c.configDir, p)
}

// TargetName returns the configured target name for a source table.
func (c *MigrationConfig) TargetName(source string) string {
	if t, ok := c.Tables.TableMappings[source]; ok && t != "" {
		return t
	}
	return source
}

func defaultPort(engine string) int {
	switch engine {
	case engineSQLServer:
		return 1433
	case engineMySQL:
		return 3306
	case enginePostgres:
		return 5432
	default:
		return 0
	}
}

func isMemorySQLite(path string) bool {
	return path == ":memory:" || path == "file::memory:" || strings.Contains(path, "mode=memory")
}
