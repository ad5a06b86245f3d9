package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Migrator drives one migration run: it owns both connectors, resolves the
// table list and copies each table in turn.
type Migrator struct {
	cfg      *MigrationConfig
	source   Connector
	target   Connector
	mapper   *TypeMapper
	logger   *slog.Logger
	progress progressReporter
}

// buildMigrator creates the source and target connectors described by cfg.
func buildMigrator(cfg *MigrationConfig, logger *slog.Logger, progress progressReporter) (*Migrator, error) {
	source, err := newConnector("source", cfg.Source, cfg.Migration, logger)
	if err != nil {
		return nil, fmt.Errorf("source_database: %w", err)
	}
	target, err := newConnector("target", cfg.Target, cfg.Migration, logger)
	if err != nil {
		return nil, fmt.Errorf("target_database: %w", err)
	}
	return newMigrator(cfg, source, target, logger, progress), nil
}

func newMigrator(cfg *MigrationConfig, source, target Connector, logger *slog.Logger, progress progressReporter) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if progress == nil {
		progress = noProgress{}
	}
	return &Migrator{
		cfg:      cfg,
		source:   source,
		target:   target,
		mapper:   newTypeMapper(cfg.Migration.TypeMappings),
		logger:   logger,
		progress: progress,
	}
}

// ConnectDatabases connects the source, then the target. If the target
// fails the source is disconnected before returning.
func (m *Migrator) ConnectDatabases(ctx context.Context) error {
	m.logger.Info("connecting to source database", "connector", m.source.Name())
	if err := m.source.Connect(ctx); err != nil {
		return err
	}
	m.logger.Info("connecting to target database", "connector", m.target.Name())
	if err := m.target.Connect(ctx); err != nil {
		if derr := m.source.Disconnect(); derr != nil {
			m.logger.Warn("disconnect source", "error", derr)
		}
		return err
	}
	return nil
}

// DisconnectDatabases closes both sides; it is safe to call repeatedly.
func (m *Migrator) DisconnectDatabases() {
	if err := m.source.Disconnect(); err != nil {
		m.logger.Warn("disconnect source", "error", err)
	}
	if err := m.target.Disconnect(); err != nil {
		m.logger.Warn("disconnect target", "error", err)
	}
}

// TablesToMigrate returns source tables in enumeration order, narrowed to
// include_tables when set, minus exclude_tables.
func (m *Migrator) TablesToMigrate(ctx context.Context) ([]string, error) {
	all, err := m.source.GetTables(ctx)
	if err != nil {
		return nil, err
	}
	return filterTables(all, m.cfg.Tables.IncludeTables, m.cfg.Tables.ExcludeTables), nil
}

func filterTables(all, include, exclude []string) []string {
	var inc map[string]bool
	if len(include) > 0 {
		inc = make(map[string]bool, len(include))
		for _, t := range include {
			inc[t] = true
		}
	}
	exc := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		exc[t] = true
	}
	out := make([]string, 0, len(all))
	for _, t := range all {
		if inc != nil && !inc[t] {
			continue
		}
		if exc[t] {
			continue
		}
		out = append(out, t)
	}
	return out
}

// TargetName maps a source table to its target name.
func (m *Migrator) TargetName(source string) string {
	return m.cfg.TargetName(source)
}

// CreateTargetTable creates the target table from the mapped source schema
// unless auto-create is off or the table already exists. Existing target
// tables are never altered.
func (m *Migrator) CreateTargetTable(ctx context.Context, source, target string) error {
	if !m.cfg.Migration.CreateTargetTables {
		return nil
	}
	schema, err := m.source.GetTableSchema(ctx, source)
	if err != nil {
		return err
	}
	exists, err := m.target.TableExists(ctx, target)
	if err != nil {
		return err
	}
	if exists {
		m.logger.Info("target table exists, keeping its definition", "table", target)
		return nil
	}

	mapped := m.mapper.MapSchema(schema)
	if !m.cfg.Migration.PreserveSchema {
		for i := range mapped {
			mapped[i].Nullable = true
		}
	}
	if err := m.target.CreateTable(ctx, target, mapped); err != nil {
		return err
	}
	m.logger.Info("created target table", "table", target, "columns", len(mapped))
	return nil
}

// MigrateTableData copies every row of source into target in batches and
// returns the number of rows written. Reads advance by batch_size until an
// empty batch comes back. Cancellation is honored between batches only.
func (m *Migrator) MigrateTableData(ctx context.Context, source, target string) (int64, error) {
	dbCtx := context.WithoutCancel(ctx)

	if m.cfg.Migration.TruncateTargetTables {
		exists, err := m.target.TableExists(dbCtx, target)
		if err != nil {
			return 0, err
		}
		if exists {
			if err := m.target.TruncateTable(dbCtx, target); err != nil {
				return 0, err
			}
		}
	}

	total, err := m.source.CountRows(dbCtx, source)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		m.logger.Info("source table is empty", "table", source)
		return 0, nil
	}
	m.logger.Info("copying table data", "source", source, "target", target, "total", total)

	batchSize := m.cfg.Migration.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	m.progress.Start(source, total)
	defer m.progress.Done()

	var copied int64
	for offset := 0; ; offset += batchSize {
		if err := ctx.Err(); err != nil {
			return copied, tableErr(source, "read", fmt.Errorf("interrupted at offset %d: %w", offset, err))
		}
		batch, err := m.source.ReadTable(dbCtx, source, batchSize, offset)
		if err != nil {
			return copied, err
		}
		if batch.Len() == 0 {
			break
		}
		if err := m.target.WriteTable(dbCtx, batch, target, WriteAppend); err != nil {
			m.logger.Debug("batch failed", "table", target, "offset", offset, "rows", batch.Len())
			return copied, tableErr(target, "write", err)
		}
		copied += int64(batch.Len())
		m.progress.Add(batch.Len())
		m.logger.Debug("batch written", "table", source, "offset", offset, "rows", batch.Len())
	}
	return copied, nil
}

// Migrate runs the whole migration. Under continue_on_error a failed table
// is recorded in the report and the run goes on; otherwise the first failure
// aborts the run. Both connections are closed on every path.
func (m *Migrator) Migrate(ctx context.Context) (*MigrationReport, error) {
	report := &MigrationReport{}
	start := time.Now()
	dbCtx := context.WithoutCancel(ctx)

	if err := m.ConnectDatabases(dbCtx); err != nil {
		return report, err
	}
	defer m.DisconnectDatabases()

	tables, err := m.TablesToMigrate(dbCtx)
	if err != nil {
		return report, err
	}
	if len(tables) == 0 {
		m.logger.Warn("no tables to migrate")
		return report, nil
	}
	m.logger.Info("resolved tables", "count", len(tables))

	if err := runHooks(dbCtx, m.target, m.cfg, m.cfg.Hooks.BeforeData, "before_data", m.logger); err != nil {
		return report, err
	}

	for _, source := range tables {
		if err := ctx.Err(); err != nil {
			m.logger.Warn("migration interrupted", "next_table", source)
			return report, fmt.Errorf("migration interrupted: %w", err)
		}
		target := m.TargetName(source)
		tableStart := time.Now()
		m.logger.Info("migrating table", "source", source, "target", target)

		rows, err := m.migrateTable(ctx, source, target)
		report.Tables = append(report.Tables, TableReport{Source: source, Target: target, Rows: rows, Err: err})
		if err != nil {
			attrs := []any{"table", source, "error", err}
			var te *TableError
			if errors.As(err, &te) {
				attrs = append(attrs, "op", te.Op)
			}
			m.logger.Error("table migration failed", attrs...)
			if errors.Is(err, context.Canceled) || !m.cfg.Migration.ContinueOnError {
				return report, tableErr(source, "migrate", err)
			}
			continue
		}
		m.logger.Info("table migrated", "source", source, "target", target, "rows", rows,
			"elapsed", time.Since(tableStart).Round(time.Millisecond))
	}

	if err := runHooks(dbCtx, m.target, m.cfg, m.cfg.Hooks.AfterData, "after_data", m.logger); err != nil {
		return report, err
	}

	m.logger.Info("migration finished",
		"tables", len(report.Tables),
		"failed", len(report.Failed()),
		"rows", report.TotalRows(),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return report, nil
}

func (m *Migrator) migrateTable(ctx context.Context, source, target string) (int64, error) {
	if err := m.CreateTargetTable(context.WithoutCancel(ctx), source, target); err != nil {
		return 0, tableErr(source, "create", err)
	}
	return m.MigrateTableData(ctx, source, target)
}

// DryRun connects both sides and resolves the table list without copying.
func (m *Migrator) DryRun(ctx context.Context) ([]string, error) {
	if err := m.ConnectDatabases(ctx); err != nil {
		return nil, err
	}
	defer m.DisconnectDatabases()

	tables, err := m.TablesToMigrate(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tables {
		m.logger.Info("would migrate table", "source", t, "target", m.TargetName(t))
	}
	return tables, nil
}
