package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "migration.toml"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "sqlferry",
		Short:         "Copy tables and data between SQLite, SQL Server, MySQL and PostgreSQL",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to migration config (TOML, or YAML by extension)")

	root.AddCommand(
		newMigrateCmd(opts),
		newValidateCmd(opts),
		newListTablesCmd(opts),
		newShowSchemaCmd(opts),
		newInitConfigCmd(),
		newTestConnectionCmd(opts),
		newVersionCmd(),
	)
	return root
}

// session bundles what every config-driven command needs.
type session struct {
	cfg    *MigrationConfig
	logger *slog.Logger
	closer io.Closer
}

func (r *session) Close() {
	_ = r.closer.Close()
}

func openSession(cmd *cobra.Command, opts *rootOptions) (*session, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	logger.Debug("loaded config", "path", opts.configPath,
		"source", cfg.Source.Type, "target", cfg.Target.Type)
	return &session{cfg: cfg, logger: logger, closer: closer}, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	var dryRun, validate, quiet bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy every selected table from source to target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			var progress progressReporter = noProgress{}
			if !quiet && !dryRun {
				progress = newBarProgress(cmd.ErrOrStderr())
			}
			m, err := buildMigrator(rt.cfg, rt.logger, progress)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if dryRun {
				tables, err := m.DryRun(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out, "dry run: no data will be written")
				renderTableList(out, tables)
				return nil
			}

			report, err := m.Migrate(cmd.Context())
			renderMigrationReport(out, report)
			if err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				_, _ = fmt.Fprintf(out, "migration finished with %d failed table(s); see the log for details\n", len(failed))
			}

			if validate {
				result, err := m.ValidateMigration(cmd.Context())
				renderValidation(out, result)
				if err != nil {
					return err
				}
				if !result.Success {
					return errors.New("validation failed")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "connect and resolve the table list without copying")
	cmd.Flags().BoolVar(&validate, "validate", false, "compare row counts after migrating")
	cmd.Flags().BoolVar(&quiet, "no-progress", false, "disable progress bars")
	return cmd
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Compare source and target row counts per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, err := buildMigrator(rt.cfg, rt.logger, nil)
			if err != nil {
				return err
			}
			result, err := m.ValidateMigration(cmd.Context())
			renderValidation(cmd.OutOrStdout(), result)
			if err != nil {
				return err
			}
			if !result.Success {
				return errors.New("validation failed")
			}
			return nil
		},
	}
}

// withSource connects only the source side for read-only inspection commands.
func withSource(cmd *cobra.Command, opts *rootOptions, fn func(rt *session, src Connector) error) error {
	rt, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	src, err := newConnector("source", rt.cfg.Source, rt.cfg.Migration, rt.logger)
	if err != nil {
		return err
	}
	if err := src.Connect(cmd.Context()); err != nil {
		return err
	}
	defer func() { _ = src.Disconnect() }()
	return fn(rt, src)
}

func newListTablesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list-tables",
		Short: "List the tables of the source database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSource(cmd, opts, func(_ *session, src Connector) error {
				tables, err := src.GetTables(cmd.Context())
				if err != nil {
					return err
				}
				renderTableList(cmd.OutOrStdout(), tables)
				return nil
			})
		},
	}
}

func newShowSchemaCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show-schema TABLE",
		Short: "Show a source table's columns and their mapped target types",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSource(cmd, opts, func(rt *session, src Connector) error {
				schema, err := src.GetTableSchema(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				renderSchema(cmd.OutOrStdout(), args[0], schema, newTypeMapper(rt.cfg.Migration.TypeMappings))
				return nil
			})
		},
	}
}

func newInitConfigCmd() *cobra.Command {
	var output string
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a starter migration config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := writeConfigTemplate(output, force); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s; edit the connection settings before migrating\n", output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", defaultConfigPath, "where to write the template (.yaml/.yml writes YAML)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// transportReporter is implemented by connectors that can say how they connected.
type transportReporter interface {
	Transport() string
}

func newTestConnectionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test-connection",
		Short: "Connect to source and target and report the transport used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			out := cmd.OutOrStdout()
			var errs []error
			for _, side := range []struct {
				name string
				db   DatabaseConfig
			}{{"source", rt.cfg.Source}, {"target", rt.cfg.Target}} {
				conn, err := newConnector(side.name, side.db, rt.cfg.Migration, rt.logger)
				if err == nil {
					err = conn.Connect(cmd.Context())
				}
				if err != nil {
					_, _ = fmt.Fprintf(out, "%s (%s): FAILED: %v\n", side.name, side.db.Type, err)
					errs = append(errs, err)
					continue
				}
				via := ""
				if tr, ok := conn.(transportReporter); ok {
					via = tr.Transport()
				}
				_, _ = fmt.Fprintf(out, "%s (%s): OK via %s\n", side.name, side.db.Type, via)
				_ = conn.Disconnect()
			}
			return errors.Join(errs...)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the sqlferry version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "sqlferry "+versionString())
		},
	}
}
