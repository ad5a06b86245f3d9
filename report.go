package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

func renderValidation(w io.Writer, r *ValidationResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Source", "Target", "Source rows", "Target rows", "Status"})
	for _, name := range r.Order {
		tv := r.Tables[name]
		status := "OK"
		switch {
		case !tv.Exists:
			status = "MISSING"
		case !tv.Match:
			status = "MISMATCH"
		}
		t.AppendRow(table.Row{name, tv.Target, tv.SourceRows, tv.TargetRows, status})
	}
	t.Render()

	for _, msg := range r.Errors {
		_, _ = fmt.Fprintf(w, "error: %s\n", msg)
	}
	if r.Success {
		_, _ = fmt.Fprintln(w, "validation passed")
	} else {
		_, _ = fmt.Fprintln(w, "validation FAILED")
	}
}

func renderMigrationReport(w io.Writer, r *MigrationReport) {
	if len(r.Tables) == 0 {
		_, _ = fmt.Fprintln(w, "(0 tables)")
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Source", "Target", "Rows", "Result"})
	for _, tr := range r.Tables {
		result := "ok"
		if tr.Err != nil {
			result = tr.Err.Error()
		}
		t.AppendRow(table.Row{tr.Source, tr.Target, tr.Rows, result})
	}
	t.AppendFooter(table.Row{"", "", r.TotalRows(), fmt.Sprintf("%d failed", len(r.Failed()))})
	t.Render()
}

func renderTableList(w io.Writer, tables []string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Table"})
	for i, name := range tables {
		t.AppendRow(table.Row{i + 1, name})
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d tables)\n", len(tables))
}

func renderSchema(w io.Writer, tableName string, schema TableSchema, mapper *TypeMapper) {
	_, _ = fmt.Fprintf(w, "Table: %s\n", tableName)
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Column", "Type", "Target type", "Nullable"})
	for _, col := range schema {
		t.AppendRow(table.Row{col.Name, col.Type, mapper.MapType(col.Type), col.Nullable})
	}
	t.Render()
}
