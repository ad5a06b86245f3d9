package main

// Column is one column of a source table, in declared ordinal order.
type Column struct {
	Name     string
	Type     string // source type name as the engine reports it, e.g. "VARCHAR(255)", "nvarchar"
	Nullable bool
}

// TableSchema is the ordered column list of a table. It is recomputed per
// table and never persisted.
type TableSchema []Column

// ColumnNames returns the column names in ordinal order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// Row holds scalar values aligned to Batch.Columns.
type Row []any

// Batch is a bounded page of rows moved in one read/write cycle.
type Batch struct {
	Columns []string
	Rows    []Row
}

// Len returns the number of rows in the batch; a nil batch is empty.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// WriteMode controls how WriteTable treats existing target rows.
type WriteMode int

const (
	// WriteAppend inserts rows after whatever the table already holds.
	WriteAppend WriteMode = iota
	// WriteReplace truncates the table, then appends.
	WriteReplace
)

func (m WriteMode) String() string {
	switch m {
	case WriteAppend:
		return "append"
	case WriteReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// TableValidation is the per-table outcome of a validation pass.
type TableValidation struct {
	Target     string
	Exists     bool
	SourceRows int64
	TargetRows int64
	Match      bool
}

// ValidationResult is built fresh on every validation pass.
type ValidationResult struct {
	Success bool
	Tables  map[string]TableValidation // keyed by source table name
	Order   []string                   // source table names in resolution order
	Errors  []string
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{
		Success: true,
		Tables:  make(map[string]TableValidation),
	}
}

func (r *ValidationResult) fail(msg string) {
	r.Success = false
	r.Errors = append(r.Errors, msg)
}

// TableReport records what happened to one table during Migrate.
type TableReport struct {
	Source string
	Target string
	Rows   int64
	Err    error
}

// MigrationReport summarizes a Migrate run. A run that finished under the
// continue-on-error policy may still carry failed tables.
type MigrationReport struct {
	Tables []TableReport
}

// Failed returns the reports of tables that did not migrate.
func (r *MigrationReport) Failed() []TableReport {
	var out []TableReport
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// TotalRows returns the number of rows copied across all tables.
func (r *MigrationReport) TotalRows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}
