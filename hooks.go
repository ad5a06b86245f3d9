package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// runHooks reads each SQL file, expands {{schema}} to the target schema, and
// executes every statement against the target.
func runHooks(ctx context.Context, target Connector, cfg *MigrationConfig, files []string, phase string, logger *slog.Logger) error {
	if len(files) == 0 {
		return nil
	}
	logger.Info("running hooks", "phase", phase, "files", len(files))

	schema := effectiveSchema(cfg.Target)
	for _, f := range files {
		path := cfg.resolvePath(f)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("hook %s: read %s: %w", phase, f, err)
		}

		script := strings.ReplaceAll(string(data), "{{schema}}", schema)
		logger.Info("hook file", "phase", phase, "file", f, "statements", len(splitStatements(script)))
		if err := target.ExecScript(ctx, script); err != nil {
			return fmt.Errorf("hook %s: %s: %w", phase, f, err)
		}
	}
	return nil
}

// effectiveSchema is the configured schema, or the engine's default.
func effectiveSchema(db DatabaseConfig) string {
	if db.Connection.Schema != "" {
		return db.Connection.Schema
	}
	d, err := newDialect(db.Type)
	if err != nil {
		return ""
	}
	return d.DefaultSchema(db.Connection)
}

// splitStatements splits SQL text on semicolons and on SQL Server "GO"
// batch separator lines. Semicolons inside quotes, bracketed or backticked
// identifiers, comments and dollar-quoted bodies do not split.
func splitStatements(sql string) []string {
	var stmts []string
	var current strings.Builder
	var closeQuote byte // ', ", ] or ` while inside a quoted run
	inLineComment := false
	blockCommentDepth := 0
	dollarTag := ""
	atLineStart := true

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]

		// Inside -- line comment
		if inLineComment {
			current.WriteByte(c)
			if c == '\n' {
				inLineComment = false
				atLineStart = true
			}
			continue
		}

		// Inside /* ... */ block comment (nested)
		if blockCommentDepth > 0 {
			current.WriteByte(c)
			if c == '/' && i+1 < len(sql) && sql[i+1] == '*' {
				current.WriteByte(sql[i+1])
				i++
				blockCommentDepth++
				continue
			}
			if c == '*' && i+1 < len(sql) && sql[i+1] == '/' {
				current.WriteByte(sql[i+1])
				i++
				blockCommentDepth--
			}
			continue
		}

		// Inside a quoted literal or identifier; a doubled closer is an escape.
		if closeQuote != 0 {
			current.WriteByte(c)
			if c == closeQuote {
				if i+1 < len(sql) && sql[i+1] == closeQuote {
					current.WriteByte(sql[i+1])
					i++
				} else {
					closeQuote = 0
				}
			}
			continue
		}

		// Inside dollar-quoted body
		if dollarTag != "" {
			if strings.HasPrefix(sql[i:], dollarTag) {
				current.WriteString(dollarTag)
				i += len(dollarTag) - 1
				dollarTag = ""
				continue
			}
			current.WriteByte(c)
			continue
		}

		if atLineStart {
			if n := goSeparatorLen(sql[i:]); n > 0 {
				flush()
				i += n - 1
				continue
			}
		}
		atLineStart = c == '\n' || (atLineStart && (c == ' ' || c == '\t' || c == '\r'))

		// Not inside any quoted/commented context.
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			current.WriteByte(c)
			current.WriteByte(sql[i+1])
			i++
			inLineComment = true
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			current.WriteByte(c)
			current.WriteByte(sql[i+1])
			i++
			blockCommentDepth = 1
		case c == '\'' || c == '"' || c == '`':
			current.WriteByte(c)
			closeQuote = c
		case c == '[':
			current.WriteByte(c)
			closeQuote = ']'
		case c == '$':
			if tag, ok := parseDollarTag(sql, i); ok {
				current.WriteString(tag)
				i += len(tag) - 1
				dollarTag = tag
				continue
			}
			current.WriteByte(c)
		case c == ';':
			flush()
		default:
			current.WriteByte(c)
		}
	}

	// Trailing statement without semicolon
	flush()
	return stmts
}

// goSeparatorLen returns the length of a GO batch separator line (GO plus
// trailing blanks and the newline) at the start of s, or 0.
func goSeparatorLen(s string) int {
	if len(s) < 2 || !strings.EqualFold(s[:2], "go") {
		return 0
	}
	j := 2
	for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\r') {
		j++
	}
	if j == len(s) {
		return j
	}
	if s[j] == '\n' {
		return j + 1
	}
	return 0
}

func parseDollarTag(sql string, i int) (string, bool) {
	if i >= len(sql) || sql[i] != '$' {
		return "", false
	}
	// $$...$$
	if i+1 < len(sql) && sql[i+1] == '$' {
		return "$$", true
	}

	// $tag$...$tag$ where tag uses identifier chars.
	j := i + 1
	if j >= len(sql) || !isDollarTagStart(sql[j]) {
		return "", false
	}
	for j < len(sql) && isDollarTagChar(sql[j]) {
		j++
	}
	if j < len(sql) && sql[j] == '$' {
		return sql[i : j+1], true
	}
	return "", false
}

func isDollarTagStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDollarTagChar(c byte) bool {
	return isDollarTagStart(c) || (c >= '0' && c <= '9')
}
