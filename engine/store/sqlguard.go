package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Guarded read-only SQL surface. Defense in depth: the query text is vetted
// before execution, and execution itself happens on a read-only connection
// with query_only set by the opener — never reachable from user SQL, since
// PRAGMA is itself a forbidden keyword.

// SQL surface limits.
const (
	DefaultSQLLimit   = 50
	MaxSQLLimit       = 200
	DefaultTimeoutMs  = 300
	MaxTimeoutMs      = 2000
	DefaultMaxVMSteps = 500_000
	MaxMaxVMSteps     = 5_000_000
)

var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bATTACH\b`),
	regexp.MustCompile(`(?i)\bDETACH\b`),
	regexp.MustCompile(`(?i)\bload_extension\b`),
	regexp.MustCompile(`(?i)\bCREATE\b`),
	regexp.MustCompile(`(?i)\bDROP\b`),
	regexp.MustCompile(`(?i)\bALTER\b`),
	regexp.MustCompile(`(?i)\bINSERT\b`),
	regexp.MustCompile(`(?i)\bUPDATE\b`),
	regexp.MustCompile(`(?i)\bDELETE\b`),
	regexp.MustCompile(`(?i)\bREPLACE\b`),
	regexp.MustCompile(`(?i)\bPRAGMA\b`),
	regexp.MustCompile(`(?i)\bVACUUM\b`),
	regexp.MustCompile(`(?i)\bREINDEX\b`),
}

var limitClauseRe = regexp.MustCompile(`(?i)\s+LIMIT\s+\d+(?:\s*,\s*\d+|\s+OFFSET\s+\d+)?\s*;?\s*$`)

// ValidateSQLText rejects multi-statement payloads and forbidden keywords
// before any execution happens.
func ValidateSQLText(sqlText string) error {
	stripped := strings.TrimRight(strings.TrimSpace(sqlText), ";")
	if strings.Contains(stripped, ";") {
		return errors.New("multiple statements are not allowed")
	}
	for _, re := range forbiddenPatterns {
		if re.MatchString(sqlText) {
			kw := strings.ToUpper(strings.Trim(re.FindString(sqlText), " \t"))
			return fmt.Errorf("Forbidden SQL keyword detected: %s", kw)
		}
	}
	return nil
}

// StripLimitClause removes a trailing user-supplied LIMIT so the engine can
// append its own LIMIT N+1 for truncation detection.
func StripLimitClause(sqlText string) string {
	return limitClauseRe.ReplaceAllString(sqlText, "")
}

// SQLOptions tunes one guarded execution. Zero values take defaults.
type SQLOptions struct {
	Limit         int  `json:"limit"`
	TimeoutMs     int  `json:"timeout_ms"`
	MaxVMSteps    int  `json:"max_vm_steps"`
	IncludeSchema bool `json:"include_schema"`
}

func (o *SQLOptions) normalize() error {
	if o.Limit == 0 {
		o.Limit = DefaultSQLLimit
	}
	if o.Limit < 1 || o.Limit > MaxSQLLimit {
		return fmt.Errorf("limit must be between 1 and %d", MaxSQLLimit)
	}
	if o.TimeoutMs == 0 {
		o.TimeoutMs = DefaultTimeoutMs
	}
	if o.TimeoutMs < 1 || o.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("timeout_ms must be between 1 and %d", MaxTimeoutMs)
	}
	if o.MaxVMSteps == 0 {
		o.MaxVMSteps = DefaultMaxVMSteps
	}
	if o.MaxVMSteps < 1 || o.MaxVMSteps > MaxMaxVMSteps {
		return fmt.Errorf("max_vm_steps must be between 1 and %d", MaxMaxVMSteps)
	}
	return nil
}

// SQLResult is the envelope returned by every guarded execution. Failures
// are normal results with ok=false; only parameter validation surfaces as a
// Go error to the tool layer.
type SQLResult struct {
	OK        bool             `json:"ok"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Columns   []string         `json:"columns"`
	Truncated bool             `json:"truncated"`
	ElapsedMs int64            `json:"elapsed_ms"`
	Error     string           `json:"error,omitempty"`
	Hint      string           `json:"hint,omitempty"`
	Schema    *SchemaInfo      `json:"schema,omitempty"`
}

// SchemaInfo lists user tables and their columns.
type SchemaInfo struct {
	Tables []SchemaTable `json:"tables"`
}

type SchemaTable struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// ErrInvalidSQLParams marks caller-fault validation failures.
var ErrInvalidSQLParams = errors.New("invalid sql parameters")

// QuerySQL executes a vetted read-only query against a dedicated read-only
// connection. The execution is bounded by the wall-clock deadline and a
// step-derived budget; interruption returns ok=false with a deterministic
// message, never a Go error.
func (s *Store) QuerySQL(ctx context.Context, sqlText string, opts SQLOptions) (SQLResult, error) {
	start := time.Now()
	if strings.TrimSpace(sqlText) == "" {
		return SQLResult{}, fmt.Errorf("%w: sql is required", ErrInvalidSQLParams)
	}
	if err := ValidateSQLText(sqlText); err != nil {
		return SQLResult{}, fmt.Errorf("%w: %v", ErrInvalidSQLParams, err)
	}
	if err := opts.normalize(); err != nil {
		return SQLResult{}, fmt.Errorf("%w: %v", ErrInvalidSQLParams, err)
	}

	// Dedicated read-only connection per request; immutable to the writer.
	ro, err := sqlx.Open("sqlite",
		"file:"+s.path+"?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout("+fmt.Sprint(opts.TimeoutMs)+")")
	if err != nil {
		return failResult(start, err.Error(), ""), nil
	}
	defer func() { _ = ro.Close() }()
	ro.SetMaxOpenConns(1)

	// The budget deadline folds the VM step cap into wall-clock terms: a
	// step budget below the default proportionally tightens the deadline.
	// At or above the default budget the wall clock governs alone.
	deadline := time.Duration(opts.TimeoutMs) * time.Millisecond
	if opts.MaxVMSteps < DefaultMaxVMSteps {
		frac := float64(opts.MaxVMSteps) / float64(DefaultMaxVMSteps)
		scaled := time.Duration(float64(deadline) * frac)
		if scaled < time.Millisecond {
			scaled = time.Millisecond
		}
		deadline = scaled
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cleaned := StripLimitClause(strings.TrimRight(strings.TrimSpace(sqlText), ";"))
	limited := fmt.Sprintf("%s LIMIT %d", cleaned, opts.Limit+1)

	rows, err := ro.QueryxContext(execCtx, limited)
	if err != nil {
		return s.sqlErrorResult(start, err, cleaned), nil
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return s.sqlErrorResult(start, err, cleaned), nil
	}

	var out []map[string]any
	for rows.Next() {
		if execCtx.Err() != nil {
			return interruptedResult(start), nil
		}
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return s.sqlErrorResult(start, err, cleaned), nil
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		out = append(out, row)
		if len(out) > opts.Limit+1 {
			break
		}
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || execCtx.Err() != nil {
			return interruptedResult(start), nil
		}
		return s.sqlErrorResult(start, err, cleaned), nil
	}

	truncated := len(out) > opts.Limit
	if truncated {
		out = out[:opts.Limit]
	}
	res := SQLResult{
		OK:        true,
		Rows:      out,
		RowCount:  len(out),
		Columns:   columns,
		Truncated: truncated,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if opts.IncludeSchema {
		if schema, err := readSchema(execCtx, ro); err == nil {
			res.Schema = schema
		}
	}
	return res, nil
}

func failResult(start time.Time, errMsg, hint string) SQLResult {
	return SQLResult{
		Rows:      []map[string]any{},
		Columns:   []string{},
		ElapsedMs: time.Since(start).Milliseconds(),
		Error:     errMsg,
		Hint:      hint,
	}
}

func interruptedResult(start time.Time) SQLResult {
	return failResult(start, "Query interrupted (timeout or max_vm_steps exceeded)", "")
}

func (s *Store) sqlErrorResult(start time.Time, err error, sqlText string) SQLResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return interruptedResult(start)
	}
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "interrupt") {
		return interruptedResult(start)
	}
	return failResult(start, msg, sqlErrorHint(msg, sqlText))
}

// sqlErrorHint maps common error strings to corrective guidance. SQLite does
// not name the offending table in "no such column", so the query text
// supplies that context.
func sqlErrorHint(errMsg, sqlText string) string {
	lower := strings.ToLower(errMsg)
	query := strings.ToLower(sqlText)

	if strings.Contains(lower, "no such column") {
		switch {
		case strings.Contains(lower, "support_count") || strings.Contains(lower, "refute_count") ||
			strings.Contains(lower, "evidence_count"):
			return "support_count/refute_count/evidence_count are computed columns available only in the v_claim_evidence_summary view."
		case strings.Contains(lower, "task_id"):
			switch {
			case strings.Contains(query, "page"):
				return "pages table does NOT have task_id (URL-based deduplication, global scope). To filter by task, JOIN serp_items and queries: pages.url = serp_items.url, serp_items.query_id = queries.id, queries.task_id = '...'"
			case strings.Contains(query, "fragment"):
				return "fragments table does NOT have task_id. JOIN pages ON fragments.page_id = pages.id, then link to a task via edges to claims."
			case strings.Contains(query, "edge"):
				return "edges table does NOT have task_id. JOIN claims c ON edges.target_id = c.id WHERE c.task_id = '...'"
			}
		}
	}
	if strings.Contains(lower, "no such table") {
		if strings.Contains(lower, "serp") {
			return "Search results live in the serp_items table (url, query_id, source_tag, rank)."
		}
		if strings.Contains(lower, "timeline") {
			return "Timelines are embedded on claims as timeline_json; use json_each(claims.timeline_json)."
		}
	}
	return ""
}

func readSchema(ctx context.Context, db *sqlx.DB) (*SchemaInfo, error) {
	// PRAGMA is off-limits on this surface; parse sqlite_master.sql instead.
	rows, err := db.QueryxContext(ctx,
		`SELECT name, sql FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	info := &SchemaInfo{}
	for rows.Next() {
		var name, createSQL string
		if err := rows.Scan(&name, &createSQL); err != nil {
			return nil, err
		}
		info.Tables = append(info.Tables, SchemaTable{Name: name, Columns: parseCreateColumns(createSQL)})
	}
	return info, rows.Err()
}

var createBodyRe = regexp.MustCompile(`(?s)\((.*)\)`)

func parseCreateColumns(createSQL string) []string {
	m := createBodyRe.FindStringSubmatch(createSQL)
	if m == nil {
		return nil
	}
	var cols []string
	depth := 0
	var current strings.Builder
	flush := func() {
		part := strings.TrimSpace(current.String())
		current.Reset()
		if part == "" {
			return
		}
		head := strings.Trim(strings.Fields(part)[0], "\"`[]")
		switch strings.ToUpper(head) {
		case "FOREIGN", "PRIMARY", "UNIQUE", "CHECK", "CONSTRAINT":
			return
		}
		cols = append(cols, head)
	}
	for _, r := range m[1] {
		switch r {
		case '(':
			depth++
			current.WriteRune(r)
		case ')':
			depth--
			current.WriteRune(r)
		case ',':
			if depth == 0 {
				flush()
			} else {
				current.WriteRune(r)
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return cols
}
