package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"argus/engine/store"
)

// QuerySQL executes a guarded read-only SQL query against the evidence
// graph. Forbidden keywords are rejected up front; budget interruption comes
// back as ok=false in the envelope, not as an error.
//
// Args: sql (required), options{limit?, timeout_ms?, max_vm_steps?,
// include_schema?}.
func (s *Service) QuerySQL(ctx context.Context, args map[string]any) (map[string]any, error) {
	sqlText := argString(args, "sql")
	if sqlText == "" {
		return nil, invalidParams("sql is required", "sql", "non-empty string")
	}
	options := argMap(args, "options")

	limit, err := boundedOption(options, "limit", store.DefaultSQLLimit, 1, store.MaxSQLLimit)
	if err != nil {
		return nil, invalidParams(err.Error(), "options.limit", "integer 1-200")
	}
	timeoutMs, err := boundedOption(options, "timeout_ms", store.DefaultTimeoutMs, 1, store.MaxTimeoutMs)
	if err != nil {
		return nil, invalidParams(err.Error(), "options.timeout_ms", "integer 1-2000")
	}
	maxVMSteps, err := boundedOption(options, "max_vm_steps", store.DefaultMaxVMSteps, 1, store.MaxMaxVMSteps)
	if err != nil {
		return nil, invalidParams(err.Error(), "options.max_vm_steps", "integer 1-5000000")
	}

	res, qerr := s.store.QuerySQL(ctx, sqlText, store.SQLOptions{
		Limit:         limit,
		TimeoutMs:     timeoutMs,
		MaxVMSteps:    maxVMSteps,
		IncludeSchema: argBool(options, "include_schema", false),
	})
	if qerr != nil {
		if errors.Is(qerr, store.ErrInvalidSQLParams) {
			msg := strings.TrimPrefix(qerr.Error(), store.ErrInvalidSQLParams.Error()+": ")
			if strings.Contains(msg, "Forbidden") || strings.Contains(msg, "statements") {
				return nil, invalidParams(msg, "sql", "read-only SELECT query")
			}
			return nil, invalidParams(msg, "options", "limit 1-200, timeout_ms 1-2000, max_vm_steps 1-5000000")
		}
		return nil, internalErr(qerr.Error())
	}

	out := map[string]any{
		"ok":         res.OK,
		"rows":       res.Rows,
		"row_count":  res.RowCount,
		"columns":    res.Columns,
		"truncated":  res.Truncated,
		"elapsed_ms": res.ElapsedMs,
	}
	if res.Error != "" {
		out["error"] = res.Error
		if strings.Contains(res.Error, "interrupted") {
			out["error_kind"] = string(KindInterrupted)
		}
	}
	if res.Hint != "" {
		out["hint"] = res.Hint
	}
	if res.Schema != nil {
		out["schema"] = res.Schema
	}
	return out, nil
}

// boundedOption reads an optional integer option. An absent key takes the
// default; a present key must be an integer within [min, max] — an explicit
// zero is out of range, not "use the default".
func boundedOption(options map[string]any, key string, def, min, max int) (int, error) {
	if _, present := options[key]; !present {
		return def, nil
	}
	v, ok := argInt(options, key, def)
	if !ok {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d", key, min, max)
	}
	return v, nil
}
