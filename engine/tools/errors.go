// Package tools exposes the command-style RPC surface: JSON-like maps in,
// JSON-like maps out, envelope errors with stable kinds. Tools never
// process-exit.
package tools

import "fmt"

// ErrKind is the stable error taxonomy carried in envelopes.
type ErrKind string

const (
	KindInvalidParams     ErrKind = "invalid_params"
	KindNotFound          ErrKind = "not_found"
	KindPolicyRejected    ErrKind = "policy_rejected"
	KindTransientExternal ErrKind = "transient_external"
	KindInterrupted       ErrKind = "interrupted"
	KindCalibration       ErrKind = "calibration"
	KindInternal          ErrKind = "internal"
)

// Error is a tool-surface error with a stable kind. Validation errors name
// the offending parameter and its expected shape.
type Error struct {
	Kind     ErrKind `json:"kind"`
	Message  string  `json:"message"`
	Param    string  `json:"param,omitempty"`
	Expected string  `json:"expected,omitempty"`
}

func (e *Error) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s: %s (param %s, expected %s)", e.Kind, e.Message, e.Param, e.Expected)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func invalidParams(msg, param, expected string) *Error {
	return &Error{Kind: KindInvalidParams, Message: msg, Param: param, Expected: expected}
}

func notFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func policyRejected(msg string) *Error {
	return &Error{Kind: KindPolicyRejected, Message: msg}
}

func calibrationErr(msg string) *Error {
	return &Error{Kind: KindCalibration, Message: msg}
}

func internalErr(msg string) *Error {
	return &Error{Kind: KindInternal, Message: msg}
}

// Envelope wraps an error into the JSON result form.
func Envelope(err error) map[string]any {
	if err == nil {
		return map[string]any{"ok": true}
	}
	if te, ok := err.(*Error); ok {
		out := map[string]any{"ok": false, "error": te.Message, "error_kind": string(te.Kind)}
		if te.Param != "" {
			out["param"] = te.Param
			out["expected"] = te.Expected
		}
		return out
	}
	return map[string]any{"ok": false, "error": "internal error", "error_kind": string(KindInternal)}
}

// helpers for reading loosely-typed args ----------------------------------

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argMap(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	if m == nil {
		m = map[string]any{}
	}
	return m
}

func argBool(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argInt(args map[string]any, key string, def int) (int, bool) {
	switch v := args[key].(type) {
	case nil:
		return def, true
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	}
	return 0, false
}

func argFloat(args map[string]any, key string, def float64) (float64, bool) {
	switch v := args[key].(type) {
	case nil:
		return def, true
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
