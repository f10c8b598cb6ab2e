// Package search holds the query operator normalizer, the search provider
// seam, and SERP result normalization.
package search

import (
	"regexp"
	"strings"

	"argus/engine/registry"
)

// Operator is one parsed query operator occurrence.
type Operator struct {
	Kind  string
	Value string
}

// ParsedQuery is the decomposition of a raw query into its base text and
// operator occurrences. Multiple occurrences of the same operator are
// preserved as a list, in input order.
type ParsedQuery struct {
	BaseQuery string
	Operators []Operator
}

// Get returns all values for one operator kind, in input order.
func (p ParsedQuery) Get(kind string) []string {
	var out []string
	for _, op := range p.Operators {
		if op.Kind == kind {
			out = append(out, op.Value)
		}
	}
	return out
}

// OperatorSet returns the operators as a set of kind:value pairs, for
// structural comparison independent of order.
func (p ParsedQuery) OperatorSet() map[string]struct{} {
	out := make(map[string]struct{}, len(p.Operators))
	for _, op := range p.Operators {
		out[op.Kind+":"+op.Value] = struct{}{}
	}
	return out
}

var (
	exactRe = regexp.MustCompile(`"([^"]*)"`)
	afterRe = regexp.MustCompile(`^after:(\d{4}-\d{2}-\d{2})$`)
)

// Parse tokenizes a raw query, recognizing site:, filetype:, intitle:,
// "exact phrase", -exclude and after:YYYY-MM-DD. Unrecognized tokens join the
// base query unchanged.
func Parse(raw string) ParsedQuery {
	var parsed ParsedQuery

	// Exact phrases first: they may contain spaces and operator-like text.
	rest := exactRe.ReplaceAllStringFunc(raw, func(m string) string {
		inner := strings.Trim(m, `"`)
		if inner != "" {
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpExact, Value: inner})
		}
		return " "
	})

	var base []string
	for _, tok := range strings.Fields(rest) {
		switch {
		case strings.HasPrefix(tok, "site:") && len(tok) > len("site:"):
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpSite, Value: tok[len("site:"):]})
		case strings.HasPrefix(tok, "filetype:") && len(tok) > len("filetype:"):
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpFiletype, Value: tok[len("filetype:"):]})
		case strings.HasPrefix(tok, "intitle:") && len(tok) > len("intitle:"):
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpIntitle, Value: tok[len("intitle:"):]})
		case strings.HasPrefix(tok, "-") && len(tok) > 1:
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpExclude, Value: tok[1:]})
		case afterRe.MatchString(tok):
			parsed.Operators = append(parsed.Operators, Operator{Kind: registry.OpDateAfter, Value: afterRe.FindStringSubmatch(tok)[1]})
		default:
			base = append(base, tok)
		}
	}
	parsed.BaseQuery = strings.Join(base, " ")
	return parsed
}

// Transform rewrites a raw query for one engine: supported operators are
// emitted using the engine's declared syntax template, unsupported ones are
// silently dropped, and the base query is always preserved. Unknown engines
// keep only the base query. Pure and idempotent for a fixed registry.
func Transform(raw string, engine *registry.EngineConfig) string {
	parsed := Parse(raw)
	parts := []string{}
	if parsed.BaseQuery != "" {
		parts = append(parts, parsed.BaseQuery)
	}
	if engine == nil {
		return strings.Join(parts, " ")
	}
	for _, op := range parsed.Operators {
		tmpl, ok := engine.Operators[op.Kind]
		if !ok {
			continue
		}
		if tmpl == "" {
			tmpl = defaultSyntax(op.Kind)
		}
		parts = append(parts, strings.ReplaceAll(tmpl, "{value}", op.Value))
	}
	return strings.Join(parts, " ")
}

// defaultSyntax renders an operator in its canonical form when the engine
// declares support without a custom template.
func defaultSyntax(kind string) string {
	switch kind {
	case registry.OpSite:
		return "site:{value}"
	case registry.OpFiletype:
		return "filetype:{value}"
	case registry.OpIntitle:
		return "intitle:{value}"
	case registry.OpExact:
		return `"{value}"`
	case registry.OpExclude:
		return "-{value}"
	case registry.OpDateAfter:
		return "after:{value}"
	}
	return "{value}"
}
