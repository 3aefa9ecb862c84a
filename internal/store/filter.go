package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadFilter is returned when a filter key, operator suffix or value
// cannot be compiled. Handlers surface it as a 400.
var ErrBadFilter = errors.New("invalid filter")

// Filter is a compiled set of node query conditions. Keys are dotted paths:
// bare envelope fields ("kind", "state") map to columns, "data.*" and
// "artifacts.*" descend into the JSON payload. A bare key means equality;
// the suffixes __gt, __lt, __gte, __lte, __ne and __re select comparison or
// regex operators. The literal value "null" matches absent.
type Filter struct {
	conds []condition
}

type condition struct {
	column   string   // quoted column expression, empty for JSON conditions
	jsonCol  string   // "data" or "artifacts" for JSON conditions
	jsonPath []string // path inside the JSON document
	op       string
	value    any  // nil for the "null" literal
	numeric  bool // JSON comparison should cast to numeric
}

const (
	opEq  = "="
	opNe  = "<>"
	opGt  = ">"
	opLt  = "<"
	opGte = ">="
	opLte = "<="
	opRe  = "~"
)

var operatorSuffixes = map[string]string{
	"__gt":  opGt,
	"__lt":  opLt,
	"__gte": opGte,
	"__lte": opLte,
	"__ne":  opNe,
	"__re":  opRe,
}

// nodeColumns maps filterable envelope fields to their column expressions.
var nodeColumns = map[string]string{
	"id":            "id",
	"kind":          "kind",
	"name":          "name",
	"parent":        "parent",
	"group":         `"group"`,
	"state":         "state",
	"result":        "result",
	"owner":         "owner",
	"created":       "created",
	"updated":       "updated",
	"holdoff":       "holdoff",
	"timeout":       "timeout",
	"retry_counter": "retry_counter",
}

// ParseNodeFilter compiles raw query parameters into a Filter. Parameters
// are processed in sorted key order so the generated SQL is deterministic.
func ParseNodeFilter(params map[string]string) (*Filter, error) {
	f := &Filter{}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, rawKey := range keys {
		value := params[rawKey]
		key, op := splitOperator(rawKey)

		if strings.HasPrefix(key, "data.") || strings.HasPrefix(key, "artifacts.") {
			cond, err := jsonCondition(key, op, value)
			if err != nil {
				return nil, err
			}
			f.conds = append(f.conds, cond)
			continue
		}

		column, ok := nodeColumns[key]
		if !ok {
			return nil, fmt.Errorf("%w: unknown field %q", ErrBadFilter, key)
		}
		cond, err := columnCondition(key, column, op, value)
		if err != nil {
			return nil, err
		}
		f.conds = append(f.conds, cond)
	}

	return f, nil
}

func splitOperator(key string) (string, string) {
	for suffix, op := range operatorSuffixes {
		if strings.HasSuffix(key, suffix) {
			return strings.TrimSuffix(key, suffix), op
		}
	}
	return key, opEq
}

func columnCondition(key, column, op, value string) (condition, error) {
	if value == "null" {
		if op != opEq && op != opNe {
			return condition{}, fmt.Errorf("%w: operator not valid for null on %q", ErrBadFilter, key)
		}
		// Absent result is stored as the empty string, not SQL NULL.
		if key == "result" {
			return condition{column: column, op: op, value: ""}, nil
		}
		return condition{column: column, op: op, value: nil}, nil
	}

	typed, err := columnValue(key, value)
	if err != nil {
		return condition{}, err
	}
	if op == opRe {
		if _, ok := typed.(string); !ok {
			return condition{}, fmt.Errorf("%w: regex not valid on %q", ErrBadFilter, key)
		}
	}
	return condition{column: column, op: op, value: typed}, nil
}

func columnValue(key, value string) (any, error) {
	switch key {
	case "id", "parent":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a valid id", ErrBadFilter, value)
		}
		return n, nil
	case "retry_counter":
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a valid integer", ErrBadFilter, value)
		}
		return n, nil
	case "created", "updated", "holdoff", "timeout":
		t, err := parseTime(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a valid timestamp", ErrBadFilter, value)
		}
		return t, nil
	default:
		return value, nil
	}
}

func jsonCondition(key, op, value string) (condition, error) {
	parts := strings.Split(key, ".")
	col, path := parts[0], parts[1:]
	for _, seg := range path {
		if seg == "" {
			return condition{}, fmt.Errorf("%w: empty path segment in %q", ErrBadFilter, key)
		}
	}

	cond := condition{jsonCol: col, jsonPath: path, op: op}
	if value == "null" {
		if op != opEq && op != opNe {
			return condition{}, fmt.Errorf("%w: operator not valid for null on %q", ErrBadFilter, key)
		}
		return cond, nil
	}

	cond.value = value
	// Numbers inside the payload compare numerically, everything else as text.
	if op != opRe && op != opEq && op != opNe {
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			cond.numeric = true
		}
	}
	return cond, nil
}

// parseTime accepts RFC 3339 with or without sub-second precision, and the
// date-only form used by some workers.
func parseTime(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// Where renders the filter as a SQL fragment with positional parameters
// starting at $1. The returned fragment is empty for an empty filter,
// otherwise it starts with "WHERE ".
func (f *Filter) Where() (string, []any) {
	if len(f.conds) == 0 {
		return "", nil
	}

	var clauses []string
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, c := range f.conds {
		switch {
		case c.column != "":
			if c.value == nil {
				if c.op == opEq {
					clauses = append(clauses, fmt.Sprintf("%s IS NULL", c.column))
				} else {
					clauses = append(clauses, fmt.Sprintf("%s IS NOT NULL", c.column))
				}
				continue
			}
			clauses = append(clauses, fmt.Sprintf("%s %s %s", c.column, c.op, next(c.value)))
		default:
			expr := fmt.Sprintf("%s #>> %s", c.jsonCol, next(c.jsonPath))
			if c.value == nil {
				if c.op == opEq {
					clauses = append(clauses, fmt.Sprintf("(%s) IS NULL", expr))
				} else {
					clauses = append(clauses, fmt.Sprintf("(%s) IS NOT NULL", expr))
				}
				continue
			}
			if c.numeric {
				clauses = append(clauses, fmt.Sprintf("(%s)::numeric %s %s::numeric", expr, c.op, next(c.value)))
			} else {
				clauses = append(clauses, fmt.Sprintf("(%s) %s %s", expr, c.op, next(c.value)))
			}
		}
	}

	return "WHERE " + strings.Join(clauses, " AND "), args
}
