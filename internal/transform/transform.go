// Package transform implements the stateless row-reshaping pipeline
// described in spec.md §4.3: an optional filter, field renames, and
// per-field value converters.
package transform

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FieldMapping describes how one source field maps onto the target row.
type FieldMapping struct {
	SourceField     string
	TargetField     string // defaults to SourceField when empty
	Converter       string // "", "lowercase", "uppercase", "trim", "default", "typecast"
	ConverterParams map[string]string
}

// Filter is a single `field op literal` predicate. Filters are combined
// with logical AND, matching the row-filter grammar spec.md's mapping
// configuration exposes (`filter_condition`).
type Filter struct {
	Field string
	Op    string // "=", "!=", ">", ">=", "<", "<="
	Value string
}

// Mapping is the resolved per-table transform configuration.
type Mapping struct {
	Fields  []FieldMapping
	Filters []Filter
}

// ErrFiltered names the "row filtered out" outcome. Apply does not
// return it: Apply reports a row dropped by the filter as ok=false with
// a nil error.
var ErrFiltered = errors.New("row filtered out")

// Apply runs the transform pipeline against a single row, in the order
// mandated by spec.md §4.3: filter, then rename, then convert. It
// returns the transformed row and true, or a zero row and false if the
// row was dropped by the filter. A data error (e.g. a failing
// typecast) is returned as err.
func Apply(row map[string]any, mapping *Mapping) (map[string]any, bool, error) {
	if !matchesAll(row, mapping.Filters) {
		return nil, false, nil
	}

	out := make(map[string]any, len(mapping.Fields))
	mapped := make(map[string]bool, len(mapping.Fields))
	for _, fm := range mapping.Fields {
		mapped[fm.SourceField] = true
		target := fm.TargetField
		if target == "" {
			target = fm.SourceField
		}
		val, ok := row[fm.SourceField]
		if !ok {
			continue
		}
		converted, err := convert(val, fm.Converter, fm.ConverterParams)
		if err != nil {
			return nil, false, errors.Wrapf(err, "field %q", fm.SourceField)
		}
		out[target] = converted
	}

	// Fields with no explicit mapping pass through under their source
	// name (identity mapping, per spec.md §4.3 rule 2).
	for k, v := range row {
		if !mapped[k] {
			out[k] = v
		}
	}

	return out, true, nil
}

func matchesAll(row map[string]any, filters []Filter) bool {
	for _, f := range filters {
		if !matches(row, f) {
			return false
		}
	}
	return true
}

func matches(row map[string]any, f Filter) bool {
	val, ok := row[f.Field]
	if !ok {
		return false
	}
	cmp, ok := compare(val, f.Value)
	if !ok {
		return false
	}
	switch f.Op {
	case "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	default:
		return false
	}
}

// compare orders val against literal, preferring a numeric comparison
// when both sides parse as floats and falling back to string order
// otherwise. The grammar is intentionally limited to single
// field/op/literal comparisons ANDed together (see DESIGN.md on why a
// full expression parser is not warranted here).
func compare(val any, literal string) (int, bool) {
	lhs := fmt.Sprint(val)
	if lf, err1 := strconv.ParseFloat(lhs, 64); err1 == nil {
		if rf, err2 := strconv.ParseFloat(literal, 64); err2 == nil {
			switch {
			case lf < rf:
				return -1, true
			case lf > rf:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(lhs, literal), true
}

func convert(val any, converter string, params map[string]string) (any, error) {
	switch converter {
	case "":
		return val, nil
	case "lowercase":
		if s, ok := val.(string); ok {
			return strings.ToLower(s), nil
		}
		return val, nil
	case "uppercase":
		if s, ok := val.(string); ok {
			return strings.ToUpper(s), nil
		}
		return val, nil
	case "trim":
		if s, ok := val.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return val, nil
	case "default":
		if isNullOrEmpty(val) {
			return params["value"], nil
		}
		return val, nil
	case "typecast":
		return typecast(val, params["target_type"])
	default:
		return nil, errors.Errorf("unknown converter %q", converter)
	}
}

func isNullOrEmpty(val any) bool {
	if val == nil {
		return true
	}
	if s, ok := val.(string); ok {
		return s == ""
	}
	return false
}

func typecast(val any, targetType string) (any, error) {
	switch targetType {
	case "int":
		switch v := val.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "typecast %v to int", val)
			}
			return n, nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return nil, errors.Errorf("cannot typecast %T to int", val)
		}
	case "float":
		switch v := val.(type) {
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, errors.Wrapf(err, "typecast %v to float", val)
			}
			return f, nil
		default:
			return nil, errors.Errorf("cannot typecast %T to float", val)
		}
	case "str":
		return fmt.Sprint(val), nil
	case "bool":
		switch v := val.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		case float64:
			return v != 0, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, errors.Wrapf(err, "typecast %v to bool", val)
			}
			return b, nil
		default:
			return nil, errors.Errorf("cannot typecast %T to bool", val)
		}
	default:
		return nil, errors.Errorf("unknown typecast target %q", targetType)
	}
}
