package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Condition is one node of a rule's condition tree. Exactly one of And, Or or
// a leaf (Field+Operator) is set.
type Condition struct {
	And []*Condition
	Or  []*Condition

	Field    string
	Operator string
	Value    any
}

var leafOperators = map[string]struct{}{
	"gt": {}, "gte": {}, "lt": {}, "lte": {}, "eq": {}, "ne": {},
	"contains": {}, "startswith": {}, "endswith": {}, "in": {}, "not_in": {},
	"regex": {}, "within_minutes": {}, "within_hours": {},
}

type rawCondition struct {
	And []json.RawMessage `json:"and"`
	Or  []json.RawMessage `json:"or"`

	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ParseCondition decodes and validates a condition tree.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	var rc rawCondition
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}

	switch {
	case len(rc.And) > 0 && len(rc.Or) > 0:
		return nil, fmt.Errorf("condition mixes and/or at one level")
	case len(rc.And) > 0:
		kids, err := parseChildren(rc.And)
		if err != nil {
			return nil, err
		}
		return &Condition{And: kids}, nil
	case len(rc.Or) > 0:
		kids, err := parseChildren(rc.Or)
		if err != nil {
			return nil, err
		}
		return &Condition{Or: kids}, nil
	}

	if rc.Field == "" || rc.Operator == "" {
		return nil, fmt.Errorf("condition leaf needs field and operator")
	}
	if _, ok := leafOperators[rc.Operator]; !ok {
		return nil, fmt.Errorf("unsupported operator %q", rc.Operator)
	}
	return &Condition{Field: rc.Field, Operator: rc.Operator, Value: rc.Value}, nil
}

func parseChildren(raws []json.RawMessage) ([]*Condition, error) {
	out := make([]*Condition, 0, len(raws))
	for _, r := range raws {
		c, err := ParseCondition(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Eval walks the tree against flattened event data. and/or short-circuit.
// A missing field makes its leaf false, not an error; genuine evaluation
// errors (bad regex, non-numeric compare) bubble up so the caller can fail
// the rule closed.
func (c *Condition) Eval(data map[string]any, now time.Time) (bool, error) {
	switch {
	case len(c.And) > 0:
		for _, k := range c.And {
			ok, err := k.Eval(data, now)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Or) > 0:
		for _, k := range c.Or {
			ok, err := k.Eval(data, now)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	val, ok := lookupPath(data, c.Field)
	if !ok || val == nil {
		return false, nil
	}
	return evalLeaf(c.Operator, val, c.Value, now)
}

func evalLeaf(op string, val, want any, now time.Time) (bool, error) {
	switch op {
	case "gt", "gte", "lt", "lte":
		a, err := toFloat(val)
		if err != nil {
			return false, err
		}
		b, err := toFloat(want)
		if err != nil {
			return false, err
		}
		switch op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}

	case "eq":
		return equalsLoose(val, want), nil
	case "ne":
		return !equalsLoose(val, want), nil

	case "contains":
		return strings.Contains(lowerString(val), lowerString(want)), nil
	case "startswith":
		return strings.HasPrefix(lowerString(val), lowerString(want)), nil
	case "endswith":
		return strings.HasSuffix(lowerString(val), lowerString(want)), nil

	case "in", "not_in":
		opts, ok := want.([]any)
		if !ok {
			return false, fmt.Errorf("%s needs a list value", op)
		}
		found := false
		for _, o := range opts {
			if equalsLoose(val, o) {
				found = true
				break
			}
		}
		if op == "in" {
			return found, nil
		}
		return !found, nil

	case "regex":
		pat, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("regex needs a string pattern")
		}
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return false, fmt.Errorf("compile pattern: %w", err)
		}
		return re.MatchString(stringify(val)), nil

	case "within_minutes", "within_hours":
		ts, ok := toTime(val)
		if !ok {
			return false, nil
		}
		n, err := toFloat(want)
		if err != nil {
			return false, err
		}
		window := time.Duration(n * float64(time.Minute))
		if op == "within_hours" {
			window = time.Duration(n * float64(time.Hour))
		}
		return now.Sub(ts) <= window, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// equalsLoose compares values the way JSON-typed data wants: numbers by
// value, strings case-sensitively, slices elementwise, everything else by
// printed form.
func equalsLoose(a, b any) bool {
	if af, err := toFloat(a); err == nil {
		if bf, err := toFloat(b); err == nil {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	al, aIsList := asList(a)
	bl, bIsList := asList(b)
	if aIsList || bIsList {
		if !aIsList || !bIsList || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !equalsLoose(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	return stringify(a) == stringify(b)
}

func asList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	case float64:
		return time.Unix(int64(x), 0).UTC(), true
	case int64:
		return time.Unix(x, 0).UTC(), true
	default:
		return time.Time{}, false
	}
}

func lowerString(v any) string {
	return strings.ToLower(stringify(v))
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = stringify(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprint(x)
	}
}
