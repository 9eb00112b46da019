package rules

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseConditionRejectsBadTrees(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ``},
		{name: "mixed and/or", raw: `{"and":[{"field":"a","operator":"eq","value":1}],"or":[{"field":"b","operator":"eq","value":2}]}`},
		{name: "unknown operator", raw: `{"field":"a","operator":"almost_eq","value":1}`},
		{name: "leaf without operator", raw: `{"field":"a","value":1}`},
		{name: "leaf without field", raw: `{"operator":"eq","value":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseCondition(json.RawMessage(tt.raw)); err == nil {
				t.Fatalf("ParseCondition(%s) succeeded, want error", tt.raw)
			}
		})
	}
}

func TestEvalOperators(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data := map[string]any{
		"amount_usd":   float64(12.5),
		"count":        int(3),
		"type":         "dex_swap",
		"content":      "New token CA dropped",
		"ca_addresses": []string{"9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"},
		"empty_list":   []any{},
		"posted_at":    now.Add(-10 * time.Minute).Format(time.RFC3339),
		"nested":       map[string]any{"level": "high"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{name: "gt true", cond: Condition{Field: "amount_usd", Operator: "gt", Value: 10.0}, want: true},
		{name: "gt false", cond: Condition{Field: "amount_usd", Operator: "gt", Value: 12.5}, want: false},
		{name: "gte boundary", cond: Condition{Field: "amount_usd", Operator: "gte", Value: 12.5}, want: true},
		{name: "lt int field", cond: Condition{Field: "count", Operator: "lt", Value: 4}, want: true},
		{name: "eq string", cond: Condition{Field: "type", Operator: "eq", Value: "dex_swap"}, want: true},
		{name: "eq numeric cross-type", cond: Condition{Field: "count", Operator: "eq", Value: 3.0}, want: true},
		{name: "ne empty list vs nonempty", cond: Condition{Field: "ca_addresses", Operator: "ne", Value: []any{}}, want: true},
		{name: "ne empty list vs empty", cond: Condition{Field: "empty_list", Operator: "ne", Value: []any{}}, want: false},
		{name: "contains case-insensitive", cond: Condition{Field: "content", Operator: "contains", Value: "ca"}, want: true},
		{name: "startswith", cond: Condition{Field: "content", Operator: "startswith", Value: "new"}, want: true},
		{name: "endswith", cond: Condition{Field: "content", Operator: "endswith", Value: "DROPPED"}, want: true},
		{name: "in", cond: Condition{Field: "type", Operator: "in", Value: []any{"sol_transfer", "dex_swap"}}, want: true},
		{name: "not_in", cond: Condition{Field: "type", Operator: "not_in", Value: []any{"burn", "mint"}}, want: true},
		{name: "regex case-insensitive", cond: Condition{Field: "content", Operator: "regex", Value: `token\s+ca`}, want: true},
		{name: "within_minutes inside", cond: Condition{Field: "posted_at", Operator: "within_minutes", Value: 15.0}, want: true},
		{name: "within_minutes outside", cond: Condition{Field: "posted_at", Operator: "within_minutes", Value: 5.0}, want: false},
		{name: "within_hours", cond: Condition{Field: "posted_at", Operator: "within_hours", Value: 1.0}, want: true},
		{name: "dotted path", cond: Condition{Field: "nested.level", Operator: "eq", Value: "high"}, want: true},
		{name: "missing field is false", cond: Condition{Field: "no_such", Operator: "eq", Value: 1}, want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cond.Eval(data, now)
			if err != nil {
				t.Fatalf("Eval error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Eval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvalShortCircuit(t *testing.T) {
	t.Parallel()
	now := time.Now()
	data := map[string]any{"a": "yes"}

	// The failing regex sits behind a matched or-branch and must never run.
	or := Condition{Or: []*Condition{
		{Field: "a", Operator: "eq", Value: "yes"},
		{Field: "a", Operator: "regex", Value: "("},
	}}
	ok, err := or.Eval(data, now)
	if err != nil || !ok {
		t.Fatalf("or short-circuit: got (%v, %v), want (true, nil)", ok, err)
	}

	and := Condition{And: []*Condition{
		{Field: "a", Operator: "eq", Value: "no"},
		{Field: "a", Operator: "regex", Value: "("},
	}}
	ok, err = and.Eval(data, now)
	if err != nil || ok {
		t.Fatalf("and short-circuit: got (%v, %v), want (false, nil)", ok, err)
	}
}

func TestEvalErrors(t *testing.T) {
	t.Parallel()
	now := time.Now()
	data := map[string]any{"a": "not-a-number"}

	if _, err := (&Condition{Field: "a", Operator: "gt", Value: 1.0}).Eval(data, now); err == nil {
		t.Fatal("expected error for non-numeric compare")
	}
	if _, err := (&Condition{Field: "a", Operator: "regex", Value: "("}).Eval(data, now); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
	if _, err := (&Condition{Field: "a", Operator: "in", Value: "scalar"}).Eval(data, now); err == nil {
		t.Fatal("expected error for in without list")
	}
}
