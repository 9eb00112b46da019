package rules

import (
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 6, 1, 8, 30, 0, 0, time.FixedZone("CST", 8*3600))
	vars := map[string]any{
		"wallet": "9xQe",
		"amount": 1.5,
		"tags":   []string{"swap", "sol"},
		"nested": map[string]any{"alias": "whale"},
		"at":     ts,
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{name: "plain", tmpl: "w={{wallet}}", want: "w=9xQe"},
		{name: "spaces", tmpl: "w={{ wallet }}", want: "w=9xQe"},
		{name: "float compact", tmpl: "{{amount}} SOL", want: "1.5 SOL"},
		{name: "list joined", tmpl: "tags: {{tags}}", want: "tags: swap, sol"},
		{name: "dotted path", tmpl: "{{nested.alias}}", want: "whale"},
		{name: "time utc rfc3339", tmpl: "{{at}}", want: "2025-06-01T00:30:00Z"},
		{name: "unknown stays", tmpl: "x={{missing}}", want: "x={{missing}}"},
		{name: "no placeholders", tmpl: "static", want: "static"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Render(tt.tmpl, vars); got != tt.want {
				t.Fatalf("Render(%q) = %q, want %q", tt.tmpl, got, tt.want)
			}
		})
	}
}
