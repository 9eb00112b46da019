package rules

import (
	"regexp"
	"time"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from the variable map. Unknown
// placeholders are left in place rather than failing the notification; a
// half-rendered alert beats a dropped one.
func Render(tmpl string, vars map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := lookupPath(vars, name)
		if !ok || v == nil {
			return m
		}
		if t, isTime := v.(time.Time); isTime {
			return t.UTC().Format(time.RFC3339)
		}
		return stringify(v)
	})
}
