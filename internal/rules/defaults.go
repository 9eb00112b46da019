package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/config"
)

// Rule is the runtime form of a notification rule.
type Rule struct {
	Name       string
	SourceType string
	Priority   int
	Active     bool
	Conditions *Condition
	Template   string
	Channels   []string
	RateMax    int
	RateWindow time.Duration
}

// Template is the runtime form of a message template.
type Template struct {
	Name        string
	Title       string
	Body        string
	Urgent      bool
	DedupWindow time.Duration
}

// RuleSet is the validated, immutable rule configuration the engine runs on.
type RuleSet struct {
	bySource  map[string][]Rule
	templates map[string]Template
}

const (
	defaultRateMax     = 10
	defaultRateWindow  = time.Hour
	defaultDedupWindow = 5 * time.Minute
	defaultChannel     = "webhook"
)

func builtinTemplates() map[string]Template {
	return map[string]Template{
		"solana_transaction": {
			Name:  "solana_transaction",
			Title: "🔔 Wallet activity - {{wallet_alias}}",
			Body: "💰 Transaction detected\n\n" +
				"👛 Wallet: `{{wallet}}` ({{wallet_alias}})\n" +
				"📊 Type: {{type}}\n" +
				"💵 Amount: {{amount}} {{token_symbol}} (${{amount_usd}})\n" +
				"🔄 DEX: {{dex_platform}}\n" +
				"⚠️ Risk: {{risk_level}}\n" +
				"🔗 Signature: `{{signature}}`\n" +
				"⏰ Time: {{block_time}}",
			Urgent:      false,
			DedupWindow: time.Minute,
		},
		"twitter_ca_alert": {
			Name:  "twitter_ca_alert",
			Title: "🚨 Contract address mentioned by @{{username}}",
			Body: "📱 @{{username}} posted:\n\n" +
				"{{content}}\n\n" +
				"CA: `{{ca_addresses}}`\n" +
				"Confidence: {{confidence}}\n" +
				"Link: {{tweet_url}}\n" +
				"Posted: {{posted_at}}",
			Urgent:      true,
			DedupWindow: 5 * time.Minute,
		},
	}
}

func builtinRules() []Rule {
	solanaCond := &Condition{Or: []*Condition{
		{And: []*Condition{
			{Field: "type", Operator: "eq", Value: "sol_transfer"},
			{Field: "amount_usd", Operator: "gte", Value: 0.01},
		}},
		{Field: "type", Operator: "eq", Value: "dex_swap"},
		{Field: "amount_usd", Operator: "gte", Value: 1.0},
	}}
	twitterCond := &Condition{And: []*Condition{
		{Field: "ca_addresses", Operator: "ne", Value: []any{}},
		{Field: "content", Operator: "contains", Value: "ca"},
	}}

	return []Rule{
		{
			Name:       "solana_transaction_rule",
			SourceType: "solana",
			Priority:   5,
			Active:     true,
			Conditions: solanaCond,
			Template:   "solana_transaction",
			Channels:   []string{defaultChannel},
			RateMax:    20,
			RateWindow: 5 * time.Minute,
		},
		{
			Name:       "twitter_ca_detection",
			SourceType: "twitter",
			Priority:   10,
			Active:     true,
			Conditions: twitterCond,
			Template:   "twitter_ca_alert",
			Channels:   []string{defaultChannel},
			RateMax:    5,
			RateWindow: 5 * time.Minute,
		},
	}
}

// BuildRuleSet merges configured rules and templates over the built-in
// defaults and validates the result. A configured entry with a built-in name
// replaces the default wholesale.
func BuildRuleSet(ruleCfgs []config.RuleConfig, tmplCfgs map[string]config.TemplateConfig) (*RuleSet, error) {
	templates := builtinTemplates()
	for name, tc := range tmplCfgs {
		t := Template{
			Name:        name,
			Title:       tc.Title,
			Body:        tc.Body,
			Urgent:      tc.Urgent,
			DedupWindow: defaultDedupWindow,
		}
		if tc.DedupWindow != "" {
			d, err := config.ParseDurationField("templates."+name+".dedup_window", tc.DedupWindow)
			if err != nil {
				return nil, err
			}
			t.DedupWindow = d
		}
		templates[name] = t
	}

	byName := map[string]Rule{}
	for _, r := range builtinRules() {
		byName[r.Name] = r
	}
	for _, rc := range ruleCfgs {
		r, err := fromConfig(rc)
		if err != nil {
			return nil, err
		}
		byName[r.Name] = r
	}

	bySource := map[string][]Rule{}
	for _, r := range byName {
		if err := validateRule(r, templates); err != nil {
			return nil, err
		}
		bySource[r.SourceType] = append(bySource[r.SourceType], r)
	}
	for _, rs := range bySource {
		sort.SliceStable(rs, func(i, j int) bool { return rs[i].Priority > rs[j].Priority })
	}

	for name, t := range templates {
		if err := validateTemplate(name, t); err != nil {
			return nil, err
		}
	}
	return &RuleSet{bySource: bySource, templates: templates}, nil
}

func fromConfig(rc config.RuleConfig) (Rule, error) {
	r := Rule{
		Name:       rc.Name,
		SourceType: rc.SourceType,
		Priority:   rc.Priority,
		Active:     rc.ActiveOrDefault(),
		Template:   rc.Template,
		Channels:   rc.Channels,
		RateMax:    defaultRateMax,
		RateWindow: defaultRateWindow,
	}
	if len(r.Channels) == 0 {
		r.Channels = []string{defaultChannel}
	}
	if rc.RateLimit != nil {
		if rc.RateLimit.MaxPerWindow <= 0 {
			return Rule{}, fmt.Errorf("rule %q: rate_limit.max_per_window must be positive", rc.Name)
		}
		d, err := config.ParseDurationField("rules."+rc.Name+".rate_limit.window", rc.RateLimit.Window)
		if err != nil {
			return Rule{}, err
		}
		r.RateMax = rc.RateLimit.MaxPerWindow
		r.RateWindow = d
	}
	if len(rc.Conditions) == 0 {
		return Rule{}, fmt.Errorf("rule %q: conditions are required", rc.Name)
	}
	cond, err := ParseCondition(json.RawMessage(rc.Conditions))
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", rc.Name, err)
	}
	r.Conditions = cond
	return r, nil
}

func validateRule(r Rule, templates map[string]Template) error {
	if r.Name == "" {
		return fmt.Errorf("rule with empty name")
	}
	if r.SourceType == "" {
		return fmt.Errorf("rule %q: source_type is required", r.Name)
	}
	if _, ok := templates[r.Template]; !ok {
		return fmt.Errorf("rule %q references unknown template %q", r.Name, r.Template)
	}
	return nil
}

func validateTemplate(name string, t Template) error {
	for _, s := range []string{t.Title, t.Body} {
		if strings.Count(s, "{{") != strings.Count(s, "}}") {
			return fmt.Errorf("template %q has unbalanced placeholders", name)
		}
	}
	if t.DedupWindow < 0 {
		return fmt.Errorf("template %q: dedup window must not be negative", name)
	}
	return nil
}

// RulesFor returns the active rules for a source type, highest priority first.
func (s *RuleSet) RulesFor(sourceType string) []Rule {
	var out []Rule
	for _, r := range s.bySource[sourceType] {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// TemplateByName looks up a template.
func (s *RuleSet) TemplateByName(name string) (Template, bool) {
	t, ok := s.templates[name]
	return t, ok
}
