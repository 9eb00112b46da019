package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) a list of rule names that changed (added/removed/edited).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Monitors (never log tokens)
	if !reflect.DeepEqual(oldCfg.Monitors, newCfg.Monitors) {
		changed = append(changed, "monitors")
		var solEnabled, twEnabled bool
		var walletCount, accountCount, rpcCount int
		if s := newCfg.Monitors.Solana; s != nil {
			solEnabled = s.Enabled
			walletCount = len(s.Wallets)
			rpcCount = len(s.RPCEndpoints)
		}
		if t := newCfg.Monitors.Twitter; t != nil {
			twEnabled = t.Enabled
			accountCount = len(t.Accounts)
		}
		attrs = append(attrs,
			logx.Bool("monitors.solana.enabled", solEnabled),
			logx.Int("monitors.solana.wallet_count", walletCount),
			logx.Int("monitors.solana.rpc_count", rpcCount),
			logx.Bool("monitors.twitter.enabled", twEnabled),
			logx.Int("monitors.twitter.account_count", accountCount),
		)
	}

	// Notify (never log webhook URLs or bot tokens verbatim)
	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		webhookEnabled := newCfg.Notify.Webhook != nil && newCfg.Notify.Webhook.Enabled
		telegramEnabled := newCfg.Notify.Telegram != nil && newCfg.Notify.Telegram.Enabled
		attrs = append(attrs,
			logx.Int("notify.rate_per_sec", newCfg.Notify.RatePerSec),
			logx.Bool("notify.webhook_enabled", webhookEnabled),
			logx.Bool("notify.telegram_enabled", telegramEnabled),
			logx.String("notify.retry.schedule", strings.TrimSpace(newCfg.Notify.Retry.Schedule)),
		)
	}

	// Ops endpoint (never log the token)
	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
		)
	}

	// Rules and templates (summarize only; details at debug)
	ruleChanged := diffRules(oldCfg.Rules, newCfg.Rules)
	if len(ruleChanged) > 0 || !reflect.DeepEqual(oldCfg.Templates, newCfg.Templates) {
		changed = append(changed, "rules")
		attrs = append(attrs,
			logx.Int("rules.changed_count", len(ruleChanged)),
			logx.Int("rules.total", len(newCfg.Rules)),
			logx.Int("templates.total", len(newCfg.Templates)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, ruleChanged
}

func diffRules(oldR, newR []RuleConfig) []string {
	oldM := make(map[string]RuleConfig, len(oldR))
	for _, r := range oldR {
		oldM[r.Name] = r
	}
	newM := make(map[string]RuleConfig, len(newR))
	for _, r := range newR {
		newM[r.Name] = r
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK {
			out = append(out, name)
			continue
		}
		if o.SourceType != n.SourceType || o.Priority != n.Priority ||
			o.Template != n.Template ||
			o.ActiveOrDefault() != n.ActiveOrDefault() ||
			!reflect.DeepEqual(o.Channels, n.Channels) ||
			!reflect.DeepEqual(o.RateLimit, n.RateLimit) {
			out = append(out, name)
			continue
		}
		if canonicalHashJSON(o.Conditions) != canonicalHashJSON(n.Conditions) {
			out = append(out, name)
			continue
		}
	}
	sort.Strings(out)
	return out
}
