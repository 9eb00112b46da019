package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Monitors MonitorsConfig `json:"monitors"`
	Notify   NotifyConfig   `json:"notify"`
	Ops      OpsConfig      `json:"ops,omitempty"`

	// Rules and Templates override/extend the built-in notification rules.
	// Condition trees stay raw here; the rule engine owns their grammar.
	Rules     []RuleConfig              `json:"rules,omitempty"`
	Templates map[string]TemplateConfig `json:"templates,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the sqlite persistence layer.
//
// Example:
//
//	"storage": { "path": "./monitor_bot.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
	// PruneAfter bounds how long processed events and delivered notifications
	// are kept. "0s" disables pruning.
	PruneAfter string `json:"prune_after,omitempty"`
}

// MonitorsConfig controls the plugin manager and the individual monitors.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type MonitorsConfig struct {
	// StartupDelay is waited once before starting any plugin (source warm-up).
	StartupDelay string `json:"startup_delay,omitempty"`
	// StopTimeout bounds how long StopAll waits per plugin before force-cancel.
	StopTimeout string `json:"stop_timeout,omitempty"`

	Solana  *SolanaConfig  `json:"solana,omitempty"`
	Twitter *TwitterConfig `json:"twitter,omitempty"`
}

type SolanaConfig struct {
	Enabled        bool     `json:"enabled"`
	CheckInterval  string   `json:"check_interval,omitempty"`  // default "30s"
	RequestTimeout string   `json:"request_timeout,omitempty"` // default "10s"
	RPCEndpoints   []string `json:"rpc_endpoints"`
	// FetchLimit caps signatures fetched per wallet per cycle. Default 50.
	FetchLimit int              `json:"fetch_limit,omitempty"`
	Wallets    []WalletConfig   `json:"wallets"`
	Importance ImportanceConfig `json:"importance"`
}

type WalletConfig struct {
	Address string `json:"address"`
	Alias   string `json:"alias,omitempty"`
	// MinAmountSOL is the importance threshold for transfers and the SOL leg
	// of swaps/liquidity events. Default 1.0.
	MinAmountSOL float64 `json:"min_amount_sol,omitempty"`
	// ExcludedTokens lists token mints never considered important for this wallet.
	ExcludedTokens []string `json:"excluded_tokens,omitempty"`
}

// ImportanceConfig is the per-type importance policy for events that carry no
// meaningful amount threshold. Pointers distinguish "omitted" from explicit false.
//
// Defaults: burn=true, mint=false, program_interaction=false.
type ImportanceConfig struct {
	Burn               *bool `json:"burn,omitempty"`
	Mint               *bool `json:"mint,omitempty"`
	ProgramInteraction *bool `json:"program_interaction,omitempty"`
}

type TwitterConfig struct {
	Enabled        bool   `json:"enabled"`
	CheckInterval  string `json:"check_interval,omitempty"`  // default "60s"
	RequestTimeout string `json:"request_timeout,omitempty"` // default "10s"
	APIBase        string `json:"api_base,omitempty"`
	BearerToken    string `json:"bearer_token"`
	// FetchLimit caps tweets fetched per account per cycle. Default 50.
	FetchLimit int `json:"fetch_limit,omitempty"`
	// MinConfidence is the floor for extracted addresses. Default 0.3.
	MinConfidence float64         `json:"min_confidence,omitempty"`
	Accounts      []AccountConfig `json:"accounts"`
}

type AccountConfig struct {
	Username string `json:"username"`
	Alias    string `json:"alias,omitempty"`
}

// NotifyConfig controls the dispatcher and its channels.
type NotifyConfig struct {
	RatePerSec int         `json:"rate_per_sec,omitempty"` // default 3
	QueueSize  int         `json:"queue_size,omitempty"`   // default 512
	Retry      RetryConfig `json:"retry"`

	Webhook  *WebhookChannelConfig  `json:"webhook,omitempty"`
	Telegram *TelegramChannelConfig `json:"telegram,omitempty"`
}

// RetryConfig controls the periodic failed-notification sweep.
type RetryConfig struct {
	// Schedule is a cron expression. Default "*/5 * * * *".
	Schedule string `json:"schedule,omitempty"`
	// MaxRetries bounds attempts per notification. Default 3.
	MaxRetries int `json:"max_retries,omitempty"`
	// Lookback bounds how far back the sweep considers failures. Default "24h".
	Lookback string `json:"lookback,omitempty"`
}

type WebhookChannelConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // default "10s"
}

type TelegramChannelConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chat_id"`
}

// OpsConfig controls the operational HTTP endpoint (health, stats, metrics,
// pprof). Binding beyond loopback requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:8391"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// RuleConfig declares a notification rule. The condition tree is kept raw;
// the rule engine parses and validates its grammar.
type RuleConfig struct {
	Name       string `json:"name"`
	SourceType string `json:"source_type"`
	Priority   int    `json:"priority"`
	// Active is a pointer so "omitted" defaults to true.
	Active     *bool           `json:"active,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty"`
	Template   string          `json:"template"`
	Channels   []string        `json:"channels,omitempty"`
	RateLimit  *RateLimitRule  `json:"rate_limit,omitempty"`
}

type RateLimitRule struct {
	MaxPerWindow int    `json:"max_per_window"`
	Window       string `json:"window"` // Go duration string
}

type TemplateConfig struct {
	Title  string `json:"title"`
	Body   string `json:"body"`
	Urgent bool   `json:"urgent,omitempty"`
	// DedupWindow suppresses identical renders within the window. Default "5m".
	DedupWindow string `json:"dedup_window,omitempty"`
}

// Validate performs structural checks that don't need domain knowledge.
// Rule-grammar and template-reference checks live in the rule engine.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.prune_after", c.Storage.PruneAfter); err != nil {
		return err
	}
	if _, err := ParseDurationField("monitors.startup_delay", c.Monitors.StartupDelay); err != nil {
		return err
	}
	if _, err := ParseDurationField("monitors.stop_timeout", c.Monitors.StopTimeout); err != nil {
		return err
	}

	if s := c.Monitors.Solana; s != nil && s.Enabled {
		if len(s.RPCEndpoints) == 0 {
			return fmt.Errorf("monitors.solana.rpc_endpoints must not be empty")
		}
		if _, err := ParseDurationField("monitors.solana.check_interval", s.CheckInterval); err != nil {
			return err
		}
		if _, err := ParseDurationField("monitors.solana.request_timeout", s.RequestTimeout); err != nil {
			return err
		}
		for i, w := range s.Wallets {
			if strings.TrimSpace(w.Address) == "" {
				return fmt.Errorf("monitors.solana.wallets[%d].address is required", i)
			}
			if w.MinAmountSOL < 0 {
				return fmt.Errorf("monitors.solana.wallets[%d].min_amount_sol must be >= 0", i)
			}
		}
	}
	if t := c.Monitors.Twitter; t != nil && t.Enabled {
		if strings.TrimSpace(t.BearerToken) == "" {
			return fmt.Errorf("monitors.twitter.bearer_token is required")
		}
		if _, err := ParseDurationField("monitors.twitter.check_interval", t.CheckInterval); err != nil {
			return err
		}
		if t.MinConfidence < 0 || t.MinConfidence > 1 {
			return fmt.Errorf("monitors.twitter.min_confidence must be in [0,1]")
		}
		for i, a := range t.Accounts {
			if strings.TrimSpace(a.Username) == "" {
				return fmt.Errorf("monitors.twitter.accounts[%d].username is required", i)
			}
		}
	}

	if c.Notify.RatePerSec < 0 {
		return fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	if _, err := ParseDurationField("notify.retry.lookback", c.Notify.Retry.Lookback); err != nil {
		return err
	}
	if w := c.Notify.Webhook; w != nil && w.Enabled {
		if strings.TrimSpace(w.URL) == "" {
			return fmt.Errorf("notify.webhook.url is required")
		}
		if _, err := ParseDurationField("notify.webhook.timeout", w.Timeout); err != nil {
			return err
		}
	}
	if t := c.Notify.Telegram; t != nil && t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			return fmt.Errorf("notify.telegram.token is required")
		}
		if t.ChatID == 0 {
			return fmt.Errorf("notify.telegram.chat_id is required")
		}
	}

	seen := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return fmt.Errorf("rules[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("rules[%d]: duplicate rule name %q", i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(r.SourceType) == "" {
			return fmt.Errorf("rules[%d] (%s): source_type is required", i, name)
		}
		if strings.TrimSpace(r.Template) == "" {
			return fmt.Errorf("rules[%d] (%s): template is required", i, name)
		}
		if rl := r.RateLimit; rl != nil {
			if rl.MaxPerWindow <= 0 {
				return fmt.Errorf("rules[%d] (%s): rate_limit.max_per_window must be > 0", i, name)
			}
			if _, err := ParseDurationField(fmt.Sprintf("rules[%d].rate_limit.window", i), rl.Window); err != nil {
				return err
			}
		}
	}
	for name, t := range c.Templates {
		if strings.TrimSpace(t.Title) == "" && strings.TrimSpace(t.Body) == "" {
			return fmt.Errorf("templates[%s]: title or body is required", name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("templates[%s].dedup_window", name), t.DedupWindow); err != nil {
			return err
		}
	}
	return nil
}

// ActiveOrDefault reports whether the rule is active (omitted means active).
func (r RuleConfig) ActiveOrDefault() bool {
	return r.Active == nil || *r.Active
}
