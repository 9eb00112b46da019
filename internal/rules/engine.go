package rules

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// TriggerStore is the durable side of rate limiting and deduplication.
type TriggerStore interface {
	CountRecentNotifications(ctx context.Context, ruleName string, since time.Time) (int, error)
	LastDedupAt(ctx context.Context, dedupKey string) (time.Time, bool, error)
}

// Engine matches events against the rule set and forwards qualifying,
// rendered notifications to the sink. It implements EventSink.
type Engine struct {
	log     logx.Logger
	store   TriggerStore
	sink    Notifier
	limiter *memoryLimiter
	now     func() time.Time

	mu  sync.RWMutex
	set *RuleSet
}

func NewEngine(set *RuleSet, store TriggerStore, sink Notifier, log logx.Logger) *Engine {
	return &Engine{
		log:     log,
		store:   store,
		sink:    sink,
		limiter: newMemoryLimiter(),
		now:     time.Now,
		set:     set,
	}
}

// Reload swaps in a new rule set. In-flight evaluations finish on the old one.
func (e *Engine) Reload(set *RuleSet) {
	e.mu.Lock()
	e.set = set
	e.mu.Unlock()
}

func (e *Engine) ruleSet() *RuleSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Process evaluates a poll cycle's batch. Events are handled in ascending
// event-time order so notifications leave in chronological order even when
// the source returned them newest-first.
func (e *Engine) Process(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := append([]Event(nil), events...)
	sort.SliceStable(batch, func(i, j int) bool {
		if !batch[i].OccurredAt.Equal(batch[j].OccurredAt) {
			return batch[i].OccurredAt.Before(batch[j].OccurredAt)
		}
		return batch[i].ItemID < batch[j].ItemID
	})

	for _, ev := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.processEvent(ctx, ev)
	}
	return nil
}

func (e *Engine) processEvent(ctx context.Context, ev Event) {
	set := e.ruleSet()
	now := e.now()

	for _, rule := range set.RulesFor(ev.SourceType) {
		matched, err := rule.Conditions.Eval(ev.Data, now)
		if err != nil {
			// Evaluation failures never fire a rule.
			e.log.Error("rule evaluation failed",
				logx.String("rule", rule.Name),
				logx.String("item", ev.ItemID),
				logx.Err(err),
			)
			continue
		}
		if !matched {
			continue
		}
		e.fire(ctx, rule, ev, now)
	}
}

func (e *Engine) fire(ctx context.Context, rule Rule, ev Event, now time.Time) {
	if !e.allowRate(ctx, rule, now) {
		e.log.Warn("rule rate limited",
			logx.String("rule", rule.Name),
			logx.String("item", ev.ItemID),
		)
		return
	}

	tmpl, ok := e.ruleSet().TemplateByName(rule.Template)
	if !ok {
		e.log.Error("rule references missing template",
			logx.String("rule", rule.Name),
			logx.String("template", rule.Template),
		)
		return
	}

	vars := make(map[string]any, len(ev.Data)+2)
	for k, v := range ev.Data {
		vars[k] = v
	}
	vars["rule_name"] = rule.Name
	vars["triggered_at"] = now.UTC().Format(time.RFC3339)

	title := Render(tmpl.Title, vars)
	body := Render(tmpl.Body, vars)
	key := dedupKey(tmpl.Name, title, body)

	if tmpl.DedupWindow > 0 {
		last, found, err := e.store.LastDedupAt(ctx, key)
		if err != nil {
			// Dedup store trouble must not swallow real alerts.
			e.log.Warn("dedup lookup failed; allowing notification",
				logx.String("rule", rule.Name), logx.Err(err))
		} else if found && now.Sub(last) <= tmpl.DedupWindow {
			e.log.Debug("notification deduplicated",
				logx.String("rule", rule.Name),
				logx.String("dedup_key", key),
			)
			return
		}
	}

	err := e.sink.Notify(ctx, Notification{
		RuleName: rule.Name,
		Template: tmpl.Name,
		Channels: rule.Channels,
		DedupKey: key,
		Title:    title,
		Body:     body,
		Urgent:   tmpl.Urgent,
	})
	if err != nil {
		e.log.Error("notification enqueue failed",
			logx.String("rule", rule.Name), logx.Err(err))
		return
	}
	e.limiter.record(rule.Name, rule.RateWindow, now)
}

// allowRate prefers the durable trigger count; on store failure it falls back
// to the in-memory window rather than suppressing alerts.
func (e *Engine) allowRate(ctx context.Context, rule Rule, now time.Time) bool {
	if rule.RateMax <= 0 {
		return true
	}
	count, err := e.store.CountRecentNotifications(ctx, rule.Name, now.Add(-rule.RateWindow))
	if err != nil {
		e.log.Warn("durable rate-limit count failed; using in-memory window",
			logx.String("rule", rule.Name), logx.Err(err))
		return e.limiter.allow(rule.Name, rule.RateMax, rule.RateWindow, now)
	}
	return count < rule.RateMax
}

// dedupKey hashes the rendered content. Identical template, title and body
// within a template's dedup window collapse to one delivery.
func dedupKey(template, title, body string) string {
	h := fnv.New64a()
	h.Write([]byte(template))
	h.Write([]byte{0})
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return fmt.Sprintf("%016x", h.Sum64())
}
