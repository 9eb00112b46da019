package rules

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/config"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

type fakeTriggerStore struct {
	count    int
	countErr error

	last      time.Time
	lastFound bool
	lastErr   error
}

func (s *fakeTriggerStore) CountRecentNotifications(ctx context.Context, rule string, since time.Time) (int, error) {
	return s.count, s.countErr
}

func (s *fakeTriggerStore) LastDedupAt(ctx context.Context, key string) (time.Time, bool, error) {
	return s.last, s.lastFound, s.lastErr
}

type recordingSink struct {
	sent []Notification
	err  error
}

func (r *recordingSink) Notify(ctx context.Context, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, n)
	return nil
}

func testRuleSet(t *testing.T, window string, max int) *RuleSet {
	t.Helper()
	set, err := BuildRuleSet([]config.RuleConfig{{
		Name:       "swap_alert",
		SourceType: "solana",
		Priority:   5,
		Conditions: json.RawMessage(`{"field":"type","operator":"eq","value":"dex_swap"}`),
		Template:   "solana_transaction",
		RateLimit:  &config.RateLimitRule{MaxPerWindow: max, Window: window},
	}}, nil)
	if err != nil {
		t.Fatalf("BuildRuleSet: %v", err)
	}
	return set
}

func swapEvent(id string, at time.Time) Event {
	return Event{
		SourceType: "solana",
		ItemID:     id,
		EntityID:   "solana:w1",
		OccurredAt: at,
		Data:       map[string]any{"type": "dex_swap", "signature": id},
	}
}

func TestEngineProcessesInChronologicalOrder(t *testing.T) {
	t.Parallel()
	store := &fakeTriggerStore{}
	sink := &recordingSink{}
	e := NewEngine(testRuleSet(t, "1m", 100), store, sink, logx.Nop())

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Sources return newest first; deliveries must still be oldest first.
	events := []Event{
		swapEvent("sig3", base.Add(2*time.Second)),
		swapEvent("sig2", base.Add(time.Second)),
		swapEvent("sig1", base),
	}
	if err := e.Process(context.Background(), events); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 3 {
		t.Fatalf("sent %d notifications, want 3", len(sink.sent))
	}
	for i, want := range []string{"sig1", "sig2", "sig3"} {
		if got := sink.sent[i].Body; !strings.Contains(got, want) {
			t.Fatalf("delivery %d body %q does not mention %s", i, got, want)
		}
	}
}

func TestEngineRateLimitDurableCount(t *testing.T) {
	t.Parallel()
	store := &fakeTriggerStore{count: 3}
	sink := &recordingSink{}
	e := NewEngine(testRuleSet(t, "1m", 3), store, sink, logx.Nop())

	if err := e.Process(context.Background(), []Event{swapEvent("sig1", time.Now())}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("expected rate-limited suppression, sent %d", len(sink.sent))
	}

	store.count = 2
	if err := e.Process(context.Background(), []Event{swapEvent("sig2", time.Now())}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected delivery under the limit, sent %d", len(sink.sent))
	}
}

func TestEngineRateLimitMemoryFallback(t *testing.T) {
	t.Parallel()
	store := &fakeTriggerStore{countErr: errors.New("db locked")}
	sink := &recordingSink{}
	e := NewEngine(testRuleSet(t, "1m", 2), store, sink, logx.Nop())

	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	for i, id := range []string{"a", "b", "c"} {
		if err := e.Process(context.Background(), []Event{swapEvent(id, now)}); err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
	}
	// Two through, third blocked by the in-memory window.
	if len(sink.sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sink.sent))
	}

	now = now.Add(61 * time.Second)
	if err := e.Process(context.Background(), []Event{swapEvent("d", now)}); err != nil {
		t.Fatalf("Process after window: %v", err)
	}
	if len(sink.sent) != 3 {
		t.Fatalf("window did not slide: sent %d, want 3", len(sink.sent))
	}
}

func TestEngineDedupWithinWindow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeTriggerStore{last: now.Add(-30 * time.Second), lastFound: true}
	sink := &recordingSink{}
	e := NewEngine(testRuleSet(t, "1m", 100), store, sink, logx.Nop())
	e.now = func() time.Time { return now }

	if err := e.Process(context.Background(), []Event{swapEvent("sig1", now)}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("expected dedup suppression, sent %d", len(sink.sent))
	}

	// Same content outside the template's 1m window goes through again.
	store.last = now.Add(-2 * time.Minute)
	if err := e.Process(context.Background(), []Event{swapEvent("sig1", now)}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("expected delivery outside the window, sent %d", len(sink.sent))
	}
	if sink.sent[0].DedupKey == "" {
		t.Fatal("notification carries no dedup key")
	}
}

func TestEngineDedupLookupFailureFailsOpen(t *testing.T) {
	t.Parallel()
	store := &fakeTriggerStore{lastErr: errors.New("db locked")}
	sink := &recordingSink{}
	e := NewEngine(testRuleSet(t, "1m", 100), store, sink, logx.Nop())

	if err := e.Process(context.Background(), []Event{swapEvent("sig1", time.Now())}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 1 {
		t.Fatalf("dedup store failure swallowed the alert: sent %d", len(sink.sent))
	}
}

func TestEngineEvalErrorFailsClosed(t *testing.T) {
	t.Parallel()
	set, err := BuildRuleSet([]config.RuleConfig{{
		Name:       "bad_regex",
		SourceType: "solana",
		Conditions: json.RawMessage(`{"field":"signature","operator":"regex","value":"("}`),
		Template:   "solana_transaction",
	}}, nil)
	if err != nil {
		t.Fatalf("BuildRuleSet: %v", err)
	}
	sink := &recordingSink{}
	e := NewEngine(set, &fakeTriggerStore{}, sink, logx.Nop())

	if err := e.Process(context.Background(), []Event{swapEvent("sig1", time.Now())}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(sink.sent) != 0 {
		t.Fatalf("evaluation error fired the rule: sent %d", len(sink.sent))
	}
}

func TestDedupKeyStability(t *testing.T) {
	t.Parallel()
	a := dedupKey("tmpl", "title", "body")
	if a != dedupKey("tmpl", "title", "body") {
		t.Fatal("same content produced different keys")
	}
	if a == dedupKey("tmpl", "titleb", "ody") {
		t.Fatal("field boundaries are not separated")
	}
	if len(a) != 16 {
		t.Fatalf("key length = %d, want 16 hex chars", len(a))
	}
}
