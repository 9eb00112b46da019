package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestEntityRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := Entity{
		ID:             "solana:abc",
		SourceType:     "solana",
		Address:        "abc",
		Alias:          "whale",
		Active:         true,
		MinAmountSOL:   2.5,
		ExcludedTokens: []string{"BadMint"},
	}
	if err := st.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}

	got, err := st.GetEntity(ctx, "solana:abc")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if got.Alias != "whale" || got.MinAmountSOL != 2.5 || !got.Active {
		t.Fatalf("unexpected entity: %+v", got)
	}
	if len(got.ExcludedTokens) != 1 || got.ExcludedTokens[0] != "BadMint" {
		t.Fatalf("excluded tokens: %v", got.ExcludedTokens)
	}

	if _, err := st.GetEntity(ctx, "solana:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetEntity missing: err = %v, want ErrNotFound", err)
	}

	list, err := st.ListEntities(ctx, "solana")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListEntities = %v, %v", list, err)
	}

	// Deactivated entities disappear from listings but keep their row.
	if err := st.SetEntityActive(ctx, "solana:abc", false); err != nil {
		t.Fatalf("SetEntityActive: %v", err)
	}
	list, err = st.ListEntities(ctx, "solana")
	if err != nil || len(list) != 0 {
		t.Fatalf("ListEntities after deactivate = %v, %v", list, err)
	}
	if _, err := st.GetEntity(ctx, "solana:abc"); err != nil {
		t.Fatalf("entity row was lost: %v", err)
	}
}

func TestUpsertKeepsCursor(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	e := Entity{ID: "twitter:bob", SourceType: "twitter", Address: "bob", Active: true}
	if err := st.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if err := st.SetCursor(ctx, "twitter:bob", "tweet-900"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	// A config reload re-upserts the entity; the poll position must survive.
	e.Alias = "Bob!"
	if err := st.UpsertEntity(ctx, e); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	cur, err := st.GetCursor(ctx, "twitter:bob")
	if err != nil || cur != "tweet-900" {
		t.Fatalf("GetCursor = %q, %v, want tweet-900", cur, err)
	}

	if err := st.ResetCursor(ctx, "twitter:bob"); err != nil {
		t.Fatalf("ResetCursor: %v", err)
	}
	cur, err = st.GetCursor(ctx, "twitter:bob")
	if err != nil || cur != "" {
		t.Fatalf("after reset: %q, %v", cur, err)
	}

	if _, err := st.GetCursor(ctx, "twitter:nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cursor for unknown entity: %v", err)
	}
}

func TestEventDedupAndPurchaseStats(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	seen, err := st.HasEvent(ctx, "sig1")
	if err != nil || seen {
		t.Fatalf("HasEvent before insert = %v, %v", seen, err)
	}

	ev := Event{
		ItemID:     "sig1",
		EntityID:   "solana:abc",
		SourceType: "solana",
		EventType:  "dex_swap",
		Important:  true,
		OccurredAt: time.Now().Add(-time.Minute),
		TokenCA:    "MintXYZ",
		AmountSOL:  2.0,
		AmountUSD:  41.0,
	}
	if err := st.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	// Replay of the same item id is a no-op, not an error.
	if err := st.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("replayed RecordEvent: %v", err)
	}

	seen, err = st.HasEvent(ctx, "sig1")
	if err != nil || !seen {
		t.Fatalf("HasEvent after insert = %v, %v", seen, err)
	}

	ev2 := ev
	ev2.ItemID = "sig2"
	ev2.AmountSOL = 1.0
	ev2.AmountUSD = 20.5
	if err := st.RecordEvent(ctx, ev2); err != nil {
		t.Fatalf("RecordEvent sig2: %v", err)
	}

	stats, err := st.TokenPurchaseStats(ctx, "solana:abc", "MintXYZ")
	if err != nil {
		t.Fatalf("TokenPurchaseStats: %v", err)
	}
	if stats.Count != 2 || stats.TotalSOL != 3.0 || stats.TotalUSD != 61.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.FirstSeen.IsZero() || stats.LastSeen.IsZero() {
		t.Fatalf("missing seen timestamps: %+v", stats)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	n := Notification{
		ID:       "n1",
		RuleName: "r1",
		Template: "t1",
		Channel:  "webhook",
		DedupKey: "abcd",
		Title:    "hi",
		Body:     "there",
		Status:   StatusPending,
	}
	if err := st.RecordNotification(ctx, n); err != nil {
		t.Fatalf("RecordNotification: %v", err)
	}

	// Pending rows count against the rate limit window.
	c, err := st.CountRecentNotifications(ctx, "r1", time.Now().Add(-time.Minute))
	if err != nil || c != 1 {
		t.Fatalf("CountRecentNotifications = %d, %v", c, err)
	}

	last, found, err := st.LastDedupAt(ctx, "abcd")
	if err != nil || !found || last.IsZero() {
		t.Fatalf("LastDedupAt = %v, %v, %v", last, found, err)
	}
	if _, found, _ := st.LastDedupAt(ctx, "zzzz"); found {
		t.Fatal("unknown dedup key reported found")
	}

	if err := st.MarkNotificationFailed(ctx, "n1", "boom"); err != nil {
		t.Fatalf("MarkNotificationFailed: %v", err)
	}
	// Failed rows stop counting toward the rate limit and stop suppressing
	// identical alerts.
	c, err = st.CountRecentNotifications(ctx, "r1", time.Now().Add(-time.Minute))
	if err != nil || c != 0 {
		t.Fatalf("count after failure = %d, %v", c, err)
	}
	if _, found, _ := st.LastDedupAt(ctx, "abcd"); found {
		t.Fatal("failed notification still suppresses its dedup key")
	}

	retry, err := st.ListRetryable(ctx, 3, time.Now().Add(-time.Hour))
	if err != nil || len(retry) != 1 {
		t.Fatalf("ListRetryable = %v, %v", retry, err)
	}
	if retry[0].RetryCount != 1 || retry[0].Error != "boom" {
		t.Fatalf("unexpected retry row: %+v", retry[0])
	}

	// Exhausted budgets drop out of the sweep.
	_ = st.MarkNotificationFailed(ctx, "n1", "boom2")
	_ = st.MarkNotificationFailed(ctx, "n1", "boom3")
	retry, err = st.ListRetryable(ctx, 3, time.Now().Add(-time.Hour))
	if err != nil || len(retry) != 0 {
		t.Fatalf("ListRetryable after exhaustion = %v, %v", retry, err)
	}

	if err := st.MarkNotificationSent(ctx, "n1", time.Now()); err != nil {
		t.Fatalf("MarkNotificationSent: %v", err)
	}
	if _, found, _ := st.LastDedupAt(ctx, "abcd"); !found {
		t.Fatal("sent notification must suppress its dedup key")
	}

	stats, err := st.NotificationStats(ctx)
	if err != nil {
		t.Fatalf("NotificationStats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[StatusSent] != 1 || stats.SuccessRate != 1.0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Today != 1 {
		t.Fatalf("Today = %d, want 1", stats.Today)
	}
}

func TestCountNotificationsPerFiring(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// Two firings, one of them fanned out to two channels, plus a row
	// without a firing id that counts on its own.
	rows := []Notification{
		{ID: "a1", FiringID: "f1", RuleName: "r", Template: "t", Channel: "webhook"},
		{ID: "a2", FiringID: "f1", RuleName: "r", Template: "t", Channel: "telegram"},
		{ID: "b1", FiringID: "f2", RuleName: "r", Template: "t", Channel: "webhook"},
		{ID: "c1", RuleName: "r", Template: "t", Channel: "webhook"},
	}
	for _, n := range rows {
		if err := st.RecordNotification(ctx, n); err != nil {
			t.Fatalf("RecordNotification %s: %v", n.ID, err)
		}
	}

	c, err := st.CountRecentNotifications(ctx, "r", time.Now().Add(-time.Minute))
	if err != nil || c != 3 {
		t.Fatalf("CountRecentNotifications = %d, %v, want 3", c, err)
	}
}
