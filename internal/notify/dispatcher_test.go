package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/rules"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// memStore is an in-memory Store covering what the dispatcher touches.
// recordEntered/recordGate, when set before use, let a test hold a Notify
// call inside the store write.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]*storage.Notification
	retryable     []storage.Notification
	recordEntered chan struct{}
	recordGate    chan struct{}
}

func newMemStore() *memStore {
	return &memStore{notifications: map[string]*storage.Notification{}}
}

func (s *memStore) UpsertEntity(ctx context.Context, e storage.Entity) error          { return nil }
func (s *memStore) SetEntityActive(ctx context.Context, id string, active bool) error { return nil }
func (s *memStore) GetEntity(ctx context.Context, id string) (storage.Entity, error) {
	return storage.Entity{}, storage.ErrNotFound
}
func (s *memStore) ListEntities(ctx context.Context, sourceType string) ([]storage.Entity, error) {
	return nil, nil
}
func (s *memStore) GetCursor(ctx context.Context, entityID string) (string, error) { return "", nil }
func (s *memStore) SetCursor(ctx context.Context, entityID, cursor string) error   { return nil }
func (s *memStore) ResetCursor(ctx context.Context, entityID string) error         { return nil }
func (s *memStore) HasEvent(ctx context.Context, itemID string) (bool, error)      { return false, nil }
func (s *memStore) RecordEvent(ctx context.Context, e storage.Event) error         { return nil }
func (s *memStore) TokenPurchaseStats(ctx context.Context, entityID, tokenCA string) (storage.PurchaseStats, error) {
	return storage.PurchaseStats{}, nil
}

func (s *memStore) RecordNotification(ctx context.Context, n storage.Notification) error {
	if s.recordEntered != nil {
		s.recordEntered <- struct{}{}
	}
	if s.recordGate != nil {
		<-s.recordGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := n
	s.notifications[n.ID] = &cp
	return nil
}

func (s *memStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return storage.ErrNotFound
	}
	n.Status = storage.StatusSent
	n.SentAt = at
	return nil
}

func (s *memStore) MarkNotificationFailed(ctx context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return storage.ErrNotFound
	}
	n.Status = storage.StatusFailed
	n.Error = errMsg
	n.RetryCount++
	return nil
}

func (s *memStore) CountRecentNotifications(ctx context.Context, ruleName string, since time.Time) (int, error) {
	return 0, nil
}
func (s *memStore) LastDedupAt(ctx context.Context, dedupKey string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (s *memStore) ListRetryable(ctx context.Context, maxRetries int, since time.Time) ([]storage.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Notification(nil), s.retryable...), nil
}

func (s *memStore) NotificationStats(ctx context.Context) (storage.NotificationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := storage.NotificationStats{Total: len(s.notifications), ByStatus: map[string]int{}}
	for _, n := range s.notifications {
		st.ByStatus[n.Status]++
	}
	return st, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		return n.Status
	}
	return ""
}

func (s *memStore) firstID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.notifications {
		return id
	}
	return ""
}

// chanRecorder is a Channel that records posts and can be made to fail or block.
type chanRecorder struct {
	name    string
	mu      sync.Mutex
	posts   []string
	failErr error
	posted  chan struct{}
	release chan struct{}
}

func newChanRecorder(name string) *chanRecorder {
	return &chanRecorder{name: name, posted: make(chan struct{}, 64)}
}

func (c *chanRecorder) Name() string { return c.name }

func (c *chanRecorder) Post(ctx context.Context, title, body string, urgent bool) error {
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	err := c.failErr
	if err == nil {
		c.posts = append(c.posts, title)
	}
	c.mu.Unlock()
	c.posted <- struct{}{}
	return err
}

func (c *chanRecorder) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func startDispatcher(t *testing.T, cfg Config, store storage.Store, chs ...Channel) *Dispatcher {
	t.Helper()
	d := New(cfg, store, chs, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = d.Stop(stopCtx)
		cancel()
	})
	return d
}

func TestDispatcherDeliversAndMarksSent(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook)

	err := d.Notify(context.Background(), rules.Notification{
		RuleName: "r1",
		Template: "t1",
		Channels: []string{"webhook"},
		Title:    "hello",
		Body:     "world",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, webhook.posted)
	if webhook.count() != 1 {
		t.Fatalf("posts = %d, want 1", webhook.count())
	}

	id := store.firstID()
	deadline := time.Now().Add(5 * time.Second)
	for store.status(id) != storage.StatusSent {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want sent", store.status(id))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherMarksFailedDeliveries(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	webhook.failErr = errors.New("upstream 500")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook)

	if err := d.Notify(context.Background(), rules.Notification{
		RuleName: "r1", Channels: []string{"webhook"}, Title: "x",
	}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, webhook.posted)
	id := store.firstID()
	deadline := time.Now().Add(5 * time.Second)
	for store.status(id) != storage.StatusFailed {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want failed", store.status(id))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherSkipsUnconfiguredChannel(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook)

	err := d.Notify(context.Background(), rules.Notification{
		RuleName: "r1", Channels: []string{"pager"}, Title: "x",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := len(store.notifications); got != 0 {
		t.Fatalf("recorded %d notifications for unconfigured channel", got)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	webhook.release = make(chan struct{})
	d := startDispatcher(t, Config{RatePerSec: 100, QueueSize: 1, Workers: 1}, store, webhook)

	// First fills the worker, second fills the queue, third overflows.
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = d.Notify(context.Background(), rules.Notification{
			RuleName: "r1", Channels: []string{"webhook"}, Title: "x",
		})
		time.Sleep(50 * time.Millisecond)
	}
	if !errors.Is(lastErr, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", lastErr)
	}

	close(webhook.release)
	waitFor(t, webhook.posted)
	waitFor(t, webhook.posted)
}

func TestDispatcherRetrySweep(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook)

	// A previously failed row the sweep should pick up and redeliver.
	failed := storage.Notification{
		ID: "n-retry", RuleName: "r1", Channel: "webhook",
		Title: "again", Status: storage.StatusFailed, RetryCount: 1,
	}
	if err := store.RecordNotification(context.Background(), failed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.mu.Lock()
	store.retryable = []storage.Notification{failed}
	store.mu.Unlock()

	d.sweep(context.Background())

	waitFor(t, webhook.posted)
	deadline := time.Now().Add(5 * time.Second)
	for store.status("n-retry") != storage.StatusSent {
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want sent", store.status("n-retry"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDispatcherSharesFiringIDAcrossChannels(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	telegram := newChanRecorder("telegram")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook, telegram)

	err := d.Notify(context.Background(), rules.Notification{
		RuleName: "r1", Channels: []string{"webhook", "telegram"}, Title: "x",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}

	store.mu.Lock()
	rows := len(store.notifications)
	ids := map[string]struct{}{}
	missing := false
	for _, n := range store.notifications {
		if n.FiringID == "" {
			missing = true
		}
		ids[n.FiringID] = struct{}{}
	}
	store.mu.Unlock()

	if missing {
		t.Fatal("notification row recorded without a firing id")
	}
	if rows != 2 || len(ids) != 1 {
		t.Fatalf("rows = %d, distinct firing ids = %d; want one firing over two channels", rows, len(ids))
	}
}

func TestDispatcherStopWaitsForInflightNotify(t *testing.T) {
	store := newMemStore()
	store.recordEntered = make(chan struct{}, 1)
	store.recordGate = make(chan struct{})
	webhook := newChanRecorder("webhook")
	d := startDispatcher(t, Config{RatePerSec: 100}, store, webhook)

	notifyErr := make(chan error, 1)
	go func() {
		notifyErr <- d.Notify(context.Background(), rules.Notification{
			RuleName: "r1", Channels: []string{"webhook"}, Title: "x",
		})
	}()
	waitFor(t, store.recordEntered)

	// Stop while the admitted Notify is still inside the store write. It must
	// wait for the enqueue instead of closing the queue underneath it.
	stopErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopErr <- d.Stop(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	close(store.recordGate)

	if err := <-notifyErr; err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := <-stopErr; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// The job went in before the close, so the drain delivered it.
	if webhook.count() != 1 {
		t.Fatalf("posts = %d, want 1", webhook.count())
	}
}

func TestDispatcherStoppedRejectsNotify(t *testing.T) {
	store := newMemStore()
	webhook := newChanRecorder("webhook")
	d := New(Config{}, store, []Channel{webhook}, logx.Nop())

	err := d.Notify(context.Background(), rules.Notification{Channels: []string{"webhook"}})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err = d.Notify(ctx, rules.Notification{Channels: []string{"webhook"}})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop: err = %v, want ErrStopped", err)
	}
}
