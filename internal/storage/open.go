package storage

import (
	"context"
	"time"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// Store is the persistence API used by the pipeline.
//
// Error contract: callers in the hot path treat errors according to their own
// failure policy (dedup lookups fail open, rule lookups fail closed); the
// store itself only reports.
type Store interface {
	// Entities.
	UpsertEntity(ctx context.Context, e Entity) error
	SetEntityActive(ctx context.Context, id string, active bool) error
	GetEntity(ctx context.Context, id string) (Entity, error)
	ListEntities(ctx context.Context, sourceType string) ([]Entity, error)

	// Cursors.
	GetCursor(ctx context.Context, entityID string) (string, error)
	SetCursor(ctx context.Context, entityID, cursor string) error
	// ResetCursor clears the cursor so the next poll starts from the newest
	// page. Operator action only; nothing in the pipeline calls it.
	ResetCursor(ctx context.Context, entityID string) error

	// Events (durable dedup layer).
	HasEvent(ctx context.Context, itemID string) (bool, error)
	RecordEvent(ctx context.Context, e Event) error
	TokenPurchaseStats(ctx context.Context, entityID, tokenCA string) (PurchaseStats, error)

	// Notification log.
	RecordNotification(ctx context.Context, n Notification) error
	MarkNotificationSent(ctx context.Context, id string, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id string, errMsg string) error
	CountRecentNotifications(ctx context.Context, ruleName string, since time.Time) (int, error)
	LastDedupAt(ctx context.Context, dedupKey string) (time.Time, bool, error)
	ListRetryable(ctx context.Context, maxRetries int, since time.Time) ([]Notification, error)
	NotificationStats(ctx context.Context) (NotificationStats, error)

	Close() error
}

// Open initializes the sqlite store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
