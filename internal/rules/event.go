package rules

import (
	"context"
	"time"
)

// Event is one classified observation handed from a monitor plugin to the
// rule engine. Data holds the flattened fields conditions and templates see.
type Event struct {
	SourceType string
	ItemID     string
	EntityID   string
	OccurredAt time.Time
	Data       map[string]any
}

// EventSink receives events from monitor plugins. Implementations must accept
// a whole poll cycle's batch at once so chronological ordering can be
// restored before dispatch.
type EventSink interface {
	Process(ctx context.Context, events []Event) error
}

// Notification is a fully rendered alert ready for dispatch.
type Notification struct {
	RuleName string
	Template string
	Channels []string
	DedupKey string
	Title    string
	Body     string
	Urgent   bool
}

// Notifier enqueues rendered notifications for delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
