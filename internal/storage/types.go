package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
	PruneAfter  time.Duration // 0 disables pruning of old events/notifications
}

// Entity is a monitored source (a Solana wallet, a Twitter account).
// ID is "<source_type>:<address>" and stays stable across config reloads.
type Entity struct {
	ID             string
	SourceType     string
	Address        string
	Alias          string
	Active         bool
	MinAmountSOL   float64
	ExcludedTokens []string
	Cursor         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is one classified observation. ItemID is the upstream item id
// (transaction signature, tweet id) and is globally unique per source.
type Event struct {
	ItemID     string
	EntityID   string
	SourceType string
	EventType  string
	Important  bool
	OccurredAt time.Time // zero when the source carried no timestamp
	// TokenCA/AmountSOL/AmountUSD are denormalized for purchase-stats queries.
	TokenCA   string
	AmountSOL float64
	AmountUSD float64
	DataJSON  string
	CreatedAt time.Time
}

// Notification statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Notification is one logged delivery attempt. A rule firing that targets
// several channels produces one row per channel, all sharing a FiringID;
// rate-limit counting collapses on it.
type Notification struct {
	ID         string
	FiringID   string
	RuleName   string
	Template   string
	Channel    string
	DedupKey   string
	Title      string
	Body       string
	Urgent     bool
	Status     string
	Error      string
	RetryCount int
	CreatedAt  time.Time
	SentAt     time.Time
}

// PurchaseStats aggregates DEX swap buys of one token by one wallet.
type PurchaseStats struct {
	Count     int
	TotalSOL  float64
	TotalUSD  float64
	FirstSeen time.Time
	LastSeen  time.Time
}

// NotificationStats is a point-in-time summary of the notification log.
type NotificationStats struct {
	Total       int
	ByStatus    map[string]int
	ByChannel   map[string]int
	ByRule      map[string]int
	SuccessRate float64
	Today       int
}
