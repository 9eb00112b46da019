package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustinyejun/monitor-bot/internal/config"
	"github.com/dustinyejun/monitor-bot/internal/metrics"
	"github.com/dustinyejun/monitor-bot/internal/rules"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

// SourceType is the entity/event source identifier for account monitoring.
const SourceType = "twitter"

// Plugin polls monitored accounts for new posts and hands contract-address
// mentions to the rule engine.
type Plugin struct {
	cfg      config.TwitterConfig
	client   *Client
	analyzer *Analyzer
	store    storage.Store
	sink     rules.EventSink
	log      logx.Logger
	interval time.Duration

	// username -> numeric user id, resolved lazily. Check runs on a single
	// goroutine so a plain map suffices.
	userIDs map[string]string
}

func NewPlugin(cfg config.TwitterConfig, store storage.Store, sink rules.EventSink, log logx.Logger) (*Plugin, error) {
	timeout, err := config.ParseDurationOrDefault("monitors.twitter.request_timeout", cfg.RequestTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	interval, err := config.ParseDurationOrDefault("monitors.twitter.check_interval", cfg.CheckInterval, time.Minute)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(cfg.APIBase, cfg.BearerToken, timeout, log)
	if err != nil {
		return nil, err
	}

	return &Plugin{
		cfg:      cfg,
		client:   client,
		analyzer: NewAnalyzer(),
		store:    store,
		sink:     sink,
		log:      log,
		interval: interval,
		userIDs:  map[string]string{},
	}, nil
}

func (p *Plugin) Name() string                 { return SourceType }
func (p *Plugin) CheckInterval() time.Duration { return p.interval }

// Initialize verifies the API is reachable by resolving the first configured
// account. Individual accounts that fail to resolve later are handled per
// cycle, not here.
func (p *Plugin) Initialize(ctx context.Context) error {
	if len(p.cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}
	first := p.cfg.Accounts[0].Username
	if _, err := p.client.UserByUsername(ctx, first); err != nil {
		return fmt.Errorf("resolve @%s: %w", first, err)
	}
	return nil
}

func (p *Plugin) Cleanup(ctx context.Context) error { return nil }

// Check runs one poll cycle over all active account entities.
func (p *Plugin) Check(ctx context.Context) error {
	entities, err := p.store.ListEntities(ctx, SourceType)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var lastErr error
	for _, ent := range entities {
		if !ent.Active {
			continue
		}
		if err := p.checkAccount(ctx, ent); err != nil {
			lastErr = err
			p.log.Error("account check failed",
				logx.String("account", ent.Address),
				logx.Err(err),
			)
		}
	}
	metrics.PollCycles.WithLabelValues(SourceType).Inc()
	return lastErr
}

func (p *Plugin) checkAccount(ctx context.Context, ent storage.Entity) error {
	userID, err := p.resolveUser(ctx, ent)
	if err != nil {
		return err
	}
	if userID == "" {
		// Account gone; resolveUser already deactivated the entity.
		return nil
	}

	cursor, err := p.store.GetCursor(ctx, ent.ID)
	if err != nil {
		return fmt.Errorf("get cursor: %w", err)
	}

	limit := p.cfg.FetchLimit
	if limit <= 0 {
		limit = 50
	}
	tweets, err := p.client.UserTweets(ctx, userID, cursor, limit)
	if err != nil {
		return fmt.Errorf("fetch tweets: %w", err)
	}
	if len(tweets) == 0 {
		return nil
	}
	metrics.ItemsFetched.WithLabelValues(SourceType).Add(float64(len(tweets)))

	fresh := p.filterNew(ctx, tweets, cursor)

	var events []rules.Event
	for _, tw := range fresh {
		ev, err := p.processTweet(ctx, ent, tw)
		if err != nil {
			p.log.Warn("skipping tweet",
				logx.String("tweet_id", tw.ID),
				logx.Err(err),
			)
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}

	if len(events) > 0 {
		if err := p.sink.Process(ctx, events); err != nil {
			p.log.Error("event hand-off failed", logx.Err(err))
		}
	}

	// Newest post wins the cursor even when nothing was notified.
	newest := tweets[0].ID
	if newest != cursor {
		if err := p.store.SetCursor(ctx, ent.ID, newest); err != nil {
			return fmt.Errorf("set cursor: %w", err)
		}
	}
	return nil
}

// resolveUser maps the entity's handle to its numeric id, caching the result.
// A 404 deactivates the entity and returns "".
func (p *Plugin) resolveUser(ctx context.Context, ent storage.Entity) (string, error) {
	if id, ok := p.userIDs[ent.Address]; ok {
		return id, nil
	}
	user, err := p.client.UserByUsername(ctx, ent.Address)
	if err != nil {
		return "", fmt.Errorf("resolve @%s: %w", ent.Address, err)
	}
	if user == nil {
		p.log.Warn("account not found; deactivating",
			logx.String("account", ent.Address))
		if err := p.store.SetEntityActive(ctx, ent.ID, false); err != nil {
			return "", fmt.Errorf("deactivate entity: %w", err)
		}
		return "", nil
	}
	p.userIDs[ent.Address] = user.ID
	return user.ID, nil
}

// filterNew applies the dedup layers: drop posts from before today (keeping
// timestamp-less ones), cut at the previous cursor, check the durable event
// record. since_id already bounds the page server-side; the layers guard
// against overlapping or replayed responses.
func (p *Plugin) filterNew(ctx context.Context, tweets []Tweet, cursor string) []Tweet {
	todayStart := time.Now().UTC().Truncate(24 * time.Hour)

	var out []Tweet
	for _, tw := range tweets {
		if t := tw.Time(); !t.IsZero() && t.Before(todayStart) {
			continue
		}
		if cursor != "" && tw.ID == cursor {
			break
		}
		seen, err := p.store.HasEvent(ctx, tw.ID)
		if err != nil {
			p.log.Warn("event lookup failed; keeping item",
				logx.String("tweet_id", tw.ID), logx.Err(err))
		} else if seen {
			continue
		}
		out = append(out, tw)
	}
	return out
}

// processTweet analyzes and records one post. Returns a nil event when the
// post carries no contract address worth reporting.
func (p *Plugin) processTweet(ctx context.Context, ent storage.Entity, tw Tweet) (*rules.Event, error) {
	analysis := p.analyzer.Analyze(tw.Text)

	important := analysis.HasCA && analysis.MaxConfidence() >= p.cfg.MinConfidence

	eventType := "post"
	if analysis.HasCA {
		eventType = "ca_mention"
	}

	data := p.eventData(ent, tw, analysis)

	rec := storage.Event{
		ItemID:     tw.ID,
		EntityID:   ent.ID,
		SourceType: SourceType,
		EventType:  eventType,
		Important:  important,
		OccurredAt: tw.Time(),
	}
	if len(analysis.Addresses) > 0 {
		rec.TokenCA = analysis.Addresses[0].Address
	}
	if raw, err := json.Marshal(data); err == nil {
		rec.DataJSON = string(raw)
	}
	if err := p.store.RecordEvent(ctx, rec); err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	metrics.EventsRecorded.WithLabelValues(SourceType, eventType).Inc()

	if !important {
		return nil, nil
	}
	return &rules.Event{
		SourceType: SourceType,
		ItemID:     tw.ID,
		EntityID:   ent.ID,
		OccurredAt: tw.Time(),
		Data:       data,
	}, nil
}

func (p *Plugin) eventData(ent storage.Entity, tw Tweet, analysis Analysis) map[string]any {
	alias := ent.Alias
	if alias == "" {
		alias = ent.Address
	}
	data := map[string]any{
		"username":      ent.Address,
		"account_alias": alias,
		"content":       tw.Text,
		"tweet_id":      tw.ID,
		"tweet_url":     fmt.Sprintf("https://twitter.com/%s/status/%s", ent.Address, tw.ID),
		"ca_addresses":  analysis.AddressStrings(),
		"confidence":    analysis.MaxConfidence(),
		"risk_score":    analysis.RiskScore,
		"keywords":      analysis.Keywords,
		"like_count":    tw.Metrics.Likes,
		"retweet_count": tw.Metrics.Retweets,
		"reply_count":   tw.Metrics.Replies,
	}
	if t := tw.Time(); !t.IsZero() {
		data["posted_at"] = t.Format(time.RFC3339)
	}
	return data
}
