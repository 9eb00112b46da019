package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/dustinyejun/monitor-bot/internal/metrics"
	"github.com/dustinyejun/monitor-bot/internal/rules"
	rtsup "github.com/dustinyejun/monitor-bot/internal/runtime/supervisor"
	"github.com/dustinyejun/monitor-bot/internal/storage"
	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify: queue full")
	ErrStopped   = errors.New("notify: dispatcher stopped")
)

const (
	defaultWorkers  = 2
	postTimeout     = 10 * time.Second
	defaultSchedule = "*/5 * * * *"
)

// Config tunes the dispatch pipeline. Zero values get defaults.
type Config struct {
	RatePerSec    int
	QueueSize     int
	Workers       int
	RetrySchedule string
	MaxRetries    int
	Lookback      time.Duration
}

type job struct {
	id      string
	channel string
	title   string
	body    string
	urgent  bool
}

// Dispatcher is the async delivery pipeline: queue, worker pool, token-bucket
// pacing, durable attempt log and a cron-driven retry sweep. It implements
// rules.Notifier.
type Dispatcher struct {
	log      logx.Logger
	store    storage.Store
	channels map[string]Channel

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	queue     chan job
	sup       *rtsup.Supervisor
	cron      *cron.Cron
	accepting bool
	sendWG    sync.WaitGroup
}

func New(cfg Config, store storage.Store, channels []Channel, log logx.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = defaultSchedule
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24 * time.Hour
	}

	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Dispatcher{
		log:      log,
		store:    store,
		channels: byName,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Channels lists the registered channel names.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	return out
}

// Start launches the workers and the retry sweep. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return nil
	}

	d.queue = make(chan job, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log.With(logx.String("comp", "dispatcher"))))

	q := d.queue
	for i := 0; i < d.cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		d.sup.GoRestart(name, func(c context.Context) error {
			d.workerLoop(c, q)
			return nil
		})
	}

	c := cron.New()
	_, err := c.AddFunc(d.cfg.RetrySchedule, func() {
		sweepCtx, cancel := context.WithTimeout(d.sup.Context(), time.Minute)
		defer cancel()
		d.sweep(sweepCtx)
	})
	if err != nil {
		return fmt.Errorf("retry schedule %q: %w", d.cfg.RetrySchedule, err)
	}
	c.Start()
	d.cron = c
	return nil
}

// Stop blocks intake, drains in-flight enqueues and waits for workers up to
// the context deadline.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	q := d.queue
	sup := d.sup
	cr := d.cron
	if q == nil {
		d.mu.Unlock()
		return nil
	}
	d.accepting = false
	d.queue = nil
	d.sup = nil
	d.cron = nil
	d.mu.Unlock()

	if cr != nil {
		cr.Stop()
	}
	d.sendWG.Wait()
	close(q)
	if sup != nil {
		return sup.Wait(ctx)
	}
	return nil
}

// Notify records one notification row per target channel and queues the
// deliveries. A full queue marks the row failed so the sweep can pick it up.
func (d *Dispatcher) Notify(ctx context.Context, n rules.Notification) error {
	d.mu.Lock()
	q := d.queue
	if q == nil || !d.accepting {
		d.mu.Unlock()
		return ErrStopped
	}
	// Taking the send count under the same lock as the accepting check keeps
	// Stop from closing the queue while an admitted call is still enqueueing.
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	firingID := uuid.NewString()
	var firstErr error
	for _, chName := range n.Channels {
		if _, ok := d.channels[chName]; !ok {
			d.log.Warn("notification targets unconfigured channel",
				logx.String("rule", n.RuleName),
				logx.String("channel", chName),
			)
			continue
		}

		rec := storage.Notification{
			ID:        uuid.NewString(),
			FiringID:  firingID,
			RuleName:  n.RuleName,
			Template:  n.Template,
			Channel:   chName,
			DedupKey:  n.DedupKey,
			Title:     n.Title,
			Body:      n.Body,
			Urgent:    n.Urgent,
			Status:    storage.StatusPending,
			CreatedAt: time.Now(),
		}
		if err := d.store.RecordNotification(ctx, rec); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("record notification: %w", err)
			}
			continue
		}
		metrics.NotificationsEnqueued.WithLabelValues(n.RuleName).Inc()

		enqueued := false
		select {
		case q <- job{id: rec.ID, channel: chName, title: n.Title, body: n.Body, urgent: n.Urgent}:
			enqueued = true
		default:
		}
		if !enqueued {
			_ = d.store.MarkNotificationFailed(ctx, rec.ID, ErrQueueFull.Error())
			if firstErr == nil {
				firstErr = ErrQueueFull
			}
		}
	}
	metrics.QueueDepth.Set(float64(len(q)))
	return firstErr
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			d.deliver(ctx, j)
			metrics.QueueDepth.Set(float64(len(q)))
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	ch, ok := d.channels[j.channel]
	if !ok {
		_ = d.store.MarkNotificationFailed(ctx, j.id, "channel not configured")
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		// Shutting down; leave the row pending for the next sweep window.
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, postTimeout)
	err := ch.Post(callCtx, j.title, j.body, j.urgent)
	cancel()

	if err != nil {
		d.log.Warn("delivery failed",
			logx.String("channel", j.channel),
			logx.String("id", j.id),
			logx.Err(err),
		)
		if mErr := d.store.MarkNotificationFailed(ctx, j.id, err.Error()); mErr != nil {
			d.log.Error("mark failed", logx.String("id", j.id), logx.Err(mErr))
		}
		metrics.NotificationsDelivered.WithLabelValues(j.channel, "failure").Inc()
		return
	}

	if mErr := d.store.MarkNotificationSent(ctx, j.id, time.Now()); mErr != nil {
		d.log.Error("mark sent", logx.String("id", j.id), logx.Err(mErr))
	}
	metrics.NotificationsDelivered.WithLabelValues(j.channel, "success").Inc()
}

// sweep re-queues failed notifications still inside the retry budget and the
// lookback horizon. Permanently failed rows stay visible in statistics only.
func (d *Dispatcher) sweep(ctx context.Context) {
	metrics.RetrySweeps.Inc()

	d.mu.Lock()
	q := d.queue
	if q == nil || !d.accepting {
		d.mu.Unlock()
		return
	}
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	since := time.Now().Add(-d.cfg.Lookback)
	failed, err := d.store.ListRetryable(ctx, d.cfg.MaxRetries, since)
	if err != nil {
		d.log.Error("retry sweep query failed", logx.Err(err))
		return
	}
	if len(failed) == 0 {
		return
	}

	requeued := 0
	for _, n := range failed {
		select {
		case q <- job{id: n.ID, channel: n.Channel, title: n.Title, body: n.Body, urgent: n.Urgent}:
			requeued++
		default:
			// Full queue; the rest waits for the next sweep.
		}
	}
	d.log.Info("retry sweep",
		logx.Int("eligible", len(failed)),
		logx.Int("requeued", requeued),
	)
}

// Stats returns the durable notification summary.
func (d *Dispatcher) Stats(ctx context.Context) (storage.NotificationStats, error) {
	return d.store.NotificationStats(ctx)
}
