package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/dustinyejun/monitor-bot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	pruneAfter time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneAfter: cfg.PruneAfter, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Entities ----

func (s *sqliteStore) UpsertEntity(ctx context.Context, e Entity) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	var excluded any
	if len(e.ExcludedTokens) > 0 {
		b, err := json.Marshal(e.ExcludedTokens)
		if err != nil {
			return err
		}
		excluded = string(b)
	}
	// Cursor is intentionally NOT overwritten on conflict; config reloads must
	// never rewind the poll position.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities(id, source_type, address, alias, active, min_amount_sol, excluded_tokens, cursor, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,NULL,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   alias=excluded.alias,
		   active=excluded.active,
		   min_amount_sol=excluded.min_amount_sol,
		   excluded_tokens=excluded.excluded_tokens,
		   updated_at=excluded.updated_at`,
		e.ID, e.SourceType, e.Address, nullStr(e.Alias), boolInt(e.Active),
		e.MinAmountSOL, excluded, e.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) SetEntityActive(ctx context.Context, id string, active bool) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) GetEntity(ctx context.Context, id string) (Entity, error) {
	if s == nil || s.db == nil {
		return Entity{}, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_type, address, alias, active, min_amount_sol, excluded_tokens, cursor, created_at, updated_at
		 FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, ErrNotFound
	}
	return e, err
}

func (s *sqliteStore) ListEntities(ctx context.Context, sourceType string) ([]Entity, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_type, address, alias, active, min_amount_sol, excluded_tokens, cursor, created_at, updated_at
		 FROM entities WHERE source_type = ? AND active = 1 ORDER BY id`, sourceType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(r rowScanner) (Entity, error) {
	var (
		e         Entity
		alias     sql.NullString
		active    int
		excluded  sql.NullString
		cursor    sql.NullString
		createdMS int64
		updatedMS int64
	)
	err := r.Scan(&e.ID, &e.SourceType, &e.Address, &alias, &active,
		&e.MinAmountSOL, &excluded, &cursor, &createdMS, &updatedMS)
	if err != nil {
		return Entity{}, err
	}
	e.Alias = alias.String
	e.Active = active != 0
	e.Cursor = cursor.String
	e.CreatedAt = time.UnixMilli(createdMS)
	e.UpdatedAt = time.UnixMilli(updatedMS)
	if excluded.Valid && excluded.String != "" {
		_ = json.Unmarshal([]byte(excluded.String), &e.ExcludedTokens)
	}
	return e, nil
}

// ---- Cursors ----

func (s *sqliteStore) GetCursor(ctx context.Context, entityID string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM entities WHERE id = ?`, entityID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return cursor.String, nil
}

func (s *sqliteStore) SetCursor(ctx context.Context, entityID, cursor string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET cursor = ?, updated_at = ? WHERE id = ?`,
		nullStr(cursor), time.Now().UnixMilli(), entityID,
	)
	return err
}

func (s *sqliteStore) ResetCursor(ctx context.Context, entityID string) error {
	return s.SetCursor(ctx, entityID, "")
}

// ---- Events ----

func (s *sqliteStore) HasEvent(ctx context.Context, itemID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM events WHERE item_id = ?`, itemID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) RecordEvent(ctx context.Context, e Event) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var occurred any
	if !e.OccurredAt.IsZero() {
		occurred = e.OccurredAt.UnixMilli()
	}
	// INSERT OR IGNORE: a replayed item must not error the whole cycle.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events(item_id, entity_id, source_type, event_type, important, occurred_at, token_ca, amount_sol, amount_usd, data, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ItemID, e.EntityID, e.SourceType, e.EventType, boolInt(e.Important),
		occurred, nullStr(e.TokenCA), e.AmountSOL, e.AmountUSD, nullStr(e.DataJSON),
		e.CreatedAt.UnixMilli(),
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) TokenPurchaseStats(ctx context.Context, entityID, tokenCA string) (PurchaseStats, error) {
	if s == nil || s.db == nil {
		return PurchaseStats{}, ErrClosed
	}
	var (
		st      PurchaseStats
		firstMS sql.NullInt64
		lastMS  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount_sol),0), COALESCE(SUM(amount_usd),0), MIN(created_at), MAX(created_at)
		 FROM events WHERE entity_id = ? AND token_ca = ? AND event_type = 'dex_swap'`,
		entityID, tokenCA,
	).Scan(&st.Count, &st.TotalSOL, &st.TotalUSD, &firstMS, &lastMS)
	if err != nil {
		return PurchaseStats{}, err
	}
	if firstMS.Valid {
		st.FirstSeen = time.UnixMilli(firstMS.Int64)
	}
	if lastMS.Valid {
		st.LastSeen = time.UnixMilli(lastMS.Int64)
	}
	return st, nil
}

// ---- Notification log ----

func (s *sqliteStore) RecordNotification(ctx context.Context, n Notification) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	var sentAt any
	if !n.SentAt.IsZero() {
		sentAt = n.SentAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, firing_id, rule_name, template, channel, dedup_key, title, body, urgent, status, err, retry_count, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, nullStr(n.FiringID), n.RuleName, n.Template, n.Channel, nullStr(n.DedupKey),
		nullStr(n.Title), nullStr(n.Body), boolInt(n.Urgent), n.Status,
		nullStr(n.Error), n.RetryCount, n.CreatedAt.UnixMilli(), sentAt,
	)
	if err == nil {
		s.maybePrune()
	}
	return err
}

func (s *sqliteStore) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, err = NULL, sent_at = ? WHERE id = ?`,
		StatusSent, at.UnixMilli(), id,
	)
	return err
}

func (s *sqliteStore) MarkNotificationFailed(ctx context.Context, id string, errMsg string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, err = ?, retry_count = retry_count + 1 WHERE id = ?`,
		StatusFailed, nullStr(errMsg), id,
	)
	return err
}

func (s *sqliteStore) CountRecentNotifications(ctx context.Context, ruleName string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrClosed
	}
	// One firing fans out into one row per channel; the rate limit budgets
	// firings, so multi-channel rows collapse on firing_id.
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT COALESCE(firing_id, id)) FROM notifications
		 WHERE rule_name = ? AND created_at >= ? AND status != ?`,
		ruleName, since.UnixMilli(), StatusFailed,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) LastDedupAt(ctx context.Context, dedupKey string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrClosed
	}
	if dedupKey == "" {
		return time.Time{}, false, nil
	}
	// Failed deliveries never suppress a repeat; only rows that went out (or
	// are still on their way out) count.
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(created_at) FROM notifications WHERE dedup_key = ? AND status != ?`,
		dedupKey, StatusFailed,
	).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) ListRetryable(ctx context.Context, maxRetries int, since time.Time) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, firing_id, rule_name, template, channel, dedup_key, title, body, urgent, status, err, retry_count, created_at, sent_at
		 FROM notifications
		 WHERE status = ? AND retry_count < ? AND created_at >= ?
		 ORDER BY created_at ASC`,
		StatusFailed, maxRetries, since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var (
			n       Notification
			firing  sql.NullString
			dedup   sql.NullString
			title   sql.NullString
			body    sql.NullString
			urgent  int
			errMsg  sql.NullString
			created int64
			sentAt  sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &firing, &n.RuleName, &n.Template, &n.Channel, &dedup,
			&title, &body, &urgent, &n.Status, &errMsg, &n.RetryCount, &created, &sentAt); err != nil {
			return nil, err
		}
		n.FiringID = firing.String
		n.DedupKey = dedup.String
		n.Title = title.String
		n.Body = body.String
		n.Urgent = urgent != 0
		n.Error = errMsg.String
		n.CreatedAt = time.UnixMilli(created)
		if sentAt.Valid {
			n.SentAt = time.UnixMilli(sentAt.Int64)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqliteStore) NotificationStats(ctx context.Context) (NotificationStats, error) {
	if s == nil || s.db == nil {
		return NotificationStats{}, ErrClosed
	}
	st := NotificationStats{
		ByStatus:  map[string]int{},
		ByChannel: map[string]int{},
		ByRule:    map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, channel, rule_name, COUNT(*) FROM notifications GROUP BY status, channel, rule_name`)
	if err != nil {
		return NotificationStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, channel, rule string
		var n int
		if err := rows.Scan(&status, &channel, &rule, &n); err != nil {
			return NotificationStats{}, err
		}
		st.Total += n
		st.ByStatus[status] += n
		st.ByChannel[channel] += n
		st.ByRule[rule] += n
	}
	if err := rows.Err(); err != nil {
		return NotificationStats{}, err
	}

	if st.Total > 0 {
		st.SuccessRate = float64(st.ByStatus[StatusSent]) / float64(st.Total)
	}

	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE created_at >= ?`, midnight.UnixMilli(),
	).Scan(&st.Today)
	if err != nil {
		return NotificationStats{}, err
	}
	return st, nil
}

// ---- Pruning ----

func (s *sqliteStore) maybePrune() {
	if s.pruneAfter <= 0 {
		return
	}
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cutoff := time.Now().Add(-s.pruneAfter).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
		s.log.Debug("event prune failed", logx.Err(err))
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE created_at < ? AND status = ?`, cutoff, StatusSent); err != nil {
		s.log.Debug("notification prune failed", logx.Err(err))
	}
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
