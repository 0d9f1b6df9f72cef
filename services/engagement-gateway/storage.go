package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"campusbridge/audit"
	"campusbridge/engagement"
)

// SQLiteStore persists webhook subscriptions, delivery attempts, the audit
// event log, and the set of engagements this gateway has touched.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS subscriptions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            url TEXT NOT NULL,
            secret TEXT NOT NULL,
            event_types TEXT NOT NULL,
            rate_per_minute INTEGER NOT NULL DEFAULT 60,
            active INTEGER NOT NULL DEFAULT 1,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS subscription_attempts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            subscription_id INTEGER NOT NULL,
            event_id TEXT NOT NULL,
            attempt INTEGER NOT NULL,
            status TEXT NOT NULL,
            error TEXT,
            next_attempt TIMESTAMP,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS audit_events (
            id TEXT PRIMARY KEY,
            type TEXT NOT NULL,
            engagement_id TEXT NOT NULL,
            actor_id TEXT,
            actor_role TEXT,
            attributes TEXT NOT NULL,
            occurred_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS observed_engagements (
            id TEXT PRIMARY KEY,
            state TEXT NOT NULL,
            requires_deposit INTEGER NOT NULL,
            first_seen TIMESTAMP NOT NULL,
            last_seen TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertSubscription registers a new webhook consumer and returns its id.
func (s *SQLiteStore) InsertSubscription(ctx context.Context, sub audit.Subscription) (int64, error) {
	types, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return 0, err
	}
	const stmt = `INSERT INTO subscriptions(url, secret, event_types, rate_per_minute, active, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, stmt, sub.URL, sub.Secret, string(types), sub.RatePerMinute, boolInt(sub.Active), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSubscriptions returns every registered subscription, active or not.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]audit.Subscription, error) {
	const query = `SELECT id, url, secret, event_types, rate_per_minute, active FROM subscriptions ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListSubscriptionsForEvent returns the active subscriptions whose event type
// filter matches. An empty filter or a "*" entry matches every event.
func (s *SQLiteStore) ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]audit.Subscription, error) {
	const query = `SELECT id, url, secret, event_types, rate_per_minute, active FROM subscriptions WHERE active = 1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	subs, err := scanSubscriptions(rows)
	if err != nil {
		return nil, err
	}
	matched := subs[:0]
	for _, sub := range subs {
		if subscriptionMatches(sub, eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, nil
}

func subscriptionMatches(sub audit.Subscription, eventType string) bool {
	if len(sub.EventTypes) == 0 {
		return true
	}
	for _, t := range sub.EventTypes {
		if t == "*" || t == eventType {
			return true
		}
	}
	return false
}

func scanSubscriptions(rows *sql.Rows) ([]audit.Subscription, error) {
	var subs []audit.Subscription
	for rows.Next() {
		var sub audit.Subscription
		var types string
		var active int
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &types, &sub.RatePerMinute, &active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(types), &sub.EventTypes); err != nil {
			return nil, err
		}
		sub.Active = active != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// SetSubscriptionActive toggles delivery for a subscription.
func (s *SQLiteStore) SetSubscriptionActive(ctx context.Context, id int64, active bool) error {
	const stmt = `UPDATE subscriptions SET active = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, boolInt(active), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// InsertAttempt appends one delivery attempt to the log.
func (s *SQLiteStore) InsertAttempt(ctx context.Context, attempt audit.Attempt) error {
	const stmt = `INSERT INTO subscription_attempts(subscription_id, event_id, attempt, status, error, next_attempt, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	var next interface{}
	if !attempt.NextAttempt.IsZero() {
		next = attempt.NextAttempt.UTC()
	}
	_, err := s.db.ExecContext(ctx, stmt, attempt.SubscriptionID, attempt.EventID, attempt.Attempt, attempt.Status, attempt.Error, next, attempt.CreatedAt.UTC())
	return err
}

// InsertEvent records an emitted audit event. Duplicate ids are ignored so a
// replayed emit never fails the caller.
func (s *SQLiteStore) InsertEvent(ctx context.Context, evt audit.Event) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR IGNORE INTO audit_events(id, type, engagement_id, actor_id, actor_role, attributes, occurred_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.ID, evt.Type, evt.EngagementID, evt.ActorID, evt.ActorRole, string(attrs), evt.OccurredAt.UTC())
	return err
}

// ListEvents returns the audit trail for one engagement, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, engagementID string) ([]audit.Event, error) {
	const query = `SELECT id, type, engagement_id, actor_id, actor_role, attributes, occurred_at FROM audit_events WHERE engagement_id = ? ORDER BY occurred_at`
	rows, err := s.db.QueryContext(ctx, query, engagementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []audit.Event
	for rows.Next() {
		var evt audit.Event
		var attrs string
		if err := rows.Scan(&evt.ID, &evt.Type, &evt.EngagementID, &evt.ActorID, &evt.ActorRole, &attrs, &evt.OccurredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(attrs), &evt.Attributes); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// ObserveEngagement upserts the engagement into the sweep working set.
func (s *SQLiteStore) ObserveEngagement(ctx context.Context, eng *engagement.Engagement) error {
	if eng == nil {
		return errors.New("store: nil engagement")
	}
	now := time.Now().UTC()
	const stmt = `INSERT INTO observed_engagements(id, state, requires_deposit, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET state = excluded.state, last_seen = excluded.last_seen`
	_, err := s.db.ExecContext(ctx, stmt, eng.ID, string(eng.State), boolInt(eng.RequiresDeposit), now, now)
	return err
}

// ListStaleCandidates returns deposit-requiring engagements still waiting in
// the applied state since before the cutoff. The sweeper inspects their holds.
func (s *SQLiteStore) ListStaleCandidates(ctx context.Context, before time.Time) ([]string, error) {
	const query = `SELECT id FROM observed_engagements WHERE requires_deposit = 1 AND state = ? AND first_seen < ?`
	rows, err := s.db.QueryContext(ctx, query, string(engagement.StateApplied), before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
