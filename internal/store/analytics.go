package store

import (
	"context"
	"fmt"
	"time"
)

// Event is one tracked visitor interaction.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	URL       string         `json:"url,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"ts"`
}

// Result is one day of campaign performance.
type Result struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaignId"`
	Date        time.Time `json:"date"`
	Sent        int       `json:"sent"`
	Clicks      int       `json:"clicks"`
	Conversions int       `json:"conversions"`
	Revenue     float64   `json:"revenue"`
}

// RecordEvent inserts e and fills in its ID.
func (s *Store) RecordEvent(ctx context.Context, e *Event) error {
	payload := "{}"
	if e.Payload != nil {
		var err error
		if payload, err = encodeJSON(e.Payload); err != nil {
			return err
		}
	}
	e.ID = newID()
	e.Timestamp = s.stamp(e.Timestamp)
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO events (id, session_id, type, url, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Type, e.URL, payload, millis(e.Timestamp))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// RecentEvents returns events since the given time, newest first.
func (s *Store) RecentEvents(ctx context.Context, since time.Time, limit int) ([]Event, error) {
	query := `SELECT id, session_id, type, url, payload, ts FROM events WHERE ts >= ? ORDER BY ts DESC, seq DESC`
	args := []any{millis(since)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.URL, &payload, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := decodeJSON(payload, &e.Payload); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordResult inserts r and fills in its ID.
func (s *Store) RecordResult(ctx context.Context, r *Result) error {
	r.ID = newID()
	r.Date = s.stamp(r.Date)
	_, err := s.db.SQL().ExecContext(ctx,
		`INSERT INTO results (id, campaign_id, date, sent, clicks, conversions, revenue) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CampaignID, millis(r.Date), r.Sent, r.Clicks, r.Conversions, r.Revenue)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// CampaignResults returns a campaign's results dated on or after since.
func (s *Store) CampaignResults(ctx context.Context, campaignID string, since time.Time) ([]Result, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, campaign_id, date, sent, clicks, conversions, revenue
		 FROM results WHERE campaign_id = ? AND date >= ? ORDER BY date ASC, seq ASC`,
		campaignID, millis(since))
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Result
	for rows.Next() {
		var (
			r    Result
			date int64
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &date, &r.Sent, &r.Clicks, &r.Conversions, &r.Revenue); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Date = fromMillis(date)
		out = append(out, r)
	}
	return out, rows.Err()
}
