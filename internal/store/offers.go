package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Offer is an affiliate offer with its Conversion Potential Score (CPS, 0-100).
type Offer struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	SourceID    string         `json:"sourceId,omitempty"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	URL         string         `json:"url"`
	Categories  []string       `json:"categories"`
	Commission  Commission     `json:"commission"`
	CPS         float64        `json:"cps"`
	Meta        map[string]any `json:"meta,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Commission describes how an offer pays.
type Commission struct {
	Type       string  `json:"type,omitempty"` // percentage or fixed
	Rate       float64 `json:"rate,omitempty"`
	Currency   string  `json:"currency,omitempty"`
	EPC        float64 `json:"epc,omitempty"`
	CookieDays int     `json:"cookieDays,omitempty"`
	Recurring  bool    `json:"recurring,omitempty"`
}

// OfferOrder selects the ordering of ListOffers.
type OfferOrder int

const (
	// ByCPSDesc orders best scoring first.
	ByCPSDesc OfferOrder = iota
	// ByUpdatedAsc orders least recently updated first.
	ByUpdatedAsc
)

// OfferQuery narrows ListOffers.
type OfferQuery struct {
	MinCPS float64
	Order  OfferOrder
	Limit  int
}

const offerColumns = `id, source, source_id, name, description, url, categories, commission, cps, meta, created_at, updated_at`

// UpsertOffer inserts o or updates the existing offer with the same
// (source, sourceId) key; offers without a sourceId are keyed by name.
func (s *Store) UpsertOffer(ctx context.Context, o *Offer) error {
	if o.Source == "" || o.Name == "" {
		return errors.New("offer source and name are required")
	}
	key := o.SourceID
	if key == "" {
		key = o.Name
	}
	categories, err := encodeJSON(nonNil(o.Categories))
	if err != nil {
		return err
	}
	commission, err := encodeJSON(o.Commission)
	if err != nil {
		return err
	}
	meta := "{}"
	if o.Meta != nil {
		if meta, err = encodeJSON(o.Meta); err != nil {
			return err
		}
	}
	now := millis(s.now())
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO offers (id, source, source_id, source_key, name, description, url, categories, commission, cps, meta, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source, source_key) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   url = excluded.url,
		   categories = excluded.categories,
		   commission = excluded.commission,
		   cps = excluded.cps,
		   updated_at = excluded.updated_at`,
		newID(), o.Source, o.SourceID, key, o.Name, o.Description, o.URL, categories, commission, o.CPS, meta, now, now)
	if err != nil {
		return fmt.Errorf("upsert offer %s/%s: %w", o.Source, key, err)
	}
	return s.db.SQL().QueryRowContext(ctx, `SELECT id FROM offers WHERE source = ? AND source_key = ?`, o.Source, key).Scan(&o.ID)
}

// GetOffer loads one offer.
func (s *Store) GetOffer(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(s.db.SQL().QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("offer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get offer %s: %w", id, err)
	}
	return o, nil
}

// OffersByID loads the offers with the given ids in the order given; unknown ids are skipped.
func (s *Store) OffersByID(ctx context.Context, ids []string) ([]Offer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	offers, err := s.queryOffers(ctx, `SELECT `+offerColumns+` FROM offers WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Offer, len(offers))
	for _, o := range offers {
		byID[o.ID] = o
	}
	out := make([]Offer, 0, len(offers))
	for _, id := range ids {
		if o, ok := byID[id]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListOffers returns offers matching q.
func (s *Store) ListOffers(ctx context.Context, q OfferQuery) ([]Offer, error) {
	var w where
	if q.MinCPS > 0 {
		w.add("cps >= ?", q.MinCPS)
	}
	query := `SELECT ` + offerColumns + ` FROM offers` + w.String()
	switch q.Order {
	case ByUpdatedAsc:
		query += ` ORDER BY updated_at ASC, seq ASC`
	default:
		query += ` ORDER BY cps DESC, seq ASC`
	}
	args := w.args
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	return s.queryOffers(ctx, query, args...)
}

// CountOffers counts every offer.
func (s *Store) CountOffers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM offers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count offers: %w", err)
	}
	return n, nil
}

// RescoreOffer sets the offer's CPS and merges meta into its metadata.
func (s *Store) RescoreOffer(ctx context.Context, id string, cps float64, meta map[string]any) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT meta FROM offers WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("offer", id)
		}
		if err != nil {
			return fmt.Errorf("read offer %s: %w", id, err)
		}
		current := make(map[string]any)
		if err := decodeJSON(raw, &current); err != nil {
			return err
		}
		for k, v := range meta {
			current[k] = v
		}
		encoded, err := encodeJSON(current)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE offers SET cps = ?, meta = ?, updated_at = ? WHERE id = ?`,
			cps, encoded, millis(s.now()), id); err != nil {
			return fmt.Errorf("rescore offer %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) queryOffers(ctx context.Context, query string, args ...any) ([]Offer, error) {
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOffer(row rowScanner) (*Offer, error) {
	var (
		o                      Offer
		categories, comm, meta string
		created, updated       int64
	)
	if err := row.Scan(&o.ID, &o.Source, &o.SourceID, &o.Name, &o.Description, &o.URL,
		&categories, &comm, &o.CPS, &meta, &created, &updated); err != nil {
		return nil, err
	}
	if err := decodeJSON(categories, &o.Categories); err != nil {
		return nil, err
	}
	if err := decodeJSON(comm, &o.Commission); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &o.Meta); err != nil {
		return nil, err
	}
	o.CreatedAt = fromMillis(created)
	o.UpdatedAt = fromMillis(updated)
	return &o, nil
}
