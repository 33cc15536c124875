package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign groups offers and creatives aimed at one persona.
type Campaign struct {
	ID        string         `json:"id"`
	PersonaID string         `json:"personaId,omitempty"`
	Name      string         `json:"name"`
	Status    CampaignStatus `json:"status"`
	Channels  []string       `json:"channels"`
	OfferIDs  []string       `json:"offerIds"`
	Goals     map[string]any `json:"goals,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Creative is one message variant of a campaign on one channel.
type Creative struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaignId"`
	Channel    string    `json:"channel"`
	Variant    string    `json:"variant"`
	Subject    string    `json:"subject,omitempty"`
	Body       string    `json:"body"`
	CTAURL     string    `json:"ctaUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// CampaignFilter narrows campaign queries.
type CampaignFilter struct {
	PersonaID string
	Status    CampaignStatus
	Limit     int
}

const campaignColumns = `id, persona_id, name, status, channels, offer_ids, goals, created_at, updated_at`

// CreateCampaign inserts c together with its creatives in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign, creatives []*Creative) error {
	if c.Name == "" {
		return errors.New("campaign name is required")
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}
	channels, err := encodeJSON(nonNil(c.Channels))
	if err != nil {
		return err
	}
	offers, err := encodeJSON(nonNil(c.OfferIDs))
	if err != nil {
		return err
	}
	goals := "{}"
	if c.Goals != nil {
		if goals, err = encodeJSON(c.Goals); err != nil {
			return err
		}
	}
	c.ID = newID()
	c.CreatedAt = s.stamp(c.CreatedAt)
	c.UpdatedAt = c.CreatedAt

	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO campaigns (`+campaignColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, nullString(c.PersonaID), c.Name, c.Status, channels, offers, goals,
			millis(c.CreatedAt), millis(c.UpdatedAt))
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		for _, cr := range creatives {
			cr.ID = newID()
			cr.CampaignID = c.ID
			cr.CreatedAt = c.CreatedAt
			if cr.Variant == "" {
				cr.Variant = "a"
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO creatives (id, campaign_id, channel, variant, subject, body, cta_url, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				cr.ID, cr.CampaignID, cr.Channel, cr.Variant, cr.Subject, cr.Body, cr.CTAURL, millis(cr.CreatedAt))
			if err != nil {
				return fmt.Errorf("insert creative: %w", err)
			}
		}
		return nil
	})
}

// GetCampaign loads one campaign.
func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := scanCampaign(s.db.SQL().QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("campaign", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return c, nil
}

func (f CampaignFilter) where() *where {
	w := &where{}
	if f.PersonaID != "" {
		w.add("persona_id = ?", f.PersonaID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	return w
}

// CountCampaigns counts campaigns matching f.
func (s *Store) CountCampaigns(ctx context.Context, f CampaignFilter) (int, error) {
	w := f.where()
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count campaigns: %w", err)
	}
	return n, nil
}

// ListCampaigns returns campaigns matching f, oldest first.
func (s *Store) ListCampaigns(ctx context.Context, f CampaignFilter) ([]Campaign, error) {
	w := f.where()
	query := `SELECT ` + campaignColumns + ` FROM campaigns` + w.String() + ` ORDER BY created_at ASC, seq ASC`
	args := w.args
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetCampaignOffers replaces the campaign's offer list.
func (s *Store) SetCampaignOffers(ctx context.Context, id string, offerIDs []string) error {
	raw, err := encodeJSON(nonNil(offerIDs))
	if err != nil {
		return err
	}
	res, err := s.db.SQL().ExecContext(ctx, `UPDATE campaigns SET offer_ids = ?, updated_at = ? WHERE id = ?`,
		raw, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set campaign %s offers: %w", id, err)
	}
	return expectRow(res, "campaign", id)
}

// SetCampaignStatus moves a campaign to status.
func (s *Store) SetCampaignStatus(ctx context.Context, id string, status CampaignStatus) error {
	res, err := s.db.SQL().ExecContext(ctx, `UPDATE campaigns SET status = ?, updated_at = ? WHERE id = ?`,
		status, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set campaign %s status: %w", id, err)
	}
	return expectRow(res, "campaign", id)
}

// Creatives returns the campaign's creatives by variant.
func (s *Store) Creatives(ctx context.Context, campaignID string) ([]Creative, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT id, campaign_id, channel, variant, subject, body, cta_url, created_at
		 FROM creatives WHERE campaign_id = ? ORDER BY variant ASC, seq ASC`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list creatives: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Creative
	for rows.Next() {
		var (
			cr      Creative
			created int64
		)
		if err := rows.Scan(&cr.ID, &cr.CampaignID, &cr.Channel, &cr.Variant, &cr.Subject, &cr.Body, &cr.CTAURL, &created); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		cr.CreatedAt = fromMillis(created)
		out = append(out, cr)
	}
	return out, rows.Err()
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c                      Campaign
		persona                sql.NullString
		channels, offers, goal string
		created, updated       int64
	)
	if err := row.Scan(&c.ID, &persona, &c.Name, &c.Status, &channels, &offers, &goal, &created, &updated); err != nil {
		return nil, err
	}
	c.PersonaID = persona.String
	if err := decodeJSON(channels, &c.Channels); err != nil {
		return nil, err
	}
	if err := decodeJSON(offers, &c.OfferIDs); err != nil {
		return nil, err
	}
	if err := decodeJSON(goal, &c.Goals); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}
