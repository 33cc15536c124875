package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LeadStatus is the outreach state of a customer lead.
type LeadStatus string

const (
	LeadDiscovered   LeadStatus = "discovered"
	LeadContacted    LeadStatus = "contacted"
	LeadResponded    LeadStatus = "responded"
	LeadQualified    LeadStatus = "qualified"
	LeadConverted    LeadStatus = "converted"
	LeadUnsubscribed LeadStatus = "unsubscribed"
)

// Lead is a prospective customer tied to a persona.
type Lead struct {
	ID                string         `json:"id"`
	PersonaID         string         `json:"personaId,omitempty"`
	Name              string         `json:"name"`
	Email             string         `json:"email,omitempty"`
	Phone             string         `json:"phone,omitempty"`
	Company           string         `json:"company,omitempty"`
	Website           string         `json:"website,omitempty"`
	SourceURL         string         `json:"sourceUrl,omitempty"`
	Interests         []string       `json:"interests"`
	PainPoints        []string       `json:"painPoints"`
	BuyingSignals     []string       `json:"buyingSignals"`
	RecommendedOffers []string       `json:"recommendedOffers"`
	OutreachStatus    LeadStatus     `json:"outreachStatus"`
	OutreachAttempts  int            `json:"outreachAttempts"`
	LastContactedAt   *time.Time     `json:"lastContactedAt,omitempty"`
	DiscoveredVia     string         `json:"discoveredVia,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// LeadFilter narrows lead queries. Zero fields do not filter.
type LeadFilter struct {
	PersonaID    string
	Status       LeadStatus
	HasEmail     bool
	CreatedSince time.Time
	Limit        int

	// MissingEmailOrCompany matches leads lacking either field.
	MissingEmailOrCompany bool

	// MissingContact matches leads lacking email, company or phone.
	MissingContact bool
}

// ContactUpdate holds enrichment results. Empty fields keep the stored value.
type ContactUpdate struct {
	Email   string
	Phone   string
	Company string
	Website string
}

const leadColumns = `id, persona_id, name, email, phone, company, website, source_url, interests, pain_points, buying_signals, recommended_offers, outreach_status, outreach_attempts, last_contacted_at, discovered_via, metadata, created_at, updated_at`

// CreateLeads inserts leads in one transaction and fills in their IDs.
func (s *Store) CreateLeads(ctx context.Context, leads []*Lead) error {
	if len(leads) == 0 {
		return nil
	}
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, l := range leads {
			if err := s.insertLead(ctx, tx, l); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) insertLead(ctx context.Context, tx *sql.Tx, l *Lead) error {
	var enc [5]string
	for i, v := range []any{nonNil(l.Interests), nonNil(l.PainPoints), nonNil(l.BuyingSignals), nonNil(l.RecommendedOffers), l.Metadata} {
		raw, err := encodeJSON(v)
		if err != nil {
			return err
		}
		enc[i] = raw
	}
	if enc[4] == "null" {
		enc[4] = "{}"
	}
	if l.OutreachStatus == "" {
		l.OutreachStatus = LeadDiscovered
	}
	l.ID = newID()
	l.CreatedAt = s.stamp(l.CreatedAt)
	l.UpdatedAt = l.CreatedAt
	_, err := tx.ExecContext(ctx,
		`INSERT INTO customer_leads (`+leadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, nullString(l.PersonaID), l.Name, nullString(l.Email), nullString(l.Phone), nullString(l.Company),
		nullString(l.Website), l.SourceURL, enc[0], enc[1], enc[2], enc[3], l.OutreachStatus, l.OutreachAttempts,
		nullMillis(l.LastContactedAt), l.DiscoveredVia, enc[4], millis(l.CreatedAt), millis(l.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	return nil
}

// GetLead loads one lead.
func (s *Store) GetLead(ctx context.Context, id string) (*Lead, error) {
	l, err := scanLead(s.db.SQL().QueryRowContext(ctx, `SELECT `+leadColumns+` FROM customer_leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("lead", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %s: %w", id, err)
	}
	return l, nil
}

func (f LeadFilter) where() *where {
	w := &where{}
	if f.PersonaID != "" {
		w.add("persona_id = ?", f.PersonaID)
	}
	if f.Status != "" {
		w.add("outreach_status = ?", f.Status)
	}
	if f.HasEmail {
		w.add("email IS NOT NULL AND email != ''")
	}
	if !f.CreatedSince.IsZero() {
		w.add("created_at >= ?", millis(f.CreatedSince))
	}
	if f.MissingEmailOrCompany {
		w.add("(email IS NULL OR email = '' OR company IS NULL OR company = '')")
	}
	if f.MissingContact {
		w.add("(email IS NULL OR email = '' OR company IS NULL OR company = '' OR phone IS NULL OR phone = '')")
	}
	return w
}

// CountLeads counts leads matching f.
func (s *Store) CountLeads(ctx context.Context, f LeadFilter) (int, error) {
	w := f.where()
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM customer_leads`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count leads: %w", err)
	}
	return n, nil
}

// FindLeads returns leads matching f, newest first.
func (s *Store) FindLeads(ctx context.Context, f LeadFilter) ([]Lead, error) {
	w := f.where()
	query := `SELECT ` + leadColumns + ` FROM customer_leads` + w.String() + ` ORDER BY created_at DESC, seq DESC`
	args := w.args
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find leads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// LatestLead returns the newest lead matching f, or nil.
func (s *Store) LatestLead(ctx context.Context, f LeadFilter) (*Lead, error) {
	f.Limit = 1
	leads, err := s.FindLeads(ctx, f)
	if err != nil || len(leads) == 0 {
		return nil, err
	}
	return &leads[0], nil
}

// EnrichLead merges contact fields and stores metadata under key.
func (s *Store) EnrichLead(ctx context.Context, id string, c ContactUpdate, key string, value any) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		l, err := scanLead(tx.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM customer_leads WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("lead", id)
		}
		if err != nil {
			return fmt.Errorf("read lead %s: %w", id, err)
		}
		l.Email = firstNonEmpty(c.Email, l.Email)
		l.Phone = firstNonEmpty(c.Phone, l.Phone)
		l.Company = firstNonEmpty(c.Company, l.Company)
		l.Website = firstNonEmpty(c.Website, l.Website)
		if l.Metadata == nil {
			l.Metadata = make(map[string]any)
		}
		if key != "" {
			l.Metadata[key] = value
		}
		meta, err := encodeJSON(l.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE customer_leads SET email = ?, phone = ?, company = ?, website = ?, metadata = ?, updated_at = ? WHERE id = ?`,
			nullString(l.Email), nullString(l.Phone), nullString(l.Company), nullString(l.Website), meta, millis(s.now()), id)
		if err != nil {
			return fmt.Errorf("enrich lead %s: %w", id, err)
		}
		return nil
	})
}

// MarkLeadContacted bumps the attempt counter and moves the lead to contacted.
func (s *Store) MarkLeadContacted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE customer_leads SET outreach_attempts = outreach_attempts + 1, outreach_status = ?, last_contacted_at = ?, updated_at = ? WHERE id = ?`,
		LeadContacted, millis(at), millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark lead %s contacted: %w", id, err)
	}
	return expectRow(res, "lead", id)
}

// PromoteLead moves a lead from one status to another; it is a no-op when the lead is not in from.
func (s *Store) PromoteLead(ctx context.Context, id string, from, to LeadStatus) (bool, error) {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE customer_leads SET outreach_status = ?, updated_at = ? WHERE id = ? AND outreach_status = ?`,
		to, millis(s.now()), id, from)
	if err != nil {
		return false, fmt.Errorf("promote lead %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func scanLead(row rowScanner) (*Lead, error) {
	var (
		l                                       Lead
		persona, email, phone, company, website sql.NullString
		interests, pains, signals, offers, meta string
		lastContacted                           sql.NullInt64
		created, updated                        int64
	)
	if err := row.Scan(&l.ID, &persona, &l.Name, &email, &phone, &company, &website, &l.SourceURL,
		&interests, &pains, &signals, &offers, &l.OutreachStatus, &l.OutreachAttempts, &lastContacted,
		&l.DiscoveredVia, &meta, &created, &updated); err != nil {
		return nil, err
	}
	l.PersonaID = persona.String
	l.Email = email.String
	l.Phone = phone.String
	l.Company = company.String
	l.Website = website.String
	for raw, dst := range map[*string]any{
		&interests: &l.Interests, &pains: &l.PainPoints, &signals: &l.BuyingSignals,
		&offers: &l.RecommendedOffers, &meta: &l.Metadata,
	} {
		if err := decodeJSON(*raw, dst); err != nil {
			return nil, err
		}
	}
	l.LastContactedAt = fromNullMillis(lastContacted)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
