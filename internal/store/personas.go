package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Persona is a targeting profile used to parameterize discovery and content.
type Persona struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Hypotheses      []Hypothesis   `json:"hypotheses"`
	Signals         []Signal       `json:"signals"`
	Channels        []string       `json:"channels"`
	AudienceSizeEst int64          `json:"audienceSizeEst"`
	CLVEst          float64        `json:"clvEst"`
	SearchKeywords  []string       `json:"searchKeywords"`
	TargetSites     []string       `json:"targetSites"`
	WebInsights     map[string]any `json:"webInsights,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Hypothesis is a belief about the persona with a confidence in [0,1].
type Hypothesis struct {
	Statement  string  `json:"statement" yaml:"statement"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// Signal is a keyword or behavior used for matching, weighted in [0,1].
type Signal struct {
	Type        string   `json:"type" yaml:"type"`
	Value       string   `json:"value" yaml:"value"`
	Weight      float64  `json:"weight" yaml:"weight"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Triggers    []string `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// SignalWeight maps a strength label to a weight.
func SignalWeight(strength string) float64 {
	switch strength {
	case "weak":
		return 0.25
	case "medium":
		return 0.5
	case "strong":
		return 0.75
	case "very_strong":
		return 1
	default:
		return 0.5
	}
}

const personaColumns = `id, name, description, hypotheses, signals, channels, audience_size_est, clv_est, search_keywords, target_sites, web_insights, created_at, updated_at`

// CreatePersona inserts p and fills in its ID and timestamps.
func (s *Store) CreatePersona(ctx context.Context, p *Persona) error {
	if p.Name == "" {
		return errors.New("persona name is required")
	}
	cols, err := personaJSON(p)
	if err != nil {
		return err
	}
	p.ID = newID()
	p.CreatedAt = s.stamp(p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO personas (`+personaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, cols[0], cols[1], cols[2], p.AudienceSizeEst, p.CLVEst,
		cols[3], cols[4], cols[5], millis(p.CreatedAt), millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert persona: %w", err)
	}
	return nil
}

func personaJSON(p *Persona) ([6]string, error) {
	var out [6]string
	values := []any{nonNil(p.Hypotheses), nonNil(p.Signals), nonNil(p.Channels),
		nonNil(p.SearchKeywords), nonNil(p.TargetSites), p.WebInsights}
	for i, v := range values {
		enc, err := encodeJSON(v)
		if err != nil {
			return out, err
		}
		out[i] = enc
	}
	if out[5] == "null" {
		out[5] = "{}"
	}
	return out, nil
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// GetPersona loads one persona.
func (s *Store) GetPersona(ctx context.Context, id string) (*Persona, error) {
	p, err := scanPersona(s.db.SQL().QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("persona", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get persona %s: %w", id, err)
	}
	return p, nil
}

// ListPersonas returns personas newest first; limit <= 0 returns all.
func (s *Store) ListPersonas(ctx context.Context, limit int) ([]Persona, error) {
	query := `SELECT ` + personaColumns + ` FROM personas ORDER BY created_at DESC, seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list personas: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// CountPersonas counts every persona in the system.
func (s *Store) CountPersonas(ctx context.Context) (int, error) {
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM personas`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count personas: %w", err)
	}
	return n, nil
}

// PersonaNameExists reports whether a persona with exactly this name exists.
func (s *Store) PersonaNameExists(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM personas WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check persona name: %w", err)
	}
	return n > 0, nil
}

// SetPersonaInsight stores value under key in the persona's web insights.
func (s *Store) SetPersonaInsight(ctx context.Context, id, key string, value any) error {
	return s.updatePersona(ctx, id, func(p *Persona) {
		p.WebInsights[key] = value
	})
}

// SetPersonaInsights stores every entry of values in the persona's web insights.
func (s *Store) SetPersonaInsights(ctx context.Context, id string, values map[string]any) error {
	return s.updatePersona(ctx, id, func(p *Persona) {
		for k, v := range values {
			p.WebInsights[k] = v
		}
	})
}

// ReplacePersonaSignals overwrites the signal list and records an insight in one update.
func (s *Store) ReplacePersonaSignals(ctx context.Context, id string, signals []Signal, key string, value any) error {
	return s.updatePersona(ctx, id, func(p *Persona) {
		p.Signals = signals
		if key != "" {
			p.WebInsights[key] = value
		}
	})
}

func (s *Store) updatePersona(ctx context.Context, id string, mutate func(*Persona)) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		p, err := scanPersona(tx.QueryRowContext(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("persona", id)
		}
		if err != nil {
			return fmt.Errorf("read persona %s: %w", id, err)
		}
		if p.WebInsights == nil {
			p.WebInsights = make(map[string]any)
		}
		mutate(p)
		cols, err := personaJSON(p)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE personas SET signals = ?, web_insights = ?, updated_at = ? WHERE id = ?`,
			cols[1], cols[5], millis(s.now()), id)
		if err != nil {
			return fmt.Errorf("update persona %s: %w", id, err)
		}
		return nil
	})
}

func scanPersona(row rowScanner) (*Persona, error) {
	var (
		p                                      Persona
		hyp, sig, ch, keywords, sites, insight string
		created, updated                       int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &hyp, &sig, &ch, &p.AudienceSizeEst, &p.CLVEst,
		&keywords, &sites, &insight, &created, &updated); err != nil {
		return nil, err
	}
	for raw, dst := range map[*string]any{
		&hyp: &p.Hypotheses, &sig: &p.Signals, &ch: &p.Channels,
		&keywords: &p.SearchKeywords, &sites: &p.TargetSites, &insight: &p.WebInsights,
	} {
		if err := decodeJSON(*raw, dst); err != nil {
			return nil, err
		}
	}
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}
