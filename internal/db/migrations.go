package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jakebbass/afilli/internal/logging"
)

// Migration represents a single schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema: agents, agent_tasks, personas",
		SQL:         migration001SQL,
	},
	{
		Version:     2,
		Description: "domain records: offers, customer_leads, campaigns, creatives",
		SQL:         migration002SQL,
	},
	{
		Version:     3,
		Description: "delivery and analytics: sent_emails, events, results",
		SQL:         migration003SQL,
	},
}

// Timestamps are unix milliseconds. seq gives a total insertion order for ties.
const migration001SQL = `
CREATE TABLE agents (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    name         TEXT NOT NULL,
    type         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'idle',
    persona_id   TEXT,
    config       TEXT NOT NULL DEFAULT '{}',
    current_task TEXT,
    metrics      TEXT NOT NULL DEFAULT '{}',
    next_phase   TEXT NOT NULL DEFAULT '',
    last_run_at  INTEGER,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE agent_tasks (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    agent_id     TEXT NOT NULL REFERENCES agents(id),
    type         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    input        TEXT NOT NULL DEFAULT '{}',
    output       TEXT,
    error        TEXT,
    started_at   INTEGER,
    completed_at INTEGER,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE personas (
    seq               INTEGER PRIMARY KEY AUTOINCREMENT,
    id                TEXT NOT NULL UNIQUE,
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    hypotheses        TEXT NOT NULL DEFAULT '[]',
    signals           TEXT NOT NULL DEFAULT '[]',
    channels          TEXT NOT NULL DEFAULT '[]',
    audience_size_est INTEGER NOT NULL DEFAULT 0,
    clv_est           REAL NOT NULL DEFAULT 0,
    search_keywords   TEXT NOT NULL DEFAULT '[]',
    target_sites      TEXT NOT NULL DEFAULT '[]',
    web_insights      TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE INDEX idx_agents_status ON agents(status, seq);
CREATE INDEX idx_agent_tasks_agent_status ON agent_tasks(agent_id, status, created_at, seq);
CREATE INDEX idx_personas_name ON personas(name);
`

const migration002SQL = `
CREATE TABLE offers (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    source      TEXT NOT NULL,
    source_id   TEXT NOT NULL DEFAULT '',
    source_key  TEXT NOT NULL,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    url         TEXT NOT NULL DEFAULT '',
    categories  TEXT NOT NULL DEFAULT '[]',
    commission  TEXT NOT NULL DEFAULT '{}',
    cps         REAL NOT NULL DEFAULT 0,
    meta        TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    UNIQUE (source, source_key)
);

CREATE TABLE customer_leads (
    seq                INTEGER PRIMARY KEY AUTOINCREMENT,
    id                 TEXT NOT NULL UNIQUE,
    persona_id         TEXT,
    name               TEXT NOT NULL DEFAULT '',
    email              TEXT,
    phone              TEXT,
    company            TEXT,
    website            TEXT,
    source_url         TEXT NOT NULL DEFAULT '',
    interests          TEXT NOT NULL DEFAULT '[]',
    pain_points        TEXT NOT NULL DEFAULT '[]',
    buying_signals     TEXT NOT NULL DEFAULT '[]',
    recommended_offers TEXT NOT NULL DEFAULT '[]',
    outreach_status    TEXT NOT NULL DEFAULT 'discovered',
    outreach_attempts  INTEGER NOT NULL DEFAULT 0,
    last_contacted_at  INTEGER,
    discovered_via     TEXT NOT NULL DEFAULT '',
    metadata           TEXT NOT NULL DEFAULT '{}',
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE campaigns (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    persona_id TEXT,
    name       TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'draft',
    channels   TEXT NOT NULL DEFAULT '[]',
    offer_ids  TEXT NOT NULL DEFAULT '[]',
    goals      TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE creatives (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id),
    channel     TEXT NOT NULL,
    variant     TEXT NOT NULL DEFAULT 'a',
    subject     TEXT NOT NULL DEFAULT '',
    body        TEXT NOT NULL DEFAULT '',
    cta_url     TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);

CREATE INDEX idx_offers_cps ON offers(cps DESC);
CREATE INDEX idx_leads_persona ON customer_leads(persona_id, created_at DESC);
CREATE INDEX idx_leads_status ON customer_leads(outreach_status);
CREATE INDEX idx_campaigns_persona_status ON campaigns(persona_id, status);
CREATE INDEX idx_creatives_campaign ON creatives(campaign_id);
`

const migration003SQL = `
CREATE TABLE sent_emails (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    lead_id      TEXT,
    campaign_id  TEXT,
    to_email     TEXT NOT NULL,
    subject      TEXT NOT NULL,
    body         TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    provider_id  TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    sent_at      INTEGER,
    delivered_at INTEGER,
    opened_at    INTEGER,
    clicked_at   INTEGER,
    bounced_at   INTEGER,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);

CREATE TABLE events (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    id         TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    type       TEXT NOT NULL,
    url        TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}',
    ts         INTEGER NOT NULL
);

CREATE TABLE results (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    campaign_id TEXT NOT NULL,
    date        INTEGER NOT NULL,
    sent        INTEGER NOT NULL DEFAULT 0,
    clicks      INTEGER NOT NULL DEFAULT 0,
    conversions INTEGER NOT NULL DEFAULT 0,
    revenue     REAL NOT NULL DEFAULT 0
);

CREATE INDEX idx_sent_emails_provider ON sent_emails(provider_id);
CREATE INDEX idx_events_ts ON events(ts DESC);
CREATE INDEX idx_results_campaign_date ON results(campaign_id, date);
`

const schemaVersionSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version     INTEGER PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    applied_at  INTEGER NOT NULL
)`

// migrate brings the schema up to the last entry of migrations. Each step
// commits on its own, so a failure leaves the earlier steps applied.
func (d *DB) migrate(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, schemaVersionSQL); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}
	current, err := d.Version(ctx)
	if err != nil {
		return err
	}
	latest := migrations[len(migrations)-1].Version
	if current > latest {
		return fmt.Errorf("%w: database is at version %d, this build knows %d", ErrSchemaTooNew, current, latest)
	}

	log := logging.Component("db")
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		err := d.Tx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)`,
				m.Version, m.Description, time.Now().UnixMilli())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		log.InfoCtx("applied migration", map[string]any{"version": m.Version, "description": m.Description})
	}
	return nil
}

// Version returns the highest applied migration, or 0 for an empty database.
func (d *DB) Version(ctx context.Context) (int, error) {
	var v int
	if err := d.sql.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
