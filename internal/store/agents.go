package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jakebbass/afilli/internal/tasks"
)

// Agent is a typed worker that executes one task at a time.
type Agent struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        tasks.AgentType   `json:"type"`
	Status      tasks.AgentStatus `json:"status"`
	PersonaID   string            `json:"personaId,omitempty"`
	Config      tasks.AgentConfig `json:"config"`
	CurrentTask string            `json:"currentTask,omitempty"`
	Metrics     Metrics           `json:"metrics"`
	NextPhase   tasks.TaskType    `json:"nextPhase,omitempty"`
	LastRunAt   *time.Time        `json:"lastRunAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Metrics are the counters an agent accumulates across completed tasks.
type Metrics struct {
	TasksCompleted     int64          `json:"tasksCompleted,omitempty"`
	OutreachGenerated  int64          `json:"outreachGenerated,omitempty"`
	OptimizationsRun   int64          `json:"optimizationsRun,omitempty"`
	OffersSynced       int64          `json:"offersSynced,omitempty"`
	PersonasCreated    int64          `json:"personasCreated,omitempty"`
	CampaignsOptimized int64          `json:"campaignsOptimized,omitempty"`
	LeadsBuilt         int64          `json:"leadsBuilt,omitempty"`
	LeadsEnriched      int64          `json:"leadsEnriched,omitempty"`
	CampaignsCreated   int64          `json:"campaignsCreated,omitempty"`
	CampaignsLaunched  int64          `json:"campaignsLaunched,omitempty"`
	EmailsSent         int64          `json:"emailsSent,omitempty"`
	LastTaskType       tasks.TaskType `json:"lastTaskType,omitempty"`
	LastSyncAt         *time.Time     `json:"lastSyncAt,omitempty"`
}

// Add merges d into m: counters are summed, markers are replaced when set in d.
func (m *Metrics) Add(d Metrics) {
	m.TasksCompleted += d.TasksCompleted
	m.OutreachGenerated += d.OutreachGenerated
	m.OptimizationsRun += d.OptimizationsRun
	m.OffersSynced += d.OffersSynced
	m.PersonasCreated += d.PersonasCreated
	m.CampaignsOptimized += d.CampaignsOptimized
	m.LeadsBuilt += d.LeadsBuilt
	m.LeadsEnriched += d.LeadsEnriched
	m.CampaignsCreated += d.CampaignsCreated
	m.CampaignsLaunched += d.CampaignsLaunched
	m.EmailsSent += d.EmailsSent
	if d.LastTaskType != "" {
		m.LastTaskType = d.LastTaskType
	}
	if d.LastSyncAt != nil {
		t := *d.LastSyncAt
		m.LastSyncAt = &t
	}
}

// NewAgent holds the fields accepted when creating an agent.
type NewAgent struct {
	Name      string
	Type      tasks.AgentType
	PersonaID string
	Config    tasks.AgentConfig
}

// AgentUpdate changes the mutable descriptive fields of an agent. Nil fields are left alone.
type AgentUpdate struct {
	Name      *string
	PersonaID *string
	Config    *tasks.AgentConfig
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Status tasks.AgentStatus
	Type   tasks.AgentType
}

const agentColumns = `id, name, type, status, persona_id, config, current_task, metrics, next_phase, last_run_at, created_at, updated_at`

// CreateAgent inserts an idle agent.
func (s *Store) CreateAgent(ctx context.Context, in NewAgent) (*Agent, error) {
	if in.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if _, err := tasks.ParseAgentType(string(in.Type)); err != nil {
		return nil, err
	}
	cfg, err := encodeJSON(in.Config)
	if err != nil {
		return nil, err
	}
	now := s.now()
	id := newID()
	_, err = s.db.SQL().ExecContext(ctx,
		`INSERT INTO agents (id, name, type, status, persona_id, config, metrics, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, '{}', ?, ?)`,
		id, in.Name, in.Type, tasks.AgentIdle, nullString(in.PersonaID), cfg, millis(now), millis(now))
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return s.GetAgent(ctx, id)
}

// GetAgent loads one agent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.SQL().QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// ListAgents returns agents newest first.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]Agent, error) {
	var w where
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents`+w.String()+` ORDER BY created_at DESC, seq DESC`, w.args...)
}

// WorkingAgents returns agents in the working state in creation order.
func (s *Store) WorkingAgents(ctx context.Context) ([]Agent, error) {
	return s.queryAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = ? ORDER BY seq`, tasks.AgentWorking)
}

func (s *Store) queryAgents(ctx context.Context, query string, args ...any) ([]Agent, error) {
	rows, err := s.db.SQL().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// UpdateAgent applies u and returns the updated agent.
func (s *Store) UpdateAgent(ctx context.Context, id string, u AgentUpdate) (*Agent, error) {
	var sets []string
	var args []any
	if u.Name != nil {
		if *u.Name == "" {
			return nil, errors.New("agent name is required")
		}
		sets = append(sets, "name = ?")
		args = append(args, *u.Name)
	}
	if u.PersonaID != nil {
		sets = append(sets, "persona_id = ?")
		args = append(args, nullString(*u.PersonaID))
	}
	if u.Config != nil {
		cfg, err := encodeJSON(*u.Config)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "config = ?")
		args = append(args, cfg)
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = ?")
		args = append(args, millis(s.now()), id)
		query := `UPDATE agents SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		res, err := s.db.SQL().ExecContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("update agent %s: %w", id, err)
		}
		if err := expectRow(res, "agent", id); err != nil {
			return nil, err
		}
	}
	return s.GetAgent(ctx, id)
}

// SetAgentStatus changes the lifecycle status.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status tasks.AgentStatus) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`, status, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set agent %s status: %w", id, err)
	}
	return expectRow(res, "agent", id)
}

// MarkAgentError sets the error status and clears the in-flight label.
func (s *Store) MarkAgentError(ctx context.Context, id string) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task = NULL, updated_at = ? WHERE id = ?`,
		tasks.AgentError, millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("mark agent %s error: %w", id, err)
	}
	return expectRow(res, "agent", id)
}

// SetCurrentTask sets the human readable in-flight label; empty clears it.
func (s *Store) SetCurrentTask(ctx context.Context, id, label string) error {
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE agents SET current_task = ?, updated_at = ? WHERE id = ?`, nullString(label), millis(s.now()), id)
	if err != nil {
		return fmt.Errorf("set agent %s current task: %w", id, err)
	}
	return expectRow(res, "agent", id)
}

// RecordRun merges delta into the agent's metrics and stamps lastRunAt.
func (s *Store) RecordRun(ctx context.Context, id string, delta Metrics, at time.Time) error {
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metrics FROM agents WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("agent", id)
		}
		if err != nil {
			return fmt.Errorf("read agent %s metrics: %w", id, err)
		}
		var m Metrics
		if err := decodeJSON(raw, &m); err != nil {
			return err
		}
		m.Add(delta)
		encoded, err := encodeJSON(m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agents SET metrics = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
			encoded, millis(at), millis(s.now()), id)
		if err != nil {
			return fmt.Errorf("write agent %s metrics: %w", id, err)
		}
		return nil
	})
}

// AgentCounts groups agents by status and by type.
type AgentCounts struct {
	Total    int                       `json:"total"`
	ByStatus map[tasks.AgentStatus]int `json:"byStatus"`
	ByType   map[tasks.AgentType]int   `json:"byType"`
}

// CountAgents returns fleet-wide agent counts.
func (s *Store) CountAgents(ctx context.Context) (*AgentCounts, error) {
	counts := &AgentCounts{
		ByStatus: make(map[tasks.AgentStatus]int),
		ByType:   make(map[tasks.AgentType]int),
	}
	rows, err := s.db.SQL().QueryContext(ctx, `SELECT status, type, COUNT(*) FROM agents GROUP BY status, type`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return nil, fmt.Errorf("scan agent counts: %w", err)
		}
		counts.Total += n
		counts.ByStatus[tasks.AgentStatus(status)] += n
		counts.ByType[tasks.AgentType(typ)] += n
	}
	return counts, rows.Err()
}

// AgentSummary is an agent's task totals alongside its accumulated metrics.
type AgentSummary struct {
	TotalTasks     int        `json:"totalTasks"`
	CompletedTasks int        `json:"completedTasks"`
	FailedTasks    int        `json:"failedTasks"`
	PendingTasks   int        `json:"pendingTasks"`
	SuccessRate    float64    `json:"successRate"` // percent of all tasks that completed
	AgentMetrics   Metrics    `json:"agentMetrics"`
	LastRunAt      *time.Time `json:"lastRunAt,omitempty"`
}

// SummarizeAgent reports task totals and metrics for one agent.
func (s *Store) SummarizeAgent(ctx context.Context, id string) (*AgentSummary, error) {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.TaskSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := &AgentSummary{
		TotalTasks:     counts.Total,
		CompletedTasks: counts.Completed,
		FailedTasks:    counts.Failed,
		PendingTasks:   counts.Pending,
		AgentMetrics:   a.Metrics,
		LastRunAt:      a.LastRunAt,
	}
	if counts.Total > 0 {
		sum.SuccessRate = float64(counts.Completed) / float64(counts.Total) * 100
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var (
		a                   Agent
		personaID, current  sql.NullString
		cfgRaw, metricsRaw  string
		nextPhase           string
		lastRun             sql.NullInt64
		createdAt, updateAt int64
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Type, &a.Status, &personaID, &cfgRaw, &current,
		&metricsRaw, &nextPhase, &lastRun, &createdAt, &updateAt); err != nil {
		return nil, err
	}
	a.PersonaID = personaID.String
	a.CurrentTask = current.String
	a.NextPhase = tasks.TaskType(nextPhase)
	a.LastRunAt = fromNullMillis(lastRun)
	a.CreatedAt = fromMillis(createdAt)
	a.UpdatedAt = fromMillis(updateAt)
	if err := decodeJSON(cfgRaw, &a.Config); err != nil {
		return nil, err
	}
	if err := decodeJSON(metricsRaw, &a.Metrics); err != nil {
		return nil, err
	}
	return &a, nil
}
