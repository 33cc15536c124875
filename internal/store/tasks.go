package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jakebbass/afilli/internal/tasks"
)

// Task is one unit of work owned by an agent.
type Task struct {
	ID          string           `json:"id"`
	AgentID     string           `json:"agentId"`
	Type        tasks.TaskType   `json:"type"`
	Status      tasks.TaskStatus `json:"status"`
	Input       json.RawMessage  `json:"input"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// NewTask holds the fields accepted when enqueueing a task.
type NewTask struct {
	AgentID string
	Type    tasks.TaskType
	Input   any

	// NextPhase, when set, is written to the agent's rotation cursor in the
	// same transaction as the insert.
	NextPhase *tasks.TaskType

	// CreatedAt defaults to the store clock.
	CreatedAt time.Time
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	AgentID string
	Status  tasks.TaskStatus
	Limit   int
	Offset  int
}

// TaskPage is one page of ListTasks.
type TaskPage struct {
	Tasks   []Task `json:"tasks"`
	Total   int    `json:"total"`
	HasMore bool   `json:"hasMore"`
}

// TaskCounts summarizes an agent's tasks by status.
type TaskCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

const taskColumns = `id, agent_id, type, status, input, output, error, started_at, completed_at, created_at, updated_at`

// CreateTask inserts a pending task.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if _, ok := tasks.Lookup(in.Type); !ok {
		return nil, fmt.Errorf("unknown task type %q", in.Type)
	}
	input := in.Input
	if input == nil {
		input = tasks.Empty{}
	}
	rawInput, err := encodeJSON(input)
	if err != nil {
		return nil, err
	}
	id := newID()
	created := s.stamp(in.CreatedAt)

	err = s.db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO agent_tasks (id, agent_id, type, status, input, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, in.AgentID, in.Type, tasks.StatusPending, rawInput, millis(created), millis(created))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if in.NextPhase == nil {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE agents SET next_phase = ?, updated_at = ? WHERE id = ?`,
			*in.NextPhase, millis(s.now()), in.AgentID)
		if err != nil {
			return fmt.Errorf("advance agent phase: %w", err)
		}
		return expectRow(res, "agent", in.AgentID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.SQL().QueryRowContext(ctx, `SELECT `+taskColumns+` FROM agent_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// OldestPendingTask returns the agent's oldest pending task, or nil.
func (s *Store) OldestPendingTask(ctx context.Context, agentID string) (*Task, error) {
	return s.firstTask(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE agent_id = ? AND status = ? ORDER BY created_at ASC, seq ASC LIMIT 1`,
		agentID, tasks.StatusPending)
}

// LatestCompletedTask returns the agent's most recently created completed task of type t, or nil.
func (s *Store) LatestCompletedTask(ctx context.Context, agentID string, t tasks.TaskType) (*Task, error) {
	return s.firstTask(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks WHERE agent_id = ? AND type = ? AND status = ? ORDER BY created_at DESC, seq DESC LIMIT 1`,
		agentID, t, tasks.StatusCompleted)
}

func (s *Store) firstTask(ctx context.Context, query string, args ...any) (*Task, error) {
	t, err := scanTask(s.db.SQL().QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// CountTasks counts an agent's tasks, optionally restricted to one status.
func (s *Store) CountTasks(ctx context.Context, agentID string, status tasks.TaskStatus) (int, error) {
	var w where
	w.add("agent_id = ?", agentID)
	if status != "" {
		w.add("status = ?", status)
	}
	var n int
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_tasks`+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// ListTasks returns a page of tasks, newest first. Limit is clamped to 1..100 (default 20).
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) (*TaskPage, error) {
	limit := f.Limit
	switch {
	case limit <= 0:
		limit = 20
	case limit > 100:
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var w where
	if f.AgentID != "" {
		w.add("agent_id = ?", f.AgentID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}

	page := &TaskPage{}
	if err := s.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_tasks`+w.String(), w.args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}

	args := append(append([]any{}, w.args...), limit, offset)
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT `+taskColumns+` FROM agent_tasks`+w.String()+` ORDER BY created_at DESC, seq DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		page.Tasks = append(page.Tasks, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	page.HasMore = offset+len(page.Tasks) < page.Total
	return page, nil
}

// TaskSummary counts an agent's tasks per status.
func (s *Store) TaskSummary(ctx context.Context, agentID string) (*TaskCounts, error) {
	rows, err := s.db.SQL().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agent_tasks WHERE agent_id = ? GROUP BY status`, agentID)
	if err != nil {
		return nil, fmt.Errorf("summarize tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	c := &TaskCounts{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		c.Total += n
		switch tasks.TaskStatus(status) {
		case tasks.StatusPending:
			c.Pending = n
		case tasks.StatusRunning:
			c.Running = n
		case tasks.StatusCompleted:
			c.Completed = n
		case tasks.StatusFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// MarkTaskRunning moves a pending task to running and stamps startedAt.
func (s *Store) MarkTaskRunning(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, tasks.StatusPending,
		`UPDATE agent_tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		tasks.StatusRunning, millis(at), millis(s.now()), id, tasks.StatusPending)
}

// MarkTaskCompleted moves a running task to completed with its output.
func (s *Store) MarkTaskCompleted(ctx context.Context, id string, output any, at time.Time) error {
	raw, err := encodeJSON(output)
	if err != nil {
		return err
	}
	return s.transition(ctx, id, tasks.StatusRunning,
		`UPDATE agent_tasks SET status = ?, output = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		tasks.StatusCompleted, raw, millis(at), millis(s.now()), id, tasks.StatusRunning)
}

// MarkTaskFailed moves a running task to failed with an error message.
func (s *Store) MarkTaskFailed(ctx context.Context, id, message string, at time.Time) error {
	return s.transition(ctx, id, tasks.StatusRunning,
		`UPDATE agent_tasks SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		tasks.StatusFailed, message, millis(at), millis(s.now()), id, tasks.StatusRunning)
}

func (s *Store) transition(ctx context.Context, id string, from tasks.TaskStatus, query string, args ...any) error {
	res, err := s.db.SQL().ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s, expected %s: %w", id, current.Status, from, ErrInvalidTransition)
}

// FailInterruptedTasks fails every running task. A single process owns
// scheduling, so running tasks found at startup were cut off by a crash.
func (s *Store) FailInterruptedTasks(ctx context.Context, reason string) (int, error) {
	now := s.now()
	res, err := s.db.SQL().ExecContext(ctx,
		`UPDATE agent_tasks SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE status = ?`,
		tasks.StatusFailed, reason, millis(now), millis(now), tasks.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                  Task
		input              string
		output, errMsg     sql.NullString
		started, completed sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&t.ID, &t.AgentID, &t.Type, &t.Status, &input, &output, &errMsg,
		&started, &completed, &created, &updated); err != nil {
		return nil, err
	}
	t.Input = json.RawMessage(input)
	if output.Valid {
		t.Output = json.RawMessage(output.String)
	}
	t.Error = errMsg.String
	t.StartedAt = fromNullMillis(started)
	t.CompletedAt = fromNullMillis(completed)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}
