// Package scheduler fires scheduled tasks at their cron cadence with
// serial dispatch and deterministic next-run advancement. Task definitions
// come from butler.toml (synced, never deleted) or operator CRUD.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
)

// Task sources.
const (
	SourceTOML = "toml"
	SourceDB   = "db"
)

// Operational errors.
var (
	ErrScheduleNotFound = errors.New("schedule_not_found")
	ErrCronInvalid      = errors.New("cron_invalid")
	ErrDuplicateName    = errors.New("schedule name already exists")
	ErrTOMLTaskDelete   = errors.New("toml-sourced schedules cannot be deleted")
)

// cronParser accepts the standard five-field cron syntax.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCron parses a cron expression, wrapping failures in ErrCronInvalid.
func ValidateCron(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrCronInvalid, expr, err)
	}
	return schedule, nil
}

// NextRun computes the next occurrence of a cron expression after the given
// instant, in the task's timezone (UTC when empty).
func NextRun(expr, timezone string, after time.Time) (time.Time, error) {
	schedule, err := ValidateCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: unknown timezone %q", ErrCronInvalid, timezone)
		}
	}
	return schedule.Next(after.In(loc)), nil
}

// Task is one scheduled_tasks row.
type Task struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Cron            string          `json:"cron"`
	Prompt          *string         `json:"prompt,omitempty"`
	JobName         *string         `json:"job_name,omitempty"`
	JobArgs         json.RawMessage `json:"job_args,omitempty"`
	DispatchMode    string          `json:"dispatch_mode"`
	Source          string          `json:"source"`
	Enabled         bool            `json:"enabled"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	LastResult      json.RawMessage `json:"last_result,omitempty"`
	Timezone        *string         `json:"timezone,omitempty"`
	StartAt         *time.Time      `json:"start_at,omitempty"`
	EndAt           *time.Time      `json:"end_at,omitempty"`
	UntilAt         *time.Time      `json:"until_at,omitempty"`
	DisplayTitle    *string         `json:"display_title,omitempty"`
	CalendarEventID *string         `json:"calendar_event_id,omitempty"`
}

func (t *Task) timezone() string {
	if t.Timezone != nil {
		return *t.Timezone
	}
	return ""
}

const taskColumns = `id, name, cron, prompt, job_name, job_args, dispatch_mode, source, enabled,
	next_run_at, last_run_at, last_result, timezone, start_at, end_at, until_at,
	display_title, calendar_event_id`

// Store is the scheduled_tasks table in one butler's schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a scheduler store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.Cron, &t.Prompt, &t.JobName, &t.JobArgs,
		&t.DispatchMode, &t.Source, &t.Enabled, &t.NextRunAt, &t.LastRunAt,
		&t.LastResult, &t.Timezone, &t.StartAt, &t.EndAt, &t.UntilAt,
		&t.DisplayTitle, &t.CalendarEventID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Get returns one task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d", ErrScheduleNotFound, id)
		}
		return nil, fmt.Errorf("reading schedule %d: %w", id, err)
	}
	return task, nil
}

// GetByName returns one task by its unique name.
func (s *Store) GetByName(ctx context.Context, name string) (*Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE name = $1`, name)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
		}
		return nil, fmt.Errorf("reading schedule %q: %w", name, err)
	}
	return task, nil
}

// List returns every task ordered by name.
func (s *Store) List(ctx context.Context) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing schedules: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning schedule: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// Create inserts a DB-sourced task. The cron is validated and next_run_at
// computed up front; duplicate names are refused.
func (s *Store) Create(ctx context.Context, name, cronExpr, prompt string) (*Task, error) {
	next, err := NextRun(cronExpr, "", time.Now())
	if err != nil {
		return nil, err
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_tasks (name, cron, prompt, source, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (name) DO NOTHING
		RETURNING id`,
		name, cronExpr, prompt, SourceDB, next).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, name)
		}
		return nil, fmt.Errorf("creating schedule %q: %w", name, err)
	}
	return s.Get(ctx, id)
}

// UpdateFields carries optional updates; nil fields are untouched.
type UpdateFields struct {
	Name            *string
	Cron            *string
	Prompt          *string
	Enabled         *bool
	DispatchMode    *string
	JobName         *string
	JobArgs         json.RawMessage
	Timezone        *string
	StartAt         *time.Time
	EndAt           *time.Time
	UntilAt         *time.Time
	DisplayTitle    *string
	CalendarEventID *string
}

// Update patches a task. Enabling recomputes next_run_at and disabling
// nulls it; a cron change recomputes next_run_at unless enabled was set
// explicitly in the same call.
func (s *Store) Update(ctx context.Context, id int64, fields UpdateFields) (*Task, error) {
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if fields.Name != nil {
		task.Name = *fields.Name
	}
	if fields.Cron != nil {
		if _, err := ValidateCron(*fields.Cron); err != nil {
			return nil, err
		}
		task.Cron = *fields.Cron
	}
	if fields.Prompt != nil {
		task.Prompt = fields.Prompt
	}
	if fields.DispatchMode != nil {
		task.DispatchMode = *fields.DispatchMode
	}
	if fields.JobName != nil {
		task.JobName = fields.JobName
	}
	if fields.JobArgs != nil {
		task.JobArgs = fields.JobArgs
	}
	if fields.Timezone != nil {
		task.Timezone = fields.Timezone
	}
	if fields.StartAt != nil {
		task.StartAt = fields.StartAt
	}
	if fields.EndAt != nil {
		task.EndAt = fields.EndAt
	}
	if fields.UntilAt != nil {
		task.UntilAt = fields.UntilAt
	}
	if fields.DisplayTitle != nil {
		task.DisplayTitle = fields.DisplayTitle
	}
	if fields.CalendarEventID != nil {
		task.CalendarEventID = fields.CalendarEventID
	}

	switch {
	case fields.Enabled != nil && *fields.Enabled:
		task.Enabled = true
		next, err := NextRun(task.Cron, task.timezone(), time.Now())
		if err != nil {
			return nil, err
		}
		task.NextRunAt = &next
	case fields.Enabled != nil:
		task.Enabled = false
		task.NextRunAt = nil
	case fields.Cron != nil && task.Enabled:
		next, err := NextRun(task.Cron, task.timezone(), time.Now())
		if err != nil {
			return nil, err
		}
		task.NextRunAt = &next
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET name = $2, cron = $3, prompt = $4, job_name = $5, job_args = $6,
		    dispatch_mode = $7, enabled = $8, next_run_at = $9, timezone = $10,
		    start_at = $11, end_at = $12, until_at = $13, display_title = $14,
		    calendar_event_id = $15, updated_at = now()
		WHERE id = $1`,
		task.ID, task.Name, task.Cron, task.Prompt, task.JobName, task.JobArgs,
		task.DispatchMode, task.Enabled, task.NextRunAt, task.Timezone,
		task.StartAt, task.EndAt, task.UntilAt, task.DisplayTitle, task.CalendarEventID)
	if err != nil {
		return nil, fmt.Errorf("updating schedule %d: %w", id, err)
	}
	return s.Get(ctx, id)
}

// Delete removes a DB-sourced task. TOML-sourced tasks cannot be deleted.
func (s *Store) Delete(ctx context.Context, id int64) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.Source == SourceTOML {
		return fmt.Errorf("%w: %s", ErrTOMLTaskDelete, task.Name)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting schedule %d: %w", id, err)
	}
	return nil
}

// TOMLEntry is one [[butler.schedule]] stanza from butler.toml.
type TOMLEntry struct {
	Name     string
	Cron     string
	Prompt   string
	Timezone string
}

// SyncSchedules reconciles butler.toml entries with the toml-sourced rows:
// new entries are inserted, changed ones updated, and entries no longer in
// the file are disabled but never deleted. Matching key is the name.
func (s *Store) SyncSchedules(ctx context.Context, entries []TOMLEntry) error {
	wanted := map[string]TOMLEntry{}
	for _, entry := range entries {
		if _, err := ValidateCron(entry.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
		wanted[entry.Name] = entry
	}

	existing, err := s.List(ctx)
	if err != nil {
		return err
	}

	for _, task := range existing {
		if task.Source != SourceTOML {
			continue
		}
		entry, stillWanted := wanted[task.Name]
		if !stillWanted {
			if task.Enabled {
				if _, err := s.pool.Exec(ctx, `
					UPDATE scheduled_tasks
					SET enabled = FALSE, next_run_at = NULL, updated_at = now()
					WHERE id = $1`, task.ID); err != nil {
					return fmt.Errorf("disabling removed schedule %q: %w", task.Name, err)
				}
			}
			continue
		}
		delete(wanted, task.Name)

		changed := task.Cron != entry.Cron ||
			(task.Prompt == nil || *task.Prompt != entry.Prompt) ||
			task.timezone() != entry.Timezone ||
			!task.Enabled
		if !changed {
			continue
		}
		next, err := NextRun(entry.Cron, entry.Timezone, time.Now())
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, `
			UPDATE scheduled_tasks
			SET cron = $2, prompt = $3, timezone = NULLIF($4, ''),
			    enabled = TRUE, next_run_at = $5, updated_at = now()
			WHERE id = $1`,
			task.ID, entry.Cron, entry.Prompt, entry.Timezone, next); err != nil {
			return fmt.Errorf("updating schedule %q: %w", task.Name, err)
		}
	}

	for _, entry := range wanted {
		next, err := NextRun(entry.Cron, entry.Timezone, time.Now())
		if err != nil {
			return err
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO scheduled_tasks (name, cron, prompt, timezone, source, enabled, next_run_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, TRUE, $6)
			ON CONFLICT (name) DO NOTHING`,
			entry.Name, entry.Cron, entry.Prompt, entry.Timezone, SourceTOML, next); err != nil {
			return fmt.Errorf("inserting schedule %q: %w", entry.Name, err)
		}
	}
	return nil
}
