package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DispatchFunc dispatches one due task's prompt to the butler runtime.
type DispatchFunc func(ctx context.Context, prompt, triggerSource string) (result string, err error)

// TickResult summarizes one tick.
type TickResult struct {
	TasksDue int `json:"tasks_due"`
	TasksRun int `json:"tasks_run"`
}

// Scheduler runs ticks against the store.
type Scheduler struct {
	store  *Store
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates a scheduler.
func New(store *Store) *Scheduler {
	return &Scheduler{
		store:  store,
		tracer: otel.Tracer("butlerd/scheduler"),
		logger: slog.Default().With("component", "scheduler"),
	}
}

// Tick dispatches every enabled task whose next_run_at has passed, in due
// order and serially. The result or error lands in last_result, and
// next_run_at always advances to the next cron occurrence, so a failing
// task never wedges its schedule.
func (s *Scheduler) Tick(ctx context.Context, dispatch DispatchFunc) (TickResult, error) {
	ctx, span := s.tracer.Start(ctx, "butler.tick")
	defer span.End()

	rows, err := s.store.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE enabled AND next_run_at IS NOT NULL AND next_run_at <= now()
		ORDER BY next_run_at ASC`)
	if err != nil {
		return TickResult{}, fmt.Errorf("selecting due schedules: %w", err)
	}
	var due []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return TickResult{}, fmt.Errorf("scanning due schedule: %w", err)
		}
		due = append(due, *t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TickResult{}, err
	}

	result := TickResult{TasksDue: len(due)}
	for _, task := range due {
		s.runTask(ctx, &task, dispatch)
		result.TasksRun++
	}

	span.SetAttributes(
		attribute.Int("tasks_due", result.TasksDue),
		attribute.Int("tasks_run", result.TasksRun),
	)
	return result, nil
}

func (s *Scheduler) runTask(ctx context.Context, task *Task, dispatch DispatchFunc) {
	prompt := ""
	if task.Prompt != nil {
		prompt = *task.Prompt
	}
	triggerSource := "schedule:" + task.Name

	lastResult := map[string]any{}
	output, err := dispatch(ctx, prompt, triggerSource)
	if err != nil {
		lastResult["success"] = false
		lastResult["error"] = err.Error()
		s.logger.Warn("Scheduled task dispatch failed", "task", task.Name, "error", err)
	} else {
		lastResult["success"] = true
		lastResult["result"] = output
	}
	resultJSON, marshalErr := json.Marshal(lastResult)
	if marshalErr != nil {
		resultJSON = []byte(`{"success":false,"error":"result not serializable"}`)
	}

	// Advance regardless of the dispatch outcome.
	var nextRunAt *time.Time
	next, nextErr := NextRun(task.Cron, task.timezone(), time.Now())
	if nextErr != nil {
		s.logger.Error("Cannot compute next run, disabling schedule", "task", task.Name, "error", nextErr)
	} else {
		nextRunAt = &next
	}

	if _, err := s.store.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = now(), last_result = $2, next_run_at = $3,
		    enabled = enabled AND $3 IS NOT NULL, updated_at = now()
		WHERE id = $1`,
		task.ID, resultJSON, nextRunAt); err != nil {
		s.logger.Error("Failed to record tick result", "task", task.Name, "error", err)
	}
}

// TriggerNow dispatches one task immediately, outside its cadence. The
// schedule itself is untouched except for last_run_at and last_result.
func (s *Scheduler) TriggerNow(ctx context.Context, id int64, dispatch DispatchFunc) (*Task, error) {
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prompt := ""
	if task.Prompt != nil {
		prompt = *task.Prompt
	}
	lastResult := map[string]any{}
	output, err := dispatch(ctx, prompt, "schedule_trigger:"+task.Name)
	if err != nil {
		lastResult["success"] = false
		lastResult["error"] = err.Error()
	} else {
		lastResult["success"] = true
		lastResult["result"] = output
	}
	resultJSON, _ := json.Marshal(lastResult)
	if _, err := s.store.pool.Exec(ctx, `
		UPDATE scheduled_tasks
		SET last_run_at = now(), last_result = $2, updated_at = now()
		WHERE id = $1`, task.ID, resultJSON); err != nil {
		return nil, fmt.Errorf("recording trigger result: %w", err)
	}
	return s.store.Get(ctx, id)
}
