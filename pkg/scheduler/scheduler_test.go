package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/scheduler"
	"github.com/butlerhq/butlerd/test/util"
)

func TestStoreCRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := scheduler.NewStore(pool)
	ctx := context.Background()

	t.Run("create validates cron and computes next run", func(t *testing.T) {
		task, err := store.Create(ctx, "morning-brief", "0 9 * * *", "Summarize my day")
		require.NoError(t, err)
		assert.Equal(t, scheduler.SourceDB, task.Source)
		assert.True(t, task.Enabled)
		require.NotNil(t, task.NextRunAt)
		assert.True(t, task.NextRunAt.After(time.Now()))

		_, err = store.Create(ctx, "bad", "not a cron", "x")
		require.ErrorIs(t, err, scheduler.ErrCronInvalid)

		_, err = store.Create(ctx, "morning-brief", "0 10 * * *", "dup")
		require.ErrorIs(t, err, scheduler.ErrDuplicateName)
	})

	t.Run("disabling nulls next run and enabling recomputes it", func(t *testing.T) {
		task, err := store.Create(ctx, "toggle-me", "0 12 * * *", "noon check")
		require.NoError(t, err)

		off := false
		task, err = store.Update(ctx, task.ID, scheduler.UpdateFields{Enabled: &off})
		require.NoError(t, err)
		assert.False(t, task.Enabled)
		assert.Nil(t, task.NextRunAt)

		on := true
		task, err = store.Update(ctx, task.ID, scheduler.UpdateFields{Enabled: &on})
		require.NoError(t, err)
		assert.True(t, task.Enabled)
		assert.NotNil(t, task.NextRunAt)
	})

	t.Run("cron change recomputes next run", func(t *testing.T) {
		task, err := store.Create(ctx, "recompute", "0 9 * * *", "x")
		require.NoError(t, err)
		before := *task.NextRunAt

		newCron := "0 21 * * *"
		task, err = store.Update(ctx, task.ID, scheduler.UpdateFields{Cron: &newCron})
		require.NoError(t, err)
		assert.Equal(t, newCron, task.Cron)
		require.NotNil(t, task.NextRunAt)
		assert.NotEqual(t, before, *task.NextRunAt)
	})

	t.Run("delete forbidden for toml tasks", func(t *testing.T) {
		require.NoError(t, store.SyncSchedules(ctx, []scheduler.TOMLEntry{
			{Name: "from-toml", Cron: "0 8 * * *", Prompt: "daily sync"},
		}))
		task, err := store.GetByName(ctx, "from-toml")
		require.NoError(t, err)
		require.ErrorIs(t, store.Delete(ctx, task.ID), scheduler.ErrTOMLTaskDelete)

		dbTask, err := store.Create(ctx, "from-db", "0 8 * * *", "x")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, dbTask.ID))
		_, err = store.Get(ctx, dbTask.ID)
		require.ErrorIs(t, err, scheduler.ErrScheduleNotFound)
	})
}

func TestSyncSchedules(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := scheduler.NewStore(pool)
	ctx := context.Background()

	entries := []scheduler.TOMLEntry{
		{Name: "a", Cron: "0 9 * * *", Prompt: "morning"},
		{Name: "b", Cron: "0 18 * * *", Prompt: "evening"},
	}
	require.NoError(t, store.SyncSchedules(ctx, entries))

	tasks, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, scheduler.SourceTOML, tasks[0].Source)
	assert.True(t, tasks[0].Enabled)

	// Change a, drop b, add c.
	entries = []scheduler.TOMLEntry{
		{Name: "a", Cron: "30 9 * * *", Prompt: "morning"},
		{Name: "c", Cron: "0 12 * * *", Prompt: "noon"},
	}
	require.NoError(t, store.SyncSchedules(ctx, entries))

	a, err := store.GetByName(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "30 9 * * *", a.Cron)
	assert.True(t, a.Enabled)

	b, err := store.GetByName(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Enabled, "removed toml schedules are disabled, never deleted")
	assert.Nil(t, b.NextRunAt)

	c, err := store.GetByName(ctx, "c")
	require.NoError(t, err)
	assert.True(t, c.Enabled)

	// Re-syncing the same file is a no-op.
	require.NoError(t, store.SyncSchedules(ctx, entries))
	tasks, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestTick(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := scheduler.NewStore(pool)
	sched := scheduler.New(store)
	ctx := context.Background()

	makeDue := func(t *testing.T, name string) *scheduler.Task {
		t.Helper()
		task, err := store.Create(ctx, name, "0 9 * * *", "prompt for "+name)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			`UPDATE scheduled_tasks SET next_run_at = now() - interval '1 minute' WHERE id = $1`, task.ID)
		require.NoError(t, err)
		return task
	}

	t.Run("no tasks due still succeeds", func(t *testing.T) {
		result, err := sched.Tick(ctx, func(context.Context, string, string) (string, error) {
			t.Fatal("nothing should dispatch")
			return "", nil
		})
		require.NoError(t, err)
		assert.Zero(t, result.TasksDue)
	})

	t.Run("due task dispatches and advances", func(t *testing.T) {
		task := makeDue(t, "due-task")

		var gotPrompt, gotSource string
		result, err := sched.Tick(ctx, func(_ context.Context, prompt, source string) (string, error) {
			gotPrompt, gotSource = prompt, source
			return "done", nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.TasksDue)
		assert.Equal(t, 1, result.TasksRun)
		assert.Equal(t, "prompt for due-task", gotPrompt)
		assert.Equal(t, "schedule:due-task", gotSource)

		after, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, after.NextRunAt)
		assert.True(t, after.NextRunAt.After(time.Now()))
		assert.NotNil(t, after.LastRunAt)

		var lastResult map[string]any
		require.NoError(t, json.Unmarshal(after.LastResult, &lastResult))
		assert.Equal(t, true, lastResult["success"])
		assert.Equal(t, "done", lastResult["result"])
	})

	t.Run("dispatch failure still advances next run", func(t *testing.T) {
		task := makeDue(t, "failing-task")

		_, err := sched.Tick(ctx, func(context.Context, string, string) (string, error) {
			return "", errors.New("runtime unavailable")
		})
		require.NoError(t, err)

		after, err := store.Get(ctx, task.ID)
		require.NoError(t, err)
		require.NotNil(t, after.NextRunAt)
		assert.True(t, after.NextRunAt.After(time.Now()))

		var lastResult map[string]any
		require.NoError(t, json.Unmarshal(after.LastResult, &lastResult))
		assert.Equal(t, false, lastResult["success"])
		assert.Contains(t, lastResult["error"], "runtime unavailable")
	})

	t.Run("second tick with nothing due dispatches nothing", func(t *testing.T) {
		result, err := sched.Tick(ctx, func(context.Context, string, string) (string, error) {
			return "", errors.New("should not run")
		})
		require.NoError(t, err)
		assert.Zero(t, result.TasksDue)
	})
}
