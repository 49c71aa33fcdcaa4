package spawner_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/runtime"
	"github.com/butlerhq/butlerd/pkg/spawner"
	"github.com/butlerhq/butlerd/test/util"
)

func TestSessionStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := spawner.NewSessionStore(pool)
	ctx := context.Background()

	begin := func(t *testing.T, source string) string {
		t.Helper()
		id := uuid.Must(uuid.NewV7()).String()
		require.NoError(t, store.Begin(ctx, &spawner.Session{
			ID: id, Prompt: "do the thing", TriggerSource: source,
		}))
		return id
	}

	t.Run("lifecycle", func(t *testing.T) {
		id := begin(t, "route:general")

		active, err := store.Active(ctx)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, id, active[0].ID)

		require.NoError(t, store.Heartbeat(ctx, id))

		res := &runtime.InvokeResult{
			ResultText: "done",
			ToolCalls:  []runtime.ToolCall{{Name: "state_set", Result: "ok"}},
			Usage:      &runtime.Usage{InputTokens: 100, OutputTokens: 40},
		}
		require.NoError(t, store.Complete(ctx, id, res, 1500*time.Millisecond, ""))

		sess, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess.Success)
		assert.True(t, *sess.Success)
		assert.Equal(t, "done", *sess.Result)
		assert.EqualValues(t, 1500, *sess.DurationMS)
		assert.EqualValues(t, 100, *sess.InputTokens)
		require.NotNil(t, sess.CompletedAt)

		// Completed sessions leave the active set and reject late updates.
		active, err = store.Active(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
		require.ErrorIs(t, store.Heartbeat(ctx, id), spawner.ErrSessionNotFound)
		require.ErrorIs(t, store.Complete(ctx, id, nil, 0, "late"), spawner.ErrSessionNotFound)
	})

	t.Run("failed session records the error", func(t *testing.T) {
		id := begin(t, "schedule:brief")
		require.NoError(t, store.Complete(ctx, id, nil, 300*time.Millisecond, "runtime binary not found"))

		sess, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, sess.Success)
		assert.False(t, *sess.Success)
		assert.Equal(t, "runtime binary not found", *sess.Error)
	})

	t.Run("mark drained", func(t *testing.T) {
		id := begin(t, "manual")
		require.NoError(t, store.MarkDrained(ctx, id))

		sess, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, *sess.Success)
		assert.Equal(t, "drained", *sess.Error)
		require.ErrorIs(t, store.MarkDrained(ctx, id), spawner.ErrSessionNotFound)
	})

	t.Run("orphan cleanup", func(t *testing.T) {
		stale := begin(t, "route:general")
		fresh := begin(t, "route:general")
		_, err := pool.Exec(ctx,
			`UPDATE sessions SET last_heartbeat_at = now() - interval '10 minutes' WHERE id = $1`, stale)
		require.NoError(t, err)

		closed, err := store.CleanupOrphans(ctx, 5*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 1, closed)

		sess, err := store.Get(ctx, stale)
		require.NoError(t, err)
		assert.Equal(t, "orphaned", *sess.Error)

		sess, err = store.Get(ctx, fresh)
		require.NoError(t, err)
		assert.Nil(t, sess.CompletedAt, "recently heartbeating sessions survive cleanup")
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.Get(ctx, uuid.Must(uuid.NewV7()).String())
		require.ErrorIs(t, err, spawner.ErrSessionNotFound)
	})
}
