package inbox_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/inbox"
	"github.com/butlerhq/butlerd/test/util"
)

var testEnvelope = json.RawMessage(`{"schema_version":"route.v1","input":{"prompt":"hello"}}`)

func TestStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := inbox.NewStore(pool)
	ctx := context.Background()

	t.Run("insert starts in accepted", func(t *testing.T) {
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)

		row, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.StateAccepted, row.LifecycleState)
		assert.JSONEq(t, string(testEnvelope), string(row.RouteEnvelope))
		assert.Nil(t, row.ProcessedAt)
	})

	t.Run("happy path accepted to processed", func(t *testing.T) {
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)

		ok, err := store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		sessionID := "sess-1"
		ok, err = store.MarkProcessed(ctx, id, &sessionID)
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.StateProcessed, row.LifecycleState)
		require.NotNil(t, row.SessionID)
		assert.Equal(t, "sess-1", *row.SessionID)
		assert.NotNil(t, row.ProcessedAt)
	})

	t.Run("errored path records error text", func(t *testing.T) {
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)

		ok, err := store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.MarkErrored(ctx, id, "runtime exploded")
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.StateErrored, row.LifecycleState)
		require.NotNil(t, row.ErrorText)
		assert.Equal(t, "runtime exploded", *row.ErrorText)
	})

	t.Run("double claim loses the cas", func(t *testing.T) {
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)

		first, err := store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.True(t, first)

		second, err := store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.False(t, second)
	})

	t.Run("terminal rows are write-once", func(t *testing.T) {
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		_, err = store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		sessionID := "sess-2"
		_, err = store.MarkProcessed(ctx, id, &sessionID)
		require.NoError(t, err)

		ok, err := store.MarkErrored(ctx, id, "too late")
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		row, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.StateProcessed, row.LifecycleState)
		assert.Nil(t, row.ErrorText)
	})

	t.Run("get missing row", func(t *testing.T) {
		_, err := store.Get(ctx, 999999)
		require.ErrorIs(t, err, inbox.ErrRowNotFound)
	})
}

func TestRecoverySweep(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := inbox.NewStore(pool)
	ctx := context.Background()

	age := func(t *testing.T, id int64, seconds int) {
		t.Helper()
		_, err := pool.Exec(ctx,
			`UPDATE route_inbox SET received_at = now() - make_interval(secs => $2) WHERE id = $1`,
			id, seconds)
		require.NoError(t, err)
	}
	truncate := func(t *testing.T) {
		t.Helper()
		_, err := pool.Exec(ctx, `TRUNCATE route_inbox`)
		require.NoError(t, err)
	}

	t.Run("fresh rows stay inside the grace window", func(t *testing.T) {
		truncate(t)
		_, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)

		count, err := store.RecoverySweep(ctx, func(context.Context, int64, json.RawMessage) error {
			t.Fatal("dispatch must not run inside the grace window")
			return nil
		}, 10, 100)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("abandoned processing row is re-dispatched once", func(t *testing.T) {
		truncate(t)
		id, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		ok, err := store.MarkProcessing(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		age(t, id, 60)

		var dispatched []int64
		count, err := store.RecoverySweep(ctx, func(_ context.Context, rowID int64, envelope json.RawMessage) error {
			dispatched = append(dispatched, rowID)
			assert.JSONEq(t, string(testEnvelope), string(envelope))
			claimed, err := store.MarkProcessing(ctx, rowID)
			require.NoError(t, err)
			assert.True(t, claimed)
			return nil
		}, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.Equal(t, []int64{id}, dispatched)

		row, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, inbox.StateProcessing, row.LifecycleState)
	})

	t.Run("one failing row does not abort the sweep", func(t *testing.T) {
		truncate(t)
		a, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		b, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		age(t, a, 60)
		age(t, b, 60)

		count, err := store.RecoverySweep(ctx, func(_ context.Context, rowID int64, _ json.RawMessage) error {
			if rowID == a {
				return assert.AnError
			}
			return nil
		}, 10, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("fifo order by received_at", func(t *testing.T) {
		truncate(t)
		first, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		second, err := store.Insert(ctx, testEnvelope)
		require.NoError(t, err)
		age(t, first, 120)
		age(t, second, 90)

		var order []int64
		_, err = store.RecoverySweep(ctx, func(_ context.Context, rowID int64, _ json.RawMessage) error {
			order = append(order, rowID)
			_, _ = store.MarkProcessing(ctx, rowID)
			return nil
		}, 10, 2)
		require.NoError(t, err)
		require.Len(t, order, 2)
		assert.Equal(t, first, order[0])
		assert.Equal(t, second, order[1])
	})
}
