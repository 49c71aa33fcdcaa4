package statekv_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/statekv"
	"github.com/butlerhq/butlerd/test/util"
)

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	store := statekv.NewStore(pool)
	ctx := context.Background()

	t.Run("versions increment monotonically", func(t *testing.T) {
		v1, err := store.Set(ctx, "cursor", map[string]string{"pos": "a"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), v1)

		v2, err := store.Set(ctx, "cursor", map[string]string{"pos": "b"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), v2)
	})

	t.Run("get round-trips the value", func(t *testing.T) {
		_, err := store.Set(ctx, "prefs", map[string]any{"digest": true})
		require.NoError(t, err)

		raw, found, err := store.Get(ctx, "prefs")
		require.NoError(t, err)
		require.True(t, found)

		var prefs map[string]any
		require.NoError(t, json.Unmarshal(raw, &prefs))
		assert.Equal(t, true, prefs["digest"])
	})

	t.Run("get missing key", func(t *testing.T) {
		_, found, err := store.Get(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("cas success returns expected plus one", func(t *testing.T) {
		v, err := store.Set(ctx, "cas-ok", "v1")
		require.NoError(t, err)

		next, err := store.CompareAndSet(ctx, "cas-ok", v, "v2")
		require.NoError(t, err)
		assert.Equal(t, v+1, next)
	})

	t.Run("cas conflict surfaces actual version and preserves value", func(t *testing.T) {
		_, err := store.Set(ctx, "cas-bad", "v1")
		require.NoError(t, err)
		_, err = store.Set(ctx, "cas-bad", "v2")
		require.NoError(t, err)

		_, err = store.CompareAndSet(ctx, "cas-bad", 1, "v3")
		require.Error(t, err)
		var conflict *statekv.CASConflict
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "cas-bad", conflict.Key)
		assert.Equal(t, int64(1), conflict.Expected)
		require.NotNil(t, conflict.Actual)
		assert.Equal(t, int64(2), *conflict.Actual)

		raw, found, err := store.Get(ctx, "cas-bad")
		require.NoError(t, err)
		require.True(t, found)
		assert.JSONEq(t, `"v2"`, string(raw))
	})

	t.Run("cas on missing key reports nil actual", func(t *testing.T) {
		_, err := store.CompareAndSet(ctx, "ghost", 1, "v1")
		require.Error(t, err)
		var conflict *statekv.CASConflict
		require.ErrorAs(t, err, &conflict)
		assert.Nil(t, conflict.Actual)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		_, err := store.Set(ctx, "gone", 1)
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "gone"))
		require.NoError(t, store.Delete(ctx, "gone"))

		_, found, err := store.Get(ctx, "gone")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("list by prefix", func(t *testing.T) {
		_, err := store.Set(ctx, "job:a", 1)
		require.NoError(t, err)
		_, err = store.Set(ctx, "job:b", 2)
		require.NoError(t, err)

		keys, err := store.List(ctx, "job:", true)
		require.NoError(t, err)
		require.Len(t, keys, 2)
		assert.Equal(t, "job:a", keys[0].Key)
		assert.Nil(t, keys[0].Value)

		full, err := store.List(ctx, "job:", false)
		require.NoError(t, err)
		require.Len(t, full, 2)
		assert.JSONEq(t, `1`, string(full[0].Value))
	})
}
