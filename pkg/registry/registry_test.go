package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/registry"
	"github.com/butlerhq/butlerd/test/util"
)

type fakeCaller struct {
	calls  []string
	result map[string]any
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, _, tool string, _ map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, tool)
	return f.result, f.err
}

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainSwitchboard)
	store := registry.NewStore(pool)
	ctx := context.Background()

	t.Run("register upserts and refreshes liveness", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "finance",
			EndpointURL: "http://localhost:7101",
			Description: "money things",
			Modules:     []string{"scheduler", "mailbox"},
		}))

		b, err := store.Get(ctx, "finance")
		require.NoError(t, err)
		assert.Equal(t, registry.StateActive, b.EligibilityState)
		assert.Equal(t, 90, b.LivenessTTLSeconds)
		require.NotNil(t, b.LastSeenAt)
		assert.True(t, b.HasModule("mailbox"))

		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "finance",
			EndpointURL: "http://localhost:7201",
		}))
		b, err = store.Get(ctx, "finance")
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:7201", b.EndpointURL)
	})

	t.Run("get unknown butler", func(t *testing.T) {
		_, err := store.Get(ctx, "nobody")
		require.ErrorIs(t, err, registry.ErrButlerNotFound)
	})

	t.Run("eligibility follows state and liveness ttl", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:               "health",
			EndpointURL:        "http://localhost:7102",
			LivenessTTLSeconds: 60,
		}))

		b, err := store.Get(ctx, "health")
		require.NoError(t, err)
		assert.True(t, b.Eligible(*b.LastSeenAt))

		// Stale beyond the TTL.
		_, err = pool.Exec(ctx,
			`UPDATE butler_registry SET last_seen_at = now() - interval '5 minutes' WHERE name = 'health'`)
		require.NoError(t, err)
		b, err = store.Get(ctx, "health")
		require.NoError(t, err)
		assert.False(t, b.Eligible(time.Now()))

		require.NoError(t, store.Touch(ctx, "health"))
		b, err = store.Get(ctx, "health")
		require.NoError(t, err)
		assert.True(t, b.Eligible(*b.LastSeenAt))
	})

	t.Run("quarantine blocks and clear restores", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "home",
			EndpointURL: "http://localhost:7103",
		}))

		require.NoError(t, store.Quarantine(ctx, "home", "flapping endpoint"))
		b, err := store.Get(ctx, "home")
		require.NoError(t, err)
		assert.Equal(t, registry.StateQuarantined, b.EligibilityState)
		require.NotNil(t, b.QuarantineReason)
		assert.Equal(t, "flapping endpoint", *b.QuarantineReason)
		assert.False(t, b.Eligible(*b.LastSeenAt))

		require.NoError(t, store.ClearQuarantine(ctx, "home"))
		b, err = store.Get(ctx, "home")
		require.NoError(t, err)
		assert.Equal(t, registry.StateActive, b.EligibilityState)
		assert.Nil(t, b.QuarantinedAt)
	})

	t.Run("draining blocks new routes", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "memory",
			EndpointURL: "http://localhost:7104",
		}))
		require.NoError(t, store.SetDraining(ctx, "memory"))

		b, err := store.Get(ctx, "memory")
		require.NoError(t, err)
		assert.False(t, b.Eligible(*b.LastSeenAt))
	})

	t.Run("list is sorted", func(t *testing.T) {
		butlers, err := store.List(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, butlers)
		for i := 1; i < len(butlers); i++ {
			assert.Less(t, butlers[i-1].Name, butlers[i].Name)
		}
	})
}

func TestRouter(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainSwitchboard)
	store := registry.NewStore(pool)
	ctx := context.Background()

	countLogs := func(t *testing.T, target string, success bool) int {
		t.Helper()
		var n int
		err := pool.QueryRow(ctx,
			`SELECT count(*) FROM routing_log WHERE target_butler = $1 AND success = $2`,
			target, success).Scan(&n)
		require.NoError(t, err)
		return n
	}

	t.Run("successful route logs success", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "finance",
			EndpointURL: "http://localhost:7101",
			Modules:     []string{"mailbox"},
		}))
		caller := &fakeCaller{result: map[string]any{"status": "accepted"}}
		router := registry.NewRouter(store, caller, "switchboard")

		result, err := router.Route(ctx, "finance", "route.execute", map[string]any{"x": 1}, registry.RouteOptions{
			SourceChannel: "email",
			ThreadID:      "t-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "accepted", result["status"])
		assert.Equal(t, []string{"route.execute"}, caller.calls)
		assert.Equal(t, 1, countLogs(t, "finance", true))
	})

	t.Run("ineligible target never reaches the caller", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "health",
			EndpointURL: "http://localhost:7102",
		}))
		require.NoError(t, store.Quarantine(ctx, "health", "ops hold"))

		caller := &fakeCaller{}
		router := registry.NewRouter(store, caller, "switchboard")

		_, err := router.Route(ctx, "health", "tick", nil, registry.RouteOptions{})
		require.ErrorIs(t, err, registry.ErrButlerIneligible)
		assert.Empty(t, caller.calls)
		assert.Equal(t, 1, countLogs(t, "health", false))
	})

	t.Run("unreachable target logs failure", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "home",
			EndpointURL: "http://localhost:7103",
		}))
		caller := &fakeCaller{err: errors.New("connection refused")}
		router := registry.NewRouter(store, caller, "switchboard")

		_, err := router.Route(ctx, "home", "tick", nil, registry.RouteOptions{})
		require.Error(t, err)
		assert.Equal(t, 1, countLogs(t, "home", false))
	})

	t.Run("post mail requires the mailbox module", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "memory",
			EndpointURL: "http://localhost:7104",
		}))
		caller := &fakeCaller{}
		router := registry.NewRouter(store, caller, "switchboard")

		_, err := router.PostMail(ctx, "memory", "switchboard", "internal", "hello", nil)
		require.ErrorIs(t, err, registry.ErrMailboxNotEnabled)
		assert.Empty(t, caller.calls)
	})

	t.Run("post mail routes as mailbox_post", func(t *testing.T) {
		require.NoError(t, store.Register(ctx, registry.Registration{
			Name:        "relationship",
			EndpointURL: "http://localhost:7105",
			Modules:     []string{"mailbox"},
		}))
		caller := &fakeCaller{result: map[string]any{"status": "posted"}}
		router := registry.NewRouter(store, caller, "switchboard")

		result, err := router.PostMail(ctx, "relationship", "finance", "internal", "budget ready", map[string]any{"subject": "budget"})
		require.NoError(t, err)
		assert.Equal(t, "posted", result["status"])
		assert.Equal(t, []string{"mailbox_post"}, caller.calls)
	})
}
