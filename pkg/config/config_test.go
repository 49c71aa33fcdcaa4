package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/config"
)

const validConfig = `
[butler]
name = "general"
port = 8301
description = "Household catch-all"
modules = ["mailbox", "scheduler"]

[butler.runtime]
adapter = "gemini"
model = "gemini-2.5-pro"
max_concurrent_sessions = 2

[butler.db]
url = "postgres://localhost:5432/butlers"

[[butler.schedule]]
name = "morning-brief"
cron = "0 7 * * *"
prompt = "Summarize overnight messages"
timezone = "Europe/London"

[[butler.schedule]]
name = "evening-review"
cron = "0 21 * * *"
prompt = "Review the day"
`

func writeButler(t *testing.T, dir, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "butler.toml"), []byte(content), 0o600))
	return dir
}

func TestLoad(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		dir := writeButler(t, filepath.Join(t.TempDir(), "general"), validConfig)
		b, err := config.Load(dir)
		require.NoError(t, err)

		assert.Equal(t, "general", b.Name)
		assert.Equal(t, 8301, b.Port)
		assert.Equal(t, dir, b.Dir)
		assert.Equal(t, "gemini", b.Runtime.Adapter)
		assert.Equal(t, 2, b.Runtime.MaxConcurrentSessions)
		assert.True(t, b.HasModule("mailbox"))
		assert.False(t, b.HasModule("delivery"))
		assert.Equal(t, "butler_general", b.Schema())

		entries := b.SchedulerEntries()
		require.Len(t, entries, 2)
		assert.Equal(t, "morning-brief", entries[0].Name)
		assert.Equal(t, "Europe/London", entries[0].Timezone)
	})

	t.Run("explicit schema wins over default", func(t *testing.T) {
		dir := writeButler(t, filepath.Join(t.TempDir(), "b"), `
[butler]
name = "front-desk"
port = 8302
[butler.db]
schema = "concierge"
`)
		b, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "concierge", b.Schema())
	})

	t.Run("dashed name folds into schema", func(t *testing.T) {
		dir := writeButler(t, filepath.Join(t.TempDir(), "b"), `
[butler]
name = "front-desk"
port = 8302
`)
		b, err := config.Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "butler_front_desk", b.Schema())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.Load(t.TempDir())
		require.ErrorIs(t, err, config.ErrConfigNotFound)
	})

	t.Run("invalid toml", func(t *testing.T) {
		dir := writeButler(t, filepath.Join(t.TempDir(), "b"), "[butler\nname=")
		_, err := config.Load(dir)
		require.ErrorIs(t, err, config.ErrConfigInvalid)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantIn  string
	}{
		{"bad name", "[butler]\nname = \"General!\"\nport = 8301\n", "lowercase"},
		{"bad port", "[butler]\nname = \"general\"\nport = 0\n", "out of range"},
		{"unnamed schedule", `
[butler]
name = "general"
port = 8301
[[butler.schedule]]
cron = "0 9 * * *"
`, "no name"},
		{"duplicate schedule", `
[butler]
name = "general"
port = 8301
[[butler.schedule]]
name = "x"
cron = "0 9 * * *"
[[butler.schedule]]
name = "x"
cron = "0 10 * * *"
`, "repeated"},
		{"bad cron", `
[butler]
name = "general"
port = 8301
[[butler.schedule]]
name = "x"
cron = "whenever"
`, "cron"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := writeButler(t, filepath.Join(t.TempDir(), "b"), tc.content)
			_, err := config.Load(dir)
			require.ErrorIs(t, err, config.ErrConfigInvalid)
			assert.Contains(t, err.Error(), tc.wantIn)
		})
	}
}

func TestDiscoverRoster(t *testing.T) {
	t.Run("finds and sorts butlers", func(t *testing.T) {
		roster := t.TempDir()
		writeButler(t, filepath.Join(roster, "zulu"), "[butler]\nname = \"zulu\"\nport = 8303\n")
		writeButler(t, filepath.Join(roster, "alpha"), "[butler]\nname = \"alpha\"\nport = 8301\n")
		// A stray dir without butler.toml is skipped.
		require.NoError(t, os.MkdirAll(filepath.Join(roster, "notes"), 0o755))

		butlers, err := config.DiscoverRoster(roster)
		require.NoError(t, err)
		require.Len(t, butlers, 2)
		assert.Equal(t, "alpha", butlers[0].Name)
		assert.Equal(t, "zulu", butlers[1].Name)
	})

	t.Run("broken roster member fails discovery", func(t *testing.T) {
		roster := t.TempDir()
		writeButler(t, filepath.Join(roster, "ok"), "[butler]\nname = \"ok\"\nport = 8301\n")
		writeButler(t, filepath.Join(roster, "bad"), "[butler]\nname = \"BAD\"\nport = 8302\n")
		_, err := config.DiscoverRoster(roster)
		require.ErrorIs(t, err, config.ErrConfigInvalid)
	})

	t.Run("missing roster dir", func(t *testing.T) {
		_, err := config.DiscoverRoster(filepath.Join(t.TempDir(), "nope"))
		require.ErrorIs(t, err, config.ErrConfigNotFound)
	})
}
