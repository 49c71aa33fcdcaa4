package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCron(t *testing.T) {
	t.Run("accepts standard five-field syntax", func(t *testing.T) {
		for _, expr := range []string{"0 9 * * *", "*/5 * * * *", "30 18 * * 1-5"} {
			_, err := ValidateCron(expr)
			assert.NoError(t, err, expr)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		for _, expr := range []string{"", "not a cron", "61 * * * *", "* * * *"} {
			_, err := ValidateCron(expr)
			assert.ErrorIs(t, err, ErrCronInvalid, expr)
		}
	})
}

func TestNextRun(t *testing.T) {
	t.Run("daily at nine fires once then advances a day", func(t *testing.T) {
		at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

		next, err := NextRun("0 9 * * *", "", at)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC), next)

		justBefore, err := NextRun("0 9 * * *", "", at.Add(-time.Minute))
		require.NoError(t, err)
		assert.Equal(t, at, justBefore)
	})

	t.Run("timezone shifts the local firing time", func(t *testing.T) {
		after := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
		next, err := NextRun("0 9 * * *", "America/New_York", after)
		require.NoError(t, err)
		// 09:00 in New York is 13:00 or 14:00 UTC depending on DST.
		assert.Equal(t, 9, next.Hour())
		assert.Equal(t, "America/New_York", next.Location().String())
	})

	t.Run("unknown timezone is invalid", func(t *testing.T) {
		_, err := NextRun("0 9 * * *", "Mars/Olympus", time.Now())
		assert.ErrorIs(t, err, ErrCronInvalid)
	})
}
