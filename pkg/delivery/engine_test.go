package delivery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/delivery"
	"github.com/butlerhq/butlerd/test/util"
)

type scriptedSender struct {
	script []error
	calls  int
}

func (s *scriptedSender) Send(_ context.Context, _ *delivery.Request) (string, error) {
	defer func() { s.calls++ }()
	if s.calls < len(s.script) && s.script[s.calls] != nil {
		return "", s.script[s.calls]
	}
	return "provider-msg-1", nil
}

func testEngineConfig() delivery.EngineConfig {
	return delivery.EngineConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainMessenger)
	store := delivery.NewStore(pool)
	ctx := context.Background()

	t.Run("first attempt success records a receipt", func(t *testing.T) {
		result, err := store.Submit(ctx, submitInput("e-ok"))
		require.NoError(t, err)

		sender := &scriptedSender{}
		engine := delivery.NewEngine(store, sender, testEngineConfig())
		require.NoError(t, engine.Deliver(ctx, result.DeliveryID))

		assert.Equal(t, 1, sender.calls)
		req, err := store.GetRequest(ctx, result.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusDelivered, req.Status)
	})

	t.Run("transient failures retry then succeed", func(t *testing.T) {
		result, err := store.Submit(ctx, submitInput("e-retry"))
		require.NoError(t, err)

		sender := &scriptedSender{script: []error{
			&delivery.ClassifiedError{Class: delivery.ClassTransientNetwork, Err: errors.New("connection reset")},
			&delivery.ClassifiedError{Class: delivery.ClassRateLimited, Err: errors.New("429")},
			nil,
		}}
		engine := delivery.NewEngine(store, sender, testEngineConfig())
		require.NoError(t, engine.Deliver(ctx, result.DeliveryID))

		attempts, err := store.Attempts(ctx, result.DeliveryID)
		require.NoError(t, err)
		require.Len(t, attempts, 3)
		assert.Equal(t, delivery.OutcomeDeferred, attempts[0].Outcome)
		assert.Equal(t, delivery.OutcomeDeferred, attempts[1].Outcome)
		assert.Equal(t, delivery.OutcomeSuccess, attempts[2].Outcome)
	})

	t.Run("exhausted retries dead-letter the request", func(t *testing.T) {
		result, err := store.Submit(ctx, submitInput("e-exhaust"))
		require.NoError(t, err)

		fail := &delivery.ClassifiedError{Class: delivery.ClassTimeout, Err: errors.New("deadline exceeded")}
		sender := &scriptedSender{script: []error{fail, fail, fail}}
		engine := delivery.NewEngine(store, sender, testEngineConfig())

		err = engine.Deliver(ctx, result.DeliveryID)
		require.Error(t, err)
		assert.Equal(t, 3, sender.calls)

		req, err := store.GetRequest(ctx, result.DeliveryID)
		require.NoError(t, err)
		assert.Equal(t, delivery.StatusDeadLettered, req.Status)

		page, err := store.ListDeadLetters(ctx, delivery.DeadLetterFilter{ErrorClass: delivery.ClassTimeout})
		require.NoError(t, err)
		require.Equal(t, 1, page.Count)
		assert.True(t, page.DeadLetters[0].ReplayEligible)
	})

	t.Run("permanent validation dead-letters without retry", func(t *testing.T) {
		result, err := store.Submit(ctx, submitInput("e-perm"))
		require.NoError(t, err)

		sender := &scriptedSender{script: []error{
			&delivery.ClassifiedError{Class: delivery.ClassPermanentValidation, Err: errors.New("recipient malformed")},
		}}
		engine := delivery.NewEngine(store, sender, testEngineConfig())

		err = engine.Deliver(ctx, result.DeliveryID)
		require.Error(t, err)
		assert.Equal(t, 1, sender.calls)

		page, err := store.ListDeadLetters(ctx, delivery.DeadLetterFilter{ErrorClass: delivery.ClassPermanentValidation, IncludeDiscarded: true})
		require.NoError(t, err)
		require.Equal(t, 1, page.Count)
		assert.False(t, page.DeadLetters[0].ReplayEligible)
	})

	t.Run("delivering a terminal request is a no-op", func(t *testing.T) {
		result, err := store.Submit(ctx, submitInput("e-done"))
		require.NoError(t, err)
		sender := &scriptedSender{}
		engine := delivery.NewEngine(store, sender, testEngineConfig())
		require.NoError(t, engine.Deliver(ctx, result.DeliveryID))

		calls := sender.calls
		require.NoError(t, engine.Deliver(ctx, result.DeliveryID))
		assert.Equal(t, calls, sender.calls)
	})
}
