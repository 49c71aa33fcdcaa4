package heartbeat_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/contract"
	"github.com/butlerhq/butlerd/pkg/heartbeat"
)

type captureSubmitter struct {
	envelopes []*contract.HeartbeatEnvelope
	err       error
}

func (c *captureSubmitter) SubmitHeartbeat(_ context.Context, env *contract.HeartbeatEnvelope) error {
	c.envelopes = append(c.envelopes, env)
	return c.err
}

func healthy() (string, string) { return contract.ConnectorStateHealthy, "" }

func TestClampInterval(t *testing.T) {
	cases := map[time.Duration]time.Duration{
		0:                 120 * time.Second,
		-time.Second:      120 * time.Second,
		29 * time.Second:  30 * time.Second,
		30 * time.Second:  30 * time.Second,
		120 * time.Second: 120 * time.Second,
		300 * time.Second: 300 * time.Second,
		301 * time.Second: 300 * time.Second,
		time.Hour:         300 * time.Second,
	}
	for in, want := range cases {
		assert.Equal(t, want, heartbeat.ClampInterval(in), "clamp %s", in)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := heartbeat.LoadConfigFromEnv("gmail", "butler@example.com")
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 120*time.Second, cfg.Interval)
		assert.Equal(t, "gmail", cfg.ConnectorType)
		assert.Equal(t, "butler@example.com", cfg.EndpointIdentity)
	})

	t.Run("overrides clamp and disable", func(t *testing.T) {
		t.Setenv("CONNECTOR_HEARTBEAT_ENABLED", "false")
		t.Setenv("CONNECTOR_HEARTBEAT_INTERVAL_S", "10")
		cfg := heartbeat.LoadConfigFromEnv("telegram", "bot-1")
		assert.False(t, cfg.Enabled)
		assert.Equal(t, 30*time.Second, cfg.Interval)
	})

	t.Run("unparseable values keep defaults", func(t *testing.T) {
		t.Setenv("CONNECTOR_HEARTBEAT_ENABLED", "banana")
		t.Setenv("CONNECTOR_HEARTBEAT_INTERVAL_S", "soon")
		cfg := heartbeat.LoadConfigFromEnv("gmail", "x")
		assert.True(t, cfg.Enabled)
		assert.Equal(t, 120*time.Second, cfg.Interval)
	})
}

func TestBuildEnvelope(t *testing.T) {
	metrics := heartbeat.NewConnectorMetrics(prometheus.NewRegistry())
	metrics.TrackIngestSubmission("success", 80*time.Millisecond)
	metrics.TrackIngestSubmission("success", 120*time.Millisecond)
	metrics.TrackIngestSubmission("error", 2*time.Second)
	metrics.TrackSourceAPICall("messages.list", "success")
	metrics.TrackCheckpointSave("success")
	metrics.TrackDedupeAccepted()

	checkpointAt := time.Now().UTC().Truncate(time.Second)
	emitter := heartbeat.NewEmitter(
		heartbeat.Config{ConnectorType: "gmail", EndpointIdentity: "butler@example.com", Enabled: true},
		&captureSubmitter{},
		healthy,
		func() *contract.HeartbeatCheckpoint {
			return &contract.HeartbeatCheckpoint{Cursor: "history-4821", UpdatedAt: contract.NewTimestamp(checkpointAt)}
		},
		metrics,
	)

	env := emitter.Build()
	assert.Equal(t, "connector.heartbeat.v1", env.SchemaVersion)
	assert.Equal(t, emitter.InstanceID(), env.Connector.InstanceID)
	assert.Equal(t, contract.ConnectorStateHealthy, env.Status.State)
	assert.GreaterOrEqual(t, env.Status.UptimeS, 0.0)
	assert.Equal(t, 2.0, env.Counters.MessagesIngested)
	assert.Equal(t, 1.0, env.Counters.MessagesFailed)
	assert.Equal(t, 1.0, env.Counters.SourceAPICalls)
	assert.Equal(t, 1.0, env.Counters.CheckpointSaves)
	assert.Equal(t, 1.0, env.Counters.DedupeAccepted)
	require.NotNil(t, env.Checkpoint)
	assert.Equal(t, "history-4821", env.Checkpoint.Cursor)

	t.Run("built envelope passes the wire contract", func(t *testing.T) {
		payload, err := json.Marshal(env)
		require.NoError(t, err)
		parsed, err := contract.ParseHeartbeat(payload)
		require.NoError(t, err)
		assert.Equal(t, env.Connector, parsed.Connector)
	})

	t.Run("instance id is stable across builds", func(t *testing.T) {
		assert.Equal(t, env.Connector.InstanceID, emitter.Build().Connector.InstanceID)
	})
}

func TestEmitOnce(t *testing.T) {
	t.Run("submits the envelope", func(t *testing.T) {
		sub := &captureSubmitter{}
		emitter := heartbeat.NewEmitter(
			heartbeat.Config{ConnectorType: "gmail", EndpointIdentity: "x", Enabled: true},
			sub, healthy, nil, nil)
		emitter.EmitOnce(context.Background())
		require.Len(t, sub.envelopes, 1)
		assert.Nil(t, sub.envelopes[0].Checkpoint)
	})

	t.Run("submission failure is swallowed", func(t *testing.T) {
		sub := &captureSubmitter{err: errors.New("switchboard down")}
		emitter := heartbeat.NewEmitter(
			heartbeat.Config{ConnectorType: "gmail", EndpointIdentity: "x", Enabled: true},
			sub, healthy, nil, nil)
		assert.NotPanics(t, func() { emitter.EmitOnce(context.Background()) })
	})
}

func TestRunDisabled(t *testing.T) {
	sub := &captureSubmitter{}
	emitter := heartbeat.NewEmitter(
		heartbeat.Config{ConnectorType: "gmail", EndpointIdentity: "x", Enabled: false},
		sub, healthy, nil, nil)

	done := make(chan struct{})
	go func() {
		emitter.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled emitter should return immediately")
	}
	assert.Empty(t, sub.envelopes)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *heartbeat.ConnectorMetrics
	assert.NotPanics(t, func() {
		m.TrackIngestSubmission("success", time.Second)
		m.TrackSourceAPICall("a", "b")
		m.TrackCheckpointSave("success")
		m.TrackError("x", "y")
		m.TrackDedupeAccepted()
	})
	assert.Zero(t, m.Snapshot().MessagesIngested)
}
