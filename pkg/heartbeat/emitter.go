// Package heartbeat emits connector.heartbeat.v1 liveness reports on a
// fixed cadence and carries the connector-side Prometheus metrics those
// reports snapshot.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/butlerhq/butlerd/pkg/contract"
)

const (
	// DefaultIntervalS is the heartbeat cadence when none is configured.
	DefaultIntervalS = 120
	// MinIntervalS and MaxIntervalS clamp configured cadences.
	MinIntervalS = 30
	MaxIntervalS = 300

	envEnabled   = "CONNECTOR_HEARTBEAT_ENABLED"
	envIntervalS = "CONNECTOR_HEARTBEAT_INTERVAL_S"
)

// Submitter delivers one heartbeat envelope to the switchboard.
type Submitter interface {
	SubmitHeartbeat(ctx context.Context, env *contract.HeartbeatEnvelope) error
}

// HealthFunc reports the connector's current state. The error message is
// included when state is degraded or error.
type HealthFunc func() (state, errorMessage string)

// CheckpointFunc reports the connector's resume cursor, or nil when the
// connector keeps no checkpoint.
type CheckpointFunc func() *contract.HeartbeatCheckpoint

// Config tunes an Emitter.
type Config struct {
	ConnectorType    string
	EndpointIdentity string
	Enabled          bool
	Interval         time.Duration
}

// LoadConfigFromEnv builds a Config from CONNECTOR_HEARTBEAT_* variables.
// Heartbeats default to enabled; out-of-range intervals are clamped, not
// rejected.
func LoadConfigFromEnv(connectorType, endpointIdentity string) Config {
	cfg := Config{
		ConnectorType:    connectorType,
		EndpointIdentity: endpointIdentity,
		Enabled:          true,
		Interval:         DefaultIntervalS * time.Second,
	}
	if raw := os.Getenv(envEnabled); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			cfg.Enabled = enabled
		}
	}
	if raw := os.Getenv(envIntervalS); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			cfg.Interval = ClampInterval(time.Duration(secs) * time.Second)
		}
	}
	return cfg
}

// ClampInterval bounds a heartbeat interval to [MinIntervalS, MaxIntervalS]
// seconds. Non-positive intervals get the default.
func ClampInterval(interval time.Duration) time.Duration {
	switch {
	case interval <= 0:
		return DefaultIntervalS * time.Second
	case interval < MinIntervalS*time.Second:
		return MinIntervalS * time.Second
	case interval > MaxIntervalS*time.Second:
		return MaxIntervalS * time.Second
	default:
		return interval
	}
}

// Emitter sends one heartbeat per interval for one connector instance.
// The instance id is minted once at construction and identifies this
// process for its whole lifetime.
type Emitter struct {
	cfg        Config
	instanceID string
	startedAt  time.Time

	submitter  Submitter
	health     HealthFunc
	checkpoint CheckpointFunc
	metrics    *ConnectorMetrics
	logger     *slog.Logger
}

// NewEmitter creates an emitter. health is required; checkpoint and
// metrics may be nil.
func NewEmitter(cfg Config, submitter Submitter, health HealthFunc, checkpoint CheckpointFunc, metrics *ConnectorMetrics) *Emitter {
	cfg.Interval = ClampInterval(cfg.Interval)
	return &Emitter{
		cfg:        cfg,
		instanceID: uuid.Must(uuid.NewV7()).String(),
		startedAt:  time.Now(),
		submitter:  submitter,
		health:     health,
		checkpoint: checkpoint,
		metrics:    metrics,
		logger: slog.Default().With(
			"component", "heartbeat",
			"connector_type", cfg.ConnectorType,
			"endpoint_identity", cfg.EndpointIdentity,
		),
	}
}

// InstanceID returns this process's heartbeat identity.
func (e *Emitter) InstanceID() string {
	return e.instanceID
}

// Run emits heartbeats until ctx is cancelled. Submission failures are
// logged and swallowed; a broken switchboard must never take the
// connector's ingest path down with it.
func (e *Emitter) Run(ctx context.Context) {
	if !e.cfg.Enabled {
		e.logger.Info("Heartbeats disabled")
		return
	}
	e.logger.Info("Heartbeat emitter started",
		"instance_id", e.instanceID, "interval", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.EmitOnce(ctx)
		}
	}
}

// EmitOnce builds and submits a single heartbeat. Connectors call this at
// startup so the switchboard learns about the instance before the first
// tick.
func (e *Emitter) EmitOnce(ctx context.Context) {
	env := e.Build()
	if err := e.submitter.SubmitHeartbeat(ctx, env); err != nil {
		e.logger.Warn("Heartbeat submission failed", "error", err)
		e.metrics.TrackError("heartbeat_submit", "heartbeat")
	}
}

// Build assembles the current heartbeat envelope.
func (e *Emitter) Build() *contract.HeartbeatEnvelope {
	state, errMsg := e.health()
	snap := e.metrics.Snapshot()

	env := &contract.HeartbeatEnvelope{
		SchemaVersion: contract.SchemaVersionHeartbeat,
		Connector: contract.HeartbeatConnector{
			ConnectorType:    e.cfg.ConnectorType,
			EndpointIdentity: e.cfg.EndpointIdentity,
			InstanceID:       e.instanceID,
		},
		Status: contract.HeartbeatStatus{
			State:        state,
			ErrorMessage: errMsg,
			UptimeS:      time.Since(e.startedAt).Seconds(),
		},
		Counters: contract.HeartbeatCounters{
			MessagesIngested: float64(snap.MessagesIngested),
			MessagesFailed:   float64(snap.MessagesFailed),
			SourceAPICalls:   float64(snap.SourceAPICalls),
			CheckpointSaves:  float64(snap.CheckpointSaves),
			DedupeAccepted:   float64(snap.DedupeAccepted),
		},
		SentAt: contract.NewTimestamp(time.Now().UTC()),
	}
	if e.checkpoint != nil {
		env.Checkpoint = e.checkpoint()
	}
	return env
}
