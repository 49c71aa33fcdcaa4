package contract

import "github.com/google/uuid"

// SchemaVersionHeartbeat is the only accepted connector heartbeat schema tag.
const SchemaVersionHeartbeat = "connector.heartbeat.v1"

// Connector health states.
const (
	ConnectorStateHealthy  = "healthy"
	ConnectorStateDegraded = "degraded"
	ConnectorStateError    = "error"
)

// HeartbeatConnector identifies the reporting connector instance.
// (connector_type, endpoint_identity, instance_id) is the heartbeat key.
type HeartbeatConnector struct {
	ConnectorType    string `json:"connector_type"`
	EndpointIdentity string `json:"endpoint_identity"`
	InstanceID       string `json:"instance_id"`
}

// HeartbeatStatus is the connector's self-reported health.
type HeartbeatStatus struct {
	State        string  `json:"state"`
	ErrorMessage string  `json:"error_message,omitempty"`
	UptimeS      float64 `json:"uptime_s"`
}

// HeartbeatCounters are cumulative counters snapshotted per tick.
type HeartbeatCounters struct {
	MessagesIngested float64 `json:"messages_ingested"`
	MessagesFailed   float64 `json:"messages_failed"`
	SourceAPICalls   float64 `json:"source_api_calls"`
	CheckpointSaves  float64 `json:"checkpoint_saves"`
	DedupeAccepted   float64 `json:"dedupe_accepted"`
}

// HeartbeatCheckpoint reports the connector's resume cursor.
type HeartbeatCheckpoint struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// HeartbeatEnvelope is a connector liveness report (connector.heartbeat.v1).
type HeartbeatEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	Connector     HeartbeatConnector   `json:"connector"`
	Status        HeartbeatStatus      `json:"status"`
	Counters      HeartbeatCounters    `json:"counters"`
	Checkpoint    *HeartbeatCheckpoint `json:"checkpoint,omitempty"`
	SentAt        Timestamp            `json:"sent_at"`
}

// ParseHeartbeat parses and validates a connector.heartbeat.v1 envelope.
func ParseHeartbeat(payload []byte) (*HeartbeatEnvelope, error) {
	var env HeartbeatEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if env.SchemaVersion != SchemaVersionHeartbeat {
		return nil, NewError(CodeUnsupportedSchemaVersion, "schema_version", env.SchemaVersion)
	}
	if env.Connector.ConnectorType == "" {
		return nil, NewError(CodeFieldMissing, "connector.connector_type", "required")
	}
	if env.Connector.EndpointIdentity == "" {
		return nil, NewError(CodeFieldMissing, "connector.endpoint_identity", "required")
	}
	if _, err := uuid.Parse(env.Connector.InstanceID); err != nil {
		return nil, NewError(CodeMalformedPayload, "connector.instance_id", env.Connector.InstanceID)
	}
	switch env.Status.State {
	case ConnectorStateHealthy, ConnectorStateDegraded, ConnectorStateError:
	default:
		return nil, NewError(CodeMalformedPayload, "status.state", env.Status.State)
	}
	if env.SentAt.IsZero() {
		return nil, NewError(CodeFieldMissing, "sent_at", "required")
	}
	return &env, nil
}
