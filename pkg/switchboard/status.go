package switchboard

import (
	"sort"
	"sync"
	"time"

	"github.com/butlerhq/butlerd/pkg/contract"
)

// StaleAfter is how long without a heartbeat before a connector instance
// counts as stale. Heartbeats arrive at most every 300s, so two missed
// ticks at the slowest cadence marks the instance stale.
const StaleAfter = 10 * time.Minute

// ConnectorStatus is the last word from one connector instance.
type ConnectorStatus struct {
	Connector  contract.HeartbeatConnector `json:"connector"`
	State      string                      `json:"state"`
	Error      string                      `json:"error,omitempty"`
	UptimeS    float64                     `json:"uptime_s"`
	Counters   contract.HeartbeatCounters  `json:"counters"`
	Checkpoint *contract.HeartbeatCheckpoint `json:"checkpoint,omitempty"`
	LastSeenAt time.Time                   `json:"last_seen_at"`
	Stale      bool                        `json:"stale"`
}

// ConnectorStatusTable tracks the latest heartbeat per connector
// instance, keyed by (connector_type, endpoint_identity, instance_id).
type ConnectorStatusTable struct {
	mu      sync.RWMutex
	entries map[contract.HeartbeatConnector]ConnectorStatus
}

// NewConnectorStatusTable creates an empty table.
func NewConnectorStatusTable() *ConnectorStatusTable {
	return &ConnectorStatusTable{entries: map[contract.HeartbeatConnector]ConnectorStatus{}}
}

// Record ingests one heartbeat envelope.
func (t *ConnectorStatusTable) Record(env *contract.HeartbeatEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[env.Connector] = ConnectorStatus{
		Connector:  env.Connector,
		State:      env.Status.State,
		Error:      env.Status.ErrorMessage,
		UptimeS:    env.Status.UptimeS,
		Counters:   env.Counters,
		Checkpoint: env.Checkpoint,
		LastSeenAt: time.Now(),
	}
}

// List returns all known instances with staleness computed against now,
// ordered by connector type then endpoint.
func (t *ConnectorStatusTable) List(now time.Time) []ConnectorStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	statuses := make([]ConnectorStatus, 0, len(t.entries))
	for _, status := range t.entries {
		status.Stale = now.Sub(status.LastSeenAt) > StaleAfter
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		a, b := statuses[i].Connector, statuses[j].Connector
		if a.ConnectorType != b.ConnectorType {
			return a.ConnectorType < b.ConnectorType
		}
		if a.EndpointIdentity != b.EndpointIdentity {
			return a.EndpointIdentity < b.EndpointIdentity
		}
		return a.InstanceID < b.InstanceID
	})
	return statuses
}
