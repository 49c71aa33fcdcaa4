package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerhq/butlerd/pkg/database"
	"github.com/butlerhq/butlerd/pkg/inbox"
	"github.com/butlerhq/butlerd/pkg/mailbox"
	"github.com/butlerhq/butlerd/pkg/registry"
	"github.com/butlerhq/butlerd/pkg/scheduler"
	"github.com/butlerhq/butlerd/pkg/switchboard"
	"github.com/butlerhq/butlerd/pkg/triage"
	"github.com/butlerhq/butlerd/test/util"
)

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func routeEnvelope(butler string) map[string]any {
	return map[string]any{
		"schema_version": "route.v1",
		"request_context": map[string]any{
			"request_id":               uuid.Must(uuid.NewV7()).String(),
			"received_at":              "2026-08-24T10:00:00Z",
			"source_channel":           "email",
			"source_endpoint_identity": "butler@example.com",
			"source_sender_identity":   "alice@example.com",
		},
		"input":  map[string]any{"prompt": "book dinner"},
		"target": map[string]any{"butler": butler, "tool": "route.execute"},
	}
}

func TestButlerToolServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	pool := util.SetupTestPool(t, database.ChainButler)
	schedules := scheduler.NewStore(pool)
	server := NewServer(Services{
		ButlerName: "general",
		Inbox:      inbox.NewStore(pool),
		Schedules:  schedules,
		Scheduler:  scheduler.New(schedules),
		Mailbox:    mailbox.NewStore(pool),
	})
	handler := server.Handler()

	t.Run("health", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "general", body["butler"])
	})

	t.Run("health reports database failure", func(t *testing.T) {
		broken := NewServer(Services{
			ButlerName:  "general",
			HealthCheck: func(context.Context) error { return fmt.Errorf("connection refused") },
		})
		rec, body := doJSON(t, broken.Handler(), http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "unhealthy", body["status"])
	})

	t.Run("route.execute enqueues", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/route.execute",
			map[string]any{"envelope": routeEnvelope("general")})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, "accepted", body["status"])
		assert.NotZero(t, body["row_id"])
	})

	t.Run("route.execute accepts a bare envelope", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/route.execute", routeEnvelope("general"))
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, "accepted", body["status"])
	})

	t.Run("route.execute rejects wrong target", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/route.execute", routeEnvelope("finance"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body["error"], "not this butler")
	})

	t.Run("route.execute rejects invalid envelopes", func(t *testing.T) {
		env := routeEnvelope("general")
		env["request_context"].(map[string]any)["request_id"] = uuid.NewString() // v4
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/route.execute", env)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body["error"], "uuid7_required")
	})

	t.Run("schedule lifecycle over http", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/schedule_create",
			map[string]any{"name": "api-brief", "cron": "0 9 * * *", "prompt": "brief me"})
		require.Equal(t, http.StatusOK, rec.Code, body)
		task := body["task"].(map[string]any)
		id := int64(task["id"].(float64))

		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_create",
			map[string]any{"name": "api-brief", "cron": "0 9 * * *", "prompt": "dup"})
		assert.Equal(t, http.StatusConflict, rec.Code, body)

		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_create",
			map[string]any{"name": "bad-cron", "cron": "nope", "prompt": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)

		enabled := false
		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_toggle",
			map[string]any{"id": id, "enabled": &enabled})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, false, body["task"].(map[string]any)["enabled"])

		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_update",
			map[string]any{"id": id, "cron": "30 9 * * *"})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, "30 9 * * *", body["task"].(map[string]any)["cron"])

		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_delete",
			map[string]any{"id": id})
		require.Equal(t, http.StatusOK, rec.Code, body)

		rec, body = doJSON(t, handler, http.MethodPost, "/tools/schedule_delete",
			map[string]any{"id": id})
		assert.Equal(t, http.StatusNotFound, rec.Code, body)
	})

	t.Run("tick with nothing due", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/tick", map[string]any{})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, float64(0), body["tasks_due"])
	})

	t.Run("mailbox post", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/mailbox_post",
			map[string]any{"sender": "finance", "sender_channel": "butler", "body": "invoice due"})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.NotZero(t, body["message_id"])

		rec, _ = doJSON(t, handler, http.MethodPost, "/tools/mailbox_post",
			map[string]any{"sender": "finance"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unwired tools are absent", func(t *testing.T) {
		rec, _ := doJSON(t, handler, http.MethodPost, "/ingest", map[string]any{})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

type noopRules struct{}

func (noopRules) Rules(context.Context) ([]triage.Rule, error) { return nil, nil }

type okDispatcher struct{}

func (okDispatcher) Route(context.Context, string, string, map[string]any, registry.RouteOptions) (map[string]any, error) {
	return map[string]any{"row_id": float64(1)}, nil
}

func TestSwitchboardEndpoints(t *testing.T) {
	sb := switchboard.New(triage.NewPipeline(noopRules{}, nil, nil), okDispatcher{}, switchboard.Config{}, nil)
	server := NewServer(Services{ButlerName: "switchboard", Switchboard: sb})
	handler := server.Handler()

	t.Run("ingest", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/ingest", map[string]any{
			"schema_version": "ingest.v1",
			"source":         map[string]any{"channel": "telegram", "provider": "telegram", "endpoint_identity": "bot-1"},
			"event":          map[string]any{"external_event_id": "u-77", "observed_at": "2026-08-24T10:00:00Z"},
			"sender":         map[string]any{"identity": "tg:12345"},
			"payload":        map[string]any{"normalized_text": "remind me about the dentist"},
			"control":        map[string]any{},
		})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, switchboard.StatusRouted, body["status"])
		assert.Equal(t, "general", body["target_butler"])
	})

	t.Run("ingest rejects contract violations", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/ingest", map[string]any{
			"schema_version": "ingest.v1",
			"source":         map[string]any{"channel": "email", "provider": "telegram", "endpoint_identity": "x"},
			"event":          map[string]any{"external_event_id": "1", "observed_at": "2026-08-24T10:00:00Z"},
			"sender":         map[string]any{"identity": "a@b.c"},
			"payload":        map[string]any{"normalized_text": "hi"},
			"control":        map[string]any{},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, body["error"], "invalid_source_provider")
	})

	t.Run("connector heartbeat", func(t *testing.T) {
		rec, body := doJSON(t, handler, http.MethodPost, "/tools/connector.heartbeat", map[string]any{
			"envelope": map[string]any{
				"schema_version": "connector.heartbeat.v1",
				"connector": map[string]any{
					"connector_type":    "telegram",
					"endpoint_identity": "bot-1",
					"instance_id":       uuid.Must(uuid.NewV7()).String(),
				},
				"status":   map[string]any{"state": "healthy", "uptime_s": 60},
				"counters": map[string]any{"messages_ingested": 1, "messages_failed": 0, "source_api_calls": 2, "checkpoint_saves": 1, "dedupe_accepted": 0},
				"sent_at":  "2026-08-24T10:00:00Z",
			},
		})
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, "accepted", body["status"])
		assert.NotEmpty(t, body["instance_id"])
	})
}
