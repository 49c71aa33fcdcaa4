package contract

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// SchemaVersionIngest is the only accepted ingest schema tag.
const SchemaVersionIngest = "ingest.v1"

// Policy tiers carried on ingest control. Pass-through lineage: nothing in
// the fabric consumes the tier yet, but validation pins the vocabulary.
const (
	PolicyTierDefault      = "default"
	PolicyTierInteractive  = "interactive"
	PolicyTierHighPriority = "high_priority"
)

// allowedChannelProviders constrains source.channel ↔ source.provider pairs.
var allowedChannelProviders = map[string]string{
	"telegram": "telegram",
	"slack":    "slack",
	"email":    "imap",
	"api":      "internal",
	"mcp":      "internal",
}

// IngestSource identifies where an event was observed.
type IngestSource struct {
	Channel          string `json:"channel"`
	Provider         string `json:"provider"`
	EndpointIdentity string `json:"endpoint_identity"`
}

// IngestEvent carries the provider-side event identity.
type IngestEvent struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       Timestamp `json:"observed_at"`
}

// IngestSender identifies who produced the event.
type IngestSender struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name,omitempty"`
}

// IngestPayload holds the raw provider payload plus normalized text.
type IngestPayload struct {
	Raw            json.RawMessage   `json:"raw,omitempty"`
	NormalizedText string            `json:"normalized_text"`
	Headers        map[string]string `json:"headers,omitempty"`
	MimeTypes      []string          `json:"mime_types,omitempty"`
}

// IngestControl carries caller-supplied delivery hints.
type IngestControl struct {
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TraceContext   map[string]string `json:"trace_context,omitempty"`
	PolicyTier     string            `json:"policy_tier,omitempty"`
}

// IngestEnvelope is the canonical inbound payload (ingest.v1).
// Frozen after validation: the switchboard never mutates it.
type IngestEnvelope struct {
	SchemaVersion string        `json:"schema_version"`
	Source        IngestSource  `json:"source"`
	Event         IngestEvent   `json:"event"`
	Sender        IngestSender  `json:"sender"`
	Payload       IngestPayload `json:"payload"`
	Control       IngestControl `json:"control"`
}

// ParseIngest parses and validates an ingest.v1 envelope from raw JSON.
// The schema is strict: unknown fields anywhere in the document fail.
func ParseIngest(payload []byte) (*IngestEnvelope, error) {
	var env IngestEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if env.SchemaVersion != SchemaVersionIngest {
		return nil, NewError(CodeUnsupportedSchemaVersion, "schema_version", env.SchemaVersion)
	}
	if err := validateSource(env.Source); err != nil {
		return nil, err
	}
	if env.Event.ExternalEventID == "" {
		return nil, NewError(CodeFieldMissing, "event.external_event_id", "required")
	}
	if env.Event.ObservedAt.IsZero() {
		return nil, NewError(CodeFieldMissing, "event.observed_at", "required")
	}
	if env.Sender.Identity == "" {
		return nil, NewError(CodeFieldMissing, "sender.identity", "required")
	}
	if env.Payload.NormalizedText == "" && len(env.Payload.Raw) == 0 {
		return nil, NewError(CodeFieldMissing, "payload.normalized_text", "required")
	}
	switch env.Control.PolicyTier {
	case "", PolicyTierDefault, PolicyTierInteractive, PolicyTierHighPriority:
	default:
		return nil, NewError(CodeMalformedPayload, "control.policy_tier", env.Control.PolicyTier)
	}
	if env.Control.PolicyTier == "" {
		env.Control.PolicyTier = PolicyTierDefault
	}
	return &env, nil
}

// SenderDomain returns the lowercase domain portion of the sender identity,
// or empty string when the identity has no @.
func (e *IngestEnvelope) SenderDomain() string {
	identity := strings.TrimSpace(e.Sender.Identity)
	at := strings.LastIndex(identity, "@")
	if at < 0 || at == len(identity)-1 {
		return ""
	}
	return strings.ToLower(identity[at+1:])
}

func validateSource(src IngestSource) error {
	if src.Channel == "" {
		return NewError(CodeFieldMissing, "source.channel", "required")
	}
	if src.EndpointIdentity == "" {
		return NewError(CodeFieldMissing, "source.endpoint_identity", "required")
	}
	want, ok := allowedChannelProviders[src.Channel]
	if !ok || src.Provider != want {
		return NewError(CodeInvalidSourceProvider, "source.provider",
			src.Channel+"/"+src.Provider)
	}
	return nil
}

// decodeStrict unmarshals JSON rejecting unknown fields at every level.
func decodeStrict(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if ce, ok := asContractError(err); ok {
			return ce
		}
		if strings.Contains(err.Error(), "unknown field") {
			return NewError(CodeUnknownField, "", err.Error())
		}
		return NewError(CodeMalformedPayload, "", err.Error())
	}
	// Trailing garbage after the document is also a malformed payload.
	if dec.More() {
		return NewError(CodeMalformedPayload, "", "trailing data after JSON document")
	}
	return nil
}

func asContractError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
