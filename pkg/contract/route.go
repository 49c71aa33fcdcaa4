package contract

import (
	"github.com/google/uuid"
)

// SchemaVersionRoute is the only accepted route schema tag.
const SchemaVersionRoute = "route.v1"

// Fan-out modes for subrequests.
const (
	FanoutParallel    = "parallel"
	FanoutOrdered     = "ordered"
	FanoutConditional = "conditional"
)

// RouteRequestContext is the immutable lineage that travels with every
// envelope derived from a single ingested event. The five core fields
// (request_id, received_at, source_channel, source_endpoint_identity,
// source_sender_identity) never change once set.
type RouteRequestContext struct {
	RequestID              string            `json:"request_id"`
	ReceivedAt             Timestamp         `json:"received_at"`
	SourceChannel          string            `json:"source_channel"`
	SourceEndpointIdentity string            `json:"source_endpoint_identity"`
	SourceSenderIdentity   string            `json:"source_sender_identity"`
	SourceThreadIdentity   string            `json:"source_thread_identity,omitempty"`
	SubrequestID           string            `json:"subrequest_id,omitempty"`
	SegmentID              string            `json:"segment_id,omitempty"`
	TraceContext           map[string]string `json:"trace_context,omitempty"`
}

// RouteInput is the prompt handed to the target butler's runtime.
type RouteInput struct {
	Prompt  string `json:"prompt"`
	Context string `json:"context,omitempty"`
}

// RouteSubrequest identifies one segment of a fanned-out request.
type RouteSubrequest struct {
	SubrequestID string `json:"subrequest_id"`
	SegmentID    string `json:"segment_id"`
	FanoutMode   string `json:"fanout_mode"`
}

// RouteTarget pins the envelope to a specific butler and tool.
type RouteTarget struct {
	Butler string `json:"butler"`
	Tool   string `json:"tool,omitempty"`
}

// RouteEnvelope is the canonical routed payload (route.v1).
type RouteEnvelope struct {
	SchemaVersion  string              `json:"schema_version"`
	RequestContext RouteRequestContext `json:"request_context"`
	Input          RouteInput          `json:"input"`
	Subrequest     *RouteSubrequest    `json:"subrequest,omitempty"`
	Target         *RouteTarget        `json:"target,omitempty"`
	SourceMetadata map[string]any      `json:"source_metadata,omitempty"`
	TraceContext   map[string]string   `json:"trace_context,omitempty"`
}

// ParseRoute parses and validates a route.v1 envelope from raw JSON.
func ParseRoute(payload []byte) (*RouteEnvelope, error) {
	var env RouteEnvelope
	if err := decodeStrict(payload, &env); err != nil {
		return nil, err
	}
	if env.SchemaVersion != SchemaVersionRoute {
		return nil, NewError(CodeUnsupportedSchemaVersion, "schema_version", env.SchemaVersion)
	}
	if err := validateRequestContext(&env.RequestContext); err != nil {
		return nil, err
	}
	if env.Input.Prompt == "" {
		return nil, NewError(CodeFieldMissing, "input.prompt", "required")
	}
	if env.Subrequest != nil {
		switch env.Subrequest.FanoutMode {
		case FanoutParallel, FanoutOrdered, FanoutConditional:
		default:
			return nil, NewError(CodeMalformedPayload, "subrequest.fanout_mode", env.Subrequest.FanoutMode)
		}
		if env.Subrequest.SubrequestID == "" {
			return nil, NewError(CodeFieldMissing, "subrequest.subrequest_id", "required")
		}
	}
	// Lineage sub-identifiers, when present on the context, must agree with
	// the sibling subrequest block.
	if env.RequestContext.SubrequestID != "" || env.RequestContext.SegmentID != "" {
		if env.Subrequest == nil {
			return nil, NewError(CodeLineageMismatch, "request_context.subrequest_id",
				"context carries subrequest lineage but envelope has no subrequest")
		}
		if env.RequestContext.SubrequestID != env.Subrequest.SubrequestID {
			return nil, NewError(CodeLineageMismatch, "request_context.subrequest_id",
				env.RequestContext.SubrequestID+" != "+env.Subrequest.SubrequestID)
		}
		if env.RequestContext.SegmentID != env.Subrequest.SegmentID {
			return nil, NewError(CodeLineageMismatch, "request_context.segment_id",
				env.RequestContext.SegmentID+" != "+env.Subrequest.SegmentID)
		}
	}
	return &env, nil
}

func validateRequestContext(rc *RouteRequestContext) error {
	if rc.RequestID == "" {
		return NewError(CodeFieldMissing, "request_context.request_id", "required")
	}
	id, err := uuid.Parse(rc.RequestID)
	if err != nil || id.Version() != 7 {
		return NewError(CodeUUID7Required, "request_context.request_id", rc.RequestID)
	}
	if rc.ReceivedAt.IsZero() {
		return NewError(CodeFieldMissing, "request_context.received_at", "required")
	}
	if rc.SourceChannel == "" {
		return NewError(CodeFieldMissing, "request_context.source_channel", "required")
	}
	if rc.SourceEndpointIdentity == "" {
		return NewError(CodeFieldMissing, "request_context.source_endpoint_identity", "required")
	}
	if rc.SourceSenderIdentity == "" {
		return NewError(CodeFieldMissing, "request_context.source_sender_identity", "required")
	}
	return nil
}

// lineageFields are the five immutable core fields, in comparison order.
func lineageFields(rc *RouteRequestContext) [5][2]string {
	return [5][2]string{
		{"request_id", rc.RequestID},
		{"received_at", rc.ReceivedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")},
		{"source_channel", rc.SourceChannel},
		{"source_endpoint_identity", rc.SourceEndpointIdentity},
		{"source_sender_identity", rc.SourceSenderIdentity},
	}
}

// ValidateWithLineage checks a candidate context against its parent lineage.
// The five core fields must be identical; any drift fails with
// immutable_request_context naming the first offending field.
func ValidateWithLineage(candidate, parent *RouteRequestContext) (*RouteRequestContext, error) {
	if err := validateRequestContext(candidate); err != nil {
		return nil, err
	}
	cf, pf := lineageFields(candidate), lineageFields(parent)
	for i := range cf {
		if cf[i][1] != pf[i][1] {
			return nil, NewError(CodeImmutableRequestContext, cf[i][0],
				cf[i][1]+" != "+pf[i][1])
		}
	}
	return candidate, nil
}

// NewRequestContext derives a fresh lineage from an ingested envelope.
// The request_id is a UUIDv7 so lineage sorts by admission time.
func NewRequestContext(ingest *IngestEnvelope) (*RouteRequestContext, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return &RouteRequestContext{
		RequestID:              id.String(),
		ReceivedAt:             ingest.Event.ObservedAt,
		SourceChannel:          ingest.Source.Channel,
		SourceEndpointIdentity: ingest.Source.EndpointIdentity,
		SourceSenderIdentity:   ingest.Sender.Identity,
		SourceThreadIdentity:   ingest.Event.ExternalThreadID,
		TraceContext:           ingest.Control.TraceContext,
	}, nil
}
