package contract

// SchemaVersionNotify is the only accepted notify schema tag.
const SchemaVersionNotify = "notify.v1"

// Delivery intents.
const (
	IntentSend  = "send"
	IntentReply = "reply"
	IntentReact = "react"
)

// Outbound channels the messenger can deliver to.
var notifyChannels = map[string]bool{
	"telegram": true,
	"email":    true,
	"sms":      true,
	"chat":     true,
}

// NotifyDelivery describes what to deliver and where.
type NotifyDelivery struct {
	Intent    string `json:"intent"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Emoji     string `json:"emoji,omitempty"`
}

// NotifyRequest is an outbound delivery request (notify.v1).
type NotifyRequest struct {
	SchemaVersion  string               `json:"schema_version"`
	Delivery       NotifyDelivery       `json:"delivery"`
	OriginButler   string               `json:"origin_butler"`
	RequestContext *RouteRequestContext `json:"request_context,omitempty"`
}

// ParseNotify parses and validates a notify.v1 request from raw JSON.
//
// Invariants:
//   - intent=reply requires a request_context
//   - intent=reply on telegram requires source_thread_identity
//   - intent=react requires emoji and is only legal on telegram with a thread
func ParseNotify(payload []byte) (*NotifyRequest, error) {
	var req NotifyRequest
	if err := decodeStrict(payload, &req); err != nil {
		return nil, err
	}
	if req.SchemaVersion != SchemaVersionNotify {
		return nil, NewError(CodeUnsupportedSchemaVersion, "schema_version", req.SchemaVersion)
	}
	if req.OriginButler == "" {
		return nil, NewError(CodeFieldMissing, "origin_butler", "required")
	}
	if !notifyChannels[req.Delivery.Channel] {
		return nil, NewError(CodeMalformedPayload, "delivery.channel", req.Delivery.Channel)
	}
	if req.Delivery.Message == "" && req.Delivery.Intent != IntentReact {
		return nil, NewError(CodeFieldMissing, "delivery.message", "required")
	}
	if req.RequestContext != nil {
		if err := validateRequestContext(req.RequestContext); err != nil {
			return nil, err
		}
	}

	switch req.Delivery.Intent {
	case IntentSend:
	case IntentReply:
		if req.RequestContext == nil {
			return nil, NewError(CodeMissingReplyContext, "request_context",
				"intent=reply requires a request context")
		}
		if req.Delivery.Channel == "telegram" && req.RequestContext.SourceThreadIdentity == "" {
			return nil, NewError(CodeReplyThreadRequired, "request_context.source_thread_identity",
				"telegram replies require a thread identity")
		}
	case IntentReact:
		if req.Delivery.Emoji == "" {
			return nil, NewError(CodeReactEmojiRequired, "delivery.emoji", "required")
		}
		if req.Delivery.Channel != "telegram" {
			return nil, NewError(CodeReactEmojiRequired, "delivery.channel",
				"reactions are only legal on telegram")
		}
		if req.RequestContext == nil || req.RequestContext.SourceThreadIdentity == "" {
			return nil, NewError(CodeReactEmojiRequired, "request_context.source_thread_identity",
				"reactions require a thread identity")
		}
	default:
		return nil, NewError(CodeMalformedPayload, "delivery.intent", req.Delivery.Intent)
	}
	return &req, nil
}
