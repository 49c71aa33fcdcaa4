package contract

import (
	"errors"
	"fmt"
)

// Stable error codes for contract failures. These strings are part of the
// wire contract: callers and telemetry key off them, so they never change.
const (
	CodeUnsupportedSchemaVersion = "unsupported_schema_version"
	CodeInvalidSourceProvider    = "invalid_source_provider"
	CodeTimezoneRequired         = "timezone_required"
	CodeRFC3339StringRequired    = "rfc3339_string_required"
	CodeFieldMissing             = "field_missing"
	CodeLineageMismatch          = "lineage_mismatch"
	CodeImmutableRequestContext  = "immutable_request_context"
	CodeUUID7Required            = "uuid7_required"
	CodeMissingReplyContext      = "missing_reply_context"
	CodeReplyThreadRequired      = "reply_thread_required"
	CodeReactEmojiRequired       = "react_emoji_required"
	CodeUnknownField             = "unknown_field"
	CodeMalformedPayload         = "malformed_payload"
)

// Error is a contract validation failure. Contract failures are never
// retried; they surface to the producer with a stable code.
type Error struct {
	Code   string
	Field  string
	Detail string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: field %q: %s", e.Code, e.Field, e.Detail)
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

// NewError creates a contract error with a stable code.
func NewError(code, field, detail string) *Error {
	return &Error{Code: code, Field: field, Detail: detail}
}

// CodeOf returns the stable code of a contract error, or empty string if err
// is not a contract error.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsContractError reports whether err is a contract validation failure.
func IsContractError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
