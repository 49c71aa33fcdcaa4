package contract

import (
	"encoding/json"
	"time"
)

// Timestamp is an RFC3339 instant with an explicit UTC offset.
// Integer epochs and timezone-naive strings are rejected at parse time.
type Timestamp struct {
	time.Time
}

// naiveLayouts are timestamp shapes we recognise well enough to report
// timezone_required instead of the generic format error.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// UnmarshalJSON enforces the RFC3339-string-with-offset rule.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return NewError(CodeRFC3339StringRequired, "", "timestamp must be an RFC3339 string, not "+string(data))
	}
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		for _, layout := range naiveLayouts {
			if _, naiveErr := time.Parse(layout, s); naiveErr == nil {
				return NewError(CodeTimezoneRequired, "", "timestamp "+s+" has no UTC offset")
			}
		}
		return NewError(CodeRFC3339StringRequired, "", "cannot parse "+s+" as RFC3339")
	}
	t.Time = parsed
	return nil
}

// MarshalJSON emits the canonical RFC3339 form with offset preserved.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Format(time.RFC3339Nano))
}

// NewTimestamp wraps a time.Time for envelope construction.
func NewTimestamp(tm time.Time) Timestamp {
	return Timestamp{Time: tm}
}
