package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskloop/taskloop/internal/errors"
)

// CloudEvents v1.0 framing. Every message on every topic is one of these.
const (
	SpecVersion     = "1.0"
	DataContentType = "application/json"
)

// Topic names (wire contract).
const (
	TopicTaskEvents = "task-events"
	TopicReminders  = "reminders"
	TopicAuditLogs  = "audit-logs"
)

// Envelope is the CloudEvents v1.0 envelope carried on every topic.
type Envelope struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data"`
}

// Payload is an event body that knows its CloudEvents type attribute.
type Payload interface {
	EventKind() string
}

// NewEnvelope wraps a payload in a CloudEvents envelope. The source is the
// producing service, recorded as "/<app-id>".
func NewEnvelope(appID string, payload Payload) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Envelope{
		SpecVersion:     SpecVersion,
		Type:            payload.EventKind(),
		Source:          "/" + appID,
		ID:              uuid.NewString(),
		Time:            Now(),
		DataContentType: DataContentType,
		Data:            data,
	}, nil
}

// Decode parses an incoming message body. Producers always wrap payloads, but
// legacy paths and tests may post the bare payload; the two are distinguished
// by the presence of a top-level "data" field. The second return value reports
// whether the body was wrapped.
func Decode(body []byte) (*Envelope, bool, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false, errors.NewBadEventError("envelope parse failed", err)
	}
	if env.Data == nil {
		// Bare payload: synthesize an envelope around it.
		return &Envelope{
			SpecVersion:     SpecVersion,
			DataContentType: DataContentType,
			Data:            json.RawMessage(body),
		}, false, nil
	}
	return &env, true, nil
}

// Now returns the current UTC time at millisecond precision, the resolution
// events are serialized with.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
