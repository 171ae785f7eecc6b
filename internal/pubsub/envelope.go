// Package pubsub decodes push-subscription envelopes carrying spec status
// events. The inner payload arrives base64-encoded inside message.data.
package pubsub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"planline/internal/domain"
)

// snippetLimit bounds the raw payload text retained in history entries.
const snippetLimit = 1000

// PushEnvelope is the outer JSON shape of a push delivery.
type PushEnvelope struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage carries the base64 payload plus delivery metadata.
type PushMessage struct {
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	MessageID   string            `json:"messageId"`
	PublishTime string            `json:"publishTime"`
}

// StatusEvent is a validated inbound status notification.
type StatusEvent struct {
	PlanID        string
	SpecIndex     int
	Status        string
	Stage         *string
	Details       *string
	CorrelationID *string
	Timestamp     *string
	MessageID     string
	RawSnippet    string
}

// statusPayload is the wire shape of the decoded inner JSON.
type statusPayload struct {
	PlanID        *string `json:"plan_id"`
	SpecIndex     *int    `json:"spec_index"`
	Status        *string `json:"status"`
	Stage         *string `json:"stage"`
	Details       *string `json:"details"`
	CorrelationID *string `json:"correlation_id"`
	Timestamp     *string `json:"timestamp"`
}

// DecodeError marks input the sender must fix; the HTTP layer maps it to 400.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string { return e.Reason }

func badInput(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// ParseEnvelope parses the raw request body into a PushEnvelope. Unknown
// fields are tolerated; a missing message.data is not.
func ParseEnvelope(body []byte) (PushEnvelope, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return env, badInput("malformed push envelope: %v", err)
	}
	if env.Message.Data == "" {
		return env, badInput("message data is empty or missing")
	}
	return env, nil
}

// DecodeStatusEvent base64-decodes the inner payload, parses it as a JSON
// object, and validates the status event schema. The messageId may be empty,
// in which case deduplication is disabled for this delivery.
func DecodeStatusEvent(env PushEnvelope) (StatusEvent, error) {
	var evt StatusEvent

	inner, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		return evt, badInput("invalid base64 in message data: %v", err)
	}
	if !utf8.Valid(inner) {
		return evt, badInput("message payload is not valid UTF-8")
	}
	if !json.Valid(inner) {
		return evt, badInput("message payload is not valid JSON")
	}
	var probe any
	if err := json.Unmarshal(inner, &probe); err != nil {
		return evt, badInput("message payload is not valid JSON: %v", err)
	}
	if _, ok := probe.(map[string]any); !ok {
		return evt, badInput("message payload must be a JSON object")
	}

	var payload statusPayload
	if err := json.Unmarshal(inner, &payload); err != nil {
		return evt, badInput("message payload does not match the status schema: %v", err)
	}
	if payload.PlanID == nil || *payload.PlanID == "" {
		return evt, badInput("plan_id is required")
	}
	if _, err := uuid.Parse(*payload.PlanID); err != nil {
		return evt, badInput("plan_id must be a UUID string: %v", err)
	}
	if payload.SpecIndex == nil {
		return evt, badInput("spec_index is required")
	}
	if *payload.SpecIndex < 0 {
		return evt, badInput("spec_index must be >= 0")
	}
	if payload.Status == nil || *payload.Status == "" {
		return evt, badInput("status is required")
	}
	if !domain.ValidSpecStatus(*payload.Status) {
		return evt, badInput("status must be one of blocked, running, finished, failed")
	}
	if payload.Timestamp != nil && *payload.Timestamp != "" {
		if err := validateTimestamp(*payload.Timestamp); err != nil {
			return evt, err
		}
	} else {
		payload.Timestamp = nil
	}

	evt = StatusEvent{
		PlanID:        *payload.PlanID,
		SpecIndex:     *payload.SpecIndex,
		Status:        *payload.Status,
		Stage:         payload.Stage,
		Details:       payload.Details,
		CorrelationID: payload.CorrelationID,
		Timestamp:     payload.Timestamp,
		MessageID:     env.Message.MessageID,
		RawSnippet:    truncate(string(inner), snippetLimit),
	}
	return evt, nil
}

// validateTimestamp requires full RFC3339 with a 'T' separator so history
// entries keep a consistent format.
func validateTimestamp(v string) error {
	if !strings.Contains(v, "T") {
		return badInput("timestamp must include both date and time separated by 'T', got %q", v)
	}
	if _, err := time.Parse(time.RFC3339, v); err != nil {
		return badInput("timestamp must be RFC3339, got %q", v)
	}
	return nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
