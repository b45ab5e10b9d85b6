package ws

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
)

// Client -> server message types.
const (
	ClientPing        = "ping"
	ClientSubscribe   = "subscribe"
	ClientUnsubscribe = "unsubscribe"
	ClientResync      = "resync"
)

// Error codes sent in error messages. None of them closes the connection.
const (
	CodeInvalidJSON   = "invalid_json"
	CodeInvalidFormat = "invalid_message_format"
	CodeUnknownType   = "unknown_message_type"
	CodeValidation    = "validation_error"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubscriptionPayload struct {
	Events []string `json:"events"`
}

type resyncRequest struct {
	Channel      string `json:"channel"`
	LastSequence *int64 `json:"last_sequence"`
}

type ResyncAck struct {
	Channel         string `json:"channel"`
	LastSequence    int64  `json:"last_sequence"`
	CurrentSequence int64  `json:"current_sequence"`
}

type Heartbeat struct {
	Channel      string    `json:"channel"`
	LastSequence int64     `json:"last_sequence"`
	ServerTime   time.Time `json:"server_time"`
}

type Connected struct {
	ConnectionID        string   `json:"connection_id"`
	Channel             string   `json:"channel"`
	JobID               string   `json:"job_id,omitempty"`
	Subject             string   `json:"subject"`
	CurrentSequence     int64    `json:"current_sequence"`
	Events              []string `json:"events"`
	PingIntervalSeconds int      `json:"ping_interval_seconds"`
	IdleTimeoutSeconds  int      `json:"idle_timeout_seconds"`
}

// encode builds an unsequenced control envelope.
func encode(t broadcast.MessageType, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", t, err)
	}
	return json.Marshal(broadcast.Envelope{Type: t, Data: data})
}

func errorMessage(code, message string) ([]byte, error) {
	data, err := json.Marshal(ErrorPayload{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	return json.Marshal(broadcast.Envelope{Type: broadcast.TypeError, Data: data, Error: code})
}

// clientError is a recoverable protocol violation answered with an error message.
type clientError struct {
	code    string
	message string
}

func (e *clientError) Error() string {
	return e.code + ": " + e.message
}

func invalid(code, format string, args ...any) *clientError {
	return &clientError{code: code, message: fmt.Sprintf(format, args...)}
}

// parseClientMessage splits a frame into its type and payload. The payload is the
// "data" member when present, otherwise the message itself.
func parseClientMessage(frame []byte) (string, json.RawMessage, *clientError) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return "", nil, invalid(CodeInvalidJSON, "message is not a JSON object")
	}

	rawType, ok := raw["type"]
	if !ok {
		return "", nil, invalid(CodeInvalidFormat, "missing type")
	}
	var msgType string
	if err := json.Unmarshal(rawType, &msgType); err != nil || msgType == "" {
		return "", nil, invalid(CodeInvalidFormat, "type must be a non-empty string")
	}

	if data, ok := raw["data"]; ok && string(data) != "null" {
		return msgType, data, nil
	}
	return msgType, frame, nil
}

func parseSubscription(payload json.RawMessage) ([]string, *clientError) {
	var sub SubscriptionPayload
	if err := json.Unmarshal(payload, &sub); err != nil {
		return nil, invalid(CodeValidation, "events must be an array of strings")
	}
	if len(sub.Events) == 0 {
		return nil, invalid(CodeValidation, "events cannot be empty")
	}
	for _, p := range sub.Events {
		if !broadcast.ValidPattern(p) {
			return nil, invalid(CodeValidation, "invalid event pattern %q", p)
		}
	}
	return sub.Events, nil
}

func parseResync(payload json.RawMessage, channel broadcast.Channel) (int64, *clientError) {
	var req resyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return 0, invalid(CodeValidation, "resync needs channel and last_sequence")
	}
	if req.Channel != string(channel) {
		return 0, invalid(CodeValidation, "channel must be %q on this connection", channel)
	}
	if req.LastSequence == nil || *req.LastSequence < 0 {
		return 0, invalid(CodeValidation, "last_sequence must be a non-negative integer")
	}
	return *req.LastSequence, nil
}

// defaultPattern is the implicit subscription of a connection that never subscribed.
const defaultPattern = "*"

type patternSet map[string]struct{}

func (s patternSet) matches(t broadcast.MessageType) bool {
	for p := range s {
		if broadcast.Matches(p, t) {
			return true
		}
	}
	return false
}

func (s patternSet) list() []string {
	out := make([]string, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
