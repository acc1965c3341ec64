package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message kinds carried in the envelope "type" field.
const (
	// Inbound (gateway → console)
	KindConnection   = "connection"
	KindInitialState = "initial_state"
	KindNotification = "notification"
	KindJob          = "job"
	KindPong         = "pong"

	// Outbound (console → gateway)
	KindPing        = "ping"
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
)

// Notification actions carried in the envelope "action" field.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
)

// Job actions carried in the envelope "action" field.
const (
	ActionStatus = "status"
	ActionOutput = "output"
)

// Topic names understood by the gateway.
const (
	TopicNotifications = "notifications"
	TopicAll           = "all"
	topicJobPrefix     = "jobs:"
)

// JobTopic returns the per-job topic for a job id.
func JobTopic(jobID string) string {
	return topicJobPrefix + jobID
}

// IsJobTopic reports whether topic addresses a single job, returning the id.
func IsJobTopic(topic string) (string, bool) {
	if rest, ok := strings.CutPrefix(topic, topicJobPrefix); ok && rest != "" {
		return rest, true
	}
	return "", false
}

// Envelope is the wire unit exchanged with the gateway. One envelope per
// JSON text frame; Data stays raw until a handler decodes it.
type Envelope struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	Action   string          `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Topics   []string        `json:"topics,omitempty"`
}

// DecodeEnvelope parses a raw frame into an envelope. A frame without a
// type is malformed even if it is valid JSON.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// PingEnvelope returns the keepalive probe message.
func PingEnvelope() Envelope {
	return Envelope{Type: KindPing}
}

// SubscribeEnvelope returns a subscribe message for the given topics.
func SubscribeEnvelope(topics []string) Envelope {
	return Envelope{Type: KindSubscribe, Topics: topics}
}

// UnsubscribeEnvelope returns an unsubscribe message for the given topics.
func UnsubscribeEnvelope(topics []string) Envelope {
	return Envelope{Type: KindUnsubscribe, Topics: topics}
}

// NotificationPayload decodes the data of a "notification" envelope.
func (e Envelope) NotificationPayload() (Notification, error) {
	var n Notification
	if err := json.Unmarshal(e.Data, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification payload: %w", err)
	}
	return n, nil
}

// InitialStatePayload decodes the data of an "initial_state" envelope.
func (e Envelope) InitialStatePayload() (InitialState, error) {
	var s InitialState
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return InitialState{}, fmt.Errorf("decode initial state payload: %w", err)
	}
	return s, nil
}

// JobPayload decodes the data of a "job" envelope. The job id and action
// live on the envelope itself, so they are copied onto the event.
func (e Envelope) JobPayload() (JobEvent, error) {
	var ev JobEvent
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &ev); err != nil {
			return JobEvent{}, fmt.Errorf("decode job payload: %w", err)
		}
	}
	ev.JobID = e.JobID
	ev.Action = e.Action
	return ev, nil
}
