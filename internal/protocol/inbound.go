// Package protocol defines the JSON messages exchanged over client sockets.
//
// Every inbound frame is a flat JSON object with a "type" discriminant; the
// remaining fields belong to the per-kind payload struct. Outbound frames
// always carry "type" and an RFC 3339 "timestamp".
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrMalformedMessage   = errors.New("malformed message")
)

// UnknownMessageTypeError reports an inbound type tag outside the closed set.
type UnknownMessageTypeError struct {
	Type string
}

func (e *UnknownMessageTypeError) Error() string {
	return fmt.Sprintf("unknown message type %q", e.Type)
}

func (e *UnknownMessageTypeError) Unwrap() error { return ErrUnknownMessageType }

// Kind is the closed set of inbound message types.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindSubscribe      Kind = "subscribe"
	KindUnsubscribe    Kind = "unsubscribe"
	KindPing           Kind = "ping"
	KindReplay         Kind = "replay"

	// chat
	KindChatMessage            Kind = "chat_message"
	KindJoinConversation       Kind = "join_conversation"
	KindLeaveConversation      Kind = "leave_conversation"
	KindTypingStart            Kind = "typing_start"
	KindTypingStop             Kind = "typing_stop"
	KindGetConversationHistory Kind = "get_conversation_history"

	// health
	KindGetHealthData     Kind = "get_health_data"
	KindSetAlertThreshold Kind = "set_alert_threshold"

	// notifications
	KindUpdatePreferences Kind = "update_preferences"
	KindAcknowledge       Kind = "acknowledge"
	KindDismiss           Kind = "dismiss"
	KindGetHistory        Kind = "get_history"
	KindMarkRead          Kind = "mark_read"
)

var kinds = map[Kind]struct{}{
	KindAuthentication:         {},
	KindSubscribe:              {},
	KindUnsubscribe:            {},
	KindPing:                   {},
	KindReplay:                 {},
	KindChatMessage:            {},
	KindJoinConversation:       {},
	KindLeaveConversation:      {},
	KindTypingStart:            {},
	KindTypingStop:             {},
	KindGetConversationHistory: {},
	KindGetHealthData:          {},
	KindSetAlertThreshold:      {},
	KindUpdatePreferences:      {},
	KindAcknowledge:            {},
	KindDismiss:                {},
	KindGetHistory:             {},
	KindMarkRead:               {},
}

// Core reports whether k is handled by every channel rather than a specific one.
func (k Kind) Core() bool {
	switch k {
	case KindAuthentication, KindSubscribe, KindUnsubscribe, KindPing, KindReplay:
		return true
	}
	return false
}

// Inbound is a parsed client frame. Payload decoding is deferred to Decode.
type Inbound struct {
	Kind Kind
	Raw  json.RawMessage
}

// Parse reads the type discriminant of a client frame.
func Parse(data []byte) (Inbound, error) {
	var envelope struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == nil || *envelope.Type == "" {
		return Inbound{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	kind := Kind(*envelope.Type)
	if _, ok := kinds[kind]; !ok {
		return Inbound{}, &UnknownMessageTypeError{Type: *envelope.Type}
	}

	return Inbound{Kind: kind, Raw: json.RawMessage(data)}, nil
}

type validator interface {
	Validate() error
}

// Decode unmarshals the frame into its payload struct and validates it.
func Decode[T any](in Inbound) (T, error) {
	var payload T
	if err := json.Unmarshal(in.Raw, &payload); err != nil {
		return payload, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, in.Kind, err)
	}
	if v, ok := any(&payload).(validator); ok {
		if err := v.Validate(); err != nil {
			return payload, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, in.Kind, err)
		}
	}
	return payload, nil
}
