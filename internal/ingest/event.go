// Package ingest feeds backend events into the broker from Kafka or NATS.
//
// Events are JSON objects:
//
//	{"type": "...", "user_id": "...", "topic": "...", "payload": {...}}
//
// Domain events (health_reading, notification, chat_message) go through the
// matching channel handler so they are stored and filtered the same way as
// socket traffic. Any other type is forwarded as-is: to topic when set,
// otherwise to every connection of user_id.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Domain event types.
const (
	EventHealthReading = "health_reading"
	EventNotification  = "notification"
	EventChatMessage   = "chat_message"
)

var ErrInvalidEvent = errors.New("invalid event")

type Event struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses and validates one event.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	switch ev.Type {
	case EventHealthReading, EventNotification, EventChatMessage:
	default:
		if ev.Topic == "" && ev.UserID == "" {
			return Event{}, fmt.Errorf("%w: %s needs topic or user_id", ErrInvalidEvent, ev.Type)
		}
	}
	return ev, nil
}

// fields returns the payload as outbound message fields.
func (ev Event) fields() (map[string]any, error) {
	if len(ev.Payload) == 0 || string(ev.Payload) == "null" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(ev.Payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: payload must be an object: %v", ErrInvalidEvent, err)
	}
	return fields, nil
}
