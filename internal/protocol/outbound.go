package protocol

import (
	"encoding/json"
	"time"
)

// Outbound message types.
const (
	TypeConnectionEstablished = "connection_established"
	TypeAuthenticationSuccess = "authentication_success"
	TypeAuthenticationFailed  = "authentication_failed"
	TypeSubscriptionSuccess   = "subscription_success"
	TypeSubscriptionDenied    = "subscription_denied"
	TypeUnsubscribed          = "unsubscription_success"
	TypeHeartbeat             = "heartbeat"
	TypePong                  = "pong"
	TypeProbe                 = "probe"
	TypeReplay                = "replay"
	TypeError                 = "error"

	TypeChatMessage         = "chat_message"
	TypeConversationJoined  = "conversation_joined"
	TypeConversationLeft    = "conversation_left"
	TypeConversationHistory = "conversation_history"
	TypeTyping              = "typing"

	TypeHealthData        = "health_data"
	TypeHealthDataUpdate  = "health_data_update"
	TypeHealthAlert       = "health_alert"
	TypeAlertThresholdSet = "alert_threshold_set"

	TypeNotification             = "notification"
	TypeNotificationHistory      = "notification_history"
	TypePreferencesUpdated       = "preferences_updated"
	TypeNotificationAcknowledged = "notification_acknowledged"
	TypeNotificationDismissed    = "notification_dismissed"
	TypeNotificationRead         = "notification_read"
)

// Message is an outbound frame. Fields are flattened next to type and timestamp.
type Message struct {
	Type      string
	Timestamp time.Time
	Fields    map[string]any
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(msgType string, fields map[string]any) Message {
	return Message{Type: msgType, Timestamp: time.Now().UTC(), Fields: fields}
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out["type"] = m.Type
	out["timestamp"] = m.Timestamp.Format(time.RFC3339Nano)
	return json.Marshal(out)
}

// ErrorMessage builds an error frame with a stable machine-readable code.
func ErrorMessage(code, message string) Message {
	return NewMessage(TypeError, map[string]any{"code": code, "message": message})
}
