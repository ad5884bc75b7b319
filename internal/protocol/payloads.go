package protocol

import (
	"errors"
	"strings"
)

const maxHistoryLimit = 100

type Authentication struct {
	Token string `json:"token"`
}

func (p *Authentication) Validate() error {
	if p.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

// Subscription is the payload of subscribe and unsubscribe.
type Subscription struct {
	Subscription string `json:"subscription"`
}

func (p *Subscription) Validate() error {
	if p.Subscription == "" {
		return errors.New("subscription is required")
	}
	return nil
}

type Replay struct {
	Subscription string `json:"subscription"`
	Limit        int    `json:"limit"`
}

func (p *Replay) Validate() error {
	if p.Subscription == "" {
		return errors.New("subscription is required")
	}
	p.Limit = clampLimit(p.Limit)
	return nil
}

type ChatMessage struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

func (p *ChatMessage) Validate() error {
	if p.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return errors.New("content is required")
	}
	if len(p.Content) > 4000 {
		return errors.New("content exceeds 4000 bytes")
	}
	return nil
}

// Conversation is the payload of join/leave and typing indicators. Invite is
// only read on join.
type Conversation struct {
	ConversationID string   `json:"conversation_id"`
	Invite         []string `json:"invite,omitempty"`
}

func (p *Conversation) Validate() error {
	if p.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	for _, id := range p.Invite {
		if id == "" {
			return errors.New("invite must not contain empty user ids")
		}
	}
	return nil
}

type ConversationHistory struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit"`
}

func (p *ConversationHistory) Validate() error {
	if p.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	p.Limit = clampLimit(p.Limit)
	return nil
}

type HealthDataQuery struct {
	Metric string `json:"metric"`
	Limit  int    `json:"limit"`
}

func (p *HealthDataQuery) Validate() error {
	p.Limit = clampLimit(p.Limit)
	return nil
}

type AlertThreshold struct {
	Metric string   `json:"metric"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
}

func (p *AlertThreshold) Validate() error {
	if p.Metric == "" {
		return errors.New("metric is required")
	}
	if p.Min == nil && p.Max == nil {
		return errors.New("min or max is required")
	}
	if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
		return errors.New("min must not exceed max")
	}
	return nil
}

type Preferences struct {
	Preferences map[string]bool `json:"preferences"`
}

func (p *Preferences) Validate() error {
	if len(p.Preferences) == 0 {
		return errors.New("preferences are required")
	}
	return nil
}

// NotificationRef is the payload of acknowledge, dismiss and mark_read.
type NotificationRef struct {
	NotificationID string `json:"notification_id"`
}

func (p *NotificationRef) Validate() error {
	if p.NotificationID == "" {
		return errors.New("notification_id is required")
	}
	return nil
}

type NotificationHistory struct {
	Limit      int  `json:"limit"`
	UnreadOnly bool `json:"unread_only"`
}

func (p *NotificationHistory) Validate() error {
	p.Limit = clampLimit(p.Limit)
	return nil
}

func clampLimit(n int) int {
	if n <= 0 || n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}
