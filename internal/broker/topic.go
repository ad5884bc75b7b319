package broker

import (
	"strings"
)

const (
	maxTopicLength   = 256
	minTopicSegments = 2
	maxTopicSegments = 4
)

// Topic is a parsed channel:resource[:action][:owner] key.
//
//	2 segments: channel:resource
//	3 segments: channel:resource:owner
//	4 segments: channel:resource:action:owner
type Topic struct {
	Raw      string
	Channel  string
	Resource string
	Action   string
	Owner    string
}

// ParseTopic validates s against the topic grammar.
func ParseTopic(s string) (Topic, error) {
	if s == "" || len(s) > maxTopicLength {
		return Topic{}, &DeniedError{Topic: s, Reason: "malformed topic"}
	}

	parts := strings.Split(s, ":")
	if len(parts) < minTopicSegments || len(parts) > maxTopicSegments {
		return Topic{}, &DeniedError{Topic: s, Reason: "malformed topic"}
	}
	for _, p := range parts {
		if !validSegment(p) {
			return Topic{}, &DeniedError{Topic: s, Reason: "malformed topic"}
		}
	}

	t := Topic{Raw: s, Channel: parts[0], Resource: parts[1]}
	switch len(parts) {
	case 3:
		t.Owner = parts[2]
	case 4:
		t.Action = parts[2]
		t.Owner = parts[3]
	}
	return t, nil
}

func validSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '-', r == '.', r == '@':
		default:
			return false
		}
	}
	return true
}

func (t Topic) String() string {
	return t.Raw
}

// UserTopic builds channel:resource:owner.
func UserTopic(channel, resource, userID string) string {
	return channel + ":" + resource + ":" + userID
}
