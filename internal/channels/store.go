package channels

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// Readings, chat history and notifications kept per key by the memory
// stores. Older entries are dropped first.
const (
	maxReadingsPerUser      = 1000
	maxMessagesPerChat      = 500
	maxNotificationsPerUser = 500
)

// HealthStore holds readings and alert thresholds.
type HealthStore interface {
	AddReading(ctx context.Context, r Reading) error
	Readings(ctx context.Context, userID, metric string, limit int) ([]Reading, error)
	SetThreshold(ctx context.Context, userID string, t Threshold) error
	Threshold(ctx context.Context, userID, metric string) (Threshold, bool, error)
}

// ChatStore holds conversation membership and message history.
//
// Members are the users allowed into a conversation: its creator and whoever
// a member invited. Participants are the members currently joined.
type ChatStore interface {
	// Join creates the conversation with userID as its first member when it does not
	// exist. Otherwise userID must be a member or Join fails with
	// ErrNotParticipant. invite adds members.
	Join(ctx context.Context, conversationID, userID string, invite []string) ([]string, error)
	Leave(ctx context.Context, conversationID, userID string) error
	Participants(ctx context.Context, conversationID string) ([]string, error)
	AppendMessage(ctx context.Context, m ChatMessage) error
	Messages(ctx context.Context, conversationID string, limit int) ([]ChatMessage, error)
}

// NotificationStore holds notifications and delivery preferences.
type NotificationStore interface {
	Add(ctx context.Context, n Notification) error
	Update(ctx context.Context, userID, id string, fn func(*Notification)) (Notification, error)
	List(ctx context.Context, userID string, limit int, unreadOnly bool) ([]Notification, error)
	SetPreferences(ctx context.Context, userID string, prefs map[string]bool) (map[string]bool, error)
	Preferences(ctx context.Context, userID string) (map[string]bool, error)
}

// MemoryHealthStore is an in-process HealthStore.
type MemoryHealthStore struct {
	mu         sync.RWMutex
	readings   map[string][]Reading
	thresholds map[string]map[string]Threshold
}

func NewMemoryHealthStore() *MemoryHealthStore {
	return &MemoryHealthStore{
		readings:   make(map[string][]Reading),
		thresholds: make(map[string]map[string]Threshold),
	}
}

func (s *MemoryHealthStore) AddReading(_ context.Context, r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs := append(s.readings[r.UserID], r)
	if len(rs) > maxReadingsPerUser {
		rs = rs[len(rs)-maxReadingsPerUser:]
	}
	s.readings[r.UserID] = rs
	return nil
}

// Readings returns the newest readings first. An empty metric matches all.
func (s *MemoryHealthStore) Readings(_ context.Context, userID, metric string, limit int) ([]Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.readings[userID]
	out := make([]Reading, 0, min(limit, len(rs)))
	for i := len(rs) - 1; i >= 0 && len(out) < limit; i-- {
		if metric == "" || rs[i].Metric == metric {
			out = append(out, rs[i])
		}
	}
	return out, nil
}

func (s *MemoryHealthStore) SetThreshold(_ context.Context, userID string, t Threshold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.thresholds[userID] == nil {
		s.thresholds[userID] = make(map[string]Threshold)
	}
	s.thresholds[userID][t.Metric] = t
	return nil
}

func (s *MemoryHealthStore) Threshold(_ context.Context, userID, metric string) (Threshold, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.thresholds[userID][metric]
	return t, ok, nil
}

type conversation struct {
	members      map[string]struct{}
	participants map[string]struct{}
	messages     []ChatMessage
}

// MemoryChatStore is an in-process ChatStore. Conversations are created on
// first join.
type MemoryChatStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation
}

func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{conversations: make(map[string]*conversation)}
}

func (s *MemoryChatStore) Join(_ context.Context, conversationID, userID string, invite []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		c = &conversation{
			members:      map[string]struct{}{userID: {}},
			participants: make(map[string]struct{}),
		}
		s.conversations[conversationID] = c
	}
	if _, member := c.members[userID]; !member {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotParticipant)
	}
	for _, id := range invite {
		c.members[id] = struct{}{}
	}
	c.participants[userID] = struct{}{}
	return sortedKeys(c.participants), nil
}

func (s *MemoryChatStore) Leave(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	delete(c.participants, userID)
	return nil
}

func (s *MemoryChatStore) Participants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return sortedKeys(c.participants), nil
}

func (s *MemoryChatStore) AppendMessage(_ context.Context, m ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, ErrNotFound)
	}
	c.messages = append(c.messages, m)
	if len(c.messages) > maxMessagesPerChat {
		c.messages = c.messages[len(c.messages)-maxMessagesPerChat:]
	}
	return nil
}

// Messages returns up to limit most recent messages, oldest first.
func (s *MemoryChatStore) Messages(_ context.Context, conversationID string, limit int) ([]ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	start := max(0, len(c.messages)-limit)
	return slices.Clone(c.messages[start:]), nil
}

// MemoryNotificationStore is an in-process NotificationStore.
type MemoryNotificationStore struct {
	mu            sync.RWMutex
	notifications map[string][]Notification
	preferences   map[string]map[string]bool
}

func NewMemoryNotificationStore() *MemoryNotificationStore {
	return &MemoryNotificationStore{
		notifications: make(map[string][]Notification),
		preferences:   make(map[string]map[string]bool),
	}
}

func (s *MemoryNotificationStore) Add(_ context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := append(s.notifications[n.UserID], n)
	if len(ns) > maxNotificationsPerUser {
		ns = ns[len(ns)-maxNotificationsPerUser:]
	}
	s.notifications[n.UserID] = ns
	return nil
}

func (s *MemoryNotificationStore) Update(_ context.Context, userID, id string, fn func(*Notification)) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.notifications[userID]
	for i := range ns {
		if ns[i].ID == id {
			fn(&ns[i])
			return ns[i], nil
		}
	}
	return Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
}

// List returns the newest notifications first. Dismissed ones are skipped.
func (s *MemoryNotificationStore) List(_ context.Context, userID string, limit int, unreadOnly bool) ([]Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ns := s.notifications[userID]
	out := make([]Notification, 0, min(limit, len(ns)))
	for i := len(ns) - 1; i >= 0 && len(out) < limit; i-- {
		n := ns[i]
		if n.DismissedAt != nil || (unreadOnly && n.ReadAt != nil) {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// SetPreferences merges prefs into the stored set and returns the result.
func (s *MemoryNotificationStore) SetPreferences(_ context.Context, userID string, prefs map[string]bool) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.preferences[userID]
	if cur == nil {
		cur = make(map[string]bool, len(prefs))
		s.preferences[userID] = cur
	}
	for k, v := range prefs {
		cur[k] = v
	}
	return copyPrefs(cur), nil
}

func (s *MemoryNotificationStore) Preferences(_ context.Context, userID string) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyPrefs(s.preferences[userID]), nil
}

func copyPrefs(in map[string]bool) map[string]bool {
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func stamp(t time.Time) *time.Time {
	return &t
}
