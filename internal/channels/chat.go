package channels

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/adred-codev/careline/internal/auth"
	"github.com/adred-codev/careline/internal/broker"
	"github.com/adred-codev/careline/internal/monitoring"
	"github.com/adred-codev/careline/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	chatChannel = "chat"

	// AssistantID is the sender id of messages produced by a Responder.
	AssistantID = "assistant"

	responderTimeout = 30 * time.Second
)

type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sent_at"`
}

// Responder generates an automated reply to a chat message. It is called off
// the connection's read loop.
type Responder interface {
	Respond(ctx context.Context, history []ChatMessage, msg ChatMessage) (string, error)
}

// ConversationTopic is the per-participant topic a conversation fans out on.
func ConversationTopic(conversationID, userID string) string {
	return chatChannel + ":conversation:" + conversationID + ":" + userID
}

// ChatHandler serves /ws/chat.
type ChatHandler struct {
	broker    Broker
	store     ChatStore
	responder Responder
	logger    zerolog.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// NewChatHandler builds a chat handler. responder may be nil.
func NewChatHandler(b Broker, store ChatStore, responder Responder, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		broker:    b,
		store:     store,
		responder: responder,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
		now:       time.Now,
	}
}

func (h *ChatHandler) Name() string       { return "chat" }
func (h *ChatHandler) Channels() []string { return []string{chatChannel} }

func (h *ChatHandler) DefaultTopic(p auth.Principal) string {
	return broker.UserTopic(chatChannel, "user", p.UserID)
}

func (h *ChatHandler) Kinds() []protocol.Kind {
	return []protocol.Kind{
		protocol.KindChatMessage,
		protocol.KindJoinConversation,
		protocol.KindLeaveConversation,
		protocol.KindTypingStart,
		protocol.KindTypingStop,
		protocol.KindGetConversationHistory,
	}
}

func (h *ChatHandler) Handle(ctx context.Context, req Request) error {
	userID := req.Principal.UserID

	switch req.Inbound.Kind {
	case protocol.KindJoinConversation:
		p, err := protocol.Decode[protocol.Conversation](req.Inbound)
		if err != nil {
			return err
		}
		topic := ConversationTopic(p.ConversationID, userID)
		if _, err := h.broker.Subscribe(req.ConnID, topic); err != nil {
			return err
		}
		participants, err := h.store.Join(ctx, p.ConversationID, userID, p.Invite)
		if err != nil {
			_ = h.broker.Unsubscribe(req.ConnID, topic)
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeConversationJoined, map[string]any{
			"conversation_id": p.ConversationID,
			"participants":    participants,
		}))

	case protocol.KindLeaveConversation:
		p, err := protocol.Decode[protocol.Conversation](req.Inbound)
		if err != nil {
			return err
		}
		if err := h.store.Leave(ctx, p.ConversationID, userID); err != nil {
			return err
		}
		if err := h.broker.Unsubscribe(req.ConnID, ConversationTopic(p.ConversationID, userID)); err != nil {
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeConversationLeft, map[string]any{
			"conversation_id": p.ConversationID,
		}))

	case protocol.KindChatMessage:
		p, err := protocol.Decode[protocol.ChatMessage](req.Inbound)
		if err != nil {
			return err
		}
		participants, err := h.participant(ctx, p.ConversationID, userID)
		if err != nil {
			return err
		}
		msg := ChatMessage{
			ID:             uuid.NewString(),
			ConversationID: p.ConversationID,
			SenderID:       userID,
			Content:        p.Content,
			SentAt:         h.now().UTC(),
		}
		if err := h.deliver(ctx, msg, participants); err != nil {
			return err
		}
		if h.responder != nil {
			h.respond(msg, participants)
		}
		return nil

	case protocol.KindTypingStart, protocol.KindTypingStop:
		p, err := protocol.Decode[protocol.Conversation](req.Inbound)
		if err != nil {
			return err
		}
		participants, err := h.participant(ctx, p.ConversationID, userID)
		if err != nil {
			return err
		}
		typing := protocol.NewMessage(protocol.TypeTyping, map[string]any{
			"conversation_id": p.ConversationID,
			"user_id":         userID,
			"typing":          req.Inbound.Kind == protocol.KindTypingStart,
		})
		for _, other := range participants {
			if other != userID {
				h.broker.Broadcast(ctx, ConversationTopic(p.ConversationID, other), typing)
			}
		}
		return nil

	case protocol.KindGetConversationHistory:
		p, err := protocol.Decode[protocol.ConversationHistory](req.Inbound)
		if err != nil {
			return err
		}
		if _, err := h.participant(ctx, p.ConversationID, userID); err != nil {
			return err
		}
		messages, err := h.store.Messages(ctx, p.ConversationID, p.Limit)
		if err != nil {
			return err
		}
		return h.broker.SendTo(ctx, req.ConnID, protocol.NewMessage(protocol.TypeConversationHistory, map[string]any{
			"conversation_id": p.ConversationID,
			"messages":        messages,
		}))
	}
	return &protocol.UnknownMessageTypeError{Type: string(req.Inbound.Kind)}
}

// participant returns the conversation's participants if userID is one of them.
func (h *ChatHandler) participant(ctx context.Context, conversationID, userID string) ([]string, error) {
	participants, err := h.store.Participants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(participants, userID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotParticipant)
	}
	return participants, nil
}

// deliver persists msg and fans it out to every participant's topic.
func (h *ChatHandler) deliver(ctx context.Context, msg ChatMessage, participants []string) error {
	if err := h.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	out := protocol.NewMessage(protocol.TypeChatMessage, map[string]any{"message": msg})
	for _, p := range participants {
		h.broker.Broadcast(ctx, ConversationTopic(msg.ConversationID, p), out)
	}
	return nil
}

// Send posts a server-originated message (for example from the backend
// ingress) to a conversation.
func (h *ChatHandler) Send(ctx context.Context, conversationID, senderID, content string) (ChatMessage, error) {
	participants, err := h.store.Participants(ctx, conversationID)
	if err != nil {
		return ChatMessage{}, err
	}
	msg := ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		SentAt:         h.now().UTC(),
	}
	return msg, h.deliver(ctx, msg, participants)
}

func (h *ChatHandler) respond(msg ChatMessage, participants []string) {
	h.wg.Add(1)
	go func() {
		defer monitoring.RecoverPanic(h.logger, "chatResponder", map[string]any{
			"conversation_id": msg.ConversationID,
		})
		defer h.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), responderTimeout)
		defer cancel()

		history, err := h.store.Messages(ctx, msg.ConversationID, 20)
		if err != nil {
			monitoring.LogError(h.logger, err, "Failed to load chat history for responder", nil)
			return
		}
		content, err := h.responder.Respond(ctx, history, msg)
		if err != nil {
			monitoring.LogError(h.logger, err, "Chat responder failed", map[string]any{
				"conversation_id": msg.ConversationID,
			})
			return
		}
		if content == "" {
			return
		}

		reply := ChatMessage{
			ID:             uuid.NewString(),
			ConversationID: msg.ConversationID,
			SenderID:       AssistantID,
			Content:        content,
			SentAt:         h.now().UTC(),
		}
		if err := h.deliver(ctx, reply, participants); err != nil {
			monitoring.LogError(h.logger, err, "Failed to deliver responder reply", nil)
		}
	}()
}

// Wait blocks until in-flight responder calls finish.
func (h *ChatHandler) Wait() {
	h.wg.Wait()
}
