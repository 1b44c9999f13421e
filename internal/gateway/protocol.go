package gateway

import (
	"encoding/json"
	"regexp"

	"github.com/example/chat-realtime/internal/presence"
	"github.com/example/chat-realtime/internal/store"
)

// Client→server events.
const (
	EventConversationJoin  = "conversation:join"
	EventConversationLeave = "conversation:leave"
	EventMessageSend       = "message:send"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventDeliveredBatch    = "message:delivered:batch"
	EventReadBatch         = "message:read:batch"
	EventPresenceSubscribe = "presence:subscribe"
	EventPresenceUnsub     = "presence:unsubscribe"
	EventPresenceStatus    = "presence:status"
)

// Server→client events. Typing and receipt events reuse the client-side
// names; the ones below are server-originated only.
const (
	EventMessageNew     = "message:new"
	EventTypingUpdate   = "typing:update"
	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventPresenceUpdate = "presence:update"
	EventPresenceBulk   = "presence:bulk"
	EventAck            = "ack"
	EventError          = "error"
)

// Frame is the wire unit in both directions. Ack carries the client's
// correlation id on request frames and is echoed on the ack reply.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// ConversationRef targets a single conversation.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

// SendRequest is the message:send payload.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
}

// SendAck resolves a message:send. Exactly one of Message/Error is set.
type SendAck struct {
	Success    bool           `json:"success"`
	Message    *store.Message `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryAfter float64        `json:"retryAfter,omitempty"`
}

// ReceiptBatch is the payload for both receipt directions: the client reports
// messageIds it has received or read, and the server broadcasts the applied
// subset back with the acting user filled in.
type ReceiptBatch struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	UserID         string   `json:"userId"`
}

// TypingEvent announces one user's typing transition.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Username       string `json:"username"`
}

// TypingUpdate carries the full set of users currently typing.
type TypingUpdate struct {
	ConversationID string   `json:"conversationId"`
	UserIDs        []string `json:"userIds"`
}

// PresenceRequest is the payload for presence:subscribe/unsubscribe.
type PresenceRequest struct {
	UserIDs []string `json:"userIds"`
}

// StatusRequest is the presence:status payload.
type StatusRequest struct {
	Status presence.Status `json:"status"`
}

// UserEvent is the coarse global user:online/user:offline payload.
type UserEvent struct {
	UserID   string `json:"userId"`
	LastSeen *int64 `json:"lastSeen,omitempty"`
}

// ErrorEvent is pushed for failures on fire-and-forget events.
type ErrorEvent struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retryAfter,omitempty"`
}

// conversationIDPattern bounds ids to a sane identifier shape; anything else
// is rejected before touching storage.
var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// validConversationID reports whether id is well formed.
func validConversationID(id string) bool {
	return conversationIDPattern.MatchString(id)
}
