// Package store is the message persistence collaborator. The realtime core
// treats it as an opaque async dependency: it owns no schema knowledge beyond
// the queries here and never broadcasts on its own.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message is a chat message as persisted and as broadcast.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ReceiptStatus is a delivery acknowledgment level.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

// ErrNotParticipant is returned by Create when the sender does not belong to
// the conversation.
var ErrNotParticipant = errors.New("user is not a participant of this conversation")

// MessageStore persists messages and receipt state.
//
// MarkDelivered and MarkRead are idempotent: ids already at (or past) the
// requested status and ids unknown to the conversation are skipped, and the
// returned slice holds only the ids that actually transitioned.
type MessageStore interface {
	Create(ctx context.Context, msg Message) (Message, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error)
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error)
}

// NoopStore runs the gateway without persistence: every sender is treated as
// a participant, messages get ids but are not stored, receipts never apply.
// Only suitable for local fanout experiments.
type NoopStore struct{}

func (NoopStore) Create(_ context.Context, msg Message) (Message, error) {
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now()
	return msg, nil
}

func (NoopStore) IsParticipant(context.Context, string, string) (bool, error) {
	return true, nil
}

func (NoopStore) MarkDelivered(context.Context, string, string, []string) ([]string, error) {
	return nil, nil
}

func (NoopStore) MarkRead(context.Context, string, string, []string) ([]string, error) {
	return nil, nil
}
