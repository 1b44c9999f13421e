package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresStore implements MessageStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the collaborator tables if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx
			ON messages (conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message_receipts (
			message_id UUID NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (message_id, user_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.SenderName, msg.Content, msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	// Insert-if-absent: an existing receipt (delivered or read) means the id
	// was already applied and is skipped. The join against messages drops ids
	// foreign to the conversation instead of failing the batch.
	return s.applyReceipts(ctx, conversationID, userID, messageIDs,
		`INSERT INTO message_receipts (message_id, user_id, status, updated_at)
		 SELECT m.id, $3, 'delivered', NOW()
		   FROM messages m
		  WHERE m.id = $1 AND m.conversation_id = $2
		 ON CONFLICT (message_id, user_id) DO NOTHING
		 RETURNING message_id`)
}

func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string) ([]string, error) {
	// Read upgrades delivered; re-reading is a no-op enforced by the WHERE
	// clause on the conflict update.
	return s.applyReceipts(ctx, conversationID, userID, messageIDs,
		`INSERT INTO message_receipts (message_id, user_id, status, updated_at)
		 SELECT m.id, $3, 'read', NOW()
		   FROM messages m
		  WHERE m.id = $1 AND m.conversation_id = $2
		 ON CONFLICT (message_id, user_id) DO UPDATE
		    SET status = 'read', updated_at = NOW()
		  WHERE message_receipts.status <> 'read'
		 RETURNING message_id`)
}

// applyReceipts runs the upsert per id inside one transaction and collects
// the ids that actually transitioned.
func (s *PostgresStore) applyReceipts(ctx context.Context, conversationID, userID string, messageIDs []string, query string) ([]string, error) {
	messageIDs = validReceiptIDs(messageIDs)
	if len(messageIDs) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin receipts tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare receipts statement: %w", err)
	}
	defer stmt.Close()

	applied := make([]string, 0, len(messageIDs))
	for _, id := range messageIDs {
		var appliedID string
		err := stmt.QueryRowContext(ctx, id, conversationID, userID).Scan(&appliedID)
		if err == sql.ErrNoRows {
			continue // already applied, or unknown/foreign id
		}
		if err != nil {
			return nil, fmt.Errorf("apply receipt %s: %w", id, err)
		}
		applied = append(applied, appliedID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit receipts: %w", err)
	}
	return applied, nil
}

// validReceiptIDs drops ids that are not UUIDs. Ids come straight from the
// client, and a non-UUID string would abort the whole receipts transaction on
// the UUID-typed comparison instead of being skipped like any other unknown
// id.
func validReceiptIDs(messageIDs []string) []string {
	valid := messageIDs[:0:0]
	for _, id := range messageIDs {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	return valid
}
