package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/aj-server/internal/domain"
)

const messageColumns = `seq, message_id, conversation_id, role, content,
	pending_actions_json, approval_status, continuation_json, outcomes_json, created_at`

// EnsureConversation creates the conversation on first touch.
func (s *SQLiteStore) EnsureConversation(ctx context.Context, userID, conversationID string, sc *domain.ScreenContext) (*domain.Conversation, error) {
	now := s.now().UnixNano()
	contextJSON, err := marshalNullable(sc, sc == nil)
	if err != nil {
		return nil, fmt.Errorf("encode conversation context: %w", err)
	}

	err = s.inTx(ctx, "ensure conversation", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (user_id, conversation_id, started_at, last_message_at, message_count, context_json)
			VALUES (?, ?, ?, ?, 0, ?)
			ON CONFLICT(user_id, conversation_id) DO NOTHING`,
			userID, conversationID, now, now, contextJSON); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
		if sc == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET context_json = ? WHERE user_id = ? AND conversation_id = ?`,
			contextJSON, userID, conversationID); err != nil {
			return fmt.Errorf("update conversation context: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetConversation(ctx, userID, conversationID)
}

// GetConversation loads a conversation.
func (s *SQLiteStore) GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, started_at, last_message_at, message_count, context_json
		FROM conversations WHERE user_id = ? AND conversation_id = ?`, userID, conversationID)

	var conv domain.Conversation
	var startedAt, lastMessageAt int64
	var contextJSON sql.NullString
	err := row.Scan(&conv.ID, &startedAt, &lastMessageAt, &conv.MessageCount, &contextJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.UserID = userID
	conv.StartedAt = fromUnixNano(startedAt)
	conv.LastMessageAt = fromUnixNano(lastMessageAt)
	if contextJSON.Valid {
		var sc domain.ScreenContext
		if err := json.Unmarshal([]byte(contextJSON.String), &sc); err != nil {
			return nil, fmt.Errorf("decode conversation context: %w", err)
		}
		conv.Context = &sc
	}
	return &conv, nil
}

// TouchConversation advances last-activity time and message count together.
func (s *SQLiteStore) TouchConversation(ctx context.Context, userID, conversationID string, delta int, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_at = ?, message_count = message_count + ?
		WHERE user_id = ? AND conversation_id = ?`,
		at.UnixNano(), delta, userID, conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMessage appends a message to a conversation.
func (s *SQLiteStore) AddMessage(ctx context.Context, userID, conversationID string, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.ConversationID = conversationID

	pendingJSON, err := marshalNullable(msg.PendingActions, len(msg.PendingActions) == 0)
	if err != nil {
		return fmt.Errorf("encode pending actions: %w", err)
	}
	continuationJSON, err := marshalNullable(msg.Continuation, msg.Continuation == nil)
	if err != nil {
		return fmt.Errorf("encode continuation: %w", err)
	}
	outcomesJSON, err := marshalNullable(msg.Outcomes, len(msg.Outcomes) == 0)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, user_id, conversation_id, role, content,
			pending_actions_json, approval_status, continuation_json, outcomes_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, userID, conversationID, msg.Role, msg.Content,
		pendingJSON, msg.ApprovalStatus, continuationJSON, outcomesJSON, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read message seq: %w", err)
	}
	msg.Seq = seq
	return nil
}

// ListMessages returns the most recent messages in ascending order.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID, conversationID string, q MessageQuery) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE user_id = ? AND conversation_id = ?`
	args := []any{userID, conversationID}
	if q.BeforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, q.BeforeSeq)
	}
	query += ` ORDER BY seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Newest-first from the query; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage loads a single message.
func (s *SQLiteStore) GetMessage(ctx context.Context, userID, conversationID, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE user_id = ? AND conversation_id = ? AND message_id = ?`,
		userID, conversationID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// ResolveApproval flips a pending message to status exactly once.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, userID, conversationID, messageID, status string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET approval_status = ?
		WHERE user_id = ? AND conversation_id = ? AND message_id = ? AND approval_status = ?`,
		status, userID, conversationID, messageID, domain.ApprovalPending)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetMessage(ctx, userID, conversationID, messageID); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

// RecordOutcomes stores how each pending action was resolved.
func (s *SQLiteStore) RecordOutcomes(ctx context.Context, userID, conversationID, messageID string, outcomes []domain.ActionOutcome) error {
	data, err := json.Marshal(outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET outcomes_json = ?
		WHERE user_id = ? AND conversation_id = ? AND message_id = ?`,
		string(data), userID, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("record outcomes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var pendingJSON, continuationJSON, outcomesJSON sql.NullString
	var createdAt int64
	err := row.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&pendingJSON, &msg.ApprovalStatus, &continuationJSON, &outcomesJSON, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.CreatedAt = fromUnixNano(createdAt)

	if pendingJSON.Valid {
		if err := json.Unmarshal([]byte(pendingJSON.String), &msg.PendingActions); err != nil {
			return nil, fmt.Errorf("decode pending actions: %w", err)
		}
	}
	if continuationJSON.Valid {
		var c domain.Continuation
		if err := json.Unmarshal([]byte(continuationJSON.String), &c); err != nil {
			return nil, fmt.Errorf("decode continuation: %w", err)
		}
		msg.Continuation = &c
	}
	if outcomesJSON.Valid {
		if err := json.Unmarshal([]byte(outcomesJSON.String), &msg.Outcomes); err != nil {
			return nil, fmt.Errorf("decode outcomes: %w", err)
		}
	}
	return &msg, nil
}

// marshalNullable encodes v as a JSON string, or SQL NULL when empty is true.
func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
