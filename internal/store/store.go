// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/aj-server/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotPending is returned when an approval was already resolved.
	ErrNotPending = errors.New("approval is not pending")
)

// MessageQuery selects a window of conversation messages.
type MessageQuery struct {
	// Limit keeps only the most recent messages. Zero means no limit.
	Limit int
	// BeforeSeq, when non-zero, restricts the window to messages older than it.
	BeforeSeq int64
}

// UserStore persists caller identities.
type UserStore interface {
	// GetUser retrieves a user by ID. It returns nil, nil if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error
}

// ConversationStore persists conversations and their messages.
type ConversationStore interface {
	// EnsureConversation creates the conversation with zeroed counters on
	// first touch and records sc as its current context when non-nil.
	EnsureConversation(ctx context.Context, userID, conversationID string, sc *domain.ScreenContext) (*domain.Conversation, error)

	// GetConversation returns ErrNotFound if the conversation does not exist.
	GetConversation(ctx context.Context, userID, conversationID string) (*domain.Conversation, error)

	// TouchConversation sets the last-activity time and increments the
	// message count by delta in one update.
	TouchConversation(ctx context.Context, userID, conversationID string, delta int, at time.Time) error

	// AddMessage appends msg, assigning ID (if empty), Seq and CreatedAt.
	AddMessage(ctx context.Context, userID, conversationID string, msg *domain.Message) error

	// ListMessages returns a window of messages in ascending order.
	ListMessages(ctx context.Context, userID, conversationID string, q MessageQuery) ([]*domain.Message, error)

	// GetMessage returns ErrNotFound if the message does not exist.
	GetMessage(ctx context.Context, userID, conversationID, messageID string) (*domain.Message, error)

	// ResolveApproval moves a pending message to status. It returns
	// ErrNotPending if the message is not pending anymore.
	ResolveApproval(ctx context.Context, userID, conversationID, messageID, status string) error

	// RecordOutcomes stores the resolution of each pending action.
	RecordOutcomes(ctx context.Context, userID, conversationID, messageID string, outcomes []domain.ActionOutcome) error
}

// ModuleStore reads and writes module definitions.
type ModuleStore interface {
	ListModules(ctx context.Context, userID string) ([]*domain.Module, error)

	// GetModule returns ErrNotFound if the module does not exist.
	GetModule(ctx context.Context, userID, moduleID string) (*domain.Module, error)

	UpsertModule(ctx context.Context, userID string, module *domain.Module) error
}

// EntryStore reads and writes module entries.
type EntryStore interface {
	// GetEntry returns ErrNotFound if the entry does not exist.
	GetEntry(ctx context.Context, userID, moduleID, entryID string) (*domain.Entry, error)

	// ListEntries returns the module's entries, optionally restricted to a
	// schema, newest first with ties broken by ID.
	ListEntries(ctx context.Context, userID, moduleID, schemaKey string) ([]*domain.Entry, error)

	// InsertEntries writes all entries in one transaction, assigning IDs
	// (if empty) and timestamps.
	InsertEntries(ctx context.Context, userID, moduleID string, entries []*domain.Entry) error

	// MergeEntryFields merges partial field updates into several entries in
	// one transaction. A missing entry fails the whole batch with ErrNotFound.
	MergeEntryFields(ctx context.Context, userID, moduleID string, updates map[string]map[string]any) error
}

// Repository is the full data store used by the server.
type Repository interface {
	UserStore
	ConversationStore
	ModuleStore
	EntryStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
