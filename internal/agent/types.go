// Package agent implements the conversation orchestrator: the multi-round
// model loop, the split between read tools and approval-gated write tools,
// and the persistence that lets a paused turn resume later.
package agent

import (
	"time"

	"github.com/ashureev/aj-server/internal/domain"
)

// ChatRequest is one user message.
type ChatRequest struct {
	ConversationID string                `json:"conversationId"`
	Message        string                `json:"message"`
	Context        *domain.ScreenContext `json:"context,omitempty"`
}

// ChatResponse is the outcome of a turn. PendingActions is set when the turn
// paused for approval.
type ChatResponse struct {
	Message        string                 `json:"message"`
	ConversationID string                 `json:"conversationId"`
	PendingActions []domain.PendingAction `json:"pendingActions,omitempty"`
	ToolsUsed      []string               `json:"toolsUsed,omitempty"`
}

// Decision is the user's verdict on one pending action.
type Decision struct {
	ToolUseID string `json:"toolUseId"`
	Approved  bool   `json:"approved"`
}

// ApprovalRequest resolves the pending actions of one message.
type ApprovalRequest struct {
	ConversationID string     `json:"conversationId"`
	MessageID      string     `json:"messageId"`
	Decisions      []Decision `json:"decisions"`
}

// Config bounds the orchestrator.
type Config struct {
	Model         string
	MaxTokens     int
	MaxRounds     int
	MaxHistory    int
	ParallelTools bool
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		Model:         "claude-sonnet-4-5-20250929",
		MaxTokens:     4096,
		MaxRounds:     10,
		MaxHistory:    20,
		ParallelTools: true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = def.MaxHistory
	}
	return c
}

// User-visible fixed texts.
const (
	truncationNotice   = "\n\nI tried to do too much at once. Could you break that into smaller requests?"
	providerFailure    = "Sorry, I'm having trouble right now. Please try again."
	emptyReplyFallback = "I wasn't able to generate a response. Please try again."
	rejectedContent    = `{"error":"User rejected this action."}`
)

// Conversation log event types.
const (
	eventUserMessage      = "chat_user_message"
	eventAssistantMessage = "chat_assistant_message"
	eventToolResult       = "tool_result"
	eventPendingActions   = "pending_actions"
	eventProviderError    = "provider_error"
	eventApprovalResolved = "approval_resolved"
)

type clock func() time.Time
