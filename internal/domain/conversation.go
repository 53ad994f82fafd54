package domain

import (
	"encoding/json"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Approval states carried by assistant messages with pending actions.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalPartial  = "partial"
)

// Screen types a conversation can be started from.
const (
	ScreenDashboard   = "dashboard"
	ScreenModulesList = "modules_list"
	ScreenModule      = "module"
)

// ScreenContext describes what the user was looking at when they wrote.
type ScreenContext struct {
	Type     string `json:"type"`
	ModuleID string `json:"moduleId,omitempty"`
	ScreenID string `json:"screenId,omitempty"`
}

// Valid reports whether the context names a known screen type.
func (c *ScreenContext) Valid() bool {
	switch c.Type {
	case ScreenDashboard, ScreenModulesList, ScreenModule:
		return true
	}
	return false
}

// Conversation is a chat thread owned by exactly one user.
type Conversation struct {
	ID            string         `json:"id"`
	UserID        string         `json:"userId"`
	StartedAt     time.Time      `json:"startedAt"`
	LastMessageAt time.Time      `json:"lastMessageAt"`
	MessageCount  int            `json:"messageCount"`
	Context       *ScreenContext `json:"context,omitempty"`
}

// PendingAction is a write-tool invocation waiting for human confirmation.
type PendingAction struct {
	ToolUseID   string          `json:"toolUseId"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	Description string          `json:"description"`
}

// ToolResult is the content returned for one tool call.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

// Continuation is the suspended provider turn behind a pending-approval
// message: the assistant content blocks that requested the tools and the
// results of the read tools already executed in that round.
type Continuation struct {
	AssistantBlocks json.RawMessage `json:"assistantBlocks"`
	AutoResults     []ToolResult    `json:"autoResults,omitempty"`
}

// ActionOutcome records how a pending action was resolved.
type ActionOutcome struct {
	ToolUseID string `json:"toolUseId"`
	Approved  bool   `json:"approved"`
	Content   string `json:"content"`
}

// Message is one entry of a conversation, ordered by Seq.
type Message struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	ConversationID string          `json:"conversationId"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	PendingActions []PendingAction `json:"pendingActions,omitempty"`
	ApprovalStatus string          `json:"approvalStatus,omitempty"`
	Continuation   *Continuation   `json:"-"`
	Outcomes       []ActionOutcome `json:"outcomes,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// IsPendingApproval returns true if the message still awaits a decision.
func (m *Message) IsPendingApproval() bool {
	return len(m.PendingActions) > 0 && m.ApprovalStatus == ApprovalPending
}

// Replayable reports whether the message is fed back to the model as
// conversation history. Pending-approval placeholders and empty assistant
// messages are not.
func (m *Message) Replayable() bool {
	switch m.Role {
	case RoleUser:
		return true
	case RoleAssistant:
		return m.Content != "" && len(m.PendingActions) == 0
	}
	return false
}
