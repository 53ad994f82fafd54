package agent

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/llm"
	"github.com/ashureev/aj-server/internal/store"
	"github.com/ashureev/aj-server/internal/tools"
)

// Resume applies the user's decisions to a paused turn, feeds the outcomes
// back to the model and continues the round loop. The pending message is
// resolved at most once.
func (s *Service) Resume(ctx context.Context, userID string, req ApprovalRequest) (resp *ChatResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "agent.Resume", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("conversation_id", req.ConversationID),
		attribute.String("message_id", req.MessageID),
	))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, newError(CodeUnauthenticated, "Must be signed in.", nil)
	}
	if req.ConversationID == "" || req.MessageID == "" || len(req.Decisions) == 0 {
		return nil, newError(CodeInvalidArgument, "conversationId, messageId and decisions are required.", nil)
	}
	if s.provider == nil {
		return nil, newError(CodeInternal, "AI service is not configured.", nil)
	}

	logger := s.logger.With("user_id", userID, "conversation_id", req.ConversationID, "message_id", req.MessageID)

	msg, err := s.store.GetMessage(ctx, userID, req.ConversationID, req.MessageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeInvalidArgument, "Pending message not found.", err)
	}
	if err != nil {
		return nil, s.internal(logger, "load pending message", err)
	}
	if !msg.IsPendingApproval() || msg.Continuation == nil {
		return nil, newError(CodeFailedPrecondition, "This request was already resolved.", nil)
	}

	approved, status, err := matchDecisions(msg.PendingActions, req.Decisions)
	if err != nil {
		return nil, err
	}

	// Claim the message before running any write. Once claimed, the writes
	// and their outcomes must finish even if the caller disconnects.
	writeCtx := context.WithoutCancel(ctx)
	if err := s.store.ResolveApproval(writeCtx, userID, req.ConversationID, msg.ID, status); err != nil {
		if errors.Is(err, store.ErrNotPending) {
			return nil, newError(CodeFailedPrecondition, "This request was already resolved.", err)
		}
		return nil, s.internal(logger, "resolve approval", err)
	}

	outcomes := make([]domain.ActionOutcome, 0, len(msg.PendingActions))
	for _, p := range msg.PendingActions {
		outcome := domain.ActionOutcome{ToolUseID: p.ToolUseID, Approved: approved[p.ToolUseID]}
		if outcome.Approved {
			r := s.tools.Execute(writeCtx, userID, tools.Call{ID: p.ToolUseID, Name: p.Name, Input: p.Input})
			outcome.Content = r.Content
		} else {
			outcome.Content = rejectedContent
		}
		outcomes = append(outcomes, outcome)
	}
	if err := s.store.RecordOutcomes(writeCtx, userID, req.ConversationID, msg.ID, outcomes); err != nil {
		return nil, s.internal(logger, "record outcomes", err)
	}
	logger.Info("approval resolved", "status", status, "actions", len(outcomes))
	s.logEvent(userID, req.ConversationID, "inbound", eventApprovalResolved, "", map[string]any{"status": status})

	conv, err := s.store.GetConversation(ctx, userID, req.ConversationID)
	if err != nil {
		return nil, s.internal(logger, "load conversation", err)
	}
	messages, err := s.rebuild(ctx, userID, msg, outcomes)
	if err != nil {
		return nil, s.internal(logger, "rebuild conversation", err)
	}
	system, err := s.systemPrompt(ctx, userID, conv.Context)
	if err != nil {
		return nil, s.internal(logger, "load modules", err)
	}

	t := &turn{
		userID:         userID,
		conversationID: req.ConversationID,
		system:         system,
		messages:       messages,
		logger:         logger,
	}
	res, err := s.runLoop(ctx, t)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, t, res, 1)
}

// matchDecisions requires exactly one decision per pending action.
func matchDecisions(pending []domain.PendingAction, decisions []Decision) (map[string]bool, string, error) {
	known := make(map[string]bool, len(pending))
	for _, p := range pending {
		known[p.ToolUseID] = true
	}
	approved := make(map[string]bool, len(decisions))
	seen := make(map[string]bool, len(decisions))
	for _, d := range decisions {
		if !known[d.ToolUseID] {
			return nil, "", newError(CodeInvalidArgument, "Unknown toolUseId: "+d.ToolUseID, nil)
		}
		if seen[d.ToolUseID] {
			return nil, "", newError(CodeInvalidArgument, "Duplicate decision for toolUseId: "+d.ToolUseID, nil)
		}
		seen[d.ToolUseID] = true
		approved[d.ToolUseID] = d.Approved
	}
	if len(seen) != len(pending) {
		return nil, "", newError(CodeInvalidArgument, "A decision is required for every pending action.", nil)
	}

	yes := 0
	for _, ok := range approved {
		if ok {
			yes++
		}
	}
	switch yes {
	case len(pending):
		return approved, domain.ApprovalApproved, nil
	case 0:
		return approved, domain.ApprovalRejected, nil
	}
	return approved, domain.ApprovalPartial, nil
}

// rebuild reconstructs the provider conversation as it stood when the turn
// paused: replayed history, the assistant tool-use turn, and one tool result
// per tool_use block in the order the model issued them.
func (s *Service) rebuild(ctx context.Context, userID string, pending *domain.Message, outcomes []domain.ActionOutcome) ([]llm.Message, error) {
	history, err := s.store.ListMessages(ctx, userID, pending.ConversationID, store.MessageQuery{
		Limit:     s.cfg.MaxHistory,
		BeforeSeq: pending.Seq,
	})
	if err != nil {
		return nil, err
	}

	var assistant []llm.Block
	if err := json.Unmarshal(pending.Continuation.AssistantBlocks, &assistant); err != nil {
		return nil, err
	}

	// The paused text was stored as its own message just before the pending
	// one; it is already part of the assistant blocks.
	if n := len(history); n > 0 {
		last := history[n-1]
		if last.Role == domain.RoleAssistant && len(last.PendingActions) == 0 && last.Content == (&llm.Response{Content: assistant}).Text() {
			history = history[:n-1]
		}
	}
	messages := replay(history)

	results := make(map[string]string, len(outcomes)+len(pending.Continuation.AutoResults))
	for _, r := range pending.Continuation.AutoResults {
		results[r.ToolUseID] = r.Content
	}
	for _, o := range outcomes {
		results[o.ToolUseID] = o.Content
	}

	var blocks []llm.Block
	for _, b := range assistant {
		if b.Type != llm.BlockToolUse {
			continue
		}
		content, ok := results[b.ID]
		if !ok {
			content = `{"error":"Tool result unavailable."}`
		}
		blocks = append(blocks, llm.ToolResultBlock(b.ID, content))
	}

	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: assistant},
		llm.Message{Role: llm.RoleUser, Content: blocks},
	)
	return messages, nil
}
