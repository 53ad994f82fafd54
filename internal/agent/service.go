package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/llm"
	"github.com/ashureev/aj-server/internal/prompt"
	"github.com/ashureev/aj-server/internal/store"
	"github.com/ashureev/aj-server/internal/tools"
)

const tracerName = "github.com/ashureev/aj-server/internal/agent"

// Store is the persistence the orchestrator needs.
type Store interface {
	store.ConversationStore
	ListModules(ctx context.Context, userID string) ([]*domain.Module, error)
}

// ToolExecutor runs a single tool call and never fails.
type ToolExecutor interface {
	Execute(ctx context.Context, userID string, call tools.Call) tools.Result
}

// Service drives conversations between a user and the model.
type Service struct {
	store    Store
	provider llm.Provider
	tools    ToolExecutor
	cfg      Config
	logger   *slog.Logger
	convLog  ConversationLogger
	tracer   trace.Tracer
	now      clock
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConversationLogger records transcripts.
func WithConversationLogger(l ConversationLogger) Option {
	return func(s *Service) {
		if l != nil {
			s.convLog = l
		}
	}
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the orchestrator. A nil provider means the model
// credential is not configured; every turn then fails with CodeInternal.
func NewService(st Store, provider llm.Provider, executor ToolExecutor, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		provider: provider,
		tools:    executor,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		convLog:  noopConversationLogger{},
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close flushes the conversation logger.
func (s *Service) Close() error {
	return s.convLog.Close()
}

// Chat runs one user turn. It either completes with a reply or pauses with
// the write actions the user must approve.
func (s *Service) Chat(ctx context.Context, userID string, req ChatRequest) (resp *ChatResponse, err error) {
	ctx, span := s.tracer.Start(ctx, "agent.Chat", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("conversation_id", req.ConversationID),
	))
	defer func() { endSpan(span, err) }()

	if userID == "" {
		return nil, newError(CodeUnauthenticated, "Must be signed in.", nil)
	}
	if req.ConversationID == "" || strings.TrimSpace(req.Message) == "" {
		return nil, newError(CodeInvalidArgument, "conversationId and message are required.", nil)
	}
	if req.Context != nil && !req.Context.Valid() {
		return nil, newError(CodeInvalidArgument, "context.type must be one of dashboard, modules_list, module.", nil)
	}
	if s.provider == nil {
		return nil, newError(CodeInternal, "AI service is not configured.", nil)
	}

	logger := s.logger.With("user_id", userID, "conversation_id", req.ConversationID)

	conv, err := s.store.EnsureConversation(ctx, userID, req.ConversationID, req.Context)
	if err != nil {
		return nil, s.internal(logger, "ensure conversation", err)
	}
	if err := s.store.AddMessage(ctx, userID, req.ConversationID, &domain.Message{
		Role:    domain.RoleUser,
		Content: req.Message,
	}); err != nil {
		return nil, s.internal(logger, "save user message", err)
	}
	s.logEvent(userID, req.ConversationID, "inbound", eventUserMessage, req.Message, nil)

	history, err := s.store.ListMessages(ctx, userID, req.ConversationID, store.MessageQuery{Limit: s.cfg.MaxHistory})
	if err != nil {
		return nil, s.internal(logger, "load history", err)
	}
	system, err := s.systemPrompt(ctx, userID, conv.Context)
	if err != nil {
		return nil, s.internal(logger, "load modules", err)
	}

	t := &turn{
		userID:         userID,
		conversationID: req.ConversationID,
		system:         system,
		messages:       replay(history),
		logger:         logger,
	}
	res, err := s.runLoop(ctx, t)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, t, res, 2)
}

// History returns up to limit of the most recent messages, oldest first.
func (s *Service) History(ctx context.Context, userID, conversationID string, limit int, beforeSeq int64) ([]*domain.Message, error) {
	if userID == "" {
		return nil, newError(CodeUnauthenticated, "Must be signed in.", nil)
	}
	if conversationID == "" {
		return nil, newError(CodeInvalidArgument, "conversationId is required.", nil)
	}
	msgs, err := s.store.ListMessages(ctx, userID, conversationID, store.MessageQuery{Limit: limit, BeforeSeq: beforeSeq})
	if err != nil {
		return nil, s.internal(s.logger.With("user_id", userID, "conversation_id", conversationID), "list messages", err)
	}
	return msgs, nil
}

func (s *Service) systemPrompt(ctx context.Context, userID string, screen *domain.ScreenContext) (string, error) {
	modules, err := s.store.ListModules(ctx, userID)
	if err != nil {
		return "", err
	}
	return prompt.BuildSystemPrompt(modules, s.now(), screen), nil
}

// replay converts stored messages into provider turns. Only user messages
// and non-empty assistant text are kept, and the list starts with a user turn.
func replay(history []*domain.Message) []llm.Message {
	msgs := make([]llm.Message, 0, len(history))
	for _, m := range history {
		if !m.Replayable() {
			continue
		}
		if len(msgs) == 0 && m.Role != domain.RoleUser {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: []llm.Block{llm.TextBlock(m.Content)}})
	}
	return msgs
}

// settle persists the outcome of the loop. delta is the message-count
// increment for a completed turn; a pause always advances it by two.
func (s *Service) settle(ctx context.Context, t *turn, res *loopResult, delta int) (*ChatResponse, error) {
	resp := &ChatResponse{ConversationID: t.conversationID, ToolsUsed: res.toolsUsed}

	if len(res.pending) > 0 {
		if res.text != "" {
			if err := s.store.AddMessage(ctx, t.userID, t.conversationID, &domain.Message{
				Role:    domain.RoleAssistant,
				Content: res.text,
			}); err != nil {
				return nil, s.internal(t.logger, "save assistant text", err)
			}
		}
		if err := s.store.AddMessage(ctx, t.userID, t.conversationID, &domain.Message{
			Role:           domain.RoleAssistant,
			PendingActions: res.pending,
			ApprovalStatus: domain.ApprovalPending,
			Continuation:   res.continuation,
		}); err != nil {
			return nil, s.internal(t.logger, "save pending actions", err)
		}
		if err := s.store.TouchConversation(ctx, t.userID, t.conversationID, 2, s.now()); err != nil {
			return nil, s.internal(t.logger, "update conversation", err)
		}

		names := make([]string, 0, len(res.pending))
		for _, p := range res.pending {
			names = append(names, p.Name)
		}
		t.logger.Info("pausing for approval", "tools", names)
		s.logEvent(t.userID, t.conversationID, "outbound", eventPendingActions, res.text, map[string]any{"tools": names})

		resp.Message = res.text
		resp.PendingActions = res.pending
		return resp, nil
	}

	text := res.text
	if text == "" {
		text = emptyReplyFallback
	}
	if err := s.store.AddMessage(ctx, t.userID, t.conversationID, &domain.Message{
		Role:    domain.RoleAssistant,
		Content: text,
	}); err != nil {
		return nil, s.internal(t.logger, "save assistant message", err)
	}
	if err := s.store.TouchConversation(ctx, t.userID, t.conversationID, delta, s.now()); err != nil {
		return nil, s.internal(t.logger, "update conversation", err)
	}
	s.logEvent(t.userID, t.conversationID, "outbound", eventAssistantMessage, text, map[string]any{"rounds": res.rounds})

	resp.Message = text
	return resp, nil
}

// internal logs err and hides it behind a generic message.
func (s *Service) internal(logger *slog.Logger, op string, err error) error {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr
	}
	logger.Error("chat failed", "op", op, "error", err)
	return newError(CodeInternal, "Chat failed. Please try again.", err)
}

func (s *Service) logEvent(userID, conversationID, direction, eventType, content string, meta map[string]any) {
	s.convLog.Log(ConversationLogEvent{
		Timestamp:      s.now().UTC().Format(time.RFC3339Nano),
		UserID:         userID,
		ConversationID: conversationID,
		Channel:        "chat_http",
		Direction:      direction,
		EventType:      eventType,
		ContentRaw:     content,
		Meta:           meta,
	})
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
	}
	span.End()
}
