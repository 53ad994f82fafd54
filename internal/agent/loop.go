package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/aj-server/internal/domain"
	"github.com/ashureev/aj-server/internal/llm"
	"github.com/ashureev/aj-server/internal/tools"
)

// maxParallelTools caps concurrent read-tool executions within one round.
const maxParallelTools = 4

// turn is the in-memory state of one invocation.
type turn struct {
	userID         string
	conversationID string
	system         string
	messages       []llm.Message
	logger         *slog.Logger
}

type loopResult struct {
	text         string
	pending      []domain.PendingAction
	continuation *domain.Continuation
	toolsUsed    []string
	rounds       int
}

// runLoop alternates model calls and read-tool execution until the model
// stops, output is truncated, a write tool needs approval, or the round
// budget runs out.
func (s *Service) runLoop(ctx context.Context, t *turn) (*loopResult, error) {
	res := &loopResult{}
	defs := tools.Definitions()

	for round := 0; round < s.cfg.MaxRounds; round++ {
		res.rounds = round + 1
		t.logger.Info("model round", "round", round+1, "message_count", len(t.messages))

		resp, err := s.complete(ctx, t, defs, round+1)
		if err != nil {
			return nil, s.providerFailed(ctx, t, err)
		}

		if hasText(resp) {
			res.text = resp.Text()
		}

		if resp.StopReason == llm.StopMaxTokens {
			t.logger.Warn("response truncated, max tokens reached", "round", round+1)
			res.text += truncationNotice
			return res, nil
		}
		if resp.StopReason != llm.StopToolUse {
			return res, nil
		}
		uses := resp.ToolUses()
		if len(uses) == 0 {
			return res, nil
		}

		var auto, gated []llm.Block
		for _, u := range uses {
			if tools.RequiresApproval(u.Name) {
				gated = append(gated, u)
			} else {
				auto = append(auto, u)
			}
		}

		if len(gated) > 0 {
			// Reads requested alongside writes still run now; their results
			// are kept with the continuation for the resumed turn.
			autoResults := s.executeAll(ctx, t, auto, res)
			blocks, err := json.Marshal(resp.Content)
			if err != nil {
				return nil, s.internal(t.logger, "encode continuation", err)
			}

			res.continuation = &domain.Continuation{AssistantBlocks: blocks}
			for _, r := range autoResults {
				res.continuation.AutoResults = append(res.continuation.AutoResults, domain.ToolResult{ToolUseID: r.ID, Content: r.Content})
			}
			for _, g := range gated {
				res.pending = append(res.pending, domain.PendingAction{
					ToolUseID:   g.ID,
					Name:        g.Name,
					Input:       g.Input,
					Description: tools.Describe(g.Name, g.Input),
				})
			}
			return res, nil
		}

		t.messages = append(t.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		results := s.executeAll(ctx, t, uses, res)
		blocks := make([]llm.Block, 0, len(results))
		for _, r := range results {
			blocks = append(blocks, llm.ToolResultBlock(r.ID, r.Content))
		}
		t.messages = append(t.messages, llm.Message{Role: llm.RoleUser, Content: blocks})
	}

	t.logger.Warn("round budget exhausted", "max_rounds", s.cfg.MaxRounds)
	return res, nil
}

func (s *Service) complete(ctx context.Context, t *turn, defs []llm.ToolDefinition, round int) (*llm.Response, error) {
	ctx, span := s.tracer.Start(ctx, "agent.round", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("message_count", len(t.messages)),
	))
	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    t.system,
		Tools:     defs,
		Messages:  t.messages,
	})
	if err == nil {
		span.SetAttributes(
			attribute.String("stop_reason", resp.StopReason),
			attribute.Int64("input_tokens", resp.Usage.InputTokens),
			attribute.Int64("output_tokens", resp.Usage.OutputTokens),
		)
	}
	endSpan(span, err)
	return resp, err
}

// providerFailed records a visible fallback reply and reports the outage.
func (s *Service) providerFailed(ctx context.Context, t *turn, cause error) error {
	t.logger.Error("model call failed", "error", cause)
	s.logEvent(t.userID, t.conversationID, "outbound", eventProviderError, cause.Error(), nil)

	// The fallback must land even when the caller has gone away.
	if err := s.store.AddMessage(context.WithoutCancel(ctx), t.userID, t.conversationID, &domain.Message{
		Role:    domain.RoleAssistant,
		Content: providerFailure,
	}); err != nil {
		t.logger.Error("failed to save fallback message", "error", err)
	}
	return newError(CodeUnavailable, "AI service is unavailable. Please try again.", cause)
}

// executeAll runs calls and returns results in call order.
func (s *Service) executeAll(ctx context.Context, t *turn, calls []llm.Block, res *loopResult) []tools.Result {
	results := make([]tools.Result, len(calls))
	run := func(i int) {
		c := calls[i]
		results[i] = s.tools.Execute(ctx, t.userID, tools.Call{ID: c.ID, Name: c.Name, Input: c.Input})
	}

	if s.cfg.ParallelTools && len(calls) > 1 {
		var g errgroup.Group
		g.SetLimit(maxParallelTools)
		for i := range calls {
			g.Go(func() error {
				run(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range calls {
			run(i)
		}
	}

	for i, r := range results {
		res.toolsUsed = append(res.toolsUsed, calls[i].Name)
		s.logEvent(t.userID, t.conversationID, "internal", eventToolResult, r.Content,
			map[string]any{"tool": calls[i].Name, "tool_use_id": r.ID, "is_error": r.IsError()})
	}
	return results
}

func hasText(resp *llm.Response) bool {
	for _, b := range resp.Content {
		if b.Type == llm.BlockText {
			return true
		}
	}
	return false
}
