package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/aj-server/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().UTC()
	require.NoError(t, s.UpsertUser(ctx, &domain.User{UserID: "u1", LastSeenAt: now, CreatedAt: now, UpdatedAt: now}))
	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.LastSeenAt.Equal(now))
}

func TestEnsureConversationKeepsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	conv, err := s.EnsureConversation(ctx, "u1", "c1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.MessageCount)
	assert.Nil(t, conv.Context)

	require.NoError(t, s.TouchConversation(ctx, "u1", "c1", 2, time.Now()))

	sc := &domain.ScreenContext{Type: domain.ScreenModule, ModuleID: "m1"}
	conv, err = s.EnsureConversation(ctx, "u1", "c1", sc)
	require.NoError(t, err)
	assert.Equal(t, 2, conv.MessageCount)
	require.NotNil(t, conv.Context)
	assert.Equal(t, "m1", conv.Context.ModuleID)

	_, err = s.GetConversation(ctx, "u2", "c1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.TouchConversation(ctx, "u2", "c1", 1, time.Now()), ErrNotFound)
}

func TestListMessagesReturnsRecentWindowAscending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.EnsureConversation(ctx, "u1", "c1", nil)
	require.NoError(t, err)

	for _, content := range []string{"one", "two", "three", "four"} {
		require.NoError(t, s.AddMessage(ctx, "u1", "c1", &domain.Message{Role: domain.RoleUser, Content: content}))
	}

	msgs, err := s.ListMessages(ctx, "u1", "c1", MessageQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "three", msgs[0].Content)
	assert.Equal(t, "four", msgs[1].Content)

	older, err := s.ListMessages(ctx, "u1", "c1", MessageQuery{BeforeSeq: msgs[0].Seq})
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "one", older[0].Content)
}

func TestResolveApprovalIsSingleShot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.EnsureConversation(ctx, "u1", "c1", nil)
	require.NoError(t, err)

	msg := &domain.Message{
		Role:           domain.RoleAssistant,
		Content:        "I'd like to record that.",
		PendingActions: []domain.PendingAction{{ToolUseID: "t1", Name: "createEntry", Input: []byte(`{"moduleId":"m1"}`), Description: "Create entry"}},
		ApprovalStatus: domain.ApprovalPending,
		Continuation:   &domain.Continuation{AssistantBlocks: []byte(`[{"type":"tool_use","id":"t1"}]`)},
	}
	require.NoError(t, s.AddMessage(ctx, "u1", "c1", msg))
	require.NotEmpty(t, msg.ID)

	got, err := s.GetMessage(ctx, "u1", "c1", msg.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPendingApproval())
	require.NotNil(t, got.Continuation)
	assert.JSONEq(t, `[{"type":"tool_use","id":"t1"}]`, string(got.Continuation.AssistantBlocks))

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.ResolveApproval(ctx, "u1", "c1", msg.ID, domain.ApprovalApproved)
		}(i)
	}
	wg.Wait()

	var ok, notPending int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNotPending):
			notPending++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, notPending)

	assert.ErrorIs(t, s.ResolveApproval(ctx, "u1", "c1", "missing", domain.ApprovalApproved), ErrNotFound)

	outcomes := []domain.ActionOutcome{{ToolUseID: "t1", Approved: true, Content: `{"id":"e1"}`}}
	require.NoError(t, s.RecordOutcomes(ctx, "u1", "c1", msg.ID, outcomes))
	got, err = s.GetMessage(ctx, "u1", "c1", msg.ID)
	require.NoError(t, err)
	assert.Equal(t, outcomes, got.Outcomes)
	assert.False(t, got.IsPendingApproval())
}

func TestModuleUpsertAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	m := &domain.Module{
		ID:   "fin",
		Name: "Finance",
		Schemas: map[string]domain.Schema{
			"expense": {Label: "Expense", Fields: map[string]domain.FieldDef{
				"amount": {Type: domain.FieldCurrency, Label: "Amount", Required: true},
			}},
		},
	}
	require.NoError(t, s.UpsertModule(ctx, "u1", m))

	got, err := s.GetModule(ctx, "u1", "fin")
	require.NoError(t, err)
	assert.Equal(t, "Finance", got.Name)
	assert.True(t, got.Schemas["expense"].Fields["amount"].Required)

	_, err = s.GetModule(ctx, "u2", "fin")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListModules(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestEntriesInsertListAndMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	first := []*domain.Entry{{SchemaKey: "account", Data: map[string]any{"name": "Checking", "balance": 100}}}
	require.NoError(t, s.InsertEntries(ctx, "u1", "fin", first))
	second := []*domain.Entry{
		{ID: "b", SchemaKey: "expense", Data: map[string]any{"amount": 5}},
		{ID: "a", SchemaKey: "expense", Data: map[string]any{"amount": 7}},
	}
	require.NoError(t, s.InsertEntries(ctx, "u1", "fin", second))

	all, err := s.ListEntries(ctx, "u1", "fin", "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
	assert.Equal(t, first[0].ID, all[2].ID)

	expenses, err := s.ListEntries(ctx, "u1", "fin", "expense")
	require.NoError(t, err)
	assert.Len(t, expenses, 2)

	accountID := first[0].ID
	require.NoError(t, s.MergeEntryFields(ctx, "u1", "fin", map[string]map[string]any{
		accountID: {"balance": 88.0},
	}))
	acct, err := s.GetEntry(ctx, "u1", "fin", accountID)
	require.NoError(t, err)
	assert.Equal(t, 88.0, acct.Data["balance"])
	assert.Equal(t, "Checking", acct.Data["name"])
	assert.True(t, acct.UpdatedAt.After(acct.CreatedAt))
}

func TestMergeEntryFieldsIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	entries := []*domain.Entry{{ID: "a", SchemaKey: "account", Data: map[string]any{"balance": 1.0}}}
	require.NoError(t, s.InsertEntries(ctx, "u1", "fin", entries))

	err := s.MergeEntryFields(ctx, "u1", "fin", map[string]map[string]any{
		"a":       {"balance": 2.0},
		"missing": {"balance": 3.0},
	})
	require.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetEntry(ctx, "u1", "fin", "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Data["balance"])
}
