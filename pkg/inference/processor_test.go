package inference

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/tools"
	"github.com/signalzero/kernel/pkg/trace"
)

type scriptedClient struct {
	responses []*llm.Response
	errs      []error
	calls     int
	requests  []llm.Request
	onCall    func(step int)
}

func (c *scriptedClient) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	step := c.calls
	c.calls++
	c.requests = append(c.requests, req)
	if c.onCall != nil {
		c.onCall(step)
	}
	if step < len(c.errs) && c.errs[step] != nil {
		return nil, c.errs[step]
	}
	if step < len(c.responses) {
		return c.responses[step], nil
	}
	return &llm.Response{Text: "done"}, nil
}

type noopIndexer struct{}

func (noopIndexer) IndexSymbol(context.Context, *models.Symbol) (bool, error) { return true, nil }
func (noopIndexer) RemoveSymbol(context.Context, string) error                { return nil }
func (noopIndexer) Search(context.Context, string, registry.SearchOptions) ([]registry.Hit, error) {
	return nil, nil
}

type fixture struct {
	processor *Processor
	sessions  *contextsession.Manager
	store     *store.MemoryStore
	client    *scriptedClient
}

func newFixture(t *testing.T, client *scriptedClient) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := contextsession.NewManager(st)
	deps := tools.Deps{
		Registry: registry.NewService(st, noopIndexer{}),
		Traces:   trace.NewSink(st),
		Sessions: sessions,
	}
	return &fixture{
		processor: NewProcessor(sessions, client, client, prompts.NewCache(st), st, deps),
		sessions:  sessions,
		store:     st,
		client:    client,
	}
}

func adminCtx() auth.Context {
	return auth.Context{UserID: "admin-1", Username: "root", Role: models.RoleAdmin}
}

func (f *fixture) newSession(t *testing.T) *models.ContextSession {
	t.Helper()
	session, err := f.sessions.Create(context.Background(), adminCtx(), models.SessionTypeConversation, nil, nil)
	require.NoError(t, err)
	return session
}

func (f *fixture) run(t *testing.T, sessionID, message, messageID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.sessions.SetActiveMessage(ctx, sessionID, messageID))
	f.processor.process(ctx, adminCtx(), sessionID, message, messageID, true)
}

func turnsByRole(t *testing.T, f *fixture, sessionID string, role models.TurnRole) []models.Turn {
	t.Helper()
	turns, err := f.sessions.History(context.Background(), sessionID)
	require.NoError(t, err)
	var out []models.Turn
	for _, turn := range turns {
		if turn.Role == role {
			out = append(out, turn)
		}
	}
	return out
}

func TestProcessFinalText(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{{Text: "the answer"}}})
	session := f.newSession(t)

	f.run(t, session.ID, "question", "m1")

	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "the answer", model[0].Content)
	assert.Equal(t, "m1", model[0].CorrelationID)

	busy, err := f.sessions.HasActiveMessage(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestProcessToolRoundTrip(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "list_domains", Input: json.RawMessage(`{}`)}}},
		{Text: "grounded answer"},
	}})
	session := f.newSession(t)

	f.run(t, session.ID, "what domains exist?", "m1")

	toolTurns := turnsByRole(t, f, session.ID, models.TurnRoleTool)
	require.Len(t, toolTurns, 1)
	assert.Equal(t, "list_domains", toolTurns[0].Metadata["tool"])
	assert.Equal(t, "m1", toolTurns[0].CorrelationID)

	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "grounded answer", model[0].Content)

	// The second request must carry the tool result back to the model.
	require.Len(t, f.client.requests, 2)
	last := f.client.requests[1].Messages
	require.NotEmpty(t, last)
	assert.NotEmpty(t, last[len(last)-1].ToolResults)
}

func TestProcessToolErrorContinuesLoop(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "get_symbol", Input: json.RawMessage(`{"id":"ghost"}`)}}},
		{Text: "recovered"},
	}})
	session := f.newSession(t)

	f.run(t, session.ID, "look up ghost", "m1")

	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "recovered", model[0].Content)

	require.Len(t, f.client.requests, 2)
	last := f.client.requests[1].Messages
	results := last[len(last)-1].ToolResults
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestProcessCancellation(t *testing.T) {
	var f *fixture
	var sessionID string
	client := &scriptedClient{
		responses: []*llm.Response{
			{ToolCalls: []llm.ToolCall{{ID: "t1", Name: "list_domains", Input: json.RawMessage(`{}`)}}},
			{Text: "should never be recorded"},
		},
		onCall: func(step int) {
			if step == 0 {
				// Cancel while the first call is in flight.
				require.NoError(t, f.sessions.RequestCancellation(context.Background(), adminCtx(), sessionID))
			}
		},
	}
	f = newFixture(t, client)
	session := f.newSession(t)
	sessionID = session.ID

	f.run(t, session.ID, "question", "m1")

	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "cancelled", model[0].Metadata["kind"])

	// No tool was dispatched after the cancellation was observed.
	assert.Empty(t, turnsByRole(t, f, session.ID, models.TurnRoleTool))
	assert.Equal(t, 1, client.calls)

	cancelled, err := f.sessions.CancellationRequested(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "flag cleared with the lock")
}

func TestProcessStepBudget(t *testing.T) {
	var responses []*llm.Response
	for range MaxSteps + 2 {
		responses = append(responses, &llm.Response{
			ToolCalls: []llm.ToolCall{{ID: "t", Name: "list_domains", Input: json.RawMessage(`{}`)}},
		})
	}
	f := newFixture(t, &scriptedClient{responses: responses})
	session := f.newSession(t)

	f.run(t, session.ID, "loop forever", "m1")

	assert.Equal(t, MaxSteps, f.client.calls)
	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "budget_exceeded", model[0].Metadata["kind"])
}

func TestProcessRetriesTransportErrors(t *testing.T) {
	f := newFixture(t, &scriptedClient{
		errs:      []error{errors.New("transient"), errors.New("transient")},
		responses: []*llm.Response{nil, nil, {Text: "third time lucky"}},
	})
	session := f.newSession(t)

	f.run(t, session.ID, "question", "m1")

	assert.Equal(t, 3, f.client.calls)
	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "third time lucky", model[0].Content)
}

func TestProcessFailureAfterRetries(t *testing.T) {
	f := newFixture(t, &scriptedClient{
		errs: []error{errors.New("down"), errors.New("down"), errors.New("down")},
	})
	session := f.newSession(t)

	f.run(t, session.ID, "question", "m1")

	assert.Equal(t, 3, f.client.calls)
	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 1)
	assert.Equal(t, "error", model[0].Metadata["kind"])

	busy, err := f.sessions.HasActiveMessage(context.Background(), session.ID)
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestProcessDrainsQueue(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{
		{Text: "first answer"},
		{Text: "second answer"},
	}})
	session := f.newSession(t)
	ctx := context.Background()
	require.NoError(t, f.sessions.EnqueueMessage(ctx, session.ID, "queued question", "src"))

	f.run(t, session.ID, "first question", "m1")

	model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
	require.Len(t, model, 2)
	assert.Equal(t, "first answer", model[0].Content)
	assert.Equal(t, "second answer", model[1].Content)
	assert.Equal(t, "m1", model[0].CorrelationID)
	// Drained turns carry a synthetic queued-<ts> ID.
	assert.Regexp(t, `^queued-\d+$`, model[1].CorrelationID)

	queued, err := f.sessions.HasQueuedMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestExpandAttachments(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{{Text: "ok"}}})
	ctx := context.Background()
	id := "123e4567-e89b-12d3-a456-426614174000"
	require.NoError(t, f.store.Set(ctx, store.AttachmentKey(id), "FULL DOCUMENT BODY", store.AttachmentTTL))

	session := f.newSession(t)
	f.run(t, session.ID, "summarize attachment:"+id, "m1")

	require.Len(t, f.client.requests, 1)
	sent := f.client.requests[0].Messages
	require.Len(t, sent, 1)
	assert.Equal(t, "summarize FULL DOCUMENT BODY", sent[0].Content)

	// History keeps the reference, not the expansion.
	userTurns := turnsByRole(t, f, session.ID, models.TurnRoleUser)
	require.Len(t, userTurns, 1)
	assert.Contains(t, userTurns[0].Content, "attachment:"+id)
}

func TestRecoverInterrupted(t *testing.T) {
	ctx := context.Background()

	t.Run("resumes the last user turn", func(t *testing.T) {
		f := newFixture(t, &scriptedClient{responses: []*llm.Response{{Text: "recovered answer"}}})
		session := f.newSession(t)
		_, err := f.sessions.RecordMessage(ctx, session.ID, models.Turn{
			Role: models.TurnRoleUser, Content: "interrupted question", CorrelationID: "m9",
		})
		require.NoError(t, err)
		require.NoError(t, f.sessions.SetActiveMessage(ctx, session.ID, "m9"))

		require.NoError(t, f.processor.RecoverInterrupted(ctx))
		f.processor.Wait()

		model := turnsByRole(t, f, session.ID, models.TurnRoleModel)
		require.Len(t, model, 1)
		assert.Equal(t, "recovered answer", model[0].Content)
		assert.Equal(t, "m9", model[0].CorrelationID)

		// The user turn was not duplicated.
		assert.Len(t, turnsByRole(t, f, session.ID, models.TurnRoleUser), 1)
	})

	t.Run("clears locks with no user turn", func(t *testing.T) {
		f := newFixture(t, &scriptedClient{})
		session := f.newSession(t)
		require.NoError(t, f.sessions.SetActiveMessage(ctx, session.ID, "stale"))

		require.NoError(t, f.processor.RecoverInterrupted(ctx))
		f.processor.Wait()

		busy, err := f.sessions.HasActiveMessage(ctx, session.ID)
		require.NoError(t, err)
		assert.False(t, busy)
		assert.Zero(t, f.client.calls)
	})
}

func TestEvaluateComparison(t *testing.T) {
	f := newFixture(t, &scriptedClient{responses: []*llm.Response{{
		Text: "Here is the verdict:\n{\"scores\":{\"accuracy\":8,\"depth\":7,\"coherence\":9,\"grounding\":9},\"reasoning\":\"grounded\"}",
	}}})

	eval, err := f.processor.EvaluateComparison(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.InDelta(t, 8, eval.Scores["accuracy"], 1e-9)
	assert.Equal(t, "grounded", eval.Reasoning)
}
