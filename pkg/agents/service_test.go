package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/tools"
	"github.com/signalzero/kernel/pkg/trace"
)

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Chat(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: f.reply}, nil
}

type noopIndexer struct{}

func (noopIndexer) IndexSymbol(context.Context, *models.Symbol) (bool, error) { return true, nil }
func (noopIndexer) RemoveSymbol(context.Context, string) error                { return nil }
func (noopIndexer) Search(context.Context, string, registry.SearchOptions) ([]registry.Hit, error) {
	return nil, nil
}

func adminCtx() auth.Context {
	return auth.Context{UserID: "admin-1", Username: "root", Role: models.RoleAdmin}
}

func userCtx(id string) auth.Context {
	return auth.Context{UserID: id, Username: "user-" + id, Role: models.RoleUser}
}

func newTestService(t *testing.T, reply string) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := contextsession.NewManager(st)
	sink := trace.NewSink(st)
	client := &fakeLLM{reply: reply}
	deps := tools.Deps{
		Registry: registry.NewService(st, noopIndexer{}),
		Traces:   sink,
		Sessions: sessions,
	}
	processor := inference.NewProcessor(sessions, client, client, prompts.NewCache(st), st, deps)
	return NewService(st, sessions, processor, sink), st
}

func TestUpsertAgent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "ok")

	t.Run("valid cron accepted", func(t *testing.T) {
		agent, err := s.Upsert(ctx, adminCtx(), models.Agent{
			Prompt:   "review the day",
			Schedule: "*/5 * * * *",
			Enabled:  true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, agent.ID)
		assert.False(t, agent.CreatedAt.IsZero())
	})

	t.Run("malformed cron rejected", func(t *testing.T) {
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{
			Prompt:   "p",
			Schedule: "every tuesday",
		})
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("missing prompt rejected", func(t *testing.T) {
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{Schedule: "* * * * *"})
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("update preserves creation and run metadata", func(t *testing.T) {
		created, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "v1"})
		require.NoError(t, err)
		updated, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "v2"})
		require.NoError(t, err)
		assert.WithinDuration(t, created.CreatedAt, updated.CreatedAt, 0)
		assert.Equal(t, "v2", updated.Prompt)
	})
}

func TestAgentVisibility(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "ok")
	_, err := s.Upsert(ctx, userCtx("u1"), models.Agent{ID: "mine", Prompt: "p"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, userCtx("u2"), models.Agent{ID: "theirs", Prompt: "p"})
	require.NoError(t, err)

	agents, err := s.List(ctx, userCtx("u1"))
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "mine", agents[0].ID)

	_, err = s.Get(ctx, userCtx("u1"), "theirs")
	assert.ErrorIs(t, err, services.ErrNotFound)

	all, err := s.List(ctx, adminCtx())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestExecuteAgent(t *testing.T) {
	ctx := context.Background()

	t.Run("records a completed execution", func(t *testing.T) {
		s, _ := newTestService(t, "daily report done")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "write the report"})
		require.NoError(t, err)

		execLog, err := s.Execute(ctx, adminCtx(), "a1", "")
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionCompleted, execLog.Status)
		assert.Equal(t, "daily report done", execLog.ResponsePreview)
		require.NotNil(t, execLog.FinishedAt)

		agent, err := s.Get(ctx, adminCtx(), "a1")
		require.NoError(t, err)
		assert.Equal(t, string(models.ExecutionCompleted), agent.LastStatus)
		require.NotNil(t, agent.LastRunAt)
	})

	t.Run("reuses the agent session", func(t *testing.T) {
		s, st := newTestService(t, "ok")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "p"})
		require.NoError(t, err)

		_, err = s.Execute(ctx, adminCtx(), "a1", "")
		require.NoError(t, err)
		first, err := st.Get(ctx, store.AgentSessionKey("a1"))
		require.NoError(t, err)

		_, err = s.Execute(ctx, adminCtx(), "a1", "")
		require.NoError(t, err)
		second, err := st.Get(ctx, store.AgentSessionKey("a1"))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("concurrent execution is dropped", func(t *testing.T) {
		s, st := newTestService(t, "ok")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "p"})
		require.NoError(t, err)

		acquired, err := st.SetNX(ctx, store.AgentRunningKey("a1"), "1", 0)
		require.NoError(t, err)
		require.True(t, acquired)

		_, err = s.Execute(ctx, adminCtx(), "a1", "")
		assert.ErrorIs(t, err, services.ErrAlreadyRunning)
	})

	t.Run("message override replaces the prompt", func(t *testing.T) {
		s, _ := newTestService(t, "ok")
		_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "standing prompt"})
		require.NoError(t, err)

		_, err = s.Execute(ctx, adminCtx(), "a1", "one-off task")
		require.NoError(t, err)

		sessionID, err := s.store.Get(ctx, store.AgentSessionKey("a1"))
		require.NoError(t, err)
		turns, err := s.sessions.History(ctx, sessionID)
		require.NoError(t, err)
		require.NotEmpty(t, turns)
		assert.Equal(t, "one-off task", turns[0].Content)
	})
}

func TestExecutionLogs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "ok")
	_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "a1", Prompt: "p"})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, adminCtx(), models.Agent{ID: "a2", Prompt: "p"})
	require.NoError(t, err)

	_, err = s.Execute(ctx, adminCtx(), "a1", "")
	require.NoError(t, err)
	_, err = s.Execute(ctx, adminCtx(), "a2", "")
	require.NoError(t, err)

	all, err := s.Logs(ctx, adminCtx(), "", 10, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	only, err := s.Logs(ctx, adminCtx(), "a1", 10, false)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "a1", only[0].AgentID)
	assert.Nil(t, only[0].Traces)
}

func TestReplaceAllAgents(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t, "ok")
	_, err := s.Upsert(ctx, adminCtx(), models.Agent{ID: "old", Prompt: "p"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceAll(ctx, adminCtx(), []models.Agent{
		{ID: "new1", Prompt: "p1"},
		{ID: "new2", Prompt: "p2"},
	}))

	agents, err := s.List(ctx, adminCtx())
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "new1", agents[0].ID)

	assert.ErrorIs(t, s.ReplaceAll(ctx, userCtx("u1"), nil), services.ErrForbidden)
}
