package testrunner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

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

// tracingLLM answers every prompt with one log_trace call activating the
// configured symbols, then a final text.
type tracingLLM struct {
	activate []string
	answer   string
	calls    int
}

func (c *tracingLLM) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.calls++
	// Baseline and evaluation calls carry no tools.
	if len(req.Tools) == 0 {
		if req.System != "" {
			return &llm.Response{Text: `{"scores":{"accuracy":8},"reasoning":"grounded"}`}, nil
		}
		return &llm.Response{Text: "baseline answer"}, nil
	}
	// First tool-bearing call in a turn emits the trace; the follow-up call
	// after the tool result produces the final text.
	last := req.Messages[len(req.Messages)-1]
	if len(last.ToolResults) > 0 {
		return &llm.Response{Text: c.answer}, nil
	}
	if len(c.activate) == 0 {
		return &llm.Response{Text: c.answer}, nil
	}
	var path []map[string]string
	for _, id := range c.activate[1:] {
		path = append(path, map[string]string{"symbol_id": id, "link_type": "supports"})
	}
	input, _ := json.Marshal(map[string]any{
		"entry_node":      c.activate[0],
		"activation_path": path,
	})
	return &llm.Response{
		ToolCalls:  []llm.ToolCall{{ID: "t1", Name: "log_trace", Input: input}},
		StopReason: "tool_use",
	}, nil
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

func newTestRunner(t *testing.T, client llm.Client) *Runner {
	t.Helper()
	st := store.NewMemoryStore()
	sessions := contextsession.NewManager(st)
	sink := trace.NewSink(st)
	deps := tools.Deps{
		Registry: registry.NewService(st, noopIndexer{}),
		Traces:   sink,
		Sessions: sessions,
	}
	processor := inference.NewProcessor(sessions, client, client, prompts.NewCache(st), st, deps)
	return NewRunner(st, sessions, processor, sink)
}

func mustSet(t *testing.T, r *Runner, set models.TestSet) *models.TestSet {
	t.Helper()
	saved, err := r.UpsertSet(context.Background(), set)
	require.NoError(t, err)
	return saved
}

func waitForRun(t *testing.T, r *Runner, id string) *models.TestRun {
	t.Helper()
	r.Wait()
	run, err := r.GetRun(context.Background(), id)
	require.NoError(t, err)
	return run
}

func TestUpsertSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, &tracingLLM{answer: "ok"})

	t.Run("assigns ids", func(t *testing.T) {
		set := mustSet(t, r, models.TestSet{
			Name:  "smoke",
			Tests: []models.TestCase{{Name: "c1", Prompt: "p1"}},
		})
		assert.NotEmpty(t, set.ID)
		assert.NotEmpty(t, set.Tests[0].ID)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		_, err := r.UpsertSet(ctx, models.TestSet{})
		assert.True(t, services.IsValidationError(err))
	})

	t.Run("rejects empty case prompt", func(t *testing.T) {
		_, err := r.UpsertSet(ctx, models.TestSet{
			Name:  "bad",
			Tests: []models.TestCase{{Name: "c1"}},
		})
		assert.True(t, services.IsValidationError(err))
	})
}

func TestRunPassFail(t *testing.T) {
	ctx := context.Background()

	t.Run("expected activations observed", func(t *testing.T) {
		r := newTestRunner(t, &tracingLLM{activate: []string{"sym.a", "sym.b"}, answer: "done"})
		set := mustSet(t, r, models.TestSet{
			Name: "s",
			Tests: []models.TestCase{
				{ID: "c1", Prompt: "p", ExpectedActivations: []string{"sym.a", "sym.b"}},
			},
		})

		run, err := r.StartRun(ctx, adminCtx(), set.ID, false)
		require.NoError(t, err)
		final := waitForRun(t, r, run.ID)

		assert.Equal(t, models.TestRunCompleted, final.Status)
		require.Len(t, final.Results, 1)
		assert.Equal(t, models.TestResultPassed, final.Results[0].Status)
		assert.Empty(t, final.Results[0].MissingActivations)
		assert.Equal(t, "done", final.Results[0].SignalZeroResponse)
		assert.Equal(t, models.TestRunSummary{Total: 1, Completed: 1, Passed: 1}, final.Summary)
	})

	t.Run("missing activation fails the case", func(t *testing.T) {
		r := newTestRunner(t, &tracingLLM{activate: []string{"sym.a"}, answer: "done"})
		set := mustSet(t, r, models.TestSet{
			Name: "s",
			Tests: []models.TestCase{
				{ID: "c1", Prompt: "p", ExpectedActivations: []string{"sym.a", "sym.missing"}},
			},
		})

		run, err := r.StartRun(ctx, adminCtx(), set.ID, false)
		require.NoError(t, err)
		final := waitForRun(t, r, run.ID)

		assert.Equal(t, models.TestRunCompleted, final.Status)
		assert.Equal(t, models.TestResultFailed, final.Results[0].Status)
		assert.Equal(t, []string{"sym.missing"}, final.Results[0].MissingActivations)
		assert.Equal(t, 1, final.Summary.Failed)
	})

	t.Run("empty set rejected", func(t *testing.T) {
		r := newTestRunner(t, &tracingLLM{answer: "ok"})
		set := mustSet(t, r, models.TestSet{Name: "empty"})
		_, err := r.StartRun(ctx, adminCtx(), set.ID, false)
		assert.True(t, services.IsValidationError(err))
	})
}

func TestRunBaselineComparison(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, &tracingLLM{activate: []string{"sym.a"}, answer: "grounded answer"})
	set := mustSet(t, r, models.TestSet{
		Name: "s",
		Tests: []models.TestCase{
			{ID: "c1", Prompt: "p", ExpectedActivations: []string{"sym.a"}},
		},
	})

	run, err := r.StartRun(ctx, adminCtx(), set.ID, true)
	require.NoError(t, err)
	final := waitForRun(t, r, run.ID)

	res := final.Results[0]
	assert.Equal(t, "baseline answer", res.BaselineResponse)
	require.NotNil(t, res.Evaluation)
	assert.Equal(t, 8.0, res.Evaluation.Scores["accuracy"])
	assert.Equal(t, "grounded", res.Evaluation.Reasoning)
}

func TestStopAndResume(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, &tracingLLM{answer: "ok"})
	set := mustSet(t, r, models.TestSet{
		Name: "s",
		Tests: []models.TestCase{
			{ID: "c1", Prompt: "p1"},
			{ID: "c2", Prompt: "p2"},
		},
	})

	// Build the run by hand so the loop is not racing the stop request.
	run := &models.TestRun{
		ID:        "run1",
		TestSetID: set.ID,
		Status:    models.TestRunRunning,
		StartedAt: time.Now(),
		Summary:   models.TestRunSummary{Total: 2},
		Results: []models.TestResult{
			{ID: "c1", Prompt: "p1", Status: models.TestResultPending},
			{ID: "c2", Prompt: "p2", Status: models.TestResultPending},
		},
	}
	require.NoError(t, r.saveRun(ctx, run))
	require.NoError(t, r.store.SAdd(ctx, store.KeyTestRuns, run.ID))
	require.NoError(t, r.StopRun(ctx, run.ID))

	r.runLoop(ctx, adminCtx(), run.ID)

	stopped, err := r.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TestRunStopped, stopped.Status)
	assert.Equal(t, models.TestResultPending, stopped.Results[0].Status)

	resumed, err := r.ResumeRun(ctx, adminCtx(), run.ID)
	require.NoError(t, err)
	final := waitForRun(t, r, resumed.ID)
	assert.Equal(t, models.TestRunCompleted, final.Status)
	assert.Equal(t, 2, final.Summary.Completed)
}

func TestRerunCase(t *testing.T) {
	ctx := context.Background()
	client := &tracingLLM{answer: "ok"}
	r := newTestRunner(t, client)
	set := mustSet(t, r, models.TestSet{
		Name: "s",
		Tests: []models.TestCase{
			{ID: "c1", Prompt: "p", ExpectedActivations: []string{"sym.a"}},
		},
	})

	run, err := r.StartRun(ctx, adminCtx(), set.ID, false)
	require.NoError(t, err)
	final := waitForRun(t, r, run.ID)
	require.Equal(t, models.TestResultFailed, final.Results[0].Status)

	// The registry gained the grounding; the rerun should now pass.
	client.activate = []string{"sym.a"}
	rerun, err := r.RerunCase(ctx, adminCtx(), run.ID, "c1")
	require.NoError(t, err)
	assert.Equal(t, models.TestResultPassed, rerun.Results[0].Status)
	assert.Equal(t, 1, rerun.Summary.Passed)

	_, err = r.RerunCase(ctx, adminCtx(), run.ID, "nope")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestRunSessionsAreTestOrigin(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t, &tracingLLM{answer: "ok"})
	set := mustSet(t, r, models.TestSet{
		Name:  "s",
		Tests: []models.TestCase{{ID: "c1", Prompt: "p"}},
	})

	run, err := r.StartRun(ctx, adminCtx(), set.ID, false)
	require.NoError(t, err)
	waitForRun(t, r, run.ID)

	sessions, err := r.sessions.List(ctx, adminCtx())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "test", sessions[0].Metadata["origin"])
}
