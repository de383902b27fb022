// Package testrunner evaluates test sets: each case runs its prompt through a
// fresh test-origin session, and the traces recorded during the turn decide
// pass or fail against the case's expected activations.
package testrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/trace"
)

// Runner owns test sets and runs.
type Runner struct {
	store     store.Store
	sessions  *contextsession.Manager
	processor *inference.Processor
	traces    *trace.Sink
	now       func() time.Time

	wg sync.WaitGroup
}

// NewRunner wires the test runner.
func NewRunner(st store.Store, sessions *contextsession.Manager, processor *inference.Processor, traces *trace.Sink) *Runner {
	return &Runner{
		store:     st,
		sessions:  sessions,
		processor: processor,
		traces:    traces,
		now:       time.Now,
	}
}

// Wait blocks until all background runs finish. Used by graceful shutdown.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// UpsertSet creates or replaces a test set. Case IDs are assigned when absent.
func (r *Runner) UpsertSet(ctx context.Context, set models.TestSet) (*models.TestSet, error) {
	if set.Name == "" {
		return nil, services.NewValidationError("name", "required")
	}
	if set.ID == "" {
		set.ID = uuid.New().String()
	}
	for i := range set.Tests {
		if set.Tests[i].Prompt == "" {
			return nil, services.NewValidationError(fmt.Sprintf("tests[%d].prompt", i), "required")
		}
		if set.Tests[i].ID == "" {
			set.Tests[i].ID = uuid.New().String()
		}
	}

	existing, err := r.GetSet(ctx, set.ID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}
	now := r.now()
	if existing != nil {
		set.CreatedAt = existing.CreatedAt
	} else {
		set.CreatedAt = now
	}
	set.UpdatedAt = now

	if err := r.saveSet(ctx, &set); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, store.KeyTestSets, set.ID); err != nil {
		return nil, fmt.Errorf("registering test set: %w", err)
	}
	return &set, nil
}

// ListSets returns all test sets sorted by ID.
func (r *Runner) ListSets(ctx context.Context) ([]models.TestSet, error) {
	ids, err := r.store.SMembers(ctx, store.KeyTestSets)
	if err != nil {
		return nil, fmt.Errorf("listing test sets: %w", err)
	}
	var out []models.TestSet
	for _, id := range ids {
		set, err := r.GetSet(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *set)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetSet loads one test set.
func (r *Runner) GetSet(ctx context.Context, id string) (*models.TestSet, error) {
	raw, err := r.store.Get(ctx, store.TestSetKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading test set %s: %w", id, err)
	}
	var set models.TestSet
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return nil, fmt.Errorf("decoding test set %s: %w", id, err)
	}
	return &set, nil
}

// DeleteSet removes a test set. Past runs remain readable.
func (r *Runner) DeleteSet(ctx context.Context, id string) error {
	if _, err := r.GetSet(ctx, id); err != nil {
		return err
	}
	if err := r.store.SRem(ctx, store.KeyTestSets, id); err != nil {
		return fmt.Errorf("deregistering test set: %w", err)
	}
	return r.store.Del(ctx, store.TestSetKey(id))
}

// ReplaceAllSets swaps the full test-set collection. Used by project import.
func (r *Runner) ReplaceAllSets(ctx context.Context, sets []models.TestSet) error {
	ids, err := r.store.SMembers(ctx, store.KeyTestSets)
	if err != nil {
		return fmt.Errorf("listing test sets: %w", err)
	}
	for _, id := range ids {
		_ = r.store.Del(ctx, store.TestSetKey(id))
		_ = r.store.SRem(ctx, store.KeyTestSets, id)
	}
	for _, set := range sets {
		if _, err := r.UpsertSet(ctx, set); err != nil {
			return fmt.Errorf("importing test set %s: %w", set.ID, err)
		}
	}
	return nil
}

// StartRun creates a run over a test set with every case pending and launches
// the evaluation in the background.
func (r *Runner) StartRun(ctx context.Context, ac auth.Context, testSetID string, compareWithBaseModel bool) (*models.TestRun, error) {
	set, err := r.GetSet(ctx, testSetID)
	if err != nil {
		return nil, err
	}
	if len(set.Tests) == 0 {
		return nil, services.NewValidationError("tests", "test set has no cases")
	}

	run := &models.TestRun{
		ID:                   uuid.New().String(),
		TestSetID:            set.ID,
		Status:               models.TestRunRunning,
		CompareWithBaseModel: compareWithBaseModel,
		StartedAt:            r.now(),
		Summary:              models.TestRunSummary{Total: len(set.Tests)},
	}
	for _, tc := range set.Tests {
		run.Results = append(run.Results, models.TestResult{
			ID:     tc.ID,
			Prompt: tc.Prompt,
			Status: models.TestResultPending,
		})
	}
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, store.KeyTestRuns, run.ID); err != nil {
		return nil, fmt.Errorf("registering test run: %w", err)
	}

	r.launch(ac, run.ID)
	return run, nil
}

// StopRun requests that a running run stop after the current case.
func (r *Runner) StopRun(ctx context.Context, id string) error {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != models.TestRunRunning {
		return services.ErrConflict
	}
	return r.store.Set(ctx, store.TestRunStopKey(id), "1", 0)
}

// ResumeRun restarts evaluation of a stopped run's remaining pending cases.
func (r *Runner) ResumeRun(ctx context.Context, ac auth.Context, id string) (*models.TestRun, error) {
	run, err := r.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status == models.TestRunRunning {
		return nil, services.ErrAlreadyRunning
	}
	if err := r.store.Del(ctx, store.TestRunStopKey(id)); err != nil {
		return nil, fmt.Errorf("clearing stop flag: %w", err)
	}
	run.Status = models.TestRunRunning
	run.FinishedAt = nil
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}
	r.launch(ac, id)
	return run, nil
}

// RerunCase re-evaluates a single case of a finished run synchronously.
func (r *Runner) RerunCase(ctx context.Context, ac auth.Context, runID, caseID string) (*models.TestRun, error) {
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.TestRunRunning {
		return nil, services.ErrAlreadyRunning
	}
	set, err := r.GetSet(ctx, run.TestSetID)
	if err != nil {
		return nil, err
	}

	idx := -1
	for i := range run.Results {
		if run.Results[i].ID == caseID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, services.ErrNotFound
	}
	var tc *models.TestCase
	for i := range set.Tests {
		if set.Tests[i].ID == caseID {
			tc = &set.Tests[i]
			break
		}
	}
	if tc == nil {
		return nil, services.ErrNotFound
	}

	run.Results[idx] = r.evaluateCase(ctx, ac, *tc, run.CompareWithBaseModel)
	recomputeSummary(run)
	if err := r.saveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (r *Runner) ListRuns(ctx context.Context, limit int) ([]models.TestRun, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.store.SMembers(ctx, store.KeyTestRuns)
	if err != nil {
		return nil, fmt.Errorf("listing test runs: %w", err)
	}
	var out []models.TestRun
	for _, id := range ids {
		run, err := r.GetRun(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRun loads one run.
func (r *Runner) GetRun(ctx context.Context, id string) (*models.TestRun, error) {
	raw, err := r.store.Get(ctx, store.TestRunKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading test run %s: %w", id, err)
	}
	var run models.TestRun
	if err := json.Unmarshal([]byte(raw), &run); err != nil {
		return nil, fmt.Errorf("decoding test run %s: %w", id, err)
	}
	return &run, nil
}

// launch starts the background evaluation loop for a run.
func (r *Runner) launch(ac auth.Context, runID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(context.Background(), ac, runID)
	}()
}

// runLoop evaluates every pending case in order, persisting after each one so
// progress survives a crash. A stop request takes effect between cases.
func (r *Runner) runLoop(ctx context.Context, ac auth.Context, runID string) {
	logger := slog.With("test_run_id", runID)
	run, err := r.GetRun(ctx, runID)
	if err != nil {
		logger.Error("Failed to load test run", "error", err)
		return
	}
	set, err := r.GetSet(ctx, run.TestSetID)
	if err != nil {
		logger.Error("Failed to load test set for run", "error", err)
		r.finishRun(ctx, run, models.TestRunFailed)
		return
	}
	cases := make(map[string]models.TestCase, len(set.Tests))
	for _, tc := range set.Tests {
		cases[tc.ID] = tc
	}

	for i := range run.Results {
		if run.Results[i].Status != models.TestResultPending {
			continue
		}
		if r.stopRequested(ctx, runID) {
			r.finishRun(ctx, run, models.TestRunStopped)
			return
		}
		tc, ok := cases[run.Results[i].ID]
		if !ok {
			run.Results[i].Status = models.TestResultFailed
			continue
		}

		run.Results[i].Status = models.TestResultRunning
		if err := r.saveRun(ctx, run); err != nil {
			logger.Error("Failed to persist run progress", "error", err)
		}

		run.Results[i] = r.evaluateCase(ctx, ac, tc, run.CompareWithBaseModel)
		recomputeSummary(run)
		if err := r.saveRun(ctx, run); err != nil {
			logger.Error("Failed to persist case result", "case_id", tc.ID, "error", err)
		}
	}

	r.finishRun(ctx, run, models.TestRunCompleted)
}

// evaluateCase runs one prompt through a fresh test-origin session and decides
// pass/fail from the traces recorded during the turn.
func (r *Runner) evaluateCase(ctx context.Context, ac auth.Context, tc models.TestCase, compare bool) models.TestResult {
	result := models.TestResult{
		ID:     tc.ID,
		Prompt: tc.Prompt,
		Status: models.TestResultFailed,
	}

	session, err := r.sessions.Create(ctx, ac, models.SessionTypeConversation,
		map[string]string{"origin": "test", "test_case_id": tc.ID}, nil)
	if err != nil {
		slog.Error("Failed to create test session", "case_id", tc.ID, "error", err)
		return result
	}

	started := r.now()
	messageID := uuid.New().String()
	if err := r.sessions.SetActiveMessage(ctx, session.ID, messageID); err != nil {
		slog.Error("Failed to lock test session", "case_id", tc.ID, "error", err)
		return result
	}
	r.processor.ProcessMessage(ctx, ac, session.ID, tc.Prompt, messageID)

	result.SignalZeroResponse = r.finalModelText(ctx, session.ID, messageID)
	result.MissingActivations = r.missingActivations(ctx, session.ID, started, tc.ExpectedActivations)
	if len(result.MissingActivations) == 0 {
		result.Status = models.TestResultPassed
	}

	if compare {
		baseline, err := r.processor.RunBaselineTest(ctx, tc.Prompt)
		if err != nil {
			slog.Warn("Baseline call failed", "case_id", tc.ID, "error", err)
		} else {
			result.BaselineResponse = baseline
			eval, err := r.processor.EvaluateComparison(ctx, result.SignalZeroResponse, baseline)
			if err != nil {
				slog.Warn("Evaluation call failed", "case_id", tc.ID, "error", err)
			} else {
				result.Evaluation = eval
			}
		}
	}
	return result
}

// missingActivations returns the expected symbol IDs that no trace recorded
// during the turn activated.
func (r *Runner) missingActivations(ctx context.Context, sessionID string, since time.Time, expected []string) []string {
	traces, err := r.traces.ListBySession(ctx, sessionID, since)
	if err != nil {
		slog.Warn("Failed to collect case traces", "session_id", sessionID, "error", err)
		return append([]string(nil), expected...)
	}
	activated := make(map[string]struct{})
	for i := range traces {
		for _, id := range traces[i].ActivatedSymbols() {
			activated[id] = struct{}{}
		}
	}
	var missing []string
	for _, id := range expected {
		if _, ok := activated[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// finalModelText returns the content of the turn's last model entry.
func (r *Runner) finalModelText(ctx context.Context, sessionID, messageID string) string {
	turns, err := r.sessions.History(ctx, sessionID)
	if err != nil {
		return ""
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.TurnRoleModel && turns[i].CorrelationID == messageID {
			return turns[i].Content
		}
	}
	return ""
}

func (r *Runner) stopRequested(ctx context.Context, runID string) bool {
	_, err := r.store.Get(ctx, store.TestRunStopKey(runID))
	return err == nil
}

func (r *Runner) finishRun(ctx context.Context, run *models.TestRun, status models.TestRunStatus) {
	finished := r.now()
	run.Status = status
	run.FinishedAt = &finished
	recomputeSummary(run)
	if err := r.saveRun(ctx, run); err != nil {
		slog.Error("Failed to finalize test run", "test_run_id", run.ID, "error", err)
	}
	if err := r.store.Del(context.WithoutCancel(ctx), store.TestRunStopKey(run.ID)); err != nil {
		slog.Warn("Failed to clear stop flag", "test_run_id", run.ID, "error", err)
	}
}

func recomputeSummary(run *models.TestRun) {
	summary := models.TestRunSummary{Total: len(run.Results)}
	for _, res := range run.Results {
		switch res.Status {
		case models.TestResultPassed:
			summary.Completed++
			summary.Passed++
		case models.TestResultFailed:
			summary.Completed++
			summary.Failed++
		}
	}
	run.Summary = summary
}

func (r *Runner) saveSet(ctx context.Context, set *models.TestSet) error {
	raw, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("encoding test set: %w", err)
	}
	return r.store.Set(ctx, store.TestSetKey(set.ID), string(raw), 0)
}

func (r *Runner) saveRun(ctx context.Context, run *models.TestRun) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding test run: %w", err)
	}
	return r.store.Set(ctx, store.TestRunKey(run.ID), string(raw), 0)
}
