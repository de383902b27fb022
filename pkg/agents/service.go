// Package agents runs durable scheduled prompts: agent definitions, the cron
// evaluation loop, the per-agent single-flight guard and the execution log.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/services"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/trace"
)

const previewLimit = 200

// Service owns agent definitions and executions.
type Service struct {
	store     store.Store
	sessions  *contextsession.Manager
	processor *inference.Processor
	traces    *trace.Sink
	now       func() time.Time
}

// NewService wires the agent service.
func NewService(st store.Store, sessions *contextsession.Manager, processor *inference.Processor, traces *trace.Sink) *Service {
	return &Service{
		store:     st,
		sessions:  sessions,
		processor: processor,
		traces:    traces,
		now:       time.Now,
	}
}

// Upsert creates or replaces an agent. Malformed cron expressions are
// rejected here, not at tick time.
func (s *Service) Upsert(ctx context.Context, ac auth.Context, agent models.Agent) (*models.Agent, error) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Prompt == "" {
		return nil, services.NewValidationError("prompt", "required")
	}
	if agent.Schedule != "" {
		if _, err := cron.ParseStandard(agent.Schedule); err != nil {
			return nil, services.NewValidationError("schedule", fmt.Sprintf("invalid cron expression: %v", err))
		}
	}
	if agent.OwnerUserID == nil && ac.UserID != "" {
		owner := ac.UserID
		agent.OwnerUserID = &owner
	}

	existing, err := s.load(ctx, agent.ID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return nil, err
	}
	now := s.now()
	if existing != nil {
		if !visible(ac, existing) {
			return nil, services.ErrNotFound
		}
		agent.CreatedAt = existing.CreatedAt
		agent.LastRunAt = existing.LastRunAt
		agent.LastStatus = existing.LastStatus
	} else {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	if err := s.save(ctx, &agent); err != nil {
		return nil, err
	}
	if err := s.store.SAdd(ctx, store.KeyAgents, agent.ID); err != nil {
		return nil, fmt.Errorf("registering agent: %w", err)
	}
	return &agent, nil
}

// List returns agents visible to the caller, sorted by ID.
func (s *Service) List(ctx context.Context, ac auth.Context) ([]models.Agent, error) {
	ids, err := s.store.SMembers(ctx, store.KeyAgents)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	var out []models.Agent
	for _, id := range ids {
		agent, err := s.load(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if visible(ac, agent) {
			out = append(out, *agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get loads one agent; forbidden reads as NotFound.
func (s *Service) Get(ctx context.Context, ac auth.Context, id string) (*models.Agent, error) {
	agent, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !visible(ac, agent) {
		return nil, services.ErrNotFound
	}
	return agent, nil
}

// Delete removes the agent definition. Its session and logs remain readable.
func (s *Service) Delete(ctx context.Context, ac auth.Context, id string) error {
	if _, err := s.Get(ctx, ac, id); err != nil {
		return err
	}
	if err := s.store.SRem(ctx, store.KeyAgents, id); err != nil {
		return fmt.Errorf("deregistering agent: %w", err)
	}
	return s.store.Del(ctx, store.AgentKey(id))
}

// ReplaceAll swaps the full agent set. Admin only; used by project import.
func (s *Service) ReplaceAll(ctx context.Context, ac auth.Context, agents []models.Agent) error {
	if !ac.Admin() {
		return services.ErrForbidden
	}
	ids, err := s.store.SMembers(ctx, store.KeyAgents)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	for _, id := range ids {
		_ = s.store.Del(ctx, store.AgentKey(id))
		_ = s.store.SRem(ctx, store.KeyAgents, id)
	}
	for _, agent := range agents {
		if _, err := s.Upsert(ctx, ac, agent); err != nil {
			return fmt.Errorf("importing agent %s: %w", agent.ID, err)
		}
	}
	return nil
}

// Execute runs one agent turn. A second call while the agent is running is
// dropped with ErrAlreadyRunning; the scheduler logs and moves on.
func (s *Service) Execute(ctx context.Context, ac auth.Context, id, messageOverride string) (*models.AgentExecutionLog, error) {
	agent, err := s.Get(ctx, ac, id)
	if err != nil {
		return nil, err
	}

	acquired, err := s.store.SetNX(ctx, store.AgentRunningKey(id), "1", 0)
	if err != nil {
		return nil, fmt.Errorf("acquiring agent guard: %w", err)
	}
	if !acquired {
		return nil, services.ErrAlreadyRunning
	}
	defer func() {
		if err := s.store.Del(context.WithoutCancel(ctx), store.AgentRunningKey(id)); err != nil {
			slog.Warn("Failed to release agent guard", "agent_id", id, "error", err)
		}
	}()

	sessionID, err := s.ensureSession(ctx, ac, agent)
	if err != nil {
		return nil, err
	}

	message := agent.Prompt
	if messageOverride != "" {
		message = messageOverride
	}

	started := s.now()
	execLog := &models.AgentExecutionLog{
		ID:        uuid.New().String(),
		AgentID:   id,
		StartedAt: started,
		Status:    models.ExecutionRunning,
	}
	if err := s.saveExecution(ctx, execLog); err != nil {
		return nil, err
	}

	messageID := uuid.New().String()
	if err := s.sessions.SetActiveMessage(ctx, sessionID, messageID); err != nil {
		s.finishExecution(ctx, execLog, models.ExecutionFailed, "", nil, err.Error())
		s.recordOutcome(ctx, agent, string(models.ExecutionFailed))
		return execLog, err
	}

	s.processor.ProcessMessage(ctx, ac, sessionID, message, messageID)

	preview, failed := s.lastModelTurn(ctx, sessionID, messageID)
	traces, err := s.traces.ListBySession(ctx, sessionID, started)
	if err != nil {
		slog.Warn("Failed to collect execution traces", "agent_id", id, "error", err)
	}

	status := models.ExecutionCompleted
	var errText string
	if failed {
		status = models.ExecutionFailed
		errText = preview
	}
	s.finishExecution(ctx, execLog, status, preview, traces, errText)
	s.recordOutcome(ctx, agent, string(status))
	return execLog, nil
}

// Logs returns execution logs newest first, optionally filtered by agent.
// Traces are stripped unless includeTraces is set.
func (s *Service) Logs(ctx context.Context, ac auth.Context, agentID string, limit int, includeTraces bool) ([]models.AgentExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.store.ZRevRange(ctx, store.KeyAgentExecutions, 0, int64(limit*4))
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	var out []models.AgentExecutionLog
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		execLog, err := s.loadExecution(ctx, id)
		if errors.Is(err, services.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if agentID != "" && execLog.AgentID != agentID {
			continue
		}
		if agent, err := s.load(ctx, execLog.AgentID); err == nil && !visible(ac, agent) {
			continue
		}
		if !includeTraces {
			execLog.Traces = nil
		}
		out = append(out, *execLog)
	}
	return out, nil
}

// ensureSession finds or creates the agent's dedicated agent-type session.
func (s *Service) ensureSession(ctx context.Context, ac auth.Context, agent *models.Agent) (string, error) {
	key := store.AgentSessionKey(agent.ID)
	if id, err := s.store.Get(ctx, key); err == nil {
		if session, err := s.sessions.Get(ctx, auth.Internal(), id); err == nil && session.Status == models.SessionOpen {
			return id, nil
		}
	}
	session, err := s.sessions.Create(ctx, ac, models.SessionTypeAgent,
		map[string]string{"agent_id": agent.ID}, agent.OwnerUserID)
	if err != nil {
		return "", err
	}
	if err := s.store.Set(ctx, key, session.ID, 0); err != nil {
		return "", fmt.Errorf("mapping agent session: %w", err)
	}
	return session.ID, nil
}

// lastModelTurn returns the preview of the turn's final model output and
// whether it reports a failure.
func (s *Service) lastModelTurn(ctx context.Context, sessionID, messageID string) (string, bool) {
	turns, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return "", true
	}
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != models.TurnRoleModel || t.CorrelationID != messageID {
			continue
		}
		preview := t.Content
		if len(preview) > previewLimit {
			preview = preview[:previewLimit]
		}
		return preview, t.Metadata["kind"] == "error"
	}
	return "", true
}

func (s *Service) finishExecution(ctx context.Context, execLog *models.AgentExecutionLog, status models.ExecutionStatus, preview string, traces []models.Trace, errText string) {
	finished := s.now()
	execLog.FinishedAt = &finished
	execLog.Status = status
	execLog.ResponsePreview = preview
	execLog.Error = errText
	execLog.TraceCount = len(traces)
	execLog.Traces = traces
	if err := s.saveExecution(ctx, execLog); err != nil {
		slog.Error("Failed to persist execution log", "execution_id", execLog.ID, "error", err)
	}
}

func (s *Service) recordOutcome(ctx context.Context, agent *models.Agent, status string) {
	now := s.now()
	agent.LastRunAt = &now
	agent.LastStatus = status
	agent.UpdatedAt = now
	if err := s.save(ctx, agent); err != nil {
		slog.Error("Failed to record agent outcome", "agent_id", agent.ID, "error", err)
	}
}

func (s *Service) load(ctx context.Context, id string) (*models.Agent, error) {
	raw, err := s.store.Get(ctx, store.AgentKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", id, err)
	}
	var agent models.Agent
	if err := json.Unmarshal([]byte(raw), &agent); err != nil {
		return nil, fmt.Errorf("decoding agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *Service) save(ctx context.Context, agent *models.Agent) error {
	raw, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("encoding agent: %w", err)
	}
	return s.store.Set(ctx, store.AgentKey(agent.ID), string(raw), 0)
}

func (s *Service) loadExecution(ctx context.Context, id string) (*models.AgentExecutionLog, error) {
	raw, err := s.store.Get(ctx, store.AgentExecutionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading execution %s: %w", id, err)
	}
	var execLog models.AgentExecutionLog
	if err := json.Unmarshal([]byte(raw), &execLog); err != nil {
		return nil, fmt.Errorf("decoding execution %s: %w", id, err)
	}
	return &execLog, nil
}

func (s *Service) saveExecution(ctx context.Context, execLog *models.AgentExecutionLog) error {
	raw, err := json.Marshal(execLog)
	if err != nil {
		return fmt.Errorf("encoding execution: %w", err)
	}
	if err := s.store.Set(ctx, store.AgentExecutionKey(execLog.ID), string(raw), 0); err != nil {
		return fmt.Errorf("storing execution: %w", err)
	}
	return s.store.ZAdd(ctx, store.KeyAgentExecutions,
		float64(execLog.StartedAt.UnixMilli()), execLog.ID)
}

func visible(ac auth.Context, agent *models.Agent) bool {
	if ac.Admin() {
		return true
	}
	return agent.OwnerUserID != nil && *agent.OwnerUserID == ac.UserID
}
