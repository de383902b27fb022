// Package inference runs the tool-calling loop: a bounded dialogue between
// the model and the tool executor, recorded turn by turn into session
// history, with cooperative cancellation checked at every suspension point.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/tools"
)

// MaxSteps bounds the model/tool round-trips of one turn. Reaching it is a
// success path: the loop appends a budget-exceeded model turn and exits.
const MaxSteps = 16

const llmRetries = 2 // 3 attempts total

var attachmentRef = regexp.MustCompile(`attachment:[0-9a-fA-F-]{36}`)

// Processor drives chat turns. Callers acquire the session lock before
// handing a message to ProcessMessageAsync; the processor owns releasing it
// and draining the queue afterwards.
type Processor struct {
	sessions *contextsession.Manager
	client   llm.Client
	baseline llm.Client
	prompts  *prompts.Cache
	store    store.Store
	toolDeps tools.Deps

	wg sync.WaitGroup
}

// NewProcessor wires the loop. baseline may equal client when no separate
// baseline model is configured.
func NewProcessor(sessions *contextsession.Manager, client, baseline llm.Client, promptCache *prompts.Cache, st store.Store, toolDeps tools.Deps) *Processor {
	return &Processor{
		sessions: sessions,
		client:   client,
		baseline: baseline,
		prompts:  promptCache,
		store:    st,
		toolDeps: toolDeps,
	}
}

// ProcessMessageAsync runs one turn in the background. The caller must
// already hold the session's active-message lock for messageID.
func (p *Processor) ProcessMessageAsync(ac auth.Context, sessionID, message, messageID string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(context.Background(), ac, sessionID, message, messageID, true)
	}()
}

// ProcessMessage runs one turn synchronously. Agent executions use it so the
// caller can inspect the outcome. The caller must already hold the session's
// active-message lock for messageID.
func (p *Processor) ProcessMessage(ctx context.Context, ac auth.Context, sessionID, message, messageID string) {
	p.process(ctx, ac, sessionID, message, messageID, true)
}

// Wait blocks until all in-flight turns finish. Used by graceful shutdown.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// process runs the loop for one message and then drains the queue. When
// recordUser is false the user turn is assumed to already be in history
// (crash recovery re-entry).
func (p *Processor) process(ctx context.Context, ac auth.Context, sessionID, message, messageID string, recordUser bool) {
	logger := slog.With("session_id", sessionID, "message_id", messageID)
	defer func() {
		if err := p.sessions.ClearActiveMessage(ctx, sessionID); err != nil {
			logger.Error("Failed to release session lock", "error", err)
		}
		p.drainQueue(ctx, ac, sessionID)
	}()

	if recordUser {
		if _, err := p.sessions.RecordMessage(ctx, sessionID, models.Turn{
			Role:          models.TurnRoleUser,
			Content:       message,
			CorrelationID: messageID,
		}); err != nil {
			logger.Error("Failed to record user turn", "error", err)
			return
		}
	}

	executor := tools.NewExecutor(p.toolDeps, ac, sessionID)
	conversation, err := p.buildConversation(ctx, sessionID, messageID)
	if err != nil {
		logger.Error("Failed to build conversation", "error", err)
		p.recordModelTurn(ctx, sessionID, messageID, "Processing failed: "+err.Error(), "error")
		return
	}

	specs := executor.Specs()
	for step := 0; step < MaxSteps; step++ {
		if p.cancelled(ctx, sessionID) {
			p.recordModelTurn(ctx, sessionID, messageID, "Processing cancelled.", "cancelled")
			return
		}

		resp, err := p.chatWithRetry(ctx, llm.Request{
			System:   p.prompts.System(),
			Messages: conversation,
			Tools:    specs,
		})
		if err != nil {
			logger.Error("Model call failed after retries", "error", err)
			p.recordModelTurn(ctx, sessionID, messageID, "Model call failed: "+err.Error(), "error")
			return
		}

		if p.cancelled(ctx, sessionID) {
			p.recordModelTurn(ctx, sessionID, messageID, "Processing cancelled.", "cancelled")
			return
		}

		if len(resp.ToolCalls) == 0 {
			p.recordModelTurn(ctx, sessionID, messageID, resp.Text, "")
			return
		}

		conversation = append(conversation, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		var results []llm.ToolResult
		for _, call := range resp.ToolCalls {
			result := executor.Execute(ctx, call.Name, call.Input)
			results = append(results, llm.ToolResult{
				ToolCallID: call.ID,
				Content:    result.Content,
				IsError:    result.IsError,
			})
			if _, err := p.sessions.RecordMessage(ctx, sessionID, models.Turn{
				Role:          models.TurnRoleTool,
				Content:       result.Content,
				CorrelationID: messageID,
				Metadata:      map[string]string{"tool": call.Name},
			}); err != nil {
				logger.Error("Failed to record tool turn", "tool", call.Name, "error", err)
			}
		}
		conversation = append(conversation, llm.Message{
			Role:        llm.RoleUser,
			ToolResults: results,
		})
	}

	p.recordModelTurn(ctx, sessionID, messageID,
		fmt.Sprintf("Stopped after %d tool steps without a final answer.", MaxSteps), "budget_exceeded")
}

// drainQueue pops the next pending message, re-acquires the lock and
// processes it. Runs until the queue is empty or the lock is contended.
func (p *Processor) drainQueue(ctx context.Context, ac auth.Context, sessionID string) {
	for {
		msg, err := p.sessions.PopNextMessage(ctx, sessionID)
		if err != nil {
			slog.Error("Failed to pop queued message", "session_id", sessionID, "error", err)
			return
		}
		if msg == nil {
			return
		}
		// Drained turns get a synthetic ID so their provenance is visible
		// in history.
		messageID := fmt.Sprintf("queued-%d", time.Now().UnixMilli())
		if err := p.sessions.SetActiveMessage(ctx, sessionID, messageID); err != nil {
			slog.Warn("Queued message dropped, lock contended", "session_id", sessionID, "error", err)
			return
		}
		p.process(ctx, ac, sessionID, msg.Message, messageID, true)
		return
	}
}

// buildConversation assembles prior history plus the current message, with
// attachment references expanded. Tool turns are not replayed; the model
// sees the distilled user/model exchange.
func (p *Processor) buildConversation(ctx context.Context, sessionID, messageID string) ([]llm.Message, error) {
	turns, err := p.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var conversation []llm.Message
	for _, t := range turns {
		switch t.Role {
		case models.TurnRoleUser:
			content := t.Content
			if t.CorrelationID == messageID {
				content = p.expandAttachments(ctx, content)
			}
			conversation = append(conversation, llm.Message{Role: llm.RoleUser, Content: content})
		case models.TurnRoleModel:
			if t.Content != "" {
				conversation = append(conversation, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
			}
		}
	}
	return conversation, nil
}

// expandAttachments substitutes attachment:<uuid> references with the stored
// attachment body. Expired or unknown references are left verbatim.
func (p *Processor) expandAttachments(ctx context.Context, text string) string {
	return attachmentRef.ReplaceAllStringFunc(text, func(ref string) string {
		id := ref[len("attachment:"):]
		body, err := p.store.Get(ctx, store.AttachmentKey(id))
		if err != nil {
			slog.Warn("Attachment reference not resolvable", "attachment_id", id, "error", err)
			return ref
		}
		return body
	})
}

func (p *Processor) chatWithRetry(ctx context.Context, req llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	op := func() error {
		var err error
		resp, err = p.client.Chat(ctx, req)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), llmRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return resp, nil
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

func (p *Processor) cancelled(ctx context.Context, sessionID string) bool {
	cancelled, err := p.sessions.CancellationRequested(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to read cancellation flag", "session_id", sessionID, "error", err)
		return false
	}
	return cancelled
}

func (p *Processor) recordModelTurn(ctx context.Context, sessionID, messageID, content, kind string) {
	turn := models.Turn{
		Role:          models.TurnRoleModel,
		Content:       content,
		CorrelationID: messageID,
	}
	if kind != "" {
		turn.Metadata = map[string]string{"kind": kind}
	}
	if _, err := p.sessions.RecordMessage(ctx, sessionID, turn); err != nil {
		slog.Error("Failed to record model turn", "session_id", sessionID, "error", err)
	}
}
