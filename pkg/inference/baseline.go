package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/models"
)

const evaluationRubric = `You compare two answers to the same prompt: one from a
symbolically-grounded system, one from a plain baseline model. Score each
criterion from 0 to 10 and explain briefly. Respond with JSON only:
{"scores":{"accuracy":n,"depth":n,"coherence":n,"grounding":n},"reasoning":"..."}`

// RunBaselineTest answers a prompt with the baseline model: no tools, no
// activation prompt. The test runner compares the result against the
// registry-backed answer.
func (p *Processor) RunBaselineTest(ctx context.Context, prompt string) (string, error) {
	resp, err := p.baseline.Chat(ctx, llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("baseline call: %w", err)
	}
	return resp.Text, nil
}

// EvaluateComparison judges two answers with a fixed rubric.
func (p *Processor) EvaluateComparison(ctx context.Context, signalZero, baseline string) (*models.Evaluation, error) {
	resp, err := p.chatWithRetry(ctx, llm.Request{
		System: evaluationRubric,
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: fmt.Sprintf("System answer:\n%s\n\nBaseline answer:\n%s",
				signalZero, baseline),
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation call: %w", err)
	}
	var eval models.Evaluation
	if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &eval); err != nil {
		return nil, fmt.Errorf("decoding evaluation: %w", err)
	}
	return &eval, nil
}

// extractJSON tolerates prose or fencing around the JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
