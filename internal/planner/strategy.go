package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskSpec is the strategy-level description of a task before graph
// validation assigns ordinals and initial statuses.
type TaskSpec struct {
	ID          string                 `json:"id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	DependsOn   []string               `json:"depends_on,omitempty"`
	Memorable   bool                   `json:"memorable,omitempty"`
}

// Strategy decomposes a feature into task specs. Implementations are
// selected by configuration, never by runtime type inspection.
type Strategy interface {
	Name() string
	Decompose(ctx context.Context, feature Feature) ([]TaskSpec, error)
}

// RuleStrategy is a deterministic decomposition: every feature becomes a
// scaffold -> implement -> test pipeline of codegen tasks. It exists so
// the engine works without any LLM configured and as a predictable
// baseline for tests.
type RuleStrategy struct{}

func (RuleStrategy) Name() string { return "rules" }

func (RuleStrategy) Decompose(_ context.Context, feature Feature) ([]TaskSpec, error) {
	subject := strings.TrimSpace(feature.Title)
	if subject == "" {
		subject = firstWords(feature.Description, 8)
	}
	return []TaskSpec{
		{
			ID:          "scaffold",
			Description: fmt.Sprintf("Scaffold files and interfaces for %q", subject),
			Tool:        "codegen",
			Args:        map[string]interface{}{"stage": "scaffold", "feature": feature.Description},
		},
		{
			ID:          "implement",
			Description: fmt.Sprintf("Implement %q", subject),
			Tool:        "codegen",
			Args:        map[string]interface{}{"stage": "implement", "feature": feature.Description},
			DependsOn:   []string{"scaffold"},
			Memorable:   true,
		},
		{
			ID:          "test",
			Description: fmt.Sprintf("Write and run tests for %q", subject),
			Tool:        "codegen",
			Args:        map[string]interface{}{"stage": "test", "feature": feature.Description},
			DependsOn:   []string{"implement"},
		},
	}, nil
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// CompletionProvider is the slice of the LLM provider the strategy needs.
type CompletionProvider interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// LLMStrategy asks a completion model to decompose the feature into a
// plan document, which is then schema-validated before acceptance.
type LLMStrategy struct {
	Provider CompletionProvider
}

func (LLMStrategy) Name() string { return "llm" }

const decomposeSystemPrompt = `You are a software planning assistant. Decompose the feature request into a minimal ordered set of executable tasks.

Respond ONLY with valid JSON of the form:
{
  "version": "v1",
  "reasoning": "one sentence on the chosen breakdown",
  "tasks": [
    {"id": "snake_case_id", "description": "...", "tool": "codegen|file_op|db_query", "args": {}, "depends_on": ["earlier_id"], "memorable": false}
  ]
}
Rules: dependencies must reference earlier task ids only (no cycles), every task needs a tool, and the final task must verify the work. Do not include any other text.`

func (s LLMStrategy) Decompose(ctx context.Context, feature Feature) ([]TaskSpec, error) {
	if s.Provider == nil {
		return nil, fmt.Errorf("llm strategy requires a completion provider")
	}
	prompt := fmt.Sprintf("FEATURE TITLE: %s\nFEATURE DESCRIPTION:\n%s", feature.Title, feature.Description)
	raw, err := s.Provider.Complete(ctx, decomposeSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("completion: %w", err)
	}
	payload := []byte(stripCodeFence(raw))
	if err := ValidatePlanDocument(payload); err != nil {
		return nil, err
	}
	var doc PlanDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	return doc.Tasks, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
