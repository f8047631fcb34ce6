package core

import (
	"context"
	"errors"
	"strings"
	"testing"

	"anima/config"
)

// llmTurn is one scripted exchange with the stubbed provider.
type llmTurn struct {
	response string
	err      error
}

// stubLLM plays back scripted turns and records every prompt and model it
// was called with. The last turn repeats once the script runs out.
type stubLLM struct {
	turns   []llmTurn
	calls   int
	prompts []string
	models  []string
}

var _ LLMProvider = (*stubLLM)(nil)

func (s *stubLLM) Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error) {
	resp, _, _, err := s.GenerateWithTokens(ctx, prompt, model, options)
	return resp, err
}

func (s *stubLLM) GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error) {
	s.calls++
	s.prompts = append(s.prompts, prompt)
	s.models = append(s.models, model)
	idx := s.calls - 1
	if idx >= len(s.turns) {
		idx = len(s.turns) - 1
	}
	turn := s.turns[idx]
	return turn.response, 10, 5, turn.err
}

func (s *stubLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model, Provider: "stub"}, nil
}

func (s *stubLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return 0
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			APIKey: "test-key",
			Routing: config.LLMRoutingConfig{
				Planning:       "planning-model",
				Verification:   "verification-model",
				Repair:         "repair-model",
				DeepAnalysis:   "analysis-model",
				Synthesis:      "synthesis-model",
				Simple:         "simple-model",
				Categorization: "categorization-model",
			},
		},
	}
}

func TestCreatePlanParsesFencedJSON(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: "```json\n" +
		`{"plan": [{"tool": "web_search", "query": "go 1.24 release notes", "description": "find notes"},` +
		`{"tool": "python_code", "query": "print(1)", "description": ""}]}` + "\n```"}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "what changed in go 1.24?", "")
	if len(plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Tool != ToolWebSearch || plan.Steps[0].Query != "go 1.24 release notes" {
		t.Fatalf("unexpected first step: %+v", plan.Steps[0])
	}
	if plan.Steps[1].Tool != ToolPythonCode {
		t.Fatalf("unexpected second step: %+v", plan.Steps[1])
	}
}

func TestCreatePlanExtractsJSONFromProse(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `Sure, here is what I would do:
{"plan": [{"tool": "shell", "query": "uname -a", "description": "inspect host"}]}
Let me know if that works.`}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "what OS am I on?", "")
	if len(plan.Steps) != 1 || plan.Steps[0].Tool != ToolShell {
		t.Fatalf("expected one shell step, got %+v", plan.Steps)
	}
}

func TestCreatePlanDegradesToEmptyOnProviderError(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{err: errors.New("rate limited")}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "hello", "")
	if !plan.Empty() {
		t.Fatalf("provider error must degrade to an empty plan, got %+v", plan)
	}
}

func TestCreatePlanDegradesToEmptyOnGarbage(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: "I am not able to plan right now."}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "hello", "")
	if !plan.Empty() {
		t.Fatalf("unparseable response must degrade to an empty plan, got %+v", plan)
	}
}

func TestCreatePlanEmptyForPlainConversation(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"plan": []}`}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "good morning!", "")
	if !plan.Empty() {
		t.Fatalf("conversation should need no steps, got %+v", plan)
	}
}

func TestCreatePlanSkipsBlankEntries(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"plan": [
		{"tool": "", "query": "", "description": "noise"},
		{"tool": "web_search", "query": "weather in lisbon", "description": ""}
	]}`}}}
	p := NewPlanner(testConfig(), llm, nil)

	plan := p.CreatePlan(context.Background(), "weather?", "")
	if len(plan.Steps) != 1 {
		t.Fatalf("blank entries should be dropped, got %+v", plan.Steps)
	}
}

func TestCreatePlanRoutesToPlanningModel(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"plan": []}`}}}
	p := NewPlanner(testConfig(), llm, nil)

	p.CreatePlan(context.Background(), "hi", "")
	if len(llm.models) != 1 || llm.models[0] != "planning-model" {
		t.Fatalf("expected the planning model, got %v", llm.models)
	}
}

func TestCreatePlanIncludesMemoryContext(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"plan": []}`}}}
	p := NewPlanner(testConfig(), llm, nil)

	p.CreatePlan(context.Background(), "continue the project", "user is building a birdhouse")
	if len(llm.prompts) != 1 || !strings.Contains(llm.prompts[0], "birdhouse") {
		t.Fatalf("context summary should be woven into the prompt")
	}
	if !strings.Contains(llm.prompts[0], "continue the project") {
		t.Fatalf("user prompt should be present in the planning prompt")
	}
}
