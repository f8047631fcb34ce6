package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFixStepReplacesToolAndQuery(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"tool": "python_code", "query": "import requests; print(requests.get(url).text)"}`}}}
	f := NewFixer(testConfig(), llm, nil)

	fixed := f.FixStep(context.Background(), Step{Tool: ToolShell, Query: "curl url"}, "curl: command not found")
	if fixed.Tool != ToolPythonCode {
		t.Fatalf("expected tool switch, got %+v", fixed)
	}
	if !strings.Contains(fixed.Query, "requests.get") {
		t.Fatalf("expected replacement query, got %q", fixed.Query)
	}
}

func TestFixStepUnchangedOnProviderError(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{err: errors.New("unavailable")}}}
	f := NewFixer(testConfig(), llm, nil)

	step := Step{Tool: ToolShell, Query: "ls /tmp"}
	fixed := f.FixStep(context.Background(), step, "boom")
	if fixed != step {
		t.Fatalf("failed generation must leave the step unchanged, got %+v", fixed)
	}
}

func TestFixStepUnchangedOnPartialReplacement(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"tool": "shell", "query": ""}`}}}
	f := NewFixer(testConfig(), llm, nil)

	step := Step{Tool: ToolShell, Query: "ls /tmp"}
	fixed := f.FixStep(context.Background(), step, "boom")
	if fixed != step {
		t.Fatalf("replacement missing a query must be discarded, got %+v", fixed)
	}
}

func TestDeepAnalysisQuotesTrailingWindow(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"tool": "web_search", "query": "alternative"}`}}}
	f := NewFixer(testConfig(), llm, nil)

	var history []string
	for i := 1; i <= 8; i++ {
		history = append(history, fmt.Sprintf("error number %d", i))
	}
	f.DeepAnalysisAndFix(context.Background(), Step{Tool: ToolShell, Query: "q"}, history)

	prompt := llm.prompts[0]
	if strings.Contains(prompt, "error number 3") {
		t.Fatalf("errors outside the trailing window must not be quoted")
	}
	for i := 4; i <= 8; i++ {
		if !strings.Contains(prompt, fmt.Sprintf("error number %d", i)) {
			t.Fatalf("error %d missing from the analysis prompt", i)
		}
	}
}

func TestDeepAnalysisClipsLongErrors(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"tool": "web_search", "query": "alternative"}`}}}
	f := NewFixer(testConfig(), llm, nil)

	long := strings.Repeat("a", 400) + "TAIL"
	f.DeepAnalysisAndFix(context.Background(), Step{Tool: ToolShell, Query: "q"}, []string{long})

	if strings.Contains(llm.prompts[0], "TAIL") {
		t.Fatalf("quoted errors must be clipped")
	}
}

func TestDeepAnalysisFallsBackToShallowFix(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{
		{err: errors.New("analysis model down")},
		{response: `{"tool": "shell", "query": "ls -la"}`},
	}}
	f := NewFixer(testConfig(), llm, nil)

	fixed := f.DeepAnalysisAndFix(context.Background(), Step{Tool: ToolShell, Query: "ls"}, []string{"old error", "new error"})
	if fixed.Query != "ls -la" {
		t.Fatalf("expected the shallow fallback's proposal, got %+v", fixed)
	}
	if llm.calls != 2 {
		t.Fatalf("expected deep attempt then shallow fallback, got %d calls", llm.calls)
	}
	// The fallback quotes only the most recent error
	if !strings.Contains(llm.prompts[1], "new error") || strings.Contains(llm.prompts[1], "old error") {
		t.Fatalf("shallow fallback should see only the latest error")
	}
	if llm.models[0] != "analysis-model" || llm.models[1] != "repair-model" {
		t.Fatalf("unexpected model routing: %v", llm.models)
	}
}

func TestDeepAnalysisUnchangedOnEmptyHistory(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"tool": "shell", "query": "never used"}`}}}
	f := NewFixer(testConfig(), llm, nil)

	step := Step{Tool: ToolShell, Query: "q"}
	fixed := f.DeepAnalysisAndFix(context.Background(), step, nil)
	if fixed != step {
		t.Fatalf("empty history must leave the step unchanged")
	}
	if llm.calls != 0 {
		t.Fatalf("no provider call expected for empty history")
	}
}
