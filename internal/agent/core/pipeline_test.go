package core

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"anima/config"
	"anima/internal/artifacts"
	"anima/internal/memory"
	"anima/internal/memory/embedding"
	"anima/internal/store"
)

// turnEmbedder produces a deterministic vector per text.
type turnEmbedder struct {
	dim  int
	fail bool
}

var _ embedding.Provider = (*turnEmbedder)(nil)

func (e *turnEmbedder) Dimension() int { return e.dim }

func (e *turnEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fmt.Errorf("embedder offline")
	}
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, e.dim)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed%1000) / 1000
	}
	return v, nil
}

func (e *turnEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// stubRunner plays back scripted step results; the last one repeats.
type stubRunner struct {
	results []StepResult
	calls   int
	steps   []Step
}

var _ StepRunner = (*stubRunner)(nil)

func (r *stubRunner) RunStep(_ context.Context, step Step) StepResult {
	r.calls++
	r.steps = append(r.steps, step)
	idx := r.calls - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	return r.results[idx]
}

func newTurnAgent(t *testing.T, llm LLMProvider, runner StepRunner, emb embedding.Provider) (*Agent, *store.Store, *artifacts.Manager) {
	t.Helper()
	dir := t.TempDir()

	cfg := testConfig()
	cfg.Memory = config.MemoryConfig{
		DatabasePath:  filepath.Join(dir, "anima.db"),
		IndexPath:     filepath.Join(dir, "index", "interactions.idx"),
		TopK:          5,
		HistoryWindow: 5,
	}

	st, err := store.Open(context.Background(), cfg.Memory.DatabasePath)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mem, err := memory.NewService(context.Background(), cfg.Memory, st, emb, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	art, err := artifacts.NewManager(filepath.Join(dir, "artifacts"), st)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return NewAgent(cfg, llm, runner, mem, art, nil), st, art
}

func countMatching(lines []string, substr string) int {
	n := 0
	for _, line := range lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func TestProcessTurnSingleStepSuccess(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{
		{response: `{"plan": [{"tool": "web_search", "query": "population of reykjavik", "description": "look it up"}]}`},
		{response: `{"objective_achieved": true, "reason": "population found"}`},
		{response: "Reykjavik has about 140,000 residents."},
		{response: `{"category": "research", "tags": ["iceland"]}`},
	}}
	runner := &stubRunner{results: []StepResult{ResultOf("About 140,000 people live in Reykjavik (2024).")}}
	agent, st, _ := newTurnAgent(t, llm, runner, &turnEmbedder{dim: 8})

	result, err := agent.ProcessTurn(context.Background(), "u1", "what is the population of reykjavik?", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if result.Response != "Reykjavik has about 140,000 residents." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	wantModels := []string{"planning-model", "verification-model", "synthesis-model", "categorization-model"}
	if len(llm.models) != len(wantModels) {
		t.Fatalf("expected models %v, got %v", wantModels, llm.models)
	}
	for i := range wantModels {
		if llm.models[i] != wantModels[i] {
			t.Fatalf("expected models %v, got %v", wantModels, llm.models)
		}
	}
	if runner.calls != 1 {
		t.Fatalf("expected 1 step run, got %d", runner.calls)
	}
	if len(result.StepResults) != 1 || result.StepResults[0] != "About 140,000 people live in Reykjavik (2024)." {
		t.Fatalf("unexpected step results: %v", result.StepResults)
	}
	if countMatching(result.Log, "✅ Objective achieved") != 1 {
		t.Fatalf("expected exactly one success line, log:\n%s", strings.Join(result.Log, "\n"))
	}
	if countMatching(result.Log, "🔧") != 0 {
		t.Fatalf("success turn should have no repair lines, log:\n%s", strings.Join(result.Log, "\n"))
	}
	if result.Category != "research" {
		t.Fatalf("expected category research, got %q", result.Category)
	}
	wantTags := []string{"iceland", "web_search"}
	if len(result.Tags) != 2 || result.Tags[0] != wantTags[0] || result.Tags[1] != wantTags[1] {
		t.Fatalf("expected tags %v, got %v", wantTags, result.Tags)
	}
	if result.Importance != 5 {
		t.Fatalf("expected importance 5, got %d", result.Importance)
	}

	saved, err := st.RecentInteractions(context.Background(), "u1", 1)
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one stored interaction, got %v (%v)", saved, err)
	}
	row := saved[0]
	if row.ID != result.InteractionID {
		t.Fatalf("stored ID %s does not match turn %s", row.ID, result.InteractionID)
	}
	if row.Type != "pipeline_execution" {
		t.Fatalf("expected pipeline_execution, got %q", row.Type)
	}
	if row.AgentResponse != result.Response {
		t.Fatalf("stored response %q does not match turn", row.AgentResponse)
	}
	if len(row.Embedding) != 8 {
		t.Fatalf("expected stored embedding of 8 dims, got %d", len(row.Embedding))
	}
}

func TestProcessTurnEmptyPlanAnswersDirectly(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{
		{response: `{"plan": []}`},
		{response: "Hey! Good to see you."},
	}}
	runner := &stubRunner{results: []StepResult{ErrorOf("must not run")}}
	agent, st, _ := newTurnAgent(t, llm, runner, &turnEmbedder{dim: 8})

	result, err := agent.ProcessTurn(context.Background(), "u1", "hello!", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if result.Response != "Hey! Good to see you." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	if runner.calls != 0 {
		t.Fatalf("no tools should run on an empty plan, got %d runs", runner.calls)
	}
	if len(llm.models) != 2 || llm.models[0] != "planning-model" || llm.models[1] != "simple-model" {
		t.Fatalf("expected planning then simple, got %v", llm.models)
	}
	if !result.Plan.Empty() {
		t.Fatalf("expected empty plan, got %+v", result.Plan)
	}
	if countMatching(result.Log, "💬") != 1 {
		t.Fatalf("expected a direct-answer log line, log:\n%s", strings.Join(result.Log, "\n"))
	}

	saved, err := st.RecentInteractions(context.Background(), "u1", 1)
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one stored interaction, got %v (%v)", saved, err)
	}
	if saved[0].Type != "simple_conversation" {
		t.Fatalf("expected simple_conversation, got %q", saved[0].Type)
	}
	if saved[0].Importance != 3 {
		t.Fatalf("expected importance 3 for small talk, got %d", saved[0].Importance)
	}
	if saved[0].Category != "general" {
		t.Fatalf("expected category general, got %q", saved[0].Category)
	}
}

func TestProcessTurnStripsAndSavesArtifacts(t *testing.T) {
	synthesis := "Here is the chart.\n\n" +
		`<ARTIFACT title="Population Chart" type="chart"><html><body>chart</body></html></ARTIFACT>`
	llm := &stubLLM{turns: []llmTurn{
		{response: `{"plan": [{"tool": "python_code", "query": "print(data)", "description": "crunch"}]}`},
		{response: `{"objective_achieved": true, "reason": "data produced"}`},
		{response: synthesis},
		{response: `{"category": "data_analysis", "tags": ["population"]}`},
	}}
	runner := &stubRunner{results: []StepResult{ResultOf("1900,78000\n2024,140000")}}
	agent, _, art := newTurnAgent(t, llm, runner, &turnEmbedder{dim: 8})

	result, err := agent.ProcessTurn(context.Background(), "u1", "create a chart of reykjavik population growth", nil)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	if strings.Contains(result.Response, "<ARTIFACT") {
		t.Fatalf("artifact markup leaked into response: %q", result.Response)
	}
	if !strings.Contains(result.Response, "Here is the chart.") {
		t.Fatalf("conversational text lost: %q", result.Response)
	}
	if !strings.Contains(result.Response, "📦 Saved for you: Population Chart") {
		t.Fatalf("response should name the saved artifact: %q", result.Response)
	}
	if len(result.Artifacts) != 1 {
		t.Fatalf("expected 1 artifact ref, got %v", result.Artifacts)
	}
	ref := result.Artifacts[0]
	if ref.Title != "Population Chart" || ref.Type != "chart" {
		t.Fatalf("unexpected artifact ref: %+v", ref)
	}
	if _, err := os.Stat(ref.Path); err != nil {
		t.Fatalf("artifact file missing: %v", err)
	}
	_, content, err := art.Get(context.Background(), ref.ID)
	if err != nil {
		t.Fatalf("Get artifact: %v", err)
	}
	if content != "<html><body>chart</body></html>" {
		t.Fatalf("unexpected artifact content: %q", content)
	}
	// create verb +2, artifact +2 on the base of 5.
	if result.Importance != 9 {
		t.Fatalf("expected importance 9, got %d", result.Importance)
	}
}

func TestProcessTurnDeliversResponseWhenStepExhausts(t *testing.T) {
	fix := `{"tool": "web_search", "query": "retry"}`
	llm := &stubLLM{turns: []llmTurn{
		{response: `{"plan": [{"tool": "web_search", "query": "flaky lookup", "description": "doomed"}]}`},
		{response: fix},
		{response: fix},
		{response: fix},
		{response: fix},
		{response: fix},
		{response: fix},
		{response: "I kept hitting errors and could not finish that lookup."},
		{response: `{"category": "error_handling", "tags": []}`},
	}}
	runner := &stubRunner{results: []StepResult{ErrorOf("connection reset")}}
	agent, _, _ := newTurnAgent(t, llm, runner, &turnEmbedder{dim: 8})

	result, err := agent.ProcessTurn(context.Background(), "u1", "look up something flaky", nil)
	if err != nil {
		t.Fatalf("exhausted plans still deliver a response, got error: %v", err)
	}

	if result.Response != "I kept hitting errors and could not finish that lookup." {
		t.Fatalf("unexpected response: %q", result.Response)
	}
	// Initial run plus one rerun per repair attempt.
	if runner.calls != 7 {
		t.Fatalf("expected 7 step runs, got %d", runner.calls)
	}
	wantModels := []string{
		"planning-model",
		"repair-model", "repair-model", "repair-model",
		"analysis-model",
		"repair-model", "repair-model",
		"synthesis-model", "categorization-model",
	}
	if len(llm.models) != len(wantModels) {
		t.Fatalf("expected models %v, got %v", wantModels, llm.models)
	}
	for i := range wantModels {
		if llm.models[i] != wantModels[i] {
			t.Fatalf("model call %d: expected %s, got %s", i, wantModels[i], llm.models[i])
		}
	}
	if countMatching(result.Log, "🚫") != 1 {
		t.Fatalf("expected one exhaustion line, log:\n%s", strings.Join(result.Log, "\n"))
	}
	if len(result.StepResults) != 0 {
		t.Fatalf("failed step should yield no results, got %v", result.StepResults)
	}
	if result.Category != "error_handling" {
		t.Fatalf("expected category error_handling, got %q", result.Category)
	}
}

func TestProcessTurnFailsWhenEmbedderDown(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{{response: `{"plan": []}`}}}
	agent, _, _ := newTurnAgent(t, llm, &stubRunner{results: []StepResult{ErrorOf("unused")}}, &turnEmbedder{dim: 8, fail: true})

	_, err := agent.ProcessTurn(context.Background(), "u1", "hello", nil)
	if err == nil || !strings.Contains(err.Error(), "embedding prompt") {
		t.Fatalf("expected embedding error, got %v", err)
	}
	if llm.calls != 0 {
		t.Fatalf("no model calls should happen before embedding, got %d", llm.calls)
	}
}

func TestProcessTurnUsesRetrievedMemoriesInPlanning(t *testing.T) {
	llm := &stubLLM{turns: []llmTurn{
		{response: `{"plan": []}`},
		{response: "You asked about rooftop gardens."},
	}}
	emb := &turnEmbedder{dim: 8}
	agent, st, _ := newTurnAgent(t, llm, &stubRunner{results: []StepResult{ErrorOf("unused")}}, emb)

	// Seed one remembered exchange for the same user.
	priorVec, err := emb.Embed(context.Background(), "tell me about rooftop gardens")
	if err != nil {
		t.Fatalf("embedding seed: %v", err)
	}
	if _, err := st.InsertInteraction(context.Background(), store.Interaction{
		ID:         "prior",
		UserID:     "u1",
		Timestamp:  time.Now().UTC(),
		Type:       "simple_conversation",
		UserPrompt: "tell me about rooftop gardens",
		Embedding:  priorVec,
		Importance: 5,
	}); err != nil {
		t.Fatalf("seeding interaction: %v", err)
	}

	if _, err := agent.ProcessTurn(context.Background(), "u1", "what did we talk about?", nil); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	planningPrompt := llm.prompts[0]
	if !strings.Contains(planningPrompt, "- tell me about rooftop gardens") {
		t.Fatalf("planning prompt missing retrieved memory:\n%s", planningPrompt)
	}
	simplePrompt := llm.prompts[1]
	if !strings.Contains(simplePrompt, "tell me about rooftop gardens") {
		t.Fatalf("simple prompt missing history:\n%s", simplePrompt)
	}
}
