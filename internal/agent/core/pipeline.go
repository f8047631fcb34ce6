package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"anima/config"
	"anima/internal/agent/telemetry"
	"anima/internal/artifacts"
	"anima/internal/memory"
	"anima/internal/store"
)

// Interaction types stored with each turn.
const (
	interactionTypePipeline = "pipeline_execution"
	interactionTypeSimple   = "simple_conversation"
)

// Agent drives one full conversational turn: memory recall, planning,
// execution, synthesis and storage.
type Agent struct {
	config    *config.Config
	planner   *Planner
	orch      *Orchestrator
	synth     *Synthesizer
	memory    *memory.Service
	artifacts *artifacts.Manager
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	tracer    trace.Tracer
}

// NewAgent wires the turn pipeline. runner executes plan steps; art may be
// nil, in which case artifact blocks are stripped but not saved.
func NewAgent(cfg *config.Config, llmProvider LLMProvider, runner StepRunner, mem *memory.Service, art *artifacts.Manager, telem *telemetry.Telemetry) *Agent {
	checker := NewChecker(cfg, llmProvider, telem)
	fixer := NewFixer(cfg, llmProvider, telem)
	return &Agent{
		config:    cfg,
		planner:   NewPlanner(cfg, llmProvider, telem),
		orch:      NewOrchestrator(cfg, runner, checker, fixer, telem),
		synth:     NewSynthesizer(cfg, llmProvider, telem),
		memory:    mem,
		artifacts: art,
		telemetry: telem,
		logger:    log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
		tracer:    otel.Tracer("anima/agent"),
	}
}

// ProcessTurn runs one conversational turn end to end. Memory read
// failures abort the turn; everything past planning degrades instead of
// failing, so a reply always comes back once context is assembled. The
// interaction is stored best-effort and a write failure never blocks the
// response. sink may be nil.
func (a *Agent) ProcessTurn(ctx context.Context, userID, prompt string, sink EventSink) (TurnResult, error) {
	start := time.Now()
	ctx, span := a.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int("prompt.length", len(prompt)),
	))
	defer span.End()

	// Per-turn spend is the delta across this turn; overlapping turns
	// share it approximately while the totals stay exact.
	var costBefore telemetry.CostSummary
	if a.telemetry != nil {
		costBefore = a.telemetry.GetCostSummary()
	}

	// The prompt is embedded once; retrieval and storage share the vector.
	queryVec, err := a.memory.Embed(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return TurnResult{}, fmt.Errorf("embedding prompt: %w", err)
	}

	retrieved, err := a.memory.Retrieve(ctx, userID, queryVec, prompt, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "memory retrieval failed")
		return TurnResult{}, fmt.Errorf("retrieving memory context: %w", err)
	}
	memoryContext := summarizeMemories(retrieved)

	history, err := a.memory.RecentHistory(ctx, userID, 0)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history lookup failed")
		return TurnResult{}, fmt.Errorf("loading chat history: %w", err)
	}

	plan := a.planner.CreatePlan(ctx, prompt, memoryContext)
	span.SetAttributes(attribute.Int("plan.steps", len(plan.Steps)))

	interactionID := uuid.NewString()
	execLog := NewExecutionLog(a.logger)

	var (
		rawResponse string
		stepResults []string
		execErr     error
	)
	if plan.Empty() {
		execLog.Append("💬 Answering directly, no tools needed")
		rawResponse = a.synth.GenerateSimpleResponse(ctx, prompt, memoryContext, history)
	} else {
		stepResults, execErr = a.orch.ExecutePlan(ctx, plan, prompt, sink, execLog)
		if execErr != nil {
			a.logger.Printf("plan halted: %v", execErr)
		}
		rawResponse = a.synth.AnalyzeAndRespond(ctx, prompt, stepResults, execLog)
		if execErr != nil && strings.TrimSpace(rawResponse) == "" {
			rawResponse = fmt.Sprintf("I couldn't complete that: %s", execErr)
		}
	}

	response, refs := a.collectArtifacts(ctx, userID, interactionID, rawResponse)

	interactionType := interactionTypeSimple
	category := "general"
	var tags []string
	importance := 3
	thoughts := "direct reply, no tools run"
	if !plan.Empty() {
		interactionType = interactionTypePipeline
		category, tags = a.synth.Categorize(ctx, prompt, response, plan)
		importance = ImportanceScore(prompt, response, len(refs) > 0)
		thoughts = fmt.Sprintf("%d step(s) executed, %d log line(s), %d artifact(s)",
			len(plan.Steps), len(execLog.Lines()), len(refs))
	}

	if _, err := a.memory.SaveInteraction(ctx, store.Interaction{
		ID:            interactionID,
		UserID:        userID,
		Timestamp:     start.UTC(),
		Type:          interactionType,
		UserPrompt:    prompt,
		AgentThoughts: thoughts,
		AgentResponse: response,
		Embedding:     queryVec,
		Tags:          tags,
		Category:      category,
		Importance:    importance,
	}); err != nil {
		a.logger.Printf("saving interaction %s failed: %v", interactionID, err)
	}

	var turnCost float64
	var turnTokens int64
	if a.telemetry != nil {
		after := a.telemetry.GetCostSummary()
		turnCost = after.TotalCost - costBefore.TotalCost
		turnTokens = after.TotalTokens - costBefore.TotalTokens
		a.telemetry.RecordTurn(ctx, telemetry.TurnEvent{
			ID:          interactionID,
			UserID:      userID,
			Success:     execErr == nil,
			EmptyPlan:   plan.Empty(),
			Duration:    time.Since(start),
			Cost:        turnCost,
			TokensUsed:  turnTokens,
			ModelsUsed:  a.modelsUsed(plan),
			StepsPlayed: len(plan.Steps),
		})
	}

	if execErr != nil {
		span.SetStatus(codes.Error, execErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.Int("response.length", len(response)),
		attribute.Int("artifacts.saved", len(refs)),
	)

	return TurnResult{
		InteractionID:  interactionID,
		Response:       response,
		Thoughts:       thoughts,
		Plan:           plan,
		StepResults:    stepResults,
		Log:            execLog.Lines(),
		Artifacts:      refs,
		Category:       category,
		Tags:           tags,
		Importance:     importance,
		TokensUsed:     turnTokens,
		CostEstimate:   turnCost,
		ProcessingTime: time.Since(start),
		CreatedAt:      start.UTC(),
	}, nil
}

// collectArtifacts strips artifact blocks out of the response, saves them
// for the user and appends a note naming what was saved. Returns the
// cleaned response and references to the saved files.
func (a *Agent) collectArtifacts(ctx context.Context, userID, interactionID, response string) (string, []ArtifactRef) {
	extracted := artifacts.Extract(response)
	if len(extracted) == 0 {
		return response, nil
	}

	cleaned := artifacts.Strip(response)
	if a.artifacts == nil {
		return cleaned, nil
	}

	saved := a.artifacts.SaveAll(ctx, userID, interactionID, extracted)
	refs := make([]ArtifactRef, 0, len(saved))
	names := make([]string, 0, len(saved))
	for _, art := range saved {
		refs = append(refs, ArtifactRef{ID: art.ID, Title: art.Title, Type: art.Type, Path: art.Path})
		names = append(names, art.Title)
	}
	if len(names) > 0 {
		cleaned = strings.TrimSpace(cleaned + "\n\n📦 Saved for you: " + strings.Join(names, ", "))
	}
	return cleaned, refs
}

// summarizeMemories renders retrieved interactions as a bullet list of
// their prompts, the shape the planner and simple responder expect.
func summarizeMemories(results []memory.Result) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- %s\n", r.Interaction.UserPrompt)
	}
	return strings.TrimSpace(b.String())
}

// modelsUsed lists the routed models a turn of this shape goes through.
func (a *Agent) modelsUsed(plan Plan) []string {
	routing := a.config.LLM.Routing
	if plan.Empty() {
		return []string{routing.Planning, routing.Simple}
	}
	return []string{routing.Planning, routing.Synthesis, routing.Categorization}
}
