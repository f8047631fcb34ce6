package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"anima/config"
	"anima/internal/agent/telemetry"
)

// Planner turns a user prompt into an ordered plan of tool steps
type Planner struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewPlanner creates a new planner
func NewPlanner(cfg *config.Config, llmProvider LLMProvider, telem *telemetry.Telemetry) *Planner {
	return &Planner{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telem,
		logger:      log.New(log.Writer(), "[PLANNER] ", log.LstdFlags),
	}
}

// CreatePlan asks the planning model for a step list. Planning never fails
// upward: any generation or parse problem degrades to an empty plan, which
// callers treat as direct conversation.
func (p *Planner) CreatePlan(ctx context.Context, userPrompt, contextSummary string) Plan {
	model := p.config.LLM.Routing.Planning
	prompt := p.buildPlanningPrompt(userPrompt, contextSummary)

	start := time.Now()
	response, inTok, outTok, err := p.llmProvider.GenerateWithTokens(ctx, prompt, model, nil)
	if p.telemetry != nil {
		p.telemetry.RecordLLMUsage(model, inTok, outTok,
			p.llmProvider.CalculateCost(inTok, outTok, model), time.Since(start))
	}
	if err != nil {
		p.logger.Printf("planning failed, treating prompt as direct conversation: %v", err)
		return Plan{}
	}

	plan, err := parsePlanResponse(response)
	if err != nil {
		p.logger.Printf("unparseable plan, treating prompt as direct conversation: %v", err)
		return Plan{}
	}

	if plan.Empty() {
		p.logger.Printf("no tool steps needed for this prompt")
	} else {
		for i, step := range plan.Steps {
			p.logger.Printf("step %d/%d: [%s] %s", i+1, len(plan.Steps), step.Tool, step.Query)
		}
	}
	return plan
}

// parsePlanResponse parses the LLM response into a Plan
func parsePlanResponse(response string) (Plan, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		return Plan{}, fmt.Errorf("no JSON found in response")
	}

	var raw struct {
		Plan []struct {
			Tool        string `json:"tool"`
			Query       string `json:"query"`
			Description string `json:"description"`
		} `json:"plan"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Plan{}, fmt.Errorf("unmarshal plan: %w", err)
	}

	var plan Plan
	for _, s := range raw.Plan {
		tool := strings.TrimSpace(s.Tool)
		query := strings.TrimSpace(s.Query)
		if tool == "" && query == "" {
			continue
		}
		plan.Steps = append(plan.Steps, Step{
			Tool:        ToolTag(tool),
			Query:       query,
			Description: strings.TrimSpace(s.Description),
		})
	}
	return plan, nil
}

// buildPlanningPrompt builds the prompt for plan generation
func (p *Planner) buildPlanningPrompt(userPrompt, contextSummary string) string {
	ctxBlock := ""
	if strings.TrimSpace(contextSummary) != "" {
		ctxBlock = fmt.Sprintf("Relevant context from previous interactions:\n%s\n\n", contextSummary)
	}

	return fmt.Sprintf(`You are the planning stage of a personal AI assistant. Decide which tools, if any, are needed to fulfil the user's request, and in what order.

Available tools:
- web_search: search the web for current information. Query is the search text.
- shell: run a terminal command on the host. Query is the exact command line.
- python_code: execute a Python script. Query is the complete script source.
- data_processing: transform or analyze inline data (filter, aggregate, reformat). Query contains the instructions plus the data.

Rules:
1. Respond ONLY with JSON in this exact shape:
{"plan": [{"tool": "web_search", "query": "...", "description": "..."}]}
2. If the request is plain conversation that needs no tools, respond with {"plan": []}.
3. Steps run strictly in order. To feed the previous step's output into the next step's query, include the literal token previous_step_result where the output should be inserted. Only the immediately preceding step's result is available.
4. Prefer the fewest steps that fully accomplish the request.

%sUser request: %s`, ctxBlock, userPrompt)
}
