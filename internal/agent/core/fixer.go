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

const (
	// deepAnalysisErrorWindow is how many trailing errors the deep analysis
	// prompt quotes from the history.
	deepAnalysisErrorWindow = 5
	// deepAnalysisErrorClip caps each quoted error's length.
	deepAnalysisErrorClip = 200
)

// Fixer produces replacement steps for failed ones. FixStep is the shallow
// path driven by the single most recent error; DeepAnalysisAndFix sees the
// whole error history and is reserved for the escalation attempt.
type Fixer struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewFixer creates a new fixer
func NewFixer(cfg *config.Config, llmProvider LLMProvider, telem *telemetry.Telemetry) *Fixer {
	return &Fixer{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telem,
		logger:      log.New(log.Writer(), "[FIXER] ", log.LstdFlags),
	}
}

// FixStep proposes a corrected step given the most recent error. The
// replacement may change the query, the tool, or both. When generation or
// parsing fails the original step comes back unchanged; the retry loop
// simply replays it.
func (f *Fixer) FixStep(ctx context.Context, step Step, lastError string) Step {
	model := f.config.LLM.Routing.Repair

	prompt := fmt.Sprintf(`You are the error correction stage of an AI assistant. A tool step failed; propose a corrected version.

Available tools: web_search, shell, python_code, data_processing

Failed step:
  tool: %s
  query: %s

Error:
%s

Correct the step. You may rewrite the query, switch to a different tool, or both. Respond ONLY with JSON:
{"tool": "...", "query": "..."}`,
		step.Tool, step.Query, lastError)

	replacement, ok := f.generateReplacement(ctx, prompt, model)
	if !ok {
		f.logger.Printf("could not generate a fix, retrying step unchanged")
		return step
	}
	f.logger.Printf("proposed fix: [%s] %s", replacement.Tool, replacement.Query)
	return replacement
}

// DeepAnalysisAndFix is the escalation path: it sees the full error history
// of the step, looks for the pattern across failures, and proposes a
// rethought step. Internal failures fall back to the shallow FixStep with
// the most recent error.
func (f *Fixer) DeepAnalysisAndFix(ctx context.Context, step Step, errorHistory []string) Step {
	if len(errorHistory) == 0 {
		return step
	}
	model := f.config.LLM.Routing.DeepAnalysis

	window := errorHistory
	if len(window) > deepAnalysisErrorWindow {
		window = window[len(window)-deepAnalysisErrorWindow:]
	}
	var quoted []string
	for i, e := range window {
		if len(e) > deepAnalysisErrorClip {
			e = e[:deepAnalysisErrorClip] + "..."
		}
		quoted = append(quoted, fmt.Sprintf("%d. %s", i+1, e))
	}

	prompt := fmt.Sprintf(`You are the deep analysis stage of an AI assistant. A tool step has failed repeatedly despite corrections. Analyze the failure pattern across ALL attempts and propose a fundamentally different approach.

Available tools: web_search, shell, python_code, data_processing

Current step:
  tool: %s
  query: %s

Error history (oldest first):
%s

Do not make another small tweak. Identify what keeps going wrong and change the approach: a different tool, a restructured query, or a simpler decomposition of the same goal. Respond ONLY with JSON:
{"tool": "...", "query": "..."}`,
		step.Tool, step.Query, strings.Join(quoted, "\n"))

	replacement, ok := f.generateReplacement(ctx, prompt, model)
	if !ok {
		f.logger.Printf("deep analysis failed, falling back to shallow fix")
		return f.FixStep(ctx, step, errorHistory[len(errorHistory)-1])
	}
	f.logger.Printf("deep analysis proposal: [%s] %s", replacement.Tool, replacement.Query)
	return replacement
}

// generateReplacement runs the prompt and parses a replacement step out of
// the response.
func (f *Fixer) generateReplacement(ctx context.Context, prompt, model string) (Step, bool) {
	start := time.Now()
	response, inTok, outTok, err := f.llmProvider.GenerateWithTokens(ctx, prompt, model, nil)
	if f.telemetry != nil {
		f.telemetry.RecordLLMUsage(model, inTok, outTok,
			f.llmProvider.CalculateCost(inTok, outTok, model), time.Since(start))
	}
	if err != nil {
		f.logger.Printf("repair generation failed: %v", err)
		return Step{}, false
	}

	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		return Step{}, false
	}
	var raw struct {
		Tool  string `json:"tool"`
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return Step{}, false
	}
	tool := strings.TrimSpace(raw.Tool)
	query := strings.TrimSpace(raw.Query)
	if tool == "" || query == "" {
		return Step{}, false
	}
	return Step{Tool: ToolTag(tool), Query: query}, true
}
