package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"anima/config"
	"anima/internal/agent/telemetry"
)

// maxResultChars caps how much raw tool output is quoted in the
// verification prompt.
const maxResultChars = 2000

// Checker judges whether a step's raw output actually serves the user's
// objective. A tool returning cleanly is not the same as the objective being
// met; this is the second gate every successful step passes through.
type Checker struct {
	config      *config.Config
	llmProvider LLMProvider
	telemetry   *telemetry.Telemetry
	logger      *log.Logger
}

// NewChecker creates a new checker
func NewChecker(cfg *config.Config, llmProvider LLMProvider, telem *telemetry.Telemetry) *Checker {
	return &Checker{
		config:      cfg,
		llmProvider: llmProvider,
		telemetry:   telem,
		logger:      log.New(log.Writer(), "[CHECKER] ", log.LstdFlags),
	}
}

// VerifyStepCompletion asks the verification model whether rawResult
// fulfils the step's purpose within the user's original request. Internal
// failures fail open: a broken checker must not condemn good results, so
// the outcome defaults to achieved.
func (c *Checker) VerifyStepCompletion(ctx context.Context, step Step, rawResult, originalUserPrompt string) VerificationOutcome {
	model := c.config.LLM.Routing.Verification

	result := rawResult
	if len(result) > maxResultChars {
		result = result[:maxResultChars] + "... (truncated)"
	}

	prompt := fmt.Sprintf(`You are the verification stage of an AI assistant. A tool step has executed without errors; decide whether its output actually achieves what the step set out to do.

Original user request: %s

Step tool: %s
Step query: %s

Raw output:
%s

Judge semantic success, not technical success. An empty result, a "no matches found", or output unrelated to the query means the objective was NOT achieved.

Respond ONLY with JSON:
{"objective_achieved": true|false, "reason": "one sentence"}`,
		originalUserPrompt, step.Tool, step.Query, result)

	start := time.Now()
	response, inTok, outTok, err := c.llmProvider.GenerateWithTokens(ctx, prompt, model, nil)
	if c.telemetry != nil {
		c.telemetry.RecordLLMUsage(model, inTok, outTok,
			c.llmProvider.CalculateCost(inTok, outTok, model), time.Since(start))
	}
	if err != nil {
		c.logger.Printf("verification unavailable, assuming objective achieved: %v", err)
		return VerificationOutcome{ObjectiveAchieved: true, Reason: "verification unavailable"}
	}

	outcome, err := parseVerification(response)
	if err != nil {
		c.logger.Printf("unparseable verification, assuming objective achieved: %v", err)
		return VerificationOutcome{ObjectiveAchieved: true, Reason: "verification unavailable"}
	}
	return outcome
}

// parseVerification parses the LLM response into a VerificationOutcome
func parseVerification(response string) (VerificationOutcome, error) {
	jsonStr := extractJSONBlock(response)
	if jsonStr == "" {
		return VerificationOutcome{}, fmt.Errorf("no JSON found in response")
	}

	var raw struct {
		ObjectiveAchieved bool   `json:"objective_achieved"`
		Reason            string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return VerificationOutcome{}, fmt.Errorf("unmarshal verification: %w", err)
	}
	return VerificationOutcome{ObjectiveAchieved: raw.ObjectiveAchieved, Reason: raw.Reason}, nil
}
