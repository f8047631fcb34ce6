package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"anima/config"
	"anima/internal/agent/telemetry"
)

const (
	// maxRepairAttempts bounds the repair loop per step. Attempt numbers the
	// orchestrator hands the fixer run 1 through maxRepairAttempts.
	maxRepairAttempts = 6
	// deepAnalysisAttempt is the one attempt that escalates to full-history
	// deep analysis instead of a shallow fix.
	deepAnalysisAttempt = 4
)

// StepRunner executes a single step. All failure is carried inside the
// StepResult; the runner itself never errors.
type StepRunner interface {
	RunStep(ctx context.Context, step Step) StepResult
}

// Verifier judges whether a successful step's output meets the objective.
type Verifier interface {
	VerifyStepCompletion(ctx context.Context, step Step, rawResult, originalUserPrompt string) VerificationOutcome
}

// Repairer proposes replacement steps for failed ones.
type Repairer interface {
	FixStep(ctx context.Context, step Step, lastError string) Step
	DeepAnalysisAndFix(ctx context.Context, step Step, errorHistory []string) Step
}

// Orchestrator drives a plan through the execute-verify-repair state
// machine, step by step and strictly in order.
type Orchestrator struct {
	config    *config.Config
	runner    StepRunner
	checker   Verifier
	fixer     Repairer
	telemetry *telemetry.Telemetry
	logger    *log.Logger
	tracer    trace.Tracer
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(cfg *config.Config, runner StepRunner, checker Verifier, fixer Repairer, telem *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		config:    cfg,
		runner:    runner,
		checker:   checker,
		fixer:     fixer,
		telemetry: telem,
		logger:    log.New(log.Writer(), "[ORCHESTRATOR] ", log.LstdFlags),
		tracer:    otel.Tracer("anima/orchestrator"),
	}
}

// ExecutePlan runs every step of the plan in order and returns their
// results. The first step that exhausts its repair budget halts the entire
// plan: no later step runs, and the returned error is the failure summary.
// sink may be nil; events are observability only and never change behavior.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan Plan, userPrompt string, sink EventSink, execLog *ExecutionLog) ([]string, error) {
	if execLog == nil {
		execLog = NewExecutionLog(nil)
	}
	emit := func(ev Event) {
		if sink != nil {
			ev.Timestamp = time.Now().UTC()
			sink.Emit(ev)
		}
	}

	total := len(plan.Steps)
	emit(Event{Type: EventPlan, Plan: &plan, Total: total})
	execLog.Append("📋 Executing plan with %d step(s)", total)

	results := make([]string, 0, total)
	prevResult := ""
	for i := range plan.Steps {
		step := plan.Steps[i]
		// One step of lookback: the placeholder resolves to the immediately
		// preceding step's result, nothing older.
		if i > 0 && strings.Contains(step.Query, PlaceholderPreviousResult) {
			step.Query = strings.ReplaceAll(step.Query, PlaceholderPreviousResult, prevResult)
		}

		emit(Event{Type: EventStepStarted, Step: i + 1, Total: total, Tool: step.Tool, Message: step.Description})
		execLog.Append("▶️ Step %d/%d [%s]: %s", i+1, total, step.Tool, step.Query)

		result, err := o.executeStep(ctx, step, i+1, total, userPrompt, emit, execLog)
		if err != nil {
			emit(Event{Type: EventStepFailed, Step: i + 1, Total: total, Tool: step.Tool, Message: err.Error()})
			return results, err
		}

		results = append(results, result)
		prevResult = result
		emit(Event{Type: EventStepCompleted, Step: i + 1, Total: total, Tool: step.Tool, Message: preview(result)})
	}

	emit(Event{Type: EventPlanCompleted, Total: total})
	return results, nil
}

// executeStep runs one step to completion: initial attempt, then up to
// maxRepairAttempts repair rounds. Both tool errors and verification
// rejections land in the same budget; the only difference is that tool
// errors skip verification entirely.
func (o *Orchestrator) executeStep(ctx context.Context, step Step, index, total int, userPrompt string, emit func(Event), execLog *ExecutionLog) (string, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.step", trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("step.tool", string(step.Tool)),
	))
	defer span.End()

	stepStart := time.Now()
	current := step
	var history []string
	deepUsed := false

	finish := func(success, exhausted bool, repairs int) {
		if o.telemetry != nil {
			o.telemetry.RecordStep(ctx, telemetry.StepEvent{
				Tool:         string(current.Tool),
				Duration:     time.Since(stepStart),
				Success:      success,
				Repairs:      repairs,
				DeepAnalysis: deepUsed,
				Exhausted:    exhausted,
			})
		}
	}

	res := o.runner.RunStep(ctx, current)
	if !res.Failed() {
		outcome := o.checker.VerifyStepCompletion(ctx, current, res.Value(), userPrompt)
		if outcome.ObjectiveAchieved {
			execLog.Append("✅ Objective achieved: step %d/%d", index, total)
			finish(true, false, 0)
			return res.Value(), nil
		}
		history = append(history, fmt.Sprintf("verification failed: %s", outcome.Reason))
	} else {
		history = append(history, res.Err())
	}

	for attempt := 1; attempt <= maxRepairAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "canceled")
			finish(false, false, attempt-1)
			return "", err
		}

		lastError := history[len(history)-1]
		emit(Event{
			Type: EventStepRetry, Step: index, Total: total, Tool: current.Tool,
			Attempt: attempt, Status: retryStatus(lastError), Message: preview(lastError),
		})
		execLog.Append("🔧 Repair attempt %d/%d for step %d: %s", attempt, maxRepairAttempts, index, preview(lastError))

		if attempt == deepAnalysisAttempt {
			deepUsed = true
			current = o.fixer.DeepAnalysisAndFix(ctx, current, history)
		} else {
			current = o.fixer.FixStep(ctx, current, lastError)
		}
		if o.telemetry != nil {
			o.telemetry.RecordRepairAttempt(string(current.Tool), attempt == deepAnalysisAttempt)
		}

		res = o.runner.RunStep(ctx, current)
		if res.Failed() {
			history = append(history, res.Err())
			execLog.Append("❌ Attempt %d failed: %s", attempt, preview(res.Err()))
			continue
		}

		outcome := o.checker.VerifyStepCompletion(ctx, current, res.Value(), userPrompt)
		if outcome.ObjectiveAchieved {
			execLog.Append("✅ Success after %d correction(s): step %d/%d", attempt, index, total)
			emit(Event{
				Type: EventStepRetry, Step: index, Total: total, Tool: current.Tool,
				Attempt: attempt, Status: RetryStatusSuccess,
			})
			finish(true, false, attempt)
			return res.Value(), nil
		}
		history = append(history, fmt.Sprintf("verification failed: %s", outcome.Reason))
		execLog.Append("⚠️ Attempt %d rejected by verification: %s", attempt, outcome.Reason)
	}

	summary := fmt.Sprintf("step %d/%d [%s] failed after %d repair attempts", index, total, current.Tool, maxRepairAttempts)
	execLog.Append("🚫 %s", summary)
	span.SetStatus(codes.Error, "step exhausted repair budget")
	finish(false, true, maxRepairAttempts)
	return "", fmt.Errorf("%s", summary)
}

// retryStatus classifies the error that triggered a repair attempt.
func retryStatus(lastError string) RetryStatus {
	if strings.HasPrefix(lastError, "verification failed:") {
		return RetryStatusVerificationFailed
	}
	return RetryStatusError
}

// preview clips long text for events and trace lines.
func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
