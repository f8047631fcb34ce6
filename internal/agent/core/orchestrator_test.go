package core

import (
	"context"
	"strings"
	"testing"

	"anima/config"
)

// scriptedRunner returns canned results in order, repeating the last one,
// and records every query it was handed.
type scriptedRunner struct {
	results []StepResult
	calls   int
	queries []string
	tools   []ToolTag
}

var _ StepRunner = (*scriptedRunner)(nil)

func (r *scriptedRunner) RunStep(ctx context.Context, step Step) StepResult {
	r.calls++
	r.queries = append(r.queries, step.Query)
	r.tools = append(r.tools, step.Tool)
	idx := r.calls - 1
	if idx >= len(r.results) {
		idx = len(r.results) - 1
	}
	return r.results[idx]
}

// scriptedChecker returns canned outcomes in order, repeating the last one.
type scriptedChecker struct {
	outcomes []VerificationOutcome
	calls    int
}

var _ Verifier = (*scriptedChecker)(nil)

func (c *scriptedChecker) VerifyStepCompletion(ctx context.Context, step Step, rawResult, originalUserPrompt string) VerificationOutcome {
	c.calls++
	idx := c.calls - 1
	if idx >= len(c.outcomes) {
		idx = len(c.outcomes) - 1
	}
	return c.outcomes[idx]
}

func approveAll() *scriptedChecker {
	return &scriptedChecker{outcomes: []VerificationOutcome{{ObjectiveAchieved: true, Reason: "ok"}}}
}

// recordingFixer echoes the step back unchanged and records what it saw.
type recordingFixer struct {
	fixErrors     []string
	deepHistories [][]string
	sequence      []string // "shallow" / "deep" in call order
}

var _ Repairer = (*recordingFixer)(nil)

func (f *recordingFixer) FixStep(ctx context.Context, step Step, lastError string) Step {
	f.fixErrors = append(f.fixErrors, lastError)
	f.sequence = append(f.sequence, "shallow")
	return step
}

func (f *recordingFixer) DeepAnalysisAndFix(ctx context.Context, step Step, errorHistory []string) Step {
	history := make([]string, len(errorHistory))
	copy(history, errorHistory)
	f.deepHistories = append(f.deepHistories, history)
	f.sequence = append(f.sequence, "deep")
	return step
}

func newTestOrchestrator(runner StepRunner, checker Verifier, fixer Repairer) *Orchestrator {
	return NewOrchestrator(&config.Config{}, runner, checker, fixer, nil)
}

func TestSingleStepSuccessRunsOnceWithoutRepairs(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ResultOf("the answer")}}
	fixer := &recordingFixer{}
	o := newTestOrchestrator(runner, approveAll(), fixer)

	execLog := NewExecutionLog(nil)
	plan := Plan{Steps: []Step{{Tool: ToolWebSearch, Query: "latest release"}}}
	results, err := o.ExecutePlan(context.Background(), plan, "find the latest release", nil, execLog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0] != "the answer" {
		t.Fatalf("unexpected results: %#v", results)
	}
	if runner.calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", runner.calls)
	}
	if len(fixer.fixErrors) != 0 || len(fixer.deepHistories) != 0 {
		t.Fatalf("no repairs expected on a clean run")
	}

	achieved := 0
	for _, line := range execLog.Lines() {
		if strings.Contains(line, "✅ Objective achieved") {
			achieved++
		}
	}
	if achieved != 1 {
		t.Fatalf("expected exactly one success line, got %d in %q", achieved, execLog.Lines())
	}
}

func TestExhaustionAfterSixRepairsNamesStepAndTool(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ErrorOf("connection refused")}}
	fixer := &recordingFixer{}
	checker := approveAll()
	o := newTestOrchestrator(runner, checker, fixer)

	plan := Plan{Steps: []Step{{Tool: ToolWebSearch, Query: "query"}}}
	results, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, nil)
	if err == nil {
		t.Fatalf("expected failure after exhausting repairs")
	}
	if !strings.Contains(err.Error(), "step 1/1") || !strings.Contains(err.Error(), "web_search") {
		t.Fatalf("failure summary must name step index and tool, got: %v", err)
	}
	if !strings.Contains(err.Error(), "6 repair attempts") {
		t.Fatalf("failure summary must name the budget, got: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("failed step must not contribute a result, got %#v", results)
	}

	// Initial attempt plus one execution per repair
	if runner.calls != 1+maxRepairAttempts {
		t.Fatalf("expected %d executions, got %d", 1+maxRepairAttempts, runner.calls)
	}
	// 3 shallow, 1 deep at attempt 4, 2 shallow
	wantSeq := []string{"shallow", "shallow", "shallow", "deep", "shallow", "shallow"}
	if len(fixer.sequence) != len(wantSeq) {
		t.Fatalf("expected %d repair calls, got %d", len(wantSeq), len(fixer.sequence))
	}
	for i, kind := range wantSeq {
		if fixer.sequence[i] != kind {
			t.Fatalf("repair call %d: expected %s, got %s (full: %v)", i+1, kind, fixer.sequence[i], fixer.sequence)
		}
	}
	// Tool errors never reach verification
	if checker.calls != 0 {
		t.Fatalf("checker must not run for error results, ran %d times", checker.calls)
	}
}

func TestDeepAnalysisSeesFullHistory(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ErrorOf("boom")}}
	fixer := &recordingFixer{}
	o := newTestOrchestrator(runner, approveAll(), fixer)

	plan := Plan{Steps: []Step{{Tool: ToolShell, Query: "do thing"}}}
	_, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, nil)
	if err == nil {
		t.Fatalf("expected exhaustion")
	}

	if len(fixer.deepHistories) != 1 {
		t.Fatalf("deep analysis must run exactly once, ran %d times", len(fixer.deepHistories))
	}
	// At attempt 4 the history holds the initial error plus attempts 1-3
	if got := len(fixer.deepHistories[0]); got != 4 {
		t.Fatalf("deep analysis should see 4 accumulated errors, saw %d", got)
	}
	// Shallow fixes see only the single latest error
	for i, e := range fixer.fixErrors {
		if e != "boom" {
			t.Fatalf("shallow fix %d got %q, want the latest error only", i+1, e)
		}
	}
}

func TestVerificationFailureEntersRepairLoop(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ResultOf("empty page")}}
	checker := &scriptedChecker{outcomes: []VerificationOutcome{
		{ObjectiveAchieved: false, Reason: "result does not answer the question"},
		{ObjectiveAchieved: true, Reason: "ok"},
	}}
	fixer := &recordingFixer{}
	o := newTestOrchestrator(runner, checker, fixer)

	execLog := NewExecutionLog(nil)
	plan := Plan{Steps: []Step{{Tool: ToolWebSearch, Query: "search"}}}
	results, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, execLog)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %#v", results)
	}
	if len(fixer.fixErrors) != 1 {
		t.Fatalf("expected one repair, got %d", len(fixer.fixErrors))
	}
	// The checker's reason flows into the fixer as a synthetic error
	if !strings.Contains(fixer.fixErrors[0], "verification failed:") ||
		!strings.Contains(fixer.fixErrors[0], "does not answer") {
		t.Fatalf("fixer should receive the verification reason, got %q", fixer.fixErrors[0])
	}
}

func TestFailFastSkipsLaterSteps(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ErrorOf("always broken")}}
	o := newTestOrchestrator(runner, approveAll(), &recordingFixer{})

	plan := Plan{Steps: []Step{
		{Tool: ToolShell, Query: "first"},
		{Tool: ToolPythonCode, Query: "second"},
	}}
	results, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, nil)
	if err == nil {
		t.Fatalf("expected plan failure")
	}
	if !strings.Contains(err.Error(), "step 1/2") {
		t.Fatalf("summary should carry 1-based index out of total, got: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("no results expected, got %#v", results)
	}
	for _, q := range runner.queries {
		if q == "second" {
			t.Fatalf("later steps must not run after exhaustion")
		}
	}
}

func TestPlaceholderSubstitutionUsesPrecedingResult(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{
		ResultOf("alpha"),
		ResultOf("beta"),
		ResultOf("gamma"),
	}}
	o := newTestOrchestrator(runner, approveAll(), &recordingFixer{})

	plan := Plan{Steps: []Step{
		{Tool: ToolWebSearch, Query: "find something"},
		{Tool: ToolShell, Query: "echo previous_step_result"},
		{Tool: ToolPythonCode, Query: "print('previous_step_result')"},
	}}
	_, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.queries[1] != "echo alpha" {
		t.Fatalf("step 2 should see step 1's result, got %q", runner.queries[1])
	}
	// Only the immediately preceding result is visible
	if runner.queries[2] != "print('beta')" {
		t.Fatalf("step 3 should see step 2's result, got %q", runner.queries[2])
	}
}

func TestQueriesWithoutPlaceholderAreUntouched(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ResultOf("one"), ResultOf("two")}}
	o := newTestOrchestrator(runner, approveAll(), &recordingFixer{})

	plan := Plan{Steps: []Step{
		{Tool: ToolWebSearch, Query: "plain"},
		{Tool: ToolShell, Query: "also plain"},
	}}
	if _, err := o.ExecutePlan(context.Background(), plan, "prompt", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runner.queries[1] != "also plain" {
		t.Fatalf("query without placeholder must pass through, got %q", runner.queries[1])
	}
}

func TestEmptyPlanExecutesNothing(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ResultOf("never")}}
	o := newTestOrchestrator(runner, approveAll(), &recordingFixer{})

	results, err := o.ExecutePlan(context.Background(), Plan{}, "just chatting", nil, nil)
	if err != nil {
		t.Fatalf("empty plan must succeed, got %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("empty plan yields no results, got %#v", results)
	}
	if runner.calls != 0 {
		t.Fatalf("executor must not be invoked for an empty plan, ran %d times", runner.calls)
	}
}

func TestEventSequenceForCleanRun(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ResultOf("data")}}
	o := newTestOrchestrator(runner, approveAll(), &recordingFixer{})

	sink := make(ChannelSink, 16)
	plan := Plan{Steps: []Step{{Tool: ToolWebSearch, Query: "q"}}}
	if _, err := o.ExecutePlan(context.Background(), plan, "prompt", sink, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(sink)

	var types []EventType
	for ev := range sink {
		types = append(types, ev.Type)
	}
	want := []EventType{EventPlan, EventStepStarted, EventStepCompleted, EventPlanCompleted}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestRetryEventStatuses(t *testing.T) {
	// First run errors, repaired run succeeds but is rejected once, then passes
	runner := &scriptedRunner{results: []StepResult{
		ErrorOf("tool blew up"),
		ResultOf("meh"),
		ResultOf("good"),
	}}
	checker := &scriptedChecker{outcomes: []VerificationOutcome{
		{ObjectiveAchieved: false, Reason: "not it"},
		{ObjectiveAchieved: true, Reason: "ok"},
	}}
	o := newTestOrchestrator(runner, checker, &recordingFixer{})

	sink := make(ChannelSink, 32)
	plan := Plan{Steps: []Step{{Tool: ToolShell, Query: "run"}}}
	if _, err := o.ExecutePlan(context.Background(), plan, "prompt", sink, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(sink)

	var statuses []RetryStatus
	for ev := range sink {
		if ev.Type == EventStepRetry {
			statuses = append(statuses, ev.Status)
		}
	}
	// retry 1 repairs a tool error, retry 2 a verification rejection, and the
	// final retry event reports success
	want := []RetryStatus{RetryStatusError, RetryStatusVerificationFailed, RetryStatusSuccess}
	if len(statuses) != len(want) {
		t.Fatalf("expected statuses %v, got %v", want, statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("retry %d: expected %s, got %s", i, want[i], statuses[i])
		}
	}
}

func TestCanceledContextStopsRepairLoop(t *testing.T) {
	runner := &scriptedRunner{results: []StepResult{ErrorOf("fail")}}
	fixer := &recordingFixer{}
	o := newTestOrchestrator(runner, approveAll(), fixer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := Plan{Steps: []Step{{Tool: ToolShell, Query: "q"}}}
	_, err := o.ExecutePlan(ctx, plan, "prompt", nil, nil)
	if err == nil {
		t.Fatalf("expected error from canceled context")
	}
	if len(fixer.fixErrors) != 0 || len(fixer.deepHistories) != 0 {
		t.Fatalf("no repairs should run once the context is gone")
	}
}
