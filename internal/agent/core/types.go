package core

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// ToolTag identifies one of the built-in tool adapters.
type ToolTag string

const (
	ToolWebSearch      ToolTag = "web_search"
	ToolShell          ToolTag = "shell"
	ToolPythonCode     ToolTag = "python_code"
	ToolDataProcessing ToolTag = "data_processing"
)

// KnownTools lists every tool tag the executor accepts.
func KnownTools() []ToolTag {
	return []ToolTag{ToolWebSearch, ToolShell, ToolPythonCode, ToolDataProcessing}
}

// Known reports whether the tag names a built-in tool. Plans may carry
// unknown tags (the planner and fixer are free-form); execution rejects them.
func (t ToolTag) Known() bool {
	switch t {
	case ToolWebSearch, ToolShell, ToolPythonCode, ToolDataProcessing:
		return true
	}
	return false
}

// PlaceholderPreviousResult is the literal token in a step query that gets
// replaced with the immediately preceding step's result. Only one step of
// lookback exists; there is no general variable system.
const PlaceholderPreviousResult = "previous_step_result"

// Step is one unit of work in a plan: a tool and the query to hand it.
type Step struct {
	Tool        ToolTag `json:"tool"`
	Query       string  `json:"query"`
	Description string  `json:"description,omitempty"`
}

// Plan is an ordered list of steps. An empty plan is valid and means the
// prompt is direct conversation with nothing to execute. Plans are never
// persisted; only the execution log survives a turn.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Empty reports whether the plan has no steps.
func (p Plan) Empty() bool { return len(p.Steps) == 0 }

// StepResult is the outcome of running one step. Exactly one of Result or
// Error is set; use ResultOf and ErrorOf to construct.
type StepResult struct {
	Result *string `json:"result"`
	Error  *string `json:"error"`
}

// ResultOf builds a successful StepResult.
func ResultOf(s string) StepResult { return StepResult{Result: &s} }

// ErrorOf builds a failed StepResult.
func ErrorOf(s string) StepResult { return StepResult{Error: &s} }

// Failed reports whether the step produced an error.
func (r StepResult) Failed() bool { return r.Error != nil }

// Value returns the result text, or "" for a failed step.
func (r StepResult) Value() string {
	if r.Result == nil {
		return ""
	}
	return *r.Result
}

// Err returns the error text, or "" for a successful step.
func (r StepResult) Err() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// VerificationOutcome is the checker's judgement of whether a step's raw
// output actually serves the user's objective. Verification only runs for
// successful tool results; errors skip straight to repair.
type VerificationOutcome struct {
	ObjectiveAchieved bool   `json:"objective_achieved"`
	Reason            string `json:"reason"`
}

// ExecutionLog is the append-only human-readable trace of a turn. Lines are
// mirrored to the process logger as they are appended and rendered into the
// final response; the log is the only record of a plan's execution.
type ExecutionLog struct {
	lines  []string
	logger *log.Logger
}

// NewExecutionLog creates an execution log mirroring to logger. A nil logger
// keeps the trace in memory only.
func NewExecutionLog(logger *log.Logger) *ExecutionLog {
	return &ExecutionLog{logger: logger}
}

// Append formats and records one trace line.
func (l *ExecutionLog) Append(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	l.lines = append(l.lines, line)
	if l.logger != nil {
		l.logger.Print(line)
	}
}

// Lines returns a copy of the recorded trace.
func (l *ExecutionLog) Lines() []string {
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Render joins the trace into one block of text.
func (l *ExecutionLog) Render() string { return strings.Join(l.lines, "\n") }

// EventType names a progress event emitted while a plan executes.
type EventType string

const (
	EventPlan          EventType = "plan"
	EventStepStarted   EventType = "plan_step_started"
	EventStepCompleted EventType = "plan_step_completed"
	EventStepRetry     EventType = "plan_step_retry"
	EventStepFailed    EventType = "plan_step_failed"
	EventPlanCompleted EventType = "plan_completed"
)

// RetryStatus qualifies a plan_step_retry event.
type RetryStatus string

const (
	RetryStatusError              RetryStatus = "error"
	RetryStatusVerificationFailed RetryStatus = "verification_failed"
	RetryStatusSuccess            RetryStatus = "success"
)

// Event is one typed progress notification. Events exist for observability
// only; the orchestrator behaves identically whether or not anyone listens,
// and the final TurnResult is delivered separately.
type Event struct {
	Type      EventType   `json:"type"`
	Step      int         `json:"step,omitempty"` // 1-based index into the plan
	Total     int         `json:"total,omitempty"`
	Tool      ToolTag     `json:"tool,omitempty"`
	Attempt   int         `json:"attempt,omitempty"`
	Status    RetryStatus `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	Plan      *Plan       `json:"plan,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventSink receives progress events. Implementations must not block; the
// orchestrator drops events a sink cannot take immediately.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(ev Event) { f(ev) }

// ChannelSink forwards events into a channel, dropping on a full buffer so
// a slow consumer can never stall plan execution.
type ChannelSink chan Event

func (c ChannelSink) Emit(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// ArtifactRef points at an artifact saved during a turn.
type ArtifactRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
	Path  string `json:"path,omitempty"`
}

// TurnResult is the final record of one conversational turn.
type TurnResult struct {
	InteractionID  string        `json:"interaction_id"`
	Response       string        `json:"response"`
	Thoughts       string        `json:"thoughts,omitempty"`
	Plan           Plan          `json:"plan"`
	StepResults    []string      `json:"step_results,omitempty"`
	Log            []string      `json:"log,omitempty"`
	Artifacts      []ArtifactRef `json:"artifacts,omitempty"`
	Category       string        `json:"category,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Importance     int           `json:"importance,omitempty"`
	TokensUsed     int64         `json:"tokens_used"`
	CostEstimate   float64       `json:"cost_estimate"`
	ProcessingTime time.Duration `json:"processing_time"`
	CreatedAt      time.Time     `json:"created_at"`
}
