package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"anima/config"
)

// Prometheus metrics, exposed by the server on /metrics. Registered once at
// package init on the default registry.
var (
	promTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "turns_total",
		Help: "Conversational turns processed, by outcome.",
	}, []string{"outcome"})
	promSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "steps_total",
		Help: "Plan steps executed, by tool and outcome.",
	}, []string{"tool", "outcome"})
	promRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "repairs_total",
		Help: "Repair attempts, by tool and kind (shallow or deep).",
	}, []string{"tool", "kind"})
	promStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "anima", Name: "step_duration_seconds",
		Help:    "Wall time per plan step including repairs.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"tool"})
	promTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "llm_tokens_total",
		Help: "LLM tokens consumed, by model and direction.",
	}, []string{"model", "direction"})
	promCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "embedding_cache_events_total",
		Help: "Embedding cache hits and misses.",
	}, []string{"result"})
	promInstalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "anima", Name: "dependency_installs_total",
		Help: "Python packages installed to recover failed steps.",
	}, []string{"package"})
)

// Telemetry provides monitoring and cost tracking for the agent
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds performance counters for one process lifetime
type Metrics struct {
	// Turn metrics
	TotalTurns      int64
	SuccessfulTurns int64
	FailedTurns     int64
	EmptyPlanTurns  int64
	AverageTurnTime time.Duration

	// Step metrics, keyed by tool tag
	StepExecutions   map[string]int64
	StepSuccessRates map[string]float64
	StepAverageTimes map[string]time.Duration
	RepairAttempts   map[string]int64
	DeepAnalyses     int64
	ExhaustedSteps   int64

	// LLM metrics, keyed by model
	LLMRequests       map[string]int64
	LLMTokensUsed     map[string]int64
	LLMAverageLatency map[string]time.Duration

	// Memory metrics
	CacheHits          int64
	CacheMisses        int64
	MemoryRetrievals   int64
	MemorySaves        int64
	MemorySaveFailures int64

	// Packages installed for missing-module recovery, keyed by pip name
	DependencyInstalls map[string]int64
}

// CostTracker tracks LLM spend per model and per operation
type CostTracker struct {
	OperationCosts map[string]float64
	ModelCosts     map[string]float64
	TotalCost      float64
	TotalTokens    int64
}

// TurnEvent records one completed conversational turn
type TurnEvent struct {
	ID          string
	UserID      string
	Success     bool
	EmptyPlan   bool
	Duration    time.Duration
	Cost        float64
	TokensUsed  int64
	ModelsUsed  []string
	StepsPlayed int
}

// StepEvent records one plan step from first attempt to final outcome
type StepEvent struct {
	Tool         string
	Duration     time.Duration
	Success      bool
	Repairs      int
	DeepAnalysis bool
	Exhausted    bool
}

// NewTelemetry creates a new telemetry instance
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			StepExecutions:    make(map[string]int64),
			StepSuccessRates:  make(map[string]float64),
			StepAverageTimes:  make(map[string]time.Duration),
			RepairAttempts:    make(map[string]int64),
			LLMRequests:        make(map[string]int64),
			LLMTokensUsed:      make(map[string]int64),
			LLMAverageLatency:  make(map[string]time.Duration),
			DependencyInstalls: make(map[string]int64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}

	if cfg.Enabled && cfg.PeriodicLogs {
		go t.startPeriodicReporting()
	}

	return t
}

// RecordTurn records a completed conversational turn
func (t *Telemetry) RecordTurn(ctx context.Context, event TurnEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalTurns++
	outcome := "success"
	if event.Success {
		t.metrics.SuccessfulTurns++
	} else {
		t.metrics.FailedTurns++
		outcome = "failure"
	}
	if event.EmptyPlan {
		t.metrics.EmptyPlanTurns++
	}
	promTurns.WithLabelValues(outcome).Inc()

	if t.metrics.TotalTurns == 1 {
		t.metrics.AverageTurnTime = event.Duration
	} else {
		total := t.metrics.AverageTurnTime * time.Duration(t.metrics.TotalTurns-1)
		t.metrics.AverageTurnTime = (total + event.Duration) / time.Duration(t.metrics.TotalTurns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.LLMRequests[model]++
	}

	t.costTracker.TotalCost += event.Cost
	t.costTracker.TotalTokens += event.TokensUsed
	t.costTracker.OperationCosts["turn"] += event.Cost

	t.logger.Printf("Turn: ID=%s, Success=%t, Steps=%d, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.ID, event.Success, event.StepsPlayed, event.Duration, event.Cost, event.TokensUsed)
}

// RecordStep records a plan step's final outcome
func (t *Telemetry) RecordStep(ctx context.Context, event StepEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.StepExecutions[event.Tool]++
	executions := t.metrics.StepExecutions[event.Tool]

	successes := t.metrics.StepSuccessRates[event.Tool] * float64(executions-1)
	outcome := "failure"
	if event.Success {
		successes += 1.0
		outcome = "success"
	}
	t.metrics.StepSuccessRates[event.Tool] = successes / float64(executions)

	currentAvg := t.metrics.StepAverageTimes[event.Tool]
	if executions == 1 {
		t.metrics.StepAverageTimes[event.Tool] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.StepAverageTimes[event.Tool] = (total + event.Duration) / time.Duration(executions)
	}

	t.metrics.RepairAttempts[event.Tool] += int64(event.Repairs)
	if event.DeepAnalysis {
		t.metrics.DeepAnalyses++
	}
	if event.Exhausted {
		t.metrics.ExhaustedSteps++
	}

	promSteps.WithLabelValues(event.Tool, outcome).Inc()
	promStepDuration.WithLabelValues(event.Tool).Observe(event.Duration.Seconds())

	t.logger.Printf("Step: Tool=%s, Success=%t, Repairs=%d, Duration=%v",
		event.Tool, event.Success, event.Repairs, event.Duration)
}

// RecordRepairAttempt records one repair call while a step is being retried
func (t *Telemetry) RecordRepairAttempt(tool string, deep bool) {
	if !t.config.Enabled {
		return
	}
	kind := "shallow"
	if deep {
		kind = "deep"
	}
	promRepairs.WithLabelValues(tool, kind).Inc()
}

// RecordDependencyInstall records a package installed to unblock a step
func (t *Telemetry) RecordDependencyInstall(pkg string) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.DependencyInstalls[pkg]++
	t.mu.Unlock()
	promInstalls.WithLabelValues(pkg).Inc()
}

// RecordLLMUsage records one LLM call's token usage, cost and latency
func (t *Telemetry) RecordLLMUsage(model string, inputTokens, outputTokens int64, cost float64, latency time.Duration) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.LLMRequests[model]++
	requests := t.metrics.LLMRequests[model]
	t.metrics.LLMTokensUsed[model] += inputTokens + outputTokens

	currentAvg := t.metrics.LLMAverageLatency[model]
	if requests == 1 {
		t.metrics.LLMAverageLatency[model] = latency
	} else {
		total := currentAvg * time.Duration(requests-1)
		t.metrics.LLMAverageLatency[model] = (total + latency) / time.Duration(requests)
	}

	if t.config.CostTracking {
		t.costTracker.ModelCosts[model] += cost
		t.costTracker.TotalCost += cost
		t.costTracker.TotalTokens += inputTokens + outputTokens
	}

	promTokens.WithLabelValues(model, "input").Add(float64(inputTokens))
	promTokens.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordCacheHit records an embedding cache hit
func (t *Telemetry) RecordCacheHit() {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.CacheHits++
	t.mu.Unlock()
	promCache.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records an embedding cache miss
func (t *Telemetry) RecordCacheMiss() {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.CacheMisses++
	t.mu.Unlock()
	promCache.WithLabelValues("miss").Inc()
}

// RecordMemoryRetrieval records one memory lookup returning n candidates
func (t *Telemetry) RecordMemoryRetrieval(n int) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.MemoryRetrievals++
	t.mu.Unlock()
}

// RecordMemorySave records one interaction save attempt
func (t *Telemetry) RecordMemorySave(success bool) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	t.metrics.MemorySaves++
	if !success {
		t.metrics.MemorySaveFailures++
	}
	t.mu.Unlock()
}

// GetMetrics returns a snapshot of current metrics
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	metrics := *t.metrics
	metrics.StepExecutions = copyInt64Map(t.metrics.StepExecutions)
	metrics.StepSuccessRates = copyFloatMap(t.metrics.StepSuccessRates)
	metrics.StepAverageTimes = copyDurationMap(t.metrics.StepAverageTimes)
	metrics.RepairAttempts = copyInt64Map(t.metrics.RepairAttempts)
	metrics.LLMRequests = copyInt64Map(t.metrics.LLMRequests)
	metrics.LLMTokensUsed = copyInt64Map(t.metrics.LLMTokensUsed)
	metrics.LLMAverageLatency = copyDurationMap(t.metrics.LLMAverageLatency)
	metrics.DependencyInstalls = copyInt64Map(t.metrics.DependencyInstalls)
	return metrics
}

// CostSummary provides a summary of LLM spend
type CostSummary struct {
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
	ModelCosts     map[string]float64 `json:"model_costs"`
	OperationCosts map[string]float64 `json:"operation_costs"`
}

// GetCostSummary returns current cost totals
func (t *Telemetry) GetCostSummary() CostSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      t.costTracker.TotalCost,
		TotalTokens:    t.costTracker.TotalTokens,
		ModelCosts:     copyFloatMap(t.costTracker.ModelCosts),
		OperationCosts: copyFloatMap(t.costTracker.OperationCosts),
	}
	return summary
}

// GetPerformanceReport returns a human-readable performance report
func (t *Telemetry) GetPerformanceReport() string {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	turns := metrics.TotalTurns
	if turns == 0 {
		turns = 1
	}
	report := fmt.Sprintf(`
=== PERFORMANCE REPORT ===
Turns:
  Total: %d
  Successful: %d (%.2f%%)
  Failed: %d
  Empty plans: %d
  Average Turn Time: %v
  Total Cost: $%.4f
  Total Tokens: %d

Step Performance:
`, metrics.TotalTurns, metrics.SuccessfulTurns,
		float64(metrics.SuccessfulTurns)/float64(turns)*100,
		metrics.FailedTurns, metrics.EmptyPlanTurns,
		metrics.AverageTurnTime, costs.TotalCost, costs.TotalTokens)

	for tool, executions := range metrics.StepExecutions {
		report += fmt.Sprintf("  %s: %d executions, %.2f%% success, %d repairs, %v avg time\n",
			tool, executions, metrics.StepSuccessRates[tool]*100,
			metrics.RepairAttempts[tool], metrics.StepAverageTimes[tool])
	}

	report += "\nLLM Usage:\n"
	for model, requests := range metrics.LLMRequests {
		report += fmt.Sprintf("  %s: %d requests, %d tokens, $%.4f, %v avg latency\n",
			model, requests, metrics.LLMTokensUsed[model],
			costs.ModelCosts[model], metrics.LLMAverageLatency[model])
	}

	report += fmt.Sprintf("\nMemory:\n  Retrievals: %d\n  Saves: %d (%d failed)\n  Cache: %d hits / %d misses\n",
		metrics.MemoryRetrievals, metrics.MemorySaves, metrics.MemorySaveFailures,
		metrics.CacheHits, metrics.CacheMisses)

	return report
}

// startPeriodicReporting logs a metrics snapshot at the configured interval
func (t *Telemetry) startPeriodicReporting() {
	interval := t.config.ReportInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		metrics := t.GetMetrics()
		costs := t.GetCostSummary()
		t.logger.Printf("Snapshot: Turns=%d/%d, AvgTime=%v, TotalCost=$%.4f, Tokens=%d",
			metrics.SuccessfulTurns, metrics.TotalTurns,
			metrics.AverageTurnTime, costs.TotalCost, costs.TotalTokens)
	}
}

// Shutdown logs a final report
func (t *Telemetry) Shutdown() {
	metrics := t.GetMetrics()
	costs := t.GetCostSummary()

	turns := metrics.TotalTurns
	if turns == 0 {
		return
	}
	t.logger.Printf("Final Report:")
	t.logger.Printf("  Total Turns: %d", metrics.TotalTurns)
	t.logger.Printf("  Success Rate: %.2f%%", float64(metrics.SuccessfulTurns)/float64(turns)*100)
	t.logger.Printf("  Average Turn Time: %v", metrics.AverageTurnTime)
	t.logger.Printf("  Total Cost: $%.4f", costs.TotalCost)
	t.logger.Printf("  Total Tokens: %d", costs.TotalTokens)
}

func copyInt64Map(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyDurationMap(in map[string]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
