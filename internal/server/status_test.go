package server

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"anima/config"
	"anima/internal/agent/telemetry"
)

func TestStatusSnapshot(t *testing.T) {
	svc := newTestMemory(t, newTestStore(t))
	seedInteraction(t, svc, "u1", "remember the milk", "Noted.", time.Now().UTC())

	tele := telemetry.NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
	tele.RecordTurn(context.Background(), telemetry.TurnEvent{
		ID:       "turn-1",
		UserID:   "u1",
		Success:  true,
		Duration: 2 * time.Second,
	})
	tele.RecordLLMUsage("planning-model", 100, 40, 0.0125, 800*time.Millisecond)

	h := &StatusHandler{
		Config:    newTestConfig(),
		Memory:    svc,
		Telemetry: tele,
		StartedAt: time.Now().UTC().Add(-3 * time.Second),
	}
	ctx, rec := memoryContext(t, http.MethodGet, "/status")
	if err := h.handleStatus(ctx); err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "online" || resp.Uptime == "" {
		t.Fatalf("unexpected status: %+v", resp)
	}
	if resp.Models["planning"] != "planning-model" || resp.Models["simple"] != "simple-model" {
		t.Fatalf("unexpected model routing: %+v", resp.Models)
	}
	if resp.Memory.TotalInteractions != 1 {
		t.Fatalf("memory snapshot not included: %+v", resp.Memory)
	}
	if resp.TotalTurns != 1 || resp.SuccessfulTurns != 1 {
		t.Fatalf("turn counters missing: %+v", resp)
	}
	if resp.TotalCost <= 0 || resp.TotalTokens != 140 {
		t.Fatalf("cost counters missing: %+v", resp)
	}
}

func TestStatusWithoutTelemetry(t *testing.T) {
	svc := newTestMemory(t, newTestStore(t))
	h := &StatusHandler{Config: newTestConfig(), Memory: svc, StartedAt: time.Now().UTC()}

	ctx, rec := memoryContext(t, http.MethodGet, "/status")
	if err := h.handleStatus(ctx); err != nil {
		t.Fatalf("handleStatus: %v", err)
	}
	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Status != "online" || resp.TotalTurns != 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
