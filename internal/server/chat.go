package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"anima/internal/agent/core"
)

var chatTracer = otel.Tracer("anima/internal/server/chat")

// heartbeatInterval is how often an idle SSE stream emits a comment line so
// proxies do not reap the connection between plan steps.
const heartbeatInterval = 15 * time.Second

// TurnProcessor runs one conversational turn. *core.Agent is the production
// implementation; the indirection keeps the handlers testable without an
// LLM behind them.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, userID, prompt string, sink core.EventSink) (core.TurnResult, error)
}

// ChatHandler exposes the agent over plain request/response and over SSE.
type ChatHandler struct {
	Agent  TurnProcessor
	Logger *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group) {
	g.POST("", h.handleChat)
	g.GET("/stream", h.handleStream)
}

// handleChat runs a full turn and returns the final result in one response.
func (h *ChatHandler) handleChat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	userID, _ := c.Get("user_id").(string)

	result, err := h.Agent.ProcessTurn(c.Request().Context(), userID, message, nil)
	if err != nil {
		h.Logger.Printf("turn failed for user %s: %v", userID, err)
		return echo.NewHTTPError(http.StatusInternalServerError, "turn failed: "+err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

// handleStream runs a turn while forwarding progress events to the client
// as Server-Sent Events. Orchestrator events stream live; the final result
// arrives as a terminal turn_completed (or turn_failed) event.
func (h *ChatHandler) handleStream(c echo.Context) error {
	message := strings.TrimSpace(c.QueryParam("message"))
	if message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	req := c.Request()
	ctx := req.Context()
	ctx, span := chatTracer.Start(ctx, "ChatHandler.stream")
	defer span.End()
	span.SetAttributes(attribute.Int("message_length", len(message)))
	c.SetRequest(req.WithContext(ctx))
	userID, _ := c.Get("user_id").(string)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	writeEvent := func(name string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("event: " + name + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// The sink buffer absorbs bursts; ChannelSink drops on overflow so the
	// turn never blocks on a slow client.
	events := make(core.ChannelSink, 64)
	type turnOutcome struct {
		result core.TurnResult
		err    error
	}
	done := make(chan turnOutcome, 1)
	go func() {
		result, err := h.Agent.ProcessTurn(ctx, userID, message, events)
		done <- turnOutcome{result: result, err: err}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			// Client went away; the request context also cancels the turn.
			return nil
		case <-heartbeat.C:
			if _, err := resp.Write([]byte(": keep-alive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(string(ev.Type), ev); err != nil {
				span.RecordError(err)
				return nil
			}
		case out := <-done:
			// Forward whatever was emitted before the turn finished.
		drain:
			for {
				select {
				case ev := <-events:
					if err := writeEvent(string(ev.Type), ev); err != nil {
						span.RecordError(err)
						return nil
					}
				default:
					break drain
				}
			}
			if out.err != nil {
				h.Logger.Printf("stream turn failed for user %s: %v", userID, out.err)
				span.RecordError(out.err)
				span.SetStatus(codes.Error, out.err.Error())
				return writeEvent("turn_failed", HTTPError{Error: out.err.Error()})
			}
			span.SetStatus(codes.Ok, "")
			return writeEvent("turn_completed", out.result)
		}
	}
}
