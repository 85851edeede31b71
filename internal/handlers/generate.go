package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"codeloom/internal/generation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GenerateRequest starts an agent run for a project, optionally bound to a
// board task.
type GenerateRequest struct {
	ProjectID uint   `json:"project_id" binding:"required"`
	TaskID    *uint  `json:"task_id"`
	Prompt    string `json:"prompt" binding:"required"`
}

// Generate runs a generation and streams its events to the client as
// server-sent events: "event: <type>\n" followed by "data: <json>\n\n".
// The stream mirrors the coordinator's ordering exactly; complete is always
// the last event on success, and a stream that ends without complete means
// the run failed.
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request format", Code: "INVALID_REQUEST"})
		return
	}

	events, err := h.Coordinator.Start(c.Request.Context(), generation.Request{
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Prompt:    req.Prompt,
	})
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many generations, slow down", Code: "RATE_LIMIT"})
		case errors.Is(err, generation.ErrGenerationActive):
			c.JSON(http.StatusConflict, ErrorResponse{Error: "task already has an active generation", Code: "GENERATION_ACTIVE"})
		default:
			h.Logger.Error("generation start failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to start generation", Code: "START_FAILED"})
		}
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			h.Logger.Error("event marshal failed", zap.Error(err))
			continue
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Name(), payload)
		if canFlush {
			flusher.Flush()
		}
	}
}
