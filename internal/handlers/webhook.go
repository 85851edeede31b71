package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"codeloom/internal/metrics"
	"codeloom/internal/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GitHubWebhook receives pull_request notifications. The signature is
// verified against the raw body before any state is read; deliveries that
// match no task are acknowledged so the sender does not retry them.
func (h *Handler) GitHubWebhook(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable body", Code: "INVALID_REQUEST"})
		return
	}

	signature := c.GetHeader("X-Hub-Signature-256")
	if !webhook.VerifySignature(rawBody, signature, h.WebhookSecret) {
		metrics.Get().WebhooksRejected.Inc()
		h.Logger.Warn("webhook signature rejected",
			zap.String("delivery_id", c.GetHeader("X-GitHub-Delivery")))
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "signature verification failed", Code: "SIGNATURE_INVALID"})
		return
	}

	if c.GetHeader("X-GitHub-Event") != "pull_request" {
		// Pings and other event types are acknowledged without effect.
		c.JSON(http.StatusOK, gin.H{"ignored": true})
		return
	}

	var ev webhook.PullRequestEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid payload", Code: "INVALID_REQUEST"})
		return
	}

	result, err := h.Reconciler.HandlePullRequest(c.Request.Context(), &ev)
	if err != nil {
		h.Logger.Error("webhook reconciliation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "reconciliation failed", Code: "RECONCILE_FAILED"})
		return
	}

	c.JSON(http.StatusOK, result)
}
