// Package handlers wires the codeloom HTTP API.
package handlers

import (
	"net/http"
	"strconv"

	"codeloom/internal/generation"
	"codeloom/internal/git"
	"codeloom/internal/sandbox"
	"codeloom/internal/webhook"
	"codeloom/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler carries every dependency the API needs.
type Handler struct {
	DB            *gorm.DB
	Coordinator   *generation.Coordinator
	Registry      *sandbox.Registry
	Git           *git.Client
	Reconciler    *webhook.Reconciler
	WebhookSecret string
	Logger        *zap.Logger
}

// NewHandler creates a handler instance.
func NewHandler(db *gorm.DB, coordinator *generation.Coordinator, registry *sandbox.Registry, gitClient *git.Client, reconciler *webhook.Reconciler, webhookSecret string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		DB:            db,
		Coordinator:   coordinator,
		Registry:      registry,
		Git:           gitClient,
		Reconciler:    reconciler,
		WebhookSecret: webhookSecret,
		Logger:        logger,
	}
}

// ErrorResponse is the error envelope every handler returns.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"error_code,omitempty"`
}

// Health reports service liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListSandboxes returns every live sandbox.
func (h *Handler) ListSandboxes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sandboxes": h.Registry.List()})
}

// CloseSandbox tears down a sandbox. Closing an unknown id succeeds.
func (h *Handler) CloseSandbox(c *gin.Context) {
	if err := h.Registry.Close(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "sandbox teardown failed", Code: "TEARDOWN_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true})
}

// GetSession returns a generation session record.
func (h *Handler) GetSession(c *gin.Context) {
	var session models.GenerationSession
	if err := h.DB.First(&session, "id = ?", c.Param("id")).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "session not found", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":       session,
		"files_created": session.FilesCreated(),
	})
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + name, Code: "INVALID_REQUEST"})
		return 0, false
	}
	return uint(v), true
}
