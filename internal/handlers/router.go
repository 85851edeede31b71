package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes mounts the codeloom API on a gin engine.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:id", h.GetProject)
		v1.GET("/projects/:id/files", h.ListProjectFiles)
		v1.GET("/projects/:id/tasks", h.ListTasks)

		v1.POST("/tasks", h.CreateTask)
		v1.GET("/tasks/:id", h.GetTask)
		v1.POST("/tasks/:id/move", h.MoveTask)

		v1.POST("/generate", h.Generate)
		v1.GET("/sessions/:id", h.GetSession)

		v1.GET("/sandboxes", h.ListSandboxes)
		v1.DELETE("/sandboxes/:id", h.CloseSandbox)

		v1.POST("/webhooks/github", h.GitHubWebhook)
	}
}
