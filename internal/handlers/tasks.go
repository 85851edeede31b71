package handlers

import (
	"net/http"

	"codeloom/internal/task"
	"codeloom/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateTaskRequest creates a board task in a project.
type CreateTaskRequest struct {
	ProjectID   uint   `json:"project_id" binding:"required"`
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
}

// CreateTask adds a task to the board in (todo, research).
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request format", Code: "INVALID_REQUEST"})
		return
	}

	tsk := models.Task{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Description: req.Description,
		Status:      models.TaskStatusTodo,
		Column:      models.ColumnResearch,
		BuildStatus: models.BuildStatusPending,
	}
	if err := h.DB.Create(&tsk).Error; err != nil {
		h.Logger.Error("task create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create task", Code: "CREATE_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, tsk)
}

// ListTasks returns a project's tasks grouped in board order.
func (h *Handler) ListTasks(c *gin.Context) {
	projectID, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	var tasks []models.Task
	if err := h.DB.Where("project_id = ?", projectID).Order("created_at").Find(&tasks).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list tasks", Code: "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// GetTask returns one task.
func (h *Handler) GetTask(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var tsk models.Task
	if err := h.DB.First(&tsk, id).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, tsk)
}

// MoveTaskRequest is a drag between board columns, expressed as the target
// status.
type MoveTaskRequest struct {
	Status string `json:"status" binding:"required"`
}

// MoveTask handles a user drag. Dragging todo -> in_progress tells the client
// to start a generation (the state transition lands when the run starts);
// dragging to done requests a merge of the task's pull request, and the final
// done state lands when the provider's webhook confirms the merge.
func (h *Handler) MoveTask(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}

	var req MoveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request format", Code: "INVALID_REQUEST"})
		return
	}

	var tsk models.Task
	if err := h.DB.First(&tsk, id).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: "NOT_FOUND"})
		return
	}

	current := task.StateOf(&tsk)

	switch req.Status {
	case models.TaskStatusInProgress:
		if current != task.Todo {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "task is not in todo", Code: "INVALID_TRANSITION"})
			return
		}
		// The generation start applies the transition; the client opens the
		// event stream next.
		c.JSON(http.StatusOK, gin.H{"task": tsk, "action": "start_generation"})
		return

	case models.TaskStatusDone:
		if tsk.PRNumber == 0 {
			c.JSON(http.StatusConflict, ErrorResponse{Error: "task has no pull request", Code: "NO_PULL_REQUEST"})
			return
		}
		var project models.Project
		if err := h.DB.First(&project, tsk.ProjectID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load project", Code: "LOAD_FAILED"})
			return
		}

		next := task.Apply(current, task.EventMergeRequested)
		task.Write(&tsk, next)
		if err := h.DB.Save(&tsk).Error; err != nil {
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to update task", Code: "UPDATE_FAILED"})
			return
		}

		if err := h.Git.MergePullRequest(c.Request.Context(), project.RepoOwner, project.RepoName, tsk.PRNumber, "squash"); err != nil {
			h.Logger.Error("merge request failed", zap.Uint("task_id", tsk.ID), zap.Error(err))
			c.JSON(http.StatusBadGateway, ErrorResponse{Error: "merge request failed", Code: "MERGE_FAILED"})
			return
		}
		// Done lands via the pull_request webhook once the provider reports
		// the merge.
		c.JSON(http.StatusOK, gin.H{"task": tsk, "action": "merge_requested"})
		return

	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unsupported move target", Code: "INVALID_TRANSITION"})
		return
	}
}
