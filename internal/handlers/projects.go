package handlers

import (
	"net/http"

	"codeloom/pkg/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CreateProjectRequest creates a project, optionally connected to a GitHub
// repository.
type CreateProjectRequest struct {
	Name          string `json:"name" binding:"required"`
	Description   string `json:"description"`
	RepoOwner     string `json:"repo_owner"`
	RepoName      string `json:"repo_name"`
	DefaultBranch string `json:"default_branch"`
}

// CreateProject registers a project.
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request format", Code: "INVALID_REQUEST"})
		return
	}

	branch := req.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	project := models.Project{
		Name:          req.Name,
		Description:   req.Description,
		RepoOwner:     req.RepoOwner,
		RepoName:      req.RepoName,
		DefaultBranch: branch,
	}
	if err := h.DB.Create(&project).Error; err != nil {
		h.Logger.Error("project create failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create project", Code: "CREATE_FAILED"})
		return
	}
	c.JSON(http.StatusCreated, project)
}

// GetProject returns one project.
func (h *Handler) GetProject(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var project models.Project
	if err := h.DB.First(&project, id).Error; err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "project not found", Code: "NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, project)
}

// ListProjectFiles returns the paths and sizes of a project's staged files.
func (h *Handler) ListProjectFiles(c *gin.Context) {
	id, ok := parseUintParam(c, "id")
	if !ok {
		return
	}
	var files []models.File
	if err := h.DB.Select("id", "path", "size", "version", "updated_at").
		Where("project_id = ?", id).Order("path").Find(&files).Error; err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list files", Code: "LIST_FAILED"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}
