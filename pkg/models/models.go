// Package models defines the persistent records shared across codeloom services.
package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Task statuses. Column is always derived from status via the board mapping.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusReview     = "review"
	TaskStatusDone       = "done"
)

// Board columns.
const (
	ColumnResearch = "research"
	ColumnBuilding = "building"
	ColumnTesting  = "testing"
	ColumnDone     = "done"
)

// Build statuses reported on a task's branch.
const (
	BuildStatusPending = "pending"
	BuildStatusReady   = "ready"
	BuildStatusFailed  = "failed"
)

// Generation session statuses.
const (
	SessionStatusPending   = "pending"
	SessionStatusRunning   = "running"
	SessionStatusCompleted = "completed"
	SessionStatusFailed    = "failed"
)

// Project is the unit of ownership for tasks, files, and sandboxes.
type Project struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description"`

	// GitHub repository the project commits to.
	RepoOwner     string `json:"repo_owner"`
	RepoName      string `json:"repo_name"`
	DefaultBranch string `json:"default_branch" gorm:"default:'main'"`

	Tasks []Task `json:"tasks,omitempty" gorm:"foreignKey:ProjectID"`
	Files []File `json:"files,omitempty" gorm:"foreignKey:ProjectID"`
}

// Task is one unit of work on the board. Its (Status, Column) pair is only
// ever one of the combinations the board recognizes.
type Task struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	ProjectID   uint   `json:"project_id" gorm:"index"`
	Title       string `json:"title" gorm:"not null"`
	Description string `json:"description"`

	Status string `json:"status" gorm:"default:'todo';index"`
	Column string `json:"column" gorm:"column:board_column;default:'research'"`

	BranchName  string     `json:"branch_name,omitempty" gorm:"index"`
	PRUrl       string     `json:"pr_url,omitempty"`
	PRNumber    int        `json:"pr_number,omitempty" gorm:"index"`
	BuildStatus string     `json:"build_status" gorm:"default:'pending'"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GenerationSession records one end-to-end agent run.
type GenerationSession struct {
	ID        string    `json:"id" gorm:"primarykey;type:varchar(36)"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID uint   `json:"project_id" gorm:"index"`
	TaskID    *uint  `json:"task_id,omitempty" gorm:"index"`
	SandboxID string `json:"sandbox_id"`
	Status    string `json:"status" gorm:"default:'pending'"`

	// FilesJSON holds the ordered list of paths the agent created, as a JSON
	// array. Order is the order the agent wrote them.
	FilesJSON string `json:"-" gorm:"type:text"`
}

// FilesCreated decodes the ordered list of created paths.
func (s *GenerationSession) FilesCreated() []string {
	if s.FilesJSON == "" {
		return nil
	}
	var files []string
	if err := json.Unmarshal([]byte(s.FilesJSON), &files); err != nil {
		return nil
	}
	return files
}

// SetFilesCreated encodes the ordered list of created paths.
func (s *GenerationSession) SetFilesCreated(files []string) {
	data, err := json.Marshal(files)
	if err != nil {
		return
	}
	s.FilesJSON = string(data)
}

// Terminal reports whether the session can no longer change state.
func (s *GenerationSession) Terminal() bool {
	return s.Status == SessionStatusCompleted || s.Status == SessionStatusFailed
}

// File is a project file. It is the staging source for sandbox sync and the
// content source for commit construction.
type File struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	ProjectID uint   `json:"project_id" gorm:"index:idx_file_project_path,unique"`
	Path      string `json:"path" gorm:"index:idx_file_project_path,unique"`
	Content   string `json:"content" gorm:"type:text"`
	Size      int64  `json:"size"`
	Version   int    `json:"version" gorm:"default:1"`
}
