package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"codeloom/internal/ai"
	"codeloom/internal/filesync"
	"codeloom/internal/git"
	"codeloom/internal/metrics"
	"codeloom/internal/sandbox"
	"codeloom/internal/task"
	"codeloom/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ErrRateLimited is returned when a project starts generations faster than
// its configured budget.
var ErrRateLimited = errors.New("generation: rate limit exceeded")

// ErrGenerationActive is returned when the target task already has a
// generation in flight.
var ErrGenerationActive = errors.New("generation: task already has an active generation")

const (
	// maxTurns bounds the tool-use loop.
	maxTurns = 40
	// errorBudget aborts the loop after this many consecutive error events
	// without a successful model turn in between.
	errorBudget = 5
	// previewPort is the sandbox port resolved into the public preview URL.
	previewPort = 3000
)

const systemPrompt = `You are the codeloom build agent. You generate complete,
working application code inside a sandboxed workspace.

Rules:
- Use write_file for every file you create or change; never describe files
  without writing them.
- Use run_command to install dependencies and verify the code runs.
- Produce complete, production-ready files, never fragments or placeholders.
- When the application is complete and verified, reply with a short summary
  and stop requesting tools.`

// Request describes one generation to run.
type Request struct {
	ProjectID uint
	TaskID    *uint
	Prompt    string
}

// Coordinator drives the tool-use loop and emits the per-generation event
// stream. One ordered stream, one consumer; cancellation is consumer-driven
// through ctx and never rolls back files already flushed.
type Coordinator struct {
	db        *gorm.DB
	completer ai.Completer
	registry  *sandbox.Registry
	provider  sandbox.Provider
	gitClient *git.Client
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tools     map[ToolKind]toolHandler

	limitRate  rate.Limit
	limitBurst int
	limitersMu sync.Mutex
	limiters   map[uint]*rate.Limiter
}

// run is the mutable state of one generation.
type run struct {
	sessionID       string
	projectID       uint
	taskID          *uint
	sandboxID       string
	sandboxRemoteID string
	queue           *filesync.Queue

	filesCreated []string
	seenFiles    map[string]bool
}

func (r *run) recordFile(path string) {
	if r.seenFiles[path] {
		return
	}
	r.seenFiles[path] = true
	r.filesCreated = append(r.filesCreated, path)
}

// NewCoordinator wires a coordinator. Fails if any declared tool kind has no
// handler.
func NewCoordinator(db *gorm.DB, completer ai.Completer, registry *sandbox.Registry, provider sandbox.Provider, gitClient *git.Client, limit rate.Limit, burst int, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		db:         db,
		completer:  completer,
		registry:   registry,
		provider:   provider,
		gitClient:  gitClient,
		logger:     logger,
		metrics:    metrics.Get(),
		limitRate:  limit,
		limitBurst: burst,
		limiters:   make(map[uint]*rate.Limiter),
	}
	table, err := buildToolTable(c)
	if err != nil {
		return nil, err
	}
	c.tools = table
	return c, nil
}

// Start begins a generation and returns its ordered event stream. The channel
// is closed when the run ends; a stream that closes without a CompleteEvent
// means the run failed.
func (c *Coordinator) Start(ctx context.Context, req Request) (<-chan Event, error) {
	if !c.limiterFor(req.ProjectID).Allow() {
		return nil, ErrRateLimited
	}

	// At most one active generation per task, enforced by checking current
	// status before starting.
	if req.TaskID != nil {
		var active int64
		err := c.db.WithContext(ctx).Model(&models.GenerationSession{}).
			Where("task_id = ? AND status IN ?", *req.TaskID,
				[]string{models.SessionStatusPending, models.SessionStatusRunning}).
			Count(&active).Error
		if err != nil {
			return nil, fmt.Errorf("check active generations: %w", err)
		}
		if active > 0 {
			return nil, ErrGenerationActive
		}
	}

	session := &models.GenerationSession{
		ID:        uuid.New().String(),
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Status:    models.SessionStatusPending,
	}
	if err := c.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("create generation session: %w", err)
	}

	if req.TaskID != nil {
		c.applyTaskEvent(ctx, *req.TaskID, task.EventGenerationStarted, nil)
	}

	c.metrics.GenerationsStarted.Inc()
	events := make(chan Event, 32)
	go c.execute(ctx, req, session, events)
	return events, nil
}

// execute runs the loop and owns the event channel. Events are emitted
// strictly in loop order; CompleteEvent is always last on success.
func (c *Coordinator) execute(ctx context.Context, req Request, session *models.GenerationSession, events chan<- Event) {
	defer close(events)

	log := c.logger.With(
		zap.String("session_id", session.ID),
		zap.Uint("project_id", req.ProjectID))

	fail := func(msg string, err error) {
		log.Warn("generation failed", zap.String("reason", msg), zap.Error(err))
		c.metrics.GenerationsFailed.Inc()
		c.updateSession(ctx, session, models.SessionStatusFailed, nil)
		if req.TaskID != nil {
			// Leave the task in building; the user can retry from the board.
			c.setBuildStatus(ctx, *req.TaskID, models.BuildStatusFailed)
		}
	}

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(StatusEvent{Message: "Provisioning sandbox", Kind: "provisioning"}) {
		fail("consumer cancelled", ctx.Err())
		return
	}

	sb, err := c.registry.Create(ctx, req.ProjectID)
	if err != nil {
		emit(ErrorEvent{Message: "sandbox provisioning failed"})
		fail("provisioning", err)
		return
	}
	c.metrics.SandboxesCreated.Inc()

	state := &run{
		sessionID: session.ID,
		projectID: req.ProjectID,
		taskID:    req.TaskID,
		sandboxID: sb.ID,
		// Non-nil so a zero-file run serializes as an empty list, not null.
		filesCreated: []string{},
		seenFiles:    make(map[string]bool),
	}
	state.sandboxRemoteID = sb.RemoteID
	state.queue = filesync.NewQueue(c.db, c.provider, sb.RemoteID, req.ProjectID, c.logger)

	session.SandboxID = sb.ID
	c.updateSession(ctx, session, models.SessionStatusRunning, nil)

	if !emit(StatusEvent{Message: "Sandbox ready", Kind: "ready", SandboxID: sb.ID}) {
		fail("consumer cancelled", ctx.Err())
		return
	}

	conversation := []ai.Message{{
		Role:    ai.RoleUser,
		Content: []ai.ContentBlock{{Type: ai.BlockText, Text: req.Prompt}},
	}}

	turns := 0
	consecutiveErrors := 0
	completed := false

	for turns < maxTurns {
		if ctx.Err() != nil {
			fail("consumer cancelled", ctx.Err())
			return
		}
		turns++

		resp, err := c.completer.CreateMessage(ctx, &ai.MessagesRequest{
			System:   systemPrompt,
			Messages: conversation,
			Tools:    toolMenu(),
		})
		if err != nil {
			consecutiveErrors++
			if !emit(ErrorEvent{Message: err.Error()}) {
				fail("consumer cancelled", ctx.Err())
				return
			}
			if consecutiveErrors >= errorBudget {
				fail("error budget exhausted", err)
				return
			}
			continue
		}
		consecutiveErrors = 0

		if text := resp.TextContent(); text != "" {
			if !emit(TextEvent{Content: text}) {
				fail("consumer cancelled", ctx.Err())
				return
			}
		}

		toolUses := resp.ToolUses()
		if len(toolUses) == 0 {
			completed = true
			break
		}

		conversation = append(conversation, ai.Message{
			Role:    ai.RoleAssistant,
			Content: resp.Content,
		})

		var results []ai.ContentBlock
		for _, use := range toolUses {
			if !emit(ToolEvent{Tool: use.Name, Action: summarizeToolInput(use.Input)}) {
				fail("consumer cancelled", ctx.Err())
				return
			}

			output, toolErr := c.dispatchTool(ctx, state, use)
			result := ai.ContentBlock{
				Type:      ai.BlockToolResult,
				ToolUseID: use.ID,
				Content:   output,
			}
			if toolErr != nil {
				result.Content = toolErr.Error()
				result.IsError = true
				c.metrics.ToolCallsTotal.WithLabelValues(use.Name, "error").Inc()
				consecutiveErrors++
				if !emit(ErrorEvent{Message: toolErr.Error()}) {
					fail("consumer cancelled", ctx.Err())
					return
				}
				if consecutiveErrors >= errorBudget {
					fail("error budget exhausted", toolErr)
					return
				}
			} else {
				c.metrics.ToolCallsTotal.WithLabelValues(use.Name, "ok").Inc()
				consecutiveErrors = 0
				if use.Name == string(ToolWriteFile) {
					c.metrics.FilesFlushed.Inc()
				}
			}
			results = append(results, result)
		}

		conversation = append(conversation, ai.Message{
			Role:    ai.RoleUser,
			Content: results,
		})
	}

	if !completed {
		emit(ErrorEvent{Message: "generation exceeded the turn limit"})
		fail("turn limit", nil)
		return
	}

	// Catch any stragglers before announcing completion.
	if err := state.queue.FlushAll(ctx); err != nil {
		emit(ErrorEvent{Message: "final sync failed"})
		fail("final flush", err)
		return
	}

	sandboxURL := ""
	if host, err := c.provider.Host(ctx, state.sandboxRemoteID, previewPort); err == nil {
		sandboxURL = "https://" + host
	} else {
		log.Warn("preview host resolution failed", zap.Error(err))
	}

	if req.TaskID != nil && len(state.filesCreated) > 0 {
		if err := c.openPullRequest(ctx, req, state, emit); err != nil {
			// The generated files are intact; surface the error and let the
			// user retry the commit from the board.
			emit(ErrorEvent{Message: err.Error()})
			log.Warn("pull request automation failed", zap.Error(err))
		}
	}

	c.metrics.GenerationsCompleted.Inc()
	c.metrics.GenerationTurns.Observe(float64(turns))
	c.updateSession(ctx, session, models.SessionStatusCompleted, state.filesCreated)
	log.Info("generation completed",
		zap.Int("turns", turns),
		zap.Int("files", len(state.filesCreated)))

	emit(CompleteEvent{
		Message:      "Generation complete",
		SandboxID:    state.sandboxID,
		SandboxURL:   sandboxURL,
		FilesCreated: state.filesCreated,
	})
}

// dispatchTool routes a tool-use block through the exhaustive handler table.
func (c *Coordinator) dispatchTool(ctx context.Context, state *run, use ai.ContentBlock) (string, error) {
	handler, ok := c.tools[ToolKind(use.Name)]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", use.Name)
	}
	return handler(ctx, state, use.Input)
}

// openPullRequest turns the run's synced files into a branch, commit, and PR,
// then advances the task to review.
func (c *Coordinator) openPullRequest(ctx context.Context, req Request, state *run, emit func(Event) bool) error {
	var project models.Project
	if err := c.db.WithContext(ctx).First(&project, req.ProjectID).Error; err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project.RepoOwner == "" || project.RepoName == "" || c.gitClient == nil {
		// No repository connected; the run still completes with synced files.
		return nil
	}

	var tsk models.Task
	if err := c.db.WithContext(ctx).First(&tsk, *req.TaskID).Error; err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	branchName := tsk.BranchName
	if branchName == "" {
		branchName = fmt.Sprintf("task-%d", tsk.ID)
		if _, err := c.gitClient.CreateBranch(ctx, project.RepoOwner, project.RepoName, branchName, project.DefaultBranch); err != nil {
			return fmt.Errorf("create branch: %w", err)
		}
	}

	emit(StatusEvent{Message: "Committing generated files", Kind: "committing"})

	files := make(map[string]string, len(state.filesCreated))
	for _, path := range state.filesCreated {
		var file models.File
		if err := c.db.WithContext(ctx).
			Where("project_id = ? AND path = ?", req.ProjectID, path).
			First(&file).Error; err != nil {
			continue
		}
		files[path] = file.Content
	}

	message := fmt.Sprintf("Build: %s", tsk.Title)
	commit, err := c.gitClient.BuildCommit(ctx, project.RepoOwner, project.RepoName, branchName, files, message)
	if err != nil {
		if errors.Is(err, git.ErrConflict) {
			c.metrics.CommitConflict.Inc()
		}
		return fmt.Errorf("build commit: %w", err)
	}
	c.metrics.CommitsBuilt.Inc()

	pr, err := c.gitClient.CreatePullRequest(ctx, project.RepoOwner, project.RepoName,
		branchName, project.DefaultBranch,
		tsk.Title,
		fmt.Sprintf("%s\n\nCommit %s, %d files.", tsk.Description, commit.SHA, len(files)))
	if err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}

	c.applyTaskEvent(ctx, tsk.ID, task.EventGenerationCompleted, func(t *models.Task) {
		t.BranchName = branchName
		t.PRNumber = pr.Number
		t.PRUrl = pr.URL
		t.BuildStatus = models.BuildStatusReady
	})

	emit(StatusEvent{Message: fmt.Sprintf("Pull request #%d opened", pr.Number), Kind: "pr_opened"})
	return nil
}

// applyTaskEvent runs one pure state-machine transition against a task row.
func (c *Coordinator) applyTaskEvent(ctx context.Context, taskID uint, event task.Event, mutate func(*models.Task)) {
	var tsk models.Task
	if err := c.db.WithContext(ctx).First(&tsk, taskID).Error; err != nil {
		c.logger.Warn("task lookup failed", zap.Uint("task_id", taskID), zap.Error(err))
		return
	}

	next := task.Apply(task.StateOf(&tsk), event)
	task.Write(&tsk, next)
	if mutate != nil {
		mutate(&tsk)
	}
	if err := c.db.WithContext(ctx).Save(&tsk).Error; err != nil {
		c.logger.Warn("task update failed", zap.Uint("task_id", taskID), zap.Error(err))
		return
	}
	c.metrics.TasksTransitions.WithLabelValues(string(event)).Inc()
}

func (c *Coordinator) setBuildStatus(ctx context.Context, taskID uint, status string) {
	err := c.db.WithContext(ctx).Model(&models.Task{}).
		Where("id = ?", taskID).
		Update("build_status", status).Error
	if err != nil {
		c.logger.Warn("build status update failed", zap.Uint("task_id", taskID), zap.Error(err))
	}
}

func (c *Coordinator) updateSession(ctx context.Context, session *models.GenerationSession, status string, files []string) {
	if session.Terminal() {
		return
	}
	session.Status = status
	if files != nil {
		session.SetFilesCreated(files)
	}
	if err := c.db.WithContext(ctx).Save(session).Error; err != nil {
		c.logger.Warn("session update failed", zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (c *Coordinator) limiterFor(projectID uint) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	limiter, ok := c.limiters[projectID]
	if !ok {
		limiter = rate.NewLimiter(c.limitRate, c.limitBurst)
		c.limiters[projectID] = limiter
	}
	return limiter
}

// summarizeToolInput extracts a short human-readable action from a tool
// input, preferring the path or command argument.
func summarizeToolInput(input json.RawMessage) string {
	var args struct {
		Path    string `json:"path"`
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return ""
	}
	if args.Path != "" {
		return args.Path
	}
	if args.Command != "" {
		return args.Command
	}
	return ""
}
