package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeloom/internal/ai"
	"codeloom/internal/sandbox"
	"codeloom/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// scriptedCompleter replays a fixed sequence of turns.
type scriptedCompleter struct {
	mu    sync.Mutex
	turns []scriptedTurn
}

type scriptedTurn struct {
	resp *ai.MessagesResponse
	err  error
}

func (s *scriptedCompleter) CreateMessage(ctx context.Context, req *ai.MessagesRequest) (*ai.MessagesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns) == 0 {
		return textTurn("done"), nil
	}
	turn := s.turns[0]
	s.turns = s.turns[1:]
	return turn.resp, turn.err
}

func textTurn(text string) *ai.MessagesResponse {
	return &ai.MessagesResponse{
		Content:    []ai.ContentBlock{{Type: ai.BlockText, Text: text}},
		StopReason: ai.StopEndTurn,
	}
}

func toolTurn(uses ...ai.ContentBlock) *ai.MessagesResponse {
	return &ai.MessagesResponse{
		Content:    uses,
		StopReason: ai.StopToolUse,
	}
}

func writeFileUse(id, path, content string) ai.ContentBlock {
	input, _ := json.Marshal(map[string]string{"path": path, "content": content})
	return ai.ContentBlock{
		Type:  ai.BlockToolUse,
		ID:    id,
		Name:  string(ToolWriteFile),
		Input: input,
	}
}

// stubProvider is an in-memory sandbox service.
type stubProvider struct {
	mu     sync.Mutex
	nextID int
	files  map[string]string
}

func newStubProvider() *stubProvider {
	return &stubProvider{files: make(map[string]string)}
}

func (p *stubProvider) Create(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return fmt.Sprintf("remote-%d", p.nextID), nil
}

func (p *stubProvider) Destroy(ctx context.Context, remoteID string) error { return nil }

func (p *stubProvider) WriteFile(ctx context.Context, remoteID, path, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[sandbox.NormalizePath(path)] = content
	return nil
}

func (p *stubProvider) ReadFile(ctx context.Context, remoteID, path string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[sandbox.NormalizePath(path)], nil
}

func (p *stubProvider) RunCommand(ctx context.Context, remoteID, command string) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{Stdout: "ok"}, nil
}

func (p *stubProvider) Host(ctx context.Context, remoteID string, port int) (string, error) {
	return fmt.Sprintf("preview-%d.test", port), nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Project{}, &models.Task{}, &models.GenerationSession{}, &models.File{}))
	return db
}

type fixture struct {
	db        *gorm.DB
	completer *scriptedCompleter
	provider  *stubProvider
	coord     *Coordinator
	project   *models.Project
}

func newFixture(t *testing.T, turns []scriptedTurn, limit rate.Limit, burst int) *fixture {
	t.Helper()
	db := testDB(t)
	provider := newStubProvider()
	registry := sandbox.NewRegistry(provider, time.Hour, nil, nil)
	completer := &scriptedCompleter{turns: turns}

	coord, err := NewCoordinator(db, completer, registry, provider, nil, limit, burst, nil)
	require.NoError(t, err)

	project := &models.Project{Name: "demo"}
	require.NoError(t, db.Create(project).Error)

	return &fixture{db: db, completer: completer, provider: provider, coord: coord, project: project}
}

func drain(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close; %d events so far", len(out))
		}
	}
}

func TestGenerationEmitsCompleteLast(t *testing.T) {
	f := newFixture(t, []scriptedTurn{
		{resp: toolTurn(
			writeFileUse("t1", "index.html", "<html></html>"),
			writeFileUse("t2", "styles.css", "body{}"),
		)},
		{resp: toolTurn(writeFileUse("t3", "app.js", "console.log(1)"))},
		{resp: textTurn("All files written.")},
	}, rate.Inf, 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "build a landing page",
	})
	require.NoError(t, err)

	got := drain(t, events)
	require.NotEmpty(t, got)

	last, ok := got[len(got)-1].(CompleteEvent)
	require.True(t, ok, "last event was %T", got[len(got)-1])
	require.Equal(t, []string{"index.html", "styles.css", "app.js"}, last.FilesCreated)
	require.Equal(t, "https://preview-3000.test", last.SandboxURL)

	// No event follows complete, and nothing before it is a complete.
	for _, ev := range got[:len(got)-1] {
		_, isComplete := ev.(CompleteEvent)
		require.False(t, isComplete)
	}

	// Files were staged and synced into the sandbox.
	var count int64
	require.NoError(t, f.db.Model(&models.File{}).Where("project_id = ?", f.project.ID).Count(&count).Error)
	require.EqualValues(t, 3, count)
	require.Equal(t, "<html></html>", f.provider.files["/workspace/index.html"])

	var session models.GenerationSession
	require.NoError(t, f.db.Where("project_id = ?", f.project.ID).First(&session).Error)
	require.Equal(t, models.SessionStatusCompleted, session.Status)
	require.Equal(t, []string{"index.html", "styles.css", "app.js"}, session.FilesCreated())
}

func TestZeroFileRunSerializesEmptyFileList(t *testing.T) {
	f := newFixture(t, []scriptedTurn{{resp: textTurn("nothing to write")}}, rate.Inf, 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "explain only",
	})
	require.NoError(t, err)

	got := drain(t, events)
	last, ok := got[len(got)-1].(CompleteEvent)
	require.True(t, ok, "last event was %T", got[len(got)-1])

	payload, err := json.Marshal(last)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"filesCreated":[]`)
}

func TestModelErrorsAreNonTerminalUntilBudgetExhausted(t *testing.T) {
	apiErr := errors.New("SERVICE_ERROR: upstream 529")
	turns := make([]scriptedTurn, errorBudget)
	for i := range turns {
		turns[i] = scriptedTurn{err: apiErr}
	}
	f := newFixture(t, turns, rate.Inf, 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "build",
	})
	require.NoError(t, err)

	got := drain(t, events)

	errEvents := 0
	for _, ev := range got {
		switch ev.(type) {
		case ErrorEvent:
			errEvents++
		case CompleteEvent:
			t.Fatal("failed run must not emit a complete event")
		}
	}
	require.Equal(t, errorBudget, errEvents)

	var session models.GenerationSession
	require.NoError(t, f.db.Where("project_id = ?", f.project.ID).First(&session).Error)
	require.Equal(t, models.SessionStatusFailed, session.Status)
}

func TestRecoveredErrorResetsBudget(t *testing.T) {
	apiErr := errors.New("RATE_LIMIT: 429")
	f := newFixture(t, []scriptedTurn{
		{err: apiErr},
		{err: apiErr},
		{resp: toolTurn(writeFileUse("t1", "main.py", "print(1)"))},
		{err: apiErr},
		{err: apiErr},
		{resp: textTurn("done")},
	}, rate.Inf, 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "build",
	})
	require.NoError(t, err)

	got := drain(t, events)
	last, ok := got[len(got)-1].(CompleteEvent)
	require.True(t, ok, "expected the run to survive interleaved errors, last was %T", got[len(got)-1])
	require.Equal(t, []string{"main.py"}, last.FilesCreated)
}

func TestUnknownToolEmitsErrorAndContinues(t *testing.T) {
	bogus := ai.ContentBlock{
		Type:  ai.BlockToolUse,
		ID:    "t1",
		Name:  "deploy_to_production",
		Input: json.RawMessage(`{}`),
	}
	f := newFixture(t, []scriptedTurn{
		{resp: toolTurn(bogus)},
		{resp: toolTurn(writeFileUse("t2", "ok.txt", "fine"))},
		{resp: textTurn("done")},
	}, rate.Inf, 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "build",
	})
	require.NoError(t, err)

	got := drain(t, events)
	sawError := false
	for _, ev := range got {
		if e, ok := ev.(ErrorEvent); ok {
			require.Contains(t, e.Message, "deploy_to_production")
			sawError = true
		}
	}
	require.True(t, sawError)

	last, ok := got[len(got)-1].(CompleteEvent)
	require.True(t, ok)
	require.Equal(t, []string{"ok.txt"}, last.FilesCreated)
}

func TestStartRejectsSecondGenerationForTask(t *testing.T) {
	f := newFixture(t, nil, rate.Inf, 1)

	tsk := &models.Task{ProjectID: f.project.ID, Title: "landing page",
		Status: models.TaskStatusTodo, Column: models.ColumnResearch}
	require.NoError(t, f.db.Create(tsk).Error)
	require.NoError(t, f.db.Create(&models.GenerationSession{
		ID:        "existing",
		ProjectID: f.project.ID,
		TaskID:    &tsk.ID,
		Status:    models.SessionStatusRunning,
	}).Error)

	_, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		TaskID:    &tsk.ID,
		Prompt:    "build",
	})
	require.ErrorIs(t, err, ErrGenerationActive)
}

func TestStartEnforcesPerProjectRateLimit(t *testing.T) {
	f := newFixture(t, nil, rate.Limit(0.001), 1)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "build",
	})
	require.NoError(t, err)
	drain(t, events)

	_, err = f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		Prompt:    "again",
	})
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestGenerationStartMovesTaskToBuilding(t *testing.T) {
	f := newFixture(t, []scriptedTurn{{resp: textTurn("nothing to do")}}, rate.Inf, 1)

	tsk := &models.Task{ProjectID: f.project.ID, Title: "landing page",
		Status: models.TaskStatusTodo, Column: models.ColumnResearch}
	require.NoError(t, f.db.Create(tsk).Error)

	events, err := f.coord.Start(context.Background(), Request{
		ProjectID: f.project.ID,
		TaskID:    &tsk.ID,
		Prompt:    "build",
	})
	require.NoError(t, err)
	drain(t, events)

	var got models.Task
	require.NoError(t, f.db.First(&got, tsk.ID).Error)
	require.Equal(t, models.TaskStatusInProgress, got.Status)
	require.Equal(t, models.ColumnBuilding, got.Column)
}
