package filesync

import (
	"context"
	"sync"
	"testing"

	"codeloom/internal/sandbox"
	"codeloom/pkg/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingProvider struct {
	mu     sync.Mutex
	writes []write
}

type write struct {
	path    string
	content string
}

func (p *recordingProvider) Create(ctx context.Context) (string, error) { return "remote-1", nil }

func (p *recordingProvider) Destroy(ctx context.Context, remoteID string) error { return nil }

func (p *recordingProvider) WriteFile(ctx context.Context, remoteID, path, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, write{path: path, content: content})
	return nil
}

func (p *recordingProvider) ReadFile(ctx context.Context, remoteID, path string) (string, error) {
	return "", nil
}

func (p *recordingProvider) RunCommand(ctx context.Context, remoteID, command string) (*sandbox.CommandResult, error) {
	return &sandbox.CommandResult{}, nil
}

func (p *recordingProvider) Host(ctx context.Context, remoteID string, port int) (string, error) {
	return "", nil
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.File{}))
	return db
}

func stageFile(t *testing.T, db *gorm.DB, projectID uint, path, content string) {
	t.Helper()
	require.NoError(t, db.Create(&models.File{
		ProjectID: projectID,
		Path:      path,
		Content:   content,
		Size:      int64(len(content)),
		Version:   1,
	}).Error)
}

func TestFlushAllDrainsInEnqueueOrder(t *testing.T) {
	db := testDB(t)
	provider := &recordingProvider{}
	q := NewQueue(db, provider, "remote-1", 1, nil)

	paths := []string{"index.html", "styles.css", "app.js"}
	for _, p := range paths {
		stageFile(t, db, 1, p, "content of "+p)
		q.Enqueue(p)
	}
	require.Equal(t, paths, q.Pending())

	require.NoError(t, q.FlushAll(context.Background()))
	require.Empty(t, q.Pending())

	require.Len(t, provider.writes, 3)
	for i, p := range paths {
		require.Equal(t, p, provider.writes[i].path)
		require.Equal(t, "content of "+p, provider.writes[i].content)
	}
}

func TestEnqueueDedupsPendingPath(t *testing.T) {
	db := testDB(t)
	provider := &recordingProvider{}
	q := NewQueue(db, provider, "remote-1", 1, nil)

	stageFile(t, db, 1, "main.go", "v1")
	q.Enqueue("main.go")
	q.Enqueue("main.go")
	require.Equal(t, []string{"main.go"}, q.Pending())

	// The update lands before the flush; the flush picks up current content.
	require.NoError(t, db.Model(&models.File{}).
		Where("project_id = ? AND path = ?", 1, "main.go").
		Updates(map[string]any{"content": "v2", "version": 2}).Error)

	require.NoError(t, q.FlushAll(context.Background()))
	require.Len(t, provider.writes, 1)
	require.Equal(t, "v2", provider.writes[0].content)
}

func TestFlushSkipsVanishedFile(t *testing.T) {
	db := testDB(t)
	provider := &recordingProvider{}
	q := NewQueue(db, provider, "remote-1", 1, nil)

	stageFile(t, db, 1, "keep.txt", "kept")
	q.Enqueue("gone.txt")
	q.Enqueue("keep.txt")

	require.NoError(t, q.FlushAll(context.Background()))
	require.Len(t, provider.writes, 1)
	require.Equal(t, "keep.txt", provider.writes[0].path)
}

func TestFlushScopedToProject(t *testing.T) {
	db := testDB(t)
	provider := &recordingProvider{}

	stageFile(t, db, 1, "shared.txt", "project one")
	stageFile(t, db, 2, "shared.txt", "project two")

	q := NewQueue(db, provider, "remote-1", 2, nil)
	q.Enqueue("shared.txt")
	require.NoError(t, q.FlushAll(context.Background()))

	require.Len(t, provider.writes, 1)
	require.Equal(t, "project two", provider.writes[0].content)
}

func TestReenqueueAfterFlush(t *testing.T) {
	db := testDB(t)
	provider := &recordingProvider{}
	q := NewQueue(db, provider, "remote-1", 1, nil)

	stageFile(t, db, 1, "app.py", "rev 1")
	q.Enqueue("app.py")
	require.NoError(t, q.FlushAll(context.Background()))

	require.NoError(t, db.Model(&models.File{}).
		Where("project_id = ? AND path = ?", 1, "app.py").
		Updates(map[string]any{"content": "rev 2", "version": 2}).Error)

	q.Enqueue("app.py")
	require.NoError(t, q.FlushAll(context.Background()))

	require.Len(t, provider.writes, 2)
	require.Equal(t, "rev 2", provider.writes[1].content)
}
