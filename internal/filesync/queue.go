// Package filesync stages generated files and flushes them into a sandbox's
// filesystem.
package filesync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"codeloom/internal/sandbox"
	"codeloom/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Queue tracks paths pending sync for one sandbox. Writes to a single path
// are applied in the order enqueued; no ordering holds across distinct paths.
type Queue struct {
	db        *gorm.DB
	provider  sandbox.Provider
	remoteID  string
	projectID uint
	logger    *zap.Logger

	mu      sync.Mutex
	pending []string
	queued  map[string]bool
}

// NewQueue creates a sync queue bound to one sandbox.
func NewQueue(db *gorm.DB, provider sandbox.Provider, remoteID string, projectID uint, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:        db,
		provider:  provider,
		remoteID:  remoteID,
		projectID: projectID,
		logger:    logger,
		queued:    make(map[string]bool),
	}
}

// Enqueue records a path as pending sync. Re-enqueueing a path that is
// already pending is a no-op; its next flush reads current content anyway.
func (q *Queue) Enqueue(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[path] {
		return
	}
	q.queued[path] = true
	q.pending = append(q.pending, path)
}

// Flush writes the path's current staged content into the sandbox at a
// normalized absolute path, overwriting any prior content. A staged file that
// no longer exists is skipped and logged, not treated as an error.
func (q *Queue) Flush(ctx context.Context, path string) error {
	q.mu.Lock()
	if q.queued[path] {
		delete(q.queued, path)
		for i, p := range q.pending {
			if p == path {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	var file models.File
	err := q.db.WithContext(ctx).
		Where("project_id = ? AND path = ?", q.projectID, path).
		First(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The agent may have deleted the file mid-run.
		q.logger.Info("sync skipped: staged file vanished",
			zap.String("path", path),
			zap.Uint("project_id", q.projectID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staged file %s: %w", path, err)
	}

	if err := q.provider.WriteFile(ctx, q.remoteID, path, file.Content); err != nil {
		return fmt.Errorf("flush %s to sandbox: %w", path, err)
	}
	return nil
}

// FlushAll drains every enqueued path.
func (q *Queue) FlushAll(ctx context.Context) error {
	q.mu.Lock()
	paths := q.pending
	q.pending = nil
	q.queued = make(map[string]bool)
	q.mu.Unlock()

	for _, path := range paths {
		if err := q.Flush(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the paths currently awaiting flush, in enqueue order.
func (q *Queue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.pending))
	copy(out, q.pending)
	return out
}
