package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeloom/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status of a registry entry.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Sandbox is one live entry in the registry.
type Sandbox struct {
	ID             string    `json:"id"`
	RemoteID       string    `json:"-"`
	OwnerProjectID uint      `json:"owner_project_id"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         Status    `json:"status"`
}

// Registry owns the set of live sandboxes. All map mutation goes through its
// mutex; the slow provider calls in Create and Close happen outside it so
// sandbox operations never serialize behind each other's network round trips.
type Registry struct {
	provider Provider
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.RWMutex
	entries map[string]*Sandbox
}

// NewRegistry creates a registry with an injected clock. A nil clock uses
// time.Now.
func NewRegistry(provider Provider, ttl time.Duration, now func() time.Time, logger *zap.Logger) *Registry {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		provider: provider,
		ttl:      ttl,
		now:      now,
		logger:   logger,
		entries:  make(map[string]*Sandbox),
	}
}

// Create provisions a remote sandbox and registers it. The entry becomes
// visible only after remote provisioning succeeds, so the registry never
// holds a handle to a resource that does not exist.
func (r *Registry) Create(ctx context.Context, ownerProjectID uint) (*Sandbox, error) {
	remoteID, err := r.provider.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create sandbox for project %d: %w", ownerProjectID, err)
	}

	now := r.now()
	sb := &Sandbox{
		ID:             uuid.New().String(),
		RemoteID:       remoteID,
		OwnerProjectID: ownerProjectID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
		Status:         StatusActive,
	}

	r.mu.Lock()
	r.entries[sb.ID] = sb
	r.mu.Unlock()

	r.logger.Info("sandbox created",
		zap.String("sandbox_id", sb.ID),
		zap.Uint("project_id", ownerProjectID),
		zap.Time("expires_at", sb.ExpiresAt))

	snapshot := *sb
	return &snapshot, nil
}

// Get returns a snapshot of a registered sandbox, or false when absent.
func (r *Registry) Get(id string) (*Sandbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sb, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	snapshot := *sb
	return &snapshot, true
}

// List returns snapshots of all registered sandboxes.
func (r *Registry) List() []*Sandbox {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sandbox, 0, len(r.entries))
	for _, sb := range r.entries {
		snapshot := *sb
		out = append(out, &snapshot)
	}
	return out
}

// Close tears down the remote resource and removes the registry entry.
// Closing an unknown or already-closed id is a no-op. A teardown failure keeps
// the entry registered, expired as of now, so the sweeper retries it.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	sb, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	if err := r.provider.Destroy(ctx, sb.RemoteID); err != nil {
		sb.Status = StatusExpired
		sb.ExpiresAt = r.now()
		r.mu.Lock()
		r.entries[id] = sb
		r.mu.Unlock()
		return fmt.Errorf("tear down sandbox %s: %w", id, err)
	}

	sb.Status = StatusClosed
	r.logger.Info("sandbox closed", zap.String("sandbox_id", id))
	return nil
}

// Sweep closes every entry whose TTL has passed and returns the number torn
// down. A single teardown failure is logged and does not abort the rest of
// the sweep; the failed entry stays registered so the next cycle retries it.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.Lock()
	var expired []*Sandbox
	for id, sb := range r.entries {
		if !sb.ExpiresAt.After(now) {
			sb.Status = StatusExpired
			expired = append(expired, sb)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	swept := 0
	for _, sb := range expired {
		if err := r.provider.Destroy(ctx, sb.RemoteID); err != nil {
			r.logger.Warn("sweep: sandbox teardown failed, retrying next cycle",
				zap.String("sandbox_id", sb.ID),
				zap.Error(err))
			r.mu.Lock()
			r.entries[sb.ID] = sb
			r.mu.Unlock()
			continue
		}
		swept++
		metrics.Get().SandboxesSwept.Inc()
		r.logger.Info("sandbox swept",
			zap.String("sandbox_id", sb.ID),
			zap.Time("expired_at", sb.ExpiresAt))
	}
	return swept
}

// RunSweeper calls Sweep on a fixed interval until ctx is cancelled. Intended
// to run as a background goroutine owned by main.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}
