package services

import (
	"os"
	"sync"
	"time"

	"github.com/propertyreel/backend/internal/logger"
)

// ResourceState marks whether a tracked file is still needed.
type ResourceState string

const (
	ResourceStateInUse ResourceState = "in_use"
	ResourceStateDone  ResourceState = "done"
)

type trackedResource struct {
	path      string
	state     ResourceState
	createdAt time.Time
}

// ResourceTracker registers temp files and directories created during a job so
// the finally phase can reap them. Cleanup never fails on a missing file.
type ResourceTracker struct {
	log *logger.Logger

	mu        sync.Mutex
	resources map[string]*trackedResource
}

func NewResourceTracker(log *logger.Logger) *ResourceTracker {
	return &ResourceTracker{
		log:       log.With("service", "ResourceTracker"),
		resources: make(map[string]*trackedResource),
	}
}

// Track registers a path for later cleanup. Re-tracking an existing path
// resets its state to in_use.
func (t *ResourceTracker) Track(path string) {
	if path == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resources[path] = &trackedResource{
		path:      path,
		state:     ResourceStateInUse,
		createdAt: time.Now(),
	}
}

func (t *ResourceTracker) UpdateState(path string, state ResourceState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.resources[path]; ok {
		r.state = state
	}
}

// Cleanup deletes tracked paths. With force=false only resources marked done
// are removed; with force=true everything goes. Missing files are not errors.
func (t *ResourceTracker) Cleanup(force bool) {
	t.mu.Lock()
	var victims []string
	for path, r := range t.resources {
		if force || r.state == ResourceStateDone {
			victims = append(victims, path)
			delete(t.resources, path)
		}
	}
	t.mu.Unlock()

	for _, path := range victims {
		if err := os.RemoveAll(path); err != nil {
			t.log.Warn("Failed to remove tracked resource", "path", path, "error", err)
		}
	}
	if len(victims) > 0 {
		t.log.Debug("Reaped tracked resources", "count", len(victims), "force", force)
	}
}

// WithTracking runs op inside a child scope: every path the op registers on
// the child is deleted when op returns, success or failure. The parent's
// resources are untouched.
func (t *ResourceTracker) WithTracking(op func(scope *ResourceTracker) error) error {
	scope := NewResourceTracker(t.log)
	defer scope.Cleanup(true)
	return op(scope)
}
