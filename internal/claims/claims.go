// Package claims tracks advisory worktree ownership across concurrent jobs.
//
// The registry maintains an in-memory map of worktree path to owning job.
// It is the source of the liveness predicate the worktree manager consults
// before reusing or recreating an on-disk checkout. Ownership is advisory:
// the consult-then-create gap is not closed by a lock, and the surrounding
// workflow tolerates the race through retries and idempotent operations.
package claims

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftworks/relay/internal/errors"
)

// Sentinel errors for claim conflicts.
var (
	ErrAlreadyClaimed = errors.New("path already claimed")
	ErrNotClaimed     = errors.New("path not claimed")
	ErrNotOwner       = errors.New("path claimed by another job")
)

// Claim records one job's ownership of a worktree path.
type Claim struct {
	JobID     string
	Path      string
	ClaimedAt time.Time
}

// Registry manages advisory worktree claims.
type Registry struct {
	mu       sync.RWMutex
	claims   map[string]Claim // path -> claim
	handlers []func(Claim)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		claims: make(map[string]Claim),
	}
}

// Claim registers ownership of a worktree path for the given job.
// Returns ErrAlreadyClaimed if the path is owned by a different job.
// If the job already owns the path, this is a no-op.
func (r *Registry) Claim(jobID, path string) error {
	r.mu.Lock()
	claim, err := r.claimLocked(jobID, path)
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if claim != nil {
		r.notifyHandlersUnlocked(*claim)
	}
	return nil
}

// claimLocked performs a single claim while the write lock is held.
// Returns the new claim for post-lock handler notification, or nil for
// idempotent no-ops.
func (r *Registry) claimLocked(jobID, path string) (*Claim, error) {
	if existing, ok := r.claims[path]; ok {
		if existing.JobID == jobID {
			return nil, nil // idempotent
		}
		return nil, fmt.Errorf("%w: %s owns %s", ErrAlreadyClaimed, existing.JobID, path)
	}

	claim := Claim{
		JobID:     jobID,
		Path:      path,
		ClaimedAt: time.Now(),
	}
	r.claims[path] = claim
	return &claim, nil
}

// Release relinquishes ownership of a path for the given job.
// Returns ErrNotClaimed if the path is not claimed, or ErrNotOwner if the
// path is claimed by a different job.
func (r *Registry) Release(jobID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releaseLocked(jobID, path)
}

// releaseLocked performs a single release while the write lock is held.
func (r *Registry) releaseLocked(jobID, path string) error {
	existing, ok := r.claims[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotClaimed, path)
	}
	if existing.JobID != jobID {
		return fmt.Errorf("%w: %s owns %s", ErrNotOwner, existing.JobID, path)
	}

	delete(r.claims, path)
	return nil
}

// ReleaseAll relinquishes all paths owned by the given job.
// Returns nil if the job owns no paths.
func (r *Registry) ReleaseAll(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var paths []string
	for p, claim := range r.claims {
		if claim.JobID == jobID {
			paths = append(paths, p)
		}
	}
	// Sort for deterministic release order.
	sort.Strings(paths)

	for _, p := range paths {
		if err := r.releaseLocked(jobID, p); err != nil {
			return err
		}
	}
	return nil
}

// Owner returns the job ID that owns the path and true, or ("", false) if
// the path is unclaimed.
func (r *Registry) Owner(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claim, ok := r.claims[path]
	if !ok {
		return "", false
	}
	return claim.JobID, true
}

// IsAvailable returns true if the path is not claimed by any job.
func (r *Registry) IsAvailable(path string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.claims[path]
	return !ok
}

// JobPaths returns all paths claimed by the given job, sorted
// alphabetically for deterministic output.
func (r *Registry) JobPaths(jobID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var paths []string
	for p, claim := range r.claims {
		if claim.JobID == jobID {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths
}

// LivenessFor returns the liveness predicate the worktree manager uses:
// whether a path is claimed by a job other than jobID.
func (r *Registry) LivenessFor(jobID string) func(path string) bool {
	return func(path string) bool {
		owner, ok := r.Owner(path)
		return ok && owner != jobID
	}
}

// WatchClaims registers a handler called whenever a claim is established.
// Handlers run outside the registry's lock; they may safely call read
// methods like Owner and IsAvailable without deadlocking.
func (r *Registry) WatchClaims(handler func(Claim)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = append(r.handlers, handler)
}

// notifyHandlersUnlocked calls all registered claim handlers.
// Must be called outside the write lock to avoid deadlock if handlers call
// back into the registry.
func (r *Registry) notifyHandlersUnlocked(claim Claim) {
	r.mu.RLock()
	handlers := make([]func(Claim), len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		h(claim)
	}
}
