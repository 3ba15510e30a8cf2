package lock

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/impetus/internal/model"
)

// ErrNoGrant is returned by Revert when no break-glass grant is supplied.
var ErrNoGrant = errors.New("lock: revert requires a break-glass grant")

// ErrUnknownRegion is returned by Revert for an id that is not registered.
var ErrUnknownRegion = errors.New("lock: unknown region")

// Meta is the metadata recorded when a region is registered.
type Meta struct {
	Source    model.Mode
	CreatedAt time.Time
}

// Region is a protected region. Regions are immutable once registered.
type Region struct {
	ID        string     `json:"id"`
	Source    model.Mode `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
}

// Grant authorizes a single revert. Grants are minted by the break-glass
// store after a token has been consumed.
type Grant struct {
	TokenID string
	Reason  string
}

// Registry is the authoritative set of protected region ids for one
// editing session.
type Registry struct {
	mu      sync.RWMutex
	regions map[string]Region
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]Region)}
}

// Register records id as protected. Re-registering an existing id is a
// no-op that keeps the original metadata. Returns true if id was added.
func (r *Registry) Register(id string, meta Meta) bool {
	if id == "" {
		return false
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regions[id]; ok {
		return false
	}
	r.regions[id] = Region{ID: id, Source: meta.Source, CreatedAt: meta.CreatedAt}
	return true
}

// Contains reports whether id is protected.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regions[id]
	return ok
}

// Get returns the region registered under id.
func (r *Registry) Get(id string) (Region, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regions[id]
	return reg, ok
}

// All returns every protected id in lexical order.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.regions))
	for id := range r.regions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Regions returns every region ordered by creation time, then id.
func (r *Registry) Regions() []Region {
	r.mu.RLock()
	out := make([]Region, 0, len(r.regions))
	for _, reg := range r.regions {
		out = append(out, reg)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of protected regions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.regions)
}

// Revert removes id from the registry. It is the only removal path and is
// gated by a break-glass grant; the mutation guard never calls it.
func (r *Registry) Revert(id string, grant *Grant) error {
	if grant == nil || grant.TokenID == "" {
		return ErrNoGrant
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.regions[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegion, id)
	}
	delete(r.regions, id)
	return nil
}
