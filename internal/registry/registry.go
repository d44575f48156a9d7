// Package registry tracks the groups the account participates in,
// backed by a TTL snapshot with a cheap-count reconciliation policy:
// serve the cache when a live count probe agrees with it, refresh
// wholesale when it does not.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"wabot/internal/refreshq"
	"wabot/internal/snapshot"
)

// Group is one tracked group. MemberCount is a point-in-time count and
// may be stale between refreshes.
type Group struct {
	Identifier  string `json:"jid"`
	DisplayName string `json:"name"`
	Description string `json:"description,omitempty"`
	MemberCount int    `json:"participantCount"`
}

// Source is the transport surface the registry depends on.
type Source interface {
	// FetchGroups returns all groups the account participates in.
	FetchGroups(ctx context.Context) ([]Group, error)
	// CountGroups returns just the number of participating groups.
	CountGroups(ctx context.Context) (int, error)
	// FetchGroup returns fresh metadata for a single group.
	FetchGroup(ctx context.Context, identifier string) (*Group, error)
}

// State names the reconciliation phase, for logs and status reporting.
type State string

const (
	ColdStart  State = "cold_start"
	Loaded     State = "loaded"
	Fresh      State = "fresh"
	Stale      State = "stale"
	Refreshing State = "refreshing"
)

const snapshotKey = "groups"

// Registry owns the in-memory group projection and its snapshot file.
// All reads go through Groups; no caller ever sees a hard failure —
// the worst outcome is an empty list.
type Registry struct {
	mu        sync.Mutex
	groups    []Group
	state     State
	validated bool

	store  *snapshot.Store[Group]
	source Source
	logger *zap.Logger
}

// New creates a registry and primes the projection from the snapshot
// store. A missing or expired snapshot leaves it in ColdStart.
func New(store *snapshot.Store[Group], source Source, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		state:  ColdStart,
		store:  store,
		source: source,
		logger: logger,
	}
	if payload, ok := store.Load(snapshotKey); ok {
		r.groups = payload
		r.state = Loaded
		logger.Info("group registry loaded from snapshot", zap.Int("groups", len(payload)))
	}
	return r
}

// Groups returns the group list, refreshing per the reconciliation
// policy. force bypasses validation and refreshes unconditionally.
func (r *Registry) Groups(ctx context.Context, force bool) []Group {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case force:
		r.refreshLocked(ctx)
	case r.state == ColdStart:
		r.refreshLocked(ctx)
	case !r.validated:
		r.validateLocked(ctx)
	}
	return r.projectionLocked()
}

// validateLocked probes the live group count against the cached count.
// Probe failure serves the cache rather than blocking.
func (r *Registry) validateLocked(ctx context.Context) {
	live, err := r.source.CountGroups(ctx)
	if err != nil {
		r.logger.Warn("group count probe failed, serving cached snapshot", zap.Error(err))
		r.state = Fresh
		r.validated = true
		return
	}
	if live == len(r.groups) {
		r.state = Fresh
		r.validated = true
		return
	}
	r.logger.Info("group count mismatch, refreshing",
		zap.Int("cached", len(r.groups)), zap.Int("live", live))
	r.state = Stale
	r.refreshLocked(ctx)
}

// refreshLocked replaces the snapshot and projection wholesale. On a
// rate-limit or transport failure it falls back to the last-known
// snapshot (even expired), then to the current in-memory projection.
func (r *Registry) refreshLocked(ctx context.Context) {
	r.state = Refreshing
	groups, err := r.source.FetchGroups(ctx)
	if err != nil {
		if errors.Is(err, refreshq.ErrRateLimited) {
			r.logger.Warn("group refresh rate limited, falling back", zap.Error(err))
		} else {
			r.logger.Warn("group refresh failed, falling back", zap.Error(err))
		}
		if stale, ok := r.store.LoadStale(snapshotKey); ok {
			r.groups = stale
		}
		r.state = Loaded
		r.validated = false
		return
	}

	r.groups = groups
	r.state = Loaded
	r.validated = true
	if err := r.store.Save(snapshotKey, "groups", groups); err != nil {
		r.logger.Error("group snapshot save failed", zap.Error(err))
	}
	r.logger.Info("group registry refreshed", zap.Int("groups", len(groups)))
}

func (r *Registry) projectionLocked() []Group {
	out := make([]Group, len(r.groups))
	copy(out, r.groups)
	return out
}

// Patch updates a single group in place after a targeted refresh and
// persists the amended snapshot. Unknown identifiers are appended.
func (r *Registry) Patch(g Group) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.groups {
		if r.groups[i].Identifier == g.Identifier {
			r.groups[i] = g
			r.saveLocked()
			return
		}
	}
	r.groups = append(r.groups, g)
	r.saveLocked()
}

// Remove drops a group from the projection, used when the tracked
// account leaves it.
func (r *Registry) Remove(identifier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.groups {
		if r.groups[i].Identifier == identifier {
			r.groups = append(r.groups[:i], r.groups[i+1:]...)
			r.saveLocked()
			return
		}
	}
}

// Invalidate forces the next read to re-validate against the live count.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validated = false
}

func (r *Registry) saveLocked() {
	if err := r.store.Save(snapshotKey, "groups", r.groups); err != nil {
		r.logger.Error("group snapshot save failed", zap.Error(err))
	}
}

// Find returns the group with the given identifier from the current
// projection, without triggering validation.
func (r *Registry) Find(identifier string) (Group, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.groups {
		if g.Identifier == identifier {
			return g, true
		}
	}
	return Group{}, false
}

// Status reports cache metadata for status commands.
func (r *Registry) Status() (state State, count int, age time.Duration, haveSnapshot bool) {
	r.mu.Lock()
	state = r.state
	count = len(r.groups)
	r.mu.Unlock()
	age, haveSnapshot = r.store.AgeOf(snapshotKey)
	return state, count, age, haveSnapshot
}
