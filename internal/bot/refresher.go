package bot

import (
	"context"

	"wabot/internal/registry"
)

// GroupRefresher is the refresh queue's fetcher: one Fetch pulls fresh
// metadata for a single group and patches the registry projection.
type GroupRefresher struct {
	reg *registry.Registry
	src registry.Source
}

// NewGroupRefresher creates the per-group refresh fetcher.
func NewGroupRefresher(reg *registry.Registry, src registry.Source) *GroupRefresher {
	return &GroupRefresher{reg: reg, src: src}
}

// Fetch implements refreshq.Fetcher. Rate-limit errors pass through
// untouched so the queue can requeue with backoff.
func (g *GroupRefresher) Fetch(ctx context.Context, identifier string) error {
	group, err := g.src.FetchGroup(ctx, identifier)
	if err != nil {
		return err
	}
	g.reg.Patch(*group)
	return nil
}
