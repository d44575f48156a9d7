package wa

import (
	"context"
	"errors"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"

	"wabot/internal/refreshq"
	"wabot/internal/registry"
)

// FetchGroups lists all joined groups as registry entries.
func (a *Adapter) FetchGroups(ctx context.Context) ([]registry.Group, error) {
	infos, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return nil, mapRateLimit("fetch groups", err)
	}
	groups := make([]registry.Group, 0, len(infos))
	for _, info := range infos {
		groups = append(groups, toGroup(info))
	}
	return groups, nil
}

// CountGroups returns the live number of joined groups. Cheaper than a
// full metadata fetch, used to validate cached projections.
func (a *Adapter) CountGroups(ctx context.Context) (int, error) {
	infos, err := a.client.GetJoinedGroups(ctx)
	if err != nil {
		return 0, mapRateLimit("count groups", err)
	}
	return len(infos), nil
}

// FetchGroup fetches metadata for a single group.
func (a *Adapter) FetchGroup(ctx context.Context, identifier string) (*registry.Group, error) {
	jid, err := types.ParseJID(identifier)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	info, err := a.client.GetGroupInfo(ctx, jid)
	if err != nil {
		return nil, mapRateLimit("fetch group", err)
	}
	g := toGroup(info)
	return &g, nil
}

func toGroup(info *types.GroupInfo) registry.Group {
	return registry.Group{
		Identifier:  info.JID.String(),
		DisplayName: info.Name,
		Description: info.Topic,
		MemberCount: len(info.Participants),
	}
}

// mapRateLimit translates the server's rate-overlimit IQ error into the
// sentinel the refresh queue retries on. All other errors pass through
// wrapped and are treated as permanent by callers.
func mapRateLimit(op string, err error) error {
	if errors.Is(err, whatsmeow.ErrIQRateOverLimit) {
		return refreshq.ErrRateLimited
	}
	return fmt.Errorf("%s: %w", op, err)
}
