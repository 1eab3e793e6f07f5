// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sort"

	"github.com/mattermost/mattermost/server/public/model"
)

// roomMember is one Mattermost channel member with its Teams identity, if any.
type roomMember struct {
	LocalUserID  string
	RemoteUserID string
	// Ghost is set for members that represent Teams-only people.
	Ghost bool
}

type roomMembers []roomMember

// HasGhost reports whether any member is a ghost, which makes the room bridged.
func (rm roomMembers) HasGhost() bool {
	for _, m := range rm {
		if m.Ghost {
			return true
		}
	}
	return false
}

// RemoteIDs returns the distinct Teams ids of the members in member order.
func (rm roomMembers) RemoteIDs() []string {
	seen := make(map[string]struct{}, len(rm))
	ids := make([]string, 0, len(rm))
	for _, m := range rm {
		if m.RemoteUserID == "" {
			continue
		}
		if _, ok := seen[m.RemoteUserID]; ok {
			continue
		}
		seen[m.RemoteUserID] = struct{}{}
		ids = append(ids, m.RemoteUserID)
	}
	return ids
}

func (rm roomMembers) find(localUserID string) (roomMember, bool) {
	for _, m := range rm {
		if m.LocalUserID == localUserID {
			return m, true
		}
	}
	return roomMember{}, false
}

// resolveMembership lists the channel members sorted by user id, skipping the
// bridge bot, and attaches their Teams identities.
func (b *Bridge) resolveMembership(ctx context.Context, channelID string) (roomMembers, error) {
	ids, err := b.local.GetChannelMemberIDs(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel members: %w", err)
	}
	sort.Strings(ids)

	members := make(roomMembers, 0, len(ids))
	for _, id := range ids {
		if id == b.local.BotUserID() {
			continue
		}
		member := roomMember{LocalUserID: id}
		ghost, err := b.store.GetDelegateLink(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get delegate link: %w", err)
		}
		if ghost != nil {
			member.RemoteUserID = ghost.RemoteUserID
			member.Ghost = true
		} else {
			link, err := b.store.GetUserLink(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("failed to get user link: %w", err)
			}
			if link != nil {
				member.RemoteUserID = link.RemoteUserID
			}
		}
		members = append(members, member)
	}
	return members, nil
}

// remoteIdentity returns the Teams id linked to a Mattermost user, real or ghost.
func (b *Bridge) remoteIdentity(ctx context.Context, localUserID string) (string, error) {
	link, err := b.store.GetUserLink(ctx, localUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get user link: %w", err)
	}
	if link != nil {
		return link.RemoteUserID, nil
	}
	ghost, err := b.store.GetDelegateLink(ctx, localUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get delegate link: %w", err)
	}
	if ghost != nil {
		return ghost.RemoteUserID, nil
	}
	return "", nil
}

// localIdentity returns the Mattermost user for a Teams id, preferring a
// linked real user over a ghost.
func (b *Bridge) localIdentity(ctx context.Context, remoteUserID string) (string, error) {
	link, err := b.store.GetUserLinkByRemote(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get user link: %w", err)
	}
	if link != nil {
		return link.LocalUserID, nil
	}
	ghost, err := b.store.GetDelegateLinkByRemote(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get delegate link: %w", err)
	}
	if ghost != nil {
		return ghost.LocalUserID, nil
	}
	return "", nil
}

// isDirect reports whether the channel is a two-party conversation.
func isDirect(channel *model.Channel) bool {
	return channel.Type == model.ChannelTypeDirect
}

func (b *Bridge) senderName(ctx context.Context, userID string) string {
	user, err := b.local.GetUser(ctx, userID)
	if err != nil || user == nil {
		b.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to fetch sender profile")
		return userID
	}
	return b.displayName(user.Username, user.Nickname, user.FirstName, user.LastName)
}
