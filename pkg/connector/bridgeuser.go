// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
)

// DelegateState is the outcome of a delegate selection.
type DelegateState int

const (
	NoDelegate DelegateState = iota
	DelegateAssigned
	// DelegateInvalid only exists during a selection; it collapses to NoDelegate.
	DelegateInvalid
)

func (s DelegateState) String() string {
	switch s {
	case NoDelegate:
		return "no_delegate"
	case DelegateAssigned:
		return "delegate_assigned"
	case DelegateInvalid:
		return "delegate_invalid"
	default:
		return fmt.Sprintf("DelegateState(%d)", int(s))
	}
}

// Selection is the result of SelectDelegate.
type Selection struct {
	State      DelegateState
	DelegateID string
	Room       *bridgestore.RoomBridgeRecord
}

const (
	delegateNotice = "You are now relaying messages in this channel for members who use Microsoft Teams " +
		"without a Mattermost login."
	directPrompt = "You need to log in to Microsoft Teams before messages in this conversation can reach Teams. " +
		"[Log in](%s)"
	groupPrompt = "Nobody in this channel is logged in to Microsoft Teams, so messages can't reach its Teams members. " +
		"[Log in](%s) to relay messages for the channel."
)

// SelectDelegate validates or picks the member that relays a bridged room on
// behalf of Teams-only members. It is evaluated again on every relay attempt so
// a delegate that logs out is replaced by the next message.
func (b *Bridge) SelectDelegate(ctx context.Context, roomID, senderID string) (*Selection, error) {
	log := b.log.With().Str("channel_id", roomID).Logger()
	channel, err := b.local.GetChannel(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	members, err := b.resolveMembership(ctx, roomID)
	if err != nil {
		return nil, err
	}

	rec, err := b.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	dirty := false
	if rec == nil {
		rec = &bridgestore.RoomBridgeRecord{LocalRoomID: roomID}
		dirty = true
	}

	if rec.DelegateLocalUserID != "" {
		if _, ok := b.creds.GetValidCredential(ctx, rec.DelegateLocalUserID, false); ok {
			if dirty {
				if err := b.store.PutRoom(ctx, rec); err != nil {
					return nil, fmt.Errorf("failed to save room: %w", err)
				}
			}
			return &Selection{State: DelegateAssigned, DelegateID: rec.DelegateLocalUserID, Room: rec}, nil
		}
		log.Info().Str("delegate_id", rec.DelegateLocalUserID).Msg("Clearing delegate with invalid credential")
		rec.DelegateLocalUserID = ""
		dirty = true
	}

	for _, member := range members {
		if member.Ghost {
			continue
		}
		if _, ok := b.creds.GetValidCredential(ctx, member.LocalUserID, false); !ok {
			continue
		}
		rec.DelegateLocalUserID = member.LocalUserID
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save room: %w", err)
		}
		b.metrics.DelegateAssignments.Inc()
		log.Info().Str("delegate_id", member.LocalUserID).Msg("Assigned room delegate")
		if !isDirect(channel) {
			if err := b.local.SendEphemeral(ctx, member.LocalUserID, roomID, delegateNotice); err != nil {
				log.Warn().Err(err).Msg("Failed to notify new delegate")
			}
		}
		return &Selection{State: DelegateAssigned, DelegateID: member.LocalUserID, Room: rec}, nil
	}

	if dirty {
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to save room: %w", err)
		}
	}
	if senderID != "" {
		template := groupPrompt
		if isDirect(channel) {
			template = directPrompt
		}
		b.promptLogin(ctx, senderID, roomID, template)
	}
	return &Selection{State: NoDelegate, Room: rec}, nil
}

// promptLogin asks a user to log in, once until the flag is reset.
func (b *Bridge) promptLogin(ctx context.Context, userID, roomID, template string) {
	log := b.log.With().Str("user_id", userID).Str("channel_id", roomID).Logger()
	sent, err := b.store.GetPromptSent(ctx, userID)
	if err != nil {
		log.Err(err).Msg("Failed to read login prompt flag")
		return
	}
	if sent {
		return
	}
	if err := b.local.SendEphemeral(ctx, userID, roomID, fmt.Sprintf(template, b.LoginURL(userID))); err != nil {
		log.Warn().Err(err).Msg("Failed to send login prompt")
		return
	}
	if err := b.store.SetPromptSent(ctx, userID, true); err != nil {
		log.Err(err).Msg("Failed to save login prompt flag")
	}
	b.metrics.LoginPrompts.Inc()
}
