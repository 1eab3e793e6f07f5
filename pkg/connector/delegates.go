// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
)

// SyncResult summarizes a delegate provisioning run.
type SyncResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Total   int `json:"total"`
}

// SyncDelegates provisions a ghost Mattermost user for every Teams directory
// user without a linked Mattermost account. Users that fail are logged and
// skipped.
func (b *Bridge) SyncDelegates(ctx context.Context) (result *SyncResult, err error) {
	log := b.log.With().Str("component", "delegate_sync").Logger()
	defer func() {
		if err != nil {
			b.metrics.DelegateSyncs.WithLabelValues("error").Inc()
		} else {
			b.metrics.DelegateSyncs.WithLabelValues("ok").Inc()
		}
	}()

	token, err := b.remote.AppToken(ctx)
	if err != nil {
		return nil, upstream("get app token", err)
	}
	users, err := b.remote.ListUsers(ctx, token)
	if err != nil {
		return nil, upstream("list users", err)
	}

	result = &SyncResult{}
	for _, user := range users {
		link, err := b.store.GetUserLinkByRemote(ctx, user.ID)
		if err != nil {
			return result, fmt.Errorf("failed to get user link: %w", err)
		}
		if link != nil {
			continue
		}
		existing, err := b.store.GetDelegateLinkByRemote(ctx, user.ID)
		if err != nil {
			return result, fmt.Errorf("failed to get delegate link: %w", err)
		}
		localID, err := b.local.EnsureGhost(ctx, GhostProfile{
			RemoteUserID: user.ID,
			Username:     GhostUsername(b.Config.Mattermost.GhostPrefix, user.ID),
			DisplayName:  user.DisplayName,
			FirstName:    user.GivenName,
			LastName:     user.Surname,
		})
		if err != nil {
			log.Warn().Err(err).Str("remote_user_id", user.ID).Msg("Failed to provision ghost user")
			continue
		}
		if existing != nil && existing.LocalUserID == localID && existing.DisplayName == user.DisplayName {
			result.Total++
			b.startListener(localID)
			continue
		}
		err = b.store.PutDelegateLink(ctx, &bridgestore.DelegateIdentityLink{
			LocalUserID:  localID,
			RemoteUserID: user.ID,
			DisplayName:  user.DisplayName,
		})
		if err != nil {
			return result, fmt.Errorf("failed to save delegate link: %w", err)
		}
		if existing == nil {
			result.Created++
		} else {
			result.Updated++
		}
		result.Total++
		b.startListener(localID)
	}

	log.Info().
		Int("created", result.Created).
		Int("updated", result.Updated).
		Int("total", result.Total).
		Msg("Delegate sync complete")
	return result, nil
}

// resyncOnDemand runs a delegate sync unless one ran recently.
func (b *Bridge) resyncOnDemand(ctx context.Context) {
	if _, found := b.resyncGate.GetOrSet("sync", struct{}{}); found {
		return
	}
	if _, err := b.SyncDelegates(ctx); err != nil {
		b.log.Warn().Err(err).Msg("On-demand delegate sync failed")
	}
}

// resolveRemoteUser maps a Teams user to a Mattermost user, syncing delegates
// once when the user is unknown. It returns "" when there is still no match.
func (b *Bridge) resolveRemoteUser(ctx context.Context, remoteUserID string) (string, error) {
	localID, err := b.localIdentity(ctx, remoteUserID)
	if err != nil || localID != "" {
		return localID, err
	}
	b.resyncOnDemand(ctx)
	return b.localIdentity(ctx, remoteUserID)
}
