// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
)

// loginStateTTL bounds how long a login link stays usable.
const loginStateTTL = 15 * time.Minute

// LoginURL returns the Microsoft sign-in link for a Mattermost user.
func (b *Bridge) LoginURL(localUserID string) string {
	return b.remote.AuthCodeURL(signState(b.Config.Bridge.WebhookSecret, localUserID, b.now().Add(loginStateTTL)))
}

// CompleteLogin finishes the OAuth redirect: it exchanges the code, links the
// Teams account and subscribes to the user's chats. It returns the local user id.
func (b *Bridge) CompleteLogin(ctx context.Context, code, state, errParam string) (string, error) {
	if code == "" {
		if errParam == "" {
			errParam = "missing code"
		}
		return "", fmt.Errorf("%w: %s", ErrLoginFailed, errParam)
	}
	localUserID, ok := verifyState(b.Config.Bridge.WebhookSecret, state, b.now())
	if !ok {
		return "", ErrInvalidState
	}
	log := b.log.With().Str("user_id", localUserID).Logger()
	ctx = log.WithContext(ctx)

	tok, err := b.remote.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrLoginFailed, upstream("exchange code", err))
	}
	me, err := b.remote.GetMe(ctx, tok.AccessToken)
	if err != nil {
		return "", upstream("get profile", err)
	}

	existing, err := b.store.GetUserLinkByRemote(ctx, me.ID)
	if err != nil {
		return "", fmt.Errorf("failed to get user link: %w", err)
	}
	if existing != nil && existing.LocalUserID != localUserID {
		return "", ErrRemoteIdentityTaken
	}
	if err := b.store.PutUserLink(ctx, &bridgestore.UserIdentityLink{
		LocalUserID:  localUserID,
		RemoteUserID: me.ID,
	}); err != nil {
		return "", fmt.Errorf("failed to save user link: %w", err)
	}
	if err := b.creds.StoreFromToken(ctx, localUserID, tok); err != nil {
		return "", fmt.Errorf("failed to save credential: %w", err)
	}
	if err := b.store.SetPromptSent(ctx, localUserID, false); err != nil {
		log.Warn().Err(err).Msg("Failed to reset login prompt flag")
	}
	if err := b.ensureSubscription(ctx, localUserID, tok.AccessToken); err != nil {
		// The renewal job retries.
		log.Warn().Err(err).Msg("Failed to subscribe to chat notifications")
	}
	log.Info().Str("remote_user_id", me.ID).Msg("Linked Teams account")
	return localUserID, nil
}

// Logout removes the user's subscriptions, revokes their Teams sessions and
// unlinks the account.
func (b *Bridge) Logout(ctx context.Context, localUserID string) error {
	log := b.log.With().Str("user_id", localUserID).Logger()
	ctx = log.WithContext(ctx)
	if token, ok := b.creds.GetValidCredential(ctx, localUserID, false); ok {
		b.deleteSubscriptions(ctx, token)
	}
	if err := b.creds.Revoke(ctx, localUserID); err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}
	if err := b.store.DeleteUserLink(ctx, localUserID); err != nil {
		return fmt.Errorf("failed to delete user link: %w", err)
	}
	log.Info().Msg("Unlinked Teams account")
	return nil
}
