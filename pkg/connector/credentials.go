// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// TokenRefresher is the part of the Graph client the credential manager needs.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeSessions(ctx context.Context, token string) error
}

// CredentialManager hands out valid Teams access tokens per Mattermost user,
// refreshing them when they expire.
type CredentialManager struct {
	store   bridgestore.Store
	remote  TokenRefresher
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time

	refreshes singleflight.Group
}

// NewCredentialManager creates a credential manager.
func NewCredentialManager(store bridgestore.Store, remote TokenRefresher, metrics *Metrics, log zerolog.Logger) *CredentialManager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &CredentialManager{
		store:   store,
		remote:  remote,
		metrics: metrics,
		log:     log.With().Str("component", "credentials").Logger(),
		now:     time.Now,
	}
}

// GetValidCredential returns an access token for the user, refreshing it if it
// expired or forceRefresh is set. It returns false when the user has no usable
// credential. A credential that can't be refreshed is deleted and the user's
// login prompt is re-armed. Errors never propagate.
func (m *CredentialManager) GetValidCredential(ctx context.Context, localUserID string, forceRefresh bool) (string, bool) {
	log := m.log.With().Str("user_id", localUserID).Logger()
	rec, err := m.store.GetCredential(ctx, localUserID)
	if err != nil {
		log.Err(err).Msg("Failed to load credential")
		return "", false
	}
	if rec == nil {
		return "", false
	}
	if !forceRefresh && rec.AccessToken != "" && !m.now().After(rec.AccessExpiresAt.Time) {
		return rec.AccessToken, true
	}
	if rec.RefreshToken == "" {
		log.Debug().Msg("Credential expired without refresh token")
		m.invalidate(ctx, localUserID)
		return "", false
	}

	// Concurrent callers for the same user share one refresh.
	result, err, _ := m.refreshes.Do(localUserID, func() (any, error) {
		return m.refresh(ctx, rec)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to refresh credential, treating user as logged out")
		m.metrics.CredentialRefreshes.WithLabelValues("failed").Inc()
		m.invalidate(ctx, localUserID)
		return "", false
	}
	m.metrics.CredentialRefreshes.WithLabelValues("ok").Inc()
	return result.(string), true
}

func (m *CredentialManager) refresh(ctx context.Context, rec *bridgestore.CredentialRecord) (string, error) {
	tok, err := m.remote.Refresh(ctx, rec.RefreshToken)
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = rec.RefreshToken
	}
	if err := m.StoreFromToken(ctx, rec.LocalUserID, tok); err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// StoreFromToken persists a freshly issued token for the user.
func (m *CredentialManager) StoreFromToken(ctx context.Context, localUserID string, tok *oauth2.Token) error {
	now := m.now()
	expiresAt := tok.Expiry
	if tok.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	return m.store.PutCredential(ctx, &bridgestore.CredentialRecord{
		LocalUserID:       localUserID,
		AccessToken:       tok.AccessToken,
		RefreshToken:      tok.RefreshToken,
		AccessExpiresAt:   jsontime.UM(expiresAt),
		ExtendedExpiresAt: jsontime.UM(msgraph.ExtendedExpiry(tok, now)),
	})
}

// Revoke signs the user out of Teams sessions and deletes the credential.
func (m *CredentialManager) Revoke(ctx context.Context, localUserID string) error {
	if token, ok := m.GetValidCredential(ctx, localUserID, false); ok {
		if err := m.remote.RevokeSessions(ctx, token); err != nil {
			m.log.Warn().Err(err).Str("user_id", localUserID).Msg("Failed to revoke Teams sessions")
		}
	}
	return m.store.DeleteCredential(ctx, localUserID)
}

func (m *CredentialManager) invalidate(ctx context.Context, localUserID string) {
	if err := m.store.DeleteCredential(ctx, localUserID); err != nil {
		m.log.Err(err).Str("user_id", localUserID).Msg("Failed to delete invalid credential")
	}
	if err := m.store.SetPromptSent(ctx, localUserID, false); err != nil {
		m.log.Err(err).Str("user_id", localUserID).Msg("Failed to reset login prompt flag")
	}
}
