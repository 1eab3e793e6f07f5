// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

// AuthCodeURL returns the consent page URL carrying the given state.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for tokens.
func (c *Client) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return tok, nil
}

// Refresh redeems a refresh token. The returned token keeps the old refresh
// token if the server did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// AppToken returns an application token for directory reads.
func (c *Client) AppToken(ctx context.Context) (string, error) {
	tok, err := c.app.Token(c.oauthContext(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to get application token: %w", err)
	}
	return tok.AccessToken, nil
}

// RevokeSessions invalidates all refresh tokens issued to the token's user.
func (c *Client) RevokeSessions(ctx context.Context, token string) error {
	return c.doJSON(ctx, token, http.MethodPost, "me/revokeSignInSessions", nil, nil)
}

// ExtendedExpiry returns the extended expiry advertised with tok through
// ext_expires_in. Falls back to tok.Expiry when absent.
func ExtendedExpiry(tok *oauth2.Token, issuedAt time.Time) time.Time {
	var secs int64
	switch v := tok.Extra("ext_expires_in").(type) {
	case float64:
		secs = int64(v)
	case json.Number:
		secs, _ = v.Int64()
	case string:
		secs, _ = strconv.ParseInt(v, 10, 64)
	}
	if secs <= 0 {
		return tok.Expiry
	}
	return issuedAt.Add(time.Duration(secs) * time.Second)
}
