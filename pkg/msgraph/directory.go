// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

const userSelect = "$select=id,displayName,mail,userPrincipalName,givenName,surname"

// GetMe returns the token's own user.
func (c *Client) GetMe(ctx context.Context, token string) (*User, error) {
	var u User
	if err := c.doJSON(ctx, token, http.MethodGet, "me?"+userSelect, nil, &u); err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}
	return &u, nil
}

// GetUser fetches a directory user by id or user principal name.
func (c *Client) GetUser(ctx context.Context, token, id string) (*User, error) {
	var u User
	if err := c.doJSON(ctx, token, http.MethodGet, "users/"+url.PathEscape(id)+"?"+userSelect, nil, &u); err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

// ListUsers pages through every user in the tenant directory.
func (c *Client) ListUsers(ctx context.Context, token string) ([]User, error) {
	users, err := listAll[User](ctx, c, token, "users?"+userSelect+"&$top=999")
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}
