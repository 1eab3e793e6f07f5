// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AllChatMessagesResource is the subscription resource covering every chat
// the signed-in user is part of.
const AllChatMessagesResource = "/me/chats/getAllMessages"

// CreateSubscription registers a change notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, token string, sub *Subscription) (*Subscription, error) {
	var out Subscription
	if err := c.doJSON(ctx, token, http.MethodPost, "subscriptions", sub, &out); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return &out, nil
}

// ListSubscriptions lists the subscriptions visible to the token.
func (c *Client) ListSubscriptions(ctx context.Context, token string) ([]Subscription, error) {
	subs, err := listAll[Subscription](ctx, c, token, "subscriptions")
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// RenewSubscription moves the expiry of a subscription.
func (c *Client) RenewSubscription(ctx context.Context, token, id string, expiresAt time.Time) error {
	body := map[string]string{"expirationDateTime": expiresAt.UTC().Format(time.RFC3339)}
	if err := c.doJSON(ctx, token, http.MethodPatch, "subscriptions/"+url.PathEscape(id), body, nil); err != nil {
		return fmt.Errorf("failed to renew subscription %s: %w", id, err)
	}
	return nil
}

// DeleteSubscription removes a subscription.
func (c *Client) DeleteSubscription(ctx context.Context, token, id string) error {
	if err := c.doJSON(ctx, token, http.MethodDelete, "subscriptions/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete subscription %s: %w", id, err)
	}
	return nil
}
