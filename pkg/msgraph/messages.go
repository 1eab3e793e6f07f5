// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// SendMessage posts a message to a chat.
func (c *Client) SendMessage(ctx context.Context, token, chatID string, msg *NewMessage) (*ChatMessage, error) {
	var out ChatMessage
	if err := c.doJSON(ctx, token, http.MethodPost, chatPath(chatID, "messages"), msg, &out); err != nil {
		return nil, fmt.Errorf("failed to send message to %s: %w", chatID, err)
	}
	if out.ChatID == "" {
		out.ChatID = chatID
	}
	return &out, nil
}

// UpdateMessage replaces the body of a message the token's user sent.
func (c *Client) UpdateMessage(ctx context.Context, token, chatID, messageID string, msg *NewMessage) error {
	path := chatPath(chatID, "messages", url.PathEscape(messageID))
	if err := c.doJSON(ctx, token, http.MethodPatch, path, msg, nil); err != nil {
		return fmt.Errorf("failed to update message %s: %w", messageID, err)
	}
	return nil
}

// DeleteMessage soft-deletes a message the token's user sent.
func (c *Client) DeleteMessage(ctx context.Context, token, chatID, messageID string) error {
	path := "me/" + chatPath(chatID, "messages", url.PathEscape(messageID), "softDelete")
	if err := c.doJSON(ctx, token, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// GetMessageByRef fetches a message by the resource path carried in a change
// notification, e.g. chats('19:...')/messages('1700000000000').
func (c *Client) GetMessageByRef(ctx context.Context, token, resource string) (*ChatMessage, error) {
	var out ChatMessage
	if err := c.doJSON(ctx, token, http.MethodGet, resource, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", resource, err)
	}
	return &out, nil
}
