// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

func chatPath(chatID string, rest ...string) string {
	p := "chats/" + url.PathEscape(chatID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) member(userID string) ConversationMember {
	return ConversationMember{
		ODataType: aadUserMemberType,
		Roles:     []string{"owner"},
		UserBind:  c.userBind(userID),
	}
}

// CreateOneOnOneChat creates (or returns the existing) one-on-one chat
// between two users.
func (c *Client) CreateOneOnOneChat(ctx context.Context, token, userA, userB string) (*Chat, error) {
	req := Chat{
		ChatType: ChatTypeOneOnOne,
		Members:  []ConversationMember{c.member(userA), c.member(userB)},
	}
	var chat Chat
	if err := c.doJSON(ctx, token, http.MethodPost, "chats", &req, &chat); err != nil {
		return nil, fmt.Errorf("failed to create one-on-one chat: %w", err)
	}
	return &chat, nil
}

// CreateGroupChat creates a group chat with the given topic and members.
func (c *Client) CreateGroupChat(ctx context.Context, token, topic string, userIDs []string) (*Chat, error) {
	req := Chat{ChatType: ChatTypeGroup, Topic: topic}
	for _, id := range userIDs {
		req.Members = append(req.Members, c.member(id))
	}
	var chat Chat
	if err := c.doJSON(ctx, token, http.MethodPost, "chats", &req, &chat); err != nil {
		return nil, fmt.Errorf("failed to create group chat: %w", err)
	}
	return &chat, nil
}

// GetChat fetches a chat with its members expanded.
func (c *Client) GetChat(ctx context.Context, token, chatID string) (*Chat, error) {
	var chat Chat
	if err := c.doJSON(ctx, token, http.MethodGet, chatPath(chatID)+"?$expand=members", nil, &chat); err != nil {
		return nil, fmt.Errorf("failed to get chat %s: %w", chatID, err)
	}
	return &chat, nil
}

// ListChatMembers lists the memberships of a chat.
func (c *Client) ListChatMembers(ctx context.Context, token, chatID string) ([]ConversationMember, error) {
	members, err := listAll[ConversationMember](ctx, c, token, chatPath(chatID, "members"))
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", chatID, err)
	}
	return members, nil
}

// AddChatMember adds a user to a group chat with full history visible.
func (c *Client) AddChatMember(ctx context.Context, token, chatID, userID string) error {
	m := c.member(userID)
	m.VisibleHistoryStartDateTime = "0001-01-01T00:00:00Z"
	if err := c.doJSON(ctx, token, http.MethodPost, chatPath(chatID, "members"), &m, nil); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", userID, chatID, err)
	}
	return nil
}

// RemoveChatMember removes a membership (by membership id, not user id).
func (c *Client) RemoveChatMember(ctx context.Context, token, chatID, membershipID string) error {
	path := chatPath(chatID, "members", url.PathEscape(membershipID))
	if err := c.doJSON(ctx, token, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("failed to remove membership %s from %s: %w", membershipID, chatID, err)
	}
	return nil
}
