// Copyright 2024-2026 Aiku AI

package msgraph

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// UploadFile stores data in the signed-in user's OneDrive under folder/name
// using the simple upload endpoint. Teams only accepts files from the
// sender's own drive as chat attachments.
func (c *Client) UploadFile(ctx context.Context, token, folder, name string, data []byte) (*DriveItem, error) {
	path := fmt.Sprintf("me/drive/root:/%s/%s:/content", url.PathEscape(folder), url.PathEscape(name))
	var item DriveItem
	err := c.do(ctx, token, http.MethodPut, path, "application/octet-stream", bytes.NewReader(data), &item)
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", name, err)
	}
	return &item, nil
}

// CreateShareLink creates an organization-scoped view link for a drive item.
func (c *Client) CreateShareLink(ctx context.Context, token, itemID string) (string, error) {
	body := map[string]string{"type": "view", "scope": "organization"}
	var out struct {
		Link struct {
			WebURL string `json:"webUrl"`
		} `json:"link"`
	}
	path := "me/drive/items/" + url.PathEscape(itemID) + "/createLink"
	if err := c.doJSON(ctx, token, http.MethodPost, path, body, &out); err != nil {
		return "", fmt.Errorf("failed to create share link for %s: %w", itemID, err)
	}
	return out.Link.WebURL, nil
}
