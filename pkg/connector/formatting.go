// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"html"
	"strings"

	"github.com/aiku/teams-mattermost-bridge/pkg/connector/mattermostfmt"
	"github.com/aiku/teams-mattermost-bridge/pkg/connector/teamsfmt"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// renderOutbound converts a Mattermost post message to Teams HTML. When
// bridgedAs is set the body is wrapped in the block naming the original sender.
func (b *Bridge) renderOutbound(ctx context.Context, message, bridgedAs string) string {
	body := mattermostfmt.Render(message, &mattermostfmt.Options{
		MentionName: func(username string) string {
			user, err := b.local.GetUserByUsername(ctx, username)
			if err != nil || user == nil {
				return ""
			}
			return b.displayName(user.Username, user.Nickname, user.FirstName, user.LastName)
		},
	})
	if bridgedAs != "" {
		return mattermostfmt.WrapBridged(bridgedAs, body)
	}
	return body
}

func (b *Bridge) displayName(username, nickname, firstName, lastName string) string {
	return b.Config.Mattermost.FormatDisplayname(DisplaynameParams{
		Username:  username,
		Nickname:  nickname,
		FirstName: firstName,
		LastName:  lastName,
	})
}

// parseInbound converts a Teams message body to Mattermost markdown.
func (b *Bridge) parseInbound(ctx context.Context, msg *msgraph.ChatMessage) string {
	var text string
	if strings.EqualFold(msg.Body.ContentType, msgraph.ContentTypeText) {
		text = teamsfmt.ParseText(msg.Body.Content)
	} else {
		text = teamsfmt.Parse(msg.Body.Content, &attachmentResolver{ctx: ctx, bridge: b, msg: msg})
	}

	// Files shared from OneDrive arrive as reference attachments.
	var files []string
	for _, att := range msg.Attachments {
		if att.ContentType != msgraph.AttachmentTypeReference || att.ContentURL == "" {
			continue
		}
		name := att.Name
		if name == "" {
			name = att.ContentURL
		}
		files = append(files, "["+name+"]("+att.ContentURL+")")
	}
	if len(files) > 0 {
		if text != "" {
			text += "\n"
		}
		text += strings.Join(files, "\n")
	}
	return text
}

// attachmentResolver expands message references through the mapping table.
type attachmentResolver struct {
	ctx    context.Context
	bridge *Bridge
	msg    *msgraph.ChatMessage
}

var _ teamsfmt.AttachmentResolver = (*attachmentResolver)(nil)

func (r *attachmentResolver) Attachment(id string) (string, string, bool) {
	for _, att := range r.msg.Attachments {
		if att.ID == id {
			return att.ContentType, html.UnescapeString(att.Content), true
		}
	}
	return "", "", false
}

func (r *attachmentResolver) MessageLink(remoteMessageID string) string {
	mapping, err := r.bridge.store.GetMappingByRemote(r.ctx, remoteMessageID)
	if err != nil {
		r.bridge.log.Warn().Err(err).Str("remote_message_id", remoteMessageID).Msg("Failed to resolve message reference")
		return ""
	}
	if mapping == nil {
		return ""
	}
	return r.bridge.local.Permalink(mapping.LocalMessageID)
}
