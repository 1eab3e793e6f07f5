// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
)

// HandleLocalEvent dispatches a Mattermost WebSocket event seen by a ghost.
// Several ghosts see the same event, so each one is handled once.
func (b *Bridge) HandleLocalEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		b.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		b.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		b.handlePostDeleted(ctx, evt)
	case model.WebsocketEventUserRemoved:
		b.handleUserRemoved(ctx, evt)
	default:
		b.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePostEvent extracts a post from a WebSocket event and applies the echo
// prevention layers. Returns (nil, nil) to skip silently, (nil, err) to log an
// error, or (post, nil) to proceed.
func (b *Bridge) parsePostEvent(ctx context.Context, evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", evt.EventType())
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip the bridge bot.
	if post.UserId == b.local.BotUserID() {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	// Echo prevention: skip posts the bridge created.
	if post.GetProp(originProp) != nil {
		return nil, nil
	}

	// Echo prevention: skip posts from the bot's username.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if isBotUsername(senderName, b.local.BotUsername()) {
		b.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	// Echo prevention: skip ghost accounts. Only a delegate link marks a
	// ghost; real users may share the ghost username prefix.
	ghost, err := b.store.GetDelegateLink(ctx, post.UserId)
	if err != nil {
		return nil, fmt.Errorf("failed to get delegate link: %w", err)
	} else if ghost != nil {
		b.log.Debug().
			Str("post_id", post.Id).
			Str("user_id", post.UserId).
			Msg("Skipping ghost post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

func (b *Bridge) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := b.parsePostEvent(ctx, evt)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil || b.markSeen("posted:"+post.Id) {
		return
	}
	log := b.log.With().Str("post_id", post.Id).Str("channel_id", post.ChannelId).Logger()
	log.Debug().Str("user_id", post.UserId).Msg("Received new post")

	verdict := b.PreSend(ctx, post)
	if !verdict.Allowed {
		if err := b.local.SendEphemeral(ctx, post.UserId, post.ChannelId, verdict.Reason); err != nil {
			log.Warn().Err(err).Msg("Failed to send denial notice")
		}
		return
	}
	switch err := b.PostSend(ctx, post); {
	case errors.Is(err, ErrNoDelegate):
		// The sender was already prompted by PreSend.
		log.Debug().Msg("No delegate for room, post not relayed")
	case err != nil:
		log.Err(err).Msg("Failed to relay post to Teams")
	}
}

func (b *Bridge) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := b.parsePostEvent(ctx, evt)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil || b.markSeen("edited:"+post.Id+":"+strconv.FormatInt(post.EditAt, 10)) {
		return
	}
	if b.takeEcho(localEditKey(post.Id)) {
		return
	}
	if err := b.PostUpdate(ctx, post); err != nil {
		b.log.Err(err).Str("post_id", post.Id).Msg("Failed to relay edit to Teams")
	}
}

func (b *Bridge) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := b.parsePostEvent(ctx, evt)
	if err != nil {
		b.log.Warn().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil || b.markSeen("deleted:"+post.Id) {
		return
	}
	if err := b.PostDelete(ctx, post); err != nil {
		b.log.Err(err).Str("post_id", post.Id).Msg("Failed to relay delete to Teams")
	}
}

func (b *Bridge) handleUserRemoved(ctx context.Context, evt *model.WebSocketEvent) {
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		channelID, _ = evt.GetData()["channel_id"].(string)
	}
	userID, _ := evt.GetData()["user_id"].(string)
	if channelID == "" || userID == "" {
		return
	}
	if b.markSeen("removed:" + channelID + ":" + userID) {
		return
	}
	if err := b.MemberLeave(ctx, channelID, userID); err != nil {
		b.log.Err(err).Str("channel_id", channelID).Str("user_id", userID).Msg("Failed to relay member leave")
	}
}
