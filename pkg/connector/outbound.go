// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// originProp marks posts the bridge created so they are never relayed back.
const originProp = "teams_bridge_origin"

const threadReplyDenied = "Replies in threads can't be sent to Microsoft Teams. Post in the channel instead."

// Verdict is the result of the pre-send gate.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allow lets a post through.
func Allow() Verdict { return Verdict{Allowed: true} }

// Deny blocks a post and tells the sender why.
func Deny(reason string) Verdict { return Verdict{Reason: reason} }

// AddMembersInteraction is one submission of the add-members dialog.
type AddMembersInteraction struct {
	RoomID        string
	ActorID       string
	RemoteUserIDs []string
}

func (b *Bridge) countOutbound(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	b.metrics.OutboundMessages.WithLabelValues(operation, result).Inc()
}

func (b *Bridge) isGhost(ctx context.Context, userID string) (bool, error) {
	ghost, err := b.store.GetDelegateLink(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to get delegate link: %w", err)
	}
	return ghost != nil, nil
}

// PreSend decides whether a post may be relayed and runs delegate selection
// for bridged rooms. Selection problems never block the post.
func (b *Bridge) PreSend(ctx context.Context, post *model.Post) Verdict {
	log := b.log.With().Str("post_id", post.Id).Str("channel_id", post.ChannelId).Logger()
	if ghost, err := b.isGhost(ctx, post.UserId); err != nil {
		log.Err(err).Msg("Failed to check sender")
		return Allow()
	} else if ghost {
		return Allow()
	}

	rec, err := b.store.GetRoom(ctx, post.ChannelId)
	if err != nil {
		log.Err(err).Msg("Failed to get room")
		return Allow()
	}
	if post.RootId != "" && rec != nil && rec.RemoteThreadID != "" {
		return Deny(threadReplyDenied)
	}

	members, err := b.resolveMembership(ctx, post.ChannelId)
	if err != nil {
		log.Err(err).Msg("Failed to resolve room members")
		return Allow()
	}
	if members.HasGhost() {
		if _, err := b.SelectDelegate(ctx, post.ChannelId, post.UserId); err != nil {
			log.Err(err).Msg("Delegate selection failed")
		}
	}
	return Allow()
}

// PostSend relays a new Mattermost post to the paired Teams chat, creating the
// chat first if needed.
func (b *Bridge) PostSend(ctx context.Context, post *model.Post) (err error) {
	log := b.log.With().Str("post_id", post.Id).Str("channel_id", post.ChannelId).Logger()
	ctx = log.WithContext(ctx)

	if post.GetProp(originProp) != nil {
		return nil
	}
	if ghost, err := b.isGhost(ctx, post.UserId); err != nil {
		return err
	} else if ghost {
		return nil
	}
	existing, err := b.store.GetMappingByLocal(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	}
	if existing != nil {
		return nil
	}

	channel, err := b.local.GetChannel(ctx, post.ChannelId)
	if err != nil {
		return fmt.Errorf("failed to get channel: %w", err)
	}
	members, err := b.resolveMembership(ctx, post.ChannelId)
	if err != nil {
		return err
	}
	if !members.HasGhost() {
		return nil
	}
	// Posts racing into a fresh channel must share one Teams chat.
	unlock := b.rooms.Lock("channel:" + post.ChannelId)
	defer unlock()
	if existing, err = b.store.GetMappingByLocal(ctx, post.Id); err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if existing != nil {
		return nil
	}
	defer func() { b.countOutbound("send", err) }()

	rec, err := b.store.GetRoom(ctx, post.ChannelId)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	}
	if rec == nil {
		rec = &bridgestore.RoomBridgeRecord{LocalRoomID: post.ChannelId}
	}

	token, bridgedAs, err := b.sendCredential(ctx, rec, post.UserId)
	if err != nil {
		return err
	}

	if rec.RemoteThreadID == "" {
		chatID, err := b.createThread(ctx, token, channel, members)
		if err != nil {
			return err
		}
		rec.RemoteThreadID = chatID
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return fmt.Errorf("failed to save room: %w", err)
		}
		log.Info().Str("chat_id", chatID).Msg("Created Teams chat for channel")
	}

	msg := &msgraph.NewMessage{Body: msgraph.ItemBody{ContentType: msgraph.ContentTypeHTML}}
	var tags strings.Builder
	for _, fileID := range post.FileIds {
		file, err := b.remoteFile(ctx, token, fileID)
		if err != nil {
			return err
		}
		attID := (&msgraph.DriveItem{ID: file.DriveItemID, ETag: file.ETag}).AttachmentID()
		msg.Attachments = append(msg.Attachments, msgraph.ChatMessageAttachment{
			ID:          attID,
			ContentType: msgraph.AttachmentTypeReference,
			ContentURL:  file.WebURL,
			Name:        file.Name,
		})
		tags.WriteString(`<attachment id="` + html.EscapeString(attID) + `"></attachment>`)
	}
	if strings.TrimSpace(post.Message) == "" && tags.Len() == 0 {
		return nil
	}
	msg.Body.Content = b.renderOutbound(ctx, post.Message, bridgedAs) + tags.String()

	sent, err := b.remote.SendMessage(ctx, token, rec.RemoteThreadID, msg)
	if err != nil {
		return upstream("send message", err)
	}
	err = b.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID:  post.Id,
		RemoteMessageID: sent.ID,
		RemoteThreadID:  rec.RemoteThreadID,
	})
	if errors.Is(err, bridgestore.ErrDuplicateMapping) {
		log.Debug().Str("message_id", sent.ID).Msg("Mapping already recorded")
	} else if err != nil {
		return fmt.Errorf("failed to save message mapping: %w", err)
	}
	if err := b.store.SetPromptSent(ctx, post.UserId, false); err != nil {
		log.Warn().Err(err).Msg("Failed to reset login prompt flag")
	}
	log.Debug().Str("message_id", sent.ID).Bool("via_delegate", bridgedAs != "").Msg("Relayed post to Teams")
	return nil
}

// sendCredential picks the sender's own token, else the room delegate's. The
// second value is the sender name to show when the delegate sends.
func (b *Bridge) sendCredential(ctx context.Context, rec *bridgestore.RoomBridgeRecord, senderID string) (string, string, error) {
	if token, ok := b.creds.GetValidCredential(ctx, senderID, false); ok {
		return token, "", nil
	}
	if rec.DelegateLocalUserID == "" {
		return "", "", ErrNoDelegate
	}
	token, ok := b.creds.GetValidCredential(ctx, rec.DelegateLocalUserID, false)
	if !ok {
		rec.DelegateLocalUserID = ""
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return "", "", fmt.Errorf("failed to clear delegate: %w", err)
		}
		return "", "", &ConfigInvariantError{RoomID: rec.LocalRoomID, Err: ErrDelegateCredentialInvalid}
	}
	return token, b.senderName(ctx, senderID), nil
}

func (b *Bridge) createThread(ctx context.Context, token string, channel *model.Channel, members roomMembers) (string, error) {
	ids := members.RemoteIDs()
	if len(ids) < 2 {
		return "", ErrNoRemoteIdentity
	}
	var chat *msgraph.Chat
	var err error
	if isDirect(channel) {
		chat, err = b.remote.CreateOneOnOneChat(ctx, token, ids[0], ids[1])
	} else {
		topic := channel.DisplayName
		if topic == "" {
			topic = b.Config.Bridge.DefaultTopic
		}
		chat, err = b.remote.CreateGroupChat(ctx, token, topic, ids)
	}
	if err != nil {
		return "", upstream("create chat", err)
	}
	return chat.ID, nil
}

// remoteFile returns the OneDrive copy of a Mattermost file, uploading it the
// first time it is sent.
func (b *Bridge) remoteFile(ctx context.Context, token, fileID string) (*bridgestore.RemoteFileRecord, error) {
	rec, err := b.store.GetRemoteFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to get remote file: %w", err)
	}
	if rec != nil {
		return rec, nil
	}
	info, data, err := b.local.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	item, err := b.remote.UploadFile(ctx, token, b.Config.Teams.UploadFolder, info.Name, data)
	if err != nil {
		return nil, upstream("upload file", err)
	}
	webURL := item.WebURL
	if link, err := b.remote.CreateShareLink(ctx, token, item.ID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("file_id", fileID).Msg("Failed to share uploaded file")
	} else if webURL == "" {
		webURL = link
	}
	rec = &bridgestore.RemoteFileRecord{
		LocalFileID: fileID,
		DriveItemID: item.ID,
		Name:        item.Name,
		WebURL:      webURL,
		ETag:        item.ETag,
	}
	if rec.Name == "" {
		rec.Name = info.Name
	}
	if err := b.store.PutRemoteFile(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save remote file: %w", err)
	}
	return rec, nil
}

// PostUpdate relays an edit of a bridged post. Edits by users without a Teams
// credential are ignored.
func (b *Bridge) PostUpdate(ctx context.Context, post *model.Post) (err error) {
	mapping, err := b.store.GetMappingByLocal(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	}
	if mapping == nil {
		return nil
	}
	token, ok := b.creds.GetValidCredential(ctx, post.UserId, false)
	if !ok {
		b.log.Debug().Str("post_id", post.Id).Msg("Editor has no Teams credential, not relaying edit")
		return nil
	}
	defer func() { b.countOutbound("edit", err) }()

	b.markEcho(remoteEditKey(mapping.RemoteMessageID))
	err = b.remote.UpdateMessage(ctx, token, mapping.RemoteThreadID, mapping.RemoteMessageID, &msgraph.NewMessage{
		Body: msgraph.ItemBody{
			ContentType: msgraph.ContentTypeHTML,
			Content:     b.renderOutbound(ctx, post.Message, ""),
		},
	})
	return upstream("update message", err)
}

// PostDelete relays a deletion of a bridged post.
func (b *Bridge) PostDelete(ctx context.Context, post *model.Post) (err error) {
	mapping, err := b.store.GetMappingByLocal(ctx, post.Id)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	}
	if mapping == nil {
		return nil
	}
	token, ok := b.creds.GetValidCredential(ctx, post.UserId, false)
	if !ok {
		b.log.Debug().Str("post_id", post.Id).Msg("Deleter has no Teams credential, not relaying delete")
		return nil
	}
	defer func() { b.countOutbound("delete", err) }()

	b.markEcho(remoteDeleteKey(mapping.RemoteMessageID))
	return upstream("delete message", b.remote.DeleteMessage(ctx, token, mapping.RemoteThreadID, mapping.RemoteMessageID))
}

// SubmitAddMembers adds Teams users picked in the add-members dialog to the
// paired chat and then to the Mattermost channel. A failure for one user does
// not stop the others.
func (b *Bridge) SubmitAddMembers(ctx context.Context, in AddMembersInteraction) error {
	log := b.log.With().Str("channel_id", in.RoomID).Str("actor_id", in.ActorID).Logger()
	rec, err := b.store.GetRoom(ctx, in.RoomID)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	}

	var token string
	if rec != nil && rec.RemoteThreadID != "" {
		token, _, err = b.sendCredential(ctx, rec, in.ActorID)
		if err != nil {
			return err
		}
	}

	var localIDs []string
	for _, remoteID := range in.RemoteUserIDs {
		localID, err := b.resolveRemoteUser(ctx, remoteID)
		if err != nil {
			log.Warn().Err(err).Str("remote_user_id", remoteID).Msg("Failed to resolve Teams user")
			continue
		} else if localID == "" {
			log.Warn().Str("remote_user_id", remoteID).Msg("No Mattermost user for Teams user, skipping")
			continue
		}
		if token != "" {
			if err := b.remote.AddChatMember(ctx, token, rec.RemoteThreadID, remoteID); err != nil {
				log.Warn().Err(err).Str("remote_user_id", remoteID).Msg("Failed to add member to Teams chat")
				continue
			}
		}
		localIDs = append(localIDs, localID)
	}

	for _, localID := range localIDs {
		if err := b.local.AddChannelMember(ctx, in.RoomID, localID); err != nil {
			log.Warn().Err(err).Str("user_id", localID).Msg("Failed to add channel member")
		}
	}
	return nil
}

// MemberLeave removes a departing member from the paired Teams chat.
func (b *Bridge) MemberLeave(ctx context.Context, roomID, userID string) error {
	rec, err := b.store.GetRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	}
	if rec == nil || rec.RemoteThreadID == "" {
		return nil
	}
	remoteID, err := b.remoteIdentity(ctx, userID)
	if err != nil {
		return err
	}
	if remoteID == "" {
		return nil
	}
	if rec.DelegateLocalUserID == "" {
		return &ConfigInvariantError{RoomID: roomID, Err: ErrNoDelegate}
	}
	token, ok := b.creds.GetValidCredential(ctx, rec.DelegateLocalUserID, false)
	if !ok {
		rec.DelegateLocalUserID = ""
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return fmt.Errorf("failed to clear delegate: %w", err)
		}
		return &ConfigInvariantError{RoomID: roomID, Err: ErrDelegateCredentialInvalid}
	}

	members, err := b.remote.ListChatMembers(ctx, token, rec.RemoteThreadID)
	if err != nil {
		return upstream("list chat members", err)
	}
	for _, member := range members {
		if member.UserID != remoteID {
			continue
		}
		if err := b.remote.RemoveChatMember(ctx, token, rec.RemoteThreadID, member.ID); err != nil {
			return upstream("remove chat member", err)
		}
		break
	}

	if userID == rec.DelegateLocalUserID {
		rec.DelegateLocalUserID = ""
		if err := b.store.PutRoom(ctx, rec); err != nil {
			return fmt.Errorf("failed to clear delegate: %w", err)
		}
	}
	return nil
}

func remoteEditKey(remoteMessageID string) string   { return "remote-edit:" + remoteMessageID }
func remoteDeleteKey(remoteMessageID string) string { return "remote-delete:" + remoteMessageID }
func localEditKey(postID string) string             { return "local-edit:" + postID }
