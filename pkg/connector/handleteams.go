// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// DeletedPlaceholder replaces the text of posts whose Teams message was deleted.
const DeletedPlaceholder = "_This message was deleted._"

// ChangeType is the kind of change a notification reports.
type ChangeType int

const (
	ChangeCreated ChangeType = iota + 1
	ChangeUpdated
	ChangeDeleted
)

// ParseChangeType parses a Graph changeType token.
func ParseChangeType(s string) (ChangeType, bool) {
	switch strings.ToLower(s) {
	case "created":
		return ChangeCreated, true
	case "updated":
		return ChangeUpdated, true
	case "deleted":
		return ChangeDeleted, true
	default:
		return 0, false
	}
}

func (c ChangeType) String() string {
	switch c {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ResourceType is the kind of resource a notification is about.
type ResourceType int

const (
	ResourceChatMessage ResourceType = iota + 1
)

const chatMessageODataType = "#Microsoft.Graph.chatMessage"

// ParseResourceType parses the @odata.type of a notification's resource data.
func ParseResourceType(s string) (ResourceType, bool) {
	switch {
	case strings.EqualFold(s, chatMessageODataType):
		return ResourceChatMessage, true
	default:
		return 0, false
	}
}

// ChangeNotification is one item of a Graph webhook delivery.
type ChangeNotification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ChangeType     string       `json:"changeType"`
	ClientState    string       `json:"clientState"`
	Resource       string       `json:"resource"`
	ResourceData   ResourceData `json:"resourceData"`
	TenantID       string       `json:"tenantId,omitempty"`
}

// ResourceData identifies the changed resource.
type ResourceData struct {
	ODataType string `json:"@odata.type"`
	ID        string `json:"id"`
}

// MessageID returns the Teams message id the notification refers to.
func (n *ChangeNotification) MessageID() string {
	if n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	_, messageID := parseResource(n.Resource)
	return messageID
}

// HandleNotifications processes a verified delivery for one receiver. Each
// item is handled on its own; errors and panics are logged and never stop the
// remaining items.
func (b *Bridge) HandleNotifications(ctx context.Context, receiverID string, items []ChangeNotification) {
	for i := range items {
		b.handleNotificationSafe(ctx, receiverID, &items[i])
	}
}

func (b *Bridge) handleNotificationSafe(ctx context.Context, receiverID string, n *ChangeNotification) {
	log := b.log.With().
		Str("receiver_id", receiverID).
		Str("change_type", n.ChangeType).
		Str("resource", n.Resource).
		Logger()
	ctx = log.WithContext(ctx)
	defer func() {
		if p := recover(); p != nil {
			log.Error().Any("panic", p).Msg("Panic while handling notification")
			b.metrics.InboundNotifications.WithLabelValues(n.ChangeType, "panic").Inc()
		}
	}()

	err := b.handleNotification(ctx, receiverID, n)
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "dropped"
		log.Debug().Err(err).Msg("Dropped notification")
	case err != nil:
		result = "error"
		log.Err(err).Msg("Failed to handle notification")
	}
	b.metrics.InboundNotifications.WithLabelValues(n.ChangeType, result).Inc()
}

func (b *Bridge) handleNotification(ctx context.Context, receiverID string, n *ChangeNotification) error {
	changeType, ok := ParseChangeType(n.ChangeType)
	if !ok {
		return fmt.Errorf("%w: unknown change type %q", ErrNotFound, n.ChangeType)
	}
	switch resourceType, ok := ParseResourceType(n.ResourceData.ODataType); {
	case !ok:
		return fmt.Errorf("%w: unknown resource type %q", ErrNotFound, n.ResourceData.ODataType)
	case resourceType != ResourceChatMessage:
		return nil
	}

	token, ok := b.creds.GetValidCredential(ctx, receiverID, false)
	if !ok {
		zerolog.Ctx(ctx).Warn().Msg("Receiver has no valid Teams credential, dropping notification")
		return fmt.Errorf("%w: receiver credential", ErrNotFound)
	}

	switch changeType {
	case ChangeCreated:
		return b.handleCreated(ctx, receiverID, token, n)
	case ChangeUpdated:
		return b.handleUpdated(ctx, receiverID, token, n)
	case ChangeDeleted:
		return b.handleDeleted(ctx, token, n)
	default:
		return fmt.Errorf("%w: change type %s", ErrNotFound, changeType)
	}
}

func (b *Bridge) fetchMessage(ctx context.Context, token string, n *ChangeNotification) (*msgraph.ChatMessage, error) {
	msg, err := b.remote.GetMessageByRef(ctx, token, n.Resource)
	if msgraph.IsNotFound(err) {
		return nil, fmt.Errorf("%w: message", ErrNotFound)
	} else if err != nil {
		return nil, upstream("get message", err)
	}
	if msg.ChatID == "" {
		msg.ChatID, _ = parseResource(n.Resource)
	}
	return msg, nil
}

func (b *Bridge) handleCreated(ctx context.Context, receiverID, token string, n *ChangeNotification) error {
	msg, err := b.fetchMessage(ctx, token, n)
	if err != nil {
		return err
	}
	// Every member's subscription delivers the same message. The chat lock is
	// held until the mapping is saved.
	unlock := b.rooms.Lock("chat:" + msg.ChatID)
	defer unlock()
	existing, err := b.store.GetMappingByRemote(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	}
	if existing != nil {
		// Our own relayed message coming back.
		return nil
	}

	rec, err := b.store.GetRoomByThread(ctx, msg.ChatID)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	}
	if rec == nil {
		if msg.MessageType != msgraph.MessageTypeMessage {
			return fmt.Errorf("%w: room for system event", ErrNotFound)
		}
		rec, err = b.materializeRoom(ctx, receiverID, token, msg.ChatID)
		if err != nil {
			return err
		}
	}
	if rec.DelegateLocalUserID != receiverID {
		return nil
	}

	switch msg.MessageType {
	case msgraph.MessageTypeMessage:
		return b.relayInbound(ctx, rec, msg)
	case msgraph.MessageTypeSystemEvent:
		if msg.EventDetail != nil && msg.EventDetail.ODataType == msgraph.EventMembersAdded {
			b.addMembersFromEvent(ctx, rec, msg.EventDetail.Members)
		}
		return nil
	default:
		return nil
	}
}

// materializeRoom creates the Mattermost channel for a Teams chat seen for the
// first time and makes the receiver its delegate.
func (b *Bridge) materializeRoom(ctx context.Context, receiverID, token, chatID string) (*bridgestore.RoomBridgeRecord, error) {
	log := zerolog.Ctx(ctx)
	chat, err := b.remote.GetChat(ctx, token, chatID)
	if err != nil {
		return nil, upstream("get chat", err)
	}
	members, err := b.remote.ListChatMembers(ctx, token, chatID)
	if err != nil {
		return nil, upstream("list chat members", err)
	}

	localIDs := []string{receiverID}
	for _, member := range members {
		if member.UserID == "" {
			continue
		}
		localID, err := b.resolveRemoteUser(ctx, member.UserID)
		if err != nil {
			return nil, err
		} else if localID == "" {
			log.Warn().Str("remote_user_id", member.UserID).Msg("No Mattermost user for chat member, skipping")
			continue
		}
		if !slices.Contains(localIDs, localID) {
			localIDs = append(localIDs, localID)
		}
	}

	var channel *model.Channel
	if chat.ChatType == msgraph.ChatTypeOneOnOne {
		if len(localIDs) != 2 {
			return nil, fmt.Errorf("%w: direct chat resolved to %d users", ErrNotFound, len(localIDs))
		}
		channel, err = b.local.CreateDirectChannel(ctx, localIDs[0], localIDs[1])
	} else {
		channel, err = b.local.CreateGroupChannel(ctx, localIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	rec := &bridgestore.RoomBridgeRecord{
		LocalRoomID:         channel.Id,
		RemoteThreadID:      chatID,
		DelegateLocalUserID: receiverID,
	}
	if err := b.store.PutRoom(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save room: %w", err)
	}
	log.Info().Str("channel_id", channel.Id).Str("chat_id", chatID).Msg("Created channel for Teams chat")
	return rec, nil
}

// resolveSender finds the Mattermost account a Teams message is posted as: the
// linked user if they are in the channel, else the sender's ghost.
func (b *Bridge) resolveSender(ctx context.Context, roomID, remoteUserID string) (string, error) {
	link, err := b.store.GetUserLinkByRemote(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get user link: %w", err)
	}
	if link != nil {
		memberIDs, err := b.local.GetChannelMemberIDs(ctx, roomID)
		if err != nil {
			return "", fmt.Errorf("failed to list channel members: %w", err)
		}
		if slices.Contains(memberIDs, link.LocalUserID) {
			return link.LocalUserID, nil
		}
	}
	ghost, err := b.store.GetDelegateLinkByRemote(ctx, remoteUserID)
	if err != nil {
		return "", fmt.Errorf("failed to get delegate link: %w", err)
	}
	if ghost == nil {
		b.resyncOnDemand(ctx)
		if ghost, err = b.store.GetDelegateLinkByRemote(ctx, remoteUserID); err != nil {
			return "", fmt.Errorf("failed to get delegate link: %w", err)
		}
	}
	if ghost == nil {
		return "", fmt.Errorf("%w: sender %s", ErrNotFound, remoteUserID)
	}
	return ghost.LocalUserID, nil
}

func (b *Bridge) relayInbound(ctx context.Context, rec *bridgestore.RoomBridgeRecord, msg *msgraph.ChatMessage) error {
	senderRemote := msg.SenderID()
	if senderRemote == "" {
		return fmt.Errorf("%w: message without user sender", ErrNotFound)
	}
	senderID, err := b.resolveSender(ctx, rec.LocalRoomID, senderRemote)
	if err != nil {
		return err
	}
	text := b.parseInbound(ctx, msg)
	if text == "" {
		return nil
	}

	post := &model.Post{ChannelId: rec.LocalRoomID, Message: text}
	post.AddProp(originProp, msg.ID)
	created, err := b.local.CreatePost(ctx, senderID, post)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	err = b.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID:  created.Id,
		RemoteMessageID: msg.ID,
		RemoteThreadID:  msg.ChatID,
	})
	if errors.Is(err, bridgestore.ErrDuplicateMapping) {
		zerolog.Ctx(ctx).Warn().Str("post_id", created.Id).Msg("Teams message was already mapped")
	} else if err != nil {
		return fmt.Errorf("failed to save message mapping: %w", err)
	}
	zerolog.Ctx(ctx).Debug().Str("post_id", created.Id).Str("message_id", msg.ID).Msg("Relayed Teams message")
	return nil
}

func (b *Bridge) addMembersFromEvent(ctx context.Context, rec *bridgestore.RoomBridgeRecord, added []msgraph.Identity) {
	log := zerolog.Ctx(ctx)
	for _, identity := range added {
		localID, err := b.resolveRemoteUser(ctx, identity.ID)
		if err != nil {
			log.Warn().Err(err).Str("remote_user_id", identity.ID).Msg("Failed to resolve added member")
			continue
		} else if localID == "" {
			log.Warn().Str("remote_user_id", identity.ID).Msg("No Mattermost user for added member, skipping")
			continue
		}
		if err := b.local.AddChannelMember(ctx, rec.LocalRoomID, localID); err != nil {
			log.Warn().Err(err).Str("user_id", localID).Msg("Failed to add channel member")
		}
	}
}

func (b *Bridge) handleUpdated(ctx context.Context, receiverID, token string, n *ChangeNotification) error {
	remoteID := n.MessageID()
	mapping, err := b.store.GetMappingByRemote(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		return fmt.Errorf("%w: mapping for %s", ErrNotFound, remoteID)
	}
	if b.takeEcho(remoteEditKey(remoteID)) {
		return nil
	}

	msg, err := b.fetchMessage(ctx, token, n)
	if err != nil {
		return err
	}
	if msg.DeletedDateTime != nil {
		return b.softDelete(ctx, mapping, b.deleteAuthor(ctx, mapping, msg))
	}
	senderRemote := msg.SenderID()
	if senderRemote == "" {
		return fmt.Errorf("%w: message without user sender", ErrNotFound)
	}
	roomRec, err := b.store.GetRoomByThread(ctx, mapping.RemoteThreadID)
	if err != nil {
		return fmt.Errorf("failed to get room: %w", err)
	} else if roomRec == nil {
		return fmt.Errorf("%w: room for %s", ErrNotFound, mapping.RemoteThreadID)
	}
	senderID, err := b.resolveSender(ctx, roomRec.LocalRoomID, senderRemote)
	if err != nil {
		return err
	}
	if senderID == receiverID {
		// The receiver's own edit.
		return nil
	}

	b.markEcho(localEditKey(mapping.LocalMessageID))
	if err := b.local.UpdatePost(ctx, senderID, mapping.LocalMessageID, b.parseInbound(ctx, msg)); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

func (b *Bridge) handleDeleted(ctx context.Context, token string, n *ChangeNotification) error {
	remoteID := n.MessageID()
	mapping, err := b.store.GetMappingByRemote(ctx, remoteID)
	if err != nil {
		return fmt.Errorf("failed to get message mapping: %w", err)
	} else if mapping == nil {
		return fmt.Errorf("%w: mapping for %s", ErrNotFound, remoteID)
	}
	if b.takeEcho(remoteDeleteKey(remoteID)) {
		return nil
	}
	// Graph keeps soft-deleted chat messages readable, which names the sender.
	msg, err := b.fetchMessage(ctx, token, n)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Deleted message not readable, placeholder goes out as the bot")
	}
	return b.softDelete(ctx, mapping, b.deleteAuthor(ctx, mapping, msg))
}

// deleteAuthor resolves the account a deletion is attributed to. An empty
// result means the bot.
func (b *Bridge) deleteAuthor(ctx context.Context, mapping *bridgestore.MessageIDMapping, msg *msgraph.ChatMessage) string {
	if msg == nil || msg.SenderID() == "" {
		return ""
	}
	log := zerolog.Ctx(ctx)
	rec, err := b.store.GetRoomByThread(ctx, mapping.RemoteThreadID)
	if err != nil || rec == nil {
		log.Debug().Err(err).Str("chat_id", mapping.RemoteThreadID).Msg("No room for deleted message")
		return ""
	}
	senderID, err := b.resolveSender(ctx, rec.LocalRoomID, msg.SenderID())
	if err != nil {
		log.Debug().Err(err).Msg("Failed to resolve sender of deleted message")
		return ""
	}
	return senderID
}

// softDelete replaces the post text with the placeholder as asUserID. The
// post is kept so replies still have a parent.
func (b *Bridge) softDelete(ctx context.Context, mapping *bridgestore.MessageIDMapping, asUserID string) error {
	b.markEcho(localEditKey(mapping.LocalMessageID))
	if err := b.local.UpdatePost(ctx, asUserID, mapping.LocalMessageID, DeletedPlaceholder); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}
