// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

func postEvent(t *testing.T, eventType model.WebsocketEventType, post *model.Post, senderName string) *model.WebSocketEvent {
	t.Helper()
	data, err := json.Marshal(post)
	require.NoError(t, err)
	return newWebSocketEvent(eventType, post.ChannelId, map[string]any{
		"post":        string(data),
		"sender_name": senderName,
	})
}

func newDirectEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.linkUser(t, "alice", "r-alice")
	env.addGhost(t, "ghost-bob", "r-bob")
	env.local.AddChannel("dm", model.ChannelTypeDirect, "", "alice", "ghost-bob")
	return env
}

func TestHandleLocalEventSkipsBridgeTraffic(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	ctx := context.Background()

	fromOrigin := &model.Post{Id: "p3", ChannelId: "dm", UserId: "alice", Message: "relayed"}
	fromOrigin.AddProp(originProp, "m1")

	tests := []struct {
		name   string
		post   *model.Post
		sender string
	}{
		{"bot", &model.Post{Id: "p1", ChannelId: "dm", UserId: testBotID, Message: "notice"}, "@" + testBotUsername},
		{"system message", &model.Post{Id: "p2", ChannelId: "dm", UserId: "alice", Type: model.PostTypeJoinChannel}, "@alice"},
		{"origin prop", fromOrigin, "@alice"},
		{"ghost", &model.Post{Id: "p4", ChannelId: "dm", UserId: "ghost-bob", Message: "x"}, "@" + GhostUsername(defaultGhostPrefix, "r-bob")},
		{"bot username", &model.Post{Id: "p5", ChannelId: "dm", UserId: "alice", Message: "x"}, "@" + testBotUsername},
	}
	for _, tt := range tests {
		env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPosted, tt.post, tt.sender))
		assert.Empty(t, env.remote.SentCalls(), tt.name)
	}

	// Malformed events are logged and dropped.
	env.bridge.HandleLocalEvent(ctx, newWebSocketEvent(model.WebsocketEventPosted, "dm", map[string]any{}))
	env.bridge.HandleLocalEvent(ctx, newWebSocketEvent(model.WebsocketEventPosted, "dm", map[string]any{"post": "{"}))
	assert.Empty(t, env.remote.SentCalls())
}

func TestHandleLocalEventRelaysUserWithGhostPrefix(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	ctx := context.Background()

	// A real account whose username happens to start with the ghost prefix.
	post := &model.Post{Id: "p1", ChannelId: "dm", UserId: "alice", Message: "hello"}
	env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPosted, post, "@"+defaultGhostPrefix+"lead"))

	require.Len(t, env.remote.SentCalls(), 1)
}

func TestHandleLocalEventRelaysOncePerPost(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	ctx := context.Background()

	evt := postEvent(t, model.WebsocketEventPosted, &model.Post{Id: "p1", ChannelId: "dm", UserId: "alice", Message: "hello"}, "@alice")
	// Every ghost in the channel receives the same event.
	env.bridge.HandleLocalEvent(ctx, evt)
	env.bridge.HandleLocalEvent(ctx, evt)

	sent := env.remote.SentCalls()
	require.Len(t, sent, 1)
	assert.Equal(t, "<p>hello</p>", sent[0].Msg.Body.Content)
}

func TestHandleLocalEventDeniesThreadReply(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	env.putRoom(t, "dm", testChatID, "alice")

	post := &model.Post{Id: "p2", ChannelId: "dm", UserId: "alice", RootId: "p1", Message: "reply"}
	env.bridge.HandleLocalEvent(context.Background(), postEvent(t, model.WebsocketEventPosted, post, "@alice"))

	assert.Empty(t, env.remote.SentCalls())
	assert.Equal(t, []ephemeralCall{{UserID: "alice", ChannelID: "dm", Message: threadReplyDenied}}, env.local.EphemeralCalls())
}

func TestHandleLocalEventEditsAndDeletes(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	ctx := context.Background()
	env.putRoom(t, "dm", testChatID, "alice")
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p1", RemoteMessageID: "m1", RemoteThreadID: testChatID,
	}))

	// An edit the bridge made while applying a Teams change.
	env.bridge.markEcho(localEditKey("p1"))
	echo := &model.Post{Id: "p1", ChannelId: "dm", UserId: "alice", Message: "from teams", EditAt: 5}
	env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPostEdited, echo, "@alice"))
	assert.Empty(t, env.remote.Edited)

	edit := &model.Post{Id: "p1", ChannelId: "dm", UserId: "alice", Message: "fixed typo", EditAt: 6}
	env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPostEdited, edit, "@alice"))
	env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPostEdited, edit, "@alice"))
	require.Len(t, env.remote.Edited, 1)
	assert.Equal(t, "<p>fixed typo</p>", env.remote.Edited[0].Msg.Body.Content)

	deleted := &model.Post{Id: "p1", ChannelId: "dm", UserId: "alice", DeleteAt: 7}
	env.bridge.HandleLocalEvent(ctx, postEvent(t, model.WebsocketEventPostDeleted, deleted, "@alice"))
	assert.Equal(t, []string{"m1"}, env.remote.Deleted)
}

func TestHandleLocalEventUserRemoved(t *testing.T) {
	t.Parallel()
	env := newDirectEnv(t)
	env.putRoom(t, "dm", testChatID, "alice")
	env.remote.ChatMembers[testChatID] = []msgraph.ConversationMember{{ID: "mem-bob", UserID: "r-bob"}}

	evt := newWebSocketEvent(model.WebsocketEventUserRemoved, "dm", map[string]any{"user_id": "ghost-bob"})
	env.bridge.HandleLocalEvent(context.Background(), evt)
	env.bridge.HandleLocalEvent(context.Background(), evt)

	assert.Equal(t, []string{"mem-bob"}, env.remote.Removed)
}
