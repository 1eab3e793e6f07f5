// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// newInboundEnv sets up channel "grp" paired with testChatID, delegated to
// alice, with the ghost of r-bob as the other member.
func newInboundEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	env.linkUser(t, "alice", "r-alice")
	env.addGhost(t, "ghost-bob", "r-bob")
	env.local.AddChannel("grp", model.ChannelTypeGroup, "", "alice", "ghost-bob")
	env.putRoom(t, "grp", testChatID, "alice")
	return env
}

func TestParseChangeType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want ChangeType
		ok   bool
	}{
		{"created", ChangeCreated, true},
		{"Updated", ChangeUpdated, true},
		{"DELETED", ChangeDeleted, true},
		{"missed", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseChangeType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseChangeType(%q): got (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
	if _, ok := ParseResourceType("#microsoft.graph.chatMessage"); !ok {
		t.Error("resource type should match case-insensitively")
	}
	if _, ok := ParseResourceType("#Microsoft.Graph.chat"); ok {
		t.Error("chat resources should not parse as chat messages")
	}
}

func TestChangeNotificationMessageID(t *testing.T) {
	t.Parallel()
	n := ChangeNotification{Resource: messageResource(testChatID, "1700000000000")}
	if got := n.MessageID(); got != "1700000000000" {
		t.Errorf("got %q, want id parsed from resource", got)
	}
	n.ResourceData.ID = "explicit"
	if got := n.MessageID(); got != "explicit" {
		t.Errorf("got %q, want resource data id", got)
	}
}

func TestHandleCreatedRelaysAsGhost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	n := env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>hello <strong>there</strong></p>")

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{n})

	posts := env.local.PostCalls()
	require.Len(t, posts, 1)
	assert.Equal(t, "ghost-bob", posts[0].AsUser)
	assert.Equal(t, "grp", posts[0].Post.ChannelId)
	assert.Equal(t, "hello **there**", posts[0].Post.Message)
	assert.Equal(t, "m1", posts[0].Post.GetProp(originProp))

	mapping, err := env.store.GetMappingByRemote(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, mapping)
	assert.Equal(t, posts[0].Post.Id, mapping.LocalMessageID)
	assert.Equal(t, testChatID, mapping.RemoteThreadID)
}

func TestHandleCreatedDropsOwnRelayedMessage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	require.NoError(t, env.bridge.PostSend(ctx, &model.Post{Id: "p1", ChannelId: "grp", UserId: "alice", Message: "hi"}))
	sent := env.remote.SentCalls()
	require.Len(t, sent, 1)

	mapping, err := env.store.GetMappingByLocal(ctx, "p1")
	require.NoError(t, err)
	n := env.addRemoteMessage(testChatID, mapping.RemoteMessageID, "r-alice", "<p>hi</p>")
	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{n})

	assert.Empty(t, env.local.PostCalls())
}

func TestHandleCreatedIgnoresNonDelegateReceiver(t *testing.T) {
	t.Parallel()
	env := newInboundEnv(t)
	env.linkUser(t, "carol", "r-carol")
	n := env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>hello</p>")

	env.bridge.HandleNotifications(context.Background(), "carol", []ChangeNotification{n})

	assert.Empty(t, env.local.PostCalls())
}

func TestHandleNotificationsSurvivesPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	batch := []ChangeNotification{
		env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>one</p>"),
		env.addRemoteMessage(testChatID, "m2", "r-bob", "<p>two</p>"),
		env.addRemoteMessage(testChatID, "m3", "r-bob", "<p>three</p>"),
	}
	env.remote.MessageHook = func(resource string) {
		if strings.Contains(resource, "'m2'") {
			panic("boom")
		}
	}

	env.bridge.HandleNotifications(ctx, "alice", batch)

	posts := env.local.PostCalls()
	require.Len(t, posts, 2)
	assert.Equal(t, "one", posts[0].Post.Message)
	assert.Equal(t, "three", posts[1].Post.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.bridge.metrics.InboundNotifications.WithLabelValues("created", "panic")))
	assert.Equal(t, 2.0, testutil.ToFloat64(env.bridge.metrics.InboundNotifications.WithLabelValues("created", "ok")))
}

func TestHandleNotificationsWithoutReceiverCredential(t *testing.T) {
	t.Parallel()
	env := newInboundEnv(t)
	n := env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>hello</p>")

	env.bridge.HandleNotifications(context.Background(), "stranger", []ChangeNotification{n})

	assert.Zero(t, env.remote.FetchCount())
	assert.Empty(t, env.local.PostCalls())
	assert.Equal(t, 1.0, testutil.ToFloat64(env.bridge.metrics.InboundNotifications.WithLabelValues("created", "dropped")))
}

func TestHandleNotificationsSkipsUnknownTypes(t *testing.T) {
	t.Parallel()
	env := newInboundEnv(t)
	unknownChange := env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>hello</p>")
	unknownChange.ChangeType = "missed"
	unknownResource := env.addRemoteMessage(testChatID, "m2", "r-bob", "<p>hello</p>")
	unknownResource.ResourceData.ODataType = "#Microsoft.Graph.chat"

	env.bridge.HandleNotifications(context.Background(), "alice", []ChangeNotification{unknownChange, unknownResource})

	assert.Zero(t, env.remote.FetchCount())
	assert.Empty(t, env.local.PostCalls())
}

func TestHandleCreatedMaterializesDirectChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.linkUser(t, "alice", "r-alice")
	env.addGhost(t, "ghost-bob", "r-bob")
	const chatID = "19:new@unq.gbl.spaces"
	env.remote.Chats[chatID] = &msgraph.Chat{ID: chatID, ChatType: msgraph.ChatTypeOneOnOne}
	env.remote.ChatMembers[chatID] = []msgraph.ConversationMember{
		{ID: "mem-alice", UserID: "r-alice"},
		{ID: "mem-bob", UserID: "r-bob"},
	}
	n := env.addRemoteMessage(chatID, "m1", "r-bob", "<p>new chat</p>")

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{n})

	require.Equal(t, [][2]string{{"alice", "ghost-bob"}}, env.local.DirectDMs)
	room, err := env.store.GetRoomByThread(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "alice", room.DelegateLocalUserID)

	posts := env.local.PostCalls()
	require.Len(t, posts, 1)
	assert.Equal(t, room.LocalRoomID, posts[0].Post.ChannelId)
	assert.Equal(t, "ghost-bob", posts[0].AsUser)
}

func TestHandleCreatedConcurrentReceiversPostOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newTestEnv(t)
	env.linkUser(t, "alice", "r-alice")
	env.linkUser(t, "carol", "r-carol")
	env.addGhost(t, "ghost-bob", "r-bob")
	const chatID = "19:race@thread.v2"
	env.remote.Chats[chatID] = &msgraph.Chat{ID: chatID, ChatType: msgraph.ChatTypeGroup}
	env.remote.ChatMembers[chatID] = []msgraph.ConversationMember{
		{ID: "mem-alice", UserID: "r-alice"},
		{ID: "mem-carol", UserID: "r-carol"},
		{ID: "mem-bob", UserID: "r-bob"},
	}
	n := env.addRemoteMessage(chatID, "m1", "r-bob", "<p>hello all</p>")

	// carol's delivery arrives while alice is still creating the channel.
	var wg sync.WaitGroup
	var once sync.Once
	env.remote.ChatHook = func(string) {
		once.Do(func() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				env.bridge.HandleNotifications(ctx, "carol", []ChangeNotification{n})
			}()
		})
	}

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{n})
	wg.Wait()

	require.Len(t, env.local.PostCalls(), 1)
	assert.Len(t, env.local.GroupDMs, 1)
	room, err := env.store.GetRoomByThread(ctx, chatID)
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "alice", room.DelegateLocalUserID)
}

func TestHandleCreatedAddsMembersFromSystemEvent(t *testing.T) {
	t.Parallel()
	env := newInboundEnv(t)
	env.addGhost(t, "ghost-erin", "r-erin")
	resource := messageResource(testChatID, "m5")
	env.remote.Messages[resource] = &msgraph.ChatMessage{
		ID:          "m5",
		ChatID:      testChatID,
		MessageType: msgraph.MessageTypeSystemEvent,
		EventDetail: &msgraph.EventDetail{
			ODataType: msgraph.EventMembersAdded,
			Members:   []msgraph.Identity{{ID: "r-erin"}},
		},
	}

	env.bridge.HandleNotifications(context.Background(), "alice", []ChangeNotification{notification("created", testChatID, "m5")})

	assert.Equal(t, []memberCall{{ChannelID: "grp", UserID: "ghost-erin"}}, env.local.Added)
	assert.Empty(t, env.local.PostCalls())
}

func TestHandleUpdated(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p1", RemoteMessageID: "m1", RemoteThreadID: testChatID,
	}))
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p2", RemoteMessageID: "m2", RemoteThreadID: testChatID,
	}))
	env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>changed</p>")
	env.addRemoteMessage(testChatID, "m2", "r-alice", "<p>mine</p>")

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{
		notification("updated", testChatID, "m1"),
		// The receiver's own edit.
		notification("updated", testChatID, "m2"),
		notification("updated", testChatID, "unmapped"),
	})

	assert.Equal(t, []updateCall{{AsUser: "ghost-bob", PostID: "p1", Message: "changed"}}, env.local.UpdateCalls())
	assert.True(t, env.bridge.takeEcho(localEditKey("p1")))
}

func TestHandleUpdatedSkipsOutboundEcho(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p1", RemoteMessageID: "m1", RemoteThreadID: testChatID,
	}))
	env.addRemoteMessage(testChatID, "m1", "r-bob", "<p>changed</p>")
	env.bridge.markEcho(remoteEditKey("m1"))

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{notification("updated", testChatID, "m1")})
	assert.Empty(t, env.local.UpdateCalls())
	assert.Zero(t, env.remote.FetchCount())

	// The marker is consumed by the first notification.
	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{notification("updated", testChatID, "m1")})
	assert.Len(t, env.local.UpdateCalls(), 1)
}

func TestHandleUpdatedSoftDeletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p1", RemoteMessageID: "m1", RemoteThreadID: testChatID,
	}))
	env.addRemoteMessage(testChatID, "m1", "r-bob", "")
	deletedAt := time.Now()
	env.remote.Messages[messageResource(testChatID, "m1")].DeletedDateTime = &deletedAt

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{notification("updated", testChatID, "m1")})

	assert.Equal(t, []updateCall{{AsUser: "ghost-bob", PostID: "p1", Message: DeletedPlaceholder}}, env.local.UpdateCalls())
}

func TestHandleDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	for _, id := range []string{"1", "2"} {
		require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
			LocalMessageID: "p" + id, RemoteMessageID: "m" + id, RemoteThreadID: testChatID,
		}))
	}
	env.bridge.markEcho(remoteDeleteKey("m2"))

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{
		notification("deleted", testChatID, "m1"),
		notification("deleted", testChatID, "m2"),
		notification("deleted", testChatID, "m3"),
	})

	// m1 is no longer readable on Teams, so the bot writes the placeholder.
	assert.Equal(t, []updateCall{{AsUser: "", PostID: "p1", Message: DeletedPlaceholder}}, env.local.UpdateCalls())
	assert.True(t, env.bridge.takeEcho(localEditKey("p1")))
}

func TestHandleDeletedAttributesToSender(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	for _, id := range []string{"1", "2"} {
		require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
			LocalMessageID: "p" + id, RemoteMessageID: "m" + id, RemoteThreadID: testChatID,
		}))
	}
	deletedAt := time.Now()
	env.addRemoteMessage(testChatID, "m1", "r-bob", "")
	env.remote.Messages[messageResource(testChatID, "m1")].DeletedDateTime = &deletedAt
	// r-nobody has neither a link nor a ghost.
	env.addRemoteMessage(testChatID, "m2", "r-nobody", "")

	env.bridge.HandleNotifications(ctx, "alice", []ChangeNotification{
		notification("deleted", testChatID, "m1"),
		notification("deleted", testChatID, "m2"),
	})

	assert.Equal(t, []updateCall{
		{AsUser: "ghost-bob", PostID: "p1", Message: DeletedPlaceholder},
		{AsUser: "", PostID: "p2", Message: DeletedPlaceholder},
	}, env.local.UpdateCalls())
}

func TestParseInboundReferences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env := newInboundEnv(t)
	require.NoError(t, env.store.InsertMapping(ctx, &bridgestore.MessageIDMapping{
		LocalMessageID: "p1", RemoteMessageID: "m1", RemoteThreadID: testChatID,
	}))

	msg := &msgraph.ChatMessage{
		ID:   "m2",
		Body: msgraph.ItemBody{ContentType: msgraph.ContentTypeHTML, Content: "<p>see file</p>"},
		Attachments: []msgraph.ChatMessageAttachment{{
			ID:          "att-1",
			ContentType: msgraph.AttachmentTypeReference,
			ContentURL:  "https://onedrive.example/report.pdf",
			Name:        "report.pdf",
		}},
	}
	assert.Equal(t, "see file\n[report.pdf](https://onedrive.example/report.pdf)", env.bridge.parseInbound(ctx, msg))

	resolver := &attachmentResolver{ctx: ctx, bridge: env.bridge, msg: msg}
	assert.Equal(t, "https://mm.example/_redirect/pl/p1", resolver.MessageLink("m1"))
	assert.Empty(t, resolver.MessageLink("unknown"))

	plain := &msgraph.ChatMessage{Body: msgraph.ItemBody{ContentType: "Text", Content: "just text"}}
	assert.Equal(t, "just text", env.bridge.parseInbound(ctx, plain))
}
