// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"
	"golang.org/x/oauth2"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

const (
	testBotID        = "bot-user-id"
	testBotUsername  = "teamsbridge"
	testSecret       = "webhook-secret"
	testPublicURL    = "https://bridge.example"
	testChatID       = "19:chat@thread.v2"
	chatMessageOData = "#Microsoft.Graph.chatMessage"
)

var errFake = errors.New("fake failure")

type postCall struct {
	AsUser string
	Post   *model.Post
}

type updateCall struct {
	AsUser  string
	PostID  string
	Message string
}

type ephemeralCall struct {
	UserID    string
	ChannelID string
	Message   string
}

type memberCall struct {
	ChannelID string
	UserID    string
}

// fakeLocal is an in-memory LocalChat that records every write.
type fakeLocal struct {
	mu sync.Mutex

	Channels map[string]*model.Channel
	Members  map[string][]string
	Users    map[string]*model.User
	Files    map[string][]byte
	// Ghosts maps remote user ids to the ghost user id EnsureGhost returns.
	Ghosts      map[string]string
	GhostErrors map[string]error

	Posts      []postCall
	Updates    []updateCall
	Ephemerals []ephemeralCall
	Added      []memberCall
	Profiles   []GhostProfile
	Listening  []string
	Stopped    []string
	DirectDMs  [][2]string
	GroupDMs   [][]string

	nextID int
}

var _ LocalChat = (*fakeLocal)(nil)

func newFakeLocal() *fakeLocal {
	return &fakeLocal{
		Channels:    make(map[string]*model.Channel),
		Members:     make(map[string][]string),
		Users:       make(map[string]*model.User),
		Files:       make(map[string][]byte),
		Ghosts:      make(map[string]string),
		GhostErrors: make(map[string]error),
	}
}

func (f *fakeLocal) AddChannel(id string, channelType model.ChannelType, displayName string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Channels[id] = &model.Channel{Id: id, Type: channelType, DisplayName: displayName}
	f.Members[id] = append([]string{testBotID}, members...)
}

func (f *fakeLocal) AddUser(id, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[id] = &model.User{Id: id, Username: username}
}

func (f *fakeLocal) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeLocal) BotUserID() string   { return testBotID }
func (f *fakeLocal) BotUsername() string { return testBotUsername }

func (f *fakeLocal) GetChannel(_ context.Context, channelID string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel, ok := f.Channels[channelID]
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, errFake)
	}
	return channel, nil
}

func (f *fakeLocal) GetChannelMemberIDs(_ context.Context, channelID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Members[channelID]), nil
}

func (f *fakeLocal) GetUser(_ context.Context, userID string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, errFake)
	}
	return user, nil
}

func (f *fakeLocal) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.Users {
		if user.Username == username {
			return user, nil
		}
	}
	return nil, fmt.Errorf("username %s: %w", username, errFake)
}

func (f *fakeLocal) CreateDirectChannel(_ context.Context, userA, userB string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DirectDMs = append(f.DirectDMs, [2]string{userA, userB})
	channel := &model.Channel{Id: f.id("dm"), Type: model.ChannelTypeDirect}
	f.Channels[channel.Id] = channel
	f.Members[channel.Id] = []string{userA, userB}
	return channel, nil
}

func (f *fakeLocal) CreateGroupChannel(_ context.Context, userIDs []string) (*model.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GroupDMs = append(f.GroupDMs, slices.Clone(userIDs))
	channel := &model.Channel{Id: f.id("gm"), Type: model.ChannelTypeGroup}
	f.Channels[channel.Id] = channel
	f.Members[channel.Id] = slices.Clone(userIDs)
	return channel, nil
}

func (f *fakeLocal) AddChannelMember(_ context.Context, channelID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Added = append(f.Added, memberCall{ChannelID: channelID, UserID: userID})
	if !slices.Contains(f.Members[channelID], userID) {
		f.Members[channelID] = append(f.Members[channelID], userID)
	}
	return nil
}

func (f *fakeLocal) CreatePost(_ context.Context, asUserID string, post *model.Post) (*model.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := post.Clone()
	created.Id = f.id("post")
	created.UserId = asUserID
	f.Posts = append(f.Posts, postCall{AsUser: asUserID, Post: created})
	return created, nil
}

func (f *fakeLocal) UpdatePost(_ context.Context, asUserID, postID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates = append(f.Updates, updateCall{AsUser: asUserID, PostID: postID, Message: message})
	return nil
}

func (f *fakeLocal) SendEphemeral(_ context.Context, userID, channelID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Ephemerals = append(f.Ephemerals, ephemeralCall{UserID: userID, ChannelID: channelID, Message: message})
	return nil
}

func (f *fakeLocal) GetFile(_ context.Context, fileID string) (*model.FileInfo, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Files[fileID]
	if !ok {
		return nil, nil, fmt.Errorf("file %s: %w", fileID, errFake)
	}
	return &model.FileInfo{Id: fileID, Name: fileID + ".txt", Size: int64(len(data))}, data, nil
}

func (f *fakeLocal) Permalink(postID string) string {
	return "https://mm.example/_redirect/pl/" + postID
}

func (f *fakeLocal) EnsureGhost(_ context.Context, profile GhostProfile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.GhostErrors[profile.RemoteUserID]; err != nil {
		return "", err
	}
	f.Profiles = append(f.Profiles, profile)
	id, ok := f.Ghosts[profile.RemoteUserID]
	if !ok {
		id = "ghost-" + profile.RemoteUserID
		f.Ghosts[profile.RemoteUserID] = id
	}
	return id, nil
}

func (f *fakeLocal) Listen(_ context.Context, userID string, _ EventHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Listening = append(f.Listening, userID)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.Stopped = append(f.Stopped, userID)
	}, nil
}

func (f *fakeLocal) PostCalls() []postCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Posts)
}

func (f *fakeLocal) UpdateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Updates)
}

func (f *fakeLocal) EphemeralCalls() []ephemeralCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Ephemerals)
}

type sendCall struct {
	Token  string
	ChatID string
	Msg    *msgraph.NewMessage
}

type editCall struct {
	Token     string
	ChatID    string
	MessageID string
	Msg       *msgraph.NewMessage
}

type groupChatCall struct {
	Token   string
	Topic   string
	UserIDs []string
}

// fakeRemote is an in-memory RemoteAPI that records every call.
type fakeRemote struct {
	mu sync.Mutex

	// RefreshFunc replaces the default refresh, which issues "fresh-<rt>".
	RefreshFunc  func(refreshToken string) (*oauth2.Token, error)
	RefreshCalls int
	Revoked      []string

	// Codes maps authorization codes to the token they exchange for.
	Codes map[string]*oauth2.Token
	// Profiles maps access tokens to the user GetMe returns.
	Profiles map[string]*msgraph.User

	Directory []msgraph.User
	AppErr    error

	Chats       map[string]*msgraph.Chat
	ChatMembers map[string][]msgraph.ConversationMember
	// ChatHook runs on every GetChat call before the chat is returned.
	ChatHook    func(chatID string)
	OneOnOnes   [][2]string
	Groups      []groupChatCall
	AddedToChat []string
	Removed     []string

	// Messages maps resource paths to the message GetMessageByRef returns.
	Messages    map[string]*msgraph.ChatMessage
	MessageHook func(resource string)
	Fetches     []string
	Sent        []sendCall
	Edited      []editCall
	Deleted     []string

	Subscriptions []msgraph.Subscription
	Created       []msgraph.Subscription
	Renewed       []string
	RenewErr      map[string]error
	Unsubscribed  []string

	Uploads []string

	nextID int
}

var _ RemoteAPI = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		Codes:       make(map[string]*oauth2.Token),
		Profiles:    make(map[string]*msgraph.User),
		Chats:       make(map[string]*msgraph.Chat),
		ChatMembers: make(map[string][]msgraph.ConversationMember),
		Messages:    make(map[string]*msgraph.ChatMessage),
		RenewErr:    make(map[string]error),
	}
}

func (f *fakeRemote) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeRemote) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.RefreshCalls++
	fn := f.RefreshFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(refreshToken)
	}
	return &oauth2.Token{AccessToken: "fresh-" + refreshToken, ExpiresIn: 3600}, nil
}

func (f *fakeRemote) RevokeSessions(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Revoked = append(f.Revoked, token)
	return nil
}

func (f *fakeRemote) AuthCodeURL(state string) string {
	return "https://login.example/authorize?state=" + state
}

func (f *fakeRemote) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.Codes[code]
	if !ok {
		return nil, &msgraph.APIError{StatusCode: 400, Code: "invalid_grant"}
	}
	return tok, nil
}

func (f *fakeRemote) AppToken(context.Context) (string, error) {
	if f.AppErr != nil {
		return "", f.AppErr
	}
	return "app-token", nil
}

func (f *fakeRemote) GetMe(_ context.Context, token string) (*msgraph.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.Profiles[token]
	if !ok {
		return nil, &msgraph.APIError{StatusCode: 401}
	}
	return user, nil
}

func (f *fakeRemote) ListUsers(context.Context, string) ([]msgraph.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Directory), nil
}

func (f *fakeRemote) CreateOneOnOneChat(_ context.Context, _, userA, userB string) (*msgraph.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OneOnOnes = append(f.OneOnOnes, [2]string{userA, userB})
	chat := &msgraph.Chat{ID: "19:" + f.id("oneonone") + "@unq.gbl.spaces", ChatType: msgraph.ChatTypeOneOnOne}
	f.Chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeRemote) CreateGroupChat(_ context.Context, token, topic string, userIDs []string) (*msgraph.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Groups = append(f.Groups, groupChatCall{Token: token, Topic: topic, UserIDs: slices.Clone(userIDs)})
	chat := &msgraph.Chat{ID: "19:" + f.id("group") + "@thread.v2", ChatType: msgraph.ChatTypeGroup, Topic: topic}
	f.Chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeRemote) GetChat(_ context.Context, _, chatID string) (*msgraph.Chat, error) {
	f.mu.Lock()
	hook := f.ChatHook
	f.mu.Unlock()
	if hook != nil {
		hook(chatID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.Chats[chatID]
	if !ok {
		return nil, &msgraph.APIError{StatusCode: 404}
	}
	return chat, nil
}

func (f *fakeRemote) ListChatMembers(_ context.Context, _, chatID string) ([]msgraph.ConversationMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.ChatMembers[chatID]), nil
}

func (f *fakeRemote) AddChatMember(_ context.Context, _, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddedToChat = append(f.AddedToChat, userID)
	return nil
}

func (f *fakeRemote) RemoveChatMember(_ context.Context, _, _, membershipID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Removed = append(f.Removed, membershipID)
	return nil
}

func (f *fakeRemote) SendMessage(_ context.Context, token, chatID string, msg *msgraph.NewMessage) (*msgraph.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sent = append(f.Sent, sendCall{Token: token, ChatID: chatID, Msg: msg})
	return &msgraph.ChatMessage{ID: f.id("msg"), ChatID: chatID, MessageType: msgraph.MessageTypeMessage, Body: msg.Body}, nil
}

func (f *fakeRemote) UpdateMessage(_ context.Context, token, chatID, messageID string, msg *msgraph.NewMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edited = append(f.Edited, editCall{Token: token, ChatID: chatID, MessageID: messageID, Msg: msg})
	return nil
}

func (f *fakeRemote) DeleteMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, messageID)
	return nil
}

func (f *fakeRemote) GetMessageByRef(_ context.Context, _, resource string) (*msgraph.ChatMessage, error) {
	f.mu.Lock()
	f.Fetches = append(f.Fetches, resource)
	hook := f.MessageHook
	msg, ok := f.Messages[resource]
	f.mu.Unlock()
	if hook != nil {
		hook(resource)
	}
	if !ok {
		return nil, &msgraph.APIError{StatusCode: 404}
	}
	clone := *msg
	return &clone, nil
}

func (f *fakeRemote) CreateSubscription(_ context.Context, _ string, sub *msgraph.Subscription) (*msgraph.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *sub
	created.ID = f.id("sub")
	f.Created = append(f.Created, created)
	f.Subscriptions = append(f.Subscriptions, created)
	return &created, nil
}

func (f *fakeRemote) ListSubscriptions(context.Context, string) ([]msgraph.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Subscriptions), nil
}

func (f *fakeRemote) RenewSubscription(_ context.Context, _, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.RenewErr[id]; err != nil {
		return err
	}
	f.Renewed = append(f.Renewed, id)
	return nil
}

func (f *fakeRemote) DeleteSubscription(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unsubscribed = append(f.Unsubscribed, id)
	f.Subscriptions = slices.DeleteFunc(f.Subscriptions, func(s msgraph.Subscription) bool { return s.ID == id })
	return nil
}

func (f *fakeRemote) UploadFile(_ context.Context, _, folder, name string, _ []byte) (*msgraph.DriveItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads = append(f.Uploads, folder+"/"+name)
	return &msgraph.DriveItem{
		ID:   f.id("item"),
		Name: name,
		ETag: `"{D8B4A0C2-1111-2222-3333-444455556666},1"`,
	}, nil
}

func (f *fakeRemote) CreateShareLink(_ context.Context, _, itemID string) (string, error) {
	return "https://onedrive.example/share/" + itemID, nil
}

func (f *fakeRemote) SentCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Sent)
}

func (f *fakeRemote) FetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Fetches)
}

type testEnv struct {
	bridge *Bridge
	local  *fakeLocal
	remote *fakeRemote
	store  bridgestore.Store
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		Mattermost: MattermostConfig{
			ServerURL:           "https://mm.example",
			DisplaynameTemplate: "{{or .Nickname .FirstName .Username}}",
		},
		Teams: TeamsConfig{
			TenantID: "tenant",
			ClientID: "client",
		},
		Bridge: BridgeConfig{
			PublicURL:     testPublicURL,
			WebhookSecret: testSecret,
		},
	}
	require.NoError(t, cfg.PostProcess())
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := bridgestore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	local := newFakeLocal()
	remote := newFakeRemote()
	return &testEnv{
		bridge: New(newTestConfig(t), store, local, remote, nil, zerolog.Nop()),
		local:  local,
		remote: remote,
		store:  store,
	}
}

// linkUser links a Mattermost user to a Teams identity with a token valid for
// an hour. The access token is "tok-<localID>".
func (e *testEnv) linkUser(t *testing.T, localID, remoteID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.PutUserLink(ctx, &bridgestore.UserIdentityLink{LocalUserID: localID, RemoteUserID: remoteID}))
	require.NoError(t, e.store.PutCredential(ctx, &bridgestore.CredentialRecord{
		LocalUserID:     localID,
		AccessToken:     "tok-" + localID,
		RefreshToken:    "rt-" + localID,
		AccessExpiresAt: jsontime.UM(time.Now().Add(time.Hour)),
	}))
	e.local.AddUser(localID, localID)
}

// linkUserExpired links a user whose credential expired and can't be refreshed.
func (e *testEnv) linkUserExpired(t *testing.T, localID, remoteID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.PutUserLink(ctx, &bridgestore.UserIdentityLink{LocalUserID: localID, RemoteUserID: remoteID}))
	require.NoError(t, e.store.PutCredential(ctx, &bridgestore.CredentialRecord{
		LocalUserID:     localID,
		AccessToken:     "stale-" + localID,
		AccessExpiresAt: jsontime.UM(time.Now().Add(-time.Hour)),
	}))
	e.local.AddUser(localID, localID)
}

func (e *testEnv) addGhost(t *testing.T, localID, remoteID string) {
	t.Helper()
	require.NoError(t, e.store.PutDelegateLink(context.Background(), &bridgestore.DelegateIdentityLink{
		LocalUserID:  localID,
		RemoteUserID: remoteID,
		DisplayName:  remoteID,
	}))
	e.local.AddUser(localID, GhostUsername(defaultGhostPrefix, remoteID))
}

func (e *testEnv) putRoom(t *testing.T, roomID, chatID, delegateID string) {
	t.Helper()
	require.NoError(t, e.store.PutRoom(context.Background(), &bridgestore.RoomBridgeRecord{
		LocalRoomID:         roomID,
		RemoteThreadID:      chatID,
		DelegateLocalUserID: delegateID,
	}))
}

func messageResource(chatID, messageID string) string {
	return "chats('" + chatID + "')/messages('" + messageID + "')"
}

// addRemoteMessage registers a Teams message and returns a matching notification.
func (e *testEnv) addRemoteMessage(chatID, messageID, senderRemoteID, html string) ChangeNotification {
	resource := messageResource(chatID, messageID)
	e.remote.mu.Lock()
	e.remote.Messages[resource] = &msgraph.ChatMessage{
		ID:          messageID,
		ChatID:      chatID,
		MessageType: msgraph.MessageTypeMessage,
		From:        &msgraph.ChatMessageFrom{User: &msgraph.Identity{ID: senderRemoteID}},
		Body:        msgraph.ItemBody{ContentType: msgraph.ContentTypeHTML, Content: html},
	}
	e.remote.mu.Unlock()
	return notification("created", chatID, messageID)
}

func notification(changeType, chatID, messageID string) ChangeNotification {
	return ChangeNotification{
		SubscriptionID: "sub-1",
		ChangeType:     changeType,
		Resource:       messageResource(chatID, messageID),
		ResourceData:   ResourceData{ODataType: chatMessageOData, ID: messageID},
	}
}
