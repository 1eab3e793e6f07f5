// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
	"github.com/aiku/teams-mattermost-bridge/pkg/msgraph"
)

// RemoteAPI is the Microsoft Graph surface the bridge drives. *msgraph.Client
// implements it.
type RemoteAPI interface {
	TokenRefresher
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	AppToken(ctx context.Context) (string, error)

	GetMe(ctx context.Context, token string) (*msgraph.User, error)
	ListUsers(ctx context.Context, token string) ([]msgraph.User, error)

	CreateOneOnOneChat(ctx context.Context, token, userA, userB string) (*msgraph.Chat, error)
	CreateGroupChat(ctx context.Context, token, topic string, userIDs []string) (*msgraph.Chat, error)
	GetChat(ctx context.Context, token, chatID string) (*msgraph.Chat, error)
	ListChatMembers(ctx context.Context, token, chatID string) ([]msgraph.ConversationMember, error)
	AddChatMember(ctx context.Context, token, chatID, userID string) error
	RemoveChatMember(ctx context.Context, token, chatID, membershipID string) error

	SendMessage(ctx context.Context, token, chatID string, msg *msgraph.NewMessage) (*msgraph.ChatMessage, error)
	UpdateMessage(ctx context.Context, token, chatID, messageID string, msg *msgraph.NewMessage) error
	DeleteMessage(ctx context.Context, token, chatID, messageID string) error
	GetMessageByRef(ctx context.Context, token, resource string) (*msgraph.ChatMessage, error)

	CreateSubscription(ctx context.Context, token string, sub *msgraph.Subscription) (*msgraph.Subscription, error)
	ListSubscriptions(ctx context.Context, token string) ([]msgraph.Subscription, error)
	RenewSubscription(ctx context.Context, token, id string, expiresAt time.Time) error
	DeleteSubscription(ctx context.Context, token, id string) error

	UploadFile(ctx context.Context, token, folder, name string, data []byte) (*msgraph.DriveItem, error)
	CreateShareLink(ctx context.Context, token, itemID string) (string, error)
}

var _ RemoteAPI = (*msgraph.Client)(nil)

// GhostProfile describes the Mattermost user provisioned for a Teams user.
type GhostProfile struct {
	RemoteUserID string
	Username     string
	DisplayName  string
	FirstName    string
	LastName     string
}

// EventHandler receives Mattermost WebSocket events.
type EventHandler func(ctx context.Context, evt *model.WebSocketEvent)

// LocalChat is the Mattermost surface the bridge drives. *MattermostClient
// implements it. asUserID selects the account a write is performed as; ""
// means the bridge bot.
type LocalChat interface {
	BotUserID() string
	BotUsername() string

	GetChannel(ctx context.Context, channelID string) (*model.Channel, error)
	GetChannelMemberIDs(ctx context.Context, channelID string) ([]string, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	CreateDirectChannel(ctx context.Context, userA, userB string) (*model.Channel, error)
	CreateGroupChannel(ctx context.Context, userIDs []string) (*model.Channel, error)
	AddChannelMember(ctx context.Context, channelID, userID string) error

	CreatePost(ctx context.Context, asUserID string, post *model.Post) (*model.Post, error)
	UpdatePost(ctx context.Context, asUserID, postID, message string) error
	SendEphemeral(ctx context.Context, userID, channelID, message string) error
	GetFile(ctx context.Context, fileID string) (*model.FileInfo, []byte, error)
	Permalink(postID string) string

	EnsureGhost(ctx context.Context, profile GhostProfile) (string, error)
	// Listen streams WebSocket events seen by userID until stop is called or
	// ctx is done.
	Listen(ctx context.Context, userID string, handle EventHandler) (stop func(), err error)
}

// Bridge relays chats between Mattermost and Microsoft Teams.
type Bridge struct {
	Config *Config

	store   bridgestore.Store
	local   LocalChat
	remote  RemoteAPI
	creds   *CredentialManager
	metrics *Metrics
	log     zerolog.Logger
	now     func() time.Time

	// The caches below are per process, so only one bridge may run against a
	// store.

	// seen drops WebSocket events already handled through another ghost.
	seen *ttlcache.Cache[string, struct{}]
	// echoes holds local post edits the bridge made itself.
	echoes *ttlcache.Cache[string, struct{}]
	// resyncGate debounces on-demand delegate syncs.
	resyncGate *ttlcache.Cache[string, struct{}]
	// rooms serializes room creation and relaying per Teams chat or
	// Mattermost channel.
	rooms *roomLocks

	listenerMu sync.Mutex
	listeners  map[string]func()
	// listenCtx bounds ghost listeners. It is nil until Start.
	listenCtx context.Context

	// inflight tracks asynchronous notification batches.
	inflight sync.WaitGroup
}

const (
	seenTTL = 10 * time.Minute
	echoTTL = 2 * time.Minute
)

// New wires a bridge. metrics may be nil.
func New(cfg *Config, store bridgestore.Store, local LocalChat, remote RemoteAPI, metrics *Metrics, log zerolog.Logger) *Bridge {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	b := &Bridge{
		Config:  cfg,
		store:   store,
		local:   local,
		remote:  remote,
		metrics: metrics,
		log:     log,
		now:     time.Now,
		seen: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](seenTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		echoes: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](echoTTL),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		resyncGate: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](cfg.Bridge.ResyncDebounce),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		rooms:     newRoomLocks(),
		listeners: make(map[string]func()),
	}
	b.creds = NewCredentialManager(store, remote, metrics, log)
	return b
}

// Credentials exposes the credential manager.
func (b *Bridge) Credentials() *CredentialManager {
	return b.creds
}

// Start provisions ghosts, starts their listeners and the cache janitors.
// It doesn't block.
func (b *Bridge) Start(ctx context.Context) error {
	go b.seen.Start()
	go b.echoes.Start()
	go b.resyncGate.Start()

	b.listenerMu.Lock()
	b.listenCtx = ctx
	b.listenerMu.Unlock()

	if _, err := b.SyncDelegates(ctx); err != nil {
		// Ghosts that already exist still get listeners.
		b.log.Err(err).Msg("Initial delegate sync failed")
	}
	return b.StartListeners()
}

// Close stops listeners and waits for in-flight notification batches.
func (b *Bridge) Close() {
	b.listenerMu.Lock()
	for userID, stop := range b.listeners {
		stop()
		delete(b.listeners, userID)
	}
	started := b.listenCtx != nil
	b.listenCtx = nil
	b.listenerMu.Unlock()

	b.inflight.Wait()
	// Stop blocks unless the janitors were started.
	if started {
		b.seen.Stop()
		b.echoes.Stop()
		b.resyncGate.Stop()
	}
}

// Wait blocks until asynchronously dispatched notification batches finish.
func (b *Bridge) Wait() {
	b.inflight.Wait()
}

// StartListeners opens a WebSocket for every ghost that doesn't have one.
func (b *Bridge) StartListeners() error {
	b.listenerMu.Lock()
	ctx := b.listenCtx
	b.listenerMu.Unlock()
	if ctx == nil {
		return nil
	}
	ghosts, err := b.store.ListDelegateLinks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list delegate links: %w", err)
	}
	for _, ghost := range ghosts {
		b.startListener(ghost.LocalUserID)
	}
	return nil
}

// startListener opens a WebSocket for the ghost once the bridge is started.
func (b *Bridge) startListener(userID string) {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	if b.listenCtx == nil {
		return
	}
	if _, ok := b.listeners[userID]; ok {
		return
	}
	stop, err := b.local.Listen(b.listenCtx, userID, b.HandleLocalEvent)
	if err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to start ghost listener")
		return
	}
	b.listeners[userID] = stop
}

// markSeen records key and reports whether it was already present.
func (b *Bridge) markSeen(key string) bool {
	_, found := b.seen.GetOrSet(key, struct{}{})
	return found
}

func (b *Bridge) markEcho(key string) {
	b.echoes.Set(key, struct{}{}, ttlcache.DefaultTTL)
}

// takeEcho consumes a pending echo marker.
func (b *Bridge) takeEcho(key string) bool {
	_, found := b.echoes.GetAndDelete(key)
	return found
}
