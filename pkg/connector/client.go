// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/teams-mattermost-bridge/pkg/bridgestore"
)

const (
	membersPerPage   = 200
	sessionCacheTTL  = time.Hour
	maxReconnectWait = time.Minute
	tokenDescription = "teams-mattermost-bridge"
)

// MattermostClient is the bridge's connection to Mattermost. It acts as the
// bot for administrative calls and impersonates ghosts and linked users with
// personal access tokens minted on demand.
type MattermostClient struct {
	cfg   *MattermostConfig
	bot   *model.Client4
	store bridgestore.Store
	log   zerolog.Logger

	botUserID   string
	botUsername string

	// clients caches impersonating API clients per user id.
	clients *ttlcache.Cache[string, *model.Client4]
}

var _ LocalChat = (*MattermostClient)(nil)

// NewMattermostClient verifies the bot token and returns a client.
func NewMattermostClient(ctx context.Context, cfg *MattermostConfig, store bridgestore.Store, log zerolog.Logger) (*MattermostClient, error) {
	bot := model.NewAPIv4Client(cfg.ServerURL)
	bot.SetToken(cfg.BotToken)
	me, _, err := bot.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify bot token: %w", err)
	}
	log = log.With().Str("component", "mm_client").Logger()
	log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")
	return &MattermostClient{
		cfg:         cfg,
		bot:         bot,
		store:       store,
		log:         log,
		botUserID:   me.Id,
		botUsername: me.Username,
		clients: ttlcache.New(
			ttlcache.WithTTL[string, *model.Client4](sessionCacheTTL),
		),
	}, nil
}

func (m *MattermostClient) BotUserID() string   { return m.botUserID }
func (m *MattermostClient) BotUsername() string { return m.botUsername }

func (m *MattermostClient) GetChannel(ctx context.Context, channelID string) (*model.Channel, error) {
	channel, _, err := m.bot.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return channel, nil
}

func (m *MattermostClient) GetChannelMemberIDs(ctx context.Context, channelID string) ([]string, error) {
	var ids []string
	for page := 0; ; page++ {
		members, _, err := m.bot.GetChannelMembers(ctx, channelID, page, membersPerPage, "")
		if err != nil {
			return nil, fmt.Errorf("failed to get channel members: %w", err)
		}
		for _, member := range members {
			ids = append(ids, member.UserId)
		}
		if len(members) < membersPerPage {
			return ids, nil
		}
	}
}

func (m *MattermostClient) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, _, err := m.bot.GetUser(ctx, userID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (m *MattermostClient) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	user, _, err := m.bot.GetUserByUsername(ctx, username, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	return user, nil
}

func (m *MattermostClient) CreateDirectChannel(ctx context.Context, userA, userB string) (*model.Channel, error) {
	channel, _, err := m.bot.CreateDirectChannel(ctx, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("failed to create direct channel: %w", err)
	}
	return channel, nil
}

func (m *MattermostClient) CreateGroupChannel(ctx context.Context, userIDs []string) (*model.Channel, error) {
	channel, _, err := m.bot.CreateGroupChannel(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create group channel: %w", err)
	}
	return channel, nil
}

func (m *MattermostClient) AddChannelMember(ctx context.Context, channelID, userID string) error {
	if _, _, err := m.bot.AddChannelMember(ctx, channelID, userID); err != nil {
		return fmt.Errorf("failed to add channel member: %w", err)
	}
	return nil
}

func (m *MattermostClient) CreatePost(ctx context.Context, asUserID string, post *model.Post) (*model.Post, error) {
	var created *model.Post
	err := m.asUser(ctx, asUserID, func(client *model.Client4) (*model.Response, error) {
		var resp *model.Response
		var err error
		created, resp, err = client.CreatePost(ctx, post)
		return resp, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}
	return created, nil
}

func (m *MattermostClient) UpdatePost(ctx context.Context, asUserID, postID, message string) error {
	err := m.asUser(ctx, asUserID, func(client *model.Client4) (*model.Response, error) {
		_, resp, err := client.PatchPost(ctx, postID, &model.PostPatch{Message: &message})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("failed to patch post: %w", err)
	}
	return nil
}

func (m *MattermostClient) SendEphemeral(ctx context.Context, userID, channelID, message string) error {
	_, _, err := m.bot.CreatePostEphemeral(ctx, &model.PostEphemeral{
		UserID: userID,
		Post: &model.Post{
			ChannelId: channelID,
			UserId:    m.botUserID,
			Message:   message,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send ephemeral post: %w", err)
	}
	return nil
}

func (m *MattermostClient) GetFile(ctx context.Context, fileID string) (*model.FileInfo, []byte, error) {
	info, _, err := m.bot.GetFileInfo(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get file info: %w", err)
	}
	data, _, err := m.bot.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to download file: %w", err)
	}
	return info, data, nil
}

func (m *MattermostClient) Permalink(postID string) string {
	return m.cfg.SiteURL + "/_redirect/pl/" + postID
}

// EnsureGhost creates or refreshes the Mattermost user for a Teams-only person
// and returns its id.
func (m *MattermostClient) EnsureGhost(ctx context.Context, profile GhostProfile) (string, error) {
	user, resp, err := m.bot.GetUserByUsername(ctx, profile.Username, "")
	switch {
	case err == nil:
		if user.FirstName != profile.FirstName || user.LastName != profile.LastName || user.Nickname != profile.DisplayName {
			_, _, err = m.bot.PatchUser(ctx, user.Id, &model.UserPatch{
				FirstName: &profile.FirstName,
				LastName:  &profile.LastName,
				Nickname:  &profile.DisplayName,
			})
			if err != nil {
				return "", fmt.Errorf("failed to update ghost profile: %w", err)
			}
		}
		return user.Id, nil
	case resp == nil || resp.StatusCode != http.StatusNotFound:
		return "", fmt.Errorf("failed to look up ghost: %w", err)
	}

	user, _, err = m.bot.CreateUser(ctx, &model.User{
		Username:  profile.Username,
		Email:     profile.Username + "@" + m.cfg.GhostEmailDomain,
		Password:  "Gh0st!" + uuid.NewString(),
		FirstName: profile.FirstName,
		LastName:  profile.LastName,
		Nickname:  profile.DisplayName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create ghost: %w", err)
	}
	if m.cfg.TeamID != "" {
		if _, _, err := m.bot.AddTeamMember(ctx, m.cfg.TeamID, user.Id); err != nil {
			m.log.Warn().Err(err).Str("user_id", user.Id).Msg("Failed to add ghost to team")
		}
	}
	m.log.Info().Str("user_id", user.Id).Str("username", user.Username).Msg("Created ghost user")
	return user.Id, nil
}

// asUser runs fn with a client acting as userID. A rejected token is minted
// again once.
func (m *MattermostClient) asUser(ctx context.Context, userID string, fn func(*model.Client4) (*model.Response, error)) error {
	if userID == "" || userID == m.botUserID {
		_, err := fn(m.bot)
		return err
	}
	client, err := m.clientFor(ctx, userID, false)
	if err != nil {
		return err
	}
	resp, err := fn(client)
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return err
	}
	m.log.Debug().Str("user_id", userID).Msg("Session token rejected, minting a new one")
	if client, err = m.clientFor(ctx, userID, true); err != nil {
		return err
	}
	_, err = fn(client)
	return err
}

func (m *MattermostClient) clientFor(ctx context.Context, userID string, fresh bool) (*model.Client4, error) {
	if !fresh {
		if item := m.clients.Get(userID); item != nil {
			return item.Value(), nil
		}
	}
	token, err := m.sessionToken(ctx, userID, fresh)
	if err != nil {
		return nil, err
	}
	client := model.NewAPIv4Client(m.cfg.ServerURL)
	client.SetToken(token)
	m.clients.Set(userID, client, ttlcache.DefaultTTL)
	return client, nil
}

// sessionToken returns a stored personal access token for the user, minting
// one when none is stored or fresh is set.
func (m *MattermostClient) sessionToken(ctx context.Context, userID string, fresh bool) (string, error) {
	if !fresh {
		token, err := m.store.GetLocalSession(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to get session: %w", err)
		}
		if token != "" {
			return token, nil
		}
	}
	pat, _, err := m.bot.CreateUserAccessToken(ctx, userID, tokenDescription)
	if err != nil {
		return "", fmt.Errorf("failed to create access token: %w", err)
	}
	if err := m.store.PutLocalSession(ctx, userID, pat.Token); err != nil {
		return "", fmt.Errorf("failed to save session: %w", err)
	}
	return pat.Token, nil
}

// Listen opens a WebSocket as userID and feeds its events to handle,
// reconnecting until the returned stop function is called.
func (m *MattermostClient) Listen(ctx context.Context, userID string, handle EventHandler) (func(), error) {
	ws, err := m.connectWebSocket(ctx, userID, false)
	if err != nil {
		if ws, err = m.connectWebSocket(ctx, userID, true); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	go m.listenWebSocket(ctx, userID, ws, handle)
	return cancel, nil
}

func (m *MattermostClient) connectWebSocket(ctx context.Context, userID string, fresh bool) (*model.WebSocketClient, error) {
	token, err := m.sessionToken(ctx, userID, fresh)
	if err != nil {
		return nil, err
	}
	wsURL := httpToWS(m.cfg.ServerURL)
	ws, err := model.NewWebSocketClient4(wsURL, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	m.log.Debug().Str("user_id", userID).Str("ws_url", wsURL).Msg("WebSocket connected")
	return ws, nil
}

func (m *MattermostClient) listenWebSocket(ctx context.Context, userID string, ws *model.WebSocketClient, handle EventHandler) {
	log := m.log.With().Str("user_id", userID).Logger()
	for {
		select {
		case <-ctx.Done():
			ws.Close()
			return
		case evt, ok := <-ws.EventChannel:
			if !ok {
				log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if ws = m.reconnectWebSocket(ctx, userID); ws == nil {
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			handle(ctx, evt)
		}
	}
}

// reconnectWebSocket retries with exponential backoff. It returns nil once ctx
// is done.
func (m *MattermostClient) reconnectWebSocket(ctx context.Context, userID string) *model.WebSocketClient {
	wait := time.Second
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		// After a failure the token may have been revoked.
		ws, err := m.connectWebSocket(ctx, userID, attempt == 1)
		if err == nil {
			return ws
		}
		m.log.Err(err).Str("user_id", userID).Dur("retry_in", wait).Msg("Failed to reconnect WebSocket")
		wait = min(wait*2, maxReconnectWait)
	}
}
