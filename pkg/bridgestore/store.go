// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridgestore persists the cross-platform state of the bridge:
// identity links, cached Teams credentials, room pairings, message id
// mappings and login prompt flags.
//
// All state lives behind the [Store] interface and is accessed with plain
// read-modify-write calls. There is no locking across calls; concurrent
// writers for the same key resolve as last-write-wins, except for message
// mappings which are insert-only and unique on both of their ids.
package bridgestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mau.fi/util/jsontime"
)

// ErrDuplicateMapping is returned by InsertMapping when either the local or
// the remote message id is already mapped. The existing row is kept.
var ErrDuplicateMapping = errors.New("message mapping already exists")

// UserIdentityLink maps an authenticated Mattermost user to their Teams identity.
type UserIdentityLink struct {
	LocalUserID  string `json:"local_user_id"`
	RemoteUserID string `json:"remote_user_id"`
}

// DelegateIdentityLink maps a ghost Mattermost user to the Teams-only
// identity it represents.
type DelegateIdentityLink struct {
	LocalUserID  string `json:"local_user_id"`
	RemoteUserID string `json:"remote_user_id"`
	DisplayName  string `json:"display_name,omitempty"`
}

// CredentialRecord is the cached OAuth material of one local user.
type CredentialRecord struct {
	LocalUserID       string             `json:"local_user_id"`
	AccessToken       string             `json:"access_token"`
	RefreshToken      string             `json:"refresh_token"`
	AccessExpiresAt   jsontime.UnixMilli `json:"access_expires_at"`
	ExtendedExpiresAt jsontime.UnixMilli `json:"extended_expires_at"`
}

// RoomBridgeRecord pairs a Mattermost channel with a Teams chat. Empty
// strings mean "not set".
type RoomBridgeRecord struct {
	LocalRoomID         string `json:"local_room_id"`
	RemoteThreadID      string `json:"remote_thread_id,omitempty"`
	DelegateLocalUserID string `json:"delegate_local_user_id,omitempty"`
}

// MessageIDMapping links a Mattermost post to the Teams message it was
// relayed to or from.
type MessageIDMapping struct {
	LocalMessageID  string `json:"local_message_id"`
	RemoteMessageID string `json:"remote_message_id"`
	RemoteThreadID  string `json:"remote_thread_id"`
}

// RemoteFileRecord remembers the OneDrive copy of a Mattermost file.
type RemoteFileRecord struct {
	LocalFileID string `json:"local_file_id"`
	DriveItemID string `json:"drive_item_id"`
	Name        string `json:"name"`
	WebURL      string `json:"web_url"`
	ETag        string `json:"etag,omitempty"`
}

// Store is the persistence interface used by the bridge. Getters return
// (nil, nil) when the requested record does not exist.
type Store interface {
	GetUserLink(ctx context.Context, localUserID string) (*UserIdentityLink, error)
	GetUserLinkByRemote(ctx context.Context, remoteUserID string) (*UserIdentityLink, error)
	PutUserLink(ctx context.Context, link *UserIdentityLink) error
	DeleteUserLink(ctx context.Context, localUserID string) error
	ListUserLinks(ctx context.Context) ([]*UserIdentityLink, error)

	GetDelegateLink(ctx context.Context, localUserID string) (*DelegateIdentityLink, error)
	GetDelegateLinkByRemote(ctx context.Context, remoteUserID string) (*DelegateIdentityLink, error)
	PutDelegateLink(ctx context.Context, link *DelegateIdentityLink) error
	ListDelegateLinks(ctx context.Context) ([]*DelegateIdentityLink, error)

	GetCredential(ctx context.Context, localUserID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, rec *CredentialRecord) error
	DeleteCredential(ctx context.Context, localUserID string) error

	GetRoom(ctx context.Context, localRoomID string) (*RoomBridgeRecord, error)
	GetRoomByThread(ctx context.Context, remoteThreadID string) (*RoomBridgeRecord, error)
	PutRoom(ctx context.Context, rec *RoomBridgeRecord) error

	InsertMapping(ctx context.Context, mapping *MessageIDMapping) error
	GetMappingByLocal(ctx context.Context, localMessageID string) (*MessageIDMapping, error)
	GetMappingByRemote(ctx context.Context, remoteMessageID string) (*MessageIDMapping, error)

	GetPromptSent(ctx context.Context, localUserID string) (bool, error)
	SetPromptSent(ctx context.Context, localUserID string, sent bool) error

	GetRemoteFile(ctx context.Context, localFileID string) (*RemoteFileRecord, error)
	PutRemoteFile(ctx context.Context, rec *RemoteFileRecord) error

	GetLocalSession(ctx context.Context, localUserID string) (string, error)
	PutLocalSession(ctx context.Context, localUserID, token string) error

	Close() error
}

// Config selects and configures a Store backend.
type Config struct {
	// Type is one of "memory", "redis", "sqlite3" or "postgres".
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
	// Prefix namespaces keys in the Redis backend.
	Prefix string `yaml:"prefix"`
}

// Open creates the Store described by cfg.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryStore(), nil
	case "redis":
		return OpenRedisStore(ctx, cfg.URI, cfg.Prefix)
	case "sqlite3", "sqlite", "postgres", "postgresql":
		return OpenSQLStore(ctx, cfg.Type, cfg.URI)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}
