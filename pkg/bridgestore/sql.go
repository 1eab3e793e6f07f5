// Copyright 2024-2026 Aiku AI

package bridgestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_link (
		local_user_id  TEXT PRIMARY KEY,
		remote_user_id TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS delegate_link (
		local_user_id  TEXT PRIMARY KEY,
		remote_user_id TEXT NOT NULL UNIQUE,
		display_name   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS credential (
		local_user_id       TEXT PRIMARY KEY,
		access_token        TEXT NOT NULL,
		refresh_token       TEXT NOT NULL,
		access_expires_at   BIGINT NOT NULL,
		extended_expires_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS room (
		local_room_id          TEXT PRIMARY KEY,
		remote_thread_id       TEXT NOT NULL DEFAULT '',
		delegate_local_user_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS room_thread_idx ON room (remote_thread_id)`,
	`CREATE TABLE IF NOT EXISTS message_mapping (
		local_message_id  TEXT PRIMARY KEY,
		remote_message_id TEXT NOT NULL UNIQUE,
		remote_thread_id  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS prompt_sent (
		local_user_id TEXT PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS remote_file (
		local_file_id TEXT PRIMARY KEY,
		drive_item_id TEXT NOT NULL,
		name          TEXT NOT NULL,
		web_url       TEXT NOT NULL,
		etag          TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS local_session (
		local_user_id TEXT PRIMARY KEY,
		token         TEXT NOT NULL
	)`,
}

// SQLStore is the SQLite/Postgres backend built on dbutil.
type SQLStore struct {
	db *dbutil.Database
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens the database and creates the schema if needed.
func OpenSQLStore(ctx context.Context, dialect, uri string) (*SQLStore, error) {
	switch dialect {
	case "sqlite":
		dialect = "sqlite3"
	case "postgresql":
		dialect = "postgres"
	}
	db, err := dbutil.NewWithDialect(uri, dialect)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	store := &SQLStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func toMillis(t jsontime.UnixMilli) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) jsontime.UnixMilli {
	if ms == 0 {
		return jsontime.UnixMilli{}
	}
	return jsontime.UM(time.UnixMilli(ms))
}

// noRows turns sql.ErrNoRows into the (nil, nil) absent convention.
func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func (s *SQLStore) GetUserLink(ctx context.Context, localUserID string) (*UserIdentityLink, error) {
	var link UserIdentityLink
	err := s.db.QueryRow(ctx,
		`SELECT local_user_id, remote_user_id FROM user_link WHERE local_user_id=$1`,
		localUserID,
	).Scan(&link.LocalUserID, &link.RemoteUserID)
	if err != nil {
		return nil, noRows(err)
	}
	return &link, nil
}

func (s *SQLStore) GetUserLinkByRemote(ctx context.Context, remoteUserID string) (*UserIdentityLink, error) {
	var link UserIdentityLink
	err := s.db.QueryRow(ctx,
		`SELECT local_user_id, remote_user_id FROM user_link WHERE remote_user_id=$1`,
		remoteUserID,
	).Scan(&link.LocalUserID, &link.RemoteUserID)
	if err != nil {
		return nil, noRows(err)
	}
	return &link, nil
}

func (s *SQLStore) PutUserLink(ctx context.Context, link *UserIdentityLink) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_link (local_user_id, remote_user_id) VALUES ($1, $2)
		ON CONFLICT (local_user_id) DO UPDATE SET remote_user_id=excluded.remote_user_id
	`, link.LocalUserID, link.RemoteUserID)
	if err != nil {
		return fmt.Errorf("failed to store user link: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteUserLink(ctx context.Context, localUserID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM user_link WHERE local_user_id=$1`, localUserID); err != nil {
		return fmt.Errorf("failed to delete user link: %w", err)
	}
	return nil
}

func (s *SQLStore) ListUserLinks(ctx context.Context) ([]*UserIdentityLink, error) {
	rows, err := s.db.Query(ctx, `SELECT local_user_id, remote_user_id FROM user_link ORDER BY local_user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user links: %w", err)
	}
	defer rows.Close()

	var out []*UserIdentityLink
	for rows.Next() {
		var link UserIdentityLink
		if err = rows.Scan(&link.LocalUserID, &link.RemoteUserID); err != nil {
			return nil, err
		}
		out = append(out, &link)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetDelegateLink(ctx context.Context, localUserID string) (*DelegateIdentityLink, error) {
	var link DelegateIdentityLink
	err := s.db.QueryRow(ctx,
		`SELECT local_user_id, remote_user_id, display_name FROM delegate_link WHERE local_user_id=$1`,
		localUserID,
	).Scan(&link.LocalUserID, &link.RemoteUserID, &link.DisplayName)
	if err != nil {
		return nil, noRows(err)
	}
	return &link, nil
}

func (s *SQLStore) GetDelegateLinkByRemote(ctx context.Context, remoteUserID string) (*DelegateIdentityLink, error) {
	var link DelegateIdentityLink
	err := s.db.QueryRow(ctx,
		`SELECT local_user_id, remote_user_id, display_name FROM delegate_link WHERE remote_user_id=$1`,
		remoteUserID,
	).Scan(&link.LocalUserID, &link.RemoteUserID, &link.DisplayName)
	if err != nil {
		return nil, noRows(err)
	}
	return &link, nil
}

func (s *SQLStore) PutDelegateLink(ctx context.Context, link *DelegateIdentityLink) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delegate_link (local_user_id, remote_user_id, display_name) VALUES ($1, $2, $3)
		ON CONFLICT (local_user_id) DO UPDATE SET
			remote_user_id=excluded.remote_user_id,
			display_name=excluded.display_name
	`, link.LocalUserID, link.RemoteUserID, link.DisplayName)
	if err != nil {
		return fmt.Errorf("failed to store delegate link: %w", err)
	}
	return nil
}

func (s *SQLStore) ListDelegateLinks(ctx context.Context) ([]*DelegateIdentityLink, error) {
	rows, err := s.db.Query(ctx,
		`SELECT local_user_id, remote_user_id, display_name FROM delegate_link ORDER BY local_user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegate links: %w", err)
	}
	defer rows.Close()

	var out []*DelegateIdentityLink
	for rows.Next() {
		var link DelegateIdentityLink
		if err = rows.Scan(&link.LocalUserID, &link.RemoteUserID, &link.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, &link)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetCredential(ctx context.Context, localUserID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	var accessExp, extendedExp int64
	err := s.db.QueryRow(ctx, `
		SELECT local_user_id, access_token, refresh_token, access_expires_at, extended_expires_at
		FROM credential WHERE local_user_id=$1
	`, localUserID).Scan(&rec.LocalUserID, &rec.AccessToken, &rec.RefreshToken, &accessExp, &extendedExp)
	if err != nil {
		return nil, noRows(err)
	}
	rec.AccessExpiresAt = fromMillis(accessExp)
	rec.ExtendedExpiresAt = fromMillis(extendedExp)
	return &rec, nil
}

func (s *SQLStore) PutCredential(ctx context.Context, rec *CredentialRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO credential (local_user_id, access_token, refresh_token, access_expires_at, extended_expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (local_user_id) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			access_expires_at=excluded.access_expires_at,
			extended_expires_at=excluded.extended_expires_at
	`, rec.LocalUserID, rec.AccessToken, rec.RefreshToken, toMillis(rec.AccessExpiresAt), toMillis(rec.ExtendedExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteCredential(ctx context.Context, localUserID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM credential WHERE local_user_id=$1`, localUserID); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRoom(ctx context.Context, localRoomID string) (*RoomBridgeRecord, error) {
	var rec RoomBridgeRecord
	err := s.db.QueryRow(ctx,
		`SELECT local_room_id, remote_thread_id, delegate_local_user_id FROM room WHERE local_room_id=$1`,
		localRoomID,
	).Scan(&rec.LocalRoomID, &rec.RemoteThreadID, &rec.DelegateLocalUserID)
	if err != nil {
		return nil, noRows(err)
	}
	return &rec, nil
}

func (s *SQLStore) GetRoomByThread(ctx context.Context, remoteThreadID string) (*RoomBridgeRecord, error) {
	if remoteThreadID == "" {
		return nil, nil
	}
	var rec RoomBridgeRecord
	err := s.db.QueryRow(ctx,
		`SELECT local_room_id, remote_thread_id, delegate_local_user_id FROM room WHERE remote_thread_id=$1`,
		remoteThreadID,
	).Scan(&rec.LocalRoomID, &rec.RemoteThreadID, &rec.DelegateLocalUserID)
	if err != nil {
		return nil, noRows(err)
	}
	return &rec, nil
}

func (s *SQLStore) PutRoom(ctx context.Context, rec *RoomBridgeRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO room (local_room_id, remote_thread_id, delegate_local_user_id) VALUES ($1, $2, $3)
		ON CONFLICT (local_room_id) DO UPDATE SET
			remote_thread_id=excluded.remote_thread_id,
			delegate_local_user_id=excluded.delegate_local_user_id
	`, rec.LocalRoomID, rec.RemoteThreadID, rec.DelegateLocalUserID)
	if err != nil {
		return fmt.Errorf("failed to store room record: %w", err)
	}
	return nil
}

func (s *SQLStore) InsertMapping(ctx context.Context, mapping *MessageIDMapping) error {
	result, err := s.db.Exec(ctx, `
		INSERT INTO message_mapping (local_message_id, remote_message_id, remote_thread_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, mapping.LocalMessageID, mapping.RemoteMessageID, mapping.RemoteThreadID)
	if err != nil {
		return fmt.Errorf("failed to insert message mapping: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to insert message mapping: %w", err)
	} else if n == 0 {
		return ErrDuplicateMapping
	}
	return nil
}

func (s *SQLStore) getMapping(ctx context.Context, column, id string) (*MessageIDMapping, error) {
	var m MessageIDMapping
	err := s.db.QueryRow(ctx,
		`SELECT local_message_id, remote_message_id, remote_thread_id FROM message_mapping WHERE `+column+`=$1`,
		id,
	).Scan(&m.LocalMessageID, &m.RemoteMessageID, &m.RemoteThreadID)
	if err != nil {
		return nil, noRows(err)
	}
	return &m, nil
}

func (s *SQLStore) GetMappingByLocal(ctx context.Context, localMessageID string) (*MessageIDMapping, error) {
	return s.getMapping(ctx, "local_message_id", localMessageID)
}

func (s *SQLStore) GetMappingByRemote(ctx context.Context, remoteMessageID string) (*MessageIDMapping, error) {
	return s.getMapping(ctx, "remote_message_id", remoteMessageID)
}

func (s *SQLStore) GetPromptSent(ctx context.Context, localUserID string) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM prompt_sent WHERE local_user_id=$1`, localUserID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to get prompt flag: %w", err)
	}
	return count > 0, nil
}

func (s *SQLStore) SetPromptSent(ctx context.Context, localUserID string, sent bool) error {
	var err error
	if sent {
		_, err = s.db.Exec(ctx, `INSERT INTO prompt_sent (local_user_id) VALUES ($1) ON CONFLICT DO NOTHING`, localUserID)
	} else {
		_, err = s.db.Exec(ctx, `DELETE FROM prompt_sent WHERE local_user_id=$1`, localUserID)
	}
	if err != nil {
		return fmt.Errorf("failed to set prompt flag: %w", err)
	}
	return nil
}

func (s *SQLStore) GetRemoteFile(ctx context.Context, localFileID string) (*RemoteFileRecord, error) {
	var rec RemoteFileRecord
	err := s.db.QueryRow(ctx,
		`SELECT local_file_id, drive_item_id, name, web_url, etag FROM remote_file WHERE local_file_id=$1`,
		localFileID,
	).Scan(&rec.LocalFileID, &rec.DriveItemID, &rec.Name, &rec.WebURL, &rec.ETag)
	if err != nil {
		return nil, noRows(err)
	}
	return &rec, nil
}

func (s *SQLStore) PutRemoteFile(ctx context.Context, rec *RemoteFileRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO remote_file (local_file_id, drive_item_id, name, web_url, etag) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (local_file_id) DO UPDATE SET
			drive_item_id=excluded.drive_item_id,
			name=excluded.name,
			web_url=excluded.web_url,
			etag=excluded.etag
	`, rec.LocalFileID, rec.DriveItemID, rec.Name, rec.WebURL, rec.ETag)
	if err != nil {
		return fmt.Errorf("failed to store remote file record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetLocalSession(ctx context.Context, localUserID string) (string, error) {
	var token string
	err := s.db.QueryRow(ctx, `SELECT token FROM local_session WHERE local_user_id=$1`, localUserID).Scan(&token)
	if err != nil {
		return "", noRows(err)
	}
	return token, nil
}

func (s *SQLStore) PutLocalSession(ctx context.Context, localUserID, token string) error {
	var err error
	if token == "" {
		_, err = s.db.Exec(ctx, `DELETE FROM local_session WHERE local_user_id=$1`, localUserID)
	} else {
		_, err = s.db.Exec(ctx, `
			INSERT INTO local_session (local_user_id, token) VALUES ($1, $2)
			ON CONFLICT (local_user_id) DO UPDATE SET token=excluded.token
		`, localUserID, token)
	}
	if err != nil {
		return fmt.Errorf("failed to store local session: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
