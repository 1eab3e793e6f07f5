// Copyright 2024-2026 Aiku AI

package bridgestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// insertMappingScript writes both mapping keys only when neither exists.
var insertMappingScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
return 1
`)

// RedisStore stores every record as a JSON string value. Reverse indexes are
// plain string keys holding the primary id.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// OpenRedisStore connects to the Redis server at uri (redis://host:port/db).
func OpenRedisStore(ctx context.Context, uri, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis uri: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "teamsbridge"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// getJSON decodes the value at key into out. Returns false when the key is missing.
func (s *RedisStore) getJSON(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStore) setJSON(ctx context.Context, pipe redis.Pipeliner, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	pipe.Set(ctx, key, data, 0)
	return nil
}

func (s *RedisStore) getString(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) GetUserLink(ctx context.Context, localUserID string) (*UserIdentityLink, error) {
	var link UserIdentityLink
	if ok, err := s.getJSON(ctx, s.key("user", localUserID), &link); !ok || err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *RedisStore) GetUserLinkByRemote(ctx context.Context, remoteUserID string) (*UserIdentityLink, error) {
	localID, err := s.getString(ctx, s.key("user_remote", remoteUserID))
	if err != nil || localID == "" {
		return nil, err
	}
	return s.GetUserLink(ctx, localID)
}

func (s *RedisStore) PutUserLink(ctx context.Context, link *UserIdentityLink) error {
	old, err := s.GetUserLink(ctx, link.LocalUserID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.RemoteUserID != link.RemoteUserID {
			pipe.Del(ctx, s.key("user_remote", old.RemoteUserID))
		}
		if err := s.setJSON(ctx, pipe, s.key("user", link.LocalUserID), link); err != nil {
			return err
		}
		pipe.Set(ctx, s.key("user_remote", link.RemoteUserID), link.LocalUserID, 0)
		pipe.SAdd(ctx, s.key("users"), link.LocalUserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store user link: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteUserLink(ctx context.Context, localUserID string) error {
	old, err := s.GetUserLink(ctx, localUserID)
	if err != nil || old == nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key("user", localUserID), s.key("user_remote", old.RemoteUserID))
		pipe.SRem(ctx, s.key("users"), localUserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete user link: %w", err)
	}
	return nil
}

func (s *RedisStore) ListUserLinks(ctx context.Context) ([]*UserIdentityLink, error) {
	ids, err := s.client.SMembers(ctx, s.key("users")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list user links: %w", err)
	}
	sort.Strings(ids)
	out := make([]*UserIdentityLink, 0, len(ids))
	for _, id := range ids {
		link, err := s.GetUserLink(ctx, id)
		if err != nil {
			return nil, err
		} else if link != nil {
			out = append(out, link)
		}
	}
	return out, nil
}

func (s *RedisStore) GetDelegateLink(ctx context.Context, localUserID string) (*DelegateIdentityLink, error) {
	var link DelegateIdentityLink
	if ok, err := s.getJSON(ctx, s.key("ghost", localUserID), &link); !ok || err != nil {
		return nil, err
	}
	return &link, nil
}

func (s *RedisStore) GetDelegateLinkByRemote(ctx context.Context, remoteUserID string) (*DelegateIdentityLink, error) {
	localID, err := s.getString(ctx, s.key("ghost_remote", remoteUserID))
	if err != nil || localID == "" {
		return nil, err
	}
	return s.GetDelegateLink(ctx, localID)
}

func (s *RedisStore) PutDelegateLink(ctx context.Context, link *DelegateIdentityLink) error {
	old, err := s.GetDelegateLink(ctx, link.LocalUserID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.RemoteUserID != link.RemoteUserID {
			pipe.Del(ctx, s.key("ghost_remote", old.RemoteUserID))
		}
		if err := s.setJSON(ctx, pipe, s.key("ghost", link.LocalUserID), link); err != nil {
			return err
		}
		pipe.Set(ctx, s.key("ghost_remote", link.RemoteUserID), link.LocalUserID, 0)
		pipe.SAdd(ctx, s.key("ghosts"), link.LocalUserID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store delegate link: %w", err)
	}
	return nil
}

func (s *RedisStore) ListDelegateLinks(ctx context.Context) ([]*DelegateIdentityLink, error) {
	ids, err := s.client.SMembers(ctx, s.key("ghosts")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list delegate links: %w", err)
	}
	sort.Strings(ids)
	out := make([]*DelegateIdentityLink, 0, len(ids))
	for _, id := range ids {
		link, err := s.GetDelegateLink(ctx, id)
		if err != nil {
			return nil, err
		} else if link != nil {
			out = append(out, link)
		}
	}
	return out, nil
}

func (s *RedisStore) GetCredential(ctx context.Context, localUserID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	if ok, err := s.getJSON(ctx, s.key("cred", localUserID), &rec); !ok || err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) PutCredential(ctx context.Context, rec *CredentialRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.client.Set(ctx, s.key("cred", rec.LocalUserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCredential(ctx context.Context, localUserID string) error {
	if err := s.client.Del(ctx, s.key("cred", localUserID)).Err(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRoom(ctx context.Context, localRoomID string) (*RoomBridgeRecord, error) {
	var rec RoomBridgeRecord
	if ok, err := s.getJSON(ctx, s.key("room", localRoomID), &rec); !ok || err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) GetRoomByThread(ctx context.Context, remoteThreadID string) (*RoomBridgeRecord, error) {
	if remoteThreadID == "" {
		return nil, nil
	}
	roomID, err := s.getString(ctx, s.key("room_thread", remoteThreadID))
	if err != nil || roomID == "" {
		return nil, err
	}
	return s.GetRoom(ctx, roomID)
}

func (s *RedisStore) PutRoom(ctx context.Context, rec *RoomBridgeRecord) error {
	old, err := s.GetRoom(ctx, rec.LocalRoomID)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil && old.RemoteThreadID != "" && old.RemoteThreadID != rec.RemoteThreadID {
			pipe.Del(ctx, s.key("room_thread", old.RemoteThreadID))
		}
		if err := s.setJSON(ctx, pipe, s.key("room", rec.LocalRoomID), rec); err != nil {
			return err
		}
		if rec.RemoteThreadID != "" {
			pipe.Set(ctx, s.key("room_thread", rec.RemoteThreadID), rec.LocalRoomID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store room record: %w", err)
	}
	return nil
}

func (s *RedisStore) InsertMapping(ctx context.Context, mapping *MessageIDMapping) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode message mapping: %w", err)
	}
	keys := []string{
		s.key("msg_local", mapping.LocalMessageID),
		s.key("msg_remote", mapping.RemoteMessageID),
	}
	inserted, err := insertMappingScript.Run(ctx, s.client, keys, data).Int()
	if err != nil {
		return fmt.Errorf("failed to insert message mapping: %w", err)
	} else if inserted == 0 {
		return ErrDuplicateMapping
	}
	return nil
}

func (s *RedisStore) GetMappingByLocal(ctx context.Context, localMessageID string) (*MessageIDMapping, error) {
	var m MessageIDMapping
	if ok, err := s.getJSON(ctx, s.key("msg_local", localMessageID), &m); !ok || err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) GetMappingByRemote(ctx context.Context, remoteMessageID string) (*MessageIDMapping, error) {
	var m MessageIDMapping
	if ok, err := s.getJSON(ctx, s.key("msg_remote", remoteMessageID), &m); !ok || err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *RedisStore) GetPromptSent(ctx context.Context, localUserID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key("prompt", localUserID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to get prompt flag: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) SetPromptSent(ctx context.Context, localUserID string, sent bool) error {
	var err error
	if sent {
		err = s.client.Set(ctx, s.key("prompt", localUserID), "1", 0).Err()
	} else {
		err = s.client.Del(ctx, s.key("prompt", localUserID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to set prompt flag: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRemoteFile(ctx context.Context, localFileID string) (*RemoteFileRecord, error) {
	var rec RemoteFileRecord
	if ok, err := s.getJSON(ctx, s.key("file", localFileID), &rec); !ok || err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisStore) PutRemoteFile(ctx context.Context, rec *RemoteFileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode remote file record: %w", err)
	}
	if err := s.client.Set(ctx, s.key("file", rec.LocalFileID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store remote file record: %w", err)
	}
	return nil
}

func (s *RedisStore) GetLocalSession(ctx context.Context, localUserID string) (string, error) {
	return s.getString(ctx, s.key("session", localUserID))
}

func (s *RedisStore) PutLocalSession(ctx context.Context, localUserID, token string) error {
	var err error
	if token == "" {
		err = s.client.Del(ctx, s.key("session", localUserID)).Err()
	} else {
		err = s.client.Set(ctx, s.key("session", localUserID), token, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to store local session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
