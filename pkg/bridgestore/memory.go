// Copyright 2024-2026 Aiku AI

package bridgestore

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps all state in process memory. It is used by tests and by
// single-instance deployments that accept losing state on restart.
type MemoryStore struct {
	mu sync.RWMutex

	users           map[string]UserIdentityLink
	usersByRemote   map[string]string
	ghosts          map[string]DelegateIdentityLink
	ghostsByRemote  map[string]string
	credentials     map[string]CredentialRecord
	rooms           map[string]RoomBridgeRecord
	roomsByThread   map[string]string
	mappingsByLocal map[string]MessageIDMapping
	mappingsRemote  map[string]MessageIDMapping
	prompts         map[string]bool
	files           map[string]RemoteFileRecord
	sessions        map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[string]UserIdentityLink),
		usersByRemote:   make(map[string]string),
		ghosts:          make(map[string]DelegateIdentityLink),
		ghostsByRemote:  make(map[string]string),
		credentials:     make(map[string]CredentialRecord),
		rooms:           make(map[string]RoomBridgeRecord),
		roomsByThread:   make(map[string]string),
		mappingsByLocal: make(map[string]MessageIDMapping),
		mappingsRemote:  make(map[string]MessageIDMapping),
		prompts:         make(map[string]bool),
		files:           make(map[string]RemoteFileRecord),
		sessions:        make(map[string]string),
	}
}

func (s *MemoryStore) GetUserLink(_ context.Context, localUserID string) (*UserIdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.users[localUserID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (s *MemoryStore) GetUserLinkByRemote(ctx context.Context, remoteUserID string) (*UserIdentityLink, error) {
	s.mu.RLock()
	localID, ok := s.usersByRemote[remoteUserID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetUserLink(ctx, localID)
}

func (s *MemoryStore) PutUserLink(_ context.Context, link *UserIdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[link.LocalUserID]; ok && old.RemoteUserID != link.RemoteUserID {
		delete(s.usersByRemote, old.RemoteUserID)
	}
	s.users[link.LocalUserID] = *link
	s.usersByRemote[link.RemoteUserID] = link.LocalUserID
	return nil
}

func (s *MemoryStore) DeleteUserLink(_ context.Context, localUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.users[localUserID]; ok {
		delete(s.usersByRemote, old.RemoteUserID)
		delete(s.users, localUserID)
	}
	return nil
}

func (s *MemoryStore) ListUserLinks(_ context.Context) ([]*UserIdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UserIdentityLink, 0, len(s.users))
	for _, link := range s.users {
		out = append(out, &link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalUserID < out[j].LocalUserID })
	return out, nil
}

func (s *MemoryStore) GetDelegateLink(_ context.Context, localUserID string) (*DelegateIdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.ghosts[localUserID]
	if !ok {
		return nil, nil
	}
	return &link, nil
}

func (s *MemoryStore) GetDelegateLinkByRemote(ctx context.Context, remoteUserID string) (*DelegateIdentityLink, error) {
	s.mu.RLock()
	localID, ok := s.ghostsByRemote[remoteUserID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetDelegateLink(ctx, localID)
}

func (s *MemoryStore) PutDelegateLink(_ context.Context, link *DelegateIdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.ghosts[link.LocalUserID]; ok && old.RemoteUserID != link.RemoteUserID {
		delete(s.ghostsByRemote, old.RemoteUserID)
	}
	s.ghosts[link.LocalUserID] = *link
	s.ghostsByRemote[link.RemoteUserID] = link.LocalUserID
	return nil
}

func (s *MemoryStore) ListDelegateLinks(_ context.Context) ([]*DelegateIdentityLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DelegateIdentityLink, 0, len(s.ghosts))
	for _, link := range s.ghosts {
		out = append(out, &link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalUserID < out[j].LocalUserID })
	return out, nil
}

func (s *MemoryStore) GetCredential(_ context.Context, localUserID string) (*CredentialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.credentials[localUserID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutCredential(_ context.Context, rec *CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[rec.LocalUserID] = *rec
	return nil
}

func (s *MemoryStore) DeleteCredential(_ context.Context, localUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, localUserID)
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, localRoomID string) (*RoomBridgeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rooms[localRoomID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) GetRoomByThread(ctx context.Context, remoteThreadID string) (*RoomBridgeRecord, error) {
	if remoteThreadID == "" {
		return nil, nil
	}
	s.mu.RLock()
	roomID, ok := s.roomsByThread[remoteThreadID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return s.GetRoom(ctx, roomID)
}

func (s *MemoryStore) PutRoom(_ context.Context, rec *RoomBridgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.rooms[rec.LocalRoomID]; ok && old.RemoteThreadID != rec.RemoteThreadID {
		delete(s.roomsByThread, old.RemoteThreadID)
	}
	s.rooms[rec.LocalRoomID] = *rec
	if rec.RemoteThreadID != "" {
		s.roomsByThread[rec.RemoteThreadID] = rec.LocalRoomID
	}
	return nil
}

func (s *MemoryStore) InsertMapping(_ context.Context, mapping *MessageIDMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mappingsByLocal[mapping.LocalMessageID]; ok {
		return ErrDuplicateMapping
	}
	if _, ok := s.mappingsRemote[mapping.RemoteMessageID]; ok {
		return ErrDuplicateMapping
	}
	s.mappingsByLocal[mapping.LocalMessageID] = *mapping
	s.mappingsRemote[mapping.RemoteMessageID] = *mapping
	return nil
}

func (s *MemoryStore) GetMappingByLocal(_ context.Context, localMessageID string) (*MessageIDMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappingsByLocal[localMessageID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) GetMappingByRemote(_ context.Context, remoteMessageID string) (*MessageIDMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappingsRemote[remoteMessageID]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *MemoryStore) GetPromptSent(_ context.Context, localUserID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompts[localUserID], nil
}

func (s *MemoryStore) SetPromptSent(_ context.Context, localUserID string, sent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sent {
		s.prompts[localUserID] = true
	} else {
		delete(s.prompts, localUserID)
	}
	return nil
}

func (s *MemoryStore) GetRemoteFile(_ context.Context, localFileID string) (*RemoteFileRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[localFileID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) PutRemoteFile(_ context.Context, rec *RemoteFileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[rec.LocalFileID] = *rec
	return nil
}

func (s *MemoryStore) GetLocalSession(_ context.Context, localUserID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[localUserID], nil
}

func (s *MemoryStore) PutLocalSession(_ context.Context, localUserID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.sessions, localUserID)
	} else {
		s.sessions[localUserID] = token
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
