// Copyright 2024-2026 Aiku AI

package connector

import (
	"hash/maphash"
	"sync"
)

const roomLockStripes = 64

// roomLocks serializes the find-or-create and relay steps for one room or
// chat. Keys share a fixed set of stripes, so unrelated keys may wait on each
// other. A caller must hold at most one key at a time.
type roomLocks struct {
	seed    maphash.Seed
	stripes [roomLockStripes]sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{seed: maphash.MakeSeed()}
}

// Lock blocks until key is free and returns its unlock function.
func (l *roomLocks) Lock(key string) func() {
	m := &l.stripes[maphash.String(l.seed, key)%roomLockStripes]
	m.Lock()
	return m.Unlock
}
