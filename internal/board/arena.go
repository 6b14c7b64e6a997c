package board

import (
	"fmt"
	"sync"
)

const arenaShards = 64

// slotKey addresses one arbitration slot: a single cell of a single game.
type slotKey struct {
	gameID string
	x, y   int
}

// lockArena hands out one mutex per (gameID, x, y). Claims on the same
// cell serialize on that mutex; claims on different cells never contend.
// Slots are created lazily and dropped when the game ends.
type lockArena struct {
	shards [arenaShards]struct {
		mu    sync.Mutex
		slots map[slotKey]*sync.Mutex
	}
}

func newLockArena() *lockArena {
	a := &lockArena{}
	for i := range a.shards {
		a.shards[i].slots = make(map[slotKey]*sync.Mutex)
	}
	return a
}

func (a *lockArena) shardFor(key slotKey) *struct {
	mu    sync.Mutex
	slots map[slotKey]*sync.Mutex
} {
	h := fnv32(fmt.Sprintf("%s:%d:%d", key.gameID, key.x, key.y))
	return &a.shards[h%arenaShards]
}

// slot returns the mutex for a cell, creating it on first use.
func (a *lockArena) slot(gameID string, x, y int) *sync.Mutex {
	key := slotKey{gameID: gameID, x: x, y: y}
	shard := a.shardFor(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if m, ok := shard.slots[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	shard.slots[key] = m
	return m
}

// drop releases every slot belonging to a game.
func (a *lockArena) drop(gameID string) {
	for i := range a.shards {
		shard := &a.shards[i]
		shard.mu.Lock()
		for key := range shard.slots {
			if key.gameID == gameID {
				delete(shard.slots, key)
			}
		}
		shard.mu.Unlock()
	}
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
