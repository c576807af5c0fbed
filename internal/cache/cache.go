// Package cache holds the process-wide, concurrency-safe structures the chat
// services share: a sharded map for cached values and a keyed mutex that
// serializes work on a single chat or user.
package cache

import (
	"log"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/moby/locker"
)

// Map is a string-keyed map split into independently locked shards. Entries
// stay until they are deleted. Read-modify-write sequences on one key must be
// done under that key's KeyedMutex.
type Map[V any] struct {
	items cmap.ConcurrentMap[string, V]
}

func NewMap[V any]() *Map[V] {
	return &Map[V]{items: cmap.New[V]()}
}

func (m *Map[V]) Get(key string) (V, bool) {
	return m.items.Get(key)
}

func (m *Map[V]) Set(key string, value V) {
	m.items.Set(key, value)
}

func (m *Map[V]) Delete(key string) {
	m.items.Remove(key)
}

// KeyedMutex hands out one mutex per key. Entries are reference counted and
// dropped once nobody holds or waits on them.
type KeyedMutex struct {
	locks *locker.Locker
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: locker.New()}
}

// Lock blocks until the key is free and returns the matching unlock func.
// Calling unlock more than once is a no-op.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.locks.Lock(key)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := k.locks.Unlock(key); err != nil {
				log.Printf("Error releasing lock for %s: %v", key, err)
			}
		})
	}
}
