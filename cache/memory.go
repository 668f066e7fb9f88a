package cache

import (
	"context"
	"errors"
	"time"

	"github.com/bluele/gcache"
)

// Caches values in process memory, LRU evicting beyond size entries.
// Expiry is checked lazily on read.
type Memory struct {
	cache gcache.Cache
}

// Creates a memory cache holding at most size entries. If clock is
// nil, the wall clock is used.
func NewMemory(size int, clock gcache.Clock) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	b := gcache.New(size).LRU()
	if clock != nil {
		b = b.Clock(clock)
	}
	return &Memory{cache: b.Build()}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := m.cache.Get(key)
	if errors.Is(err, gcache.KeyNotFoundError) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	buf, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return buf, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	// Stored values are shared between readers, so keep our own
	// copy.
	buf := make([]byte, len(value))
	copy(buf, value)
	return m.cache.SetWithExpire(key, buf, ttl)
}
