package downloader

import (
	"context"
	"errors"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// Caches downloaded files in memory, keyed by URL. Concurrent misses
// on the same URL share a single request.
type MemoryDownloader struct {
	cache gcache.Cache
	group singleflight.Group

	// Performs the actual download. Defaults to HTTPGet.
	Fetch func(ctx context.Context, url string, headers map[string]string, options GetOptions) ([]byte, error)
}

// Creates a downloader remembering up to size URLs. If clock is nil,
// the wall clock is used.
func NewMemoryDownloader(size int, clock gcache.Clock) *MemoryDownloader {
	if size <= 0 {
		size = 64
	}
	b := gcache.New(size).LRU()
	if clock != nil {
		b = b.Clock(clock)
	}
	return &MemoryDownloader{
		cache: b.Build(),
		Fetch: HTTPGet,
	}
}

func (d *MemoryDownloader) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {
	if !options.Cache {
		return d.Fetch(ctx, url, headers, options)
	}

	if v, err := d.cache.Get(url); err == nil {
		return v.([]byte), nil
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, err
	}

	v, err, _ := d.group.Do(url, func() (interface{}, error) {
		body, err := d.Fetch(ctx, url, headers, options)
		if err != nil {
			return nil, err
		}
		if options.CacheTTL > 0 {
			d.cache.SetWithExpire(url, body, options.CacheTTL)
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// Drops all cached bodies.
func (d *MemoryDownloader) Purge() {
	d.cache.Purge()
}

var _ Downloader = (*MemoryDownloader)(nil)
var _ Downloader = HTTP{}
