package lsm

import lru "github.com/hashicorp/golang-lru/v2"

type pageCacheKey struct {
	runID uint64
	page  int
}

// pageCache retains fetched page chunks under CacheRunData. A nil cache
// (NoCacheRunData) turns every operation into a miss.
type pageCache struct {
	lru *lru.Cache[pageCacheKey, []byte]
}

func newPageCache(policy CachePolicy, capacity int) *pageCache {
	if policy == NoCacheRunData {
		return nil
	}
	c, err := lru.New[pageCacheKey, []byte](capacity)
	if err != nil {
		return nil
	}
	return &pageCache{lru: c}
}

func (c *pageCache) get(runID uint64, page int) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	return c.lru.Get(pageCacheKey{runID: runID, page: page})
}

func (c *pageCache) put(runID uint64, page int, buf []byte) {
	if c == nil {
		return
	}
	c.lru.Add(pageCacheKey{runID: runID, page: page}, buf)
}
