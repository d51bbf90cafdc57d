package lsm

import "go.uber.org/zap"

// CachePolicy controls whether fetched run pages are retained in memory.
type CachePolicy int

const (
	CacheRunData CachePolicy = iota
	NoCacheRunData
)

// Options configures a session and the tables created in it.
type Options struct {
	// RunBloomFilterAlloc is the number of bloom filter bits allocated per
	// entry when a run is constructed.
	RunBloomFilterAlloc int

	// ChunkSize is the number of page appends the compact index builder
	// buffers before processing them as one chunk.
	ChunkSize int

	// BatchSize is the maximum number of page reads per block-I/O submission.
	BatchSize int

	// CachePolicy selects between caching fetched run pages and re-reading
	// them on every lookup.
	CachePolicy CachePolicy

	// PageCacheCapacity is the number of pages retained under CacheRunData.
	PageCacheCapacity int

	// RangeFinderPrecision is the number of high-order key bits (0..16) used
	// to bucket pages in the compact index. Pages never span two buckets.
	RangeFinderPrecision int

	// WriteBufferEntries is the number of buffered updates that triggers a
	// flush to a level-0 run.
	WriteBufferEntries int

	// LevelRunBound is the number of runs a level may hold before its runs
	// are merged into the next level.
	LevelRunBound int

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RunBloomFilterAlloc <= 0 {
		o.RunBloomFilterAlloc = 10
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.PageCacheCapacity <= 0 {
		o.PageCacheCapacity = 1024
	}
	if o.RangeFinderPrecision < 0 {
		o.RangeFinderPrecision = 0
	}
	if o.RangeFinderPrecision > 16 {
		o.RangeFinderPrecision = 16
	}
	if o.WriteBufferEntries <= 0 {
		o.WriteBufferEntries = 1000
	}
	if o.LevelRunBound <= 0 {
		o.LevelRunBound = 4
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
