package lsm

import "sort"

// LookupResult is the outcome for one key of a batched lookup. Found with a
// non-nil Blob means the value has an out-of-line payload addressed by the
// span.
type LookupResult struct {
	Key   []byte
	Found bool
	Value []byte
	Blob  *BlobSpan

	blobRun    *Run
	blobInline []byte // payload still in the write buffer, span-less
}

// lookupPair is a (run, key) survivor of the bloom stage.
type lookupPair struct {
	runIx, keyIx int
}

// pageKey identifies a logical page of one run within a batch.
type pageKey struct {
	runIx, page int
}

// lookupBatch answers a batch of point lookups against a set of runs, newest
// run first. The three stages are: bloom probe per (run, key); compact index
// search per survivor; batched page fetches grouped into block-I/O
// submissions of at most batchSize page reads. Results are ordered like the
// input keys. When the newest entry for a key is a mupdate, resolve folds it
// across older runs.
func lookupBatch(bio BlockIO, batchSize int, runs []*Run, keys [][]byte, resolve ResolveFunc) ([]LookupResult, error) {
	// Bloom stage.
	var survivors []lookupPair
	for runIx, r := range runs {
		for keyIx, k := range keys {
			if r.filter.MayContain(k) {
				survivors = append(survivors, lookupPair{runIx: runIx, keyIx: keyIx})
			}
		}
	}

	// Index stage.
	pagesFor := make(map[lookupPair][]int, len(survivors))
	needed := make(map[pageKey]struct{})
	for _, s := range survivors {
		lo, hi := runs[s.runIx].index.Search(keys[s.keyIx])
		for p := lo; p <= hi; p++ {
			pagesFor[s] = append(pagesFor[s], p)
			needed[pageKey{runIx: s.runIx, page: p}] = struct{}{}
		}
	}

	// I/O stage.
	views, err := fetchPages(bio, batchSize, runs, needed)
	if err != nil {
		return nil, err
	}

	found := make(map[lookupPair]pageEntry)
	for _, s := range survivors {
		for _, p := range pagesFor[s] {
			v, ok := views[pageKey{runIx: s.runIx, page: p}]
			if !ok {
				continue
			}
			if pe, ok := v.search(keys[s.keyIx]); ok {
				found[s] = pe
				break
			}
		}
	}

	results := make([]LookupResult, len(keys))
	for keyIx, k := range keys {
		results[keyIx] = resolveAcrossRuns(k, keyIx, runs, found, resolve)
	}
	return results, nil
}

// resolveAcrossRuns folds the entries found for one key, newest run first.
// The fold stops at the first non-mupdate entry.
func resolveAcrossRuns(key []byte, keyIx int, runs []*Run, found map[lookupPair]pageEntry, resolve ResolveFunc) LookupResult {
	res := LookupResult{Key: key}
	var acc Entry
	have := false
	for runIx := range runs {
		pe, ok := found[lookupPair{runIx: runIx, keyIx: keyIx}]
		if !ok {
			continue
		}
		e := Entry{Kind: pe.kind, Value: pe.value}
		if !have {
			acc = e
			have = true
			if pe.hasBlob && acc.Kind == KindInsert {
				span := pe.blob
				res.Blob = &span
				res.blobRun = runs[runIx]
			}
		} else {
			acc = resolveEntries(acc, e, resolve)
		}
		if acc.Kind != KindMupdate {
			break
		}
	}
	if !have || acc.Kind == KindDelete {
		return res
	}
	res.Found = true
	// Copy out of the shared page buffer.
	res.Value = append([]byte(nil), acc.Value...)
	return res
}

// fetchUnit is one logical page chunk to read from disk.
type fetchUnit struct {
	key       pageKey
	diskStart uint32
	diskCount uint32
}

// fetchPages materializes the needed pages, consulting each run's page cache
// and coalescing reads of adjacent disk pages from the same run. Each
// block-I/O submission carries at most batchSize page reads.
func fetchPages(bio BlockIO, batchSize int, runs []*Run, needed map[pageKey]struct{}) (map[pageKey]pageView, error) {
	views := make(map[pageKey]pageView, len(needed))
	bufs := make(map[pageKey][]byte, len(needed))

	var units []fetchUnit
	for pk := range needed {
		r := runs[pk.runIx]
		if buf, ok := r.cache.get(r.id, pk.page); ok {
			bufs[pk] = buf
			continue
		}
		start, count := r.index.diskSpan(pk.page)
		units = append(units, fetchUnit{key: pk, diskStart: start, diskCount: count})
	}
	sort.Slice(units, func(i, j int) bool {
		if units[i].key.runIx != units[j].key.runIx {
			return units[i].key.runIx < units[j].key.runIx
		}
		return units[i].diskStart < units[j].diskStart
	})

	// Coalesce contiguous units and slice the shared buffer back out after
	// the read completes.
	var reqs []BlockRead
	var pending []fetchUnit // units covered by reqs, in order
	var offsets []int       // byte offset of each pending unit within its request buffer
	var reqOf []int         // request index per pending unit
	pagesQueued := 0

	flush := func() error {
		if len(reqs) == 0 {
			return nil
		}
		if err := bio.ReadBatch(reqs); err != nil {
			return err
		}
		for i, u := range pending {
			buf := reqs[reqOf[i]].Buf[offsets[i] : offsets[i]+int(u.diskCount)*PageSize]
			bufs[u.key] = buf
			r := runs[u.key.runIx]
			r.cache.put(r.id, u.key.page, buf)
		}
		reqs, pending, offsets, reqOf = reqs[:0], pending[:0], offsets[:0], reqOf[:0]
		pagesQueued = 0
		return nil
	}

	for i := 0; i < len(units); {
		total := units[i].diskCount
		j := i + 1
		for j < len(units) &&
			units[j].key.runIx == units[i].key.runIx &&
			units[j].diskStart == units[j-1].diskStart+units[j-1].diskCount &&
			int(total+units[j].diskCount) <= batchSize {
			total += units[j].diskCount
			j++
		}
		if pagesQueued > 0 && pagesQueued+int(total) > batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		r := runs[units[i].key.runIx]
		buf := make([]byte, int(total)*PageSize)
		reqs = append(reqs, BlockRead{File: r.keyops, Offset: int64(units[i].diskStart) * PageSize, Buf: buf})
		off := 0
		for _, u := range units[i:j] {
			pending = append(pending, u)
			offsets = append(offsets, off)
			reqOf = append(reqOf, len(reqs)-1)
			off += int(u.diskCount) * PageSize
		}
		pagesQueued += int(total)
		i = j
	}
	if err := flush(); err != nil {
		return nil, err
	}

	for pk, buf := range bufs {
		v, err := decodePage(buf)
		if err != nil {
			return nil, err
		}
		views[pk] = v
	}
	return views, nil
}
