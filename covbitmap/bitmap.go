// Package covbitmap implements an AFL-style edge coverage bitmap as an
// edgeanalyzer.Handler: every reported control-flow transition is folded
// into a byte map keyed by prev_loc^curr_loc, the same hashing scheme AFL
// and its descendants use to detect new edges cheaply.
package covbitmap

import "github.com/awmorgan/iptrace/edgeanalyzer"

const initialEntriesArena = 0x100

// Handler accumulates edge-coverage counts into a caller-owned byte map,
// following the control-flow cache's CacheAggregator protocol so repeated
// runs through the same code path update the bitmap without re-walking the
// control-flow graph.
type Handler struct {
	bitmap []byte

	prevLoc uint64

	filterEnabled bool
	filterLo      uint64
	filterHi      uint64

	// perCacheRecorded / perCacheCounts track which bitmap indices this
	// in-progress cache-tier run has touched, so TakeCache can snapshot
	// only the deltas since the last snapshot and AtDecodeBegin can reset
	// them for the next pass without rescanning the whole bitmap.
	perCacheRecorded []uint32
	perCacheCounts   map[uint32]byte

	entriesArena []bitmapEntry
}

// bitmapEntry is one (index, count) pair recorded in a cache entry's
// snapshot, packed the way the reference implementation does: the low 24
// bits hold the bitmap index, the high 8 bits hold the wrapping count
// delta, bounding per-entry memory to 4 bytes regardless of bitmap size.
type bitmapEntry struct {
	value uint32
}

func newBitmapEntry(index int, count byte) bitmapEntry {
	return bitmapEntry{value: uint32(index)&0x00FFFFFF | uint32(count)<<24}
}

func (e bitmapEntry) index() int  { return int(e.value & 0x00FFFFFF) }
func (e bitmapEntry) count() byte { return byte(e.value >> 24) }

// New creates a Handler that writes edge counts into bitmap. bitmap is
// owned by the caller (typically a shared-memory region handed to a fuzzer
// target) and is never resized.
func New(bitmap []byte) *Handler {
	return &Handler{
		bitmap:         bitmap,
		perCacheCounts: make(map[uint32]byte, 64),
		entriesArena:   make([]bitmapEntry, 0, initialEntriesArena),
	}
}

// SetFilterRange restricts bitmap updates to block addresses in [lo, hi);
// transitions outside the range still update prevLoc bookkeeping but do not
// touch the bitmap. Call with lo >= hi to disable filtering (the default).
func (h *Handler) SetFilterRange(lo, hi uint64) {
	h.filterEnabled = lo < hi
	h.filterLo = lo
	h.filterHi = hi
}

func (h *Handler) inFilterRange(addr uint64) bool {
	if !h.filterEnabled {
		return true
	}
	return addr >= h.filterLo && addr < h.filterHi
}

func (h *Handler) AtDecodeBegin() {
	h.prevLoc = 0
	for _, idx := range h.perCacheRecorded {
		delete(h.perCacheCounts, idx)
	}
	h.perCacheRecorded = h.perCacheRecorded[:0]
}

// setNewLoc updates prevLoc without touching the bitmap, matching the
// reference's distinction between "observed a new PC" and "observed an
// edge worth hashing".
func (h *Handler) setNewLoc(newLoc uint64) {
	h.prevLoc = newLoc >> 1
}

func (h *Handler) bitmapIndex(blockAddr uint64) uint32 {
	if len(h.bitmap) == 0 {
		return 0
	}
	idx := h.prevLoc ^ blockAddr
	h.setNewLoc(blockAddr)
	return uint32(idx % uint64(len(h.bitmap)))
}

func (h *Handler) recordEdge(idx uint32) {
	h.bitmap[idx]++
	if _, tracked := h.perCacheCounts[idx]; !tracked {
		h.perCacheRecorded = append(h.perCacheRecorded, idx)
	}
	h.perCacheCounts[idx]++
}

func (h *Handler) OnNewBlock(addr uint64, kind edgeanalyzer.TransitionKind) error {
	switch kind {
	case edgeanalyzer.ConditionalBranch, edgeanalyzer.IndirectJump,
		edgeanalyzer.IndirectCall, edgeanalyzer.FarTransfer:
		if !h.inFilterRange(addr) {
			h.setNewLoc(addr)
			return nil
		}
		h.recordEdge(h.bitmapIndex(addr))
	case edgeanalyzer.NewBlock:
		h.setNewLoc(addr)
	case edgeanalyzer.Return, edgeanalyzer.DirectJump, edgeanalyzer.DirectCall:
		// Direct transitions carry no new information over static
		// disassembly, so they never touch the bitmap.
	}
	return nil
}

var _ edgeanalyzer.Handler = (*Handler)(nil)

// TakeCache snapshots the bitmap indices this tier-run touched since the
// last TakeCache call (or AtDecodeBegin), as an arena range the analyzer's
// control-flow cache can replay later via OnReusedCache.
func (h *Handler) TakeCache() any {
	start := len(h.entriesArena)
	for _, idx := range h.perCacheRecorded {
		count := h.perCacheCounts[idx]
		h.entriesArena = append(h.entriesArena, newBitmapEntry(int(idx), count))
		delete(h.perCacheCounts, idx)
	}
	h.perCacheRecorded = h.perCacheRecorded[:0]
	end := len(h.entriesArena)
	if start == end {
		return cacheRange{}
	}
	return cacheRange{start: start, end: end}
}

// ClearCurrentCache discards the in-progress tier run's tracked deltas
// without snapshotting them: the run hit a deferred terminator before
// reaching a point the analyzer decided was worth caching.
func (h *Handler) ClearCurrentCache() {
	for _, idx := range h.perCacheRecorded {
		delete(h.perCacheCounts, idx)
	}
	h.perCacheRecorded = h.perCacheRecorded[:0]
}

// OnReusedCache replays a previously snapshotted run's bitmap deltas
// directly, without the analyzer re-walking the control-flow graph.
func (h *Handler) OnReusedCache(key any) {
	r, ok := key.(cacheRange)
	if !ok || r.start == r.end {
		return
	}
	for _, e := range h.entriesArena[r.start:r.end] {
		if e.index() < len(h.bitmap) {
			h.bitmap[e.index()] += e.count()
		}
	}
}

// ShouldClearAllCache never forces a full flush: the bitmap's own contents
// are the only state a stale cache entry could corrupt, and wrapping
// byte counts make that self-correcting over time.
func (h *Handler) ShouldClearAllCache() bool { return false }

var _ edgeanalyzer.CacheAggregator = (*Handler)(nil)

// cacheRange is the opaque key covbitmap hands to the analyzer's
// control-flow cache: a half-open range into entriesArena.
type cacheRange struct {
	start, end int
}
