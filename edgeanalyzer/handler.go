// Package edgeanalyzer reconstructs the control-flow edges a trace took by
// driving a static CFG resolver and TNT bit buffer in lockstep with the
// packet decoder's callbacks.
package edgeanalyzer

// TransitionKind classifies the basic-block transition reported to a
// Handler's OnNewBlock.
type TransitionKind int

const (
	ConditionalBranch TransitionKind = iota
	DirectJump
	DirectCall
	IndirectJump
	IndirectCall
	Return
	FarTransfer
	NewBlock
)

func (k TransitionKind) String() string {
	names := [...]string{
		"ConditionalBranch", "DirectJump", "DirectCall", "IndirectJump",
		"IndirectCall", "Return", "FarTransfer", "NewBlock",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "<unknown>"
	}
	return names[k]
}

// Handler receives one callback per basic block the analyzer walks onto.
type Handler interface {
	// AtDecodeBegin is called once before a fresh decode pass starts
	// consuming packets, so the handler can reset any per-pass state.
	AtDecodeBegin()
	// OnNewBlock reports that the traced program has entered the block
	// starting at addr via the given transition.
	OnNewBlock(addr uint64, kind TransitionKind) error
}

// CacheAggregator is an optional extension a Handler can implement to
// participate in the analyzer's control-flow cache: it lets the handler
// attach its own per-edge bookkeeping (e.g. a coverage-bitmap slot) to a
// cached run so replaying the run from cache can skip recomputing it.
type CacheAggregator interface {
	// TakeCache snapshots and resets whatever the handler has accumulated
	// in OnNewBlock calls since the last TakeCache, for storage alongside
	// a newly inserted cache entry.
	TakeCache() any
	// ClearCurrentCache discards any in-progress aggregation without
	// snapshotting it, because the current run hit a deferred terminator
	// before reaching a point worth caching.
	ClearCurrentCache()
	// OnReusedCache is invoked with the key stored in a cache entry when a
	// cache hit replays that run instead of walking it live, so the
	// handler can fold the stored key back into its own state.
	OnReusedCache(key any)
	// ShouldClearAllCache lets the handler force a full cache flush, e.g.
	// on a context switch the handler observed through some side channel.
	ShouldClearAllCache() bool
}
