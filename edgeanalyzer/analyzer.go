package edgeanalyzer

import (
	"github.com/awmorgan/iptrace/internal/edgecache"
	"github.com/awmorgan/iptrace/internal/tnt"
	"github.com/awmorgan/iptrace/internal/x86cfg"
	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/pterr"
	"github.com/awmorgan/iptrace/ptpacket"
)

// status tracks a terminator the TNT-driving loop found but could not
// resolve immediately because its real target only arrives on a later FUP
// or TIP packet.
type status int

const (
	statusNormal status = iota
	statusPendingReturn
	statusPendingIndirectGoto
	statusPendingIndirectCall
	statusPendingFarTransfer
	statusPendingFup
	statusPendingOvf
)

// Options configures an Analyzer.
type Options struct {
	TraceeMode   x86cfg.TraceeMode
	CacheEnabled bool
}

// Analyzer drives a TNT buffer and static CFG resolver from packet decoder
// callbacks, emitting one OnNewBlock call per basic-block transition it
// can resolve and deferring the rest until the packet that supplies the
// real address arrives.
type Analyzer struct {
	ptpacket.NopHandler

	mode   x86cfg.TraceeMode
	lastIP uint64
	lastBB uint64
	status status

	buf      tnt.Buffer
	resolver *x86cfg.Resolver
	cache    *edgecache.Cache[runResult]
	useCache bool
	agg      CacheAggregator

	handler Handler
	reader  memaccess.Reader
}

// runResult is what the control-flow cache stores per entry: the analyzer
// status the run ended in, alongside whatever opaque bookkeeping
// key the handler's CacheAggregator chose to snapshot for that run.
type runResult struct {
	pendingStatus status
	handlerKey    any
}

// New creates an Analyzer that resolves instruction bytes through reader
// and reports basic-block transitions to handler.
func New(reader memaccess.Reader, handler Handler, opts Options) *Analyzer {
	agg, _ := handler.(CacheAggregator)
	return &Analyzer{
		mode:     opts.TraceeMode,
		resolver: x86cfg.NewResolver(),
		cache:    edgecache.New[runResult](),
		useCache: opts.CacheEnabled,
		agg:      agg,
		handler:  handler,
		reader:   reader,
	}
}

// BeginDecode resets per-pass transient state and notifies the handler that
// a fresh decode is starting. Call it once before feeding a new buffer of
// packets to ptpacket.Decode with this Analyzer as the Handler.
func (a *Analyzer) BeginDecode() {
	a.lastIP = 0
	a.lastBB = 0
	a.status = statusNormal
	a.buf.Clear()
	if a.agg != nil && a.agg.ShouldClearAllCache() {
		a.cache.Clear()
	}
	a.handler.AtDecodeBegin()
}

// Diagnose reports the resolver's memo table size and the cache's per-tier
// entry counts, for benchmark/debug tooling.
func (a *Analyzer) Diagnose() DiagnosticInfo {
	t8, t32, trailing := a.cache.Sizes()
	return DiagnosticInfo{
		CfgNodes:      a.resolver.Size(),
		Cache8:        t8,
		Cache32:       t32,
		CacheTrailing: trailing,
	}
}

// DiagnosticInfo is a snapshot of the analyzer's internal memo/cache sizes.
type DiagnosticInfo struct {
	CfgNodes      int
	Cache8        int
	Cache32       int
	CacheTrailing int
}

func (a *Analyzer) emitBlock(addr uint64, kind TransitionKind) error {
	a.lastBB = addr
	a.lastIP = addr
	if err := a.handler.OnNewBlock(addr, kind); err != nil {
		return pterr.Wrap(pterr.PacketHandler, "edgeanalyzer.OnNewBlock", err)
	}
	return nil
}

// tierFull and tier8 are the two control-flow cache budgets: a run that
// reaches tier8 bits without deferring is memoized in the 8-bit tier, and
// one that goes on to reach tierFull is memoized in the 32-bit tier as
// well. A run of fewer than tier8 bits that stops because the TNT buffer
// ran dry is memoized in the trailing tier, keyed by its exact bit count so
// runs of different lengths never collide. A run that defers (hits a
// return/indirect/far terminator) gets no new cache entry.
const (
	tier8    = 8
	tierFull = 32
)

// driveTnt walks the CFG from lastBB consuming TNT bits until it either
// runs out of buffered bits or hits a terminator it must defer, fast
// forwarding through any run the control-flow cache already resolved.
func (a *Analyzer) driveTnt() error {
	for a.status == statusNormal && a.lastBB != 0 {
		if a.useCache {
			hit, err := a.tryCacheHit()
			if err != nil {
				return err
			}
			if hit {
				continue
			}
		}
		blocked, err := a.stepRun()
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}
	}
	return nil
}

// tryCacheHit looks up a.lastBB against whichever tier the buffered TNT
// bits can satisfy, replaying the cached run in O(1) if found.
func (a *Analyzer) tryCacheHit() (bool, error) {
	if v, n := a.buf.PeekBits(tierFull); n == tierFull {
		if e, ok := a.cache.Lookup32(a.lastBB, packBytes32(v)); ok {
			a.buf.Advance(tierFull)
			return true, a.replayCacheHit(e)
		}
	}
	if v, n := a.buf.PeekBits(tier8); n == tier8 {
		if e, ok := a.cache.Lookup8(a.lastBB, byte(v)); ok {
			a.buf.Advance(tier8)
			return true, a.replayCacheHit(e)
		}
	}
	if v, n := a.buf.PeekBits(tier8 - 1); n > 0 {
		if e, ok := a.cache.LookupTrailing(a.lastBB, edgecache.PackTrailing(n, uint16(v))); ok {
			a.buf.Advance(n)
			return true, a.replayCacheHit(e)
		}
	}
	return false, nil
}

func (a *Analyzer) replayCacheHit(e edgecache.Entry[runResult]) error {
	if a.agg != nil {
		a.agg.OnReusedCache(e.UserKey.handlerKey)
	} else if err := a.emitBlock(e.End, ConditionalBranch); err != nil {
		return err
	}
	a.lastBB = e.End
	a.lastIP = e.End
	a.status = e.UserKey.pendingStatus
	return nil
}

// stepRun walks the CFG live from lastBB, accumulating TNT bits into a
// cache entry until it either fills a tier, defers, or runs out of
// buffered bits. blocked is true only when it stopped because the TNT
// buffer ran dry mid-branch; driveTnt must stop calling it in that case,
// since nothing else will change until more TNT bits arrive. Reaching a
// tier's bit budget or a deferred terminator is not "blocked" - the
// caller may still have buffered bits (or a cache hit) worth trying next.
func (a *Analyzer) stepRun() (blocked bool, err error) {
	start := a.lastBB
	var bits uint64
	var count int

	clearRun := func() {
		if a.agg != nil {
			a.agg.ClearCurrentCache()
		}
	}
	insertTrailing := func() {
		if !a.useCache || count == 0 || count >= tier8 {
			clearRun()
			return
		}
		a.cache.InsertTrailing(start, edgecache.PackTrailing(count, uint16(bits)), edgecache.Entry[runResult]{
			End:     a.lastBB,
			UserKey: a.takeRunResult(),
		})
	}

	for {
		node, rerr := a.resolver.Resolve(a.reader, a.mode, a.lastBB)
		if rerr != nil {
			return false, rerr
		}

		switch node.Kind {
		case x86cfg.Branch:
			taken, ok := a.buf.TakeOne()
			if !ok {
				insertTrailing()
				return true, nil
			}
			bits <<= 1
			if taken {
				bits |= 1
			}
			count++
			target := node.FalseTarget
			if taken {
				target = node.TrueTarget
			}
			if err := a.emitBlock(target, ConditionalBranch); err != nil {
				return false, err
			}
			if count == tier8 && a.useCache {
				a.cache.Insert8(start, byte(bits), edgecache.Entry[runResult]{
					End:     target,
					UserKey: a.takeRunResult(),
				})
			}
			if count == tierFull {
				if a.useCache {
					a.cache.Insert32(start, packBytes32(bits), edgecache.Entry[runResult]{
						End:     target,
						UserKey: a.takeRunResult(),
					})
				}
				return false, nil
			}
		case x86cfg.DirectGoto:
			if err := a.emitBlock(node.TrueTarget, DirectJump); err != nil {
				return false, err
			}
		case x86cfg.DirectCall:
			if err := a.emitBlock(node.TrueTarget, DirectCall); err != nil {
				return false, err
			}
		case x86cfg.IndirectGoto:
			a.status = statusPendingIndirectGoto
			clearRun()
			return false, nil
		case x86cfg.IndirectCall:
			a.status = statusPendingIndirectCall
			clearRun()
			return false, nil
		case x86cfg.NearRet:
			taken, ok := a.buf.TakeOne()
			if ok {
				if a.agg != nil {
					a.agg.ClearCurrentCache()
				}
				if taken {
					return false, pterr.New(pterr.UnsupportedReturnCompression, "edgeanalyzer.stepRun")
				}
				return false, pterr.New(pterr.InvalidPacket, "edgeanalyzer.stepRun")
			}
			a.status = statusPendingReturn
			clearRun()
			return false, nil
		case x86cfg.FarTransfer:
			a.status = statusPendingFarTransfer
			clearRun()
			return false, nil
		}
	}
}

// takeRunResult snapshots the handler's cache-aggregation key (if it
// implements CacheAggregator) alongside the analyzer's current status, for
// storage in a cache entry.
func (a *Analyzer) takeRunResult() runResult {
	r := runResult{pendingStatus: a.status}
	if a.agg != nil {
		r.handlerKey = a.agg.TakeCache()
	}
	return r
}

func packBytes32(v uint64) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// resolveIP combines ip with lastIP and resolves whatever deferred
// terminator is pending, then resumes driving TNT bits. When nothing is
// pending, fallback (if ok) is reported as the transition kind instead -
// FUP packets pass ok=false (a FUP with no pending terminator just updates
// lastIP silently), while TIP packets pass (IndirectJump, true) since a TIP
// with no deferred terminator still names a synchronous indirect target.
func (a *Analyzer) resolveIP(ip ptpacket.IPPayload, fallback TransitionKind, ok bool) error {
	addr, known := ptpacket.ReconstructIP(ip, a.lastIP)
	if !known {
		return nil
	}

	pending := a.status
	a.lastIP = addr

	var kind TransitionKind
	switch pending {
	case statusPendingFup, statusPendingOvf:
		kind = NewBlock
	case statusPendingReturn:
		kind = Return
	case statusPendingIndirectGoto:
		kind = IndirectJump
	case statusPendingIndirectCall:
		kind = IndirectCall
	case statusPendingFarTransfer:
		kind = FarTransfer
	default:
		if !ok {
			return nil
		}
		kind = fallback
	}

	a.status = statusNormal
	if err := a.emitBlock(addr, kind); err != nil {
		return err
	}
	return a.driveTnt()
}

// ---------------------------------------------------------------------------
// ptpacket.Handler overrides
// ---------------------------------------------------------------------------

func (a *Analyzer) OnShortTNT(_ *ptpacket.Cursor, bits uint8, count int) error {
	if err := a.buf.ExtendShort(bits, count); err != nil {
		return err
	}
	return a.driveTnt()
}

func (a *Analyzer) OnLongTNT(_ *ptpacket.Cursor, bits uint64, count int) error {
	if err := a.buf.ExtendLong(bits, count); err != nil {
		return err
	}
	return a.driveTnt()
}

func (a *Analyzer) OnFUP(_ *ptpacket.Cursor, ip ptpacket.IPPayload) error {
	return a.resolveIP(ip, 0, false)
}

func (a *Analyzer) OnTIP(_ *ptpacket.Cursor, ip ptpacket.IPPayload) error {
	return a.resolveIP(ip, IndirectJump, true)
}

func (a *Analyzer) OnTIPPGE(_ *ptpacket.Cursor, ip ptpacket.IPPayload) error {
	addr, known := ptpacket.ReconstructIP(ip, a.lastIP)
	if !known {
		return nil
	}
	a.lastIP = addr
	a.status = statusNormal
	if err := a.emitBlock(addr, NewBlock); err != nil {
		return err
	}
	return a.driveTnt()
}

func (a *Analyzer) OnTIPPGD(_ *ptpacket.Cursor, ip ptpacket.IPPayload) error {
	addr, known := ptpacket.ReconstructIP(ip, a.lastIP)
	if known {
		a.lastIP = addr
	}
	a.lastBB = 0
	a.status = statusNormal
	return nil
}

func (a *Analyzer) OnPSB(*ptpacket.Cursor) error {
	a.lastBB = 0
	a.lastIP = 0
	a.status = statusNormal
	a.buf.Clear()
	return nil
}

func (a *Analyzer) OnOVF(*ptpacket.Cursor) error {
	a.lastBB = 0
	a.buf.Clear()
	a.status = statusPendingOvf
	return nil
}

var _ ptpacket.Handler = (*Analyzer)(nil)
