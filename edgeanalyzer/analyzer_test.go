package edgeanalyzer

import (
	"testing"

	"github.com/awmorgan/iptrace/internal/x86cfg"
	"github.com/awmorgan/iptrace/memaccess"
	"github.com/awmorgan/iptrace/ptpacket"
)

type block struct {
	addr uint64
	kind TransitionKind
}

type recordingHandler struct {
	begun  bool
	blocks []block
}

func (r *recordingHandler) AtDecodeBegin() { r.begun = true }

func (r *recordingHandler) OnNewBlock(addr uint64, kind TransitionKind) error {
	r.blocks = append(r.blocks, block{addr, kind})
	return nil
}

func eightBytes(v uint64) ptpacket.IPPayload {
	return ptpacket.IPPayload{Kind: ptpacket.IPEightBytes, Payload: v}
}

func TestAnalyzerDirectCallThenReturn(t *testing.T) {
	m := memaccess.NewMapper()
	// 0x2000: CALL rel32 -> target 0x3000 (next = 0x2005, rel = 0x3000-0x2005 = 0xFFB)
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x2000, []byte{0xE8, 0xFB, 0x0F, 0x00, 0x00})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}
	// 0x3000: RET
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x3000, []byte{0xC3})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}
	// 0x2005: RET (the call's return address)
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x2005, []byte{0xC3})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}

	h := &recordingHandler{}
	a := New(m, h, Options{TraceeMode: x86cfg.Mode64})
	a.BeginDecode()
	if !h.begun {
		t.Fatal("AtDecodeBegin not called")
	}

	if err := a.OnTIPPGE(nil, eightBytes(0x2000)); err != nil {
		t.Fatalf("OnTIPPGE: %v", err)
	}
	// The return from 0x2005 lands on another bare RET; the canonical flow
	// keeps no callstack, so this just defers again rather than erroring.
	if err := a.OnFUP(nil, eightBytes(0x2005)); err != nil {
		t.Fatalf("OnFUP: %v", err)
	}

	want := []block{
		{0x2000, NewBlock},
		{0x3000, DirectCall},
		{0x2005, Return},
	}
	if len(h.blocks) != len(want) {
		t.Fatalf("blocks = %+v, want %+v", h.blocks, want)
	}
	for i, w := range want {
		if h.blocks[i] != w {
			t.Errorf("blocks[%d] = %+v, want %+v", i, h.blocks[i], w)
		}
	}
}

func TestAnalyzerConditionalBranchTaken(t *testing.T) {
	m := memaccess.NewMapper()
	// 0x1000: JE +5 (next=0x1002, taken target=0x1007)
	data := []byte{0x74, 0x05, 0xC3, 0x90, 0x90, 0x90, 0x90, 0xC3}
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x1000, data)); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}

	h := &recordingHandler{}
	a := New(m, h, Options{TraceeMode: x86cfg.Mode64})
	a.BeginDecode()

	if err := a.OnTIPPGE(nil, eightBytes(0x1000)); err != nil {
		t.Fatalf("OnTIPPGE: %v", err)
	}
	// Taking the branch lands on a bare RET with no TNT bit left to consume,
	// so the walk simply defers rather than erroring.
	if err := a.OnShortTNT(nil, 1, 1); err != nil { // single taken bit
		t.Fatalf("OnShortTNT: %v", err)
	}

	want := []block{
		{0x1000, NewBlock},
		{0x1007, ConditionalBranch},
	}
	if len(h.blocks) != len(want) {
		t.Fatalf("blocks = %+v, want %+v", h.blocks, want)
	}
	for i, w := range want {
		if h.blocks[i] != w {
			t.Errorf("blocks[%d] = %+v, want %+v", i, h.blocks[i], w)
		}
	}
}

func TestAnalyzerIndirectJumpDeferredToTIP(t *testing.T) {
	m := memaccess.NewMapper()
	// 0x4000: jmp rax (FF E0) -> indirect, target only known from the TIP.
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x4000, []byte{0xFF, 0xE0})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}
	// 0x5000: another indirect jump, so resolving onto it defers cleanly
	// instead of needing a TNT bit.
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x5000, []byte{0xFF, 0xE0})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}

	h := &recordingHandler{}
	a := New(m, h, Options{TraceeMode: x86cfg.Mode64})
	a.BeginDecode()

	if err := a.OnTIPPGE(nil, eightBytes(0x4000)); err != nil {
		t.Fatalf("OnTIPPGE: %v", err)
	}
	if err := a.OnTIP(nil, eightBytes(0x5000)); err != nil {
		t.Fatalf("OnTIP: %v", err)
	}

	want := []block{
		{0x4000, NewBlock},
		{0x5000, IndirectJump},
	}
	if len(h.blocks) != len(want) {
		t.Fatalf("blocks = %+v, want %+v", h.blocks, want)
	}
	for i, w := range want {
		if h.blocks[i] != w {
			t.Errorf("blocks[%d] = %+v, want %+v", i, h.blocks[i], w)
		}
	}
}

func TestAnalyzerOverflowResetsState(t *testing.T) {
	m := memaccess.NewMapper()
	// An indirect jump defers without touching the TNT buffer, so the state
	// reset by OnOVF can be exercised in isolation.
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x1000, []byte{0xFF, 0xE0})); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}
	h := &recordingHandler{}
	a := New(m, h, Options{TraceeMode: x86cfg.Mode64})
	a.BeginDecode()

	if err := a.OnTIPPGE(nil, eightBytes(0x1000)); err != nil {
		t.Fatalf("OnTIPPGE: %v", err)
	}
	if err := a.OnOVF(nil); err != nil {
		t.Fatalf("OnOVF: %v", err)
	}
	if err := a.OnFUP(nil, eightBytes(0x1000)); err != nil {
		t.Fatalf("OnFUP after overflow: %v", err)
	}

	last := h.blocks[len(h.blocks)-1]
	if last.kind != NewBlock {
		t.Errorf("last block kind after overflow recovery = %v, want NewBlock", last.kind)
	}
}

type cachingHandler struct {
	recordingHandler
	pending  int
	reused   []any
	cleared  int
}

func (c *cachingHandler) TakeCache() any {
	n := c.pending
	c.pending = 0
	return n
}

func (c *cachingHandler) ClearCurrentCache() { c.cleared++ }

func (c *cachingHandler) OnReusedCache(key any) { c.reused = append(c.reused, key) }

func (c *cachingHandler) ShouldClearAllCache() bool { return false }

func (c *cachingHandler) OnNewBlock(addr uint64, kind TransitionKind) error {
	c.pending++
	return c.recordingHandler.OnNewBlock(addr, kind)
}

var _ CacheAggregator = (*cachingHandler)(nil)

func TestAnalyzerCacheHitSkipsLiveWalk(t *testing.T) {
	m := memaccess.NewMapper()
	// Nine consecutive "JE +0" instructions: each is a conditional branch
	// that consumes one TNT bit but always falls through to the next
	// instruction regardless of outcome (rel8 == 0), so the first 8 fill
	// the 8-bit cache tier and the 9th gives the run something to resolve
	// (and then block on) once the fed bits run out.
	data := make([]byte, 0, 18)
	for i := 0; i < 9; i++ {
		data = append(data, 0x74, 0x00)
	}
	if err := m.AddAccessor(memaccess.NewBufferAccessor(0x1000, data)); err != nil {
		t.Fatalf("AddAccessor: %v", err)
	}

	h := &cachingHandler{}
	a := New(m, h, Options{TraceeMode: x86cfg.Mode64, CacheEnabled: true})
	a.BeginDecode()

	if err := a.OnTIPPGE(nil, eightBytes(0x1000)); err != nil {
		t.Fatalf("OnTIPPGE: %v", err)
	}
	// Feed 8 taken/not-taken bits (all identical outcome here), enough to
	// fill the 8-bit cache tier on the first pass.
	if err := a.OnShortTNT(nil, 0xFF, 8); err != nil {
		t.Fatalf("OnShortTNT: %v", err)
	}
	if t8, _, _ := a.cache.Sizes(); t8 == 0 {
		t.Fatalf("expected an 8-bit tier cache entry after a full run, sizes=%d", t8)
	}

	// Reset position back to the same start and feed another full byte of
	// identical bits: this run must hit the cache instead of walking live.
	a.lastBB = 0x1000
	reusedBefore := len(h.reused)
	if err := a.OnShortTNT(nil, 0xFF, 8); err != nil {
		t.Fatalf("OnShortTNT (cached): %v", err)
	}
	if len(h.reused) != reusedBefore+1 {
		t.Fatalf("expected exactly one OnReusedCache call, got %d new", len(h.reused)-reusedBefore)
	}
}
