package covbitmap

import (
	"testing"

	"github.com/awmorgan/iptrace/edgeanalyzer"
)

func TestConditionalBranchRecordsEdge(t *testing.T) {
	bm := make([]byte, 64)
	h := New(bm)
	h.AtDecodeBegin()

	if err := h.OnNewBlock(0x1000, edgeanalyzer.NewBlock); err != nil {
		t.Fatalf("OnNewBlock(NewBlock): %v", err)
	}
	if err := h.OnNewBlock(0x1010, edgeanalyzer.ConditionalBranch); err != nil {
		t.Fatalf("OnNewBlock(ConditionalBranch): %v", err)
	}

	touched := 0
	for _, b := range bm {
		if b != 0 {
			touched++
		}
	}
	if touched != 1 {
		t.Fatalf("expected exactly one bitmap byte touched, got %d", touched)
	}
}

func TestDirectTransitionsDoNotTouchBitmap(t *testing.T) {
	bm := make([]byte, 64)
	h := New(bm)
	h.AtDecodeBegin()

	_ = h.OnNewBlock(0x1000, edgeanalyzer.NewBlock)
	_ = h.OnNewBlock(0x1010, edgeanalyzer.DirectJump)
	_ = h.OnNewBlock(0x2000, edgeanalyzer.DirectCall)
	_ = h.OnNewBlock(0x1010, edgeanalyzer.Return)

	for i, b := range bm {
		if b != 0 {
			t.Fatalf("bitmap[%d] = %d, want 0 (direct transitions never record)", i, b)
		}
	}
}

func TestFilterRangeExcludesOutOfRangeBlocks(t *testing.T) {
	bm := make([]byte, 64)
	h := New(bm)
	h.SetFilterRange(0x2000, 0x3000)
	h.AtDecodeBegin()

	_ = h.OnNewBlock(0x1000, edgeanalyzer.NewBlock)
	_ = h.OnNewBlock(0x1500, edgeanalyzer.IndirectJump) // outside [0x2000,0x3000)
	for _, b := range bm {
		if b != 0 {
			t.Fatal("bitmap updated for a block outside the filter range")
		}
	}

	_ = h.OnNewBlock(0x2500, edgeanalyzer.IndirectJump) // inside range
	touched := 0
	for _, b := range bm {
		if b != 0 {
			touched++
		}
	}
	if touched != 1 {
		t.Fatalf("expected one bitmap byte touched for the in-range block, got %d", touched)
	}
}

func TestTakeCacheAndReplayProduceSameCounts(t *testing.T) {
	live := make([]byte, 64)
	h := New(live)
	h.AtDecodeBegin()
	_ = h.OnNewBlock(0x1000, edgeanalyzer.NewBlock)
	_ = h.OnNewBlock(0x1010, edgeanalyzer.ConditionalBranch)
	_ = h.OnNewBlock(0x1020, edgeanalyzer.ConditionalBranch)
	key := h.TakeCache()

	replay := make([]byte, 64)
	h2 := New(replay)
	h2.entriesArena = h.entriesArena
	h2.OnReusedCache(key)

	for i := range live {
		if live[i] != replay[i] {
			t.Fatalf("bitmap[%d]: live=%d replay=%d", i, live[i], replay[i])
		}
	}
}

func TestAtDecodeBeginResetsPerCacheTracking(t *testing.T) {
	bm := make([]byte, 64)
	h := New(bm)
	h.AtDecodeBegin()
	_ = h.OnNewBlock(0x1000, edgeanalyzer.NewBlock)
	_ = h.OnNewBlock(0x1010, edgeanalyzer.ConditionalBranch)
	if len(h.perCacheRecorded) == 0 {
		t.Fatal("expected a tracked bitmap index before reset")
	}
	h.AtDecodeBegin()
	if len(h.perCacheRecorded) != 0 {
		t.Fatalf("AtDecodeBegin did not reset per-cache tracking: %d entries remain", len(h.perCacheRecorded))
	}
}
