package tnt

import "testing"

func TestAppendAndTakeInOrder(t *testing.T) {
	var b Buffer
	seq := []bool{true, false, true, true, false}
	for _, v := range seq {
		if err := b.Append(v); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if b.Count() != len(seq) {
		t.Fatalf("Count() = %d, want %d", b.Count(), len(seq))
	}
	for i, want := range seq {
		got, ok := b.TakeOne()
		if !ok {
			t.Fatalf("TakeOne() exhausted early at index %d", i)
		}
		if got != want {
			t.Errorf("TakeOne()[%d] = %v, want %v", i, got, want)
		}
	}
	if _, ok := b.TakeOne(); ok {
		t.Errorf("TakeOne() should be empty")
	}
}

func TestExtendShortPreservesOrder(t *testing.T) {
	var b Buffer
	// 0b101 with count 3 means bits taken,not-taken,taken in that order.
	if err := b.ExtendShort(0b101, 3); err != nil {
		t.Fatalf("ExtendShort: %v", err)
	}
	want := []bool{true, false, true}
	for i, w := range want {
		got, ok := b.TakeOne()
		if !ok || got != w {
			t.Errorf("bit %d = %v (ok=%v), want %v", i, got, ok, w)
		}
	}
}

func TestAppendOverflow(t *testing.T) {
	var b Buffer
	for i := 0; i < maxBits; i++ {
		if err := b.Append(true); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	if err := b.Append(true); err == nil {
		t.Fatalf("expected overflow error")
	}
}

func TestClear(t *testing.T) {
	var b Buffer
	b.Append(true)
	b.Clear()
	if b.Count() != 0 {
		t.Errorf("Count() after Clear = %d, want 0", b.Count())
	}
	if _, ok := b.TakeOne(); ok {
		t.Errorf("TakeOne() after Clear should report empty")
	}
}
