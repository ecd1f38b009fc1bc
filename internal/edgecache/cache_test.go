package edgecache

import "testing"

func TestInsertAndLookup8(t *testing.T) {
	c := New[int]()
	c.Insert8(0x1000, 0xAB, Entry[int]{End: 0x2000, UserKey: 7})
	got, ok := c.Lookup8(0x1000, 0xAB)
	if !ok {
		t.Fatal("Lookup8 missed an inserted entry")
	}
	if got.End != 0x2000 || got.UserKey != 7 {
		t.Errorf("got %+v", got)
	}
	if _, ok := c.Lookup8(0x1000, 0xAC); ok {
		t.Errorf("Lookup8 hit for a different byte")
	}
}

func TestInsertAndLookup32(t *testing.T) {
	c := New[string]()
	key := [4]byte{1, 2, 3, 4}
	c.Insert32(0x500, key, Entry[string]{End: 0x600, UserKey: "x"})
	got, ok := c.Lookup32(0x500, key)
	if !ok || got.UserKey != "x" {
		t.Errorf("Lookup32 = %+v, ok=%v", got, ok)
	}
}

func TestTrailingPackingDistinguishesLengths(t *testing.T) {
	c := New[int]()
	p3 := PackTrailing(3, 0b101)
	p5 := PackTrailing(5, 0b101)
	if p3 == p5 {
		t.Fatalf("PackTrailing collided for different counts: %d", p3)
	}
	c.InsertTrailing(0x10, p3, Entry[int]{End: 1})
	if _, ok := c.LookupTrailing(0x10, p5); ok {
		t.Errorf("LookupTrailing found an entry for a different count")
	}
}

func TestClearRemovesAllTiers(t *testing.T) {
	c := New[int]()
	c.Insert8(1, 1, Entry[int]{})
	c.Insert32(1, [4]byte{}, Entry[int]{})
	c.InsertTrailing(1, 1, Entry[int]{})
	c.Clear()
	t8, t32, tt := c.Sizes()
	if t8 != 0 || t32 != 0 || tt != 0 {
		t.Errorf("Sizes after Clear = %d,%d,%d, want all 0", t8, t32, tt)
	}
}
