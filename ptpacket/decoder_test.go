package ptpacket

import "testing"

type recordingHandler struct {
	NopHandler
	pads  int
	tips  []IPPayload
	tnts  []uint8
	psbs  int
	overflows int
}

func (r *recordingHandler) OnPad(*Cursor) error { r.pads++; return nil }
func (r *recordingHandler) OnTIP(_ *Cursor, ip IPPayload) error {
	r.tips = append(r.tips, ip)
	return nil
}
func (r *recordingHandler) OnShortTNT(_ *Cursor, bits uint8, count int) error {
	r.tnts = append(r.tnts, bits)
	return nil
}
func (r *recordingHandler) OnPSB(*Cursor) error { r.psbs++; return nil }
func (r *recordingHandler) OnOVF(*Cursor) error { r.overflows++; return nil }

func TestDecodePad(t *testing.T) {
	h := &recordingHandler{}
	if err := Decode([]byte{0x00, 0x00, 0x00}, Options{}, h, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.pads != 3 {
		t.Errorf("pads = %d, want 3", h.pads)
	}
}

func TestDecodeTIPFourBytes(t *testing.T) {
	h := &recordingHandler{}
	// field=2 (FourBytes) -> bits [7:5] = 010, tag 0x0D -> header = 0b010_01101 = 0x4D
	header := byte((2 << 5) | 0x0D)
	data := []byte{header, 0x78, 0x56, 0x34, 0x12}
	if err := Decode(data, Options{}, h, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(h.tips) != 1 {
		t.Fatalf("tips = %d, want 1", len(h.tips))
	}
	if h.tips[0].Kind != IPFourBytes || h.tips[0].Payload != 0x12345678 {
		t.Errorf("tip = %+v", h.tips[0])
	}
}

func TestDecodeShortTNT(t *testing.T) {
	h := &recordingHandler{}
	// bits 110 with stop bit at position 3: value = 0b1110 << 1 = 0x1C
	data := []byte{0x1C}
	if err := Decode(data, Options{}, h, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(h.tnts) != 1 {
		t.Fatalf("tnts = %d, want 1", len(h.tnts))
	}
}

func TestDecodePSBAndOVF(t *testing.T) {
	h := &recordingHandler{}
	data := append([]byte{}, psbPattern[:]...)
	data = append(data, 0x02, 0xF3) // OVF
	if err := Decode(data, Options{}, h, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.psbs != 1 {
		t.Errorf("psbs = %d, want 1", h.psbs)
	}
	if h.overflows != 1 {
		t.Errorf("overflows = %d, want 1", h.overflows)
	}
}

func TestDecodeSyncRequiresPSB(t *testing.T) {
	h := &recordingHandler{}
	err := Decode([]byte{0x00, 0x00}, Options{Sync: true}, h, nil)
	if err == nil {
		t.Fatal("expected NoPsb error")
	}
}

func TestDecodeInvalidPacket(t *testing.T) {
	h := &recordingHandler{}
	// 0x02 followed by a second byte with no level-2 mapping.
	err := Decode([]byte{0x02, 0xFF}, Options{}, h, nil)
	if err == nil {
		t.Fatal("expected InvalidPacket error")
	}
}

func TestCountingHandler(t *testing.T) {
	ch := NewCountingHandler(&recordingHandler{})
	if err := Decode([]byte{0x00, 0x00}, Options{}, ch, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ch.Counts[KindPad] != 2 {
		t.Errorf("Counts[KindPad] = %d, want 2", ch.Counts[KindPad])
	}
}
