package perfdata

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildPerfFile assembles a minimal synthetic PERFILE2 buffer containing
// exactly the records records, back to back, as the data section.
func buildPerfFile(t *testing.T, records ...[]byte) []byte {
	t.Helper()

	var data bytes.Buffer
	for _, r := range records {
		data.Write(r)
	}

	var buf bytes.Buffer
	buf.WriteString(magicPerfile2)
	le := binary.LittleEndian
	write64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); buf.Write(b[:]) }

	headerSize := uint64(rawHeaderSize)
	write64(headerSize)  // size
	write64(0)            // attr_size
	write64(0)            // attrs.offset
	write64(0)            // attrs.size
	write64(headerSize)   // data.offset
	write64(uint64(data.Len())) // data.size
	write64(0)            // event_types.offset
	write64(0)            // event_types.size
	for i := 0; i < 4; i++ {
		write64(0) // features
	}
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func eventRecord(typ uint32, body []byte) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	var hdr [8]byte
	le.PutUint32(hdr[0:4], typ)
	le.PutUint16(hdr[4:6], 0)
	le.PutUint16(hdr[6:8], uint16(eventHeaderSize+len(body)))
	buf.Write(hdr[:])
	buf.Write(body)
	return buf.Bytes()
}

func auxtraceRecord(size, offset, reference uint64, idx, tid, cpu uint32, trace []byte) []byte {
	var body bytes.Buffer
	le := binary.LittleEndian
	write64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); body.Write(b[:]) }
	write32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); body.Write(b[:]) }
	write64(size)
	write64(offset)
	write64(reference)
	write32(idx)
	write32(tid)
	write32(cpu)
	write32(0) // reserved
	return append(eventRecord(recordAuxtrace, body.Bytes()), trace...)
}

func mmap2Record(pid, tid uint32, addr, length, pgoff uint64, filename string) []byte {
	var body bytes.Buffer
	le := binary.LittleEndian
	write32 := func(v uint32) { var b [4]byte; le.PutUint32(b[:], v); body.Write(b[:]) }
	write64 := func(v uint64) { var b [8]byte; le.PutUint64(b[:], v); body.Write(b[:]) }
	write32(pid)
	write32(tid)
	write64(addr)
	write64(length)
	write64(pgoff)
	write32(0) // maj
	write32(0) // min
	write64(0) // ino
	write64(0) // ino_generation
	write32(0) // prot
	write32(0) // flags
	body.WriteString(filename)
	body.WriteByte(0)
	return eventRecord(recordMmap2, body.Bytes())
}

func TestExtractAuxDecodesTracePayload(t *testing.T) {
	trace := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	rec := auxtraceRecord(uint64(len(trace)), 0x1000, 0xDEAD, 7, 42, 3, trace)
	raw := buildPerfFile(t, rec)

	got, err := ExtractAux(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ExtractAux: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d AuxRecords, want 1", len(got))
	}
	a := got[0]
	if a.Offset != 0x1000 || a.Reference != 0xDEAD || a.Idx != 7 || a.Tid != 42 || a.Cpu != 3 {
		t.Errorf("unexpected AuxRecord fields: %+v", a)
	}
	if !bytes.Equal(a.Data, trace) {
		t.Errorf("Data = %x, want %x", a.Data, trace)
	}
}

func TestExtractMmap2DecodesFilename(t *testing.T) {
	rec := mmap2Record(100, 100, 0x400000, 0x1000, 0, "/usr/bin/target")
	raw := buildPerfFile(t, rec)

	got, err := ExtractMmap2(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ExtractMmap2: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d Mmap2Records, want 1", len(got))
	}
	m := got[0]
	if m.Pid != 100 || m.Addr != 0x400000 || m.Len != 0x1000 {
		t.Errorf("unexpected Mmap2Record fields: %+v", m)
	}
	if m.Filename != "/usr/bin/target" {
		t.Errorf("Filename = %q, want %q", m.Filename, "/usr/bin/target")
	}
}

func TestExtractAuxSkipsUnrelatedRecordTypes(t *testing.T) {
	other := eventRecord(1 /* PERF_RECORD_MMAP (v1), irrelevant here */, make([]byte, 16))
	aux := auxtraceRecord(2, 0, 0, 0, 0, 0, []byte{0x01, 0x02})
	raw := buildPerfFile(t, other, aux)

	got, err := ExtractAux(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ExtractAux: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d AuxRecords, want 1 (the unrelated record type must be skipped)", len(got))
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	raw := make([]byte, rawHeaderSize)
	copy(raw, "NOTPERF!")
	if _, err := ExtractAux(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected an error for a bad magic header")
	}
}
