// Package perfdata reads the subset of the Linux perf.data (PERFILE2)
// container format needed to recover Intel PT AUXTRACE payloads and the
// MMAP2 records describing which binary each payload came from.
package perfdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const magicPerfile2 = "PERFILE2"

// Record type numbers from the kernel's perf_event.h that this package
// understands; every other record type is skipped.
const (
	recordMmap2    = 10
	recordAuxtrace = 71
)

// fileSection is a perf_file_section: an (offset, size) pair pointing into
// the perf.data file.
type fileSection struct {
	Offset uint64
	Size   uint64
}

// fileHeader mirrors struct perf_file_header from the kernel's perf tooling
// (PERFILE2 layout only; the older PERFILE1 layout, which lacks the
// event_types section padding used by HEADER_FEAT_BITS, is not supported).
type fileHeader struct {
	Magic      [8]byte
	Size       uint64
	AttrSize   uint64
	Attrs      fileSection
	Data       fileSection
	EventTypes fileSection
	Features   [4]uint64 // HEADER_FEAT_BITS, 256 bits
}

// eventHeader mirrors struct perf_event_header: every record in the data
// section starts with one of these.
type eventHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const eventHeaderSize = 8

// AuxRecord is a decoded PERF_RECORD_AUXTRACE entry: the fixed metadata
// fields every AUXTRACE record carries, plus the raw trace bytes that
// immediately follow it in the data section (outside the record's own
// declared size, per the kernel's AUXTRACE record convention).
type AuxRecord struct {
	Size      uint64
	Offset    uint64
	Reference uint64
	Idx       uint32
	Tid       uint32
	Cpu       uint32
	Data      []byte
}

// Mmap2Record is a decoded PERF_RECORD_MMAP2 entry, identifying the file
// backing one mapped region of the traced process's address space.
type Mmap2Record struct {
	Pid, Tid      uint32
	Addr, Len     uint64
	PgOffset      uint64
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64
	Prot, Flags   uint32
	Filename      string
}

const mmap2FixedFields = 4 + 4 + 8 + 8 + 8 + 4 + 4 + 8 + 8 + 4 + 4 // bytes before the filename

// rawHeaderSize is sizeof(struct perf_file_header): magic(8) + size(8) +
// attr_size(8) + attrs(16) + data(16) + event_types(16) + features(32).
const rawHeaderSize = 8 + 8 + 8 + 16 + 16 + 16 + 32

func readHeader(r io.ReaderAt) (fileHeader, error) {
	var raw [rawHeaderSize]byte
	if _, err := r.ReadAt(raw[:], 0); err != nil {
		return fileHeader{}, fmt.Errorf("perfdata: reading file header: %w", err)
	}

	var h fileHeader
	copy(h.Magic[:], raw[0:8])
	if string(h.Magic[:]) != magicPerfile2 {
		return fileHeader{}, fmt.Errorf("perfdata: bad magic %q, want %q", h.Magic, magicPerfile2)
	}
	le := binary.LittleEndian
	h.Size = le.Uint64(raw[8:16])
	h.AttrSize = le.Uint64(raw[16:24])
	h.Attrs = fileSection{Offset: le.Uint64(raw[24:32]), Size: le.Uint64(raw[32:40])}
	h.Data = fileSection{Offset: le.Uint64(raw[40:48]), Size: le.Uint64(raw[48:56])}
	h.EventTypes = fileSection{Offset: le.Uint64(raw[56:64]), Size: le.Uint64(raw[64:72])}
	for i := 0; i < 4; i++ {
		h.Features[i] = le.Uint64(raw[72+8*i : 80+8*i])
	}
	return h, nil
}

// walkRecords reads fileHeader.Data's record stream and calls fn once per
// perf_event_header/body pair, passing the body's file offset; an error
// from fn stops the walk. For AUXTRACE records, whose trace payload trails
// the declared header.Size, the payload is skipped after fn returns and is
// never delivered as a record of its own.
func walkRecords(r io.ReaderAt, data fileSection, fn func(hdr eventHeader, body []byte, bodyOffset int64) error) error {
	pos := int64(data.Offset)
	end := int64(data.Offset + data.Size)

	for pos < end {
		var raw [eventHeaderSize]byte
		if _, err := r.ReadAt(raw[:], pos); err != nil {
			return fmt.Errorf("perfdata: reading record header at 0x%x: %w", pos, err)
		}
		hdr := eventHeader{
			Type: binary.LittleEndian.Uint32(raw[0:4]),
			Misc: binary.LittleEndian.Uint16(raw[4:6]),
			Size: binary.LittleEndian.Uint16(raw[6:8]),
		}
		if hdr.Size < eventHeaderSize {
			return fmt.Errorf("perfdata: record at 0x%x has impossible size %d", pos, hdr.Size)
		}

		bodyLen := int(hdr.Size) - eventHeaderSize
		body := make([]byte, bodyLen)
		if bodyLen > 0 {
			if _, err := r.ReadAt(body, pos+eventHeaderSize); err != nil {
				return fmt.Errorf("perfdata: reading record body at 0x%x: %w", pos, err)
			}
		}

		if err := fn(hdr, body, pos+eventHeaderSize); err != nil {
			return err
		}
		pos += int64(hdr.Size)
		if hdr.Type == recordAuxtrace && len(body) >= 8 {
			// An AUXTRACE record's trace payload trails its declared
			// header.Size entirely - the kernel writes it directly after
			// the fixed metadata fields, sized by the record's own `size`
			// field, not accounted for by the perf_event_header at all.
			pos += int64(binary.LittleEndian.Uint64(body[0:8]))
		}
	}
	return nil
}

// ExtractAux walks r's perf.data record stream and returns every decoded
// PERF_RECORD_AUXTRACE entry, including its trailing trace bytes.
func ExtractAux(r io.ReaderAt) ([]AuxRecord, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	var out []AuxRecord
	err = walkRecords(r, h.Data, func(hdr eventHeader, body []byte, bodyOffset int64) error {
		if hdr.Type != recordAuxtrace {
			return nil
		}
		const fixedFields = 8 + 8 + 8 + 4 + 4 + 4 + 4 // size,offset,reference,idx,tid,cpu,reserved
		if len(body) < fixedFields {
			return fmt.Errorf("perfdata: truncated AUXTRACE record at 0x%x", bodyOffset)
		}
		le := binary.LittleEndian
		rec := AuxRecord{
			Size:      le.Uint64(body[0:8]),
			Offset:    le.Uint64(body[8:16]),
			Reference: le.Uint64(body[16:24]),
			Idx:       le.Uint32(body[24:28]),
			Tid:       le.Uint32(body[28:32]),
			Cpu:       le.Uint32(body[32:36]),
		}
		// The reserved field occupies body[36:40]; the aux trace payload
		// itself is not part of this record's declared header.Size at
		// all - it trails immediately afterward in the data stream, sized
		// by rec.Size, and must be read separately.
		trace := make([]byte, rec.Size)
		if rec.Size > 0 {
			if _, err := r.ReadAt(trace, bodyOffset+int64(len(body))); err != nil {
				return fmt.Errorf("perfdata: reading AUXTRACE payload at 0x%x: %w", bodyOffset, err)
			}
		}
		rec.Data = trace
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExtractMmap2 walks r's perf.data record stream and returns every decoded
// PERF_RECORD_MMAP2 entry.
func ExtractMmap2(r io.ReaderAt) ([]Mmap2Record, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	var out []Mmap2Record
	err = walkRecords(r, h.Data, func(hdr eventHeader, body []byte, bodyOffset int64) error {
		if hdr.Type != recordMmap2 {
			return nil
		}
		if len(body) < mmap2FixedFields {
			return fmt.Errorf("perfdata: truncated MMAP2 record at 0x%x", bodyOffset)
		}
		le := binary.LittleEndian
		rec := Mmap2Record{
			Pid:           le.Uint32(body[0:4]),
			Tid:           le.Uint32(body[4:8]),
			Addr:          le.Uint64(body[8:16]),
			Len:           le.Uint64(body[16:24]),
			PgOffset:      le.Uint64(body[24:32]),
			Maj:           le.Uint32(body[32:36]),
			Min:           le.Uint32(body[36:40]),
			Ino:           le.Uint64(body[40:48]),
			InoGeneration: le.Uint64(body[48:56]),
			Prot:          le.Uint32(body[56:60]),
			Flags:         le.Uint32(body[60:64]),
		}
		rest := body[mmap2FixedFields:]
		if nul := bytes.IndexByte(rest, 0); nul >= 0 {
			rec.Filename = string(rest[:nul])
		} else {
			rec.Filename = string(rest)
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
