package memaccess

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// PageSize is the page granularity cmd/perfextract writes a page dump in and
// LoadPageDump expects to read it back in, matching the libxdc-experiments
// memory dump convention.
const PageSize = 0x1000

// LoadPageDump builds a Mapper over a page-dump/page-addr file pair:
// dumpPath holds PageSize-byte pages back to back, and addrPath holds one
// little-endian uint64 per page giving that page's virtual address, in the
// same order as the pages in dumpPath.
func LoadPageDump(dumpPath, addrPath string) (*Mapper, error) {
	dump, err := os.ReadFile(dumpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	addrRaw, err := os.ReadFile(addrPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	if len(addrRaw)%8 != 0 {
		return nil, fmt.Errorf("%w: page addr file length %d is not a multiple of 8", ErrFileAccess, len(addrRaw))
	}
	pageCount := len(addrRaw) / 8
	if len(dump) != pageCount*PageSize {
		return nil, fmt.Errorf("%w: page dump holds %d bytes, want %d for %d pages",
			ErrFileAccess, len(dump), pageCount*PageSize, pageCount)
	}

	m := NewMapper()
	for i := 0; i < pageCount; i++ {
		addr := binary.LittleEndian.Uint64(addrRaw[i*8 : i*8+8])
		page := dump[i*PageSize : (i+1)*PageSize]
		if err := m.AddAccessor(NewBufferAccessor(addr, page)); err != nil {
			return nil, fmt.Errorf("page at 0x%x: %w", addr, err)
		}
	}
	return m, nil
}

// DumpPages writes content - a virtually-contiguous region starting at
// baseAddr - to pageDump/pageAddr in PageSize chunks, zero-padding a final
// partial page, in the format LoadPageDump reads back.
func DumpPages(pageDump, pageAddr io.Writer, baseAddr uint64, content []byte) error {
	var addrBuf [8]byte
	writePage := func(page []byte, addr uint64) error {
		if _, err := pageDump.Write(page); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(addrBuf[:], addr)
		_, err := pageAddr.Write(addrBuf[:])
		return err
	}

	complete := len(content) / PageSize
	for i := 0; i < complete; i++ {
		if err := writePage(content[i*PageSize:(i+1)*PageSize], baseAddr+uint64(i*PageSize)); err != nil {
			return err
		}
	}
	if remain := len(content) - complete*PageSize; remain > 0 {
		var padded [PageSize]byte
		copy(padded[:], content[complete*PageSize:])
		if err := writePage(padded[:], baseAddr+uint64(complete*PageSize)); err != nil {
			return err
		}
	}
	return nil
}
