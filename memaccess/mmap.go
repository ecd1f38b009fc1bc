package memaccess

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MmapAccessor serves reads out of a read-only mmap of a recorded process
// image (e.g. a page dump extracted from perf.data by cmd/perfextract),
// avoiding a copy into the Go heap for every instruction fetch.
type MmapAccessor struct {
	BaseAccessor
	data []byte
}

// NewMmapAccessor maps the whole of the file at path and serves it starting
// at virtual address addr.
func NewMmapAccessor(path string, addr uint64) (*MmapAccessor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileAccess, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return nil, fmt.Errorf("%w: empty file %s", ErrFileAccess, path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrFileAccess, path, err)
	}

	return &MmapAccessor{
		BaseAccessor: BaseAccessor{startAddr: addr, endAddr: addr + uint64(size) - 1},
		data:         data,
	}, nil
}

func (m *MmapAccessor) Read(addr uint64, reqBytes uint32) ([]byte, error) {
	count := m.BytesInRange(addr, reqBytes)
	if count == 0 {
		return nil, nil
	}
	offset := addr - m.startAddr
	return m.data[offset : offset+uint64(count)], nil
}

func (m *MmapAccessor) String() string {
	return fmt.Sprintf("MmapAccessor; Range::0x%x:0x%x", m.startAddr, m.endAddr)
}

// Close unmaps the backing region.
func (m *MmapAccessor) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
