package shm

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/tklauser/go-sysconf"
	"golang.org/x/sys/unix"
)

// segment is a mapped ClockBound segment. The version and generation fields
// share one naturally aligned 32-bit word, which is the only part of the
// mapping accessed atomically; all acquire/release edges of the publication
// protocol hang off loads and stores of that word.
type segment struct {
	data []byte
}

func (s *segment) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&s.data[offVersion]))
}

func (s *segment) loadVersionGen() (version, generation uint16) {
	w := atomic.LoadUint32(s.word())
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], w)
	return binary.NativeEndian.Uint16(b[0:2]), binary.NativeEndian.Uint16(b[2:4])
}

func (s *segment) storeVersionGen(version, generation uint16) {
	var b [4]byte
	binary.NativeEndian.PutUint16(b[0:2], version)
	binary.NativeEndian.PutUint16(b[2:4], generation)
	atomic.StoreUint32(s.word(), binary.NativeEndian.Uint32(b[:]))
}

func (s *segment) unmap() error {
	data := s.data
	s.data = nil
	return unix.Munmap(data)
}

func pageSize() int64 {
	sz, err := sysconf.Sysconf(sysconf.SC_PAGE_SIZE)
	if err != nil || sz <= 0 {
		return 4096
	}
	return sz
}

// validateHeader checks the fixed header of a segment, in the order mandated
// for the open path: well-formed size, magic, version, then initialization.
func validateHeader(b []byte) error {
	if len(b) < headerLen {
		return ErrSegmentNotInitialized
	}
	segsize := binary.NativeEndian.Uint32(b[offSegsize:])
	if int64(segsize) < SegmentSize || int64(segsize) > pageSize() {
		return ErrSegmentMalformed
	}
	if binary.NativeEndian.Uint64(b[offMagic:]) != Magic {
		return ErrSegmentMalformed
	}
	if binary.NativeEndian.Uint16(b[offVersion:]) != Version {
		return ErrSegmentVersionNotSupported
	}
	if binary.NativeEndian.Uint16(b[offGeneration:]) == 0 {
		return ErrSegmentNotInitialized
	}
	return nil
}
