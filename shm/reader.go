package shm

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Writers normally complete a transaction within nanoseconds, so a handful
// of retries is plenty. Exhausting the budget means the writer is wedged
// mid-transaction (or gone), which a reader cannot wait out.
const snapshotRetries = 64

// A Reader maps a ClockBound segment read-only and takes consistent
// snapshots of it without syscalls.
//
// A Reader keeps its mapping for the lifetime of the process; it is not safe
// for concurrent use, but any number of independent Readers may observe the
// same segment.
type Reader struct {
	seg segment
}

// OpenReader opens and maps the segment file at path. The segment header is
// validated before mapping; an uninitialized, malformed or
// version-incompatible segment is rejected.
func OpenReader(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, syscallError("open", err)
	}
	defer unix.Close(fd)

	var hdr [headerLen]byte
	n, err := unix.Pread(fd, hdr[:], 0)
	if err != nil {
		return nil, syscallError("read", err)
	}
	if n < headerLen {
		return nil, ErrSegmentNotInitialized
	}
	if err := validateHeader(hdr[:]); err != nil {
		return nil, err
	}

	segsize := int(binary.NativeEndian.Uint32(hdr[offSegsize:]))
	data, err := unix.Mmap(fd, 0, segsize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, syscallError("mmap", err)
	}
	return &Reader{seg: segment{data: data}}, nil
}

// Snapshot copies a consistent view of the segment payload into dst.
//
// The read is retried until the generation observed before and after the
// copy is the same even value. After snapshotRetries unsuccessful attempts
// ErrSegmentMalformed is returned: the writer has likely died mid-update,
// and the segment's void_after will flag staleness to the application
// independently. The hot path performs no allocation and no syscalls.
func (r *Reader) Snapshot(dst *Snapshot) error {
	var buf [payloadLen]byte
	for i := 0; i < snapshotRetries; i++ {
		_, g := r.seg.loadVersionGen()
		if g == 0 {
			return ErrSegmentNotInitialized
		}
		if g&1 == 1 {
			continue
		}
		copy(buf[:], r.seg.data[payloadOff:payloadEnd])
		if _, g2 := r.seg.loadVersionGen(); g2 != g {
			continue
		}
		decodeSnapshot(buf[:], dst)
		return nil
	}
	return ErrSegmentMalformed
}

// Generation returns the current generation counter. Intended for
// diagnostics; payload consistency is only guaranteed through Snapshot.
func (r *Reader) Generation() uint16 {
	_, g := r.seg.loadVersionGen()
	return g
}

// Close unmaps the segment. The Reader must not be used afterwards.
func (r *Reader) Close() error {
	if err := r.seg.unmap(); err != nil {
		return syscallError("munmap", err)
	}
	return nil
}
