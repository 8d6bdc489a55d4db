// Package vmclock reads the VMClock shared memory surface through which the
// hypervisor informs guests of host-side clock events.
//
// Only the fields ClockBound consumes are interpreted: the disruption
// marker, which changes whenever the guest clock was disrupted or a
// successor clock is in use, and the VMClock clock status. Reads follow the
// same odd/even generation discipline as the ClockBound segment, on the
// 32-bit seq_count defined by the VMClock ABI. All fields are little-endian
// per that ABI.
package vmclock

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"example.com/clock-bound/shm"
)

// DefaultPath is where the kernel exposes the VMClock device.
const DefaultPath = "/dev/vmclock0"

// Magic number identifying a VMClock segment: "VCLK".
const Magic uint32 = 0x4b4c4356

const (
	offMagic    = 0
	offSize     = 4
	offVersion  = 8
	offSeqCount = 12
	offMarker   = 16
	offFlags    = 24
	offStatus   = 34

	// The surface carries counter and time fields past the status byte; the
	// reader only needs the mapping to cover what it interprets.
	minSize = offStatus + 1
)

const readRetries = 64

// Status is the clock status advertised by the VMClock surface.
type Status uint8

const (
	StatusUnknown      Status = 0
	StatusInitializing Status = 1
	StatusSynchronized Status = 2
	StatusFreeRunning  Status = 3
	StatusUnreliable   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusInitializing:
		return "Initializing"
	case StatusSynchronized:
		return "Synchronized"
	case StatusFreeRunning:
		return "FreeRunning"
	case StatusUnreliable:
		return "Unreliable"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ParseStatus maps a status name from the daemon configuration to its value.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "Unknown":
		return StatusUnknown, nil
	case "Initializing":
		return StatusInitializing, nil
	case "Synchronized":
		return StatusSynchronized, nil
	case "FreeRunning":
		return StatusFreeRunning, nil
	case "Unreliable":
		return StatusUnreliable, nil
	default:
		return 0, fmt.Errorf("unknown VMClock status %q", s)
	}
}

// A Reader maps the VMClock surface read-only.
type Reader struct {
	data []byte
}

// Open maps the VMClock surface at path and validates its header.
func Open(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &shm.SyscallError{Op: "open", Errno: errnoOf(err)}
	}
	defer unix.Close(fd)

	var hdr [16]byte
	n, err := unix.Pread(fd, hdr[:], 0)
	if err != nil {
		return nil, &shm.SyscallError{Op: "read", Errno: errnoOf(err)}
	}
	if n < len(hdr) {
		return nil, shm.ErrSegmentNotInitialized
	}
	if binary.LittleEndian.Uint32(hdr[offMagic:]) != Magic {
		return nil, shm.ErrSegmentMalformed
	}
	if binary.LittleEndian.Uint16(hdr[offVersion:]) == 0 {
		return nil, shm.ErrSegmentNotInitialized
	}
	size := int(binary.LittleEndian.Uint32(hdr[offSize:]))
	if size < minSize {
		return nil, shm.ErrSegmentMalformed
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, &shm.SyscallError{Op: "mmap", Errno: errnoOf(err)}
	}
	return &Reader{data: data}, nil
}

func (r *Reader) seqCount() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.data[offSeqCount])))
}

// Read returns the current disruption marker and clock status. An odd
// seq_count means the hypervisor is mid-update; the read is retried with a
// bounded budget, like the ClockBound segment snapshot.
func (r *Reader) Read() (marker uint64, status Status, err error) {
	for i := 0; i < readRetries; i++ {
		seq := r.seqCount()
		if seq&1 == 1 {
			continue
		}
		var buf [offStatus + 1 - offMarker]byte
		copy(buf[:], r.data[offMarker:offStatus+1])
		if r.seqCount() != seq {
			continue
		}
		marker = binary.LittleEndian.Uint64(buf[0:8])
		status = Status(buf[offStatus-offMarker])
		return marker, status, nil
	}
	return 0, StatusUnknown, shm.ErrSegmentMalformed
}

// Close unmaps the surface. The Reader must not be used afterwards.
func (r *Reader) Close() error {
	data := r.data
	r.data = nil
	if err := unix.Munmap(data); err != nil {
		return &shm.SyscallError{Op: "munmap", Errno: errnoOf(err)}
	}
	return nil
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
