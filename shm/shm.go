// Package shm implements the ClockBound shared memory segment: a small,
// file-backed region through which a single writer publishes clock error
// bound data to any number of lock-free readers.
//
// The segment layout is fixed and in native byte order. A 16-bit generation
// counter in the header brackets every update: the writer moves it to an odd
// value before touching the payload and to the next even value after, and
// readers accept a payload only if they observe the same even generation
// before and after copying it.
package shm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Magic number identifying a ClockBound segment: "AMZNCB", 0x02, 0x00.
const Magic uint64 = 0x000242434e5a4d41

// Version of the segment layout implemented by this package.
const Version uint16 = 2

const (
	offMagic      = 0
	offSegsize    = 8
	offVersion    = 12
	offGeneration = 14

	offAsOfSec       = 16
	offAsOfNsec      = 24
	offVoidAfterSec  = 32
	offVoidAfterNsec = 40
	offBoundNsec     = 48
	offMarker        = 56
	offMaxDriftPPB   = 64
	offClockStatus   = 68
	offSupport       = 72

	payloadOff = offAsOfSec
	payloadEnd = offSupport + 1
	payloadLen = payloadEnd - payloadOff

	headerLen = offGeneration + 2

	// SegmentSize is the total size of the segment, the payload rounded up
	// to 64-bit alignment.
	SegmentSize = 80
)

// ClockStatus is the status of the system realtime clock published in the
// segment and returned to clients.
type ClockStatus int32

const (
	ClockStatusUnknown      ClockStatus = 0
	ClockStatusSynchronized ClockStatus = 1
	ClockStatusFreeRunning  ClockStatus = 2
	ClockStatusDisrupted    ClockStatus = 3
)

func (s ClockStatus) String() string {
	switch s {
	case ClockStatusUnknown:
		return "Unknown"
	case ClockStatusSynchronized:
		return "Synchronized"
	case ClockStatusFreeRunning:
		return "FreeRunning"
	case ClockStatusDisrupted:
		return "Disrupted"
	default:
		return fmt.Sprintf("ClockStatus(%d)", int32(s))
	}
}

// Snapshot is one consistent view of the segment payload.
type Snapshot struct {
	// AsOf is the coarse monotonic instant at which BoundNsec was computed.
	AsOf unix.Timespec

	// VoidAfter is the coarse monotonic instant past which the bound must be
	// treated as stale.
	VoidAfter unix.Timespec

	// BoundNsec is the absolute bound on the error of the realtime clock at
	// AsOf, in nanoseconds.
	BoundNsec int64

	// DisruptionMarker is the last disruption marker value copied from the
	// VMClock surface.
	DisruptionMarker uint64

	// MaxDriftPPB is the configured maximum drift rate of the realtime
	// clock, in parts per billion.
	MaxDriftPPB uint32

	ClockStatus ClockStatus

	ClockDisruptionSupportEnabled bool
}

func decodeSnapshot(b []byte, dst *Snapshot) {
	_ = b[payloadLen-1]
	dst.AsOf.Sec = int64(binary.NativeEndian.Uint64(b[offAsOfSec-payloadOff:]))
	dst.AsOf.Nsec = int64(binary.NativeEndian.Uint64(b[offAsOfNsec-payloadOff:]))
	dst.VoidAfter.Sec = int64(binary.NativeEndian.Uint64(b[offVoidAfterSec-payloadOff:]))
	dst.VoidAfter.Nsec = int64(binary.NativeEndian.Uint64(b[offVoidAfterNsec-payloadOff:]))
	dst.BoundNsec = int64(binary.NativeEndian.Uint64(b[offBoundNsec-payloadOff:]))
	dst.DisruptionMarker = binary.NativeEndian.Uint64(b[offMarker-payloadOff:])
	dst.MaxDriftPPB = binary.NativeEndian.Uint32(b[offMaxDriftPPB-payloadOff:])
	dst.ClockStatus = ClockStatus(binary.NativeEndian.Uint32(b[offClockStatus-payloadOff:]))
	dst.ClockDisruptionSupportEnabled = b[offSupport-payloadOff] != 0
}

func encodeSnapshot(b []byte, src *Snapshot) {
	_ = b[payloadLen-1]
	binary.NativeEndian.PutUint64(b[offAsOfSec-payloadOff:], uint64(src.AsOf.Sec))
	binary.NativeEndian.PutUint64(b[offAsOfNsec-payloadOff:], uint64(src.AsOf.Nsec))
	binary.NativeEndian.PutUint64(b[offVoidAfterSec-payloadOff:], uint64(src.VoidAfter.Sec))
	binary.NativeEndian.PutUint64(b[offVoidAfterNsec-payloadOff:], uint64(src.VoidAfter.Nsec))
	binary.NativeEndian.PutUint64(b[offBoundNsec-payloadOff:], uint64(src.BoundNsec))
	binary.NativeEndian.PutUint64(b[offMarker-payloadOff:], src.DisruptionMarker)
	binary.NativeEndian.PutUint32(b[offMaxDriftPPB-payloadOff:], src.MaxDriftPPB)
	binary.NativeEndian.PutUint32(b[offClockStatus-payloadOff:], uint32(src.ClockStatus))
	if src.ClockDisruptionSupportEnabled {
		b[offSupport-payloadOff] = 1
	} else {
		b[offSupport-payloadOff] = 0
	}
}
