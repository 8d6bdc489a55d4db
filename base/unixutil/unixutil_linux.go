//go:build linux

package unixutil

import (
	"golang.org/x/sys/unix"
)

// ClockGettime reads the given clock. The returned error, if any, is the raw
// errno value from the syscall.
func ClockGettime(clockid int32) (unix.Timespec, error) {
	var ts unix.Timespec
	err := unix.ClockGettime(clockid, &ts)
	return ts, err
}

func TimespecAddNsec(ts unix.Timespec, nsec int64) unix.Timespec {
	sec := ts.Sec + nsec/1e9
	nsec = ts.Nsec + nsec%1e9
	// The field unix.Timespec.Nsec must always be non-negative.
	if nsec < 0 {
		sec -= 1
		nsec += 1e9
	} else if nsec >= 1e9 {
		sec += 1
		nsec -= 1e9
	}
	return unix.Timespec{
		Sec:  sec,
		Nsec: nsec,
	}
}

// TimespecNsecBetween returns y - x in nanoseconds, saturating instead of
// wrapping when the difference does not fit in an int64.
func TimespecNsecBetween(x, y unix.Timespec) int64 {
	const maxInt64 = 1<<63 - 1
	const minInt64 = -1 << 63
	// One second of headroom absorbs the nanosecond part.
	const maxSec = maxInt64/1_000_000_000 - 1
	const minSec = minInt64/1_000_000_000 + 1
	dsec := y.Sec - x.Sec
	if dsec > maxSec {
		return maxInt64
	}
	if dsec < minSec {
		return minInt64
	}
	return dsec*1e9 + (y.Nsec - x.Nsec)
}

func TimespecBefore(x, y unix.Timespec) bool {
	if x.Sec != y.Sec {
		return x.Sec < y.Sec
	}
	return x.Nsec < y.Nsec
}
