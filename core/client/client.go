// Package client implements the reader-side ClockBound API: given the
// shared memory segment published by the daemon, it bounds the error of the
// realtime clock at the instant of the call.
package client

import (
	"time"

	"golang.org/x/sys/unix"

	"example.com/clock-bound/base/timemath"
	"example.com/clock-bound/base/unixutil"
	"example.com/clock-bound/shm"
)

const (
	// Clock reading routines are not infinitely precise; a monotonic
	// timestamp may appear a hair older than the snapshot it provably
	// follows. Differences within this blur count as zero elapsed time,
	// anything beyond is a genuine causality breach.
	causalityBlurNsec = 1000

	// A drift rate at or above one second per second is a sign of a
	// corrupted segment, not a clock.
	maxValidDriftPPB = 1000000000

	// The daemon may be restarted from time to time. Within this period
	// after as_of the published status is trusted as-is; beyond it, a
	// Synchronized clock is reported as FreeRunning until void_after.
	restartGracePeriod = 5 * time.Second
)

// Interval bounds the current time: true time was within
// [Earliest, Latest] at the instant the clocks were read.
type Interval struct {
	Earliest time.Time
	Latest   time.Time
	Status   shm.ClockStatus
}

// A ClockBound reads error bound data from a mapped segment. It keeps its
// mapping for the lifetime of the process and is not safe for concurrent
// use; independent instances are.
type ClockBound struct {
	r    *shm.Reader
	snap shm.Snapshot
}

// New opens the ClockBound segment at path.
func New(path string) (*ClockBound, error) {
	r, err := shm.OpenReader(path)
	if err != nil {
		return nil, err
	}
	return &ClockBound{r: r}, nil
}

// Now returns the interval within which true time exists, together with the
// status of the clock. It performs no allocation and exactly three clock
// reads beyond the lock-free segment snapshot.
func (c *ClockBound) Now() (Interval, error) {
	c0, err := unixutil.ClockGettime(unix.CLOCK_MONOTONIC_COARSE)
	if err != nil {
		return Interval{}, &shm.SyscallError{Op: "clock_gettime", Errno: errnoOf(err)}
	}
	if err := c.r.Snapshot(&c.snap); err != nil {
		return Interval{}, err
	}
	// Read the realtime clock first, to be as close as possible to the
	// event the caller is interested in. Preemption between the two reads
	// only delays the monotonic timestamp, which makes the bound more
	// pessimistic but keeps it correct.
	real, err := unixutil.ClockGettime(unix.CLOCK_REALTIME)
	if err != nil {
		return Interval{}, &shm.SyscallError{Op: "clock_gettime", Errno: errnoOf(err)}
	}
	mono, err := unixutil.ClockGettime(unix.CLOCK_MONOTONIC)
	if err != nil {
		return Interval{}, &shm.SyscallError{Op: "clock_gettime", Errno: errnoOf(err)}
	}
	return computeBoundAt(&c.snap, c0, real, mono)
}

// Close unmaps the segment. The ClockBound must not be used afterwards.
func (c *ClockBound) Close() error {
	return c.r.Close()
}

// computeBoundAt derives the interval from a snapshot and the three clock
// readings. Factored out of Now so the arithmetic can be exercised with
// fixed timestamps.
func computeBoundAt(snap *shm.Snapshot, c0, real, mono unix.Timespec) (Interval, error) {
	if snap.MaxDriftPPB >= maxValidDriftPPB {
		return Interval{}, shm.ErrSegmentMalformed
	}

	elapsed := unixutil.TimespecNsecBetween(snap.AsOf, mono)
	if elapsed < -causalityBlurNsec {
		return Interval{}, shm.ErrCausalityBreach
	}
	if elapsed < 0 {
		elapsed = 0
	}

	status := snap.ClockStatus
	switch status {
	case shm.ClockStatusSynchronized, shm.ClockStatusFreeRunning:
		if unixutil.TimespecBefore(snap.VoidAfter, c0) {
			// The bound has not been refreshed in a long time; no guarantee
			// is provided anymore.
			status = shm.ClockStatusUnknown
		} else if elapsed > restartGracePeriod.Nanoseconds() {
			status = shm.ClockStatusFreeRunning
		}
	}

	eb := timemath.SaturatingAdd(snap.BoundNsec,
		timemath.DriftNsec(elapsed, snap.MaxDriftPPB))

	earliest := unixutil.TimespecAddNsec(real, -eb)
	latest := unixutil.TimespecAddNsec(real, eb)
	return Interval{
		Earliest: time.Unix(earliest.Sec, earliest.Nsec),
		Latest:   time.Unix(latest.Sec, latest.Nsec),
		Status:   status,
	}, nil
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(unix.Errno); ok {
		return errno
	}
	return unix.EIO
}
