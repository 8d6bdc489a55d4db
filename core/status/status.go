// Package status implements the finite state machine that drives the clock
// status published in the ClockBound segment.
package status

import (
	"example.com/clock-bound/driver/chrony"
	"example.com/clock-bound/shm"
)

// Disruption is the per-tick disruption input, derived from the VMClock
// surface and the operator's forced-disruption flag.
type Disruption int

const (
	// DisruptionUnknown means the disruption state could not be assessed,
	// e.g. the VMClock status is still Unknown or Initializing on the first
	// observation.
	DisruptionUnknown Disruption = iota

	// DisruptionReliable means the underlying clock has not been disrupted
	// since the last tick.
	DisruptionReliable

	// DisruptionDisrupted means a disruption was detected: the VMClock
	// marker changed, the VMClock status signals an unreliable clock, or
	// the operator forced the state.
	DisruptionDisrupted
)

func (d Disruption) String() string {
	switch d {
	case DisruptionUnknown:
		return "Unknown"
	case DisruptionReliable:
		return "Reliable"
	case DisruptionDisrupted:
		return "Disrupted"
	default:
		return "Disruption(?)"
	}
}

// FSM tracks the published clock status across refresh ticks.
//
// When clock disruption support is disabled the Disrupted state is
// unreachable and the machine collapses to {Unknown, Synchronized,
// FreeRunning}.
type FSM struct {
	supportEnabled bool
	state          shm.ClockStatus
}

// NewFSM returns a machine in the Unknown state.
func NewFSM(supportEnabled bool) *FSM {
	return &FSM{
		supportEnabled: supportEnabled,
		state:          shm.ClockStatusUnknown,
	}
}

// Status returns the current state, the clock status to publish.
func (m *FSM) Status() shm.ClockStatus {
	return m.state
}

// Apply feeds one tick's inputs to the machine and returns the new state.
//
// A detected disruption wins over everything. Leaving Disrupted requires the
// disruption condition to have cleared and the synchronization daemon to
// have applied at least one clock update since; the state then follows the
// daemon status directly.
func (m *FSM) Apply(daemon chrony.Status, disruption Disruption, updateApplied bool) shm.ClockStatus {
	if !m.supportEnabled {
		disruption = DisruptionReliable
	}

	if disruption == DisruptionDisrupted {
		m.state = shm.ClockStatusDisrupted
		return m.state
	}

	if m.state == shm.ClockStatusDisrupted && !updateApplied {
		return m.state
	}

	switch {
	case disruption == DisruptionUnknown:
		m.state = shm.ClockStatusUnknown
	case daemon == chrony.StatusSynchronized:
		m.state = shm.ClockStatusSynchronized
	case daemon == chrony.StatusFreeRunning:
		m.state = shm.ClockStatusFreeRunning
	default:
		m.state = shm.ClockStatusUnknown
	}
	return m.state
}
