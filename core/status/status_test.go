package status_test

import (
	"testing"

	"example.com/clock-bound/core/status"
	"example.com/clock-bound/driver/chrony"
	"example.com/clock-bound/shm"
)

func TestInitialState(t *testing.T) {
	m := status.NewFSM(true)
	if m.Status() != shm.ClockStatusUnknown {
		t.Errorf("a fresh FSM must start Unknown, got %v", m.Status())
	}
}

func TestTransitions(t *testing.T) {
	type input struct {
		daemon        chrony.Status
		disruption    status.Disruption
		updateApplied bool
	}
	cases := []struct {
		name   string
		inputs []input
		want   shm.ClockStatus
	}{
		{
			"synchronized daemon, reliable clock",
			[]input{{chrony.StatusSynchronized, status.DisruptionReliable, true}},
			shm.ClockStatusSynchronized,
		},
		{
			"free running daemon, reliable clock",
			[]input{{chrony.StatusFreeRunning, status.DisruptionReliable, false}},
			shm.ClockStatusFreeRunning,
		},
		{
			"unknown daemon",
			[]input{{chrony.StatusUnknown, status.DisruptionReliable, false}},
			shm.ClockStatusUnknown,
		},
		{
			"unknown disruption wins over synchronized daemon",
			[]input{{chrony.StatusSynchronized, status.DisruptionUnknown, true}},
			shm.ClockStatusUnknown,
		},
		{
			"disruption forces Disrupted from Synchronized",
			[]input{
				{chrony.StatusSynchronized, status.DisruptionReliable, true},
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
			},
			shm.ClockStatusDisrupted,
		},
		{
			"disruption forces Disrupted from FreeRunning",
			[]input{
				{chrony.StatusFreeRunning, status.DisruptionReliable, false},
				{chrony.StatusFreeRunning, status.DisruptionDisrupted, false},
			},
			shm.ClockStatusDisrupted,
		},
		{
			"Disrupted holds until the daemon applies an update",
			[]input{
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
				{chrony.StatusSynchronized, status.DisruptionReliable, false},
			},
			shm.ClockStatusDisrupted,
		},
		{
			"Disrupted exits to Synchronized once an update applied",
			[]input{
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
				{chrony.StatusSynchronized, status.DisruptionReliable, false},
				{chrony.StatusSynchronized, status.DisruptionReliable, true},
			},
			shm.ClockStatusSynchronized,
		},
		{
			"Disrupted exits to FreeRunning when the daemon is free running",
			[]input{
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
				{chrony.StatusFreeRunning, status.DisruptionReliable, true},
			},
			shm.ClockStatusFreeRunning,
		},
		{
			"Disrupted stays while the disruption is active",
			[]input{
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
				{chrony.StatusSynchronized, status.DisruptionDisrupted, true},
			},
			shm.ClockStatusDisrupted,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := status.NewFSM(true)
			for _, in := range c.inputs {
				m.Apply(in.daemon, in.disruption, in.updateApplied)
			}
			if got := m.Status(); got != c.want {
				t.Errorf("want %v, got %v", c.want, got)
			}
		})
	}
}

func TestDisruptedUnreachableWhenSupportDisabled(t *testing.T) {
	m := status.NewFSM(false)
	m.Apply(chrony.StatusSynchronized, status.DisruptionDisrupted, true)
	if m.Status() != shm.ClockStatusSynchronized {
		t.Errorf("Disrupted must be unreachable with support disabled, got %v", m.Status())
	}
	m.Apply(chrony.StatusFreeRunning, status.DisruptionUnknown, false)
	if m.Status() != shm.ClockStatusFreeRunning {
		t.Errorf("disruption inputs must be ignored with support disabled, got %v", m.Status())
	}
}
