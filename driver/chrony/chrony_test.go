package chrony

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"example.com/clock-bound/driver/phc"
)

func TestStatusFromLeap(t *testing.T) {
	cases := []struct {
		leap uint16
		want Status
	}{
		{0, StatusSynchronized},
		{1, StatusSynchronized},
		{2, StatusSynchronized},
		{3, StatusFreeRunning},
		{4, StatusUnknown},
		{99, StatusUnknown},
	}
	for _, c := range cases {
		if got := StatusFromLeap(c.leap); got != c.want {
			t.Errorf("leap %d must map to %v, got %v", c.leap, c.want, got)
		}
	}
}

func TestEvaluateBound(t *testing.T) {
	p := &Poller{Log: zap.NewNop()}
	now := time.Unix(1000, 0)
	snap, err := p.evaluate(trackingData{
		LeapStatus:         0,
		RefTime:            now.Add(-2 * time.Second),
		CurrentCorrection:  -0.25,
		RootDelay:          0.25,
		RootDispersion:     0.125,
		LastUpdateInterval: 16,
	}, now)
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	// |-0.25| + 0.125 + 0.25/2 = 0.5 s
	if snap.BoundNsec != 500000000 {
		t.Errorf("bound must be 500000000 ns, got %d", snap.BoundNsec)
	}
	if snap.AgeNsec != 2*1e9 {
		t.Errorf("age must be 2 s, got %d ns", snap.AgeNsec)
	}
	if snap.Status != StatusSynchronized {
		t.Errorf("status must be Synchronized, got %v", snap.Status)
	}
	if !snap.UpdateApplied {
		t.Errorf("first poll with a fresh ref time must report an update")
	}
}

func TestEvaluateEmptyRegisterDemotion(t *testing.T) {
	p := &Poller{Log: zap.NewNop()}
	now := time.Unix(1000, 0)
	// Last update 16 polling intervals ago: the 8-wide register has drained.
	snap, err := p.evaluate(trackingData{
		LeapStatus:         0,
		RefTime:            now.Add(-16 * 16 * time.Second),
		LastUpdateInterval: 16,
	}, now)
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	if snap.Status != StatusFreeRunning {
		t.Errorf("a stale synchronized status must demote to FreeRunning, got %v", snap.Status)
	}
}

func TestEvaluateRefTimeInFuture(t *testing.T) {
	p := &Poller{Log: zap.NewNop()}
	now := time.Unix(1000, 0)
	_, err := p.evaluate(trackingData{
		RefTime: now.Add(time.Minute),
	}, now)
	if err == nil {
		t.Errorf("a ref time in the future must be rejected")
	}
}

func TestEvaluateUpdateApplied(t *testing.T) {
	p := &Poller{Log: zap.NewNop()}
	now := time.Unix(1000, 0)
	refTime := now.Add(-time.Second)

	snap, err := p.evaluate(trackingData{RefTime: refTime, LeapStatus: 0, LastUpdateInterval: 16}, now)
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	if !snap.UpdateApplied {
		t.Errorf("advancing ref time must report an applied update")
	}

	snap, err = p.evaluate(trackingData{RefTime: refTime, LeapStatus: 0, LastUpdateInterval: 16}, now.Add(time.Second))
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	if snap.UpdateApplied {
		t.Errorf("an unchanged ref time must not report an applied update")
	}
}

func TestEvaluatePHCErrorBound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phc_error_bound")
	err := os.WriteFile(path, []byte("30000\n"), 0o644)
	if err != nil {
		t.Fatalf("failed to write error bound file: %v", err)
	}

	refID, err := phc.RefIDFromString("PHC0")
	if err != nil {
		t.Fatalf("failed to convert reference ID: %v", err)
	}
	p := &Poller{Log: zap.NewNop(), phcReader: phc.NewErrorBoundReader(path, refID)}
	now := time.Unix(1000, 0)

	td := trackingData{
		RefID:              refID,
		LeapStatus:         0,
		RefTime:            now.Add(-time.Second),
		RootDispersion:     0.125,
		LastUpdateInterval: 16,
	}
	snap, err := p.evaluate(td, now)
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	if snap.BoundNsec != 125000000+30000 {
		t.Errorf("bound must include the PHC term, want 125030000, got %d", snap.BoundNsec)
	}

	// A different reference identity must leave the bound untouched.
	td.RefID = 0
	snap, err = p.evaluate(td, now)
	if err != nil {
		t.Fatalf("failed to evaluate tracking: %v", err)
	}
	if snap.BoundNsec != 125000000 {
		t.Errorf("bound must not include the PHC term, want 125000000, got %d", snap.BoundNsec)
	}

	// A PHC read failure while the PHC is the active reference must fail
	// the snapshot.
	td.RefID = refID
	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove error bound file: %v", err)
	}
	_, err = p.evaluate(td, now)
	if err == nil {
		t.Errorf("an unreadable PHC error bound must fail the snapshot")
	}
}

func TestPollerAgainstChronyd(t *testing.T) {
	if os.Getenv("HAS_CHRONY") == "" {
		t.Skip("set up and start chrony to run this integration test")
	}

	p, err := NewPoller(zap.NewNop(), "", nil)
	if err != nil {
		t.Fatalf("failed to create poller: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := p.Snapshot(ctx, unix.Timespec{})
	if err != nil {
		t.Fatalf("failed to poll tracking: %v", err)
	}
	if snap.BoundNsec < 0 {
		t.Errorf("bound must be non-negative, got %d", snap.BoundNsec)
	}
}
