package vmclock_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"example.com/clock-bound/shm"
	"example.com/clock-bound/vmclock"
)

const vmclockFileSize = 104

func writeVMClockFile(t *testing.T, path string, magic uint32, size uint32,
	version uint16, seqCount uint32, marker uint64, status vmclock.Status) {
	t.Helper()
	buf := make([]byte, vmclockFileSize)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[4:], size)
	binary.LittleEndian.PutUint16(buf[8:], version)
	binary.LittleEndian.PutUint32(buf[12:], seqCount)
	binary.LittleEndian.PutUint64(buf[16:], marker)
	buf[34] = byte(status)
	err := os.WriteFile(path, buf, 0o644)
	if err != nil {
		t.Fatalf("failed to write vmclock file: %v", err)
	}
}

func vmclockPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "vmclock0")
}

func TestRead(t *testing.T) {
	path := vmclockPath(t)
	writeVMClockFile(t, path, vmclock.Magic, vmclockFileSize, 1, 8, 7, vmclock.StatusSynchronized)

	r, err := vmclock.Open(path)
	if err != nil {
		t.Fatalf("failed to open vmclock: %v", err)
	}
	defer r.Close()

	marker, status, err := r.Read()
	if err != nil {
		t.Fatalf("failed to read vmclock: %v", err)
	}
	if marker != 7 {
		t.Errorf("disruption marker must be 7, got %d", marker)
	}
	if status != vmclock.StatusSynchronized {
		t.Errorf("status must be Synchronized, got %v", status)
	}
}

func TestOpenValidation(t *testing.T) {
	cases := []struct {
		name    string
		magic   uint32
		size    uint32
		version uint16
		want    error
	}{
		{"bad magic", 0xdeadbeef, vmclockFileSize, 1, shm.ErrSegmentMalformed},
		{"bad size", vmclock.Magic, 4, 1, shm.ErrSegmentMalformed},
		{"zero version", vmclock.Magic, vmclockFileSize, 0, shm.ErrSegmentNotInitialized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := vmclockPath(t)
			writeVMClockFile(t, path, c.magic, c.size, c.version, 0, 0, vmclock.StatusUnknown)
			_, err := vmclock.Open(path)
			if err != c.want {
				t.Errorf("want %v, got %v", c.want, err)
			}
		})
	}
}

func TestReadFailsWhileUpdateInProgress(t *testing.T) {
	path := vmclockPath(t)
	// Odd seq_count that never settles.
	writeVMClockFile(t, path, vmclock.Magic, vmclockFileSize, 1, 9, 7, vmclock.StatusSynchronized)

	r, err := vmclock.Open(path)
	if err != nil {
		t.Fatalf("failed to open vmclock: %v", err)
	}
	defer r.Close()

	_, _, err = r.Read()
	if err != shm.ErrSegmentMalformed {
		t.Errorf("want ErrSegmentMalformed, got %v", err)
	}
}

func TestParseStatus(t *testing.T) {
	for name, want := range map[string]vmclock.Status{
		"Unknown":      vmclock.StatusUnknown,
		"Initializing": vmclock.StatusInitializing,
		"Synchronized": vmclock.StatusSynchronized,
		"FreeRunning":  vmclock.StatusFreeRunning,
		"Unreliable":   vmclock.StatusUnreliable,
	} {
		got, err := vmclock.ParseStatus(name)
		if err != nil {
			t.Errorf("failed to parse %q: %v", name, err)
		}
		if got != want {
			t.Errorf("%q must parse to %v, got %v", name, want, got)
		}
	}
	if _, err := vmclock.ParseStatus("Bogus"); err == nil {
		t.Errorf("parsing an unknown status must fail")
	}
}
