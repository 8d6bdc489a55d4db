package shm

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// A Writer owns the read/write mapping of a ClockBound segment. Exactly one
// Writer process exists per segment; updates go through Write, which wraps
// the payload stores in an odd/even generation transaction.
type Writer struct {
	Log *zap.Logger

	seg   segment
	gen   uint16
	wrote bool
}

// OpenWriter opens the segment file at path for publishing, creating or
// re-initializing it as needed.
//
// If the file is missing, truncated or fails validation, it is wiped: the
// header is written with version and generation 0 and the payload zeroed,
// making the segment visibly uninitialized to readers until the first Write.
// If the file already holds a valid segment, it is reused as-is so existing
// readers continue across a writer restart, and the generation sequence
// continues where the previous writer left off.
func OpenWriter(log *zap.Logger, path string) (*Writer, error) {
	if r, err := OpenReader(path); err != nil {
		log.Info("initializing fresh segment", zap.String("path", path), zap.Error(err))
		if err := wipe(path); err != nil {
			return nil, err
		}
	} else {
		_ = r.Close()
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, syscallError("open", err)
	}
	defer unix.Close(fd)

	data, err := unix.Mmap(fd, 0, SegmentSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, syscallError("mmap", err)
	}

	w := &Writer{Log: log, seg: segment{data: data}}
	_, w.gen = w.seg.loadVersionGen()
	// Define the layout. On a wiped segment this publishes the version while
	// the generation stays 0; on a reused segment it overwrites the same
	// value and readers are none the wiser.
	w.seg.storeVersionGen(Version, w.gen)
	return w, nil
}

// wipe initializes the file backing the segment: magic and size are valid,
// version and generation are 0, the payload is zeroed.
func wipe(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf [SegmentSize]byte
	binary.NativeEndian.PutUint64(buf[offMagic:], Magic)
	binary.NativeEndian.PutUint32(buf[offSegsize:], SegmentSize)

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return syscallError("open", err)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return syscallError("write", err)
	}
	if err := unix.Fdatasync(fd); err != nil {
		return syscallError("fdatasync", err)
	}
	return nil
}

// Write publishes a new snapshot.
//
// The generation counter is moved to an odd value before the payload stores
// and to the next even value after, skipping 0 on rollover so readers never
// mistake a wrapped counter for an uninitialized segment.
func (w *Writer) Write(snap *Snapshot) {
	g := w.gen
	if g&1 == 0 {
		g++
	} else if w.wrote {
		// The single writer observing its own generation odd after a
		// completed transaction means the update discipline is broken.
		panic("shm: update already in progress")
	}
	w.seg.storeVersionGen(Version, g)

	var buf [payloadLen]byte
	encodeSnapshot(buf[:], snap)
	copy(w.seg.data[payloadOff:payloadEnd], buf[:])

	g++
	if g == 0 {
		g = 2
	}
	w.seg.storeVersionGen(Version, g)
	w.gen = g
	w.wrote = true
}

// Generation returns the generation counter after the last completed Write.
func (w *Writer) Generation() uint16 {
	return w.gen
}

// Close unmaps the segment. The backing file is left in place so readers
// survive a writer restart.
func (w *Writer) Close() error {
	if err := w.seg.unmap(); err != nil {
		return syscallError("munmap", err)
	}
	return nil
}
