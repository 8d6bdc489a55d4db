// Package chrony polls the synchronization daemon for tracking data over
// its local command socket and condenses it into the snapshot the bound
// loop consumes.
package chrony

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	fbchrony "github.com/facebook/time/ntp/chrony"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"example.com/clock-bound/driver/phc"
)

// DefaultServerAddr is the well-known path of chronyd's command socket.
const DefaultServerAddr = fbchrony.ChronySocketPath

const (
	queryTimeout  = 1 * time.Second
	queryAttempts = 2
	queryBackoff  = 100 * time.Millisecond

	// Chronyd keeps reporting a synchronized leap status long after its
	// sources stopped responding. A synchronized status older than the time
	// it takes the 8-wide sample register to drain is demoted.
	emptyRegisterWidth = 8
)

// Status is the clock status derived from the daemon's tracking data.
type Status int

const (
	StatusUnknown      Status = 0
	StatusSynchronized Status = 1
	StatusFreeRunning  Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "Unknown"
	case StatusSynchronized:
		return "Synchronized"
	case StatusFreeRunning:
		return "FreeRunning"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// StatusFromLeap maps the leap status field of the tracking report. The
// daemon signals an unsynchronized clock by setting both leap bits.
func StatusFromLeap(leap uint16) Status {
	switch {
	case leap <= 2:
		return StatusSynchronized
	case leap == 3:
		return StatusFreeRunning
	default:
		return StatusUnknown
	}
}

// Snapshot is the distilled view of one tracking poll.
type Snapshot struct {
	// AsOf is the monotonic timestamp taken just before the poll.
	AsOf unix.Timespec

	// BoundNsec is the clock error bound at the time the daemon reported
	// the tracking data, including the PHC term when applicable.
	BoundNsec int64

	// AgeNsec is the time elapsed since the daemon last applied a clock
	// update.
	AgeNsec int64

	Status Status

	// UpdateApplied reports whether the daemon applied a clock update since
	// the previous poll.
	UpdateApplied bool

	// RefID is the daemon's current reference identity.
	RefID uint32
}

// A Poller queries tracking data from the daemon's command socket. It is
// owned by the writer process and not safe for concurrent use.
type Poller struct {
	Log *zap.Logger

	client    *fbchrony.Client
	conn      net.Conn
	localPath string

	phcReader *phc.ErrorBoundReader

	lastRefTime time.Time
}

// NewPoller connects to the daemon command channel. An address containing a
// colon is dialed as UDP, anything else as a unix datagram socket path; an
// empty address selects the well-known socket path. phcReader may be nil.
func NewPoller(log *zap.Logger, address string, phcReader *phc.ErrorBoundReader) (*Poller, error) {
	if address == "" {
		address = DefaultServerAddr
	}
	p := &Poller{Log: log, phcReader: phcReader}
	if strings.Contains(address, ":") {
		conn, err := net.Dial("udp", address)
		if err != nil {
			return nil, err
		}
		p.conn = conn
	} else {
		// Chronyd only answers datagrams from sockets in its own directory
		// that unprivileged users cannot spoof.
		local := filepath.Join(filepath.Dir(address),
			fmt.Sprintf("clockbound.%d.sock", os.Getpid()))
		conn, err := net.DialUnix("unixgram",
			&net.UnixAddr{Name: local, Net: "unixgram"},
			&net.UnixAddr{Name: address, Net: "unixgram"})
		if err != nil {
			return nil, err
		}
		if err = os.Chmod(local, 0o666); err != nil {
			conn.Close()
			_ = os.Remove(local)
			return nil, err
		}
		p.conn = conn
		p.localPath = local
	}
	p.client = &fbchrony.Client{Connection: p.conn}
	return p, nil
}

// Snapshot polls the daemon once, retrying transient failures within the
// tick with a bounded backoff.
func (p *Poller) Snapshot(ctx context.Context, asOf unix.Timespec) (Snapshot, error) {
	var lastErr error
	for i := 0; i < queryAttempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return Snapshot{}, ctx.Err()
			case <-time.After(queryBackoff):
			}
		}
		deadline := time.Now().Add(queryTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return Snapshot{}, err
		}
		resp, err := p.client.Communicate(fbchrony.NewTrackingPacket())
		if err != nil {
			lastErr = err
			continue
		}
		tracking, ok := resp.(*fbchrony.ReplyTracking)
		if !ok {
			lastErr = fmt.Errorf("unexpected tracking reply type %T", resp)
			continue
		}
		snap, err := p.evaluate(trackingData{
			RefID:              tracking.RefID,
			LeapStatus:         tracking.LeapStatus,
			RefTime:            tracking.RefTime,
			CurrentCorrection:  tracking.CurrentCorrection,
			RootDelay:          tracking.RootDelay,
			RootDispersion:     tracking.RootDispersion,
			LastUpdateInterval: tracking.LastUpdateInterval,
		}, time.Now())
		if err != nil {
			lastErr = err
			continue
		}
		snap.AsOf = asOf
		return snap, nil
	}
	return Snapshot{}, lastErr
}

// Close releases the command socket.
func (p *Poller) Close() error {
	err := p.conn.Close()
	if p.localPath != "" {
		_ = os.Remove(p.localPath)
	}
	return err
}

// trackingData carries the tracking fields the snapshot derivation needs,
// decoupled from the wire types for testability.
type trackingData struct {
	RefID              uint32
	LeapStatus         uint16
	RefTime            time.Time
	CurrentCorrection  float64
	RootDelay          float64
	RootDispersion     float64
	LastUpdateInterval float64
}

func (p *Poller) evaluate(td trackingData, now time.Time) (Snapshot, error) {
	if td.RefTime.After(now) {
		return Snapshot{}, fmt.Errorf("daemon's last update %v is in the future", td.RefTime)
	}
	age := now.Sub(td.RefTime)

	// The root dispersion reported by the daemon is already at the time the
	// tracking data was retrieved, not at the time of the last clock update.
	boundSec := math.Abs(td.CurrentCorrection) + td.RootDispersion + td.RootDelay/2
	boundNsec := int64(math.Ceil(boundSec * 1e9))

	status := StatusFromLeap(td.LeapStatus)
	if status == StatusSynchronized {
		emptyRegisterTimeout := time.Duration(
			td.LastUpdateInterval * emptyRegisterWidth * float64(time.Second))
		if age > emptyRegisterTimeout {
			status = StatusFreeRunning
		}
	}

	if p.phcReader != nil && p.phcReader.RefID() == td.RefID {
		phcBound, err := p.phcReader.ReadErrorBound()
		if err != nil {
			// The PHC is the active reference; a bound without its error
			// term would be dishonest.
			return Snapshot{}, fmt.Errorf("failed to read PHC error bound: %w", err)
		}
		boundNsec += phcBound
	}

	updateApplied := td.RefTime.After(p.lastRefTime)
	p.lastRefTime = td.RefTime

	return Snapshot{
		BoundNsec:     boundNsec,
		AgeNsec:       age.Nanoseconds(),
		Status:        status,
		UpdateApplied: updateApplied,
		RefID:         td.RefID,
	}, nil
}
