// Package sync implements the ClockBound refresh loop: each tick it polls
// the synchronization daemon, consults the VMClock surface for disruptions,
// runs the clock status FSM and publishes a fresh error bound through the
// shared memory writer.
package sync

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"example.com/clock-bound/base/metrics"
	"example.com/clock-bound/base/timemath"
	"example.com/clock-bound/base/unixutil"
	"example.com/clock-bound/core/status"
	"example.com/clock-bound/driver/chrony"
	"example.com/clock-bound/shm"
	"example.com/clock-bound/vmclock"
)

const (
	// DefaultRefreshInterval is the default period of the bound loop.
	DefaultRefreshInterval = 1 * time.Second

	// A published bound is stale after this many missed refresh ticks.
	voidAfterFactor = 3

	// The synchronization daemon may be restarted from time to time, which
	// does not by itself invalidate the clock error. Within this period a
	// missing tracking snapshot degrades the status to FreeRunning only;
	// beyond it, to Unknown.
	restartGracePeriod = 5 * time.Second
)

// forcedDisruption is the operator-controlled flag consulted by the loop,
// set and cleared asynchronously from the signal handler.
var forcedDisruption atomic.Bool

// SetForcedDisruption sets or clears the forced-disruption flag.
func SetForcedDisruption(on bool) {
	forcedDisruption.Store(on)
}

// ForcedDisruption reports the current state of the forced-disruption flag.
func ForcedDisruption() bool {
	return forcedDisruption.Load()
}

// TrackingPoller supplies tracking snapshots from the synchronization
// daemon.
type TrackingPoller interface {
	Snapshot(ctx context.Context, asOf unix.Timespec) (chrony.Snapshot, error)
}

// VMClockReader supplies the disruption marker and clock status of the
// VMClock surface.
type VMClockReader interface {
	Read() (uint64, vmclock.Status, error)
}

// Options configures the refresh loop.
type Options struct {
	RefreshInterval time.Duration

	// MaxDriftPPB is the assumed maximum drift rate of the realtime clock
	// between daemon updates, in parts per billion.
	MaxDriftPPB uint32

	DisruptionSupportEnabled bool

	// DisruptionStatuses is the set of VMClock statuses treated as a
	// disruption. Defaults to {Unreliable}.
	DisruptionStatuses []vmclock.Status
}

type runnerMetrics struct {
	ticks            prometheus.Counter
	bound            prometheus.Gauge
	clockStatus      prometheus.Gauge
	generation       prometheus.Gauge
	chronyPollErrors prometheus.Counter
	vmclockErrors    prometheus.Counter
	disruptions      prometheus.Counter
}

// A Runner owns all writer-side state of the bound loop.
type Runner struct {
	log    *zap.Logger
	opts   Options
	writer *shm.Writer
	poller TrackingPoller
	vmc    VMClockReader
	fsm    *status.FSM

	boundNsec int64
	marker    uint64
	asOf      unix.Timespec

	haveGoodPoll bool
	lastGoodPoll unix.Timespec

	vmcObserved bool

	m *runnerMetrics
}

// NewRunner wires a refresh loop. vmc must be nil exactly when disruption
// support is disabled.
func NewRunner(log *zap.Logger, opts Options, writer *shm.Writer,
	poller TrackingPoller, vmc VMClockReader) *Runner {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.DisruptionSupportEnabled != (vmc != nil) {
		panic("VMClock reader must be present iff disruption support is enabled")
	}
	if len(opts.DisruptionStatuses) == 0 {
		opts.DisruptionStatuses = []vmclock.Status{vmclock.StatusUnreliable}
	}
	return &Runner{
		log:    log,
		opts:   opts,
		writer: writer,
		poller: poller,
		vmc:    vmc,
		fsm:    status.NewFSM(opts.DisruptionSupportEnabled),
	}
}

// Run executes the refresh loop until ctx is cancelled. If a tick overruns
// the refresh interval, the next one starts immediately.
func (r *Runner) Run(ctx context.Context) {
	r.m = &runnerMetrics{
		ticks: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncTicksN,
			Help: metrics.SyncTicksH,
		}),
		bound: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncBoundN,
			Help: metrics.SyncBoundH,
		}),
		clockStatus: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncClockStatusN,
			Help: metrics.SyncClockStatusH,
		}),
		generation: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.SyncGenerationN,
			Help: metrics.SyncGenerationH,
		}),
		chronyPollErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncChronyPollErrorsN,
			Help: metrics.SyncChronyPollErrorsH,
		}),
		vmclockErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncVMClockReadErrorsN,
			Help: metrics.SyncVMClockReadErrorsH,
		}),
		disruptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncDisruptionsN,
			Help: metrics.SyncDisruptionsH,
		}),
	}
	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one refresh: read the coarse monotonic clock, assess
// disruption, poll tracking, run the FSM and publish.
func (r *Runner) tick(ctx context.Context) {
	now, err := unixutil.ClockGettime(unix.CLOCK_MONOTONIC_COARSE)
	if err != nil {
		r.log.Error("clock_gettime failed", zap.Error(err))
		return
	}

	disruption := r.assessDisruption()

	daemonStatus, updateApplied := r.pollTracking(ctx, now)

	clockStatus := r.fsm.Apply(daemonStatus, disruption, updateApplied)

	// The bound loses meaning when the arithmetic saturates; make that
	// explicit in the published status.
	if r.boundNsec == math.MaxInt64 {
		clockStatus = shm.ClockStatusUnknown
	}

	voidAfter := voidAfterFactor * r.opts.RefreshInterval
	if voidAfter < restartGracePeriod {
		voidAfter = restartGracePeriod
	}
	snap := shm.Snapshot{
		AsOf:                          now,
		VoidAfter:                     unixutil.TimespecAddNsec(now, voidAfter.Nanoseconds()),
		BoundNsec:                     r.boundNsec,
		DisruptionMarker:              r.marker,
		MaxDriftPPB:                   r.opts.MaxDriftPPB,
		ClockStatus:                   clockStatus,
		ClockDisruptionSupportEnabled: r.opts.DisruptionSupportEnabled,
	}
	r.asOf = now
	r.writer.Write(&snap)

	if r.m != nil {
		r.m.ticks.Inc()
		r.m.bound.Set(float64(snap.BoundNsec))
		r.m.clockStatus.Set(float64(snap.ClockStatus))
		r.m.generation.Set(float64(r.writer.Generation()))
	}
	r.log.Debug("published clock error bound",
		zap.Int64("boundNsec", snap.BoundNsec),
		zap.Stringer("clockStatus", snap.ClockStatus),
		zap.Uint64("disruptionMarker", snap.DisruptionMarker),
		zap.Uint16("generation", r.writer.Generation()),
	)
}

// assessDisruption derives this tick's disruption input from the operator
// flag and the VMClock surface.
func (r *Runner) assessDisruption() status.Disruption {
	if !r.opts.DisruptionSupportEnabled {
		return status.DisruptionReliable
	}
	if ForcedDisruption() {
		r.log.Info("operator forced disruption is in effect")
		return status.DisruptionDisrupted
	}

	marker, vmcStatus, err := r.vmc.Read()
	if err != nil {
		// Fail safe: an unreadable VMClock after startup means the
		// disruption marker can no longer be trusted.
		r.log.Error("failed to read VMClock surface", zap.Error(err))
		if r.m != nil {
			r.m.vmclockErrors.Inc()
		}
		return status.DisruptionDisrupted
	}

	if marker != r.marker {
		r.log.Info("VMClock disruption marker changed",
			zap.Uint64("previous", r.marker), zap.Uint64("current", marker))
		r.marker = marker
		if r.m != nil {
			r.m.disruptions.Inc()
		}
		return status.DisruptionDisrupted
	}
	for _, s := range r.opts.DisruptionStatuses {
		if vmcStatus == s {
			r.log.Warn("VMClock clock status signals disruption",
				zap.Stringer("vmclockStatus", vmcStatus))
			if r.m != nil {
				r.m.disruptions.Inc()
			}
			return status.DisruptionDisrupted
		}
	}
	if !r.vmcObserved {
		r.vmcObserved = true
		if vmcStatus == vmclock.StatusUnknown || vmcStatus == vmclock.StatusInitializing {
			return status.DisruptionUnknown
		}
	}
	return status.DisruptionReliable
}

// pollTracking queries the daemon and folds the result into the bound
// state. On a successful synchronized poll the bound is recomputed from the
// tracking data; otherwise it keeps growing at the maximum drift rate so
// the published value stays pessimistic but correct.
func (r *Runner) pollTracking(ctx context.Context, now unix.Timespec) (
	daemonStatus chrony.Status, updateApplied bool) {

	snap, err := r.poller.Snapshot(ctx, now)
	if err != nil {
		r.log.Error("failed to poll tracking data", zap.Error(err))
		if r.m != nil {
			r.m.chronyPollErrors.Inc()
		}
		r.growBound(now)
		if r.haveGoodPoll &&
			unixutil.TimespecNsecBetween(r.lastGoodPoll, now) < restartGracePeriod.Nanoseconds() {
			return chrony.StatusFreeRunning, false
		}
		return chrony.StatusUnknown, false
	}

	r.haveGoodPoll = true
	r.lastGoodPoll = now
	if snap.Status == chrony.StatusSynchronized {
		// bound_ns = |offset| + dispersion + delay/2 (+ PHC), plus the
		// drift accrued since the daemon last applied an update.
		bound := timemath.SaturatingAdd(snap.BoundNsec,
			timemath.DriftNsec(snap.AgeNsec, r.opts.MaxDriftPPB))
		if bound < 0 {
			bound = 0
		}
		r.boundNsec = bound
	} else {
		r.growBound(now)
	}
	return snap.Status, snap.UpdateApplied
}

// growBound inflates the held bound by the drift accrued since the last
// publication.
func (r *Runner) growBound(now unix.Timespec) {
	if r.asOf == (unix.Timespec{}) {
		return
	}
	elapsed := unixutil.TimespecNsecBetween(r.asOf, now)
	if elapsed <= 0 {
		return
	}
	r.boundNsec = timemath.SaturatingAdd(r.boundNsec,
		timemath.DriftNsec(elapsed, r.opts.MaxDriftPPB))
}
