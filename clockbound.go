// ClockBound service

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"golang.org/x/sys/unix"

	"example.com/clock-bound/benchmark"
	"example.com/clock-bound/core/client"
	"example.com/clock-bound/core/sync"
	"example.com/clock-bound/driver/chrony"
	"example.com/clock-bound/driver/phc"
	"example.com/clock-bound/shm"
	"example.com/clock-bound/vmclock"
)

const defaultSegmentPath = "/var/run/clockbound/shm0"

type svcConfig struct {
	SegmentPath                   string   `toml:"shm_path,omitempty"`
	VMClockPath                   string   `toml:"vmclock_path,omitempty"`
	ChronyAddr                    string   `toml:"chrony_address,omitempty"`
	MetricsAddr                   string   `toml:"metrics_address,omitempty"`
	RefreshIntervalSec            float64  `toml:"refresh_interval,omitempty"`
	MaxDriftRatePPB               uint32   `toml:"max_drift_rate,omitempty"`
	DisableClockDisruptionSupport bool     `toml:"disable_clock_disruption_support,omitempty"`
	PHCRefID                      string   `toml:"phc_ref_id,omitempty"`
	PHCInterface                  string   `toml:"phc_interface,omitempty"`
	VMClockDisruptionStatuses     []string `toml:"vmclock_disruption_statuses,omitempty"`
}

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) svcConfig {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	var cfg svcConfig
	err = toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		log.Fatal("failed to decode configuration", zap.Error(err))
	}
	return cfg
}

func disruptionStatuses(cfg svcConfig) []vmclock.Status {
	var statuses []vmclock.Status
	for _, s := range cfg.VMClockDisruptionStatuses {
		status, err := vmclock.ParseStatus(s)
		if err != nil {
			log.Fatal("failed to parse configuration", zap.Error(err))
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func newPHCErrorBoundReader(refID, iface string) *phc.ErrorBoundReader {
	id, err := phc.RefIDFromString(refID)
	if err != nil {
		log.Fatal("failed to parse PHC reference ID", zap.Error(err))
	}
	path, err := phc.ErrorBoundSysfsPath(iface)
	if err != nil {
		log.Fatal("failed to locate PHC error bound", zap.Error(err))
	}
	log.Info("using PHC error bound",
		zap.String("refID", refID), zap.String("path", path))
	return phc.NewErrorBoundReader(path, id)
}

func runDaemon(cfg svcConfig) {
	if cfg.SegmentPath == "" {
		cfg.SegmentPath = defaultSegmentPath
	}
	if cfg.VMClockPath == "" {
		cfg.VMClockPath = vmclock.DefaultPath
	}
	if cfg.MaxDriftRatePPB == 0 {
		cfg.MaxDriftRatePPB = 1
	}
	refreshInterval := sync.DefaultRefreshInterval
	if cfg.RefreshIntervalSec > 0 {
		refreshInterval = time.Duration(cfg.RefreshIntervalSec * float64(time.Second))
	}
	if (cfg.PHCRefID == "") != (cfg.PHCInterface == "") {
		log.Fatal("PHC reference ID and PHC interface must be provided together")
	}

	log.Info("clockbound daemon is starting",
		zap.String("segmentPath", cfg.SegmentPath),
		zap.Uint32("maxDriftRatePPB", cfg.MaxDriftRatePPB),
		zap.Bool("clockDisruptionSupport", !cfg.DisableClockDisruptionSupport),
	)

	var phcReader *phc.ErrorBoundReader
	if cfg.PHCRefID != "" {
		phcReader = newPHCErrorBoundReader(cfg.PHCRefID, cfg.PHCInterface)
	}

	poller, err := chrony.NewPoller(log, cfg.ChronyAddr, phcReader)
	if err != nil {
		log.Fatal("failed to connect to the synchronization daemon", zap.Error(err))
	}
	defer poller.Close()

	var vmc sync.VMClockReader
	if !cfg.DisableClockDisruptionSupport {
		r, err := vmclock.Open(cfg.VMClockPath)
		if err != nil {
			log.Fatal("failed to open VMClock surface; pass "+
				"--disable-clock-disruption-support to run without one",
				zap.String("path", cfg.VMClockPath), zap.Error(err))
		}
		defer r.Close()
		vmc = r
	}

	writer, err := shm.OpenWriter(log, cfg.SegmentPath)
	if err != nil {
		log.Fatal("failed to open segment", zap.Error(err))
	}
	defer writer.Close()

	if cfg.MetricsAddr != "" {
		go runMonitor(log, cfg.MetricsAddr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	force := make(chan os.Signal, 1)
	signal.Notify(force, unix.SIGUSR1, unix.SIGUSR2)
	go func() {
		for sig := range force {
			switch sig {
			case unix.SIGUSR1:
				log.Info("received signal, forcing disruption on")
				sync.SetForcedDisruption(true)
			case unix.SIGUSR2:
				log.Info("received signal, forcing disruption off")
				sync.SetForcedDisruption(false)
			}
		}
	}()

	runner := sync.NewRunner(log, sync.Options{
		RefreshInterval:          refreshInterval,
		MaxDriftPPB:              cfg.MaxDriftRatePPB,
		DisruptionSupportEnabled: !cfg.DisableClockDisruptionSupport,
		DisruptionStatuses:       disruptionStatuses(cfg),
	}, writer, poller, vmc)
	runner.Run(ctx)

	log.Info("clockbound daemon is stopping")
}

func runNow(path string) {
	c, err := client.New(path)
	if err != nil {
		log.Fatal("failed to open segment", zap.Error(err))
	}
	defer c.Close()

	iv, err := c.Now()
	if err != nil {
		log.Fatal("failed to read clock error bound", zap.Error(err))
	}
	fmt.Printf("earliest: %s\n", iv.Earliest.UTC().Format(time.RFC3339Nano))
	fmt.Printf("latest:   %s\n", iv.Latest.UTC().Format(time.RFC3339Nano))
	fmt.Printf("range:    %s\n", iv.Latest.Sub(iv.Earliest))
	fmt.Printf("status:   %s\n", iv.Status)
}

func exitWithUsage() {
	fmt.Println("usage:")
	fmt.Println("  clockbound daemon " +
		"[-verbose] [-config <file>] [-max-drift-rate <ppb>] " +
		"[-disable-clock-disruption-support] [-r <refid> -i <interface>]")
	fmt.Println("  clockbound now [-shm <path>]")
	fmt.Println("  clockbound benchmark [-shm <path>] [-profile]")
	os.Exit(1)
}

func main() {
	var (
		verbose        bool
		configFile     string
		segmentPath    string
		maxDriftRate   uint
		disableVMClock bool
		phcRefID       string
		phcInterface   string
		profileCPU     bool
	)

	daemonFlags := flag.NewFlagSet("daemon", flag.ExitOnError)
	nowFlags := flag.NewFlagSet("now", flag.ExitOnError)
	benchmarkFlags := flag.NewFlagSet("benchmark", flag.ExitOnError)

	daemonFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	daemonFlags.StringVar(&configFile, "config", "", "Config file")
	daemonFlags.UintVar(&maxDriftRate, "max-drift-rate", 1,
		"Maximum drift rate of the clock in PPB; "+
			"the daemon's maxclockerror should be set to match")
	daemonFlags.BoolVar(&disableVMClock, "disable-clock-disruption-support", false,
		"Run without a VMClock surface; the Disrupted status becomes unreachable")
	daemonFlags.StringVar(&phcRefID, "phc-ref-id", "",
		"PHC reference ID in the synchronization daemon (e.g. PHC0)")
	daemonFlags.StringVar(&phcRefID, "r", "", "Shorthand for -phc-ref-id")
	daemonFlags.StringVar(&phcInterface, "phc-interface", "",
		"Network interface the PHC exists on (e.g. eth0)")
	daemonFlags.StringVar(&phcInterface, "i", "", "Shorthand for -phc-interface")

	nowFlags.StringVar(&segmentPath, "shm", defaultSegmentPath, "Segment path")

	benchmarkFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchmarkFlags.StringVar(&segmentPath, "shm", defaultSegmentPath, "Segment path")
	benchmarkFlags.BoolVar(&profileCPU, "profile", false, "Write a CPU profile")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case daemonFlags.Name():
		err := daemonFlags.Parse(os.Args[2:])
		if err != nil || daemonFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		var cfg svcConfig
		if configFile != "" {
			cfg = loadConfig(configFile)
		}
		daemonFlags.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "max-drift-rate":
				cfg.MaxDriftRatePPB = uint32(maxDriftRate)
			case "disable-clock-disruption-support":
				cfg.DisableClockDisruptionSupport = disableVMClock
			case "phc-ref-id", "r":
				cfg.PHCRefID = phcRefID
			case "phc-interface", "i":
				cfg.PHCInterface = phcInterface
			}
		})
		runDaemon(cfg)
	case nowFlags.Name():
		err := nowFlags.Parse(os.Args[2:])
		if err != nil || nowFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(false)
		runNow(segmentPath)
	case benchmarkFlags.Name():
		err := benchmarkFlags.Parse(os.Args[2:])
		if err != nil || benchmarkFlags.NArg() != 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		benchmark.RunBenchmark(log, segmentPath, profileCPU)
	default:
		exitWithUsage()
	}
}
