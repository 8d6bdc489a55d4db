// Package benchmark measures the latency of the reader hot path against a
// live ClockBound segment.
package benchmark

import (
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/mmcloughlin/profile"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"example.com/clock-bound/base/unixutil"
	"example.com/clock-bound/core/client"
)

const (
	numClientGoroutine  = 4
	numRequestPerClient = 1_000_000
)

// RunBenchmark hammers the segment at path with concurrent readers and logs
// a latency histogram of the Now call. With profileCPU set, a CPU profile
// is written to the working directory.
func RunBenchmark(log *zap.Logger, path string, profileCPU bool) {
	if profileCPU {
		defer profile.Start(profile.CPUProfile).Stop()
	}

	sg := make(chan struct{})
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numClientGoroutine)
	for i := numClientGoroutine; i > 0; i-- {
		go func() {
			defer wg.Done()
			hg := hdrhistogram.New(1, 50_000_000, 5)

			cb, err := client.New(path)
			if err != nil {
				log.Error("failed to open segment", zap.Error(err))
				return
			}
			defer cb.Close()

			<-sg
			for j := numRequestPerClient; j > 0; j-- {
				t0, err := unixutil.ClockGettime(unix.CLOCK_MONOTONIC)
				if err != nil {
					log.Error("clock_gettime failed", zap.Error(err))
					return
				}
				_, err = cb.Now()
				if err != nil {
					log.Error("failed to read interval", zap.Error(err))
					return
				}
				t1, err := unixutil.ClockGettime(unix.CLOCK_MONOTONIC)
				if err != nil {
					log.Error("clock_gettime failed", zap.Error(err))
					return
				}
				err = hg.RecordValue(unixutil.TimespecNsecBetween(t0, t1))
				if err != nil {
					log.Error("failed to record latency", zap.Error(err))
					return
				}
			}

			mu.Lock()
			defer mu.Unlock()
			log.Info("benchmark results",
				zap.Int64("count", hg.TotalCount()),
				zap.Float64("mean (ns)", hg.Mean()),
				zap.Int64("p50 (ns)", hg.ValueAtQuantile(50)),
				zap.Int64("p99 (ns)", hg.ValueAtQuantile(99)),
				zap.Int64("p99.9 (ns)", hg.ValueAtQuantile(99.9)),
				zap.Int64("max (ns)", hg.Max()),
			)
		}()
	}
	close(sg)
	wg.Wait()
}
