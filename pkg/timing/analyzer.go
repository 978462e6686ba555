// Package timing implements the execution-timing analyzer. Absolute
// timings are unreliable across devices; the portable signal is the
// relative variance of a constant workload, which rises under
// single-stepping or instrumentation overhead.
package timing

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const anomalyWeight = 2

// Config for the timing analyzer.
type Config struct {
	// WindowSize is the number of samples kept in the circular buffer.
	WindowSize int

	// AnalyzeCooldown bounds how often the buffer statistics are computed.
	AnalyzeCooldown time.Duration

	// VarianceRatio flags an anomaly when stddev > VarianceRatio * mean.
	VarianceRatio float64

	// Workload iteration count for the constant CPU-bound filler.
	WorkloadIterations int
}

// Analyzer records execution-time samples of a constant workload in a
// circular buffer and flags abnormal variance.
type Analyzer struct {
	cfg Config
	log *logrus.Logger

	mu          sync.Mutex
	samples     []float64
	next        int
	lastAnalyze time.Time

	// sink prevents the compiler from discarding the workload.
	sink uint64
}

// New creates an analyzer. The buffer is seeded with small random baseline
// values so the first analysis is not biased by all-zero data.
func New(cfg Config, log *logrus.Logger) *Analyzer {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.WorkloadIterations <= 0 {
		cfg.WorkloadIterations = 100000
	}
	if cfg.VarianceRatio <= 0 {
		cfg.VarianceRatio = 0.5
	}

	a := &Analyzer{cfg: cfg, log: log, samples: make([]float64, cfg.WindowSize)}
	for i := range a.samples {
		a.samples[i] = 1 + rand.Float64()
	}
	return a
}

// Sample executes the workload once, records the elapsed time, and — no
// more often than the cooldown allows — analyzes the window. Returns a
// finding when variance is anomalous.
func (a *Analyzer) Sample(ctx context.Context) []types.Finding {
	// Short random pause creates natural jitter between samples.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(time.Duration(2+rand.Intn(9)) * time.Millisecond):
	}

	start := time.Now()
	a.workload()
	elapsed := float64(time.Since(start).Nanoseconds())

	a.mu.Lock()
	a.samples[a.next] = elapsed
	a.next = (a.next + 1) % len(a.samples)

	if time.Since(a.lastAnalyze) < a.cfg.AnalyzeCooldown {
		a.mu.Unlock()
		return nil
	}
	a.lastAnalyze = time.Now()
	window := make([]float64, len(a.samples))
	copy(window, a.samples)
	a.mu.Unlock()

	anomalous, mean, stddev := Analyze(window, a.cfg.VarianceRatio)
	if !anomalous {
		return nil
	}
	a.log.WithFields(logrus.Fields{
		"mean_ns":   mean,
		"stddev_ns": stddev,
	}).Warn("Timing variance anomaly")
	return []types.Finding{{
		ProbeID: "timing",
		Weight:  anomalyWeight,
		Detail:  "execution timing variance exceeds threshold",
	}}
}

// Analyze computes mean and standard deviation of the window and reports
// whether stddev exceeds ratio times the mean. A zero-variance window is
// never anomalous.
func Analyze(window []float64, ratio float64) (anomalous bool, mean, stddev float64) {
	if len(window) == 0 {
		return false, 0, 0
	}
	for _, v := range window {
		mean += v
	}
	mean /= float64(len(window))

	var variance float64
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(window))
	stddev = math.Sqrt(variance)

	return mean > 0 && stddev > ratio*mean, mean, stddev
}

// workload is the deterministic CPU-bound filler with a constant iteration
// count.
func (a *Analyzer) workload() {
	var acc uint64 = 0x9e3779b97f4a7c15
	for i := 0; i < a.cfg.WorkloadIterations; i++ {
		acc ^= acc << 13
		acc ^= acc >> 7
		acc ^= acc << 17
	}
	a.mu.Lock()
	a.sink = acc
	a.mu.Unlock()
}
