// Package sensor wires the probes, timing analyzer, threat scorer, and
// protection-level state machine into one engine behind a small facade.
// Collaborators only see the facade: coarse verdicts and level controls.
package sensor

import (
	"context"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/config"
	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/integrity"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/probes"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/protection"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/scheduler"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/scoring"
	"github.com/invisible-tech/runtime-threat-sensor/pkg/timing"
)

const (
	probeTimeout = 2 * time.Second
	stopWait     = 5 * time.Second

	integrityWeight = 3
)

// Sensor is the threat assessment and adaptive protection engine.
type Sensor struct {
	cfg config.SensorConfig
	log *logrus.Logger

	scorer   *scoring.Scorer
	machine  *protection.Machine
	sched    *scheduler.Scheduler
	checker  *integrity.Checker
	analyzer *timing.Analyzer
	metrics  *Metrics

	debugger *probes.DebuggerProbe
	emulator *probes.EmulatorProbe
	root     *probes.RootProbe
	hooks    *probes.HookProbe
	instr    *probes.InstrumentationProbe
	tooling  *probes.ToolingProbe

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	fallback   *time.Timer
	fallbackTo int
	terminated bool

	pendingMu sync.Mutex
	pending   []types.Finding

	signatures map[string]*types.ThreatSignature

	// terminate is the fail-closed exit, overridable in tests.
	terminate func()
}

// New creates a sensor from configuration. Invalid configuration is
// rejected here; nothing is started.
func New(cfg config.SensorConfig, log *logrus.Logger) (*Sensor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sensor{
		cfg:        cfg,
		log:        log,
		metrics:    newMetrics(),
		signatures: make(map[string]*types.ThreatSignature),
		terminate:  func() { os.Exit(1) },
	}
	for _, sig := range types.BuiltinSignatures() {
		s.signatures[sig.ID] = sig
	}

	s.scorer = scoring.New(scoring.Config{
		MaxLevel:         cfg.MaxThreatLevel,
		HostileThreshold: cfg.HostileThreshold,
	}, log)

	s.debugger = probes.NewDebuggerProbe(cfg.ProcRoot)
	s.emulator = probes.NewEmulatorProbe(cfg.ProcRoot, cfg.SysRoot, cfg.EmulatorScoreMin)
	s.root = probes.NewRootProbe("")
	s.hooks = probes.NewHookProbe("", cfg.ProcRoot)
	s.instr = probes.NewInstrumentationProbe(cfg.ProcRoot)
	s.tooling = probes.NewToolingProbe(cfg.ProcRoot, cfg.DangerousPrefixes)

	s.analyzer = timing.New(timing.Config{
		WindowSize:      cfg.TimingWindowSize,
		AnalyzeCooldown: cfg.TimingAnalyzeCooldown,
		VarianceRatio:   cfg.TimingVarianceRatio,
	}, log)

	var err error
	s.checker, err = integrity.New(cfg.ProtectedPaths, log)
	if err != nil {
		return nil, err
	}

	techniques := []protection.Technique{
		&gateTechnique{name: protection.TechSignatureCheck},
		&gateTechnique{name: protection.TechDebugFlagCheck},
		&gateTechnique{name: protection.TechEmulatorCheck},
		&gateTechnique{name: protection.TechDebugMonitor},
		&gateTechnique{name: protection.TechMemoryMapScan},
		&gateTechnique{name: protection.TechHookDetection},
		&gateTechnique{name: protection.TechTimingAnalysis},
		&gateTechnique{name: protection.TechInstrumentation},
		&gateTechnique{name: protection.TechToolingScan},
		&loopTechnique{name: protection.TechIntegrityWatch, run: s.checker.Watch},
		&loopTechnique{name: protection.TechContinuousMonitor, run: s.continuousMonitor},
	}

	store := protection.Store(nil)
	if cfg.StateFile != "" {
		store = protection.NewFileStore(cfg.StateFile)
	}
	s.machine, err = protection.NewMachine(cfg.ProtectionLevel, techniques, store, log)
	if err != nil {
		return nil, err
	}

	s.sched = scheduler.New(2, log)
	s.metrics.protectionLevel.Set(float64(s.machine.Level()))
	return s, nil
}

// Start launches the background jobs and activates the current protection
// level. Idempotent.
func (s *Sensor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	if err := s.machine.Start(ctx); err != nil {
		s.running = false
		s.cancel()
		return err
	}

	s.sched.Add(scheduler.Job{
		Name:   "probe_sweep",
		Base:   s.cfg.ProbeSweepInterval,
		Jitter: s.cfg.JitterFraction,
		Run:    s.sweepCycle,
	})
	s.sched.Add(scheduler.Job{
		Name:   "timing_sample",
		Base:   s.cfg.TimingSampleInterval,
		Jitter: s.cfg.JitterFraction,
		Run:    s.timingCycle,
	})
	s.sched.Start(ctx)

	s.log.WithFields(logrus.Fields{
		"protection_level": s.machine.Level(),
	}).Info("Sensor started")
	return nil
}

// Stop cancels all periodic tasks, waits briefly for in-flight probes, and
// deactivates every technique. Idempotent.
func (s *Sensor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.sched.Stop(stopWait)
	s.machine.Stop()
	s.log.Info("Sensor stopped")
}

// SetProtectionLevel transitions to level n in [1,5]. An explicit operator
// request also cancels any pending automatic fallback.
func (s *Sensor) SetProtectionLevel(n int) error {
	if err := s.machine.SetLevel(n); err != nil {
		return err
	}
	s.mu.Lock()
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
	s.mu.Unlock()
	s.metrics.protectionLevel.Set(float64(n))
	return nil
}

// GetProtectionLevel returns the current protection level.
func (s *Sensor) GetProtectionLevel() int { return s.machine.Level() }

// CurrentThreatLevel returns the fused threat level.
func (s *Sensor) CurrentThreatLevel() int { return s.scorer.Level() }

// ThreatStatus returns the coarse user-facing threat ordinal.
func (s *Sensor) ThreatStatus() types.ThreatStatus { return s.scorer.Status() }

// HostileEnvironmentDetected reports whether the threat level is at or
// above the hostile threshold.
func (s *Sensor) HostileEnvironmentDetected() bool { return s.scorer.Hostile() }

// PerformIntegrityCheck rehashes every protected file against the baseline.
func (s *Sensor) PerformIntegrityCheck() (bool, string) { return s.checker.Check() }

// OnIntegrityChange registers a listener for integrity-status changes.
func (s *Sensor) OnIntegrityChange(l integrity.Listener) { s.checker.OnChange(l) }

// ScanForDangerousPackages returns the names of running analysis tools
// matching the configured prefixes.
func (s *Sensor) ScanForDangerousPackages() []string {
	return s.tooling.ScanDangerous(context.Background())
}

// DetectionHistory returns the bounded detection history for reporting.
func (s *Sensor) DetectionHistory() []types.ThreatDetection { return s.scorer.History() }

// Metrics returns the sensor's metrics for serving.
func (s *Sensor) Metrics() *Metrics { return s.metrics }

// Evaluate feeds one cycle's findings through the scorer and drives the
// protection response. Returns the new threat level.
func (s *Sensor) Evaluate(findings []types.Finding) int {
	level := s.scorer.Apply(findings)

	s.metrics.threatLevel.Set(float64(level))
	s.metrics.sweepsTotal.Inc()
	for _, f := range findings {
		s.metrics.findingsTotal.WithLabelValues(f.ProbeID).Inc()
	}

	if len(findings) > 0 {
		s.handleBurst()
	}
	s.maybeFailClosed(level)
	return level
}

// sweepCycle is the scheduled probe sweep: gated probes, queued timing
// findings, and integrity detections all feed one Evaluate call so idle
// decay stays at one step per cycle.
func (s *Sensor) sweepCycle(ctx context.Context) {
	var ps []probes.Probe
	if s.machine.Active(protection.TechDebugFlagCheck) || s.machine.Active(protection.TechDebugMonitor) {
		ps = append(ps, s.debugger)
	}
	if s.machine.Active(protection.TechEmulatorCheck) {
		ps = append(ps, s.emulator)
	}
	if s.machine.Active(protection.TechMemoryMapScan) || s.machine.Active(protection.TechHookDetection) {
		ps = append(ps, s.hooks)
	}
	if s.machine.Active(protection.TechInstrumentation) {
		ps = append(ps, s.instr, s.root)
	}
	if s.machine.Active(protection.TechToolingScan) {
		ps = append(ps, s.tooling)
	}

	findings := probes.Sweep(ctx, s.log, probeTimeout, ps...)

	if s.machine.Active(protection.TechSignatureCheck) {
		if verified, reason := s.checker.Check(); !verified {
			findings = append(findings, types.Finding{
				ProbeID: "integrity",
				Weight:  integrityWeight,
				Detail:  reason,
			})
		}
	}
	for _, d := range s.checker.Drain() {
		s.scorer.Record(d)
		findings = append(findings, types.Finding{
			ProbeID: d.SignatureID,
			Weight:  integrityWeight,
			Detail:  d.Detail,
		})
	}

	s.pendingMu.Lock()
	findings = append(findings, s.pending...)
	s.pending = nil
	s.pendingMu.Unlock()

	s.Evaluate(findings)
}

// timingCycle records one timing sample; anomalies are queued for the next
// sweep so the scorer sees one evaluation stream.
func (s *Sensor) timingCycle(ctx context.Context) {
	if !s.machine.Active(protection.TechTimingAnalysis) {
		return
	}
	fs := s.analyzer.Sample(ctx)
	if len(fs) == 0 {
		return
	}
	s.pendingMu.Lock()
	s.pending = append(s.pending, fs...)
	s.pendingMu.Unlock()
}

// continuousMonitor is the level-5 re-check loop: a tight, still-jittered
// cadence derived from the current protection level.
func (s *Sensor) continuousMonitor(ctx context.Context) {
	for {
		base := time.Duration(protection.MonitorInterval(s.machine.Level())) * time.Second
		select {
		case <-ctx.Done():
			return
		case <-time.After(scheduler.Jittered(base, s.cfg.JitterFraction)):
		}
		s.sweepCycle(ctx)
	}
}

// handleBurst escalates the protection level by one on a detection burst
// and arms a fallback re-evaluation after the cooldown.
func (s *Sensor) handleBurst() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.fallback != nil {
		return
	}
	prior := s.machine.Escalate()
	if s.machine.Level() == prior {
		return
	}
	s.metrics.protectionLevel.Set(float64(s.machine.Level()))
	s.fallbackTo = prior
	s.fallback = time.AfterFunc(s.cfg.EscalationCooldown, s.tryFallback)
}

// tryFallback re-checks the environment after the escalation cooldown and
// returns to the prior level only when nothing is currently detected.
func (s *Sensor) tryFallback() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	target := s.fallbackTo
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	clear := len(probes.Sweep(ctx, s.log, probeTimeout, s.debugger, s.hooks, s.instr)) == 0
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.fallback == nil {
		return
	}
	if !clear {
		// Still hostile; check again after another cooldown.
		s.fallback = time.AfterFunc(s.cfg.EscalationCooldown, s.tryFallback)
		return
	}
	s.fallback = nil
	if err := s.machine.SetLevel(target); err == nil {
		s.metrics.protectionLevel.Set(float64(target))
	}
}

// maybeFailClosed terminates the process when explicitly configured to and
// a saturated threat level coincides with maximum protection. The delay is
// randomized so the exit does not correlate with the triggering event.
func (s *Sensor) maybeFailClosed(level int) {
	if !s.cfg.FailClosed {
		return
	}
	if s.machine.Level() < protection.MaxLevel || level < s.cfg.MaxThreatLevel {
		return
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	s.mu.Unlock()

	delay := time.Duration(500+rand.Intn(1500)) * time.Millisecond
	s.log.WithFields(logrus.Fields{
		"threat_level": level,
		"delay":        delay,
	}).Error("Fail-closed: terminating process")
	time.AfterFunc(delay, s.terminate)
}
