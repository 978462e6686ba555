package sensor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/config"
	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

func fakeProc(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func cleanProc(t *testing.T) string {
	return fakeProc(t, map[string]string{
		"self/status": "Name:\tapp\nTracerPid:\t0\n",
		"self/maps":   "7f00-7f01 r-xp 00000000 00:00 0 /usr/lib/libc.so.6\n",
	})
}

func testConfig(t *testing.T, procRoot string) config.SensorConfig {
	t.Helper()
	return config.SensorConfig{
		ProcRoot:              procRoot,
		SysRoot:               t.TempDir(),
		ProtectionLevel:       3,
		StateFile:             filepath.Join(t.TempDir(), "state.json"),
		ProbeSweepInterval:    time.Hour,
		TimingSampleInterval:  time.Hour,
		MonitorInterval:       time.Hour,
		JitterFraction:        0.4,
		MaxThreatLevel:        10,
		HostileThreshold:      5,
		EmulatorScoreMin:      4,
		TimingWindowSize:      10,
		TimingAnalyzeCooldown: time.Hour,
		TimingVarianceRatio:   0.5,
		EscalationCooldown:    time.Hour,
		DangerousPrefixes:     []string{"frida", "gdb"},
	}
}

func newSensor(t *testing.T, cfg config.SensorConfig) *Sensor {
	t.Helper()
	s, err := New(cfg, logrus.New())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func debuggerFinding() types.Finding {
	return types.Finding{ProbeID: "debugger", Weight: 2, Detail: "tracer attached"}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, cleanProc(t))
	cfg.ProtectionLevel = 9
	if _, err := New(cfg, logrus.New()); err == nil {
		t.Error("New accepted out-of-range protection level")
	}

	cfg = testConfig(t, cleanProc(t))
	cfg.HostileThreshold = 99
	if _, err := New(cfg, logrus.New()); err == nil {
		t.Error("New accepted hostile threshold above max level")
	}
}

func TestScenario_DebuggerFindingAtLevel3(t *testing.T) {
	t.Setenv("LD_PRELOAD", "")
	s := newSensor(t, testConfig(t, cleanProc(t)))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	before := s.CurrentThreatLevel()
	s.Evaluate([]types.Finding{debuggerFinding()})
	if got := s.CurrentThreatLevel(); got != before+2 {
		t.Errorf("threat level = %d, want exactly +2 over %d", got, before)
	}
	if s.HostileEnvironmentDetected() {
		t.Error("hostile at level 2")
	}
	// Burst escalated protection 3 -> 4.
	if got := s.GetProtectionLevel(); got != 4 {
		t.Errorf("protection level after burst = %d, want 4", got)
	}

	s.Evaluate([]types.Finding{debuggerFinding()})
	if s.HostileEnvironmentDetected() {
		t.Error("hostile at level 4, threshold 5")
	}
	s.Evaluate([]types.Finding{debuggerFinding()})
	if !s.HostileEnvironmentDetected() {
		t.Error("not hostile at level 6, threshold 5")
	}
}

func TestEvaluate_IdleDecay(t *testing.T) {
	s := newSensor(t, testConfig(t, cleanProc(t)))
	s.Evaluate([]types.Finding{debuggerFinding()})
	if got := s.Evaluate(nil); got != 1 {
		t.Errorf("level after one idle cycle = %d, want 1", got)
	}
	if got := s.Evaluate(nil); got != 0 {
		t.Errorf("level after two idle cycles = %d, want 0", got)
	}
	if got := s.Evaluate(nil); got != 0 {
		t.Errorf("level at floor = %d, want 0", got)
	}
}

func TestSetProtectionLevel_RejectsInvalid(t *testing.T) {
	s := newSensor(t, testConfig(t, cleanProc(t)))
	for _, n := range []int{0, -2, 6} {
		if err := s.SetProtectionLevel(n); err == nil {
			t.Errorf("SetProtectionLevel(%d) accepted", n)
		}
	}
	if got := s.GetProtectionLevel(); got != 3 {
		t.Errorf("level after rejected requests = %d, want unchanged 3", got)
	}
}

func TestProtectionLevel_PersistsAcrossRestart(t *testing.T) {
	cfg := testConfig(t, cleanProc(t))
	s1 := newSensor(t, cfg)
	if err := s1.SetProtectionLevel(5); err != nil {
		t.Fatal(err)
	}

	s2 := newSensor(t, cfg)
	if got := s2.GetProtectionLevel(); got != 5 {
		t.Errorf("restarted sensor level = %d, want persisted 5", got)
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	s := newSensor(t, testConfig(t, cleanProc(t)))
	s.Stop() // before start: no-op
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
}

func TestSweepCycle_RunsOnlyGatedProbes(t *testing.T) {
	t.Setenv("LD_PRELOAD", "")
	proc := fakeProc(t, map[string]string{
		"self/status": "Name:\tapp\nTracerPid:\t4242\n",
		"self/maps":   "7f00-7f01 r-xp 00000000 00:00 0 /usr/lib/libc.so.6\n",
		"100/comm":    "gdb\n",
	})
	cfg := testConfig(t, proc)
	cfg.ProtectionLevel = 1
	s := newSensor(t, cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	s.sweepCycle(context.Background())
	// Level 1 gates only the debug-flag check: the running gdb process is
	// outside the active set and must not contribute.
	if got := s.CurrentThreatLevel(); got != 2 {
		t.Errorf("threat level after level-1 sweep = %d, want 2 (debugger only)", got)
	}
}

func TestScanForDangerousPackages(t *testing.T) {
	proc := fakeProc(t, map[string]string{
		"self/status": "Name:\tapp\nTracerPid:\t0\n",
		"42/comm":     "frida-server\n",
		"43/comm":     "bash\n",
	})
	s := newSensor(t, testConfig(t, proc))
	names := s.ScanForDangerousPackages()
	if len(names) != 1 || names[0] != "frida-server" {
		t.Errorf("ScanForDangerousPackages() = %v, want [frida-server]", names)
	}
}

func TestPerformIntegrityCheck(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.conf")
	if err := os.WriteFile(path, []byte("a=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, cleanProc(t))
	cfg.ProtectedPaths = []string{path}
	s := newSensor(t, cfg)

	if verified, reason := s.PerformIntegrityCheck(); !verified {
		t.Fatalf("clean check failed: %s", reason)
	}

	var notified bool
	s.OnIntegrityChange(func(verified bool, reason string) { notified = !verified })

	if err := os.WriteFile(path, []byte("a=2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if verified, _ := s.PerformIntegrityCheck(); verified {
		t.Error("check passed on a modified protected file")
	}
	if !notified {
		t.Error("integrity listener was not notified")
	}
}

func TestFailClosed_NeverDefault(t *testing.T) {
	s := newSensor(t, testConfig(t, cleanProc(t)))
	fired := make(chan struct{}, 1)
	s.terminate = func() { fired <- struct{}{} }

	if err := s.SetProtectionLevel(5); err != nil {
		t.Fatal(err)
	}
	s.Evaluate([]types.Finding{{ProbeID: "test", Weight: 10, Detail: "x"}})

	select {
	case <-fired:
		t.Fatal("terminate fired with fail-closed disabled")
	case <-time.After(3 * time.Second):
	}
}

func TestFailClosed_OptIn(t *testing.T) {
	cfg := testConfig(t, cleanProc(t))
	cfg.FailClosed = true
	s := newSensor(t, cfg)
	fired := make(chan struct{}, 1)
	s.terminate = func() { fired <- struct{}{} }

	if err := s.SetProtectionLevel(5); err != nil {
		t.Fatal(err)
	}
	s.Evaluate([]types.Finding{{ProbeID: "test", Weight: 10, Detail: "x"}})

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate did not fire with fail-closed enabled at max levels")
	}
}

func TestFailClosed_RequiresMaxProtectionLevel(t *testing.T) {
	cfg := testConfig(t, cleanProc(t))
	cfg.FailClosed = true
	s := newSensor(t, cfg) // protection level 3
	fired := make(chan struct{}, 1)
	s.terminate = func() { fired <- struct{}{} }

	s.Evaluate([]types.Finding{{ProbeID: "test", Weight: 10, Detail: "x"}})
	select {
	case <-fired:
		t.Fatal("terminate fired below maximum protection level")
	case <-time.After(3 * time.Second):
	}
}

func TestDetectionHistory_RecordsFindings(t *testing.T) {
	s := newSensor(t, testConfig(t, cleanProc(t)))
	s.Evaluate([]types.Finding{debuggerFinding()})
	h := s.DetectionHistory()
	if len(h) != 1 || h[0].SignatureID != "debugger" {
		t.Errorf("history = %+v, want one debugger detection", h)
	}
}
