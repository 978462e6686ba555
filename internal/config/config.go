// Package config provides configuration loading from environment and
// defaults for the runtime threat sensor.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// SensorConfig holds configuration for the sensor engine.
type SensorConfig struct {
	// Filesystem roots, overridable for tests.
	ProcRoot string
	SysRoot  string

	// Initial protection level [1,5]; overridden by persisted state when present.
	ProtectionLevel int

	// StateFile persists the protection level across restarts.
	StateFile string

	// Scheduling bases. Every periodic job applies random jitter on top of
	// its base so the sensor itself has no fixed period.
	ProbeSweepInterval   time.Duration
	TimingSampleInterval time.Duration
	MonitorInterval      time.Duration
	JitterFraction       float64

	// Scorer tuning. Treated as configuration, not hardcoded truths.
	MaxThreatLevel   int
	HostileThreshold int
	EmulatorScoreMin int

	// Timing analyzer tuning.
	TimingWindowSize      int
	TimingAnalyzeCooldown time.Duration
	TimingVarianceRatio   float64

	// Escalation cooldown before re-evaluating whether it is safe to fall
	// back to the previous protection level.
	EscalationCooldown time.Duration

	// FailClosed allows the sensor to terminate its own process when a
	// confirmed critical threat is present at the maximum protection level.
	// Never enabled by default.
	FailClosed bool

	// Integrity monitoring.
	ProtectedPaths []string

	// Dangerous-package scan.
	DangerousPrefixes []string
}

// DefaultSensorConfig returns sensor config from environment with defaults.
func DefaultSensorConfig() SensorConfig {
	return SensorConfig{
		ProcRoot:              GetEnv("RTS_PROC_ROOT", "/proc"),
		SysRoot:               GetEnv("RTS_SYS_ROOT", "/sys"),
		ProtectionLevel:       GetEnvInt("RTS_PROTECTION_LEVEL", 3),
		StateFile:             GetEnv("RTS_STATE_FILE", "/var/lib/rts/state.json"),
		ProbeSweepInterval:    GetEnvDuration("RTS_PROBE_SWEEP_INTERVAL", 20*time.Second),
		TimingSampleInterval:  GetEnvDuration("RTS_TIMING_SAMPLE_INTERVAL", 10*time.Second),
		MonitorInterval:       GetEnvDuration("RTS_MONITOR_INTERVAL", 30*time.Second),
		JitterFraction:        0.4,
		MaxThreatLevel:        GetEnvInt("RTS_MAX_THREAT_LEVEL", 10),
		HostileThreshold:      GetEnvInt("RTS_HOSTILE_THRESHOLD", 5),
		EmulatorScoreMin:      GetEnvInt("RTS_EMULATOR_SCORE_MIN", 4),
		TimingWindowSize:      10,
		TimingAnalyzeCooldown: GetEnvDuration("RTS_TIMING_ANALYZE_COOLDOWN", 30*time.Second),
		TimingVarianceRatio:   0.5,
		EscalationCooldown:    GetEnvDuration("RTS_ESCALATION_COOLDOWN", 30*time.Second),
		FailClosed:            GetEnvBool("RTS_FAIL_CLOSED", false),
		ProtectedPaths:        splitList(GetEnv("RTS_PROTECTED_PATHS", "")),
		DangerousPrefixes:     defaultDangerousPrefixes(),
	}
}

// Validate rejects configuration the engine cannot run with. Invalid values
// leave the caller's prior state untouched.
func (c SensorConfig) Validate() error {
	if c.ProtectionLevel < 1 || c.ProtectionLevel > 5 {
		return fmt.Errorf("protection level %d out of range [1,5]", c.ProtectionLevel)
	}
	if c.MaxThreatLevel <= 0 {
		return fmt.Errorf("max threat level must be positive, got %d", c.MaxThreatLevel)
	}
	if c.HostileThreshold <= 0 || c.HostileThreshold > c.MaxThreatLevel {
		return fmt.Errorf("hostile threshold %d out of range (0,%d]", c.HostileThreshold, c.MaxThreatLevel)
	}
	if c.TimingWindowSize <= 1 {
		return fmt.Errorf("timing window size must be > 1, got %d", c.TimingWindowSize)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return fmt.Errorf("jitter fraction %v out of range [0,1)", c.JitterFraction)
	}
	return nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultDangerousPrefixes() []string {
	return []string{
		"frida", "gdb", "lldb", "strace", "ltrace",
		"radare2", "r2agent", "ghidra", "ida",
		"gum-js", "gadget", "objection",
	}
}
