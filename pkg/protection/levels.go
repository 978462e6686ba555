// Package protection implements the protection-level state machine: a
// ladder of five intensities, each mapping to a fixed set of monitoring
// techniques. The set at level N is always a superset of the set at N-1,
// and transitions start/stop only the difference between the two sets.
package protection

// Level bounds.
const (
	MinLevel = 1
	MaxLevel = 5
)

// Coarse ordinal used at the service boundary. Both representations map
// onto the same technique table.
type Tier int

const (
	TierLow Tier = iota + 1
	TierMedium
	TierHigh
	TierMaximum
)

// Level returns the integer level backing the tier.
func (t Tier) Level() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 3
	case TierHigh:
		return 4
	case TierMaximum:
		return 5
	default:
		return 3
	}
}

// Technique names. Each maps to a monitoring subsystem registered with the
// machine.
const (
	TechSignatureCheck    = "signature_check"
	TechDebugFlagCheck    = "debug_flag_check"
	TechEmulatorCheck     = "emulator_check"
	TechDebugMonitor      = "debug_monitor"
	TechMemoryMapScan     = "memory_map_scan"
	TechHookDetection     = "hook_detection"
	TechTimingAnalysis    = "timing_analysis"
	TechInstrumentation   = "instrumentation_scan"
	TechToolingScan       = "tooling_scan"
	TechIntegrityWatch    = "integrity_watch"
	TechContinuousMonitor = "continuous_monitor"
)

// introducedAt lists the techniques each level adds on top of the previous
// one. The cumulative set is what runs at a level.
var introducedAt = map[int][]string{
	1: {TechSignatureCheck, TechDebugFlagCheck},
	2: {TechEmulatorCheck, TechDebugMonitor},
	3: {TechMemoryMapScan, TechHookDetection, TechTimingAnalysis},
	4: {TechInstrumentation, TechToolingScan},
	5: {TechIntegrityWatch, TechContinuousMonitor},
}

// TechniquesAt returns the full active set for a level as a name->true map.
// The result is a pure function of the level.
func TechniquesAt(level int) map[string]bool {
	set := make(map[string]bool)
	for l := MinLevel; l <= level && l <= MaxLevel; l++ {
		for _, name := range introducedAt[l] {
			set[name] = true
		}
	}
	return set
}

// MonitorInterval returns the re-check cadence for the continuous monitor
// at a level: tightest at maximum protection, loosest at minimum.
func MonitorInterval(level int) int {
	// seconds: level 5 -> 5s, 4 -> 15s, 3 -> 30s, 2 -> 45s, 1 -> 60s
	switch level {
	case 5:
		return 5
	case 4:
		return 15
	case 3:
		return 30
	case 2:
		return 45
	default:
		return 60
	}
}
