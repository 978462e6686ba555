// Package types defines shared types for threat signatures, detections,
// and probe findings used across the sensor components.
package types

import (
	"fmt"
	"time"
)

// Severity tiers for threat signatures, ordered.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ThreatStatus is the coarse user-facing summary of the current threat level.
type ThreatStatus int

const (
	ThreatNone ThreatStatus = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
	ThreatUnknown
)

// String returns the canonical name of the status.
func (t ThreatStatus) String() string {
	switch t {
	case ThreatNone:
		return "NONE"
	case ThreatLow:
		return "LOW"
	case ThreatMedium:
		return "MEDIUM"
	case ThreatHigh:
		return "HIGH"
	case ThreatCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ThreatSignature is a named category of hostile activity. Signatures are
// built once at startup from the built-in catalog and never removed during
// a run; indicators may be added as new variants are learned.
type ThreatSignature struct {
	ID          string
	Description string
	Severity    Severity

	// indicator id -> human description
	Indicators map[string]string
}

// AddIndicator registers an additional indicator on the signature.
// It returns an error if the indicator id is already present.
func (ts *ThreatSignature) AddIndicator(id, description string) error {
	if ts.Indicators == nil {
		ts.Indicators = make(map[string]string)
	}
	if _, ok := ts.Indicators[id]; ok {
		return fmt.Errorf("indicator %q already registered on signature %q", id, ts.ID)
	}
	ts.Indicators[id] = description
	return nil
}

// ThreatDetection is one observed event. Created by a probe at detection
// time and read-only afterwards.
type ThreatDetection struct {
	SignatureID string    `json:"signature_id"`
	IndicatorID string    `json:"indicator_id"`
	Detail      string    `json:"detail"`
	Timestamp   time.Time `json:"timestamp"`
	Confirmed   bool      `json:"confirmed"`
	Confidence  float64   `json:"confidence"` // [0.0, 1.0]
}

// Finding is a weighted probe result fed to the scorer. Absence of a
// finding is the normal negative result; probes never error on "not found".
type Finding struct {
	ProbeID string
	Weight  int
	Detail  string
}

// BuiltinSignatures returns the fixed signature catalog the sensor ships
// with. Called once at startup.
func BuiltinSignatures() []*ThreatSignature {
	return []*ThreatSignature{
		{
			ID:          "debugger_attached",
			Description: "A debugger is attached to the process",
			Severity:    SeverityHigh,
			Indicators: map[string]string{
				"tracer_pid": "non-zero TracerPid in process status",
			},
		},
		{
			ID:          "process_injection",
			Description: "Foreign code mapped into the process address space",
			Severity:    SeverityCritical,
			Indicators: map[string]string{
				"injected_library": "instrumentation library present in memory maps",
				"preload_env":      "dynamic loader preload variable set",
			},
		},
		{
			ID:          "instrumentation_server",
			Description: "A dynamic instrumentation server is reachable on this host",
			Severity:    SeverityCritical,
			Indicators: map[string]string{
				"known_process": "instrumentation server process running",
				"default_port":  "instrumentation server default port open",
			},
		},
		{
			ID:          "emulated_environment",
			Description: "The process is running inside an emulator or VM sandbox",
			Severity:    SeverityMedium,
			Indicators: map[string]string{
				"dmi_vendor":  "virtualized vendor strings in DMI tables",
				"device_node": "emulator-specific device node present",
				"cpu_marker":  "hypervisor markers in cpuinfo",
			},
		},
		{
			ID:          "privileged_tampering",
			Description: "Root-level tampering tools present on the host",
			Severity:    SeverityHigh,
			Indicators: map[string]string{
				"su_binary":    "superuser binary at a known path",
				"root_manager": "root management tool installed",
			},
		},
		{
			ID:          "analysis_tooling",
			Description: "Known analysis or tampering tooling is running",
			Severity:    SeverityMedium,
			Indicators: map[string]string{
				"known_tool": "process name matches known tooling",
			},
		},
		{
			ID:          "timing_interference",
			Description: "Execution timing variance consistent with external instrumentation",
			Severity:    SeverityMedium,
			Indicators: map[string]string{
				"variance_anomaly": "stddev of constant workload exceeds threshold",
			},
		},
		{
			ID:          "integrity_violation",
			Description: "A protected file changed outside of an authorized update",
			Severity:    SeverityHigh,
			Indicators: map[string]string{
				"hash_mismatch": "protected file hash differs from baseline",
			},
		},
	}
}
