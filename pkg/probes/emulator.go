package probes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const emulatorWeight = 3

// Partial scores per indicator category. No single category is decisive:
// each signal alone has false positives, so the probe only reports an
// emulated environment once the accumulated score reaches the threshold.
const (
	scoreFingerprint = 3
	scoreHardware    = 2
	scoreDMI         = 3
	scoreDeviceNode  = 2
	scoreCPUInfo     = 2
)

var (
	fingerprintMarkers = []string{"generic", "emulator", "sdk_gphone", "sdk_x86", "vbox86p", "test-keys"}
	hardwareMarkers    = []string{"goldfish", "ranchu", "vbox86", "qemu", "virt"}
	dmiMarkers         = []string{"qemu", "virtualbox", "vmware", "innotek", "bochs", "kvm", "parallels", "xen"}
	cpuinfoMarkers     = []string{"hypervisor", "qemu virtual cpu", "goldfish"}
	emulatorDevices    = []string{
		"qemu_pipe", "goldfish_pipe", "goldfish_sync",
		"vboxguest", "vboxuser", "vmci",
	}
)

// EnvSnapshot captures the host identity strings the emulator probe scores.
// Collected from the live system in production, constructed directly in tests.
type EnvSnapshot struct {
	Fingerprint string
	Hardware    string
	DMIVendor   string
	DMIProduct  string
	CPUInfo     string
	DeviceNodes []string
}

// EmulatorProbe evaluates a battery of device and hardware identity checks
// and accumulates partial scores per category.
type EmulatorProbe struct {
	ProcRoot string
	SysRoot  string
	DevRoot  string

	// ScoreMin is the accumulated score at which the environment is
	// reported as emulated.
	ScoreMin int
}

// NewEmulatorProbe creates an emulator probe with the given score threshold.
func NewEmulatorProbe(procRoot, sysRoot string, scoreMin int) *EmulatorProbe {
	return &EmulatorProbe{ProcRoot: procRoot, SysRoot: sysRoot, DevRoot: "/dev", ScoreMin: scoreMin}
}

// ID implements Probe.
func (p *EmulatorProbe) ID() string { return "emulator" }

// Check implements Probe.
func (p *EmulatorProbe) Check(ctx context.Context) []types.Finding {
	snap := p.Collect()
	score := Score(snap)
	if score < p.ScoreMin {
		return nil
	}
	return []types.Finding{{
		ProbeID: p.ID(),
		Weight:  emulatorWeight,
		Detail:  fmt.Sprintf("emulated environment, score %d (min %d)", score, p.ScoreMin),
	}}
}

// Collect gathers the identity snapshot from the live system. Unreadable
// sources contribute empty strings; they simply score zero.
func (p *EmulatorProbe) Collect() EnvSnapshot {
	snap := EnvSnapshot{
		Fingerprint: readTrimmed(filepath.Join(p.SysRoot, "class", "dmi", "id", "product_family")),
		DMIVendor:   readTrimmed(filepath.Join(p.SysRoot, "class", "dmi", "id", "sys_vendor")),
		DMIProduct:  readTrimmed(filepath.Join(p.SysRoot, "class", "dmi", "id", "product_name")),
	}

	if data, err := os.ReadFile(filepath.Join(p.ProcRoot, "cpuinfo")); err == nil {
		snap.CPUInfo = string(data)
		for _, line := range strings.Split(snap.CPUInfo, "\n") {
			if strings.HasPrefix(line, "Hardware") {
				if _, after, ok := strings.Cut(line, ":"); ok {
					snap.Hardware = strings.TrimSpace(after)
				}
			}
		}
	}

	for _, dev := range emulatorDevices {
		if _, err := os.Stat(filepath.Join(p.DevRoot, dev)); err == nil {
			snap.DeviceNodes = append(snap.DeviceNodes, dev)
		}
	}
	return snap
}

// Score accumulates the partial category scores for a snapshot.
func Score(snap EnvSnapshot) int {
	score := 0
	if containsAny(snap.Fingerprint, fingerprintMarkers) {
		score += scoreFingerprint
	}
	if containsAny(snap.Hardware, hardwareMarkers) {
		score += scoreHardware
	}
	if containsAny(snap.DMIVendor, dmiMarkers) || containsAny(snap.DMIProduct, dmiMarkers) {
		score += scoreDMI
	}
	if len(snap.DeviceNodes) > 0 {
		score += scoreDeviceNode
	}
	if containsAny(snap.CPUInfo, cpuinfoMarkers) {
		score += scoreCPUInfo
	}
	return score
}

func containsAny(s string, markers []string) bool {
	if s == "" {
		return false
	}
	lower := strings.ToLower(s)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
