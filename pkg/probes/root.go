package probes

import (
	"context"
	"os"
	"path/filepath"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const rootWeight = 2

// Known superuser binary locations. Short fixed list; existence of any one
// is the signal.
var suBinaryPaths = []string{
	"/system/bin/su",
	"/system/xbin/su",
	"/sbin/su",
	"/su/bin/su",
	"/data/local/tmp/su",
	"/system/app/Superuser.apk",
}

// Known root-management tool install markers.
var rootManagerPaths = []string{
	"/data/adb/magisk",
	"/sbin/.magisk",
	"/system/app/SuperSU",
	"/cache/su.img",
}

// RootProbe checks for root-tooling artifacts on disk. FSRoot is prepended
// to every path so tests can stage a fake filesystem.
type RootProbe struct {
	FSRoot string
}

// NewRootProbe creates a root probe rooted at fsRoot ("" for the real filesystem).
func NewRootProbe(fsRoot string) *RootProbe {
	return &RootProbe{FSRoot: fsRoot}
}

// ID implements Probe.
func (p *RootProbe) ID() string { return "root" }

// Check implements Probe.
func (p *RootProbe) Check(ctx context.Context) []types.Finding {
	var findings []types.Finding
	for _, path := range suBinaryPaths {
		if p.exists(path) {
			findings = append(findings, types.Finding{
				ProbeID: p.ID(),
				Weight:  rootWeight,
				Detail:  "superuser binary at " + path,
			})
			break
		}
	}
	for _, path := range rootManagerPaths {
		if p.exists(path) {
			findings = append(findings, types.Finding{
				ProbeID: p.ID(),
				Weight:  rootWeight,
				Detail:  "root manager artifact at " + path,
			})
			break
		}
	}
	return findings
}

func (p *RootProbe) exists(path string) bool {
	_, err := os.Stat(filepath.Join(p.FSRoot, path))
	return err == nil
}
