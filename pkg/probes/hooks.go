package probes

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const hookWeight = 3

// Framework describes one hooking/instrumentation framework family:
// install artifacts it leaves on disk and library name fragments it maps
// into instrumented processes.
type Framework struct {
	Name          string
	ArtifactPaths []string
	MapFragments  []string
}

// FrameworkHit records which framework was detected and the evidence.
type FrameworkHit struct {
	Framework string
	Evidence  string
}

// defaultFrameworks is the built-in framework catalog.
func defaultFrameworks() []Framework {
	return []Framework{
		{
			Name: "xposed",
			ArtifactPaths: []string{
				"/system/framework/XposedBridge.jar",
				"/system/bin/app_process_xposed",
				"/system/lib/libxposed_art.so",
			},
			MapFragments: []string{"xposed", "libriru"},
		},
		{
			Name: "frida",
			ArtifactPaths: []string{
				"/data/local/tmp/frida-server",
				"/data/local/tmp/re.frida.server",
				"/usr/local/bin/frida-server",
			},
			MapFragments: []string{"frida", "gum-js", "frida-agent"},
		},
		{
			Name: "substrate",
			ArtifactPaths: []string{
				"/system/lib/libsubstrate.so",
				"/system/lib/libsubstrate-dvm.so",
			},
			MapFragments: []string{"substrate", "cynject"},
		},
	}
}

// HookProbe runs layered checks per framework family: known artifacts on
// disk, known library fragments in the process memory maps, and the dynamic
// loader preload variable. All checks are heuristics, never proof.
type HookProbe struct {
	FSRoot   string
	ProcRoot string

	frameworks []Framework

	mu       sync.Mutex
	detected []FrameworkHit
}

// NewHookProbe creates a hook probe with the built-in framework catalog.
func NewHookProbe(fsRoot, procRoot string) *HookProbe {
	return &HookProbe{FSRoot: fsRoot, ProcRoot: procRoot, frameworks: defaultFrameworks()}
}

// ID implements Probe.
func (p *HookProbe) ID() string { return "hooks" }

// Check implements Probe. Each detected framework yields one finding; the
// hit list is retained for DetectedFrameworks.
func (p *HookProbe) Check(ctx context.Context) []types.Finding {
	hits := p.scan()

	p.mu.Lock()
	p.detected = hits
	p.mu.Unlock()

	var findings []types.Finding
	for _, hit := range hits {
		findings = append(findings, types.Finding{
			ProbeID: p.ID(),
			Weight:  hookWeight,
			Detail:  hit.Framework + ": " + hit.Evidence,
		})
	}
	return findings
}

// DetectHooks reports whether the last scan found any framework. Runs a
// fresh scan when none has happened yet.
func (p *HookProbe) DetectHooks() bool {
	p.mu.Lock()
	scanned := p.detected != nil
	p.mu.Unlock()
	if !scanned {
		p.Check(context.Background())
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.detected) > 0
}

// DetectedFrameworks returns the hits from the most recent scan.
func (p *HookProbe) DetectedFrameworks() []FrameworkHit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FrameworkHit, len(p.detected))
	copy(out, p.detected)
	return out
}

func (p *HookProbe) scan() []FrameworkHit {
	// Non-nil so "scanned, nothing found" is distinguishable from "never scanned".
	hits := []FrameworkHit{}

	maps := p.readSelfMaps()

	for _, fw := range p.frameworks {
		if evidence, ok := p.artifactPresent(fw); ok {
			hits = append(hits, FrameworkHit{Framework: fw.Name, Evidence: evidence})
			continue
		}
		if fragment, ok := fragmentInMaps(maps, fw.MapFragments); ok {
			hits = append(hits, FrameworkHit{Framework: fw.Name, Evidence: "library fragment " + fragment + " in memory maps"})
		}
	}

	if preload := os.Getenv("LD_PRELOAD"); preload != "" {
		hits = append(hits, FrameworkHit{Framework: "preload", Evidence: "LD_PRELOAD=" + preload})
	}
	return hits
}

func (p *HookProbe) artifactPresent(fw Framework) (string, bool) {
	for _, path := range fw.ArtifactPaths {
		if _, err := os.Stat(filepath.Join(p.FSRoot, path)); err == nil {
			return "artifact at " + path, true
		}
	}
	return "", false
}

func (p *HookProbe) readSelfMaps() string {
	data, err := os.ReadFile(filepath.Join(p.ProcRoot, "self", "maps"))
	if err != nil {
		return ""
	}
	return strings.ToLower(string(data))
}

func fragmentInMaps(maps string, fragments []string) (string, bool) {
	if maps == "" {
		return "", false
	}
	for _, frag := range fragments {
		if strings.Contains(maps, frag) {
			return frag, true
		}
	}
	return "", false
}
