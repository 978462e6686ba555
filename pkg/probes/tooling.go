package probes

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const toolingWeight = 2

// ToolingProbe enumerates running processes and flags names matching a
// fixed prefix list of analysis and tampering tools. The prefix list is
// configuration; the scan itself is the same process-list walk the
// instrumentation probe uses.
type ToolingProbe struct {
	ProcRoot string
	Prefixes []string
}

// NewToolingProbe creates a tooling probe with the given name prefixes.
func NewToolingProbe(procRoot string, prefixes []string) *ToolingProbe {
	return &ToolingProbe{ProcRoot: procRoot, Prefixes: prefixes}
}

// ID implements Probe.
func (p *ToolingProbe) ID() string { return "tooling" }

// Check implements Probe. One finding per distinct tool name.
func (p *ToolingProbe) Check(ctx context.Context) []types.Finding {
	var findings []types.Finding
	for _, name := range p.ScanDangerous(ctx) {
		findings = append(findings, types.Finding{
			ProbeID: p.ID(),
			Weight:  toolingWeight,
			Detail:  "analysis tool running: " + name,
		})
	}
	return findings
}

// ScanDangerous returns the sorted distinct names of running processes
// matching the configured prefixes. Exposed directly to callers via the
// sensor's dangerous-package scan.
func (p *ToolingProbe) ScanDangerous(ctx context.Context) []string {
	entries, err := os.ReadDir(p.ProcRoot)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(p.ProcRoot, entry.Name(), "comm"))
		if err != nil {
			continue
		}
		name := strings.TrimSpace(string(comm))
		for _, prefix := range p.Prefixes {
			if strings.HasPrefix(name, prefix) {
				seen[name] = true
				break
			}
		}
	}

	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
