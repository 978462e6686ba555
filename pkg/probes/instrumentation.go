package probes

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const instrumentationWeight = 3

// Default listen ports of the common dynamic instrumentation server.
var instrumentationPorts = []int{27042, 27043}

// Process name fragments of instrumentation servers and agents.
var instrumentationProcs = []string{"frida-server", "frida-agent", "frida-helper", "gum-js-loop"}

// InstrumentationProbe looks for a running dynamic instrumentation server:
// known process names in the process list and the server's default port
// pair on loopback. Port dials are short so a filtered port cannot stall
// the sweep.
type InstrumentationProbe struct {
	ProcRoot    string
	DialTimeout time.Duration

	// dial is overridable in tests.
	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// NewInstrumentationProbe creates an instrumentation probe reading under procRoot.
func NewInstrumentationProbe(procRoot string) *InstrumentationProbe {
	return &InstrumentationProbe{
		ProcRoot:    procRoot,
		DialTimeout: 200 * time.Millisecond,
		dial:        net.DialTimeout,
	}
}

// ID implements Probe.
func (p *InstrumentationProbe) ID() string { return "instrumentation" }

// Check implements Probe.
func (p *InstrumentationProbe) Check(ctx context.Context) []types.Finding {
	var findings []types.Finding

	if name, ok := p.serverProcessRunning(ctx); ok {
		findings = append(findings, types.Finding{
			ProbeID: p.ID(),
			Weight:  instrumentationWeight,
			Detail:  "instrumentation process " + name + " running",
		})
	}

	for _, port := range instrumentationPorts {
		select {
		case <-ctx.Done():
			return findings
		default:
		}
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		conn, err := p.dial("tcp", addr, p.DialTimeout)
		if err != nil {
			continue
		}
		conn.Close()
		findings = append(findings, types.Finding{
			ProbeID: p.ID(),
			Weight:  instrumentationWeight,
			Detail:  "instrumentation default port " + strconv.Itoa(port) + " open",
		})
	}
	return findings
}

// serverProcessRunning scans the process list for known server names.
func (p *InstrumentationProbe) serverProcessRunning(ctx context.Context) (string, bool) {
	entries, err := os.ReadDir(p.ProcRoot)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return "", false
		default:
		}
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(p.ProcRoot, entry.Name(), "comm"))
		if err != nil {
			continue // process may have exited
		}
		name := strings.TrimSpace(string(comm))
		for _, marker := range instrumentationProcs {
			if strings.Contains(name, marker) {
				return name, true
			}
		}
	}
	return "", false
}
