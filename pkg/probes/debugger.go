package probes

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

const debuggerWeight = 2

// DebuggerProbe checks whether a tracer is attached to this process by
// inspecting the TracerPid field of the process status file.
type DebuggerProbe struct {
	ProcRoot string
}

// NewDebuggerProbe creates a debugger probe reading under procRoot.
func NewDebuggerProbe(procRoot string) *DebuggerProbe {
	return &DebuggerProbe{ProcRoot: procRoot}
}

// ID implements Probe.
func (p *DebuggerProbe) ID() string { return "debugger" }

// Check implements Probe. A read failure is treated as "no finding":
// detection fails open, never crashes the host.
func (p *DebuggerProbe) Check(ctx context.Context) []types.Finding {
	tracer := TracerPID(p.ProcRoot)
	if tracer <= 0 {
		return nil
	}
	return []types.Finding{{
		ProbeID: p.ID(),
		Weight:  debuggerWeight,
		Detail:  "tracer attached, pid " + strconv.Itoa(tracer),
	}}
}

// TracerPID returns the pid of an attached tracer, 0 when none is attached,
// and -1 when the status file cannot be read.
func TracerPID(procRoot string) int {
	data, err := os.ReadFile(filepath.Join(procRoot, "self", "status"))
	if err != nil {
		return -1
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return -1
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return -1
		}
		return pid
	}
	return -1
}
