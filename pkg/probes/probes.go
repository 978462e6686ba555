// Package probes implements the environment probes: independent checks
// that inspect the runtime environment for one category of hostile-analysis
// indicator each. Probes are stateless beyond small indicator caches,
// never error on expected "not found" conditions, and bound their own
// worst-case execution.
package probes

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

// Probe is one environment check. Check returns zero or more weighted
// findings; an empty result is the normal negative outcome.
type Probe interface {
	ID() string
	Check(ctx context.Context) []types.Finding
}

// Sweep runs every probe in order and collects findings. Each probe gets a
// bounded slice of the sweep deadline so a stuck primitive cannot starve
// the scheduler.
func Sweep(ctx context.Context, log *logrus.Logger, perProbeTimeout time.Duration, ps ...Probe) []types.Finding {
	var findings []types.Finding
	for _, p := range ps {
		select {
		case <-ctx.Done():
			return findings
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, perProbeTimeout)
		results := p.Check(pctx)
		cancel()

		for _, f := range results {
			log.WithFields(logrus.Fields{
				"probe":  f.ProbeID,
				"weight": f.Weight,
				"detail": f.Detail,
			}).Warn("Probe finding")
		}
		findings = append(findings, results...)
	}
	return findings
}

// TotalWeight sums the weights of a finding set.
func TotalWeight(findings []types.Finding) int {
	total := 0
	for _, f := range findings {
		total += f.Weight
	}
	return total
}
