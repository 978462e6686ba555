// Package scoring fuses weighted probe findings into a single bounded
// threat level with asymmetric dynamics: the level jumps immediately on
// findings and drifts down one step per idle evaluation cycle. Missed
// threats are cheaper to tolerate than premature de-escalation.
package scoring

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/runtime-threat-sensor/internal/types"
)

// historyLimit bounds the retained detection history for reporting.
const historyLimit = 256

// Config for the scorer.
type Config struct {
	// MaxLevel caps the threat level (level range is [0, MaxLevel]).
	MaxLevel int

	// HostileThreshold is the level at or above which the environment is
	// considered hostile.
	HostileThreshold int
}

// Scorer holds the current threat level. It is the only state shared
// across the periodic tasks; all access goes through one mutex.
type Scorer struct {
	cfg Config
	log *logrus.Logger

	mu      sync.Mutex
	level   int
	history []types.ThreatDetection
}

// New creates a scorer at level 0.
func New(cfg Config, log *logrus.Logger) *Scorer {
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = 10
	}
	if cfg.HostileThreshold <= 0 {
		cfg.HostileThreshold = cfg.MaxLevel / 2
	}
	return &Scorer{cfg: cfg, log: log}
}

// Apply feeds one evaluation cycle's findings. With findings present the
// level rises by their total weight, capped at MaxLevel. With none it
// decays by exactly one step, floored at zero. Returns the new level.
func (s *Scorer) Apply(findings []types.Finding) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.level
	if len(findings) == 0 {
		if s.level > 0 {
			s.level--
		}
		return s.level
	}

	total := 0
	for _, f := range findings {
		total += f.Weight
		s.appendHistory(types.ThreatDetection{
			SignatureID: f.ProbeID,
			IndicatorID: f.ProbeID,
			Detail:      f.Detail,
			Timestamp:   time.Now(),
			Confidence:  confidenceFor(f.Weight),
		})
	}
	s.level += total
	if s.level > s.cfg.MaxLevel {
		s.level = s.cfg.MaxLevel
	}

	if s.level != old {
		s.log.WithFields(logrus.Fields{
			"old_level": old,
			"new_level": s.level,
			"findings":  len(findings),
		}).Warn("Threat level raised")
	}
	return s.level
}

// Record stores a corroborated detection in the history without changing
// the level. Used for confirmed integrity events that carry their own
// response path.
func (s *Scorer) Record(d types.ThreatDetection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHistory(d)
}

// Level returns the current threat level.
func (s *Scorer) Level() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// Hostile reports whether the current level is at or above the hostile
// threshold.
func (s *Scorer) Hostile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level >= s.cfg.HostileThreshold
}

// Status maps the integer level onto the coarse user-facing ordinal.
func (s *Scorer) Status() types.ThreatStatus {
	s.mu.Lock()
	level := s.level
	s.mu.Unlock()

	max := s.cfg.MaxLevel
	switch {
	case level == 0:
		return types.ThreatNone
	case level < max*3/10:
		return types.ThreatLow
	case level < s.cfg.HostileThreshold:
		return types.ThreatMedium
	case level < max*8/10:
		return types.ThreatHigh
	default:
		return types.ThreatCritical
	}
}

// History returns a copy of the bounded detection history, newest last.
func (s *Scorer) History() []types.ThreatDetection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ThreatDetection, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Scorer) appendHistory(d types.ThreatDetection) {
	s.history = append(s.history, d)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
}

// confidenceFor maps a finding weight onto a heuristic confidence score.
func confidenceFor(weight int) float64 {
	c := 0.4 + 0.2*float64(weight)
	if c > 1.0 {
		c = 1.0
	}
	return c
}
