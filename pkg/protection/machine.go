package protection

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Technique is one monitoring subsystem the machine can start and stop.
// Start and Stop must be idempotent; the machine additionally guarantees it
// never starts an already-active technique or stops an inactive one.
type Technique interface {
	Name() string
	Start(ctx context.Context) error
	Stop()
}

// Store persists the protection level across restarts.
type Store interface {
	// Load returns the persisted level, or 0 when none is stored.
	Load() (int, error)
	Save(level int) error
}

// Machine is the protection-level state machine.
type Machine struct {
	log   *logrus.Logger
	store Store

	mu       sync.Mutex
	level    int
	active   map[string]bool
	registry map[string]Technique
	running  bool
	ctx      context.Context
}

// NewMachine creates a machine at the given initial level. A persisted
// level, when present and valid, overrides the initial one.
func NewMachine(initial int, techniques []Technique, store Store, log *logrus.Logger) (*Machine, error) {
	if initial < MinLevel || initial > MaxLevel {
		return nil, fmt.Errorf("protection level %d out of range [%d,%d]", initial, MinLevel, MaxLevel)
	}

	m := &Machine{
		log:      log,
		store:    store,
		level:    initial,
		active:   make(map[string]bool),
		registry: make(map[string]Technique),
	}
	for _, t := range techniques {
		m.registry[t.Name()] = t
	}

	if store != nil {
		persisted, err := store.Load()
		if err != nil {
			log.WithError(err).Warn("Could not load persisted protection level")
		} else if persisted >= MinLevel && persisted <= MaxLevel {
			m.level = persisted
		}
	}
	return m, nil
}

// Start activates the technique set of the current level. Idempotent.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	m.running = true
	m.ctx = ctx
	m.applyLocked(m.level)
	m.log.WithField("level", m.level).Info("Protection machine started")
	return nil
}

// Stop deactivates every running technique. Idempotent.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	for name := range m.active {
		if t, ok := m.registry[name]; ok {
			t.Stop()
		}
		delete(m.active, name)
	}
	m.log.Info("Protection machine stopped")
}

// SetLevel transitions to level n. Techniques shared between the old and
// new sets keep running untouched; only the difference is started or
// stopped. An out-of-range level is rejected and prior state is unchanged.
func (m *Machine) SetLevel(n int) error {
	if n < MinLevel || n > MaxLevel {
		return fmt.Errorf("protection level %d out of range [%d,%d]", n, MinLevel, MaxLevel)
	}

	m.mu.Lock()
	old := m.level
	m.level = n
	if m.running {
		m.applyLocked(n)
	}
	m.mu.Unlock()

	if old != n {
		m.log.WithFields(logrus.Fields{"old": old, "new": n}).Info("Protection level changed")
	}
	if m.store != nil {
		if err := m.store.Save(n); err != nil {
			m.log.WithError(err).Warn("Could not persist protection level")
		}
	}
	return nil
}

// Level returns the current protection level.
func (m *Machine) Level() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Escalate raises the level by one, bounded at the maximum. Returns the
// level that was active before the call so the caller can schedule a
// fallback re-evaluation.
func (m *Machine) Escalate() int {
	m.mu.Lock()
	prior := m.level
	m.mu.Unlock()
	if prior < MaxLevel {
		// SetLevel handles persistence and the technique diff.
		_ = m.SetLevel(prior + 1)
	}
	return prior
}

// Active reports whether a technique is currently running.
func (m *Machine) Active(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[name]
}

// ActiveSet returns a copy of the currently running technique set.
func (m *Machine) ActiveSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.active))
	for name := range m.active {
		out[name] = true
	}
	return out
}

// applyLocked reconciles the active set against the target level's set.
// Caller holds m.mu.
func (m *Machine) applyLocked(level int) {
	target := TechniquesAt(level)

	// Stop techniques not in the target set.
	for name := range m.active {
		if target[name] {
			continue
		}
		if t, ok := m.registry[name]; ok {
			t.Stop()
		}
		delete(m.active, name)
	}

	// Start newly introduced techniques. Already-running ones are left
	// untouched so transitions cause no restart flicker.
	for name := range target {
		if m.active[name] {
			continue
		}
		t, ok := m.registry[name]
		if !ok {
			m.log.WithField("technique", name).Debug("Technique not registered")
			continue
		}
		if err := t.Start(m.ctx); err != nil {
			m.log.WithError(err).WithField("technique", name).Warn("Technique failed to start")
			continue
		}
		m.active[name] = true
	}
}
