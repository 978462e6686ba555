package protection

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

// fakeTechnique counts starts and stops.
type fakeTechnique struct {
	name   string
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakeTechnique) Name() string { return f.name }

func (f *fakeTechnique) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeTechnique) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeTechnique) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

func allFakes() (map[string]*fakeTechnique, []Technique) {
	fakes := make(map[string]*fakeTechnique)
	var techniques []Technique
	for level := MinLevel; level <= MaxLevel; level++ {
		for _, name := range introducedAt[level] {
			f := &fakeTechnique{name: name}
			fakes[name] = f
			techniques = append(techniques, f)
		}
	}
	return fakes, techniques
}

func newMachine(t *testing.T, initial int) (*Machine, map[string]*fakeTechnique) {
	t.Helper()
	fakes, techniques := allFakes()
	m, err := NewMachine(initial, techniques, nil, logrus.New())
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m, fakes
}

func TestTechniquesAt_MonotoneLayering(t *testing.T) {
	for n := MinLevel; n < MaxLevel; n++ {
		lower := TechniquesAt(n)
		higher := TechniquesAt(n + 1)
		for name := range lower {
			if !higher[name] {
				t.Errorf("technique %q active at level %d but not at %d", name, n, n+1)
			}
		}
		if len(higher) <= len(lower) {
			t.Errorf("level %d adds no techniques over level %d", n+1, n)
		}
	}
}

func TestNewMachine_RejectsInvalidLevel(t *testing.T) {
	for _, n := range []int{0, -1, 6, 99} {
		if _, err := NewMachine(n, nil, nil, logrus.New()); err == nil {
			t.Errorf("NewMachine(%d) accepted out-of-range level", n)
		}
	}
}

func TestSetLevel_RejectsInvalidAndKeepsState(t *testing.T) {
	m, _ := newMachine(t, 3)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := m.ActiveSet()
	if err := m.SetLevel(0); err == nil {
		t.Error("SetLevel(0) accepted")
	}
	if err := m.SetLevel(6); err == nil {
		t.Error("SetLevel(6) accepted")
	}
	if m.Level() != 3 {
		t.Errorf("level changed to %d after rejected transitions", m.Level())
	}
	after := m.ActiveSet()
	if len(after) != len(before) {
		t.Errorf("active set changed after rejected transition: %v -> %v", before, after)
	}
}

func TestSetLevel_Idempotent(t *testing.T) {
	m, fakes := newMachine(t, 3)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLevel(3); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLevel(3); err != nil {
		t.Fatal(err)
	}
	for name, f := range fakes {
		starts, stops := f.counts()
		if TechniquesAt(3)[name] {
			if starts != 1 || stops != 0 {
				t.Errorf("technique %q: starts=%d stops=%d, want 1/0", name, starts, stops)
			}
		} else if starts != 0 {
			t.Errorf("technique %q started at level 3", name)
		}
	}
}

func TestSetLevel_DiffTransitionNoFlicker(t *testing.T) {
	m, fakes := newMachine(t, 5)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLevel(2); err != nil {
		t.Fatal(err)
	}

	level2 := TechniquesAt(2)
	for name, f := range fakes {
		starts, stops := f.counts()
		switch {
		case level2[name]:
			// Shared technique: one start at machine start, never stopped.
			if starts != 1 || stops != 0 {
				t.Errorf("shared technique %q: starts=%d stops=%d, want 1/0", name, starts, stops)
			}
			if !m.Active(name) {
				t.Errorf("shared technique %q not active after lowering", name)
			}
		default:
			// Unique to levels 3..5: started once, stopped once.
			if starts != 1 || stops != 1 {
				t.Errorf("upper technique %q: starts=%d stops=%d, want 1/1", name, starts, stops)
			}
			if m.Active(name) {
				t.Errorf("upper technique %q still active at level 2", name)
			}
		}
	}
}

func TestSetLevel_RaisingStartsOnlyNewTechniques(t *testing.T) {
	m, fakes := newMachine(t, 1)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.SetLevel(4); err != nil {
		t.Fatal(err)
	}
	for name, f := range fakes {
		starts, _ := f.counts()
		want := 0
		if TechniquesAt(4)[name] {
			want = 1
		}
		if starts != want {
			t.Errorf("technique %q: starts=%d, want %d", name, starts, want)
		}
	}
}

func TestEscalate_BoundedAtMax(t *testing.T) {
	m, _ := newMachine(t, 4)
	if prior := m.Escalate(); prior != 4 {
		t.Errorf("Escalate returned prior=%d, want 4", prior)
	}
	if m.Level() != 5 {
		t.Errorf("level after escalate = %d, want 5", m.Level())
	}
	if prior := m.Escalate(); prior != 5 {
		t.Errorf("Escalate at max returned prior=%d, want 5", prior)
	}
	if m.Level() != 5 {
		t.Errorf("level after escalate at max = %d, want 5", m.Level())
	}
}

func TestStop_StopsEverythingOnce(t *testing.T) {
	m, fakes := newMachine(t, 5)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Stop()
	m.Stop() // idempotent
	for name, f := range fakes {
		starts, stops := f.counts()
		if starts != 1 || stops != 1 {
			t.Errorf("technique %q: starts=%d stops=%d, want 1/1", name, starts, stops)
		}
	}
	if len(m.ActiveSet()) != 0 {
		t.Error("active set not empty after Stop")
	}
}

func TestFileStore_PersistsAcrossMachines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "rts.json")
	store := NewFileStore(path)

	m1, err := NewMachine(3, nil, store, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	if err := m1.SetLevel(5); err != nil {
		t.Fatal(err)
	}

	m2, err := NewMachine(3, nil, store, logrus.New())
	if err != nil {
		t.Fatal(err)
	}
	if m2.Level() != 5 {
		t.Errorf("restarted machine level = %d, want persisted 5", m2.Level())
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "none.json"))
	level, err := store.Load()
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if level != 0 {
		t.Errorf("Load on missing file = %d, want 0", level)
	}
}

func TestTier_MapsOntoSameTable(t *testing.T) {
	if got := TechniquesAt(TierMaximum.Level()); len(got) != len(TechniquesAt(5)) {
		t.Error("TierMaximum must map onto level 5's technique set")
	}
	if TierLow.Level() != 1 || TierMedium.Level() != 3 || TierHigh.Level() != 4 {
		t.Error("tier-to-level mapping changed")
	}
}
