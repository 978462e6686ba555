package sensor

import (
	"context"
	"sync"
	"sync/atomic"
)

// gateTechnique is a technique whose only effect is gating the
// corresponding probe inside the evaluation cycle.
type gateTechnique struct {
	name   string
	active atomic.Bool
}

func (t *gateTechnique) Name() string { return t.name }

func (t *gateTechnique) Start(ctx context.Context) error {
	t.active.Store(true)
	return nil
}

func (t *gateTechnique) Stop() { t.active.Store(false) }

func (t *gateTechnique) enabled() bool { return t.active.Load() }

// loopTechnique runs its own goroutine while active, cancelled on Stop.
type loopTechnique struct {
	name string
	run  func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (t *loopTechnique) Name() string { return t.name }

func (t *loopTechnique) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(loopCtx)
	return nil
}

func (t *loopTechnique) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.cancel = nil
}
