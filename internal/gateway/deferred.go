package gateway

import (
	"context"
	"sync"
	"time"

	appLog "weekplan/internal/log"
	"weekplan/internal/storage"
)

// Deferred runs delayed syncs. Scheduling a location again replaces its
// pending sync. Every pending sync can be cancelled through the func
// returned by Schedule, and Stop cancels all of them and waits for running
// ones to return.
type Deferred struct {
	gw     *Gateway
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingSync
	wg      sync.WaitGroup
}

type pendingSync struct {
	timer  *time.Timer
	cancel context.CancelFunc
	once   sync.Once
	wg     *sync.WaitGroup
}

// stop prevents the sync from starting if it has not yet, and cancels its
// context if it has.
func (p *pendingSync) stop() {
	p.once.Do(func() {
		if p.timer.Stop() {
			p.wg.Done()
		}
		p.cancel()
	})
}

// NewDeferred returns a Deferred whose syncs run under parent.
func NewDeferred(parent context.Context, gw *Gateway) *Deferred {
	ctx, cancel := context.WithCancel(parent)
	return &Deferred{
		gw:      gw,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingSync),
	}
}

// Schedule syncs loc after delay and returns a cancel func for it.
func (d *Deferred) Schedule(loc storage.Location, delay time.Duration) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.pending[loc.ID]; ok {
		prev.stop()
		delete(d.pending, loc.ID)
	}
	if d.ctx.Err() != nil {
		return func() {}
	}

	ctx, cancel := context.WithCancel(d.ctx)
	p := &pendingSync{cancel: cancel, wg: &d.wg}

	d.wg.Add(1)
	p.timer = time.AfterFunc(delay, func() {
		defer d.wg.Done()
		defer cancel()

		d.mu.Lock()
		if d.pending[loc.ID] == p {
			delete(d.pending, loc.ID)
		}
		d.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := d.gw.Sync(ctx, loc); err != nil {
			appLog.Warn("deferred sync failed", err, "dataset", loc.ID)
		}
	})
	d.pending[loc.ID] = p
	appLog.Debug("sync scheduled", "dataset", loc.ID, "delay", delay.String())

	return func() {
		d.mu.Lock()
		if d.pending[loc.ID] == p {
			delete(d.pending, loc.ID)
		}
		d.mu.Unlock()
		p.stop()
	}
}

// Pending reports whether a sync for id is waiting to run.
func (d *Deferred) Pending(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[id]
	return ok
}

// Stop cancels every pending sync and waits for running ones.
func (d *Deferred) Stop() {
	d.mu.Lock()
	for id, p := range d.pending {
		p.stop()
		delete(d.pending, id)
	}
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}
