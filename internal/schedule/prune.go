package schedule

import (
	"context"
	"sync"
	"time"

	"weekplan/internal/model"
)

// Writer persists a whole dataset.
type Writer interface {
	Write(ctx context.Context, ds *model.Dataset) error
}

// Pruner drops records from weeks before the current one and persists the
// compacted dataset.
type Pruner struct {
	Bucketer *Bucketer
	Writer   Writer

	mu      sync.Mutex
	current model.BucketKey
}

// NewPruner returns a Pruner writing through w.
func NewPruner(b *Bucketer, w Writer) *Pruner {
	return &Pruner{Bucketer: b, Writer: w}
}

// Current returns the current bucket key for now. The value never moves
// backwards within one Pruner, even if the wall clock does.
func (p *Pruner) Current(now time.Time) model.BucketKey {
	key := p.Bucketer.Key(now)

	p.mu.Lock()
	defer p.mu.Unlock()
	if key.Before(p.current) {
		return p.current
	}
	p.current = key
	return key
}

// Prune returns a copy of ds holding only records whose bucket is at or
// after the current week, and how many records were dropped.
//
// When anything was dropped the result is written, even if it is empty. A
// failed write comes back as *model.PersistenceError together with the
// pruned dataset, which is still valid for rendering.
func (p *Pruner) Prune(ctx context.Context, ds *model.Dataset, now time.Time) (*model.Dataset, int, error) {
	current := p.Current(now)

	out := ds.Clone()
	kept := out.Records[:0]
	for _, r := range out.Records {
		if r.Key().Before(current) {
			continue
		}
		kept = append(kept, r)
	}
	dropped := len(out.Records) - len(kept)
	out.Records = kept

	if dropped == 0 || p.Writer == nil {
		return out, dropped, nil
	}

	if err := p.Writer.Write(ctx, out); err != nil {
		return out, dropped, err
	}
	return out, dropped, nil
}
