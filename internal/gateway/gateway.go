// Package gateway persists edited weeks to the canonical dataset file and
// pushes that file to a remote system-of-record.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	appLog "weekplan/internal/log"
	"weekplan/internal/model"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
)

var (
	// ErrNoRemote means Sync was called without a configured remote.
	ErrNoRemote = errors.New("no remote configured")
	// ErrStagingDisabled means Stage or Reconcile was called without a
	// staging directory.
	ErrStagingDisabled = errors.New("staging is not enabled")
)

// Remote is the version-control hook. Sync calls it as
// Pull, Add, Commit, Push and stops at the first failure.
type Remote interface {
	Pull(ctx context.Context) error
	Add(path string) error
	// Commit reports false when there was nothing to commit.
	Commit(message string, ts time.Time) (bool, error)
	Push(ctx context.Context) error
}

// Gateway reads, merges and writes canonical datasets.
type Gateway struct {
	Store   *storage.FileStore
	Staging *storage.Staging
	Merger  *schedule.Merger
	Remote  Remote
	Now     func() time.Time

	group singleflight.Group
}

// New returns a Gateway without staging or remote.
func New(store *storage.FileStore, merger *schedule.Merger) *Gateway {
	return &Gateway{Store: store, Merger: merger, Now: time.Now}
}

func (g *Gateway) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Staged reports whether edits go to the staging area first.
func (g *Gateway) Staged() bool { return g.Staging != nil }

// Save reads canonical fresh, merges edited into it and writes the file
// once. Nothing is written when the merge changed nothing.
func (g *Gateway) Save(ctx context.Context, loc storage.Location, edited []model.Record) (*model.Dataset, schedule.MergeResult, error) {
	canonical, err := g.Store.Read(ctx, loc)
	if err != nil {
		return nil, schedule.MergeResult{}, err
	}

	merged, res, err := g.Merger.Merge(edited, canonical)
	if err != nil {
		return nil, res, err
	}
	if len(res.IgnoredPeople) > 0 {
		appLog.Info("ignored edited columns not in the dataset header", "dataset", loc.ID, "people", res.IgnoredPeople)
	}
	if !res.Changed() {
		return merged, res, nil
	}

	if err := g.Store.Write(ctx, loc, merged); err != nil {
		return nil, res, err
	}
	appLog.Info("dataset saved", "dataset", loc.ID, "updated", len(res.Updated), "skipped", len(res.Skipped))
	return merged, res, nil
}

// Stage writes edited as the staging entry of key, replacing any earlier
// entry for the same week.
func (g *Gateway) Stage(ctx context.Context, loc storage.Location, people []string, key model.BucketKey, edited []model.Record) (string, error) {
	if g.Staging == nil {
		return "", ErrStagingDisabled
	}
	path, err := g.Staging.Put(ctx, loc, people, key, edited)
	if err != nil {
		return "", err
	}
	appLog.Debug("week staged", "dataset", loc.ID, "week", key.String(), "path", path)
	return path, nil
}

// ReconcileResult summarizes a reconcile pass.
type ReconcileResult struct {
	Buckets int
	Updated []string
	Skipped []string
}

// Reconcile folds every staged week of loc into canonical in week order,
// writes canonical once and removes the staged files. If any step before
// the write fails, nothing is written and the staged files stay.
func (g *Gateway) Reconcile(ctx context.Context, loc storage.Location) (ReconcileResult, error) {
	var out ReconcileResult
	if g.Staging == nil {
		return out, ErrStagingDisabled
	}

	staged, err := g.Staging.List(ctx, loc.ID)
	if err != nil || len(staged) == 0 {
		return out, err
	}

	canonical, err := g.Store.Read(ctx, loc)
	if err != nil {
		return out, err
	}

	for _, sb := range staged {
		records, err := g.Staging.Load(ctx, sb)
		if err != nil {
			return out, err
		}
		merged, res, err := g.Merger.Merge(records, canonical)
		if err != nil {
			return out, fmt.Errorf("reconcile %s: %w", sb.Key, err)
		}
		canonical = merged
		out.Buckets++
		out.Updated = append(out.Updated, res.Updated...)
		out.Skipped = append(out.Skipped, res.Skipped...)
	}

	if len(out.Updated) > 0 {
		if err := g.Store.Write(ctx, loc, canonical); err != nil {
			return out, err
		}
	}

	var errs []error
	for _, sb := range staged {
		errs = append(errs, g.Staging.Remove(ctx, sb))
	}
	appLog.Info("staging reconciled", "dataset", loc.ID, "weeks", out.Buckets, "updated", len(out.Updated))
	return out, errors.Join(errs...)
}

// CommitMessage is the message Sync commits with.
func CommitMessage(path string, ts time.Time) string {
	return fmt.Sprintf("weekplan: update %s at %s", path, ts.Format(time.RFC3339))
}

// Sync reconciles staging (when enabled) and then pulls, stages, commits and
// pushes loc's file. It is best effort: there is no retry and a concurrent
// sync from another process can still win. Concurrent calls for the same
// location inside this process share one run.
func (g *Gateway) Sync(ctx context.Context, loc storage.Location) error {
	_, err, shared := g.group.Do(loc.ID, func() (any, error) {
		return nil, g.sync(ctx, loc)
	})
	if shared {
		appLog.Debug("sync shared with a concurrent caller", "dataset", loc.ID)
	}
	return err
}

func (g *Gateway) sync(ctx context.Context, loc storage.Location) error {
	if g.Staging != nil {
		if _, err := g.Reconcile(ctx, loc); err != nil {
			return &model.SyncError{Step: "reconcile", Err: err}
		}
	}
	if g.Remote == nil {
		return &model.SyncError{Step: "pull", Err: ErrNoRemote}
	}

	if err := g.Remote.Pull(ctx); err != nil {
		return &model.SyncError{Step: "pull", Err: err}
	}
	if err := g.Remote.Add(loc.Path); err != nil {
		return &model.SyncError{Step: "add", Err: err}
	}
	ts := g.now()
	committed, err := g.Remote.Commit(CommitMessage(loc.Path, ts), ts)
	if err != nil {
		return &model.SyncError{Step: "commit", Err: err}
	}
	if err := g.Remote.Push(ctx); err != nil {
		return &model.SyncError{Step: "push", Err: err}
	}

	appLog.Info("dataset synced", "dataset", loc.ID, "path", loc.Path, "committed", committed)
	return nil
}
