// Package planner runs one request pass over a dataset: load, bucket,
// prune, partition into the session store, and on edit merge and persist.
// Recoverable failures come back as warnings next to the result.
package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"weekplan/internal/gateway"
	appLog "weekplan/internal/log"
	"weekplan/internal/model"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
)

var (
	// ErrUnknownDataset means no dataset with the requested id is configured.
	ErrUnknownDataset = errors.New("unknown dataset")
	// ErrUnknownWeek means the week is not part of the session's view.
	ErrUnknownWeek = errors.New("unknown week")
	// ErrReadOnlyWeek means the week is shown read-only; toggle it to edit.
	ErrReadOnlyWeek = errors.New("week is in read-only view")
)

// Options wires an Engine.
type Options struct {
	Datasets    []storage.Location
	Gateway     *gateway.Gateway
	Extender    *schedule.Extender
	Highlighter *schedule.Highlighter
	// Deferred, when set together with PushDelay, pushes after saves with a
	// delay so several quick edits share one commit.
	Deferred  *gateway.Deferred
	PushDelay time.Duration
	// SyncOnSave pushes after every durable write.
	SyncOnSave bool

	Sentinel      string
	HorizonWeeks  int
	DisplayLayout string
	Now           func() time.Time
}

// Engine is the entry point for the web layer and the CLI.
type Engine struct {
	opts     Options
	gw       *gateway.Gateway
	bucketer *schedule.Bucketer
	order    []string
	datasets map[string]storage.Location

	mu      sync.Mutex
	pruners map[string]*schedule.Pruner
}

// New returns an Engine for opts.
func New(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Highlighter == nil {
		opts.Highlighter = &schedule.Highlighter{}
	}

	e := &Engine{
		opts:     opts,
		gw:       opts.Gateway,
		bucketer: opts.Gateway.Store.Codec.Bucketer,
		datasets: make(map[string]storage.Location, len(opts.Datasets)),
		pruners:  make(map[string]*schedule.Pruner),
	}
	if opts.DisplayLayout == "" {
		e.opts.DisplayLayout = e.bucketer.Layout
	}
	for _, loc := range opts.Datasets {
		e.order = append(e.order, loc.ID)
		e.datasets[loc.ID] = loc
	}
	return e
}

// DatasetInfo lists a configured dataset.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Datasets returns the configured datasets in config order.
func (e *Engine) Datasets() []DatasetInfo {
	out := make([]DatasetInfo, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, DatasetInfo{ID: id, Name: e.datasets[id].Name})
	}
	return out
}

// Location returns the storage location of dataset id.
func (e *Engine) Location(id string) (storage.Location, error) {
	loc, ok := e.datasets[id]
	if !ok {
		return storage.Location{}, fmt.Errorf("%w %q", ErrUnknownDataset, id)
	}
	return loc, nil
}

func (e *Engine) pruner(loc storage.Location) *schedule.Pruner {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pruners[loc.ID]
	if !ok {
		p = schedule.NewPruner(e.bucketer, e.gw.Store.For(loc))
		e.pruners[loc.ID] = p
	}
	return p
}

// CurrentWeek returns the week pruning is anchored at for dataset id.
func (e *Engine) CurrentWeek(id string) (model.BucketKey, error) {
	loc, err := e.Location(id)
	if err != nil {
		return model.BucketKey{}, err
	}
	return e.pruner(loc).Current(e.opts.Now()), nil
}

// Warnings collects recoverable failures of one pass.
type Warnings []string

func (w *Warnings) add(format string, args ...any) {
	*w = append(*w, fmt.Sprintf(format, args...))
}

func (w *Warnings) addErr(what string, err error) {
	var (
		pe *model.PersistenceError
		se *model.SyncError
		de *model.InvalidDateError
		ce *model.MergeConflictError
	)
	switch {
	case errors.As(err, &se):
		w.add("%s: push to remote failed at %s; the local file is saved: %v", what, se.Step, se.Err)
	case errors.As(err, &pe):
		w.add("%s: could not %s %s; your edits are kept, try again: %v", what, pe.Op, pe.Path, pe.Err)
	case errors.As(err, &ce):
		w.add("%s: the dataset changed since it was loaded; reload and try again", what)
	case errors.As(err, &de):
		w.add("%s: %v", what, de)
	default:
		w.add("%s: %v", what, err)
	}
}

// fatal reports whether err must fail the request instead of becoming a
// warning.
func fatal(err error) bool {
	return errors.Is(err, model.ErrStorageLocation) || errors.Is(err, ErrUnknownDataset)
}

// RowView is one record as shown to the user.
type RowView struct {
	Date        string            `json:"date"`
	Display     string            `json:"display"`
	DayName     string            `json:"day_name"`
	Assignments map[string]string `json:"assignments"`
	Classes     map[string]string `json:"classes,omitempty"`
}

// WeekView is one bucket of a dataset view.
type WeekView struct {
	Key       string                   `json:"key"`
	Period    int                      `json:"period"`
	Subperiod int                      `json:"subperiod"`
	ReadOnly  bool                     `json:"read_only"`
	Dirty     bool                     `json:"dirty"`
	Rows      []RowView                `json:"rows"`
	Counts    []schedule.KeywordCounts `json:"counts,omitempty"`
}

// DatasetView is the result of Load.
type DatasetView struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	People   []string   `json:"people"`
	Version  string     `json:"version"`
	Current  string     `json:"current_week"`
	Weeks    []WeekView `json:"weeks"`
	Warnings Warnings   `json:"warnings"`
}

func (e *Engine) rows(records []model.Record) []RowView {
	out := make([]RowView, 0, len(records))
	for _, r := range records {
		rv := RowView{
			Date:        e.bucketer.Format(r.Date),
			Display:     e.bucketer.FormatWith(e.opts.DisplayLayout, r.Date),
			DayName:     r.DayName,
			Assignments: make(map[string]string, len(r.Assignments)),
		}
		for p, label := range r.Assignments {
			rv.Assignments[p] = label
			if c := e.opts.Highlighter.Class(label); c != "" {
				if rv.Classes == nil {
					rv.Classes = make(map[string]string)
				}
				rv.Classes[p] = c
			}
		}
		out = append(out, rv)
	}
	return out
}

func (e *Engine) week(sess *schedule.BucketStore, id string, key model.BucketKey, records []model.Record) WeekView {
	return WeekView{
		Key:       key.String(),
		Period:    key.Period,
		Subperiod: key.Subperiod,
		ReadOnly:  sess.ReadOnly(id, key),
		Dirty:     sess.Dirty(id, key),
		Rows:      e.rows(records),
		Counts:    e.opts.Highlighter.Counts(records),
	}
}

// Load runs one render pass of dataset id for sess. Only an unknown dataset
// or a missing canonical file fail the call; everything else becomes a
// warning on a view that still renders.
func (e *Engine) Load(ctx context.Context, sess *schedule.BucketStore, id string) (*DatasetView, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	if sess.Select(id) {
		appLog.Debug("session switched dataset", "dataset", id)
	}

	view := &DatasetView{ID: loc.ID, Name: loc.Name, Warnings: Warnings{}}

	ds, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		view.Warnings.addErr("load", err)
		return view, nil
	}
	for _, rj := range ds.Rejected {
		view.Warnings.add("line %d was not loaded and blocks saving until fixed: %v", rj.Line, rj.Err)
	}

	now := e.opts.Now()
	pruned, dropped, err := e.pruner(loc).Prune(ctx, ds, now)
	if err != nil {
		view.Warnings.addErr("removing past weeks", err)
	} else if dropped > 0 {
		appLog.Info("pruned past weeks", "dataset", id, "dropped", dropped)
	}
	view.People = pruned.People
	view.Version = pruned.Version
	view.Current = e.pruner(loc).Current(now).String()

	staged := e.stagedWeeks(ctx, loc, &view.Warnings)
	for _, b := range schedule.Partition(pruned.Records) {
		fresh := b.Records
		if s, ok := staged[b.Key]; ok {
			fresh = s
		}

		working, known := sess.Working(id, b.Key)
		switch {
		case !known:
			working = sess.GetOrInit(id, b.Key, fresh)
		case sess.Drifted(id, b.Key, fresh) && !sess.Dirty(id, b.Key):
			sess.Reload(id, b.Key, fresh)
			working = model.CloneRecords(fresh)
		case sess.Drifted(id, b.Key, fresh):
			view.Warnings.add("week %s changed on disk; your unsaved edits are kept and will overwrite it on save", b.Key)
		}
		view.Weeks = append(view.Weeks, e.week(sess, id, b.Key, working))
	}
	return view, nil
}

// stagedWeeks returns the staged snapshots of loc, which take precedence
// over canonical until they are reconciled.
func (e *Engine) stagedWeeks(ctx context.Context, loc storage.Location, w *Warnings) map[model.BucketKey][]model.Record {
	if !e.gw.Staged() {
		return nil
	}
	list, err := e.gw.Staging.List(ctx, loc.ID)
	if err != nil {
		w.addErr("reading staged weeks", err)
		return nil
	}

	out := make(map[model.BucketKey][]model.Record, len(list))
	for _, sb := range list {
		records, err := e.gw.Staging.Load(ctx, sb)
		if err != nil {
			w.addErr("reading staged week "+sb.Key.String(), err)
			continue
		}
		out[sb.Key] = records
	}
	return out
}

// RowInput is one edited row as submitted by a client.
type RowInput struct {
	Date        string            `json:"date"`
	Assignments map[string]string `json:"assignments"`
}

// EditResult is the result of Edit.
type EditResult struct {
	Changed  bool     `json:"changed"`
	Saved    bool     `json:"saved"`
	Staged   bool     `json:"staged"`
	Updated  []string `json:"updated,omitempty"`
	Week     WeekView `json:"week"`
	Warnings Warnings `json:"warnings"`
}

func (e *Engine) parseRows(rows []RowInput) ([]model.Record, error) {
	out := make([]model.Record, 0, len(rows))
	for _, in := range rows {
		d, err := e.bucketer.Parse(in.Date)
		if err != nil {
			return nil, err
		}
		r := model.Record{Date: d, Assignments: make(map[string]string, len(in.Assignments))}
		for p, label := range in.Assignments {
			label = strings.TrimSpace(label)
			if label == "" {
				label = e.opts.Sentinel
			}
			r.Assignments[p] = label
		}
		if err := e.bucketer.Assign(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Edit submits the edited rows of one week. Nothing is written when the
// rows equal the reference copy. On a failed save the working copy keeps the
// edits so the user can retry. A week in read-only view refuses edits.
func (e *Engine) Edit(ctx context.Context, sess *schedule.BucketStore, id string, key model.BucketKey, rows []RowInput) (*EditResult, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	if sess.ReadOnly(id, key) {
		return nil, fmt.Errorf("%w %s", ErrReadOnlyWeek, key)
	}

	res := &EditResult{Warnings: Warnings{}}
	records, err := e.parseRows(rows)
	if err != nil {
		res.Warnings.addErr("save", err)
		current, _ := sess.Working(id, key)
		res.Week = e.week(sess, id, key, current)
		return res, nil
	}
	for _, r := range records {
		if r.Key() != key {
			res.Warnings.add("row %s belongs to week %s, not %s", r.DateKey(), r.Key(), key)
		}
	}

	res.Changed = sess.Update(id, key, records)
	if !res.Changed {
		res.Week = e.week(sess, id, key, records)
		return res, nil
	}

	if e.gw.Staged() {
		err = e.stage(ctx, sess, loc, key, records)
		res.Staged = err == nil
	} else {
		res.Updated, err = e.save(ctx, sess, loc, key, records, &res.Warnings)
		res.Saved = err == nil
	}
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		res.Warnings.addErr("save", err)
	} else {
		e.afterWrite(ctx, sess, loc, &res.Warnings)
	}

	current, _ := sess.Working(id, key)
	res.Week = e.week(sess, id, key, current)
	return res, nil
}

func (e *Engine) stage(ctx context.Context, sess *schedule.BucketStore, loc storage.Location, key model.BucketKey, records []model.Record) error {
	canonical, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		return err
	}
	if _, err := e.gw.Stage(ctx, loc, canonical.People, key, records); err != nil {
		return err
	}
	sess.MarkSaved(loc.ID, key, records)
	return nil
}

func (e *Engine) save(ctx context.Context, sess *schedule.BucketStore, loc storage.Location, key model.BucketKey, records []model.Record, w *Warnings) ([]string, error) {
	merged, mr, err := e.gw.Save(ctx, loc, records)
	if err != nil {
		return nil, err
	}
	for _, dk := range mr.Skipped {
		w.add("date %s is not in the dataset and was not added; extend the planning first", dk)
	}
	if len(mr.IgnoredPeople) > 0 {
		w.add("columns %s are not in the dataset and were ignored", strings.Join(mr.IgnoredPeople, ", "))
	}

	var saved []model.Record
	for _, r := range merged.Records {
		if r.Key() == key {
			saved = append(saved, r)
		}
	}
	sess.MarkSaved(loc.ID, key, saved)
	return mr.Updated, nil
}

// afterWrite pushes (or schedules a push of) a durable write.
func (e *Engine) afterWrite(ctx context.Context, sess *schedule.BucketStore, loc storage.Location, w *Warnings) {
	switch {
	case e.opts.Deferred != nil && e.opts.PushDelay > 0:
		cancel := e.opts.Deferred.Schedule(loc, e.opts.PushDelay)
		if sess != nil {
			sess.SetPushCancel(loc.ID, cancel)
		}
	case e.opts.SyncOnSave:
		if err := e.gw.Sync(ctx, loc); err != nil {
			w.addErr("sync", err)
		}
	}
}

// Toggle flips the view mode of a week; see schedule.BucketStore.ToggleView.
func (e *Engine) Toggle(sess *schedule.BucketStore, id string, key model.BucketKey) (WeekView, error) {
	if _, err := e.Location(id); err != nil {
		return WeekView{}, err
	}
	if _, ok := sess.Working(id, key); !ok {
		return WeekView{}, fmt.Errorf("%w %s", ErrUnknownWeek, key)
	}

	sess.ToggleView(id, key)
	working, _ := sess.Working(id, key)
	return e.week(sess, id, key, working), nil
}

// ExtendResult is the result of Extend.
type ExtendResult struct {
	Added    []string `json:"added"`
	Warnings Warnings `json:"warnings"`
}

// Extend scaffolds sentinel rows for the configured horizon.
func (e *Engine) Extend(ctx context.Context, sess *schedule.BucketStore, id string) (*ExtendResult, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	if e.opts.Extender == nil {
		return nil, errors.New("extending is not configured")
	}

	res := &ExtendResult{Warnings: Warnings{}}
	ds, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	extended, added, err := e.opts.Extender.Extend(ds, e.opts.Now(), e.opts.HorizonWeeks)
	if err != nil {
		return nil, err
	}
	res.Added = added
	if len(added) == 0 {
		return res, nil
	}

	if err := e.gw.Store.Write(ctx, loc, extended); err != nil {
		if fatal(err) {
			return nil, err
		}
		res.Warnings.addErr("extend", err)
		return res, nil
	}
	appLog.Info("planning extended", "dataset", id, "added", len(added))
	e.afterWrite(ctx, sess, loc, &res.Warnings)
	return res, nil
}

// Sync pushes dataset id now.
func (e *Engine) Sync(ctx context.Context, id string) error {
	loc, err := e.Location(id)
	if err != nil {
		return err
	}
	return e.gw.Sync(ctx, loc)
}

// Reconcile folds the staged weeks of dataset id into its file.
func (e *Engine) Reconcile(ctx context.Context, id string) (gateway.ReconcileResult, error) {
	loc, err := e.Location(id)
	if err != nil {
		return gateway.ReconcileResult{}, err
	}
	return e.gw.Reconcile(ctx, loc)
}

// Compact prunes every dataset. Missing files are skipped.
func (e *Engine) Compact(ctx context.Context) error {
	var errs []error
	for _, id := range e.order {
		loc := e.datasets[id]
		ds, err := e.gw.Store.Read(ctx, loc)
		if err != nil {
			if errors.Is(err, model.ErrStorageLocation) {
				appLog.Warn("compaction skipped", err, "dataset", id)
				continue
			}
			errs = append(errs, err)
			continue
		}
		_, dropped, err := e.pruner(loc).Prune(ctx, ds, e.opts.Now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		appLog.Info("compaction done", "dataset", id, "dropped", dropped)
	}
	return errors.Join(errs...)
}

// SyncAll syncs every dataset.
func (e *Engine) SyncAll(ctx context.Context) error {
	var errs []error
	for _, id := range e.order {
		if err := e.gw.Sync(ctx, e.datasets[id]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
