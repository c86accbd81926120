package planner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"weekplan/internal/gateway"
	"weekplan/internal/ics"
	"weekplan/internal/model"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
)

const devCSV = `Dag,Datum,Alice,Bob,Week,Jaar
Maandag,2024-05-27,Office,Home,22,2024
Maandag,2024-06-03,Office,-,23,2024
Dinsdag,2024-06-04,Home,Office,23,2024
Maandag,2024-06-10,-,-,24,2024
`

const supportCSV = `Dag,Datum,Carol,Week,Jaar
Maandag,2024-06-03,Apeldoorn,23,2024
`

var (
	w23 = model.BucketKey{Period: 2024, Subperiod: 23}
	w24 = model.BucketKey{Period: 2024, Subperiod: 24}
)

type countingRemote struct {
	mu    sync.Mutex
	syncs int
}

func (r *countingRemote) Pull(context.Context) error {
	return nil
}

func (r *countingRemote) Add(string) error {
	return nil
}

func (r *countingRemote) Push(context.Context) error {
	r.mu.Lock()
	r.syncs++
	r.mu.Unlock()
	return nil
}

func (r *countingRemote) Commit(string, time.Time) (bool, error) {
	return true, nil
}

func (r *countingRemote) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncs
}

type env struct {
	engine *Engine
	gw     *gateway.Gateway
	dev    storage.Location
	codec  *storage.Codec
	opts   Options
}

func newEnv(t *testing.T, mutate func(*Options)) env {
	t.Helper()
	dir := t.TempDir()
	dev := storage.Location{ID: "dev", Name: "Dev", Path: filepath.Join(dir, "data_planning_dev.csv")}
	support := storage.Location{ID: "support", Name: "Support - Exposure", Path: filepath.Join(dir, "data_planning_support.csv")}
	if err := os.WriteFile(dev.Path, []byte(devCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(support.Path, []byte(supportCSV), 0o644); err != nil {
		t.Fatal(err)
	}

	b := schedule.NewBucketer("2006-01-02", time.UTC, []string{"Maandag", "Dinsdag", "Woensdag", "Donderdag", "Vrijdag", "Zaterdag", "Zondag"})
	codec := storage.NewCodec(b, storage.Columns{Date: "Datum", Day: "Dag", Week: "Week", Year: "Jaar"})
	gw := gateway.New(storage.NewFileStore(codec), schedule.NewMerger(b))
	ext, err := schedule.NewExtender(b, []string{"monday", "tuesday", "wednesday", "thursday", "friday"}, "-")
	if err != nil {
		t.Fatal(err)
	}

	opts := Options{
		Datasets:      []storage.Location{dev, support},
		Gateway:       gw,
		Extender:      ext,
		Highlighter:   &schedule.Highlighter{Rules: []schedule.HighlightRule{{Keyword: "Office", Class: "office", Count: true}}},
		Sentinel:      "-",
		HorizonWeeks:  1,
		DisplayLayout: "02-01-2006",
		Now:           func() time.Time { return time.Date(2024, 6, 5, 10, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&opts)
	}
	return env{engine: New(opts), gw: gw, dev: dev, codec: codec, opts: opts}
}

func (e env) readDev(t *testing.T) *model.Dataset {
	t.Helper()
	ds, err := e.gw.Store.Read(context.Background(), e.dev)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func rowsOf(w WeekView) []RowInput {
	out := make([]RowInput, 0, len(w.Rows))
	for _, r := range w.Rows {
		a := make(map[string]string, len(r.Assignments))
		for k, v := range r.Assignments {
			a[k] = v
		}
		out = append(out, RowInput{Date: r.Date, Assignments: a})
	}
	return out
}

func Test_Engine_LoadPrunesAndPartitions(t *testing.T) {
	e := newEnv(t, nil)
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(context.Background(), sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", view.Warnings)
	}
	if view.Current != "2024-W23" {
		t.Errorf("current week = %s", view.Current)
	}
	if len(view.Weeks) != 2 || view.Weeks[0].Key != "2024-W23" || view.Weeks[1].Key != "2024-W24" {
		t.Fatalf("unexpected weeks: %+v", view.Weeks)
	}

	first := view.Weeks[0].Rows[0]
	if first.Display != "03-06-2024" || first.DayName != "Maandag" || first.Classes["Alice"] != "office" {
		t.Errorf("unexpected row view: %+v", first)
	}
	if c := view.Weeks[0].Counts; len(c) != 1 || c[0].Days[1].Count != 1 {
		t.Errorf("unexpected counts: %+v", c)
	}

	if ds := e.readDev(t); len(ds.Records) != 3 {
		t.Errorf("pruned dataset not persisted: %d records", len(ds.Records))
	}
}

func Test_Engine_LoadMissingFileIsFatal(t *testing.T) {
	e := newEnv(t, nil)
	if err := os.Remove(e.dev.Path); err != nil {
		t.Fatal(err)
	}
	_, err := e.engine.Load(context.Background(), schedule.NewBucketStore(), "dev")
	if !errors.Is(err, model.ErrStorageLocation) {
		t.Errorf("expected ErrStorageLocation, got %v", err)
	}
	if _, err := e.engine.Load(context.Background(), schedule.NewBucketStore(), "nope"); !errors.Is(err, ErrUnknownDataset) {
		t.Errorf("expected ErrUnknownDataset, got %v", err)
	}
}

func Test_Engine_EditSavesWeek(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	rows[1].Assignments["Bob"] = "  "

	res, err := e.engine.Edit(ctx, sess, "dev", w23, rows)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || !res.Saved || len(res.Warnings) != 0 {
		t.Fatalf("unexpected edit result: %+v", res)
	}
	if res.Week.Dirty {
		t.Error("week still dirty after a successful save")
	}

	ds := e.readDev(t)
	if ds.Records[0].Assignments["Alice"] != "Remote" {
		t.Errorf("edit not saved: %+v", ds.Records[0])
	}
	if ds.Records[1].Assignments["Bob"] != "-" {
		t.Errorf("empty label not normalized to the sentinel: %+v", ds.Records[1])
	}

	again, err := e.engine.Edit(ctx, sess, "dev", w23, rows)
	if err != nil {
		t.Fatal(err)
	}
	if again.Changed || again.Saved {
		t.Errorf("resubmitting the same rows should be a no-op: %+v", again)
	}
}

func Test_Engine_EditFailureKeepsWorkingCopy(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}

	// A bad row appears in the file after the page was loaded.
	raw, _ := os.ReadFile(e.dev.Path)
	if err := os.WriteFile(e.dev.Path, append(raw, []byte("Woensdag,someday,x,y,23,2024\n")...), 0o644); err != nil {
		t.Fatal(err)
	}

	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	res, err := e.engine.Edit(ctx, sess, "dev", w23, rows)
	if err != nil {
		t.Fatal(err)
	}
	if res.Saved || len(res.Warnings) == 0 {
		t.Fatalf("expected a warning and no save: %+v", res)
	}
	if !res.Week.Dirty || res.Week.Rows[0].Assignments["Alice"] != "Remote" {
		t.Errorf("edits not kept after a failed save: %+v", res.Week)
	}
	if !strings.Contains(string(mustRead(t, e.dev.Path)), "someday") {
		t.Error("rejected row was dropped from the file")
	}
}

func Test_Engine_EditInvalidDateIsWarning(t *testing.T) {
	e := newEnv(t, nil)
	sess := schedule.NewBucketStore()
	if _, err := e.engine.Load(context.Background(), sess, "dev"); err != nil {
		t.Fatal(err)
	}

	res, err := e.engine.Edit(context.Background(), sess, "dev", w23, []RowInput{{Date: "03/06/2024", Assignments: map[string]string{"Alice": "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || len(res.Warnings) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func Test_Engine_DatasetSwitchReloads(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	unsaved := rowsOf(view.Weeks[0])
	recs, err := e.engine.parseRows(unsaved)
	if err != nil {
		t.Fatal(err)
	}
	recs[0].Assignments["Alice"] = "unsaved"
	sess.Update("dev", w23, recs)

	if _, err := e.engine.Load(ctx, sess, "support"); err != nil {
		t.Fatal(err)
	}
	view, err = e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if got := view.Weeks[0].Rows[0].Assignments["Alice"]; got != "Office" {
		t.Errorf("stale working copy survived a dataset switch: %q", got)
	}
}

func Test_Engine_DriftReloadsCleanWeeks(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	if _, err := e.engine.Load(ctx, sess, "dev"); err != nil {
		t.Fatal(err)
	}

	// Someone else saves week 24.
	other := e.readDev(t)
	other.Records[2].Assignments["Bob"] = "Office"
	if err := e.gw.Store.Write(ctx, e.dev, other); err != nil {
		t.Fatal(err)
	}

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if got := view.Weeks[1].Rows[0].Assignments["Bob"]; got != "Office" {
		t.Errorf("external change not picked up: %q", got)
	}
}

func Test_Engine_ToggleDiscardsUnsavedEdits(t *testing.T) {
	e := newEnv(t, nil)
	sess := schedule.NewBucketStore()
	if _, err := e.engine.Load(context.Background(), sess, "dev"); err != nil {
		t.Fatal(err)
	}

	working, _ := sess.Working("dev", w23)
	working[0].Assignments["Alice"] = "unsaved"
	sess.Update("dev", w23, working)

	w, err := e.engine.Toggle(sess, "dev", w23)
	if err != nil || !w.ReadOnly {
		t.Fatalf("expected read-only view: %+v %v", w, err)
	}
	w, err = e.engine.Toggle(sess, "dev", w23)
	if err != nil || w.ReadOnly {
		t.Fatalf("expected editable view: %+v %v", w, err)
	}
	if w.Rows[0].Assignments["Alice"] != "Office" || w.Dirty {
		t.Errorf("unsaved edit survived the toggle: %+v", w.Rows[0])
	}

	if _, err := e.engine.Toggle(sess, "dev", model.BucketKey{Period: 2030, Subperiod: 1}); !errors.Is(err, ErrUnknownWeek) {
		t.Errorf("expected ErrUnknownWeek, got %v", err)
	}
}

func Test_Engine_EditRefusesReadOnlyWeek(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()
	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.engine.Toggle(sess, "dev", w23); err != nil {
		t.Fatal(err)
	}

	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	if _, err := e.engine.Edit(ctx, sess, "dev", w23, rows); !errors.Is(err, ErrReadOnlyWeek) {
		t.Fatalf("expected ErrReadOnlyWeek, got %v", err)
	}
	if e.readDev(t).Records[0].Assignments["Alice"] != "Office" {
		t.Error("read-only week was written")
	}
}

func Test_Engine_EditTargetsNamedDataset(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	// A second tab on the same session opens support before dev is saved.
	if _, err := e.engine.Load(ctx, sess, "support"); err != nil {
		t.Fatal(err)
	}

	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	res, err := e.engine.Edit(ctx, sess, "dev", w23, rows)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Saved {
		t.Fatalf("dev edit not saved: %+v", res)
	}
	if e.readDev(t).Records[0].Assignments["Alice"] != "Remote" {
		t.Error("dev file not updated")
	}
	if !strings.Contains(string(mustRead(t, e.opts.Datasets[1].Path)), "Apeldoorn") {
		t.Error("support file touched by a dev edit")
	}
	support, ok := sess.Working("support", w23)
	if !ok || support[0].Assignments["Carol"] != "Apeldoorn" {
		t.Errorf("support working copy replaced: %+v", support)
	}
}

func Test_Engine_StagedEdits(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.gw.Staging = storage.NewStaging(filepath.Join(t.TempDir(), "staging"), e.codec)
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	before := mustRead(t, e.dev.Path)

	rows := rowsOf(view.Weeks[1])
	rows[0].Assignments["Alice"] = "Vrij"
	res, err := e.engine.Edit(ctx, sess, "dev", w24, rows)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Staged || res.Saved {
		t.Fatalf("expected a staged edit: %+v", res)
	}
	if string(mustRead(t, e.dev.Path)) != string(before) {
		t.Error("staged edit wrote the canonical file")
	}

	view, err = e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if got := view.Weeks[1].Rows[0].Assignments["Alice"]; got != "Vrij" {
		t.Errorf("staged edit not shown after reload: %q", got)
	}

	rr, err := e.engine.Reconcile(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if rr.Buckets != 1 {
		t.Errorf("unexpected reconcile result: %+v", rr)
	}
	if ds := e.readDev(t); ds.Records[2].Assignments["Alice"] != "Vrij" {
		t.Errorf("reconcile did not apply the staged week: %+v", ds.Records[2])
	}
}

func Test_Engine_ExtendAddsHorizon(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.engine.Extend(context.Background(), schedule.NewBucketStore(), "dev")
	if err != nil {
		t.Fatal(err)
	}
	// Mon 2024-06-03 .. Fri 2024-06-14 minus the three existing rows.
	if len(res.Added) != 7 {
		t.Errorf("expected 7 new rows, got %v", res.Added)
	}
	ds := e.readDev(t)
	if len(ds.Records) != 11 {
		t.Errorf("expected 11 rows on disk, got %d", len(ds.Records))
	}

	again, err := e.engine.Extend(context.Background(), schedule.NewBucketStore(), "dev")
	if err != nil || len(again.Added) != 0 {
		t.Errorf("second extend should add nothing: %+v %v", again, err)
	}
}

func Test_Engine_SyncOnSave(t *testing.T) {
	remote := &countingRemote{}
	e := newEnv(t, func(o *Options) { o.SyncOnSave = true })
	e.gw.Remote = remote
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	if _, err := e.engine.Edit(ctx, sess, "dev", w23, rows); err != nil {
		t.Fatal(err)
	}
	if remote.count() != 1 {
		t.Errorf("expected one push, got %d", remote.count())
	}
}

func Test_Engine_DeferredPushOwnedBySession(t *testing.T) {
	remote := &countingRemote{}
	var deferred *gateway.Deferred
	e := newEnv(t, func(o *Options) {
		o.Gateway.Remote = remote
		deferred = gateway.NewDeferred(context.Background(), o.Gateway)
		o.Deferred = deferred
		o.PushDelay = time.Hour
	})
	defer deferred.Stop()
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	view, err := e.engine.Load(ctx, sess, "dev")
	if err != nil {
		t.Fatal(err)
	}
	rows := rowsOf(view.Weeks[0])
	rows[0].Assignments["Alice"] = "Remote"
	if _, err := e.engine.Edit(ctx, sess, "dev", w23, rows); err != nil {
		t.Fatal(err)
	}
	if !deferred.Pending("dev") {
		t.Fatal("expected a pending push")
	}

	sess.Close()
	if deferred.Pending("dev") {
		t.Error("closing the session did not cancel its push")
	}
	if remote.count() != 0 {
		t.Errorf("cancelled push ran: %d", remote.count())
	}
}

func Test_Engine_Compact(t *testing.T) {
	e := newEnv(t, nil)
	if err := e.engine.Compact(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ds := e.readDev(t); len(ds.Records) != 3 {
		t.Errorf("expected week 22 dropped, got %d records", len(ds.Records))
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func Test_Engine_DownloadsAgreeOnRejectedRows(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	raw := mustRead(t, e.dev.Path)
	if err := os.WriteFile(e.dev.Path, append(raw, []byte("Dinsdag,2024-13-40,Home,Office,23,2024\n")...), 0o644); err != nil {
		t.Fatal(err)
	}

	csvDl, err := e.engine.ExportCSV(ctx, "dev")
	if err != nil {
		t.Fatalf("csv download failed: %v", err)
	}
	if !strings.Contains(string(csvDl.Body), "2024-13-40") || len(csvDl.Warnings) != 1 {
		t.Errorf("csv dropped the rejected row: %+v\n%s", csvDl.Warnings, csvDl.Body)
	}

	xlsxDl, err := e.engine.ExportWorkbook(ctx, "dev")
	if err != nil {
		t.Fatalf("xlsx download failed: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(xlsxDl.Body))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatal(err)
	}
	csvLines := strings.Split(strings.TrimSpace(string(csvDl.Body)), "\n")
	if len(rows) != len(csvLines) || rows[len(rows)-1][1] != "2024-13-40" {
		t.Errorf("xlsx has %d rows, csv %d; last %v", len(rows), len(csvLines), rows[len(rows)-1])
	}
	if len(xlsxDl.Warnings) != 1 {
		t.Errorf("xlsx warnings: %v", xlsxDl.Warnings)
	}

	cal, err := e.engine.Calendar(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(cal.Warnings) != 1 {
		t.Errorf("calendar should name the skipped row: %v", cal.Warnings)
	}
}

func Test_Engine_ImportCalendarUpdatesOnly(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	sess := schedule.NewBucketStore()

	feed := &model.Dataset{
		ID:     "dev",
		People: []string{"Alice", "Zed"},
		Records: []model.Record{
			{Date: time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), Assignments: map[string]string{"Alice": "Remote"}},
			{Date: time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), Assignments: map[string]string{"Zed": "Home"}},
			{Date: time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), Assignments: map[string]string{"Alice": "Office"}},
		},
	}
	body := ics.Export(feed, ics.Options{Sentinel: "-"})

	res, err := e.engine.ImportCalendar(ctx, sess, "dev", body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Events != 3 || strings.Join(res.Updated, ",") != "2024-06-03" {
		t.Errorf("unexpected import result: %+v", res)
	}
	if len(res.Warnings) != 2 {
		t.Errorf("expected warnings for the unknown date and person: %v", res.Warnings)
	}

	ds := e.readDev(t)
	if len(ds.Records) != 4 {
		t.Errorf("import inserted rows: %d", len(ds.Records))
	}
	if ds.Records[1].Assignments["Alice"] != "Remote" || ds.Records[1].Assignments["Bob"] != "-" {
		t.Errorf("import did not update just Alice: %+v", ds.Records[1])
	}

	again, err := e.engine.ImportCalendar(ctx, sess, "dev", body)
	if err != nil {
		t.Fatal(err)
	}
	if len(again.Updated) != 0 {
		t.Errorf("re-importing changed rows: %v", again.Updated)
	}

	if _, err := e.engine.ImportCalendar(ctx, sess, "dev", nil); !errors.Is(err, ErrInvalidFeed) {
		t.Errorf("expected ErrInvalidFeed, got %v", err)
	}
}

func Test_Engine_CalendarRoundTrip(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	cal, err := e.engine.Calendar(ctx, "dev")
	if err != nil {
		t.Fatal(err)
	}
	edited := bytes.ReplaceAll(cal.Body, []byte("Alice: Home"), []byte("Alice: Thuis"))

	res, err := e.engine.ImportCalendar(ctx, schedule.NewBucketStore(), "dev", edited)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(res.Updated, ",") != "2024-06-04" {
		t.Errorf("only the edited day should change: %+v", res)
	}
	if got := e.readDev(t).Records[2].Assignments["Alice"]; got != "Thuis" {
		t.Errorf("edited label not applied: %q", got)
	}
}
