package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"weekplan/internal/config"
	"weekplan/internal/gateway"
	"weekplan/internal/gitsync"
	appLog "weekplan/internal/log"
	"weekplan/internal/planner"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
	"weekplan/internal/web"
)

// sessionSweep is how often idle web sessions are expired.
const sessionSweep = "@every 30m"

type app struct {
	conf     *config.Config
	engine   *planner.Engine
	deferred *gateway.Deferred
}

// newApp wires the engine from conf. Nothing here reads the environment;
// conf.Sync.Token has been resolved by main.
func newApp(ctx context.Context, conf *config.Config) (*app, error) {
	layout, err := config.ParseDateLayout(conf.DateFormat)
	if err != nil {
		return nil, err
	}
	display, err := config.ParseDateLayout(conf.DisplayDateFormat)
	if err != nil {
		return nil, err
	}

	b := schedule.NewBucketer(layout, conf.Location(), conf.DayNames)
	codec := storage.NewCodec(b, storage.Columns{
		Date: conf.Columns.Date,
		Day:  conf.Columns.Day,
		Week: conf.Columns.Week,
		Year: conf.Columns.Year,
	})
	gw := gateway.New(storage.NewFileStore(codec), schedule.NewMerger(b))
	if conf.Staging.Enabled {
		gw.Staging = storage.NewStaging(conf.Staging.Dir, codec)
	}

	if conf.Sync.Enabled {
		remote, err := gitsync.Open(gitsync.Config{
			RepoPath:    conf.Sync.RepoPath,
			Remote:      conf.Sync.Remote,
			Branch:      conf.Sync.Branch,
			AuthorName:  conf.Sync.AuthorName,
			AuthorEmail: conf.Sync.AuthorEmail,
			Username:    conf.Sync.Username,
			Token:       conf.Sync.Token,
		})
		if err != nil {
			// Saves still work; syncs report ErrNoRemote until fixed.
			appLog.Error("git sync disabled", err, "repo_path", conf.Sync.RepoPath)
		} else {
			gw.Remote = remote
		}
		if conf.Sync.Token == "" {
			appLog.Warn("git token not set; pushes over https will fail", fmt.Errorf("$%s is empty", conf.Sync.TokenEnv))
		}
	}

	ext, err := schedule.NewExtender(b, conf.Workdays, conf.Sentinel)
	if err != nil {
		return nil, err
	}

	rules := make([]schedule.HighlightRule, 0, len(conf.Highlights))
	for _, h := range conf.Highlights {
		rules = append(rules, schedule.HighlightRule{Keyword: h.Keyword, Class: h.Class, Exclude: h.Exclude, Count: h.Count})
	}

	locs := make([]storage.Location, 0, len(conf.Datasets))
	for _, d := range conf.Datasets {
		locs = append(locs, storage.Location{ID: d.ID, Name: d.Name, Path: d.Path})
	}

	deferred := gateway.NewDeferred(ctx, gw)
	delay := conf.PushDelayDuration()
	engine := planner.New(planner.Options{
		Datasets:      locs,
		Gateway:       gw,
		Extender:      ext,
		Highlighter:   &schedule.Highlighter{Rules: rules},
		Deferred:      deferred,
		PushDelay:     delay,
		SyncOnSave:    conf.Sync.Enabled && delay == 0,
		Sentinel:      conf.Sentinel,
		HorizonWeeks:  conf.HorizonWeeks,
		DisplayLayout: display,
	})

	return &app{conf: conf, engine: engine, deferred: deferred}, nil
}

// runOnce compacts every dataset and, with sync enabled, pushes them.
func (a *app) runOnce(ctx context.Context) error {
	var errs []error
	if err := a.engine.Compact(ctx); err != nil {
		errs = append(errs, fmt.Errorf("compact: %w", err))
	}
	if a.conf.Sync.Enabled {
		if err := a.engine.SyncAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
	}
	return errors.Join(errs...)
}

// schedule registers the periodic jobs.
func (a *app) schedule(c *cron.Cron, server *web.Server) error {
	job := func(name string, fn func(context.Context) error) func() {
		return func() {
			ctx, cancel := context.WithTimeout(context.Background(), 4*time.Minute)
			defer cancel()
			if err := fn(ctx); err != nil {
				appLog.Warn("scheduled job failed", err, "job", name)
				return
			}
			appLog.Info("scheduled job done", "job", name)
		}
	}

	if a.conf.CompactCron != "" {
		if _, err := c.AddFunc(a.conf.CompactCron, job("compact", a.engine.Compact)); err != nil {
			return fmt.Errorf("compact_cron: %w", err)
		}
	}
	if a.conf.Sync.Enabled && a.conf.Sync.Cron != "" {
		if _, err := c.AddFunc(a.conf.Sync.Cron, job("sync", a.engine.SyncAll)); err != nil {
			return fmt.Errorf("sync.cron: %w", err)
		}
	}
	if _, err := c.AddFunc(sessionSweep, func() { server.SweepSessions() }); err != nil {
		return err
	}
	return nil
}
