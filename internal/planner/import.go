package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"weekplan/internal/ics"
	appLog "weekplan/internal/log"
	"weekplan/internal/model"
	"weekplan/internal/schedule"
	"weekplan/internal/storage"
)

// ErrInvalidFeed means an uploaded calendar could not be read.
var ErrInvalidFeed = errors.New("invalid calendar feed")

// ImportResult is the result of ImportCalendar.
type ImportResult struct {
	Events   int      `json:"events"`
	Updated  []string `json:"updated"`
	Warnings Warnings `json:"warnings"`
}

// ImportCalendar applies the assignments of an iCalendar feed, such as one
// produced by Calendar and edited elsewhere, to dataset id. Like a week
// edit it only updates: dates missing from the dataset are reported, and
// people or days the feed does not mention keep their labels.
func (e *Engine) ImportCalendar(ctx context.Context, sess *schedule.BucketStore, id string, body []byte) (*ImportResult, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}

	tz := e.bucketer.Location
	if tz == nil {
		tz = time.Local
	}
	events, err := ics.ParseFeed(body, tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}

	res := &ImportResult{Events: len(events), Updated: []string{}, Warnings: Warnings{}}
	records, err := e.feedRecords(events)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}
	if len(records) == 0 {
		res.Warnings.add("the calendar holds no assignments")
		return res, nil
	}

	res.Updated, err = e.importRecords(ctx, loc, records, &res.Warnings)
	if err != nil {
		if fatal(err) {
			return nil, err
		}
		res.Warnings.addErr("import", err)
		return res, nil
	}
	if len(res.Updated) > 0 {
		appLog.Info("calendar imported", "dataset", id, "events", len(events), "updated", len(res.Updated))
		e.afterWrite(ctx, sess, loc, &res.Warnings)
	}
	return res, nil
}

// feedRecords folds events into one record per date. Empty labels are
// skipped; a later event for the same (date, person) wins.
func (e *Engine) feedRecords(events []ics.FeedEvent) ([]model.Record, error) {
	byDate := make(map[string]int)
	var out []model.Record
	for _, ev := range events {
		label := strings.TrimSpace(ev.Label)
		if label == "" {
			continue
		}
		dk := model.DateKey(ev.Date)
		i, ok := byDate[dk]
		if !ok {
			r := model.Record{Date: ev.Date, Assignments: make(map[string]string)}
			if err := e.bucketer.Assign(&r); err != nil {
				return nil, err
			}
			out = append(out, r)
			i = len(out) - 1
			byDate[dk] = i
		}
		out[i].Assignments[ev.Person] = label
	}
	return out, nil
}

func (e *Engine) importRecords(ctx context.Context, loc storage.Location, records []model.Record, w *Warnings) ([]string, error) {
	_, mr, err := e.gw.Save(ctx, loc, records)
	if err != nil {
		return nil, err
	}
	if len(mr.Skipped) > 0 {
		w.add("%d date(s) are not in the dataset and were not added: %s", len(mr.Skipped), strings.Join(mr.Skipped, ", "))
	}
	if len(mr.IgnoredPeople) > 0 {
		w.add("columns %s are not in the dataset and were ignored", strings.Join(mr.IgnoredPeople, ", "))
	}
	if mr.Updated == nil {
		return []string{}, nil
	}
	return mr.Updated, nil
}
