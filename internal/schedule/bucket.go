// Package schedule holds the week-partitioned edit engine: bucketing,
// pruning, per-session bucket copies, merging and row scaffolding.
package schedule

import (
	"errors"
	"sort"
	"strings"
	"time"

	"weekplan/internal/model"
)

// Bucketer assigns records to ISO-week buckets and derives display fields.
type Bucketer struct {
	// Layout is the Go time layout of the stored date column.
	Layout string
	// Location anchors parsed dates. Nil means time.Local.
	Location *time.Location
	// DayNames holds localized names Monday..Sunday.
	DayNames [7]string
}

// NewBucketer builds a Bucketer. dayNames must list Monday..Sunday; missing
// entries fall back to the English weekday name.
func NewBucketer(layout string, loc *time.Location, dayNames []string) *Bucketer {
	b := &Bucketer{Layout: layout, Location: loc}
	for i := range b.DayNames {
		if i < len(dayNames) && dayNames[i] != "" {
			b.DayNames[i] = dayNames[i]
			continue
		}
		b.DayNames[i] = time.Weekday((i + 1) % 7).String()
	}
	return b
}

func (b *Bucketer) location() *time.Location {
	if b.Location == nil {
		return time.Local
	}
	return b.Location
}

// Parse reads a stored date value. Empty or unparsable input yields an
// *model.InvalidDateError.
func (b *Bucketer) Parse(value string) (time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return time.Time{}, &model.InvalidDateError{Value: value, Layout: b.Layout}
	}
	t, err := time.ParseInLocation(b.Layout, v, b.location())
	if err != nil {
		return time.Time{}, &model.InvalidDateError{Value: value, Layout: b.Layout, Err: err}
	}
	return t, nil
}

// Format renders a date in the storage layout.
func (b *Bucketer) Format(t time.Time) string {
	return b.FormatWith(b.Layout, t)
}

// FormatWith renders a date with another layout, e.g. for display.
func (b *Bucketer) FormatWith(layout string, t time.Time) string {
	return t.In(b.location()).Format(layout)
}

// Key returns the ISO (year, week) bucket of t in the configured location.
func (b *Bucketer) Key(t time.Time) model.BucketKey {
	year, week := t.In(b.location()).ISOWeek()
	return model.BucketKey{Period: year, Subperiod: week}
}

// DayName returns the localized weekday name of t.
func (b *Bucketer) DayName(t time.Time) string {
	wd := t.In(b.location()).Weekday()
	// time.Weekday starts at Sunday; DayNames starts at Monday.
	return b.DayNames[(int(wd)+6)%7]
}

// Assign recomputes the derived fields of r from its date.
func (b *Bucketer) Assign(r *model.Record) error {
	if r.Date.IsZero() {
		return &model.InvalidDateError{Layout: b.Layout}
	}
	key := b.Key(r.Date)
	r.Period = key.Period
	r.Subperiod = key.Subperiod
	r.DayName = b.DayName(r.Date)
	return nil
}

// AssignAll recomputes derived fields for every record in ds. Records with a
// zero date are reported and left untouched; the rest are still assigned.
func (b *Bucketer) AssignAll(ds *model.Dataset) error {
	var errs []error
	for i := range ds.Records {
		if err := b.Assign(&ds.Records[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Partition splits records into buckets ordered by key. Records inside a
// bucket keep their input order.
func Partition(records []model.Record) []model.Bucket {
	byKey := make(map[model.BucketKey][]model.Record)
	for _, r := range records {
		byKey[r.Key()] = append(byKey[r.Key()], r.Clone())
	}

	out := make([]model.Bucket, 0, len(byKey))
	for k, rs := range byKey {
		out = append(out, model.Bucket{Key: k, Records: rs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Before(out[j].Key) })
	return out
}
