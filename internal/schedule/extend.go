package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"weekplan/internal/model"
)

var weekdayByName = map[string]rrule.Weekday{
	"monday":    rrule.MO,
	"tuesday":   rrule.TU,
	"wednesday": rrule.WE,
	"thursday":  rrule.TH,
	"friday":    rrule.FR,
	"saturday":  rrule.SA,
	"sunday":    rrule.SU,
}

// Extender scaffolds empty rows for upcoming weeks. It is the only operation
// that inserts dates; merging never does.
type Extender struct {
	Bucketer *Bucketer
	// Workdays are the weekdays that get a row.
	Workdays []rrule.Weekday
	// Sentinel is the label written for every person in a new row.
	Sentinel string
}

// NewExtender parses weekday names ("monday".."sunday").
func NewExtender(b *Bucketer, workdays []string, sentinel string) (*Extender, error) {
	days := make([]rrule.Weekday, 0, len(workdays))
	for _, name := range workdays {
		wd, ok := weekdayByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("extend: unknown weekday %q", name)
		}
		days = append(days, wd)
	}
	return &Extender{Bucketer: b, Workdays: days, Sentinel: sentinel}, nil
}

// Dates returns every workday from the Monday of now's week through the
// Sunday that ends the horizon, weeks counted after the current one.
func (e *Extender) Dates(now time.Time, weeks int) ([]time.Time, error) {
	if len(e.Workdays) == 0 {
		return nil, nil
	}
	loc := e.Bucketer.location()
	local := now.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	monday := time.Date(local.Year(), local.Month(), local.Day()-offset, 0, 0, 0, 0, loc)
	until := monday.AddDate(0, 0, 7*(weeks+1)-1)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.DAILY,
		Dtstart:   monday,
		Until:     until,
		Byweekday: e.Workdays,
	})
	if err != nil {
		return nil, fmt.Errorf("extend: %w", err)
	}
	return r.All(), nil
}

// Extend returns a copy of ds with sentinel rows added for every workday in
// the horizon that has no row yet, plus the added date keys. Existing rows
// are never touched.
func (e *Extender) Extend(ds *model.Dataset, now time.Time, weeks int) (*model.Dataset, []string, error) {
	dates, err := e.Dates(now, weeks)
	if err != nil {
		return nil, nil, err
	}

	out := ds.Clone()
	index := out.Index()
	var added []string
	for _, d := range dates {
		dk := model.DateKey(d)
		if _, ok := index[dk]; ok {
			continue
		}
		rec := model.Record{Date: d, Assignments: make(map[string]string, len(out.People))}
		for _, p := range out.People {
			rec.Assignments[p] = e.Sentinel
		}
		if err := e.Bucketer.Assign(&rec); err != nil {
			return nil, nil, err
		}
		out.Records = append(out.Records, rec)
		index[dk] = len(out.Records) - 1
		added = append(added, dk)
	}
	out.SortRecords()
	return out, added, nil
}
