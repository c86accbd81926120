// Package ics renders schedule datasets as iCalendar feeds of all-day events
// and reads such feeds back.
package ics

import (
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"weekplan/internal/model"
)

// PropertyPerson carries the person an event belongs to.
const PropertyPerson = "X-WEEKPLAN-PERSON"

const defaultProductID = "-//weekplan//planning export//EN"

// Options controls Export.
type Options struct {
	// Sentinel marks "no assignment"; such labels produce no event.
	Sentinel string
	// ProductID defaults to a weekplan PRODID.
	ProductID string
	// Stamp is written as DTSTAMP. Zero means time.Now.
	Stamp time.Time
}

// eventNamespace scopes event UIDs so the same (dataset, date, person)
// always maps to the same UID across exports.
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("weekplan:event"))

// EventUID returns the stable UID for one assignment.
func EventUID(datasetID, date, person string) string {
	return uuid.NewSHA1(eventNamespace, []byte(datasetID+"\x00"+date+"\x00"+person)).String() + "@weekplan"
}

// Skip reports whether label produces no event.
func Skip(label, sentinel string) bool {
	label = strings.TrimSpace(label)
	return label == "" || label == strings.TrimSpace(sentinel)
}

// Export builds a calendar with one all-day event per (record, person)
// whose label is set. Events follow record order, then header order.
func Export(ds *model.Dataset, opts Options) []byte {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	if opts.ProductID == "" {
		opts.ProductID = defaultProductID
	}
	cal.SetProductId(opts.ProductID)
	if ds.Name != "" {
		cal.SetXWRCalName(ds.Name)
	}

	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}

	sorted := ds.Clone()
	sorted.SortRecords()

	for _, r := range sorted.Records {
		dk := r.DateKey()
		start := time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), 0, 0, 0, 0, time.UTC)

		for _, person := range sorted.People {
			label := r.Assignments[person]
			if Skip(label, opts.Sentinel) {
				continue
			}
			label = strings.TrimSpace(label)

			ev := cal.AddEvent(EventUID(ds.ID, dk, person))
			ev.SetDtStampTime(stamp)
			ev.SetAllDayStartAt(start)
			ev.SetAllDayEndAt(start.AddDate(0, 0, 1))
			ev.SetSummary(label + " (" + person + ")")
			ev.SetDescription(person + ": " + label)
			ev.SetProperty(ical.ComponentProperty(PropertyPerson), person)
		}
	}

	return []byte(cal.Serialize())
}

// FileName returns the download name of a dataset's feed.
func FileName(datasetID string) string {
	return datasetID + ".ics"
}

// ContentType is the MIME type of an exported feed.
const ContentType = "text/calendar; charset=utf-8"
