package ics

import (
	"bytes"
	"errors"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "weekplan/internal/log"
)

// FeedEvent is one assignment read back from a feed.
type FeedEvent struct {
	UID    string
	Date   time.Time
	Person string
	Label  string
}

// ParseFeed reads the all-day events of an exported feed. Dates are anchored
// at midnight in loc (nil means UTC). Events without a person are skipped.
func ParseFeed(body []byte, loc *time.Location) ([]FeedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []FeedEvent
	for _, ve := range cal.Events() {
		ev, err := parseEvent(ve, loc)
		if err != nil {
			appLog.Warn("ics vevent skipped", err)
			continue
		}
		out = append(out, ev)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func parseEvent(ve *ical.VEvent, loc *time.Location) (FeedEvent, error) {
	var ev FeedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.UID = p.Value
	}

	start, err := ve.GetAllDayStartAt()
	if err != nil {
		return ev, err
	}
	ev.Date = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)

	if p := ve.GetProperty(ical.ComponentProperty(PropertyPerson)); p != nil {
		ev.Person = strings.TrimSpace(p.Value)
	}

	var summary, description string
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		description = p.Value
	}

	// Feeds from other tools lack the person property; fall back to
	// "label (person)".
	if ev.Person == "" {
		if i := strings.LastIndex(summary, " ("); i > 0 && strings.HasSuffix(summary, ")") {
			ev.Person = summary[i+2 : len(summary)-1]
		}
	}
	if ev.Person == "" {
		return ev, errors.New("event has no person")
	}

	if label, ok := strings.CutPrefix(description, ev.Person+": "); ok {
		ev.Label = label
	} else {
		ev.Label = strings.TrimSuffix(summary, " ("+ev.Person+")")
	}
	return ev, nil
}
