package schedule

import (
	"strings"

	"weekplan/internal/model"
)

// HighlightRule maps a keyword to a CSS class for the read-only view.
type HighlightRule struct {
	Keyword string
	Class   string
	Exclude string
	Count   bool
}

// Highlighter classifies labels. The first matching rule wins.
type Highlighter struct {
	Rules []HighlightRule
}

func containsFold(s, sub string) bool {
	return sub != "" && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func (r HighlightRule) matches(label string) bool {
	if !containsFold(label, r.Keyword) {
		return false
	}
	return r.Exclude == "" || !containsFold(label, r.Exclude)
}

// Class returns the CSS class for label, or "" when no rule matches.
func (h *Highlighter) Class(label string) string {
	for _, r := range h.Rules {
		if r.matches(label) {
			return r.Class
		}
	}
	return ""
}

// DayCount is the number of people matching a keyword on one day.
type DayCount struct {
	Date    string `json:"date"`
	DayName string `json:"day_name"`
	Count   int    `json:"count"`
}

// KeywordCounts is the per-day occurrence summary of one keyword.
type KeywordCounts struct {
	Keyword string     `json:"keyword"`
	Days    []DayCount `json:"days"`
}

// Counts tallies, for every rule marked Count, how many people's labels
// match it on each record of the bucket. Days with zero matches are kept.
func (h *Highlighter) Counts(records []model.Record) []KeywordCounts {
	var out []KeywordCounts
	for _, r := range h.Rules {
		if !r.Count {
			continue
		}
		kc := KeywordCounts{Keyword: r.Keyword, Days: make([]DayCount, 0, len(records))}
		for _, rec := range records {
			n := 0
			for _, label := range rec.Assignments {
				if r.matches(label) {
					n++
				}
			}
			kc.Days = append(kc.Days, DayCount{Date: rec.DateKey(), DayName: rec.DayName, Count: n})
		}
		out = append(out, kc)
	}
	return out
}
