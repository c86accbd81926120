package config

import (
	"errors"
	"strings"
	"time"
)

var tokenReplacer = strings.NewReplacer(
	"YYYY", "2006",
	"MM", "01",
	"DD", "02",
)

// ParseDateLayout turns a configured date format into a Go time layout.
//
// Token forms such as "YYYY-MM-DD" or "DD-MM-YYYY" are translated; anything
// else is taken as a Go layout. The result must round-trip a known date,
// otherwise the format is rejected.
func ParseDateLayout(format string) (string, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return "", errors.New("date format is empty")
	}

	layout := format
	if strings.Contains(format, "YYYY") || strings.Contains(format, "DD") {
		layout = tokenReplacer.Replace(format)
	}

	sample := time.Date(2024, time.June, 3, 0, 0, 0, 0, time.UTC)
	back, err := time.Parse(layout, sample.Format(layout))
	if err != nil {
		return "", err
	}
	if !back.Equal(sample) {
		return "", errors.New("date format " + format + " does not carry year, month and day")
	}
	return layout, nil
}
