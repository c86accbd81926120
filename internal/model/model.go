package model

import (
	"fmt"
	"maps"
	"sort"
	"time"
)

// Record is one row of a schedule: a calendar date plus one free-text label
// per tracked person.
//
// DayName, Period and Subperiod are derived from Date. They are recomputed
// on every load and after every merge; values found in storage are ignored.
type Record struct {
	Date        time.Time
	Assignments map[string]string

	DayName   string
	Period    int // ISO year of Date
	Subperiod int // ISO week of Date
}

// Key returns the bucket key of the record's derived fields.
func (r Record) Key() BucketKey {
	return BucketKey{Period: r.Period, Subperiod: r.Subperiod}
}

// DateKey is the canonical map key for a record's date.
func (r Record) DateKey() string {
	return DateKey(r.Date)
}

// Clone returns a deep copy; the assignment map is never shared.
func (r Record) Clone() Record {
	out := r
	out.Assignments = maps.Clone(r.Assignments)
	if out.Assignments == nil {
		out.Assignments = map[string]string{}
	}
	return out
}

// DateKey formats a date as YYYY-MM-DD regardless of the storage layout.
func DateKey(t time.Time) string {
	return t.Format(time.DateOnly)
}

// CloneRecords deep-copies a slice of records.
func CloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}

// EqualRecords reports structural equality of two record slices: same
// order, same dates, same labels per person. Derived fields are compared
// too since they are pure functions of the date.
func EqualRecords(a, b []Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Date.Equal(b[i].Date) {
			return false
		}
		if a[i].DayName != b[i].DayName || a[i].Period != b[i].Period || a[i].Subperiod != b[i].Subperiod {
			return false
		}
		if !maps.Equal(a[i].Assignments, b[i].Assignments) {
			return false
		}
	}
	return true
}

// RejectedRow is a stored row whose date could not be parsed, or whose date
// duplicates an earlier row. It is kept verbatim so nothing is lost silently.
type RejectedRow struct {
	Line  int
	Cells []string
	Err   error
}

// Dataset is the canonical state of one schedule track, ordered by date.
type Dataset struct {
	ID   string
	Name string

	// People lists person columns in header order.
	People  []string
	Records []Record

	// Rejected rows block writes; see schedule.ErrRejectedRows.
	Rejected []RejectedRow

	// Version is a content hash of the bytes the dataset was read from.
	// Empty for datasets built in memory.
	Version string
}

// Clone returns a deep copy of the dataset.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := *d
	out.People = append([]string(nil), d.People...)
	out.Records = CloneRecords(d.Records)
	out.Rejected = append([]RejectedRow(nil), d.Rejected...)
	return &out
}

// SortRecords orders records by date ascending.
func (d *Dataset) SortRecords() {
	sort.SliceStable(d.Records, func(i, j int) bool {
		return d.Records[i].Date.Before(d.Records[j].Date)
	})
}

// Index maps DateKey to position in Records.
func (d *Dataset) Index() map[string]int {
	idx := make(map[string]int, len(d.Records))
	for i, r := range d.Records {
		idx[r.DateKey()] = i
	}
	return idx
}

// HasPerson reports whether name is one of the dataset's person columns.
func (d *Dataset) HasPerson(name string) bool {
	for _, p := range d.People {
		if p == name {
			return true
		}
	}
	return false
}

// BucketKey identifies one ISO week. Keys are ordered period first.
type BucketKey struct {
	Period    int
	Subperiod int
}

// String renders the key as "2024-W23".
func (k BucketKey) String() string {
	return fmt.Sprintf("%04d-W%02d", k.Period, k.Subperiod)
}

// Compare returns -1, 0 or +1.
func (k BucketKey) Compare(o BucketKey) int {
	switch {
	case k.Period < o.Period:
		return -1
	case k.Period > o.Period:
		return 1
	case k.Subperiod < o.Subperiod:
		return -1
	case k.Subperiod > o.Subperiod:
		return 1
	default:
		return 0
	}
}

// Before reports whether k sorts strictly before o.
func (k BucketKey) Before(o BucketKey) bool { return k.Compare(o) < 0 }

// ParseBucketKey parses the String form.
func ParseBucketKey(s string) (BucketKey, error) {
	var k BucketKey
	if _, err := fmt.Sscanf(s, "%d-W%d", &k.Period, &k.Subperiod); err != nil {
		return BucketKey{}, fmt.Errorf("invalid bucket key %q: %w", s, err)
	}
	if k.Subperiod < 1 || k.Subperiod > 53 {
		return BucketKey{}, fmt.Errorf("invalid bucket key %q: week out of range", s)
	}
	// Sscanf stops at the last verb; anything else must round-trip.
	if k.String() != s {
		return BucketKey{}, fmt.Errorf("invalid bucket key %q: want %s", s, k)
	}
	return k, nil
}

// Bucket is the subset of a dataset's records sharing one key.
type Bucket struct {
	Key     BucketKey
	Records []Record
}
