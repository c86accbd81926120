package schedule

import (
	"errors"
	"fmt"

	"weekplan/internal/model"
)

// ErrRejectedRows means the canonical dataset holds rows whose dates could
// not be parsed. Merging into it would drop them on write.
var ErrRejectedRows = errors.New("dataset has rows with invalid dates")

// VersionCheck inspects the freshly read canonical dataset before a merge.
// Returning an error (typically *model.MergeConflictError) aborts the merge.
type VersionCheck func(canonical *model.Dataset) error

// ExpectVersion returns a VersionCheck that fails unless the canonical
// dataset still carries version.
func ExpectVersion(version string) VersionCheck {
	return func(canonical *model.Dataset) error {
		if canonical.Version != version {
			return &model.MergeConflictError{Expected: version, Actual: canonical.Version}
		}
		return nil
	}
}

// MergeResult describes what a merge did.
type MergeResult struct {
	// Updated lists date keys whose labels changed.
	Updated []string
	// Unchanged counts matched dates whose labels were already equal.
	Unchanged int
	// Skipped lists edited dates absent from canonical. Merge never inserts.
	Skipped []string
	// IgnoredPeople lists edited columns that are not canonical people.
	IgnoredPeople []string
}

// Changed reports whether the merge modified anything.
func (r MergeResult) Changed() bool { return len(r.Updated) > 0 }

// Merger folds an edited bucket into a canonical dataset.
type Merger struct {
	Bucketer *Bucketer
	// Check runs against canonical before merging. Nil means
	// last-write-wins.
	Check VersionCheck
}

// NewMerger returns a last-write-wins Merger.
func NewMerger(b *Bucketer) *Merger {
	return &Merger{Bucketer: b}
}

// Merge returns a new dataset equal to canonical with, for every date present
// in both, the edited labels of canonical people overwriting the canonical
// ones. Dates only in canonical are untouched; dates only in edited are
// skipped. Derived fields are recomputed from the date, never copied from the
// edit. canonical itself is not modified.
func (m *Merger) Merge(edited []model.Record, canonical *model.Dataset) (*model.Dataset, MergeResult, error) {
	var res MergeResult

	if canonical == nil {
		return nil, res, errors.New("merge: canonical dataset is nil")
	}
	if len(canonical.Rejected) > 0 {
		first := canonical.Rejected[0]
		return nil, res, fmt.Errorf("merge: line %d: %w: %w", first.Line, ErrRejectedRows, first.Err)
	}
	for _, r := range edited {
		if r.Date.IsZero() {
			return nil, res, fmt.Errorf("merge: edited bucket: %w", &model.InvalidDateError{Layout: m.Bucketer.Layout})
		}
	}
	if m.Check != nil {
		if err := m.Check(canonical); err != nil {
			return nil, res, err
		}
	}

	out := canonical.Clone()
	index := out.Index()
	if len(index) != len(out.Records) {
		return nil, res, errors.New("merge: canonical dataset has duplicate dates")
	}

	ignored := make(map[string]bool)
	for _, e := range edited {
		dk := e.DateKey()
		i, ok := index[dk]
		if !ok {
			res.Skipped = append(res.Skipped, dk)
			continue
		}

		target := &out.Records[i]
		changed := false
		for person, label := range e.Assignments {
			if !out.HasPerson(person) {
				ignored[person] = true
				continue
			}
			if target.Assignments[person] != label {
				target.Assignments[person] = label
				changed = true
			}
		}
		if changed {
			res.Updated = append(res.Updated, dk)
		} else {
			res.Unchanged++
		}
	}
	for p := range ignored {
		res.IgnoredPeople = append(res.IgnoredPeople, p)
	}

	if err := m.Bucketer.AssignAll(out); err != nil {
		return nil, res, fmt.Errorf("merge: %w", err)
	}
	return out, res, nil
}
