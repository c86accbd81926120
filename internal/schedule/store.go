package schedule

import (
	"sync"

	"weekplan/internal/model"
)

type storeKey struct {
	dataset string
	bucket  model.BucketKey
}

// bucketEntry keeps the two copies of one bucket apart: reference is the last
// value known to match canonical storage, working holds live edits.
type bucketEntry struct {
	reference []model.Record
	working   []model.Record
	readOnly  bool
}

// BucketStore holds one editing session's bucket copies, keyed by
// (dataset id, bucket key). Every value crossing its boundary is cloned, so
// a working copy is never shared between keys or with callers.
//
// Change detection compares working against reference structurally. There
// is no dirty flag: edits may arrive from any component.
type BucketStore struct {
	mu      sync.Mutex
	dataset string
	entries map[storeKey]*bucketEntry

	// pushCancels holds the cancel funcs of this session's pending deferred
	// pushes, one per dataset.
	pushCancels map[string]func()
}

// NewBucketStore returns an empty store with no active dataset.
func NewBucketStore() *BucketStore {
	return &BucketStore{
		entries:     make(map[storeKey]*bucketEntry),
		pushCancels: make(map[string]func()),
	}
}

// Select makes datasetID the dataset this session is viewing. Switching to
// a different dataset clears every bucket, so coming back reloads fresh
// copies; the return value reports whether it did. Select only drives
// invalidation: every other method takes the dataset id explicitly.
func (s *BucketStore) Select(datasetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dataset == datasetID {
		return false
	}
	s.dataset = datasetID
	s.entries = make(map[storeKey]*bucketEntry)
	return true
}

// Dataset returns the dataset last passed to Select.
func (s *BucketStore) Dataset() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

// InvalidateAll drops every bucket's copies and view state.
func (s *BucketStore) InvalidateAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[storeKey]*bucketEntry)
}

// entry returns the entry for (datasetID, key), creating an empty one when
// create is set. Callers hold s.mu.
func (s *BucketStore) entry(datasetID string, key model.BucketKey, create bool) *bucketEntry {
	k := storeKey{dataset: datasetID, bucket: key}
	e, ok := s.entries[k]
	if !ok && create {
		e = &bucketEntry{}
		s.entries[k] = e
	}
	return e
}

// GetOrInit returns the working copy for key, creating both copies from
// reference on first access.
func (s *BucketStore) GetOrInit(datasetID string, key model.BucketKey, reference []model.Record) []model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, false)
	if e == nil {
		e = s.entry(datasetID, key, true)
		e.reference = model.CloneRecords(reference)
		e.working = model.CloneRecords(reference)
	}
	return model.CloneRecords(e.working)
}

// Working returns a copy of the working copy, if the bucket is known.
func (s *BucketStore) Working(datasetID string, key model.BucketKey) ([]model.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, false)
	if e == nil {
		return nil, false
	}
	return model.CloneRecords(e.working), true
}

// Update replaces the working copy with edited and reports whether it now
// differs from the reference copy. Unknown buckets are initialized with
// edited as their working copy and an empty reference.
func (s *BucketStore) Update(datasetID string, key model.BucketKey, edited []model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, true)
	e.working = model.CloneRecords(edited)
	return !model.EqualRecords(e.working, e.reference)
}

// Dirty reports whether the working copy differs from the reference copy.
func (s *BucketStore) Dirty(datasetID string, key model.BucketKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, false)
	return e != nil && !model.EqualRecords(e.working, e.reference)
}

// Drifted reports whether fresh canonical records for key differ from the
// reference copy, i.e. someone else changed the week since this session
// last synchronized it.
func (s *BucketStore) Drifted(datasetID string, key model.BucketKey, fresh []model.Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, false)
	return e != nil && !model.EqualRecords(e.reference, fresh)
}

// Reload resets both copies to fresh.
func (s *BucketStore) Reload(datasetID string, key model.BucketKey, fresh []model.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, true)
	e.reference = model.CloneRecords(fresh)
	e.working = model.CloneRecords(fresh)
}

// MarkSaved records that saved now matches canonical storage.
func (s *BucketStore) MarkSaved(datasetID string, key model.BucketKey, saved []model.Record) {
	s.Reload(datasetID, key, saved)
}

// ToggleView flips the bucket between the read-only view and the editable
// grid and returns the new read-only state. Entering the editable grid
// resets the working copy to the reference copy; unsaved edits are
// discarded.
func (s *BucketStore) ToggleView(datasetID string, key model.BucketKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, true)
	e.readOnly = !e.readOnly
	if !e.readOnly {
		e.working = model.CloneRecords(e.reference)
	}
	return e.readOnly
}

// ReadOnly reports the bucket's view mode. Buckets start editable.
func (s *BucketStore) ReadOnly(datasetID string, key model.BucketKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(datasetID, key, false)
	return e != nil && e.readOnly
}

// SetPushCancel stores the cancel func of a pending deferred push of
// datasetID, cancelling the one it replaces.
func (s *BucketStore) SetPushCancel(datasetID string, cancel func()) {
	s.mu.Lock()
	prev := s.pushCancels[datasetID]
	if cancel == nil {
		delete(s.pushCancels, datasetID)
	} else {
		s.pushCancels[datasetID] = cancel
	}
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Close cancels every pending deferred push owned by this session.
func (s *BucketStore) Close() {
	s.mu.Lock()
	pending := s.pushCancels
	s.pushCancels = make(map[string]func())
	s.mu.Unlock()

	for _, cancel := range pending {
		cancel()
	}
}
