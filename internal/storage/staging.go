package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"weekplan/internal/model"
)

// Staging keeps per-week edited snapshots outside the canonical file until a
// reconcile pass folds them in. One file per (dataset, week); writing the
// same week again replaces the previous snapshot.
type Staging struct {
	Dir   string
	Codec *Codec
}

// StagedBucket is one staged snapshot on disk.
type StagedBucket struct {
	Key  model.BucketKey
	Path string
}

// NewStaging returns a Staging rooted at dir.
func NewStaging(dir string, codec *Codec) *Staging {
	return &Staging{Dir: dir, Codec: codec}
}

// Path returns the staging file for a dataset week, e.g.
// "<dir>/dev_2024-W23.csv".
func (s *Staging) Path(datasetID string, key model.BucketKey) string {
	return filepath.Join(s.Dir, datasetID+"_"+key.String()+".csv")
}

// Put writes records as the staged snapshot of key, superseding any
// earlier one.
func (s *Staging) Put(_ context.Context, loc Location, people []string, key model.BucketKey, records []model.Record) (string, error) {
	path := s.Path(loc.ID, key)
	ds := &model.Dataset{ID: loc.ID, Name: loc.Name, People: people, Records: model.CloneRecords(records)}

	var buf bytes.Buffer
	if err := s.Codec.Encode(&buf, ds); err != nil {
		return "", &model.PersistenceError{Op: "encode", Path: path, Err: err}
	}
	if err := WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return "", &model.PersistenceError{Op: "stage", Path: path, Err: err}
	}
	return path, nil
}

// List returns the staged snapshots of a dataset ordered by week.
func (s *Staging) List(_ context.Context, datasetID string) ([]StagedBucket, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &model.PersistenceError{Op: "list", Path: s.Dir, Err: err}
	}

	prefix := datasetID + "_"
	var out []StagedBucket
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".csv") {
			continue
		}
		key, err := model.ParseBucketKey(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".csv"))
		if err != nil {
			continue
		}
		out = append(out, StagedBucket{Key: key, Path: filepath.Join(s.Dir, name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Before(out[j].Key) })
	return out, nil
}

// Load reads a staged snapshot.
func (s *Staging) Load(_ context.Context, sb StagedBucket) ([]model.Record, error) {
	data, err := os.ReadFile(sb.Path)
	if err != nil {
		return nil, &model.PersistenceError{Op: "read", Path: sb.Path, Err: err}
	}
	ds, err := s.Codec.Decode(data)
	if err != nil {
		return nil, &model.PersistenceError{Op: "decode", Path: sb.Path, Err: err}
	}
	if len(ds.Rejected) > 0 {
		return nil, fmt.Errorf("staged %s line %d: %w", sb.Key, ds.Rejected[0].Line, ds.Rejected[0].Err)
	}
	return ds.Records, nil
}

// Remove deletes a staged snapshot. Missing files are not an error.
func (s *Staging) Remove(_ context.Context, sb StagedBucket) error {
	if err := os.Remove(sb.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &model.PersistenceError{Op: "remove", Path: sb.Path, Err: err}
	}
	return nil
}
