// Package storage reads and writes schedule datasets as delimited files.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	appLog "weekplan/internal/log"
	"weekplan/internal/model"
	"weekplan/internal/schedule"
)

var utf8BOM = []byte("\xef\xbb\xbf")

// ErrMissingDateColumn means the header has no date column.
var ErrMissingDateColumn = errors.New("header has no date column")

// Columns names the fixed metadata columns. Every other header cell is a
// person.
type Columns struct {
	Date string
	Day  string
	Week string
	Year string
}

// Location identifies one dataset's canonical file.
type Location struct {
	ID   string
	Name string
	Path string
}

// Codec converts between CSV bytes and datasets.
type Codec struct {
	Bucketer *schedule.Bucketer
	Columns  Columns
}

// NewCodec returns a Codec for the given columns.
func NewCodec(b *schedule.Bucketer, cols Columns) *Codec {
	return &Codec{Bucketer: b, Columns: cols}
}

func (c *Codec) isMeta(name string) bool {
	switch name {
	case c.Columns.Date, c.Columns.Day, c.Columns.Week, c.Columns.Year:
		return true
	}
	return false
}

// Decode parses a CSV file. Rows with an invalid or duplicate date are kept
// in Dataset.Rejected; derived columns are ignored and recomputed.
func (c *Codec) Decode(data []byte) (*model.Dataset, error) {
	sum := sha256.Sum256(data)
	ds := &model.Dataset{Version: hex.EncodeToString(sum[:8])}

	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return ds, nil
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	dateIdx := -1
	personIdx := make([]int, 0, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		switch {
		case h == c.Columns.Date:
			dateIdx = i
		case h == "" || c.isMeta(h):
		default:
			personIdx = append(personIdx, i)
			ds.People = append(ds.People, h)
		}
	}
	if dateIdx < 0 {
		return nil, fmt.Errorf("%w %q", ErrMissingDateColumn, c.Columns.Date)
	}

	seen := make(map[string]int)
	line := 1
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if isBlank(row) {
			continue
		}

		var raw string
		if dateIdx < len(row) {
			raw = row[dateIdx]
		}
		date, err := c.Bucketer.Parse(raw)
		if err != nil {
			ds.Rejected = append(ds.Rejected, model.RejectedRow{Line: line, Cells: row, Err: err})
			continue
		}

		dk := model.DateKey(date)
		if first, dup := seen[dk]; dup {
			ds.Rejected = append(ds.Rejected, model.RejectedRow{
				Line:  line,
				Cells: row,
				Err:   fmt.Errorf("duplicate date %s (first on line %d)", dk, first),
			})
			continue
		}
		seen[dk] = line

		rec := model.Record{Date: date, Assignments: make(map[string]string, len(personIdx))}
		for j, idx := range personIdx {
			var v string
			if idx < len(row) {
				v = strings.TrimSpace(row[idx])
			}
			rec.Assignments[ds.People[j]] = v
		}
		if err := c.Bucketer.Assign(&rec); err != nil {
			ds.Rejected = append(ds.Rejected, model.RejectedRow{Line: line, Cells: row, Err: err})
			continue
		}
		ds.Records = append(ds.Records, rec)
	}

	ds.SortRecords()
	return ds, nil
}

// Header returns the column order used by Encode.
func (c *Codec) Header(ds *model.Dataset) []string {
	h := make([]string, 0, len(ds.People)+4)
	h = append(h, c.Columns.Day, c.Columns.Date)
	h = append(h, ds.People...)
	h = append(h, c.Columns.Week, c.Columns.Year)
	return h
}

// Row renders one record in Header order.
func (c *Codec) Row(ds *model.Dataset, r model.Record) []string {
	row := make([]string, 0, len(ds.People)+4)
	row = append(row, r.DayName, c.Bucketer.Format(r.Date))
	for _, p := range ds.People {
		row = append(row, r.Assignments[p])
	}
	row = append(row, strconv.Itoa(r.Subperiod), strconv.Itoa(r.Period))
	return row
}

// Encode writes ds as CSV. Datasets with rejected rows are refused.
func (c *Codec) Encode(w io.Writer, ds *model.Dataset) error {
	if len(ds.Rejected) > 0 {
		return fmt.Errorf("%w: %d row(s), first on line %d", schedule.ErrRejectedRows, len(ds.Rejected), ds.Rejected[0].Line)
	}
	return c.write(w, ds)
}

// Export writes ds as CSV for download. Rejected rows follow the records
// with their cells as read, so the file holds everything the source did.
func (c *Codec) Export(w io.Writer, ds *model.Dataset) error {
	return c.write(w, ds)
}

func (c *Codec) write(w io.Writer, ds *model.Dataset) error {
	sorted := ds.Clone()
	sorted.SortRecords()

	cw := csv.NewWriter(w)
	if err := cw.Write(c.Header(sorted)); err != nil {
		return err
	}
	for _, r := range sorted.Records {
		if err := cw.Write(c.Row(sorted, r)); err != nil {
			return err
		}
	}
	for _, rj := range sorted.Rejected {
		if err := cw.Write(rj.Cells); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func isBlank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// FileStore reads and writes canonical dataset files.
type FileStore struct {
	Codec *Codec
}

// NewFileStore returns a FileStore using codec.
func NewFileStore(codec *Codec) *FileStore {
	return &FileStore{Codec: codec}
}

// Read loads the dataset at loc. A missing path or file is reported as
// model.ErrStorageLocation.
func (s *FileStore) Read(_ context.Context, loc Location) (*model.Dataset, error) {
	if loc.Path == "" {
		return nil, fmt.Errorf("dataset %s: %w: no path configured", loc.ID, model.ErrStorageLocation)
	}

	data, err := os.ReadFile(loc.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("dataset %s: %w: %w", loc.ID, model.ErrStorageLocation, err)
		}
		return nil, &model.PersistenceError{Op: "read", Path: loc.Path, Err: err}
	}

	ds, err := s.Codec.Decode(data)
	if err != nil {
		return nil, &model.PersistenceError{Op: "decode", Path: loc.Path, Err: err}
	}
	ds.ID = loc.ID
	ds.Name = loc.Name

	for _, rj := range ds.Rejected {
		appLog.Warn("rejected row", rj.Err, "dataset", loc.ID, "path", loc.Path, "line", rj.Line)
	}
	return ds, nil
}

// Write replaces the file at loc with ds. Readers never observe a partial
// file: the bytes go to a temp file in the same directory that is renamed
// over the target.
func (s *FileStore) Write(_ context.Context, loc Location, ds *model.Dataset) error {
	if loc.Path == "" {
		return fmt.Errorf("dataset %s: %w: no path configured", loc.ID, model.ErrStorageLocation)
	}

	var buf bytes.Buffer
	if err := s.Codec.Encode(&buf, ds); err != nil {
		return &model.PersistenceError{Op: "encode", Path: loc.Path, Err: err}
	}
	if err := WriteFileAtomic(loc.Path, buf.Bytes(), 0o644); err != nil {
		return &model.PersistenceError{Op: "write", Path: loc.Path, Err: err}
	}
	appLog.Debug("dataset written", "dataset", loc.ID, "path", loc.Path, "records", len(ds.Records))
	return nil
}

// For binds the store to one location, satisfying schedule.Writer.
func (s *FileStore) For(loc Location) *BoundFile {
	return &BoundFile{store: s, loc: loc}
}

// BoundFile is a FileStore fixed to one location.
type BoundFile struct {
	store *FileStore
	loc   Location
}

func (f *BoundFile) Read(ctx context.Context) (*model.Dataset, error) {
	return f.store.Read(ctx, f.loc)
}

func (f *BoundFile) Write(ctx context.Context, ds *model.Dataset) error {
	return f.store.Write(ctx, f.loc, ds)
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
