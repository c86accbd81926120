package planner

import (
	"bytes"
	"context"
	"strings"
	"unicode"

	"weekplan/internal/ics"
	"weekplan/internal/model"
)

// Download is a rendered export.
type Download struct {
	Body        []byte
	FileName    string
	ContentType string
	Warnings    Warnings
}

// rejectedWarnings names the rows a download carries unparsed.
func rejectedWarnings(rejected []model.RejectedRow) Warnings {
	var w Warnings
	for _, rj := range rejected {
		w.add("line %d copied as is: %v", rj.Line, rj.Err)
	}
	return w
}

const (
	contentTypeCSV  = "text/csv; charset=utf-8"
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// fileStem turns a dataset name into a file name part.
func fileStem(name string) string {
	stem := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, strings.TrimSpace(name))
	if stem == "" {
		return "planning"
	}
	return stem
}

// rejectedSkipped names the rows a calendar leaves out.
func rejectedSkipped(rejected []model.RejectedRow) Warnings {
	var w Warnings
	for _, rj := range rejected {
		w.add("line %d has no events: %v", rj.Line, rj.Err)
	}
	return w
}

// Calendar renders dataset id as an iCalendar feed. It reads the canonical
// file as is; pruning is left to Load and Compact.
func (e *Engine) Calendar(ctx context.Context, id string) (*Download, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	ds, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}
	body := ics.Export(ds, ics.Options{Sentinel: e.opts.Sentinel, Stamp: e.opts.Now()})
	return &Download{Body: body, FileName: ics.FileName(loc.ID), ContentType: ics.ContentType, Warnings: rejectedSkipped(ds.Rejected)}, nil
}

// ExportCSV renders dataset id as "all_weeks_<name>.csv".
func (e *Engine) ExportCSV(ctx context.Context, id string) (*Download, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	ds, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := e.gw.Store.Codec.Export(&buf, ds); err != nil {
		return nil, err
	}
	return &Download{
		Body:        buf.Bytes(),
		FileName:    "all_weeks_" + fileStem(loc.Name) + ".csv",
		ContentType: contentTypeCSV,
		Warnings:    rejectedWarnings(ds.Rejected),
	}, nil
}

// ExportWorkbook renders dataset id as "all_weeks_<name>.xlsx".
func (e *Engine) ExportWorkbook(ctx context.Context, id string) (*Download, error) {
	loc, err := e.Location(id)
	if err != nil {
		return nil, err
	}
	ds, err := e.gw.Store.Read(ctx, loc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := e.gw.Store.Codec.WriteWorkbook(&buf, ds); err != nil {
		return nil, err
	}
	return &Download{
		Body:        buf.Bytes(),
		FileName:    "all_weeks_" + fileStem(loc.Name) + ".xlsx",
		ContentType: contentTypeXLSX,
		Warnings:    rejectedWarnings(ds.Rejected),
	}, nil
}
