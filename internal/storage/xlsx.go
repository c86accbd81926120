package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"weekplan/internal/model"
)

const maxSheetName = 31

// sheetName makes a dataset name safe for an Excel sheet title.
func sheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "Planning"
	}
	if r := []rune(name); len(r) > maxSheetName {
		name = string(r[:maxSheetName])
	}
	return name
}

// WriteWorkbook renders ds as a single-sheet XLSX workbook with the same
// columns as the CSV file. Rejected rows follow the records as read, like
// Codec.Export.
func (c *Codec) WriteWorkbook(w io.Writer, ds *model.Dataset) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(ds.Name)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("xlsx: %w", err)
	}

	sorted := ds.Clone()
	sorted.SortRecords()

	header := c.Header(sorted)
	hdr := make([]any, len(header))
	for i, h := range header {
		hdr[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &hdr); err != nil {
		return fmt.Errorf("xlsx: header: %w", err)
	}

	for i, r := range sorted.Records {
		cells := make([]any, 0, len(header))
		cells = append(cells, r.DayName, c.Bucketer.Format(r.Date))
		for _, p := range sorted.People {
			cells = append(cells, r.Assignments[p])
		}
		cells = append(cells, r.Subperiod, r.Period)

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("xlsx: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("xlsx: row %d: %w", i+2, err)
		}
	}

	next := len(sorted.Records) + 2
	for _, rj := range sorted.Rejected {
		cells := make([]any, len(rj.Cells))
		for i, v := range rj.Cells {
			cells[i] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, next)
		if err != nil {
			return fmt.Errorf("xlsx: %w", err)
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return fmt.Errorf("xlsx: line %d: %w", rj.Line, err)
		}
		next++
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("xlsx: %w", err)
	}

	return f.Write(w)
}
