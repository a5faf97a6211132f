// Package ingest loads prospect rosters from CSV and XLSX files, mapping
// flexible column headings onto the canonical prospect shape.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// headerAliases maps the spellings fundraising teams actually use onto
// canonical field names.
var headerAliases = map[string]string{
	"name": "full_name", "full name": "full_name", "full_name": "full_name",
	"donor": "full_name", "prospect": "full_name", "prospect name": "full_name",

	"street": "street", "address": "street", "street address": "street",
	"address 1": "street", "address1": "street",

	"city": "city", "town": "city",

	"state": "state", "province": "state", "st": "state",

	"zip": "zip", "zipcode": "zip", "zip code": "zip", "postal": "zip",
	"postal code": "zip",

	"employer": "employer", "company": "employer", "organization": "employer",
	"org": "employer",

	"title": "title", "position": "title", "role": "title", "job title": "title",

	"notes": "notes", "comments": "notes", "note": "notes",
}

// Options configures roster loading.
type Options struct {
	SheetName string // XLSX only; defaults to the first sheet
}

// Load reads a prospect roster, choosing the parser by file extension.
func Load(path string, opts Options) ([]model.Prospect, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return LoadXLSX(path, opts)
	case ".csv":
		return LoadCSV(path)
	default:
		return nil, eris.Errorf("ingest: unsupported roster format %q (want .csv or .xlsx)", filepath.Ext(path))
	}
}

// LoadCSV reads prospects from a CSV file with a header row.
func LoadCSV(path string) ([]model.Prospect, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read csv header")
	}
	fields, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	var out []model.Prospect
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "ingest: read csv row")
		}
		if p, ok := rowToProspect(row, fields); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// LoadXLSX reads prospects from an XLSX file. The first row is the header.
func LoadXLSX(path string, opts Options) ([]model.Prospect, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: open xlsx")
	}

	sheet, err := pickSheet(f, opts.SheetName)
	if err != nil {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, eris.New("ingest: xlsx sheet is empty")
	}

	fields, err := mapHeader(rowToStrings(sheet.Rows[0]))
	if err != nil {
		return nil, err
	}

	var out []model.Prospect
	for _, row := range sheet.Rows[1:] {
		if p, ok := rowToProspect(rowToStrings(row), fields); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		sheet, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("ingest: sheet %q not found", name)
		}
		return sheet, nil
	}
	if len(f.Sheets) == 0 {
		return nil, eris.New("ingest: xlsx file has no sheets")
	}
	return f.Sheets[0], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

// mapHeader resolves column positions. A full-name column is mandatory;
// unknown columns are ignored.
func mapHeader(header []string) (map[int]string, error) {
	fields := make(map[int]string, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		if canonical, ok := headerAliases[key]; ok {
			fields[i] = canonical
		}
	}
	for _, f := range fields {
		if f == "full_name" {
			return fields, nil
		}
	}
	return nil, eris.New("ingest: roster has no name column")
}

// rowToProspect builds a prospect from one row; blank rows are skipped.
func rowToProspect(row []string, fields map[int]string) (model.Prospect, bool) {
	var p model.Prospect
	for i, field := range fields {
		if i >= len(row) {
			continue
		}
		v := strings.TrimSpace(row[i])
		switch field {
		case "full_name":
			p.FullName = v
		case "street":
			p.Street = v
		case "city":
			p.City = v
		case "state":
			p.State = v
		case "zip":
			p.ZipCode = v
		case "employer":
			p.Employer = v
		case "title":
			p.Title = v
		case "notes":
			p.Notes = v
		}
	}
	if p.FullName == "" {
		return model.Prospect{}, false
	}
	return p, true
}
