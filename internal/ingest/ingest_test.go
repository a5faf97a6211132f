package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeCSV(t, `Name,Address,City,State,Zip Code,Company,Title,Notes
Jane Smith,12 Oak St,Austin,TX,78701,Acme Corp,CFO,board contact
Bob Chen,,Portland,OR,,Widgets Inc,,
,skipped,row,,,,,
`)

	got, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 2, "blank-name rows are skipped")

	assert.Equal(t, "Jane Smith", got[0].FullName)
	assert.Equal(t, "12 Oak St", got[0].Street)
	assert.Equal(t, "Austin", got[0].City)
	assert.Equal(t, "TX", got[0].State)
	assert.Equal(t, "78701", got[0].ZipCode)
	assert.Equal(t, "Acme Corp", got[0].Employer)
	assert.Equal(t, "CFO", got[0].Title)
	assert.Equal(t, "board contact", got[0].Notes)

	assert.Equal(t, "Bob Chen", got[1].FullName)
	assert.Empty(t, got[1].Street)
}

func TestLoadCSV_HeaderAliases(t *testing.T) {
	path := writeCSV(t, `Prospect Name,Town,Province,Postal Code,Organization
Jane Smith,Austin,TX,78701,Acme Corp
`)

	got, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Austin", got[0].City)
	assert.Equal(t, "78701", got[0].ZipCode)
	assert.Equal(t, "Acme Corp", got[0].Employer)
}

func TestLoadCSV_MissingNameColumn(t *testing.T) {
	path := writeCSV(t, "City,State\nAustin,TX\n")

	_, err := LoadCSV(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no name column")
}

func TestLoadXLSX_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.xlsx")
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Prospects")
	require.NoError(t, err)

	for _, cells := range [][]string{
		{"Name", "City", "State", "Employer"},
		{"Jane Smith", "Austin", "TX", "Acme Corp"},
		{"Bob Chen", "Portland", "OR", "Widgets Inc"},
	} {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	require.NoError(t, f.Save(path))

	got, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Jane Smith", got[0].FullName)
	assert.Equal(t, "Widgets Inc", got[1].Employer)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load("roster.pdf", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported roster format")
}
