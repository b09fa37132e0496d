// Package export writes sweep records to spreadsheets, one workbook per call
// and one sheet per record, inside a dated folder per device and test.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fetlab/fetbench/sweep"
)

const (
	// SheetPrefix is prepended to every sheet key
	SheetPrefix = "step #"

	// DateLayout is the folder date stamp, mmddyyyy
	DateLayout = "01022006"

	maxSheetName = 31
)

// ErrNoSheets is generated when Export is called with nothing to write
var ErrNoSheets = errors.New("no records to export")

// Sheet is one record to be written, under SheetPrefix+Key
type Sheet struct {
	Key    string
	Record sweep.Record
}

// Indexed keys records by their position, 0, 1, 2...
func Indexed(records []sweep.Record) []Sheet {
	out := make([]Sheet, len(records))
	for i, r := range records {
		out[i] = Sheet{Key: strconv.Itoa(i), Record: r}
	}
	return out
}

// Keyed keys records by their map key, in sorted key order
func Keyed(records map[string]sweep.Record) []Sheet {
	keys := make([]string, 0, len(records))
	for k := range records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Sheet, len(keys))
	for i, k := range keys {
		out[i] = Sheet{Key: k, Record: records[k]}
	}
	return out
}

// Exporter writes workbooks below Root
type Exporter struct {
	// Root is the directory result folders are created in
	Root string

	// Now stamps the folder names, nil means time.Now
	Now func() time.Time
}

// New returns an Exporter rooted at root
func New(root string) *Exporter {
	return &Exporter{Root: root}
}

func (e *Exporter) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Folder returns the name of the folder results for a device and test go to,
// mmddyyyy-device-testType
func (e *Exporter) Folder(device, testType string) string {
	return e.now().Format(DateLayout) + "-" + device + "-" + testType
}

func sheetName(key string) string {
	name := []rune(SheetPrefix + key)
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return string(name)
}

func writeRecord(f *excelize.File, sheet string, r sweep.Record) error {
	chans := r.Channels()
	header := make([]interface{}, 0, len(chans)+1)
	header = append(header, "")
	for _, c := range chans {
		header = append(header, c)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	for i := 0; i < r.Len(); i++ {
		row := make([]interface{}, 0, len(chans)+1)
		row = append(row, i)
		for _, v := range r.Row(i) {
			row = append(row, v)
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}

// Export writes sheets to <Root>/<folder>/<folder><comment>.xlsx, creating
// the folder if needed, and returns the folder name.
func (e *Exporter) Export(sheets []Sheet, device, testType, comment string) (string, error) {
	if len(sheets) == 0 {
		return "", ErrNoSheets
	}
	dir := e.Folder(device, testType)
	path := filepath.Join(e.Root, dir)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}

	f := excelize.NewFile()
	defer f.Close()
	seen := map[string]bool{}
	for _, s := range sheets {
		name := sheetName(s.Key)
		if seen[name] {
			return "", fmt.Errorf("export: duplicate sheet name %q", name)
		}
		seen[name] = true
		if _, err := f.NewSheet(name); err != nil {
			return "", fmt.Errorf("export: sheet %q: %w", name, err)
		}
		if err := writeRecord(f, name, s.Record); err != nil {
			return "", fmt.Errorf("export: sheet %q: %w", name, err)
		}
	}
	// the default sheet is always present in a new workbook
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(0)

	fn := filepath.Join(path, dir+comment+".xlsx")
	if err := f.SaveAs(fn); err != nil {
		return "", err
	}
	return dir, nil
}
