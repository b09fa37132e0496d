package export_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/fetlab/fetbench/export"
	"github.com/fetlab/fetbench/sweep"
)

func fixedClock() time.Time {
	return time.Date(2024, time.February, 19, 18, 54, 27, 0, time.UTC)
}

func record(t *testing.T, v float64) sweep.Record {
	t.Helper()
	r, err := sweep.NewRecord(
		sweep.Column{Name: sweep.VDL, Values: []float64{v, v + 1}},
		sweep.Column{Name: sweep.VDR, Values: []float64{-v, -v - 1}})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestFolderName(t *testing.T) {
	e := export.Exporter{Now: fixedClock}
	got := e.Folder("egofet7", "stability")
	if got != "02192024-egofet7-stability" {
		t.Errorf("unexpected folder %q", got)
	}
}

func TestExportWritesOneSheetPerRecord(t *testing.T) {
	root := t.TempDir()
	e := export.Exporter{Root: root, Now: fixedClock}
	recs := []sweep.Record{record(t, 1), record(t, 2), record(t, 3)}
	dir, err := e.Export(export.Indexed(recs), "dut", "stability", "-run1")
	if err != nil {
		t.Fatal(err)
	}
	fn := filepath.Join(root, dir, dir+"-run1.xlsx")
	f, err := excelize.OpenFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	want := []string{"step #0", "step #1", "step #2"}
	if len(sheets) != len(want) {
		t.Fatalf("expected sheets %v, got %v", want, sheets)
	}
	for i := range want {
		if sheets[i] != want[i] {
			t.Errorf("sheet %d: expected %s got %s", i, want[i], sheets[i])
		}
	}
	rows, err := f.GetRows("step #1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if rows[0][1] != sweep.VDL || rows[0][2] != sweep.VDR {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[2][1] != "3" {
		t.Errorf("expected VDL of sample 1 to be 3, got %s", rows[2][1])
	}
}

func TestExportReusesFolder(t *testing.T) {
	root := t.TempDir()
	e := export.Exporter{Root: root, Now: fixedClock}
	recs := map[string]sweep.Record{"PBS": record(t, 1)}
	d1, err := e.Export(export.Keyed(recs), "dut", "sensing", "PBS")
	if err != nil {
		t.Fatal(err)
	}
	d2, err := e.Export(export.Keyed(recs), "dut", "sensing", "1nM")
	if err != nil {
		t.Fatal(err)
	}
	if d1 != d2 {
		t.Errorf("expected both exports in one folder, got %s and %s", d1, d2)
	}
	entries, err := os.ReadDir(filepath.Join(root, d1))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected two workbooks, got %d", len(entries))
	}
}

func TestExportNothing(t *testing.T) {
	e := export.New(t.TempDir())
	if _, err := e.Export(nil, "dut", "x", ""); err != export.ErrNoSheets {
		t.Errorf("expected ErrNoSheets, got %v", err)
	}
}

func TestKeyedIsSorted(t *testing.T) {
	sheets := export.Keyed(map[string]sweep.Record{"b": record(t, 1), "a": record(t, 2)})
	if sheets[0].Key != "a" || sheets[1].Key != "b" {
		t.Errorf("expected sorted keys, got %s %s", sheets[0].Key, sheets[1].Key)
	}
}

func TestReadPCB(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "iSENS_capture.txt")
	body := "0,1,2\n10,10,10\n0.5,0.6,0.7\n0.4,0.4,0.4,\n"
	if err := os.WriteFile(fn, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := export.ReadPCB(fn)
	if err != nil {
		t.Fatal(err)
	}
	if r.Len() != 3 {
		t.Errorf("expected 3 samples, got %d", r.Len())
	}
	ch1, _ := r.Series("Ch1")
	if ch1[2] != 0.7 {
		t.Errorf("expected Ch1[2] = 0.7, got %f", ch1[2])
	}

	e := export.Exporter{Root: t.TempDir(), Now: fixedClock}
	dir, err := e.ConvertPCB(fn)
	if err != nil {
		t.Fatal(err)
	}
	if dir != "02192024-iSENS_capture-PCB_data" {
		t.Errorf("unexpected folder %s", dir)
	}
}

func TestReadPCBShort(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "short.txt")
	if err := os.WriteFile(fn, []byte("0,1\n2,3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := export.ReadPCB(fn); err == nil {
		t.Error("expected error for a capture missing lines")
	}
}
