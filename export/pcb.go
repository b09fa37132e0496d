package export

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fetlab/fetbench/sweep"
)

// PCBColumns are the rows of a readout-board capture, in file order
var PCBColumns = []string{"time", "DAC", "Ch1", "Ch2"}

// ReadPCB parses a readout-board capture: one comma separated line per
// column of PCBColumns.
func ReadPCB(path string) (sweep.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return sweep.Record{}, err
	}
	defer f.Close()

	var cols []sweep.Column
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		txt := strings.TrimSpace(sc.Text())
		if txt == "" {
			continue
		}
		if line >= len(PCBColumns) {
			return sweep.Record{}, fmt.Errorf("%s: more than %d lines", path, len(PCBColumns))
		}
		fields := strings.Split(strings.TrimSuffix(txt, ","), ",")
		vals := make([]float64, len(fields))
		for i, fld := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(fld), 64)
			if err != nil {
				return sweep.Record{}, fmt.Errorf("%s line %d field %d: %w", path, line+1, i+1, err)
			}
			vals[i] = v
		}
		cols = append(cols, sweep.Column{Name: PCBColumns[line], Values: vals})
		line++
	}
	if err := sc.Err(); err != nil {
		return sweep.Record{}, err
	}
	if line != len(PCBColumns) {
		return sweep.Record{}, fmt.Errorf("%s: expected %d lines, got %d", path, len(PCBColumns), line)
	}
	return sweep.NewRecord(cols...)
}

// ConvertPCB reads a capture and exports it as a single-sheet workbook named
// after the capture file, returning the folder name
func (e *Exporter) ConvertPCB(path string) (string, error) {
	r, err := ReadPCB(path)
	if err != nil {
		return "", err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return e.Export(Indexed([]sweep.Record{r}), name, "PCB_data", "")
}
