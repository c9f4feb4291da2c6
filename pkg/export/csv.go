// Package export writes run results as CSV data files and HTML plots.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/itohio/rcexp/pkg/experiment"
	"github.com/itohio/rcexp/pkg/params"
	"github.com/itohio/rcexp/pkg/sample"
)

// ErrNoSamples is returned when exporting a result without samples.
var ErrNoSamples = errors.New("result has no samples")

// WriteCSV writes samples as "time,voltage" rows below a commented header
// describing the circuit.
func WriteCSV(w io.Writer, samples []sample.Sample, p params.DeviceParameters, kind experiment.Kind) error {
	header := []string{
		fmt.Sprintf("Resistor: %s Ohms", formatValue(p.ResistanceOhms)),
		fmt.Sprintf("Capacitor: %s uF", formatValue(p.CapacitanceFarads*1e6)),
	}
	if kind == experiment.PulseCapture {
		header = append(header,
			fmt.Sprintf("Pulse Duration: %d ms", p.PulseDurationMs),
			fmt.Sprintf("Pulse Duty Cycle: %d %%", p.PulseDutyCyclePercent),
		)
	}
	for _, line := range header {
		if _, err := fmt.Fprintf(w, "# %s\n", line); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}

	cw := csv.NewWriter(w)
	for _, s := range samples {
		row := []string{
			strconv.FormatFloat(s.Time, 'e', 7, 64),
			strconv.FormatFloat(s.Voltage, 'e', 7, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a file written by WriteCSV. Comment lines are skipped.
func ReadCSV(r io.Reader) ([]sample.Sample, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}

	samples := make([]sample.Sample, 0, len(records))
	for i, rec := range records {
		t, err := strconv.ParseFloat(rec[0], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid time %q: %w", i+1, rec[0], err)
		}
		v, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid voltage %q: %w", i+1, rec[1], err)
		}
		samples = append(samples, sample.Sample{Time: t, Voltage: v})
	}
	return samples, nil
}

// NormalizePath forces a .csv extension, appending one if the name has none.
func NormalizePath(path string) string {
	return withExt(path, ".csv")
}

// SaveCSV writes res to path (normalized) and returns the path written.
func SaveCSV(path string, res *experiment.Result) (string, error) {
	if res == nil || len(res.Samples) == 0 {
		return "", ErrNoSamples
	}

	path = NormalizePath(path)
	if err := writeFile(path, func(w io.Writer) error {
		return WriteCSV(w, res.Samples, res.Params, res.Kind)
	}); err != nil {
		return "", err
	}

	log.Printf("Saved %d samples to %s", len(res.Samples), path)
	return path, nil
}

func withExt(path, ext string) string {
	dir, name := filepath.Split(path)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return dir + name + ext
}

func writeFile(path string, write func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 9, 64)
}
