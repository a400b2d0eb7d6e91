package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Table is a CSV header plus rows of formatted cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// Column returns the index of name in the header, or -1.
func (t Table) Column(name string) int {
	for i, h := range t.Header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}

// Write encodes the table as CSV.
func (t Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	if len(t.Header) > 0 {
		if err := cw.Write(t.Header); err != nil {
			return err
		}
	}
	if err := cw.WriteAll(t.Rows); err != nil {
		return err
	}
	return cw.Error()
}

// WriteFile writes the table to path, creating parent directories.
func (t Table) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("analysis: ensure dir for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("analysis: create %s: %w", path, err)
	}
	if err := t.Write(file); err != nil {
		file.Close()
		return fmt.Errorf("analysis: write %s: %w", path, err)
	}
	return file.Close()
}

// ReadTable decodes a CSV file whose first record is the header.
func ReadTable(path string) (Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("analysis: open %s: %w", path, err)
	}
	defer file.Close()
	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	records, err := reader.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("analysis: parse %s: %w", path, err)
	}
	if len(records) == 0 {
		return Table{}, fmt.Errorf("analysis: %s is empty", path)
	}
	return Table{Header: records[0], Rows: records[1:]}, nil
}

// FormatFloat renders a value the way the cohort tables store numbers.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ReadNumbers reads every number of a text table. Values may be separated by
// whitespace or commas. Lines starting with # are MRtrix comments.
func ReadNumbers(path string) ([]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analysis: read %s: %w", path, err)
	}
	values, err := parseNumbers(string(data))
	if err != nil {
		return nil, fmt.Errorf("analysis: %s: %w", path, err)
	}
	return values, nil
}

func parseNumbers(text string) ([]float64, error) {
	var out []float64
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			return nil, err
		}
		out = append(out, row...)
	}
	return out, nil
}

func parseRow(line string) ([]float64, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\r'
	})
	row := make([]float64, 0, len(fields))
	for _, field := range fields {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", field)
		}
		row = append(row, v)
	}
	return row, nil
}

// ErrEmpty reports a table without any value.
var ErrEmpty = errors.New("analysis: no values")

// FirstNumber returns the first value of a text table.
func FirstNumber(path string) (float64, error) {
	values, err := ReadNumbers(path)
	if err != nil {
		return 0, err
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w in %s", ErrEmpty, path)
	}
	return values[0], nil
}
