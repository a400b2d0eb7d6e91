package analysis

import (
	"fmt"
	"strconv"
)

// LabelsTable numbers labels from 1 in global mask order. The header keeps
// the empty index column of the original pandas export.
func LabelsTable(labels []string) Table {
	t := Table{Header: []string{"", "roi"}}
	for i, label := range labels {
		t.Rows = append(t.Rows, []string{strconv.Itoa(i + 1), label})
	}
	return t
}

// ReadLabels returns the roi column of a label table in index order.
func ReadLabels(path string) ([]string, error) {
	t, err := ReadTable(path)
	if err != nil {
		return nil, err
	}
	col := t.Column("roi")
	if col < 0 {
		return nil, fmt.Errorf("analysis: %s has no roi column", path)
	}
	labels := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if col >= len(row) {
			return nil, fmt.Errorf("analysis: %s row %d is short", path, i+1)
		}
		labels[i] = row[col]
	}
	return labels, nil
}
