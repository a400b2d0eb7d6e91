package analysis

import (
	"fmt"
	"os"
	"strings"
)

// ReadMatrix parses a tck2connectome matrix. Cells are separated by commas
// or whitespace and the file carries no header.
func ReadMatrix(path string) ([][]float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("analysis: read %s: %w", path, err)
	}
	var matrix [][]float64
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		row, err := parseRow(line)
		if err != nil {
			return nil, fmt.Errorf("analysis: %s line %d: %w", path, n+1, err)
		}
		matrix = append(matrix, row)
	}
	return matrix, nil
}

// EdgeFilter selects connectome edges for one table. An empty Focus keeps
// every edge that avoids the excluded labels.
type EdgeFilter struct {
	Focus   string
	Exclude []string
}

// Keep reports whether the edge a-b belongs to the table.
func (f EdgeFilter) Keep(a, b string) bool {
	if f.Focus != "" && a != f.Focus && b != f.Focus {
		return false
	}
	for _, ex := range f.Exclude {
		if a == ex || b == ex {
			return false
		}
	}
	return true
}

// SubjectMatrix is one subject's connectome and its label order.
type SubjectMatrix struct {
	Subject string
	Labels  []string
	Matrix  [][]float64
}

type edge struct {
	name  string
	value float64
}

func (s SubjectMatrix) edges(f EdgeFilter) ([]edge, error) {
	var out []edge
	for i, row := range s.Matrix {
		if i >= len(s.Labels) {
			return nil, fmt.Errorf("analysis: %s matrix has %d rows for %d labels", s.Subject, len(s.Matrix), len(s.Labels))
		}
		if len(row) > len(s.Labels) {
			return nil, fmt.Errorf("analysis: %s matrix row %d has %d columns for %d labels", s.Subject, i+1, len(row), len(s.Labels))
		}
		for j, v := range row {
			a, b := s.Labels[i], s.Labels[j]
			if !f.Keep(a, b) {
				continue
			}
			out = append(out, edge{name: a + "-" + b, value: v})
		}
	}
	return out, nil
}

// EdgeTable lays the filtered edges out with one row per subject. Columns
// follow first appearance, missing edges read as zero and columns that are
// zero for every subject are dropped.
func EdgeTable(subjects []SubjectMatrix, f EdgeFilter) (Table, error) {
	var columns []string
	index := map[string]int{}
	values := make([]map[string]float64, len(subjects))
	for k, s := range subjects {
		edges, err := s.edges(f)
		if err != nil {
			return Table{}, err
		}
		values[k] = make(map[string]float64, len(edges))
		for _, e := range edges {
			if _, ok := index[e.name]; !ok {
				index[e.name] = len(columns)
				columns = append(columns, e.name)
			}
			values[k][e.name] = e.value
		}
	}
	var kept []string
	for _, col := range columns {
		for k := range subjects {
			if values[k][col] != 0 {
				kept = append(kept, col)
				break
			}
		}
	}
	t := Table{Header: kept}
	for k := range subjects {
		row := make([]string, len(kept))
		for i, col := range kept {
			row[i] = FormatFloat(values[k][col])
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
