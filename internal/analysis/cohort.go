package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// SeedMetricTable has one column per seed and one row per subject.
func SeedMetricTable(seeds []string, rows [][]float64) (Table, error) {
	t := Table{Header: append([]string{}, seeds...)}
	for i, values := range rows {
		if len(values) != len(seeds) {
			return Table{}, fmt.Errorf("analysis: seed row %d has %d values for %d seeds", i+1, len(values), len(seeds))
		}
		row := make([]string, len(values))
		for j, v := range values {
			row[j] = FormatFloat(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// Behaviour column names of the blinded gain export.
const (
	behaviourCode      = "CODE"
	behaviourCondition = "CONDITION"
	behaviourGain      = "gain"
)

// GainDifference keeps the behaviour rows of the selected subjects and
// returns gain(condition 2) - gain(condition 1), matched in file order.
// Subjects carry the sub- prefix; CODE values do not.
func GainDifference(behav Table, subjects []string) (Table, error) {
	codeCol := behav.Column(behaviourCode)
	condCol := behav.Column(behaviourCondition)
	gainCol := behav.Column(behaviourGain)
	if codeCol < 0 || condCol < 0 || gainCol < 0 {
		return Table{}, fmt.Errorf("analysis: behaviour table needs %s, %s and %s columns", behaviourCode, behaviourCondition, behaviourGain)
	}
	selected := make(map[string]struct{}, len(subjects))
	for _, s := range subjects {
		selected[s] = struct{}{}
	}
	var first, second []float64
	for n, row := range behav.Rows {
		if len(row) <= codeCol || len(row) <= condCol || len(row) <= gainCol {
			return Table{}, fmt.Errorf("analysis: behaviour row %d is short", n+1)
		}
		if _, ok := selected["sub-"+strings.TrimSpace(row[codeCol])]; !ok {
			continue
		}
		gain, err := strconv.ParseFloat(strings.TrimSpace(row[gainCol]), 64)
		if err != nil {
			return Table{}, fmt.Errorf("analysis: behaviour row %d: gain %q", n+1, row[gainCol])
		}
		switch strings.TrimSpace(row[condCol]) {
		case "1":
			first = append(first, gain)
		case "2":
			second = append(second, gain)
		}
	}
	if len(first) != len(second) {
		return Table{}, fmt.Errorf("analysis: %d rows for condition 1 and %d for condition 2", len(first), len(second))
	}
	t := Table{Header: []string{behaviourGain}}
	for i := range first {
		t.Rows = append(t.Rows, []string{FormatFloat(second[i] - first[i])})
	}
	return t, nil
}
