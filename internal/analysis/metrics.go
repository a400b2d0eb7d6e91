package analysis

import (
	"errors"
	"fmt"
)

// ErrCountMismatch reports a tract whose per-streamline statistics do not
// line up with its SIFT2 weights.
var ErrCountMismatch = errors.New("analysis: streamline count mismatch")

// TractMetricsHeader is the column layout of the per-pair metrics table.
var TractMetricsHeader = []string{"subj", "sess", "tract", "weights_stream_sum", "weights_stream_avg", "FA_tcksample_means"}

// TractMetric summarises one seed tract.
type TractMetric struct {
	Subject     string
	Session     string
	Tract       string
	WeightSum   float64
	WeightAvg   float64
	FAMean      float64
	Streamlines int
}

// ComputeTractMetric combines the SIFT2 weights of a tract with the
// per-streamline means produced by tcksample -stat_tck mean.
func ComputeTractMetric(subject, session, tract string, weights, means []float64) (TractMetric, error) {
	m := TractMetric{Subject: subject, Session: session, Tract: tract, Streamlines: len(means)}
	if len(weights) != len(means) {
		return m, fmt.Errorf("%w: %s has %d weights and %d samples", ErrCountMismatch, tract, len(weights), len(means))
	}
	if len(means) == 0 {
		return m, nil
	}
	var fa float64
	for i := range means {
		m.WeightSum += weights[i]
		fa += means[i]
	}
	n := float64(len(means))
	m.WeightAvg = m.WeightSum / n
	m.FAMean = fa / n
	return m, nil
}

// ZeroTractMetric is the row written for a seed without a tract.
func ZeroTractMetric(subject, session, tract string) TractMetric {
	return TractMetric{Subject: subject, Session: session, Tract: tract}
}

func (m TractMetric) row() []string {
	return []string{
		m.Subject,
		m.Session,
		m.Tract,
		FormatFloat(m.WeightSum),
		FormatFloat(m.WeightAvg),
		FormatFloat(m.FAMean),
	}
}

// TractMetricsTable lays metrics out in TractMetricsHeader order.
func TractMetricsTable(metrics []TractMetric) Table {
	t := Table{Header: append([]string{}, TractMetricsHeader...)}
	for _, m := range metrics {
		t.Rows = append(t.Rows, m.row())
	}
	return t
}
