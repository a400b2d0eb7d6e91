// Package analysis reads and writes the CSV tables of the connectivity
// analysis: SIFT2 weights, tcksample statistics, connectome matrices, the
// global mask label table and the cohort-level tables built from them.
package analysis
