package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/neuropipe/internal/cohort"
)

func TestNewWritesJSONLinesWithPairFields(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, Options{Verbose: true})
	require.NoError(t, err)

	ForStep(ForPair(logger, cohort.Pair{Subject: "sub-01", Session: "ses-T1"}), "dwi-preproc").Debug("running")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"subject":"sub-01"`)
	assert.Contains(t, string(data), `"session":"ses-T1"`)
	assert.Contains(t, string(data), `"step":"dwi-preproc"`)
	assert.Contains(t, string(data), `"msg":"running"`)
}

func TestNewDropsDebugWhenQuiet(t *testing.T) {
	dir := t.TempDir()
	logger, err := New(dir, Options{})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestScopedLoggersTolerateNil(t *testing.T) {
	assert.NotNil(t, ForPair(nil, cohort.Pair{}))
	assert.NotNil(t, ForStep(nil, "x"))
}
