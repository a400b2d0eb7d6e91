package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/config"
	"github.com/kingrea/neuropipe/internal/runner"
	"github.com/kingrea/neuropipe/internal/steps"
)

// resetFlags puts every flag back to its default so tests can share rootCmd.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			def := strings.Trim(f.DefValue, "[]")
			var values []string
			if def != "" {
				values = strings.Split(def, ",")
			}
			_ = sv.Replace(values)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func useFakeRunner(t *testing.T, fake *runner.Fake) {
	t.Helper()
	prev := newRunner
	newRunner = func(*config.Config, *zap.Logger) runner.Runner { return fake }
	t.Cleanup(func() { newRunner = prev })
}

func dicomFolder(t *testing.T, root, name string) {
	t.Helper()
	dir := filepath.Join(root, "sourcedata", "dicom", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IM0001"), []byte("dicom"), 0o644))
}

func TestInitCreatesPipelineDir(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, "init", "--data-path", root)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(root, ".neuropipe", "config.yaml"))
	for _, dir := range []string{"logs", "fail_lists", "state"} {
		info, err := os.Stat(filepath.Join(root, ".neuropipe", dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestStepsListsPipelineInOrder(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, "steps", "--data-path", root)
	require.NoError(t, err)

	def, err := steps.BundledPipeline()
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(def.Steps))
	for i, id := range def.StepIDs() {
		assert.True(t, strings.HasPrefix(lines[i], id+" "), "line %d = %q", i, lines[i])
	}
	assert.Contains(t, lines[len(lines)-1], "<- scalar-maps, seed-connectome")
}

func TestEveryStepHasItsOwnCommand(t *testing.T) {
	def, err := steps.BundledPipeline()
	require.NoError(t, err)
	for _, id := range def.StepIDs() {
		cmd, _, err := rootCmd.Find([]string{id})
		require.NoError(t, err)
		assert.Equal(t, id, cmd.Name())
		assert.NotNil(t, cmd.Flags().Lookup("subj"))
		assert.Nil(t, cmd.Flags().Lookup("no-deps"))
	}
}

func TestRunRejectsUnknownStep(t *testing.T) {
	root := t.TempDir()
	_, err := execute(t, "run", "bogus", "--subj", "01", "--sess", "T1", "--data-path", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown or disabled step "bogus"`)
}

func TestStepCommandRecordsFailures(t *testing.T) {
	root := t.TempDir()
	dicomFolder(t, root, "01_T1")
	useFakeRunner(t, runner.NewFake().Fail("dcm2bids", errors.New("no series matched")))

	out, err := execute(t, "dicom2bids", "--subj", "01", "--sess", "T1", "--data-path", root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 pair(s) failed")
	assert.Contains(t, out, "0/1 pairs finished")

	lists, err := filepath.Glob(filepath.Join(root, ".neuropipe", "fail_lists", "fail_list_dicom2bids_*.txt"))
	require.NoError(t, err)
	require.Len(t, lists, 1)
	data, err := os.ReadFile(lists[0])
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "sub-01 ses-T1 \n"), "fail list = %q", data)

	out, err = execute(t, "history", "--data-path", root)
	require.NoError(t, err)
	assert.Contains(t, out, "dicom2bids")
	assert.Contains(t, out, "failed=1")
}

func TestStepCommandConvertsSession(t *testing.T) {
	root := t.TempDir()
	dicomFolder(t, root, "02_T1")
	fake := runner.NewFake().On("dcm2bids", func(cmd runner.Command) error {
		// dcm2bids -d <dicom> -p <subj> -s <sess> -o <bids root> -c <config>
		return os.MkdirAll(filepath.Join(cmd.Args[7], "sub-"+cmd.Args[3], "ses-"+cmd.Args[5]), 0o755)
	})
	useFakeRunner(t, fake)

	out, err := execute(t, "dicom2bids", "--subj", "02", "--sess", "T1", "--data-path", root)
	require.NoError(t, err)
	assert.Contains(t, out, "1/1 pairs finished")
	assert.Equal(t, []string{"dcm2bids"}, fake.Names())

	// A second invocation finds the session converted.
	fake.Reset()
	_, err = execute(t, "dicom2bids", "--subj", "02", "--sess", "T1", "--data-path", root)
	require.NoError(t, err)
	assert.Empty(t, fake.Commands())
}

func TestHistoryWithoutRuns(t *testing.T) {
	out, err := execute(t, "history", "--data-path", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "no runs recorded")
}

func TestConsumeLimitsInFlightPairs(t *testing.T) {
	pairs := make(chan cohort.Pair, 6)
	for _, subj := range []string{"sub-01", "sub-02", "sub-03", "sub-04", "sub-05", "sub-06"} {
		pairs <- cohort.Pair{Subject: subj, Session: "ses-T1"}
	}
	close(pairs)

	var inFlight, peak, seen int32
	err := consume(context.Background(), pairs, 2, func(ctx context.Context, pair cohort.Pair) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&seen, 1)
	})
	require.NoError(t, err)
	assert.Equal(t, int32(6), atomic.LoadInt32(&seen))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := consume(ctx, make(chan cohort.Pair), 1, func(context.Context, cohort.Pair) {
		t.Fatalf("no pair expected")
	})
	require.NoError(t, err)
}
