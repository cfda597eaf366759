package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/gridci/internal/cachekey"
	"github.com/vk/gridci/internal/cachestore"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/matrix"
	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/provision"
	"github.com/vk/gridci/internal/testutil"
)

func newScheduler(t *testing.T, workers int, exec pipeline.CommandRunner, installer provision.Installer, resolver cachekey.Resolver, store cachestore.Store) *Scheduler {
	t.Helper()
	return &Scheduler{
		Workers:     workers,
		Platform:    "testplat",
		WorkRoot:    t.TempDir(),
		Resolver:    resolver,
		Store:       store,
		Provisioner: &provision.Provisioner{Installer: installer},
		Pipeline:    &pipeline.Runner{Exec: exec},
	}
}

func singleAxisConfig(t *testing.T, axis string, values []string, stepCommands ...string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Matrix: matrix.AxisSet{Axes: []matrix.Axis{{Name: axis, Values: values}}},
	}
	for i, command := range stepCommands {
		cfg.Steps = append(cfg.Steps, config.Step{
			Name: string(rune('a' + i)),
			Run:  testutil.Expr(t, `"`+command+`"`),
		})
	}
	return cfg
}

func TestRun_AllJobsSucceed(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	installer := &testutil.FakeInstaller{}
	sched := newScheduler(t, 0, exec, installer, nil, nil)

	cfg := singleAxisConfig(t, "py", []string{"3.11", "3.12"}, "run-tests")
	cfg.Runtime = &config.Runtime{Version: testutil.Expr(t, "job.py")}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.NotEmpty(t, run.ID)
	require.Len(t, run.Jobs, 2)
	for _, job := range run.Jobs {
		require.Equal(t, JobSuccess, job.Status)
		require.Len(t, job.Steps, 1)
	}
	require.ElementsMatch(t, []string{"3.11", "3.12"}, installer.Runtimes())
}

func TestRun_FailFastCancelsPendingJobs(t *testing.T) {
	// One worker makes job order deterministic: 1 succeeds, 2 fails, 3 must
	// be cancelled without ever being provisioned.
	exec := &testutil.ScriptRunner{Script: map[string]int{"test-2": 7}}
	installer := &testutil.FakeInstaller{}
	sched := newScheduler(t, 1, exec, installer, nil, nil)

	cfg := &config.Config{
		Matrix: matrix.AxisSet{Axes: []matrix.Axis{{Name: "py", Values: []string{"1", "2", "3"}}}},
		Runtime: &config.Runtime{
			Version: testutil.Expr(t, "job.py"),
		},
		Steps: []config.Step{{
			Name: "test",
			Run:  testutil.Expr(t, `"test-${job.py}"`),
		}},
	}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Jobs, 3)

	require.Equal(t, JobSuccess, run.Jobs[0].Status, "completed jobs keep their result")
	require.Equal(t, JobFailed, run.Jobs[1].Status)
	require.Equal(t, JobCancelled, run.Jobs[2].Status, "pending job is cancelled, not failed")
	require.Empty(t, run.Jobs[2].Steps, "cancelled job never starts its pipeline")

	require.Equal(t, []string{"1", "2"}, installer.Runtimes(), "cancelled job is never provisioned")
	require.Equal(t, []string{"test-1", "test-2"}, exec.Executed())

	var stepErr *pipeline.StepExecutionError
	require.ErrorAs(t, run.Jobs[1].Err, &stepErr)
	require.Equal(t, 7, stepErr.ExitCode)
}

func TestRun_EmptyAxisFailsBeforeAnyJobStarts(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	installer := &testutil.FakeInstaller{}
	sched := newScheduler(t, 0, exec, installer, nil, nil)

	cfg := singleAxisConfig(t, "py", nil, "run-tests")

	_, err := sched.Run(context.Background(), cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid configuration")
	require.Empty(t, installer.Runtimes())
	require.Empty(t, exec.Executed())
}

// seedCorpusDirs simulates steps having downloaded corpus data into each
// job's local corpus directory; the scheduler only caches what exists on
// disk after a successful pipeline.
func seedCorpusDirs(t *testing.T, workRoot string, labels ...string) {
	t.Helper()
	for _, label := range labels {
		dir := filepath.Join(workRoot, label, "data")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "recording.dat"), []byte("ephys"), 0o644))
	}
}

func TestRun_CachePopulateOnceReuseForever(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	resolver := &testutil.StaticResolver{Content: "abc123"}
	store := testutil.NewFakeStore()
	sched := newScheduler(t, 0, exec, &testutil.FakeInstaller{}, resolver, store)
	seedCorpusDirs(t, sched.WorkRoot, "3.12")

	cfg := singleAxisConfig(t, "py", []string{"3.12"}, "run-tests")
	cfg.Corpus = &config.Corpus{URL: "https://example.org/corpus", Purpose: "datasets", LocalDir: "data"}

	// First run: miss, then populate.
	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.Equal(t, cachestore.Miss, run.Jobs[0].Cache.Hit)

	// Second run with unchanged corpus content: exact hit, no re-upload.
	run, err = sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, cachestore.ExactHit, run.Jobs[0].Cache.Hit)
	require.Equal(t, "testplat-datasets-abc123", run.Jobs[0].Cache.Key)
	require.Equal(t, 1, store.StoreCount("testplat-datasets-abc123"))
}

func TestRun_PrefixHitStillPopulatesExactKey(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	resolver := &testutil.StaticResolver{Content: "newhash"}
	store := testutil.NewFakeStore("testplat-datasets-oldhash")
	sched := newScheduler(t, 0, exec, &testutil.FakeInstaller{}, resolver, store)
	seedCorpusDirs(t, sched.WorkRoot, "3.12")

	cfg := singleAxisConfig(t, "py", []string{"3.12"}, "run-tests")
	cfg.Corpus = &config.Corpus{URL: "https://example.org/corpus", Purpose: "datasets", LocalDir: "data"}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, cachestore.PrefixHit, run.Jobs[0].Cache.Hit)
	require.Equal(t, "testplat-datasets-oldhash", run.Jobs[0].Cache.Key,
		"a prefix hit reports the stale key it actually restored, never the exact key")
	require.Equal(t, 1, store.StoreCount("testplat-datasets-newhash"))
}

func TestRun_RemoteLookupFailureDegradesToNoCache(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	resolver := &testutil.StaticResolver{Err: &cachekey.RemoteLookupError{URL: "https://example.org/corpus"}}
	store := testutil.NewFakeStore("testplat-datasets-oldhash")
	sched := newScheduler(t, 0, exec, &testutil.FakeInstaller{}, resolver, store)

	cfg := singleAxisConfig(t, "py", []string{"3.12"}, "run-tests")
	cfg.Corpus = &config.Corpus{URL: "https://example.org/corpus", Purpose: "datasets", LocalDir: "data"}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status, "cache is an optimization, not a correctness dependency")
	require.Equal(t, cachestore.Miss, run.Jobs[0].Cache.Hit)
	require.Equal(t, 0, store.StoreCount("testplat-datasets-oldhash"))
}

func TestRun_OSAxisNamespacesCacheKeys(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	resolver := &testutil.StaticResolver{Content: "abc"}
	store := testutil.NewFakeStore()
	sched := newScheduler(t, 0, exec, &testutil.FakeInstaller{}, resolver, store)
	seedCorpusDirs(t, sched.WorkRoot, "linux", "windows")

	cfg := singleAxisConfig(t, "os", []string{"linux", "windows"}, "run-tests")
	cfg.Corpus = &config.Corpus{URL: "https://example.org/corpus", Purpose: "datasets", LocalDir: "data"}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)
	require.Equal(t, 1, store.StoreCount("linux-datasets-abc"))
	require.Equal(t, 1, store.StoreCount("windows-datasets-abc"))
}

func TestRun_CoverageAveragedAcrossReportingJobs(t *testing.T) {
	exec := &testutil.ScriptRunner{Coverage: map[string]float64{
		"test-3.11": 80,
		"test-3.12": 90,
	}}
	sched := newScheduler(t, 0, exec, &testutil.FakeInstaller{}, nil, nil)

	cfg := &config.Config{
		Matrix: matrix.AxisSet{Axes: []matrix.Axis{{Name: "py", Values: []string{"3.11", "3.12", "3.13"}}}},
		Steps: []config.Step{{
			Name: "test",
			Run:  testutil.Expr(t, `"test-${job.py}"`),
		}},
	}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, run.Status)

	require.NotNil(t, run.Jobs[0].Coverage)
	require.InDelta(t, 80, run.Jobs[0].Coverage.Percent, 0.001)
	require.NotNil(t, run.Jobs[1].Coverage)
	require.InDelta(t, 90, run.Jobs[1].Coverage.Percent, 0.001)
	require.Nil(t, run.Jobs[2].Coverage, "a job whose steps report nothing has no coverage")

	require.NotNil(t, run.Coverage)
	require.InDelta(t, 85, run.Coverage.Percent, 0.001, "run coverage averages only the jobs that reported one")
}

func TestRun_ProvisionFailureFailsJob(t *testing.T) {
	exec := &testutil.ScriptRunner{}
	installer := &testutil.FakeInstaller{}
	sched := newScheduler(t, 1, exec, installer, nil, nil)

	installer.RuntimeErr = errors.New("no such interpreter")

	cfg := singleAxisConfig(t, "py", []string{"3.12"}, "run-tests")
	cfg.Runtime = &config.Runtime{Version: testutil.Expr(t, "job.py")}

	run, err := sched.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
	require.Equal(t, JobFailed, run.Jobs[0].Status)

	var provErr *provision.ProvisionError
	require.ErrorAs(t, run.Jobs[0].Err, &provErr)
	require.Empty(t, exec.Executed(), "no step runs after a provisioning failure")
}
