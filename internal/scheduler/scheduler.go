// Package scheduler expands the axis matrix into concrete jobs, runs each
// job's pipeline concurrently through a bounded worker pool, applies the
// fail-fast cancellation policy, and aggregates results.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vk/gridci/internal/cachekey"
	"github.com/vk/gridci/internal/cachestore"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/matrix"
	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/provision"
)

// JobStatus is the overall status of one job.
type JobStatus int

const (
	// JobSuccess means every step passed or was skipped.
	JobSuccess JobStatus = iota
	// JobFailed means provisioning or a step failed.
	JobFailed
	// JobCancelled means the job was stopped by another job's failure under
	// the fail-fast policy. It is not a true failure and is reported
	// distinctly.
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobSuccess:
		return "success"
	case JobFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

// JobResult is the outcome of one job.
type JobResult struct {
	Spec     matrix.JobSpec
	Steps    []pipeline.StepResult
	Status   JobStatus
	Err      error
	Duration time.Duration
	// Cache records how the corpus cache behaved for this job.
	Cache cachestore.RestoreResult
	// Coverage is the job's coverage measurement, when any step reported
	// one. Later steps supersede earlier ones.
	Coverage *pipeline.Coverage
}

// RunStatus is the aggregate status of a whole scheduling run.
type RunStatus int

const (
	// RunSuccess means no job failed.
	RunSuccess RunStatus = iota
	// RunFailed means at least one job failed.
	RunFailed
)

func (s RunStatus) String() string {
	if s == RunSuccess {
		return "success"
	}
	return "failed"
}

// RunResult aggregates all job results for one scheduling invocation. Jobs
// appear in deterministic matrix-expansion order, not completion order.
type RunResult struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Jobs     []JobResult
	Status   RunStatus
	// Coverage is the mean of the per-job coverage measurements, when any
	// job reported one.
	Coverage *pipeline.Coverage
}

// Scheduler owns one run's collaborators. The cache store is the only
// resource shared across jobs; everything else is per-job.
type Scheduler struct {
	// Workers bounds concurrent jobs; zero or negative means one worker per
	// job (unbounded).
	Workers int
	// Platform namespaces cache keys for jobs without an "os" axis.
	Platform string
	// WorkRoot is the directory job-private roots are created under.
	WorkRoot string

	Resolver    cachekey.Resolver
	Store       cachestore.Store
	Provisioner *provision.Provisioner
	Pipeline    *pipeline.Runner
}

// Run expands the matrix and executes every job. Configuration errors are
// returned before any job starts. The returned RunResult is non-nil exactly
// when err is nil.
func (s *Scheduler) Run(ctx context.Context, cfg *config.Config) (*RunResult, error) {
	logger := ctxlog.FromContext(ctx)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	jobs, err := cfg.Matrix.Expand()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	workers := s.Workers
	if workers <= 0 || workers > len(jobs) {
		workers = len(jobs)
	}
	logger.Info("🚀 Starting matrix run.", "jobs", len(jobs), "workers", workers)

	started := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]JobResult, len(jobs))
	indexCh := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(runCtx, cancel, workerID, cfg, jobs, indexCh, results)
		}(w)
	}

	for i := range jobs {
		indexCh <- i
	}
	close(indexCh)
	wg.Wait()

	run := &RunResult{
		ID:       uuid.NewString(),
		Started:  started,
		Duration: time.Since(started),
		Jobs:     results,
		Status:   RunSuccess,
	}
	for _, job := range results {
		if job.Status == JobFailed {
			run.Status = RunFailed
			break
		}
	}
	run.Coverage = aggregateCoverage(results)
	logger.Info("🏁 Matrix run finished.", "runID", run.ID, "status", run.Status.String(), "duration", run.Duration)
	return run, nil
}

// worker consumes job indices until the channel closes. Once the run context
// is cancelled, remaining jobs are recorded as Cancelled without any
// provisioning.
func (s *Scheduler) worker(ctx context.Context, cancel context.CancelFunc, workerID int, cfg *config.Config, jobs []matrix.JobSpec, indexCh <-chan int, results []JobResult) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for idx := range indexCh {
		job := jobs[idx]
		if ctx.Err() != nil {
			results[idx] = JobResult{Spec: job, Status: JobCancelled, Err: context.Cause(ctx)}
			continue
		}

		result := s.runJob(ctx, cfg, job)
		results[idx] = result

		if result.Status == JobFailed {
			logger.Error("❌ Job failed, cancelling remaining jobs.", "job", job.Label, "error", result.Err)
			cancel()
		}
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// runJob executes one job end to end: cache key resolution and restore (both
// non-fatal), provisioning (fatal), the step pipeline, and the
// populate-once cache save.
func (s *Scheduler) runJob(ctx context.Context, cfg *config.Config, job matrix.JobSpec) JobResult {
	logger := ctxlog.FromContext(ctx).With("job", job.Label)
	logger.Info("▶️ Job started.")
	start := time.Now()

	root := provision.JobRoot(s.WorkRoot, job)
	result := JobResult{Spec: job}

	var exactKey, corpusDir string
	if cfg.Corpus != nil && s.Resolver != nil && s.Store != nil {
		corpusDir = filepath.Join(root, cfg.Corpus.LocalDir)
		exactKey = s.restoreCorpus(ctx, cfg.Corpus, job, corpusDir, &result)
	}

	if ctx.Err() != nil {
		result.Status = JobCancelled
		result.Err = context.Cause(ctx)
		result.Duration = time.Since(start)
		return result
	}

	env, err := s.provisionEnv(ctx, cfg, job, root)
	if err != nil {
		result.Status = JobFailed
		result.Err = err
		result.Duration = time.Since(start)
		return result
	}

	result.Steps = s.Pipeline.Run(ctx, cfg.Steps, env, job)
	result.Duration = time.Since(start)
	for _, step := range result.Steps {
		if step.Coverage != nil {
			result.Coverage = step.Coverage
		}
	}

	switch pipeline.Summarize(result.Steps) {
	case pipeline.OutcomePassed:
		result.Status = JobSuccess
		s.saveCorpus(ctx, exactKey, corpusDir, result.Cache)
		logger.Info("✅ Job succeeded.", "duration", result.Duration)
	case pipeline.OutcomeFailed:
		result.Status = JobFailed
		result.Err = firstFailure(result.Steps)
	case pipeline.OutcomeCancelled:
		result.Status = JobCancelled
		result.Err = context.Cause(ctx)
	}
	return result
}

// restoreCorpus resolves the corpus content identifier and restores the best
// matching cache entry into dest. Every failure here degrades to a miss; it
// returns the exact key for a later save, or "" when the remote lookup
// failed.
func (s *Scheduler) restoreCorpus(ctx context.Context, corpus *config.Corpus, job matrix.JobSpec, dest string, result *JobResult) string {
	logger := ctxlog.FromContext(ctx).With("job", job.Label)

	content, err := s.Resolver.Head(ctx, corpus.URL)
	if err != nil {
		var lookupErr *cachekey.RemoteLookupError
		if !errors.As(err, &lookupErr) {
			logger.Warn("Unexpected resolver error.", "error", err)
		}
		logger.Warn("Corpus lookup failed, treating cache as miss.", "url", corpus.URL, "error", err)
		return ""
	}

	key := cachekey.Key{Platform: s.platformFor(job), Purpose: corpus.Purpose, Content: content}
	result.Cache = s.Store.Restore(ctx, key.String(), []string{key.Prefix()}, dest)
	logger.Info("Corpus cache restore.", "hit", result.Cache.Hit.String(), "key", result.Cache.Key)
	return key.String()
}

// saveCorpus populates the cache once per content identity: only after a
// successful pipeline, only when an exact key is known, and never when the
// restore was already an exact hit.
func (s *Scheduler) saveCorpus(ctx context.Context, exactKey, dir string, restore cachestore.RestoreResult) {
	if exactKey == "" || restore.Hit == cachestore.ExactHit {
		return
	}
	logger := ctxlog.FromContext(ctx)
	if _, err := os.Stat(dir); err != nil {
		logger.Debug("No corpus data to cache.", "dir", dir)
		return
	}
	outcome, err := s.Store.Save(ctx, exactKey, dir)
	if err != nil {
		logger.Warn("Cache save failed, continuing.", "key", exactKey, "error", err)
		return
	}
	logger.Info("Corpus cache save.", "key", exactKey, "outcome", outcome.String())
}

func (s *Scheduler) provisionEnv(ctx context.Context, cfg *config.Config, job matrix.JobSpec, root string) (*provision.Environment, error) {
	if cfg.Runtime == nil || s.Provisioner == nil {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, &provision.ProvisionError{Stage: "runtime", Err: err}
		}
		return &provision.Environment{Root: root, WorkDir: root}, nil
	}

	version, packages, err := cfg.Runtime.Resolve(job)
	if err != nil {
		return nil, &provision.ProvisionError{Stage: "runtime", Err: err}
	}
	return s.Provisioner.Provision(ctx, job, version, packages, root)
}

func (s *Scheduler) platformFor(job matrix.JobSpec) string {
	if v := job.Value("os"); v != "" {
		return v
	}
	return s.Platform
}

// aggregateCoverage averages the per-job coverage measurements. Jobs that
// reported none are left out; no measurements at all means nil.
func aggregateCoverage(jobs []JobResult) *pipeline.Coverage {
	var sum float64
	var n int
	for _, job := range jobs {
		if job.Coverage != nil {
			sum += job.Coverage.Percent
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return &pipeline.Coverage{Percent: sum / float64(n)}
}

func firstFailure(steps []pipeline.StepResult) error {
	for _, step := range steps {
		if step.Status == pipeline.Failed {
			return &pipeline.StepExecutionError{Step: step.Name, ExitCode: step.ExitCode}
		}
	}
	return nil
}
