// Package pipeline executes one job's ordered steps strictly sequentially,
// applying each step's skip condition and fatal/non-fatal failure policy.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alessio/shellescape"
	"github.com/hashicorp/hcl/v2"

	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/matrix"
	"github.com/vk/gridci/internal/provision"
)

// StepStatus classifies one step's outcome.
type StepStatus int

const (
	// Passed means the command exited successfully.
	Passed StepStatus = iota
	// Failed means the command exited with failure or could not run.
	Failed
	// Skipped means the skip condition held; the command never ran.
	Skipped
	// Cancelled means the run was cancelled before the step started.
	Cancelled
)

func (s StepStatus) String() string {
	switch s {
	case Passed:
		return "passed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "cancelled"
	}
}

// Coverage is a coverage measurement reported by the test-execution
// collaborator for one step. Collaborators that measure nothing report nil.
type Coverage struct {
	Percent float64
}

// StepResult records one step's execution.
type StepResult struct {
	Name     string
	Status   StepStatus
	ExitCode int
	Duration time.Duration
	// Coverage is present when the executed command reported one.
	Coverage *Coverage
	// Message holds the failure reason, if any.
	Message string
}

// StepExecutionError is the failure of a single step's command.
type StepExecutionError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// CommandRunner executes one step command inside an environment. It is the
// external test-execution/shell collaborator: implementations report the
// command's exit code and any coverage measurement, or an error when the
// command could not run at all.
type CommandRunner interface {
	Run(ctx context.Context, env *provision.Environment, command string, extra map[string]string) (exitCode int, coverage *Coverage, err error)
}

// Runner executes pipelines.
type Runner struct {
	Exec CommandRunner
}

// Run executes steps in order inside env for the given job.
//
// Ordering and policy:
//   - Cancellation is cooperative and checked only at step boundaries: a
//     cancelled run records Cancelled for the not-yet-started steps, but a
//     command already running is allowed to finish.
//   - A step whose skip_if holds records Skipped and the pipeline continues;
//     the skip is visible to later steps' expressions.
//   - A failing step is fatal unless continue_on_failure is set. A fatal
//     failure aborts immediately: later steps never run and are not recorded.
func (r *Runner) Run(ctx context.Context, steps []config.Step, env *provision.Environment, job matrix.JobSpec) []StepResult {
	logger := ctxlog.FromContext(ctx).With("job", job.Label)
	jobCtx := config.JobContext(job)
	states := make(map[string]config.StepState, len(steps))

	var results []StepResult
	for i, step := range steps {
		if ctx.Err() != nil {
			for _, rest := range steps[i:] {
				results = append(results, StepResult{Name: rest.Name, Status: Cancelled})
			}
			logger.Info("Pipeline cancelled.", "completed", i, "total", len(steps))
			return results
		}

		evalCtx := config.WithStepStates(jobCtx, states)

		if step.SkipIf != nil {
			skip, err := config.EvalBool(step.SkipIf, evalCtx)
			if err != nil {
				results = append(results, StepResult{
					Name:    step.Name,
					Status:  Failed,
					Message: fmt.Sprintf("evaluating skip_if: %v", err),
				})
				return results
			}
			if skip {
				logger.Info("Step skipped.", "step", step.Name)
				results = append(results, StepResult{Name: step.Name, Status: Skipped})
				states[step.Name] = config.StepState{Skipped: true}
				continue
			}
		}

		result := r.runStep(ctx, step, env, evalCtx, logger)
		results = append(results, result)
		states[step.Name] = config.StepState{
			Failed:    result.Status == Failed,
			Succeeded: result.Status == Passed,
		}

		if result.Status == Failed && !step.ContinueOnFailure {
			logger.Error("Fatal step failure, aborting pipeline.", "step", step.Name, "exitCode", result.ExitCode)
			return results
		}
	}
	return results
}

func (r *Runner) runStep(ctx context.Context, step config.Step, env *provision.Environment, evalCtx *hcl.EvalContext, logger *slog.Logger) StepResult {
	command, err := config.EvalString(step.Run, evalCtx)
	if err != nil {
		return StepResult{Name: step.Name, Status: Failed, Message: fmt.Sprintf("evaluating run: %v", err)}
	}
	extra, err := config.EvalStringMap(step.Env, evalCtx)
	if err != nil {
		return StepResult{Name: step.Name, Status: Failed, Message: fmt.Sprintf("evaluating env: %v", err)}
	}

	// Cancellation is cooperative at step boundaries: a command that is
	// already running finishes (or hits its own timeout), it is not killed
	// by the run-level cancel.
	stepCtx := context.WithoutCancel(ctx)
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, step.Timeout)
		defer cancel()
	}

	logger.Info("▶️ Starting step.", "step", step.Name, "command", shellescape.Quote(command))
	start := time.Now()
	exitCode, coverage, runErr := r.Exec.Run(stepCtx, env, command, extra)
	duration := time.Since(start)

	if runErr != nil || exitCode != 0 {
		stepErr := &StepExecutionError{Step: step.Name, ExitCode: exitCode, Err: runErr}
		return StepResult{
			Name:     step.Name,
			Status:   Failed,
			ExitCode: exitCode,
			Duration: duration,
			Coverage: coverage,
			Message:  stepErr.Error(),
		}
	}

	logger.Info("✅ Finished step.", "step", step.Name, "duration", duration)
	return StepResult{Name: step.Name, Status: Passed, Duration: duration, Coverage: coverage}
}

// Outcome is the pipeline-level result derived from its step results.
type Outcome int

const (
	// OutcomePassed means every executed step passed (or was skipped).
	OutcomePassed Outcome = iota
	// OutcomeFailed means at least one step failed, fatally or not.
	OutcomeFailed
	// OutcomeCancelled means cancellation stopped the pipeline before any
	// step failed.
	OutcomeCancelled
)

// Summarize derives the pipeline outcome. A recorded failure dominates
// cancellation: a job that had already failed fatally is Failed even if the
// run was cancelled afterwards.
func Summarize(results []StepResult) Outcome {
	cancelled := false
	for _, result := range results {
		switch result.Status {
		case Failed:
			return OutcomeFailed
		case Cancelled:
			cancelled = true
		}
	}
	if cancelled {
		return OutcomeCancelled
	}
	return OutcomePassed
}
