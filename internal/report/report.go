// Package report renders a RunResult for humans (colored console summary)
// and machines (JSON or YAML), and maps the run to a process exit code.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/scheduler"
)

var (
	passColor   = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed, color.Bold)
	skipColor   = color.New(color.FgYellow)
	cancelColor = color.New(color.FgYellow)
	headerColor = color.New(color.Bold)
)

// Console writes a human-readable report: one line per job, indented step
// results with durations, and a summary with the failure list. Cancelled
// jobs are reported distinctly from failed ones.
func Console(w io.Writer, run *scheduler.RunResult) {
	headerColor.Fprintf(w, "Run %s (%d jobs, %s)\n", run.ID, len(run.Jobs), run.Duration.Round(time.Millisecond))

	var failed, cancelled int
	for _, job := range run.Jobs {
		switch job.Status {
		case scheduler.JobSuccess:
			passColor.Fprintf(w, "  PASS %s", job.Spec.Label)
			if job.Coverage != nil {
				fmt.Fprintf(w, " cov %.1f%%", job.Coverage.Percent)
			}
		case scheduler.JobFailed:
			failed++
			failColor.Fprintf(w, "  FAIL %s", job.Spec.Label)
		case scheduler.JobCancelled:
			cancelled++
			cancelColor.Fprintf(w, "  CANCELLED %s", job.Spec.Label)
		}
		fmt.Fprintf(w, " (%s)\n", job.Duration.Round(time.Millisecond))

		for _, step := range job.Steps {
			printStep(w, step)
		}
		if job.Err != nil && job.Status == scheduler.JobFailed {
			failColor.Fprintf(w, "    error: %v\n", job.Err)
		}
	}

	fmt.Fprintln(w)
	if run.Coverage != nil {
		fmt.Fprintf(w, "coverage: %.1f%%\n", run.Coverage.Percent)
	}
	if run.Status == scheduler.RunSuccess {
		passColor.Fprintf(w, "SUCCESS: %d jobs passed\n", len(run.Jobs))
		return
	}
	failColor.Fprintf(w, "FAILED: %d failed, %d cancelled, %d total\n", failed, cancelled, len(run.Jobs))
}

func printStep(w io.Writer, step pipeline.StepResult) {
	switch step.Status {
	case pipeline.Passed:
		passColor.Fprintf(w, "    ok   %-20s", step.Name)
	case pipeline.Failed:
		failColor.Fprintf(w, "    fail %-20s", step.Name)
	case pipeline.Skipped:
		skipColor.Fprintf(w, "    skip %-20s", step.Name)
	case pipeline.Cancelled:
		cancelColor.Fprintf(w, "    stop %-20s", step.Name)
	}
	fmt.Fprintf(w, " %s", step.Duration.Round(time.Millisecond))
	if step.Message != "" {
		fmt.Fprintf(w, "  %s", step.Message)
	}
	fmt.Fprintln(w)
}

// view is the serializable shape of a run report.
type view struct {
	ID       string    `json:"id" yaml:"id"`
	Status   string    `json:"status" yaml:"status"`
	Started  time.Time `json:"started" yaml:"started"`
	Duration string    `json:"duration" yaml:"duration"`
	Coverage *float64  `json:"coverage_percent,omitempty" yaml:"coverage_percent,omitempty"`
	Jobs     []jobView `json:"jobs" yaml:"jobs"`
}

type jobView struct {
	Label    string            `json:"label" yaml:"label"`
	Axes     map[string]string `json:"axes" yaml:"axes"`
	Status   string            `json:"status" yaml:"status"`
	Duration string            `json:"duration" yaml:"duration"`
	CacheHit string            `json:"cache_hit" yaml:"cache_hit"`
	Coverage *float64          `json:"coverage_percent,omitempty" yaml:"coverage_percent,omitempty"`
	Error    string            `json:"error,omitempty" yaml:"error,omitempty"`
	Steps    []stepView        `json:"steps" yaml:"steps"`
}

type stepView struct {
	Name     string   `json:"name" yaml:"name"`
	Status   string   `json:"status" yaml:"status"`
	ExitCode int      `json:"exit_code" yaml:"exit_code"`
	Duration string   `json:"duration" yaml:"duration"`
	Coverage *float64 `json:"coverage_percent,omitempty" yaml:"coverage_percent,omitempty"`
	Message  string   `json:"message,omitempty" yaml:"message,omitempty"`
}

// Write serializes the run report in the requested format, "json" or "yaml".
func Write(w io.Writer, run *scheduler.RunResult, format string) error {
	v := buildView(run)
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return yaml.NewEncoder(w).Encode(v)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func buildView(run *scheduler.RunResult) view {
	v := view{
		ID:       run.ID,
		Status:   run.Status.String(),
		Started:  run.Started,
		Duration: run.Duration.String(),
		Coverage: coveragePercent(run.Coverage),
	}
	for _, job := range run.Jobs {
		jv := jobView{
			Label:    job.Spec.Label,
			Axes:     job.Spec.Values,
			Status:   job.Status.String(),
			Duration: job.Duration.String(),
			CacheHit: job.Cache.Hit.String(),
			Coverage: coveragePercent(job.Coverage),
		}
		if job.Err != nil {
			jv.Error = job.Err.Error()
		}
		for _, step := range job.Steps {
			jv.Steps = append(jv.Steps, stepView{
				Name:     step.Name,
				Status:   step.Status.String(),
				ExitCode: step.ExitCode,
				Duration: step.Duration.String(),
				Coverage: coveragePercent(step.Coverage),
				Message:  step.Message,
			})
		}
		v.Jobs = append(v.Jobs, jv)
	}
	return v
}

func coveragePercent(c *pipeline.Coverage) *float64 {
	if c == nil {
		return nil
	}
	return &c.Percent
}

// ExitCode maps a run to the process exit status: 0 on success, 1 when any
// job failed.
func ExitCode(run *scheduler.RunResult) int {
	if run.Status == scheduler.RunSuccess {
		return 0
	}
	return 1
}
