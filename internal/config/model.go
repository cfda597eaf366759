// Package config defines the HCL configuration surface of the engine: the
// matrix block declaring the axes, the corpus block pointing at the external
// test-data repository, the runtime block declaring what to provision per
// job, and the ordered step blocks forming each job's pipeline.
//
// Several fields are kept as raw hcl.Expression values rather than decoded
// eagerly. This is deliberate: a step command, an env value or the runtime
// version may reference the current job's axis values (job.python) or the
// results of earlier steps (steps.install.failed), and those variables only
// exist once a concrete job is executing. The model captures the user's
// intent as an expression and evaluation happens late, per job.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"

	"github.com/vk/gridci/internal/matrix"
)

// Config is the merged, format-agnostic configuration for one run.
type Config struct {
	Matrix  matrix.AxisSet
	Corpus  *Corpus
	Runtime *Runtime
	Steps   []Step

	// Schedule is an opaque cron-like expression. It is carried for an
	// external scheduler collaborator and reporting; this engine does not
	// interpret it.
	Schedule string

	// Workers bounds job concurrency. Zero or negative means unbounded
	// (one worker per job).
	Workers int
}

// Corpus describes the external test-data repository whose content identity
// drives cache keys.
type Corpus struct {
	URL string
	// Purpose namespaces cache keys, e.g. "datasets".
	Purpose string
	// LocalDir is where corpus data is restored, relative to each job's
	// working directory.
	LocalDir string
}

// Runtime declares what EnvironmentProvisioner installs for each job. The
// version and package pins are expressions over the job's axis values.
type Runtime struct {
	Version        hcl.Expression
	Packages       hcl.Expression
	AllowDowngrade bool
}

// Step is one named unit of work in the pipeline.
type Step struct {
	Name string
	// Run is the shell command, opaque to the orchestrator. May reference
	// job axis values.
	Run hcl.Expression
	// SkipIf, when present, is evaluated against prior step results and the
	// job's axis values; true records a Skipped result without executing.
	SkipIf hcl.Expression
	// ContinueOnFailure makes a failing step non-fatal: the failure is
	// recorded but the pipeline proceeds.
	ContinueOnFailure bool
	// Env is an optional environment-variable overlay, passed through
	// opaquely to the executed command.
	Env hcl.Expression
	// Timeout bounds the step's command; zero means no bound.
	Timeout time.Duration
}

// Validate checks cross-block invariants after merging. Matrix invariants are
// delegated to the matrix package.
func (c *Config) Validate() error {
	if err := c.Matrix.Validate(); err != nil {
		return err
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("no steps declared")
	}
	seen := make(map[string]bool, len(c.Steps))
	for _, step := range c.Steps {
		if step.Name == "" {
			return fmt.Errorf("step with empty name")
		}
		if seen[step.Name] {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		seen[step.Name] = true
	}
	if c.Corpus != nil && c.Corpus.URL == "" {
		return fmt.Errorf("corpus block requires url")
	}
	return nil
}
