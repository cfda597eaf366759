package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/vk/gridci/internal/provision"
)

// coverageEnvVar names the file a step command may write its coverage
// percentage to.
const coverageEnvVar = "GRIDCI_COVERAGE"

// ExecRunner is the real CommandRunner: it executes step commands through
// the system shell, inside the environment's working directory, with the
// environment's variables and the step overlay applied.
//
// Coverage is reported through a file convention: each command gets a fresh
// path in $GRIDCI_COVERAGE, and a command that writes a percentage there
// (e.g. `coverage report --format=total > "$GRIDCI_COVERAGE"`) has it
// attached to its step result.
type ExecRunner struct {
	// Shell defaults to "sh".
	Shell string
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(ctx context.Context, env *provision.Environment, command string, extra map[string]string) (int, *Coverage, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}

	covFile, err := os.CreateTemp("", "gridci-cov-")
	if err != nil {
		return -1, nil, fmt.Errorf("creating coverage file: %w", err)
	}
	covPath := covFile.Name()
	covFile.Close()
	defer os.Remove(covPath)

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	if env != nil {
		cmd.Dir = env.WorkDir
	}
	cmd.Env = append(buildEnv(env, extra), coverageEnvVar+"="+covPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	coverage := readCoverage(covPath)
	if runErr == nil {
		return 0, coverage, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), coverage, nil
	}
	return -1, nil, fmt.Errorf("running command: %w", runErr)
}

// readCoverage parses the percentage a command left in its coverage file.
// An absent, empty or unparseable file means no coverage was reported.
func readCoverage(path string) *Coverage {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	text := strings.TrimSuffix(strings.TrimSpace(string(raw)), "%")
	if text == "" {
		return nil
	}
	percent, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil
	}
	return &Coverage{Percent: percent}
}

// buildEnv layers the process environment, then the provisioned
// environment's variables, then the step overlay. Overlay keys are applied
// in sorted order so repeated runs see identical environments.
func buildEnv(env *provision.Environment, extra map[string]string) []string {
	out := os.Environ()
	if env != nil {
		for _, k := range sortedKeys(env.Vars) {
			out = append(out, k+"="+env.Vars[k])
		}
	}
	for _, k := range sortedKeys(extra) {
		out = append(out, k+"="+extra[k])
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
