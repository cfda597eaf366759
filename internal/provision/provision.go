// Package provision materializes an isolated runtime environment for one
// job: the declared runtime version plus each pinned package. Installation
// itself is an external collaborator behind the Installer interface; this
// package owns isolation (one root directory per job, no shared state) and
// the fatal ProvisionError taxonomy.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/matrix"
)

// Environment is the handle to a provisioned, isolated environment. Steps
// execute inside it; nothing about it is shared between jobs.
type Environment struct {
	RuntimeVersion string
	// Root is the job-private directory the environment lives under.
	Root string
	// WorkDir is where step commands run.
	WorkDir string
	// Vars are environment variables every step in this environment sees.
	Vars map[string]string
}

// Policy declares how the installer resolves version conflicts.
type Policy struct {
	// AllowVersionDowngrade permits installing a pinned version older than
	// one already present.
	AllowVersionDowngrade bool
}

// Installer is the external package/environment manager collaborator.
type Installer interface {
	InstallRuntime(ctx context.Context, version string, root string) error
	InstallPackage(ctx context.Context, env *Environment, name string, version string, policy Policy) error
}

// ProvisionError means the runtime or a pinned package could not be
// installed. It is fatal to the owning job only.
type ProvisionError struct {
	Stage   string // "runtime" or "package"
	Name    string
	Version string
	Err     error
}

func (e *ProvisionError) Error() string {
	if e.Stage == "runtime" {
		return fmt.Sprintf("provisioning runtime %s: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("provisioning package %s==%s: %v", e.Name, e.Version, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Provisioner drives an Installer to build per-job environments.
type Provisioner struct {
	Installer Installer
	Policy    Policy
}

// Provision installs the runtime and each pinned package into root. Packages
// install in sorted-name order so failures are reproducible. Any installer
// failure returns a *ProvisionError.
func (p *Provisioner) Provision(ctx context.Context, job matrix.JobSpec, version string, packages map[string]string, root string) (*Environment, error) {
	logger := ctxlog.FromContext(ctx).With("job", job.Label)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &ProvisionError{Stage: "runtime", Version: version, Err: err}
	}

	logger.Debug("Installing runtime.", "version", version)
	if err := p.Installer.InstallRuntime(ctx, version, root); err != nil {
		return nil, &ProvisionError{Stage: "runtime", Version: version, Err: err}
	}

	env := &Environment{
		RuntimeVersion: version,
		Root:           root,
		WorkDir:        root,
		Vars: map[string]string{
			"GRIDCI_RUNTIME": version,
			"GRIDCI_ROOT":    root,
		},
	}

	for _, name := range config.SortedNames(packages) {
		pin := packages[name]
		logger.Debug("Installing package.", "name", name, "version", pin)
		if err := p.Installer.InstallPackage(ctx, env, name, pin, p.Policy); err != nil {
			return nil, &ProvisionError{Stage: "package", Name: name, Version: pin, Err: err}
		}
	}

	logger.Info("Environment provisioned.", "runtime", version, "packages", len(packages), "root", root)
	return env, nil
}

// JobRoot derives the job-private directory under base for a job label.
// Axis values may contain path separators; they are flattened.
func JobRoot(base string, job matrix.JobSpec) string {
	safe := make([]rune, 0, len(job.Label))
	for _, r := range job.Label {
		switch r {
		case '/', '\\', ':', ' ':
			safe = append(safe, '_')
		default:
			safe = append(safe, r)
		}
	}
	return filepath.Join(base, string(safe))
}
