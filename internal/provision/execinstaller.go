package provision

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExecInstaller drives a real package manager through templated shell
// commands. Templates may reference {version}, {name}, {root} and {flags};
// {flags} expands to DowngradeFlag when the policy allows downgrades.
//
// The defaults target a pip-style manager; CI setups override them to match
// whatever manager the host uses.
type ExecInstaller struct {
	RuntimeCmd    string
	PackageCmd    string
	DowngradeFlag string
	Shell         string
}

// NewExecInstaller returns an installer with pip/venv-style defaults.
func NewExecInstaller() *ExecInstaller {
	return &ExecInstaller{
		RuntimeCmd: "python{version} -m venv {root}/venv",
		PackageCmd: "{root}/venv/bin/pip install {flags} {name}=={version}",
	}
}

// InstallRuntime implements Installer.
func (i *ExecInstaller) InstallRuntime(ctx context.Context, version string, root string) error {
	cmd := expand(i.RuntimeCmd, map[string]string{"version": version, "root": root})
	return i.run(ctx, cmd, root)
}

// InstallPackage implements Installer.
func (i *ExecInstaller) InstallPackage(ctx context.Context, env *Environment, name string, version string, policy Policy) error {
	flags := ""
	if policy.AllowVersionDowngrade {
		flags = i.DowngradeFlag
	}
	cmd := expand(i.PackageCmd, map[string]string{
		"name":    name,
		"version": version,
		"root":    env.Root,
		"flags":   flags,
	})
	return i.run(ctx, cmd, env.Root)
}

func (i *ExecInstaller) run(ctx context.Context, command string, dir string) error {
	shell := i.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%q: %w", command, err)
	}
	return nil
}

func expand(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return strings.Join(strings.Fields(out), " ")
}
