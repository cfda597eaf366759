package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/gridci/internal/testutil"
)

const passingGrid = `
matrix {
  axis "os" {
    values = ["linux"]
  }
  axis "python" {
    values = ["3.11", "3.12"]
  }
}

corpus {
  url = "https://example.org/ephys-data"
}

runtime {
  version = job.python

  packages = {
    numpy = "2.0"
  }
}

step "install" {
  run = "setup-env ${job.python}"
}

step "test" {
  run = "pytest --color=no"
}
`

func writeGrid(t *testing.T, src string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grid.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func newTestApp(t *testing.T, cfg Config) (*App, *bytes.Buffer, *testutil.ScriptRunner) {
	t.Helper()
	if cfg.WorkDir == "" {
		cfg.WorkDir = t.TempDir()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	appCfg, err := NewConfig(cfg)
	require.NoError(t, err)

	var out bytes.Buffer
	exec := &testutil.ScriptRunner{}
	a := NewApp(&out, &testutil.SafeBuffer{}, appCfg)
	a.Resolver = &testutil.StaticResolver{Content: "abc"}
	a.Store = testutil.NewFakeStore()
	a.Installer = &testutil.FakeInstaller{}
	a.Exec = exec
	return a, &out, exec
}

func TestRun_SuccessExitZero(t *testing.T) {
	a, out, exec := newTestApp(t, Config{
		ConfigPath: writeGrid(t, passingGrid),
		Platform:   "linux",
	})

	code, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)

	require.Len(t, exec.Executed(), 4)
	require.Contains(t, exec.Executed(), "setup-env 3.11")
	require.Contains(t, exec.Executed(), "setup-env 3.12")
	require.Contains(t, out.String(), "PASS linux/3.11")
	require.Contains(t, out.String(), "SUCCESS: 2 jobs passed")
}

func TestRun_StepFailureExitOne(t *testing.T) {
	a, out, exec := newTestApp(t, Config{
		ConfigPath: writeGrid(t, passingGrid),
		Platform:   "linux",
	})
	exec.Script = map[string]int{"pytest": 1}

	code, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, code)
	require.Contains(t, out.String(), "FAIL")
}

func TestRun_JSONReport(t *testing.T) {
	a, out, _ := newTestApp(t, Config{
		ConfigPath:   writeGrid(t, passingGrid),
		Platform:     "linux",
		ReportFormat: "json",
	})

	code, err := a.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, code)

	var v struct {
		Status string `json:"status"`
		Jobs   []struct {
			Label string `json:"label"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &v))
	require.Equal(t, "success", v.Status)
	require.Len(t, v.Jobs, 2)
}

func TestRun_MissingConfigExitTwo(t *testing.T) {
	a, _, _ := newTestApp(t, Config{
		ConfigPath: filepath.Join(t.TempDir(), "nope.hcl"),
	})

	code, err := a.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, code)
}

func TestRun_InvalidMatrixExitTwo(t *testing.T) {
	a, _, exec := newTestApp(t, Config{
		ConfigPath: writeGrid(t, `
matrix {
  axis "python" {
    values = []
  }
}

step "test" {
  run = "pytest"
}
`),
	})

	code, err := a.Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 2, code)
	require.Empty(t, exec.Executed())
}

func TestNewConfig_RequiresConfigPath(t *testing.T) {
	_, err := NewConfig(Config{})
	require.Error(t, err)
}
