package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/vk/gridci/internal/matrix"
)

// fileConfig mirrors the HCL grammar of a single configuration file.
type fileConfig struct {
	Matrix   *matrixBlock  `hcl:"matrix,block"`
	Corpus   *corpusBlock  `hcl:"corpus,block"`
	Runtime  *runtimeBlock `hcl:"runtime,block"`
	Steps    []stepBlock   `hcl:"step,block"`
	Schedule *string       `hcl:"schedule,optional"`
	Workers  *int          `hcl:"workers,optional"`
}

type matrixBlock struct {
	Axes []axisBlock `hcl:"axis,block"`
}

type axisBlock struct {
	Name   string   `hcl:"name,label"`
	Values []string `hcl:"values"`
}

type corpusBlock struct {
	URL      string `hcl:"url"`
	Purpose  string `hcl:"purpose,optional"`
	LocalDir string `hcl:"local_dir,optional"`
}

type runtimeBlock struct {
	Version        hcl.Expression `hcl:"version"`
	Packages       hcl.Expression `hcl:"packages,optional"`
	AllowDowngrade *bool          `hcl:"allow_downgrade,optional"`
}

type stepBlock struct {
	Name              string         `hcl:"name,label"`
	Run               hcl.Expression `hcl:"run"`
	SkipIf            hcl.Expression `hcl:"skip_if,optional"`
	ContinueOnFailure *bool          `hcl:"continue_on_failure,optional"`
	Env               hcl.Expression `hcl:"env,optional"`
	Timeout           *string        `hcl:"timeout,optional"`
}

// Load reads configuration from a single .hcl file or from every .hcl file
// under a directory (recursively, in sorted path order) and merges them into
// one validated Config. Blocks that must be unique (matrix, corpus, runtime)
// may appear in at most one file; step blocks append in file order.
func Load(path string) (*Config, error) {
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl configuration files under %s", path)
	}

	parser := hclparse.NewParser()
	cfg := &Config{}
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, diags
		}
		var fc fileConfig
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &fc); diags.HasErrors() {
			return nil, diags
		}
		if err := merge(cfg, &fc, file); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// presentExpr returns nil for the synthetic constant-null expression gohcl
// substitutes when an optional expression attribute is omitted, so absent
// attributes stay distinguishable from written ones.
func presentExpr(expr hcl.Expression) hcl.Expression {
	if expr == nil || len(expr.Variables()) > 0 {
		return expr
	}
	if v, diags := expr.Value(nil); !diags.HasErrors() && v.IsNull() {
		return nil
	}
	return expr
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	return findHCLFiles(path)
}

func merge(cfg *Config, fc *fileConfig, file string) error {
	if fc.Matrix != nil {
		if len(cfg.Matrix.Axes) > 0 {
			return fmt.Errorf("%s: matrix block declared more than once", file)
		}
		for _, axis := range fc.Matrix.Axes {
			cfg.Matrix.Axes = append(cfg.Matrix.Axes, matrix.Axis{Name: axis.Name, Values: axis.Values})
		}
	}

	if fc.Corpus != nil {
		if cfg.Corpus != nil {
			return fmt.Errorf("%s: corpus block declared more than once", file)
		}
		purpose := fc.Corpus.Purpose
		if purpose == "" {
			purpose = "data"
		}
		localDir := fc.Corpus.LocalDir
		if localDir == "" {
			localDir = "corpus"
		}
		cfg.Corpus = &Corpus{URL: fc.Corpus.URL, Purpose: purpose, LocalDir: localDir}
	}

	if fc.Runtime != nil {
		if cfg.Runtime != nil {
			return fmt.Errorf("%s: runtime block declared more than once", file)
		}
		rt := &Runtime{Version: fc.Runtime.Version, Packages: fc.Runtime.Packages}
		if fc.Runtime.AllowDowngrade != nil {
			rt.AllowDowngrade = *fc.Runtime.AllowDowngrade
		}
		cfg.Runtime = rt
	}

	for _, sb := range fc.Steps {
		step := Step{
			Name:   sb.Name,
			Run:    sb.Run,
			SkipIf: presentExpr(sb.SkipIf),
			Env:    sb.Env,
		}
		if sb.ContinueOnFailure != nil {
			step.ContinueOnFailure = *sb.ContinueOnFailure
		}
		if sb.Timeout != nil {
			d, err := time.ParseDuration(*sb.Timeout)
			if err != nil {
				return fmt.Errorf("%s: step %q has invalid timeout: %w", file, sb.Name, err)
			}
			step.Timeout = d
		}
		cfg.Steps = append(cfg.Steps, step)
	}

	if fc.Schedule != nil {
		if cfg.Schedule != "" {
			return fmt.Errorf("%s: schedule declared more than once", file)
		}
		cfg.Schedule = *fc.Schedule
	}
	if fc.Workers != nil {
		if cfg.Workers != 0 {
			return fmt.Errorf("%s: workers declared more than once", file)
		}
		cfg.Workers = *fc.Workers
	}
	return nil
}
