package app

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/gridci/internal/cachekey"
	"github.com/vk/gridci/internal/cachestore"
	"github.com/vk/gridci/internal/config"
	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/provision"
	"github.com/vk/gridci/internal/report"
	"github.com/vk/gridci/internal/scheduler"
	"github.com/vk/gridci/internal/trigger"
)

const remoteLookupTimeout = 30 * time.Second

// Run executes the engine and returns the process exit code: 0 on a
// successful run, 1 when any job failed, 2 on configuration errors.
func (a *App) Run(ctx context.Context) (int, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	cfg, err := config.Load(a.config.ConfigPath)
	if err != nil {
		return 2, fmt.Errorf("loading configuration: %w", err)
	}
	a.logger.Debug("Configuration loaded.", "axes", len(cfg.Matrix.Axes), "steps", len(cfg.Steps))
	if cfg.Schedule != "" {
		a.logger.Info("Schedule declared; interpretation is left to the external scheduler.", "schedule", cfg.Schedule)
	}

	sched, cleanup, err := a.buildScheduler(cfg)
	if err != nil {
		return 2, err
	}
	defer cleanup()

	var lastRun *scheduler.RunResult
	do := func(ctx context.Context) error {
		run, err := sched.Run(ctx, cfg)
		if err != nil {
			return err
		}
		lastRun = run
		return a.report(run)
	}

	if a.config.Every > 0 {
		err = trigger.Every(ctx, a.config.Every, do)
		if err == context.Canceled || err == context.DeadlineExceeded {
			err = nil
		}
	} else {
		err = trigger.Once(ctx, do)
	}
	if err != nil {
		return 2, err
	}
	if lastRun == nil {
		return 2, fmt.Errorf("no run completed")
	}
	return report.ExitCode(lastRun), nil
}

func (a *App) report(run *scheduler.RunResult) error {
	if a.config.ReportFormat != "" {
		return report.Write(a.out, run, a.config.ReportFormat)
	}
	report.Console(a.out, run)
	return nil
}

// buildScheduler constructs the real collaborators for any the caller did
// not inject.
func (a *App) buildScheduler(cfg *config.Config) (*scheduler.Scheduler, func(), error) {
	cleanup := func() {}

	store := a.Store
	if store == nil {
		if a.config.S3Endpoint != "" {
			s3, err := cachestore.NewS3Store(cachestore.S3Options{
				Endpoint:  a.config.S3Endpoint,
				Bucket:    a.config.S3Bucket,
				AccessKey: a.config.S3AccessKey,
				SecretKey: a.config.S3SecretKey,
				Secure:    a.config.S3Secure,
			})
			if err != nil {
				return nil, cleanup, err
			}
			store = s3
		} else {
			store = cachestore.NewDirStore(a.config.CacheDir)
		}
	}

	resolver := a.Resolver
	if resolver == nil {
		httpResolver := cachekey.NewHTTPResolver(remoteLookupTimeout)
		resolver = httpResolver
		cleanup = func() { _ = httpResolver.Close() }
	}

	installer := a.Installer
	if installer == nil {
		installer = provision.NewExecInstaller()
	}
	exec := a.Exec
	if exec == nil {
		exec = &pipeline.ExecRunner{}
	}

	var policy provision.Policy
	if cfg.Runtime != nil {
		policy.AllowVersionDowngrade = cfg.Runtime.AllowDowngrade
	}

	workers := a.config.Workers
	if workers <= 0 {
		workers = cfg.Workers
	}

	return &scheduler.Scheduler{
		Workers:     workers,
		Platform:    a.config.Platform,
		WorkRoot:    a.config.WorkDir,
		Resolver:    resolver,
		Store:       store,
		Provisioner: &provision.Provisioner{Installer: installer, Policy: policy},
		Pipeline:    &pipeline.Runner{Exec: exec},
	}, cleanup, nil
}
