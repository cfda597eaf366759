// Package app wires the engine together: configuration loading, logging,
// collaborator construction, the scheduler run, and reporting.
package app

import (
	"io"
	"log/slog"

	"github.com/vk/gridci/internal/cachekey"
	"github.com/vk/gridci/internal/cachestore"
	"github.com/vk/gridci/internal/pipeline"
	"github.com/vk/gridci/internal/provision"
)

// App is one configured instance of the engine.
type App struct {
	out    io.Writer
	logger *slog.Logger
	config *Config

	// External collaborators. All are optional; Run constructs the real
	// implementations for any left nil. Tests inject fakes here.
	Resolver  cachekey.Resolver
	Store     cachestore.Store
	Installer provision.Installer
	Exec      pipeline.CommandRunner
}

// NewApp creates an App writing reports to outW and logs to logW.
func NewApp(outW, logW io.Writer, cfg *Config) *App {
	return &App{
		out:    outW,
		logger: newLogger(cfg.LogLevel, cfg.LogFormat, logW),
		config: cfg,
	}
}

// Logger exposes the app's logger, mainly for tests.
func (a *App) Logger() *slog.Logger {
	return a.logger
}
